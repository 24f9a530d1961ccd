package i18n

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func initLang(t *testing.T, lang string) context.Context {
	t.Helper()
	if err := Init(lang); err != nil {
		t.Fatalf("Init(%q): %v", lang, err)
	}
	return WithLocalizer(context.Background(), NewLocalizer(lang))
}

func TestTranslateEnglish(t *testing.T) {
	ctx := initLang(t, "en")

	if got := T(ctx, "TestNotFound"); got != "Test not found" {
		t.Errorf("T(TestNotFound) = %q, want 'Test not found'", got)
	}
	if got := T(ctx, "BandNeedsImprovement"); got != "Needs improvement" {
		t.Errorf("T(BandNeedsImprovement) = %q", got)
	}
}

func TestTranslateFrench(t *testing.T) {
	ctx := initLang(t, "fr")

	if got := T(ctx, "TestNotFound"); got != "Test non trouvé" {
		t.Errorf("T(TestNotFound) = %q, want 'Test non trouvé'", got)
	}
	if got := T(ctx, "GenerationFailed"); got != "Erreur lors de la génération des questions. Veuillez réessayer." {
		t.Errorf("T(GenerationFailed) = %q", got)
	}
}

func TestUnsupportedLanguage(t *testing.T) {
	if err := Init("ru"); err == nil {
		t.Error("expected error for a language without a locale file")
	}
	if err := Init("not a tag"); err == nil {
		t.Error("expected error for an invalid tag")
	}
}

func TestLanguages(t *testing.T) {
	got := Languages()
	if len(got) != 2 || got[0] != "en" || got[1] != "fr" {
		t.Errorf("Languages() = %v, want [en fr]", got)
	}
}

func TestPluralTranslation(t *testing.T) {
	ctx := initLang(t, "en")

	if got := Tp(ctx, "QuestionsCount", 1); got != "1 question" {
		t.Errorf("Tp(QuestionsCount, 1) = %q, want '1 question'", got)
	}
	if got := Tp(ctx, "QuestionsCount", 5); got != "5 questions" {
		t.Errorf("Tp(QuestionsCount, 5) = %q, want '5 questions'", got)
	}
	if got := Tp(ctx, "EstimatedMinutes", 10); got != "About 10 minutes" {
		t.Errorf("Tp(EstimatedMinutes, 10) = %q", got)
	}
}

func TestTemplateDataTranslation(t *testing.T) {
	ctx := initLang(t, "en")

	got := Td(ctx, "PointsEarned", map[string]any{"Earned": 14, "Total": 20})
	if got != "14 / 20 points" {
		t.Errorf("Td(PointsEarned) = %q, want '14 / 20 points'", got)
	}
}

func TestMissingKey(t *testing.T) {
	ctx := initLang(t, "en")

	if got := T(ctx, "NonExistentKey"); got != "NonExistentKey" {
		t.Errorf("T(NonExistentKey) = %q, want 'NonExistentKey'", got)
	}
}

func TestMiddlewareNegotiates(t *testing.T) {
	initLang(t, "en")

	var got string
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = T(r.Context(), "ResultNotFound")
	}))

	tests := []struct {
		name   string
		target string
		accept string
		want   string
	}{
		{"default", "/", "", "Result not found"},
		{"accept-language", "/", "fr-FR,fr;q=0.9", "Résultat non trouvé"},
		{"query wins", "/?lang=en", "fr", "Result not found"},
		{"unknown falls back", "/", "de", "Result not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.accept != "" {
				req.Header.Set("Accept-Language", tt.accept)
			}
			h.ServeHTTP(httptest.NewRecorder(), req)
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
