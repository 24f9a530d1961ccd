package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"

	"github.com/pavelanni/testforge/internal/model"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var (
	candidateAnswerRegex    = regexp.MustCompile(`(?i)</?\s*candidate-answer\b[^>]*>`)
	systemInstructionsRegex = regexp.MustCompile(`(?i)</?\s*system-instructions\b[^>]*>`)
)

const (
	maxAnswerRunes = 10000
	noAnswer       = "[No answer provided]"
)

// PromptVariant represents a grading tone.
type PromptVariant string

const (
	// PromptStrict grades qualifying assessments.
	PromptStrict PromptVariant = "strict"
	// PromptStandard is benevolent but objective.
	PromptStandard PromptVariant = "standard"
	// PromptLenient grades practice assessments.
	PromptLenient PromptVariant = "lenient"
)

var validVariants = map[PromptVariant]bool{
	PromptStrict:   true,
	PromptStandard: true,
	PromptLenient:  true,
}

var (
	loadOnce      sync.Once
	loadErr       error
	generateTmpl  *template.Template
	questionTmpl  *template.Template
	evalTemplates map[PromptVariant]*template.Template
)

var funcs = template.FuncMap{
	"points": func(p float64) string { return strconv.FormatFloat(p, 'f', -1, 64) },
}

// IsValidVariant checks if a prompt variant name is valid.
func IsValidVariant(v string) bool {
	return validVariants[PromptVariant(v)]
}

// GenerateData holds template data for full generation and plan regeneration.
type GenerateData struct {
	Objective              string
	Theme                  string
	GradingDescription     string
	QuestionCount          int
	AdditionalRequirements string
	Feedback               string
	Language               string
}

// QuestionData holds template data for single-question regeneration.
type QuestionData struct {
	Question           model.GeneratedQuestion
	Objective          string
	Theme              string
	GradingDescription string
	Feedback           string
	Language           string
}

// EvalItem is one question/answer pair of an evaluation prompt.
type EvalItem struct {
	Number         int
	ID             string
	Content        string
	Type           string
	Points         float64
	Answer         string
	ExpectedAnswer string
}

// EvalData holds template data for evaluation prompts.
type EvalData struct {
	CandidateName string
	Title         string
	Description   string
	Items         []EvalItem
	Language      string
}

// Load parses the embedded templates. It is safe to call repeatedly.
func Load() error {
	loadOnce.Do(func() {
		var err error
		generateTmpl, err = template.New("generate.tmpl").Funcs(funcs).ParseFS(templateFS, "templates/generate.tmpl")
		if err != nil {
			loadErr = fmt.Errorf("parse generate prompt: %w", err)
			return
		}
		questionTmpl, err = template.New("regenerate_question.tmpl").Funcs(funcs).ParseFS(templateFS, "templates/regenerate_question.tmpl")
		if err != nil {
			loadErr = fmt.Errorf("parse question prompt: %w", err)
			return
		}

		evalTemplates = make(map[PromptVariant]*template.Template)
		for v := range validVariants {
			tmpl, err := template.New("evaluate.tmpl").Funcs(funcs).ParseFS(templateFS,
				"templates/evaluate.tmpl", "templates/tone_"+string(v)+".tmpl")
			if err != nil {
				loadErr = fmt.Errorf("parse evaluation prompt %s: %w", v, err)
				return
			}
			evalTemplates[v] = tmpl
		}
	})
	return loadErr
}

// LanguageName renders a language tag as an English name ("fr" -> "French")
// for use inside prompts. Unknown tags fall back to English.
func LanguageName(lang string) string {
	tag, err := language.Parse(lang)
	if err != nil {
		return "English"
	}
	name := display.English.Tags().Name(tag)
	if name == "" {
		return "English"
	}
	return name
}

// BuildGeneratePrompt builds the prompt for the request's mode.
func BuildGeneratePrompt(req model.GenerateRequest, lang string) (string, error) {
	if err := Load(); err != nil {
		return "", err
	}

	var buf bytes.Buffer
	switch req.Mode() {
	case model.ModeQuestionRegeneration:
		data := QuestionData{
			Question:           *req.QuestionToReplace,
			Objective:          req.Objective,
			Theme:              req.Theme,
			GradingDescription: req.GradingDescription,
			Feedback:           strings.TrimSpace(req.RegenerationFeedback),
			Language:           LanguageName(lang),
		}
		if err := questionTmpl.Execute(&buf, data); err != nil {
			return "", err
		}
	default:
		data := GenerateData{
			Objective:              req.Objective,
			Theme:                  req.Theme,
			GradingDescription:     req.GradingDescription,
			QuestionCount:          req.QuestionCount,
			AdditionalRequirements: req.AdditionalRequirements,
			Feedback:               strings.TrimSpace(req.RegenerationFeedback),
			Language:               LanguageName(lang),
		}
		if err := generateTmpl.Execute(&buf, data); err != nil {
			return "", err
		}
	}
	return buf.String(), nil
}

// BuildEvalPrompt builds a grading prompt using the specified variant.
// Every question of the submission appears, answered or not.
func BuildEvalPrompt(variant PromptVariant, sub model.Submission, lang string) (string, error) {
	if err := Load(); err != nil {
		return "", err
	}
	tmpl, ok := evalTemplates[variant]
	if !ok {
		return "", errors.New("invalid prompt variant: " + string(variant))
	}

	items := make([]EvalItem, 0, len(sub.TestData.Questions))
	for i, q := range sub.TestData.Questions {
		items = append(items, EvalItem{
			Number:         i + 1,
			ID:             q.ID,
			Content:        q.Content,
			Type:           q.Type,
			Points:         q.Points,
			Answer:         sanitizeAnswer(sub.Answers[q.ID]),
			ExpectedAnswer: q.ExpectedAnswer,
		})
	}

	data := EvalData{
		CandidateName: sub.CandidateName,
		Title:         sub.TestData.Title,
		Description:   sub.TestData.Description,
		Items:         items,
		Language:      LanguageName(lang),
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func sanitizeAnswer(answer string) string {
	answer = candidateAnswerRegex.ReplaceAllString(answer, "")
	answer = systemInstructionsRegex.ReplaceAllString(answer, "")
	answer = strings.TrimSpace(answer)

	if answer == "" {
		return noAnswer
	}

	if utf8.RuneCountInString(answer) > maxAnswerRunes {
		runes := []rune(answer)
		runes = runes[:maxAnswerRunes]
		answer = string(runes) + "\n\n[Answer truncated due to length]"
	}

	return answer
}
