package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/pavelanni/testforge/internal/model"
)

// sentRequest is the part of a chat request the tests inspect.
type sentRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	ResponseFormat *struct {
		Type       openai.ChatCompletionResponseFormatType `json:"type"`
		JSONSchema *struct {
			Name   string          `json:"name"`
			Strict bool            `json:"strict"`
			Schema json.RawMessage `json:"schema"`
		} `json:"json_schema"`
	} `json:"response_format"`
}

// fakeAPI is an OpenAI-compatible endpoint that replies with canned content
// and records the last chat request.
type fakeAPI struct {
	mu      sync.Mutex
	content string
	status  int
	last    sentRequest
}

func (f *fakeAPI) lastRequest() sentRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func newTestClient(t *testing.T, mode SchemaMode, content string) (*Client, *fakeAPI) {
	t.Helper()
	fake := &fakeAPI{content: content, status: http.StatusOK}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		fake.mu.Lock()
		defer fake.mu.Unlock()
		if err := json.NewDecoder(r.Body).Decode(&fake.last); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if fake.status != http.StatusOK {
			w.WriteHeader(fake.status)
			fmt.Fprint(w, `{"error":{"message":"upstream down","type":"server_error"}}`)
			return
		}
		resp := openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{{
				Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: fake.content},
			}},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"object":"list","data":[{"id":"gpt-4o","object":"model"}]}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c, err := New(Options{
		BaseURL:    srv.URL + "/v1",
		APIKey:     "test",
		Model:      "gpt-4o",
		EvalModel:  "gpt-4o-mini",
		SchemaMode: mode,
		Lang:       "en",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, fake
}

const fiveQuestions = `{
  "plan": {
    "introduction": "Balanced test",
    "categories": [
      {"category": "Theory", "description": "d", "suggestedCount": 2, "rationale": "r"},
      {"category": "Practice", "description": "d", "suggestedCount": 3, "rationale": "r"}
    ],
    "totalQuestions": 5
  },
  "questions": [
    {"id": "q1", "content": "c1", "type": "libre", "category": "Theory", "expectedAnswer": "", "points": 2, "aiRationale": "r"},
    {"id": "q2", "content": "c2", "type": "QCM", "category": "Theory", "expectedAnswer": "b", "points": 1, "aiRationale": "r"},
    {"id": "q3", "content": "c3", "type": "libre", "category": "Practice", "expectedAnswer": "", "points": 3, "aiRationale": "r"},
    {"id": "q3", "content": "c4", "type": "libre", "category": "Practice", "expectedAnswer": "", "points": 3, "aiRationale": "r"},
    {"id": "", "content": "c5", "type": "libre", "category": "Practice", "expectedAnswer": "", "points": 3, "aiRationale": "r"}
  ]
}`

func TestNewValidatesOptions(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"missing model", Options{}},
		{"bad schema mode", Options{Model: "m", SchemaMode: "xml"}},
		{"bad variant", Options{Model: "m", Variant: "harsh"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.opts); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestPing(t *testing.T) {
	c, _ := newTestClient(t, SchemaModeJSONSchema, "{}")
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestGenerateFull(t *testing.T) {
	c, fake := newTestClient(t, SchemaModeJSONSchema, fiveQuestions)
	req := model.GenerateRequest{Objective: "Assess backend skill", Theme: "Go", QuestionCount: 5}

	res, err := c.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(res.Questions) != 5 {
		t.Fatalf("expected 5 questions, got %d", len(res.Questions))
	}
	seen := map[string]bool{}
	for _, q := range res.Questions {
		if q.ID == "" || seen[q.ID] {
			t.Errorf("question id %q is empty or duplicated", q.ID)
		}
		seen[q.ID] = true
		if !res.Plan.HasCategory(q.Category) {
			t.Errorf("question %s has category %q not in plan", q.ID, q.Category)
		}
	}
	if res.Questions[2].ID != "q3" {
		t.Errorf("first occurrence should keep its id, got %q", res.Questions[2].ID)
	}
	if notes := res.CheckPlan(5); len(notes) != 0 {
		t.Errorf("unexpected plan notes: %v", notes)
	}

	sent := fake.lastRequest()
	if sent.Model != "gpt-4o" {
		t.Errorf("expected generation model gpt-4o, got %q", sent.Model)
	}
	if sent.ResponseFormat == nil || sent.ResponseFormat.Type != openai.ChatCompletionResponseFormatTypeJSONSchema {
		t.Fatalf("expected json_schema response format, got %+v", sent.ResponseFormat)
	}
	if sent.ResponseFormat.JSONSchema == nil || sent.ResponseFormat.JSONSchema.Name != "questions_response" {
		t.Fatalf("unexpected schema: %+v", sent.ResponseFormat.JSONSchema)
	}
	if !sent.ResponseFormat.JSONSchema.Strict {
		t.Error("schema should be strict")
	}
	if !strings.Contains(string(sent.ResponseFormat.JSONSchema.Schema), `"additionalProperties":false`) {
		t.Error("schema objects should forbid additional properties")
	}
	if !strings.Contains(sent.Messages[1].Content, "OBJECTIVE: Assess backend skill") {
		t.Error("user message should carry the generation prompt")
	}
}

func TestGenerateJSONObjectMode(t *testing.T) {
	c, fake := newTestClient(t, SchemaModeJSONObject, "```json\n"+fiveQuestions+"\n```")
	if _, err := c.Generate(context.Background(), model.GenerateRequest{Objective: "o", Theme: "t", QuestionCount: 5}); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	sent := fake.lastRequest()
	if sent.ResponseFormat == nil || sent.ResponseFormat.Type != openai.ChatCompletionResponseFormatTypeJSONObject {
		t.Fatalf("expected json_object format, got %+v", sent.ResponseFormat)
	}
	if !strings.Contains(sent.Messages[0].Content, `"questions"`) {
		t.Error("system message should describe the schema in json_object mode")
	}
}

func TestGenerateSingleQuestion(t *testing.T) {
	// The model reuses the old id and drifts to another category.
	c, _ := newTestClient(t, SchemaModeJSONSchema, `{
	  "plan": {"introduction": "", "categories": [], "totalQuestions": 1},
	  "questions": [{"id": "q3", "content": "harder", "type": "libre", "category": "Theory", "expectedAnswer": "", "points": 3, "aiRationale": "r"}]
	}`)
	req := model.GenerateRequest{
		Objective:                  "Assess backend skill",
		Theme:                      "Go",
		QuestionCount:              5,
		RegenerationFeedback:       "make it harder",
		RegenerateSpecificQuestion: true,
		QuestionToReplace:          &model.GeneratedQuestion{ID: "q3", Content: "easy", Category: "Practice", Points: 3},
	}

	res, err := c.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(res.Questions) != 1 {
		t.Fatalf("expected 1 question, got %d", len(res.Questions))
	}
	q := res.Questions[0]
	if q.Category != "Practice" {
		t.Errorf("category = %q, want Practice", q.Category)
	}
	if q.ID == "q3" || q.ID == "" {
		t.Errorf("expected a fresh id, got %q", q.ID)
	}
}

func TestGenerateFailures(t *testing.T) {
	single := model.GenerateRequest{
		RegenerateSpecificQuestion: true,
		QuestionToReplace:          &model.GeneratedQuestion{ID: "q1", Category: "Theory"},
	}
	tests := []struct {
		name    string
		content string
		req     model.GenerateRequest
	}{
		{"not json", "sorry, I cannot", model.GenerateRequest{}},
		{"no questions", `{"plan":{"categories":[{"category":"A"}],"totalQuestions":0},"questions":[]}`, model.GenerateRequest{}},
		{"no plan", `{"plan":{"categories":[]},"questions":[{"id":"a","content":"c","points":1}]}`, model.GenerateRequest{}},
		{"zero points", `{"plan":{"categories":[{"category":"A"}]},"questions":[{"id":"a","content":"c","points":0}]}`, model.GenerateRequest{}},
		{"two replacements", `{"plan":{},"questions":[{"id":"a","content":"c","points":1},{"id":"b","content":"c","points":1}]}`, single},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, SchemaModeJSONSchema, tt.content)
			res, err := c.Generate(context.Background(), tt.req)
			if !errors.Is(err, model.ErrGenerationFailed) {
				t.Fatalf("expected ErrGenerationFailed, got %v", err)
			}
			if res != nil {
				t.Error("no partial result should be returned")
			}
		})
	}
}

func TestGenerateUpstreamError(t *testing.T) {
	c, fake := newTestClient(t, SchemaModeJSONSchema, "")
	fake.status = http.StatusInternalServerError
	_, err := c.Generate(context.Background(), model.GenerateRequest{})
	if !errors.Is(err, model.ErrGenerationFailed) {
		t.Fatalf("expected ErrGenerationFailed, got %v", err)
	}
}

func threeQuestionSubmission() model.Submission {
	return model.Submission{
		TestID:        "t1",
		CandidateName: "Ada",
		Answers:       model.Answers{"q1": "a", "q2": "b", "q3": "c"},
		TestData: model.TestData{
			Title: "Assess backend skill",
			Questions: []model.GeneratedQuestion{
				{ID: "q1", Content: "c1", Type: "libre", Points: 10},
				{ID: "q2", Content: "c2", Type: "libre", Points: 10},
				{ID: "q3", Content: "c3", Type: "libre", Points: 10},
			},
		},
	}
}

func TestEvaluate(t *testing.T) {
	c, fake := newTestClient(t, SchemaModeJSONSchema, `{
	  "overallScore": 100, "totalPoints": 30, "earnedPoints": 30,
	  "questionEvaluations": [
	    {"questionId": "q3", "score": 10, "feedback": "good", "suggestions": ""},
	    {"questionId": "q1", "score": 10, "feedback": "good", "suggestions": ""},
	    {"questionId": "q2", "score": 10, "feedback": "good", "suggestions": ""}
	  ],
	  "globalFeedback": "great", "strengths": ["all"], "areasForImprovement": [], "recommendations": []
	}`)

	ev, err := c.Evaluate(context.Background(), threeQuestionSubmission())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if ev.EarnedPoints > 30 {
		t.Errorf("earned points %v above 30", ev.EarnedPoints)
	}
	if len(ev.QuestionEvaluations) != 3 {
		t.Fatalf("expected 3 question evaluations, got %d", len(ev.QuestionEvaluations))
	}
	for i, want := range []string{"q1", "q2", "q3"} {
		if ev.QuestionEvaluations[i].QuestionID != want {
			t.Errorf("evaluation %d is for %q, want %q", i, ev.QuestionEvaluations[i].QuestionID, want)
		}
	}
	sent := fake.lastRequest()
	if sent.Model != "gpt-4o-mini" {
		t.Errorf("expected evaluation model gpt-4o-mini, got %q", sent.Model)
	}
	if sent.ResponseFormat == nil || sent.ResponseFormat.JSONSchema == nil || sent.ResponseFormat.JSONSchema.Name != "evaluation" {
		t.Errorf("unexpected response format %+v", sent.ResponseFormat)
	}
}

func TestEvaluateEmptyAnswersKeepsEveryQuestion(t *testing.T) {
	c, _ := newTestClient(t, SchemaModeJSONSchema, `{
	  "overallScore": 0, "totalPoints": 30, "earnedPoints": 0,
	  "questionEvaluations": [{"questionId": "q1", "score": 0, "feedback": "no answer", "suggestions": ""},
	    {"questionId": "bogus", "score": 5, "feedback": "", "suggestions": ""}],
	  "globalFeedback": "", "strengths": [], "areasForImprovement": [], "recommendations": []
	}`)
	sub := threeQuestionSubmission()
	sub.Answers = model.Answers{}

	ev, err := c.Evaluate(context.Background(), sub)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(ev.QuestionEvaluations) != 3 {
		t.Fatalf("expected 3 question evaluations, got %d", len(ev.QuestionEvaluations))
	}
	if ev.QuestionEvaluations[2].QuestionID != "q3" || ev.QuestionEvaluations[2].Score != 0 {
		t.Errorf("skipped question should get a zero entry, got %+v", ev.QuestionEvaluations[2])
	}
}

func TestAlignEvaluationsRepeatedIDs(t *testing.T) {
	questions := []model.GeneratedQuestion{{ID: "q1"}, {ID: "q1"}, {ID: "q2"}}
	evals := []model.QuestionEvaluation{
		{QuestionID: "q1", Score: 5, Feedback: "a"},
		{QuestionID: "q1", Score: 7, Feedback: "b"},
		{QuestionID: "q1", Score: 9, Feedback: "extra"},
	}

	got := alignEvaluations(questions, evals)
	if len(got) != 3 {
		t.Fatalf("expected 3 evaluations, got %d", len(got))
	}
	if got[0].Score != 5 || got[1].Score != 7 {
		t.Errorf("repeated ids should take evaluations in order, got %+v and %+v", got[0], got[1])
	}
	if got[2].QuestionID != "q2" || got[2].Feedback != skippedFeedback {
		t.Errorf("q2 should get the skipped entry, got %+v", got[2])
	}
}

func TestEvaluateRejectsOutOfRange(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"score above 100", `{"overallScore": 120, "totalPoints": 30, "earnedPoints": 30, "questionEvaluations": []}`},
		{"earned above total", `{"overallScore": 90, "totalPoints": 30, "earnedPoints": 31, "questionEvaluations": []}`},
		{"negative points", `{"overallScore": 10, "totalPoints": -1, "earnedPoints": 0, "questionEvaluations": []}`},
		{"negative question score", `{"overallScore": 10, "totalPoints": 30, "earnedPoints": 0, "questionEvaluations": [{"questionId": "q1", "score": -2}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, SchemaModeJSONSchema, tt.content)
			if _, err := c.Evaluate(context.Background(), threeQuestionSubmission()); !errors.Is(err, model.ErrGenerationFailed) {
				t.Errorf("expected ErrGenerationFailed, got %v", err)
			}
		})
	}
}

func TestEvaluateNoQuestions(t *testing.T) {
	c, _ := newTestClient(t, SchemaModeJSONSchema, "{}")
	if _, err := c.Evaluate(context.Background(), model.Submission{}); !errors.Is(err, model.ErrGenerationFailed) {
		t.Errorf("expected ErrGenerationFailed, got %v", err)
	}
}

func TestStripCodeFence(t *testing.T) {
	for _, in := range []string{
		`{"a":1}`,
		"```json\n{\"a\":1}\n```",
		"```\n{\"a\":1}\n```",
		"  \n{\"a\":1}\n  ",
	} {
		if got := stripCodeFence(in); got != `{"a":1}` {
			t.Errorf("stripCodeFence(%q) = %q", in, got)
		}
	}
}
