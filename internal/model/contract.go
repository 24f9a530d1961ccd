package model

import "fmt"

// Mode selects which prompt the generation service builds.
type Mode string

const (
	// ModeFull drafts a plan and a full set of questions.
	ModeFull Mode = "full"
	// ModePlanRegeneration redrafts plan and questions using author feedback.
	ModePlanRegeneration Mode = "plan"
	// ModeQuestionRegeneration replaces a single question.
	ModeQuestionRegeneration Mode = "question"
)

// GenerateRequest is the Generate contract's request body.
type GenerateRequest struct {
	Objective                  string             `json:"objective"`
	Theme                      string             `json:"theme"`
	GradingDescription         string             `json:"gradingDescription"`
	QuestionCount              int                `json:"questionCount"`
	AdditionalRequirements     string             `json:"additionalRequirements"`
	RegenerationFeedback       string             `json:"regenerationFeedback,omitempty"`
	RegenerateSpecificQuestion bool               `json:"regenerateSpecificQuestion,omitempty"`
	QuestionToReplace          *GeneratedQuestion `json:"questionToReplace,omitempty"`
}

// NewGenerateRequest copies the generation-relevant fields of a specification.
func NewGenerateRequest(spec TestSpecification) GenerateRequest {
	return GenerateRequest{
		Objective:              spec.Objective,
		Theme:                  spec.Theme,
		GradingDescription:     spec.GradingDescription,
		QuestionCount:          spec.QuestionCount,
		AdditionalRequirements: spec.AdditionalRequirements,
	}
}

// Mode derives the prompt mode from the request flags. A single-question
// request without the question to replace falls back to full generation.
func (r GenerateRequest) Mode() Mode {
	switch {
	case r.RegenerateSpecificQuestion && r.QuestionToReplace != nil:
		return ModeQuestionRegeneration
	case r.RegenerationFeedback != "":
		return ModePlanRegeneration
	default:
		return ModeFull
	}
}

// GenerationResult is the Generate contract's response body.
type GenerationResult struct {
	Plan      QuestionPlan        `json:"plan"`
	Questions []GeneratedQuestion `json:"questions"`
}

// CheckPlan lists the ways a plan/questions result disagrees with itself or
// with the requested question count. The model is only asked to keep these
// consistent, so mismatches are reported to the author rather than rejected.
func (g GenerationResult) CheckPlan(want int) []string {
	var notes []string
	sum := 0
	for _, c := range g.Plan.Categories {
		sum += c.SuggestedCount
	}
	if sum != g.Plan.TotalQuestions {
		notes = append(notes, fmt.Sprintf("category counts add up to %d, plan announces %d", sum, g.Plan.TotalQuestions))
	}
	if len(g.Questions) != g.Plan.TotalQuestions {
		notes = append(notes, fmt.Sprintf("%d questions returned, plan announces %d", len(g.Questions), g.Plan.TotalQuestions))
	}
	if want > 0 && len(g.Questions) != want {
		notes = append(notes, fmt.Sprintf("%d questions returned, %d requested", len(g.Questions), want))
	}
	for _, q := range g.Questions {
		if !g.Plan.HasCategory(q.Category) {
			notes = append(notes, fmt.Sprintf("question %s uses unknown category %q", q.ID, q.Category))
		}
	}
	return notes
}

// TestData is the view of a test sent along with answers for grading.
type TestData struct {
	Title       string              `json:"title"`
	Description string              `json:"description"`
	Questions   []GeneratedQuestion `json:"questions"`
}

// NewTestData builds the grading view of a published test.
func NewTestData(cfg TestConfig) TestData {
	return TestData{
		Title:       cfg.Title(),
		Description: cfg.Description(),
		Questions:   cfg.SelectedQuestions,
	}
}

// Submission is the Evaluate contract's request body.
type Submission struct {
	TestID        string   `json:"testId"`
	CandidateName string   `json:"candidateName"`
	Answers       Answers  `json:"answers"`
	TestData      TestData `json:"testData"`
}

// EvaluateResponse is the Evaluate contract's response body.
type EvaluateResponse struct {
	Success      bool             `json:"success"`
	EvaluationID string           `json:"evaluationId"`
	Evaluation   EvaluationResult `json:"evaluation"`
}
