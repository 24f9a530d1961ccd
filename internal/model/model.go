package model

import (
	"context"
	"fmt"
	"time"
)

// Question count bounds accepted by the authoring wizard.
const (
	MinQuestionCount     = 5
	MaxQuestionCount     = 50
	DefaultQuestionCount = 10
)

// TestSpecification is the free-text description of a test entered in the
// first wizard step.
type TestSpecification struct {
	Objective                   string `json:"objective"`
	Theme                       string `json:"theme"`
	GradingDescription          string `json:"gradingDescription"`
	QuestionCount               int    `json:"questionCount"`
	AdditionalRequirements      string `json:"additionalRequirements"`
	CandidateResultsDescription string `json:"candidateResultsDescription"`
	AdminDashboardDescription   string `json:"adminDashboardDescription"`
}

// NewTestSpecification returns an empty specification with the default
// question count.
func NewTestSpecification() TestSpecification {
	return TestSpecification{QuestionCount: DefaultQuestionCount}
}

// Validate checks field ranges. It does not check the objective and theme,
// which are only required to leave the first wizard step.
func (s TestSpecification) Validate() error {
	if s.QuestionCount < MinQuestionCount || s.QuestionCount > MaxQuestionCount {
		return fmt.Errorf("%w: question count %d outside %d..%d",
			ErrGuard, s.QuestionCount, MinQuestionCount, MaxQuestionCount)
	}
	return nil
}

// QuestionCategory is one line of a question plan.
type QuestionCategory struct {
	Category       string `json:"category"`
	Description    string `json:"description"`
	SuggestedCount int    `json:"suggestedCount"`
	Rationale      string `json:"rationale"`
}

// QuestionPlan is the model-proposed category breakdown of a test.
type QuestionPlan struct {
	Introduction   string             `json:"introduction"`
	Categories     []QuestionCategory `json:"categories"`
	TotalQuestions int                `json:"totalQuestions"`
}

// HasCategory reports whether name is one of the plan's categories.
func (p QuestionPlan) HasCategory(name string) bool {
	for _, c := range p.Categories {
		if c.Category == name {
			return true
		}
	}
	return false
}

// GeneratedQuestion is a question drafted by the model. Type is free-form
// ("QCM", "libre", "audio", ...).
type GeneratedQuestion struct {
	ID             string  `json:"id"`
	Content        string  `json:"content"`
	Type           string  `json:"type"`
	Category       string  `json:"category"`
	ExpectedAnswer string  `json:"expectedAnswer,omitempty"`
	Points         float64 `json:"points"`
	AIRationale    string  `json:"aiRationale"`
}

// TestConfig is the published, immutable test definition.
type TestConfig struct {
	ID string `json:"id"`
	TestSpecification
	QuestionPlan      *QuestionPlan       `json:"questionPlan,omitempty"`
	SelectedQuestions []GeneratedQuestion `json:"selectedQuestions"`
	CreatedAt         time.Time           `json:"createdAt"`
	CreatedBy         string              `json:"createdBy,omitempty"`
	ShareLink         string              `json:"shareLink,omitempty"`
}

// Title is the label shown to candidates.
func (c TestConfig) Title() string {
	if c.Objective != "" {
		return c.Objective
	}
	return "Custom test"
}

// Description is the subtitle shown to candidates.
func (c TestConfig) Description() string {
	if c.Theme != "" {
		return c.Theme
	}
	return "AI-generated test"
}

// TotalPoints sums the points of the selected questions.
func (c TestConfig) TotalPoints() float64 {
	var total float64
	for _, q := range c.SelectedQuestions {
		total += q.Points
	}
	return total
}

// Answers maps question IDs to free-text candidate responses. Missing entries
// are treated as empty answers.
type Answers map[string]string

// QuestionEvaluation is the model's verdict on one question.
type QuestionEvaluation struct {
	QuestionID  string  `json:"questionId"`
	Score       float64 `json:"score"`
	Feedback    string  `json:"feedback"`
	Suggestions string  `json:"suggestions"`
}

// Evaluation is what the evaluation service returns: everything in an
// EvaluationResult except the identity fields assigned by the caller.
//
// OverallScore, TotalPoints and EarnedPoints come from the model and are not
// reconciled with each other.
type Evaluation struct {
	OverallScore        float64              `json:"overallScore"`
	TotalPoints         float64              `json:"totalPoints"`
	EarnedPoints        float64              `json:"earnedPoints"`
	QuestionEvaluations []QuestionEvaluation `json:"questionEvaluations"`
	GlobalFeedback      string               `json:"globalFeedback"`
	Strengths           []string             `json:"strengths"`
	AreasForImprovement []string             `json:"areasForImprovement"`
	Recommendations     []string             `json:"recommendations"`
}

// EvaluationResult is the persisted outcome of one submission.
type EvaluationResult struct {
	ID            string `json:"id"`
	TestID        string `json:"testId"`
	CandidateName string `json:"candidateName"`
	Evaluation
	CompletedAt time.Time `json:"completedAt"`
}

// ServerConfig holds runtime parameters set via CLI flags.
type ServerConfig struct {
	PublicURL   string        // scheme://host used to build share links
	BasePath    string        // URL prefix for sub-path deployments (e.g. "/fr")
	JWTSecret   string        // empty disables the authoring gate
	JWTIssuer   string        // optional expected "iss" claim
	SessionIdle time.Duration // drafts and attempts unused this long are dropped
}

type userCtxKey struct{}

// ContextWithUser stores the authenticated subject in the request context.
func ContextWithUser(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, userCtxKey{}, subject)
}

// UserFromContext retrieves the authenticated subject, or "".
func UserFromContext(ctx context.Context) string {
	u, _ := ctx.Value(userCtxKey{}).(string)
	return u
}

type basePathCtxKey struct{}

// ContextWithBasePath stores the base path prefix in context.
func ContextWithBasePath(ctx context.Context, basePath string) context.Context {
	return context.WithValue(ctx, basePathCtxKey{}, basePath)
}

// BasePathFromContext retrieves the base path from context (empty string if not set).
func BasePathFromContext(ctx context.Context) string {
	bp, _ := ctx.Value(basePathCtxKey{}).(string)
	return bp
}
