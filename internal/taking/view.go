package taking

import (
	"strings"

	"github.com/pavelanni/testforge/internal/model"
)

// minutesPerQuestion drives the duration shown on the landing page.
const minutesPerQuestion = 2

// FormatWarning flags a question whose declared type implies a format the
// session cannot offer. The answer is collected as free text regardless.
type FormatWarning string

const (
	WarningNone   FormatWarning = ""
	WarningChoice FormatWarning = "choice"
	WarningAudio  FormatWarning = "audio"
)

var choiceMarkers = []string{"qcm", "choix", "choice", "multiple", "mcq"}

// DetectFormatWarning inspects a free-form question type.
func DetectFormatWarning(questionType string) FormatWarning {
	t := strings.ToLower(questionType)
	if strings.Contains(t, "audio") {
		return WarningAudio
	}
	for _, m := range choiceMarkers {
		if strings.Contains(t, m) {
			return WarningChoice
		}
	}
	return WarningNone
}

// EstimatedMinutes is the announced duration of a test.
func EstimatedMinutes(questionCount int) int {
	return questionCount * minutesPerQuestion
}

// CandidateQuestion is a question as shown to candidates, without the
// expected answer or the generation rationale.
type CandidateQuestion struct {
	ID      string  `json:"id"`
	Content string  `json:"content"`
	Type    string  `json:"type"`
	Points  float64 `json:"points"`
}

// NewCandidateQuestion strips author-only fields.
func NewCandidateQuestion(q model.GeneratedQuestion) CandidateQuestion {
	return CandidateQuestion{ID: q.ID, Content: q.Content, Type: q.Type, Points: q.Points}
}

// QuestionView is the question under the cursor.
type QuestionView struct {
	Index           int               `json:"index"`
	Number          int               `json:"number"`
	Total           int               `json:"total"`
	ProgressPercent int               `json:"progressPercent"`
	Question        CandidateQuestion `json:"question"`
	Answer          string            `json:"answer"`
	FormatWarning   FormatWarning     `json:"formatWarning,omitempty"`
	IsLast          bool              `json:"isLast"`
}

// TestView is the public landing information of a test.
type TestView struct {
	ID               string  `json:"id"`
	Title            string  `json:"title"`
	Description      string  `json:"description"`
	QuestionCount    int     `json:"questionCount"`
	TotalPoints      float64 `json:"totalPoints"`
	EstimatedMinutes int     `json:"estimatedMinutes"`
}

// NewTestView summarizes a published test for candidates.
func NewTestView(cfg model.TestConfig) TestView {
	n := len(cfg.SelectedQuestions)
	return TestView{
		ID:               cfg.ID,
		Title:            cfg.Title(),
		Description:      cfg.Description(),
		QuestionCount:    n,
		TotalPoints:      cfg.TotalPoints(),
		EstimatedMinutes: EstimatedMinutes(n),
	}
}
