// Package report renders stored evaluation results.
package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pavelanni/testforge/internal/model"
)

// Band is the qualitative label of an overall score.
type Band string

const (
	BandExcellent        Band = "excellent"
	BandGood             Band = "good"
	BandFair             Band = "fair"
	BandNeedsImprovement Band = "needs_improvement"
)

// BandFor maps an overall score out of 100 to its band.
func BandFor(score float64) Band {
	switch {
	case score >= 80:
		return BandExcellent
	case score >= 60:
		return BandGood
	case score >= 40:
		return BandFair
	default:
		return BandNeedsImprovement
	}
}

// Store is the read side the viewer needs.
type Store interface {
	GetResult(ctx context.Context, id string) (model.EvaluationResult, error)
	GetTest(ctx context.Context, id string) (model.TestConfig, error)
}

// Row is one question of a report. Question fields are empty when the test
// is no longer available.
type Row struct {
	Number      int     `json:"number"`
	QuestionID  string  `json:"questionId"`
	Content     string  `json:"content,omitempty"`
	MaxPoints   float64 `json:"maxPoints,omitempty"`
	Score       float64 `json:"score"`
	Feedback    string  `json:"feedback"`
	Suggestions string  `json:"suggestions"`
}

// View is a result ready for rendering.
type View struct {
	Result    model.EvaluationResult `json:"result"`
	TestTitle string                 `json:"testTitle,omitempty"`
	// ResultsDescription is the author's note to candidates, if any.
	ResultsDescription string `json:"resultsDescription,omitempty"`
	Band               Band   `json:"band"`
	Rows               []Row  `json:"rows"`
}

// Viewer loads results.
type Viewer struct {
	store Store
}

// NewViewer creates a viewer on top of store.
func NewViewer(store Store) *Viewer {
	return &Viewer{store: store}
}

// Load returns the view for result id, or an error wrapping
// model.ErrNotFound when no such result was stored.
func (v *Viewer) Load(ctx context.Context, id string) (View, error) {
	res, err := v.store.GetResult(ctx, id)
	if err != nil {
		return View{}, fmt.Errorf("result %s: %w", id, err)
	}

	view := View{Result: res, Band: BandFor(res.OverallScore)}

	// The result stands alone; the test only adds question text.
	questions := map[string]model.GeneratedQuestion{}
	cfg, err := v.store.GetTest(ctx, res.TestID)
	switch {
	case err == nil:
		view.TestTitle = cfg.Title()
		view.ResultsDescription = cfg.CandidateResultsDescription
		for _, q := range cfg.SelectedQuestions {
			questions[q.ID] = q
		}
	case errors.Is(err, model.ErrNotFound):
		slog.Debug("result refers to a missing test", "result", id, "test", res.TestID)
	default:
		slog.Warn("load test for result", "result", id, "test", res.TestID, "error", err)
	}

	view.Rows = make([]Row, 0, len(res.QuestionEvaluations))
	for i, qe := range res.QuestionEvaluations {
		row := Row{
			Number:      i + 1,
			QuestionID:  qe.QuestionID,
			Score:       qe.Score,
			Feedback:    qe.Feedback,
			Suggestions: qe.Suggestions,
		}
		if q, ok := questions[qe.QuestionID]; ok {
			row.Content = q.Content
			row.MaxPoints = q.Points
		}
		view.Rows = append(view.Rows, row)
	}
	return view, nil
}
