package llm

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/pavelanni/testforge/internal/model"
)

// normalizeIDs makes question ids unique within a batch. Empty and repeated
// ids are replaced with fresh UUIDs; the first occurrence keeps its id.
func normalizeIDs(questions []model.GeneratedQuestion) {
	seen := make(map[string]bool, len(questions))
	for i := range questions {
		id := questions[i].ID
		if id == "" || seen[id] {
			questions[i].ID = uuid.NewString()
			slog.Debug("replaced question id", "old", id, "new", questions[i].ID)
		}
		seen[questions[i].ID] = true
	}
}

// normalizeReplacement pins a regenerated question to the replaced one's
// category and guarantees it a different id.
func normalizeReplacement(q *model.GeneratedQuestion, replaced model.GeneratedQuestion) {
	if q.Category != replaced.Category {
		slog.Debug("forcing regenerated question category",
			"returned", q.Category, "expected", replaced.Category)
		q.Category = replaced.Category
	}
	if q.ID == "" || q.ID == replaced.ID {
		q.ID = uuid.NewString()
	}
}

func validateGeneration(res *model.GenerationResult, req model.GenerateRequest) error {
	if req.Mode() == model.ModeQuestionRegeneration {
		if len(res.Questions) != 1 {
			return fmt.Errorf("expected exactly 1 question, got %d", len(res.Questions))
		}
		normalizeReplacement(&res.Questions[0], *req.QuestionToReplace)
	} else {
		if len(res.Plan.Categories) == 0 {
			return errors.New("response has no plan categories")
		}
		if len(res.Questions) == 0 {
			return errors.New("response has no questions")
		}
		normalizeIDs(res.Questions)
	}
	for _, q := range res.Questions {
		if q.Content == "" {
			return fmt.Errorf("question %s has no content", q.ID)
		}
		if q.Points <= 0 {
			return fmt.Errorf("question %s has non-positive points %v", q.ID, q.Points)
		}
	}
	return nil
}

// validateEvaluation checks the numeric ranges the evaluation schema
// promises. overallScore is not reconciled with earned/total points: the
// model computes all three independently and they are reported as given.
func validateEvaluation(ev *model.Evaluation) error {
	if ev.OverallScore < 0 || ev.OverallScore > 100 {
		return fmt.Errorf("overallScore %v outside 0..100", ev.OverallScore)
	}
	if ev.TotalPoints < 0 || ev.EarnedPoints < 0 {
		return fmt.Errorf("negative points (earned %v, total %v)", ev.EarnedPoints, ev.TotalPoints)
	}
	if ev.EarnedPoints > ev.TotalPoints {
		return fmt.Errorf("earnedPoints %v above totalPoints %v", ev.EarnedPoints, ev.TotalPoints)
	}
	for _, qe := range ev.QuestionEvaluations {
		if qe.Score < 0 {
			return fmt.Errorf("question %s has negative score %v", qe.QuestionID, qe.Score)
		}
	}
	return nil
}

const skippedFeedback = "No evaluation was returned for this question."

// alignEvaluations returns exactly one evaluation per question, in question
// order. Evaluations are matched by id in the order they were returned, so
// repeated question ids consume repeated evaluations one by one. Questions
// the model skipped get a zero score; evaluations for ids outside the
// question set are dropped.
func alignEvaluations(questions []model.GeneratedQuestion, evals []model.QuestionEvaluation) []model.QuestionEvaluation {
	byID := make(map[string][]model.QuestionEvaluation, len(evals))
	for _, e := range evals {
		byID[e.QuestionID] = append(byID[e.QuestionID], e)
	}

	aligned := make([]model.QuestionEvaluation, 0, len(questions))
	for _, q := range questions {
		queue := byID[q.ID]
		if len(queue) == 0 {
			slog.Warn("evaluation missing for question", "question_id", q.ID)
			aligned = append(aligned, model.QuestionEvaluation{QuestionID: q.ID, Feedback: skippedFeedback})
			continue
		}
		aligned = append(aligned, queue[0])
		byID[q.ID] = queue[1:]
	}
	for id, rest := range byID {
		if len(rest) > 0 {
			slog.Warn("dropping evaluation for unknown question", "question_id", id, "count", len(rest))
		}
	}
	return aligned
}
