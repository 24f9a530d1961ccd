package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/pavelanni/testforge/internal/event"
	"github.com/pavelanni/testforge/internal/model"
	"github.com/pavelanni/testforge/internal/taking"
)

// handleGenerateQuestions serves the stateless Generate contract.
func (h *Handler) handleGenerateQuestions(w http.ResponseWriter, r *http.Request) {
	var req model.GenerateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeMessage(w, r, http.StatusBadRequest, "InvalidRequest")
		return
	}

	res, err := h.llm.Generate(r.Context(), req)
	if err != nil {
		slog.Error("generate questions", "mode", req.Mode(), "error", err)
		msgID := "GenerationFailed"
		if req.Mode() == model.ModeQuestionRegeneration {
			msgID = "RegenerationFailed"
		}
		writeMessage(w, r, http.StatusInternalServerError, msgID)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func duplicateQuestionID(questions []model.GeneratedQuestion) (string, bool) {
	seen := make(map[string]bool, len(questions))
	for _, q := range questions {
		if seen[q.ID] {
			return q.ID, true
		}
		seen[q.ID] = true
	}
	return "", false
}

// handleEvaluateTest serves the stateless Evaluate contract: it grades,
// stamps and persists one submission.
func (h *Handler) handleEvaluateTest(w http.ResponseWriter, r *http.Request) {
	var sub model.Submission
	if err := decodeJSON(w, r, &sub); err != nil {
		writeMessage(w, r, http.StatusBadRequest, "InvalidRequest")
		return
	}
	if sub.Answers == nil {
		sub.Answers = model.Answers{}
	}
	// Answers are keyed by question id, so ids must be unique.
	if id, dup := duplicateQuestionID(sub.TestData.Questions); dup {
		slog.Debug("rejecting submission with repeated question id", "question_id", id)
		writeMessage(w, r, http.StatusBadRequest, "InvalidRequest")
		return
	}

	evaluation, err := h.llm.Evaluate(r.Context(), sub)
	if err != nil {
		slog.Error("evaluate test", "test", sub.TestID, "error", err)
		writeMessage(w, r, http.StatusInternalServerError, "SubmissionFailed")
		return
	}

	res := taking.NewResult(sub, *evaluation)
	if err := h.store.SaveResult(r.Context(), res); err != nil {
		slog.Error("store evaluation", "result", res.ID, "error", err)
		writeMessage(w, r, http.StatusInternalServerError, "SubmissionFailed")
		return
	}
	h.evaluationStored(r, res)

	writeJSON(w, http.StatusOK, model.EvaluateResponse{
		Success:      true,
		EvaluationID: res.ID,
		Evaluation:   res,
	})
}

func (h *Handler) evaluationStored(r *http.Request, res model.EvaluationResult) {
	h.metrics.EvaluationStored()
	event.Emit(r.Context(), h.events, event.EvaluationCompleted, event.EvaluationCompletedPayload{
		ResultID:      res.ID,
		TestID:        res.TestID,
		CandidateName: res.CandidateName,
		OverallScore:  res.OverallScore,
	})
}

// isNotFound reports a lookup miss.
func isNotFound(err error) bool {
	return errors.Is(err, model.ErrNotFound)
}
