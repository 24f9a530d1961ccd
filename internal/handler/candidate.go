package handler

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/testforge/internal/handler/views"
	"github.com/pavelanni/testforge/internal/i18n"
	"github.com/pavelanni/testforge/internal/model"
	"github.com/pavelanni/testforge/internal/taking"
)

var (
	testMessages    = messages{notFound: "TestNotFound"}
	attemptMessages = messages{notFound: "TestNotFound", failed: "SubmissionFailed"}
	resultMessages  = messages{notFound: "ResultNotFound"}
)

// attemptResponse adds the localized format notice to an attempt view.
type attemptResponse struct {
	taking.View
	FormatWarningText string `json:"formatWarningText,omitempty"`
}

// writeAttempt answers with the attempt state: the question panel for htmx
// requests, JSON otherwise.
func (h *Handler) writeAttempt(w http.ResponseWriter, r *http.Request, status int, s *taking.Session) {
	if isHTMX(r) {
		render(w, r, status, views.AttemptPanel(s.View()))
		return
	}
	resp := attemptResponse{View: s.View()}
	if resp.Current != nil {
		resp.FormatWarningText = views.FormatWarningText(r.Context(), resp.Current.FormatWarning)
	}
	writeJSON(w, status, resp)
}

func (h *Handler) handleGetTest(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.store.GetTest(r.Context(), chi.URLParam(r, "testID"))
	if err != nil {
		h.fail(w, r, err, testMessages)
		return
	}
	writeJSON(w, http.StatusOK, taking.NewTestView(cfg))
}

type startRequest struct {
	CandidateName string `json:"candidateName"`
}

func (h *Handler) handleCreateAttempt(w http.ResponseWriter, r *http.Request) {
	testID := chi.URLParam(r, "testID")
	var req startRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeMessage(w, r, http.StatusBadRequest, "InvalidRequest")
		return
	}

	s, err := h.attempts.Create(r.Context(), testID)
	if err != nil {
		h.fail(w, r, err, testMessages)
		return
	}
	if s.State() == taking.StateNotFound {
		h.fail(w, r, fmt.Errorf("test %s: %w", testID, model.ErrNotFound), testMessages)
		return
	}
	if err := s.Start(req.CandidateName); err != nil {
		h.fail(w, r, err, testMessages)
		return
	}
	w.Header().Set("Location", h.path("/api/attempts/"+s.ID()))
	h.writeAttempt(w, r, http.StatusCreated, s)
}

func (h *Handler) attempt(r *http.Request) (*taking.Session, error) {
	return h.attempts.Get(chi.URLParam(r, "attemptID"))
}

func (h *Handler) handleGetAttempt(w http.ResponseWriter, r *http.Request) {
	s, err := h.attempt(r)
	if err != nil {
		h.fail(w, r, err, attemptMessages)
		return
	}
	h.writeAttempt(w, r, http.StatusOK, s)
}

type answerRequest struct {
	Answer string `json:"answer"`
}

func (h *Handler) handleAnswer(w http.ResponseWriter, r *http.Request) {
	s, err := h.attempt(r)
	if err != nil {
		h.fail(w, r, err, attemptMessages)
		return
	}
	var req answerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeMessage(w, r, http.StatusBadRequest, "InvalidRequest")
		return
	}
	if err := s.Answer(chi.URLParam(r, "questionID"), req.Answer); err != nil {
		h.fail(w, r, err, attemptMessages)
		return
	}
	if isHTMX(r) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.writeAttempt(w, r, http.StatusOK, s)
}

func (h *Handler) handleAttemptNext(w http.ResponseWriter, r *http.Request) {
	h.moveAttempt(w, r, (*taking.Session).Next)
}

func (h *Handler) handleAttemptPrevious(w http.ResponseWriter, r *http.Request) {
	h.moveAttempt(w, r, (*taking.Session).Previous)
}

func (h *Handler) moveAttempt(w http.ResponseWriter, r *http.Request, move func(*taking.Session) error) {
	s, err := h.attempt(r)
	if err != nil {
		h.fail(w, r, err, attemptMessages)
		return
	}
	if err := move(s); err != nil {
		h.fail(w, r, err, attemptMessages)
		return
	}
	h.writeAttempt(w, r, http.StatusOK, s)
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	s, err := h.attempt(r)
	if err != nil {
		h.fail(w, r, err, attemptMessages)
		return
	}
	res, err := s.Submit(r.Context(), h.llm, h.store)
	if err != nil {
		h.fail(w, r, err, attemptMessages)
		return
	}
	h.evaluationStored(r, res)

	resultPath := h.path("/results/" + res.ID)
	if isHTMX(r) {
		w.Header().Set("HX-Redirect", resultPath)
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Header().Set("Location", resultPath)
	writeJSON(w, http.StatusOK, model.EvaluateResponse{
		Success:      true,
		EvaluationID: res.ID,
		Evaluation:   res,
	})
}

func (h *Handler) handleGetResult(w http.ResponseWriter, r *http.Request) {
	view, err := h.viewer.Load(r.Context(), chi.URLParam(r, "resultID"))
	if err != nil {
		h.fail(w, r, err, resultMessages)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) handleTestPage(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.store.GetTest(r.Context(), chi.URLParam(r, "testID"))
	switch {
	case isNotFound(err):
		ctx := r.Context()
		render(w, r, http.StatusNotFound, views.NotFoundPage(i18n.T(ctx, "TestNotFound"), i18n.T(ctx, "TestNotFoundHint")))
		return
	case err != nil:
		http.Error(w, i18n.T(r.Context(), "InternalError"), http.StatusInternalServerError)
		return
	}
	render(w, r, http.StatusOK, views.TestPage(taking.NewTestView(cfg)))
}

func (h *Handler) handleResultPage(w http.ResponseWriter, r *http.Request) {
	view, err := h.viewer.Load(r.Context(), chi.URLParam(r, "resultID"))
	switch {
	case isNotFound(err):
		ctx := r.Context()
		render(w, r, http.StatusNotFound, views.NotFoundPage(i18n.T(ctx, "ResultNotFound"), i18n.T(ctx, "ResultNotFoundHint")))
		return
	case err != nil:
		http.Error(w, i18n.T(r.Context(), "InternalError"), http.StatusInternalServerError)
		return
	}
	render(w, r, http.StatusOK, views.ResultPage(view))
}
