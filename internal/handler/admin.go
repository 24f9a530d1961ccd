package handler

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/testforge/internal/event"
	"github.com/pavelanni/testforge/internal/model"
	"github.com/pavelanni/testforge/internal/workflow"
)

var (
	draftMessages      = messages{notFound: "DraftNotFound"}
	regenerateMessages = messages{notFound: "DraftNotFound", failed: "RegenerationFailed"}
	publishMessages    = messages{notFound: "DraftNotFound", failed: "PublishFailed"}
)

func (h *Handler) draftRoutes(r chi.Router) {
	r.Post("/", h.handleCreateDraft)
	r.Route("/{draftID}", func(r chi.Router) {
		r.Get("/", h.handleGetDraft)
		r.Delete("/", h.handleDiscardDraft)
		r.Put("/spec", h.handleUpdateSpec)
		r.Post("/next", h.draftAction((*workflow.Wizard).Next))
		r.Post("/back", h.draftAction((*workflow.Wizard).Back))
		r.Post("/generate", h.handleGenerate)
		r.Post("/regenerate-plan", h.handleRegeneratePlan)
		r.Post("/questions/{questionID}/regenerate", h.handleRegenerateQuestion)
		r.Post("/selection/{questionID}", h.selectionAction((*workflow.Wizard).AddQuestion))
		r.Delete("/selection/{questionID}", h.selectionAction((*workflow.Wizard).RemoveQuestion))
		r.Post("/selection/{questionID}/move", h.handleMoveQuestion)
		r.Put("/results-config", h.descriptionAction((*workflow.Wizard).SetResultsDescription))
		r.Put("/dashboard-config", h.descriptionAction((*workflow.Wizard).SetDashboardDescription))
		r.Post("/publish", h.handlePublish)
	})
}

// draft loads the draft named in the URL, hiding other users' drafts.
func (h *Handler) draft(r *http.Request) (*workflow.Wizard, error) {
	id := chi.URLParam(r, "draftID")
	wiz, err := h.drafts.Get(id)
	if err != nil {
		return nil, err
	}
	if !ownedBy(r, wiz.Owner()) {
		return nil, fmt.Errorf("draft %s: %w", id, model.ErrNotFound)
	}
	return wiz, nil
}

func (h *Handler) handleCreateDraft(w http.ResponseWriter, r *http.Request) {
	wiz := h.drafts.Create(model.UserFromContext(r.Context()))
	slog.Info("draft created", "draft", wiz.ID(), "owner", wiz.Owner())
	w.Header().Set("Location", h.path("/api/drafts/"+wiz.ID()))
	writeJSON(w, http.StatusCreated, wiz.Snapshot())
}

func (h *Handler) handleGetDraft(w http.ResponseWriter, r *http.Request) {
	wiz, err := h.draft(r)
	if err != nil {
		h.fail(w, r, err, draftMessages)
		return
	}
	writeJSON(w, http.StatusOK, wiz.Snapshot())
}

func (h *Handler) handleDiscardDraft(w http.ResponseWriter, r *http.Request) {
	wiz, err := h.draft(r)
	if err != nil {
		h.fail(w, r, err, draftMessages)
		return
	}
	h.drafts.Delete(wiz.ID())
	slog.Info("draft discarded", "draft", wiz.ID())
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleUpdateSpec(w http.ResponseWriter, r *http.Request) {
	wiz, err := h.draft(r)
	if err != nil {
		h.fail(w, r, err, draftMessages)
		return
	}
	spec := model.NewTestSpecification()
	if err := decodeJSON(w, r, &spec); err != nil {
		writeMessage(w, r, http.StatusBadRequest, "InvalidRequest")
		return
	}
	if err := wiz.UpdateSpec(spec); err != nil {
		h.fail(w, r, err, draftMessages)
		return
	}
	writeJSON(w, http.StatusOK, wiz.Snapshot())
}

// draftAction adapts a body-less wizard transition.
func (h *Handler) draftAction(act func(*workflow.Wizard) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wiz, err := h.draft(r)
		if err != nil {
			h.fail(w, r, err, draftMessages)
			return
		}
		if err := act(wiz); err != nil {
			h.fail(w, r, err, draftMessages)
			return
		}
		writeJSON(w, http.StatusOK, wiz.Snapshot())
	}
}

func (h *Handler) selectionAction(act func(*workflow.Wizard, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wiz, err := h.draft(r)
		if err != nil {
			h.fail(w, r, err, draftMessages)
			return
		}
		if err := act(wiz, chi.URLParam(r, "questionID")); err != nil {
			h.fail(w, r, err, draftMessages)
			return
		}
		writeJSON(w, http.StatusOK, wiz.Snapshot())
	}
}

type descriptionRequest struct {
	Description string `json:"description"`
}

func (h *Handler) descriptionAction(act func(*workflow.Wizard, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wiz, err := h.draft(r)
		if err != nil {
			h.fail(w, r, err, draftMessages)
			return
		}
		var req descriptionRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeMessage(w, r, http.StatusBadRequest, "InvalidRequest")
			return
		}
		if err := act(wiz, req.Description); err != nil {
			h.fail(w, r, err, draftMessages)
			return
		}
		writeJSON(w, http.StatusOK, wiz.Snapshot())
	}
}

func (h *Handler) handleGenerate(w http.ResponseWriter, r *http.Request) {
	wiz, err := h.draft(r)
	if err != nil {
		h.fail(w, r, err, draftMessages)
		return
	}
	if err := wiz.Generate(r.Context()); err != nil {
		h.fail(w, r, err, draftMessages)
		return
	}
	writeJSON(w, http.StatusOK, wiz.Snapshot())
}

type feedbackRequest struct {
	Feedback string `json:"feedback"`
}

func (h *Handler) handleRegeneratePlan(w http.ResponseWriter, r *http.Request) {
	wiz, err := h.draft(r)
	if err != nil {
		h.fail(w, r, err, draftMessages)
		return
	}
	var req feedbackRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeMessage(w, r, http.StatusBadRequest, "InvalidRequest")
		return
	}
	if err := wiz.RegeneratePlan(r.Context(), req.Feedback); err != nil {
		h.fail(w, r, err, draftMessages)
		return
	}
	writeJSON(w, http.StatusOK, wiz.Snapshot())
}

func (h *Handler) handleRegenerateQuestion(w http.ResponseWriter, r *http.Request) {
	wiz, err := h.draft(r)
	if err != nil {
		h.fail(w, r, err, draftMessages)
		return
	}
	var req feedbackRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeMessage(w, r, http.StatusBadRequest, "InvalidRequest")
		return
	}
	if _, err := wiz.RegenerateQuestion(r.Context(), chi.URLParam(r, "questionID"), req.Feedback); err != nil {
		h.fail(w, r, err, regenerateMessages)
		return
	}
	writeJSON(w, http.StatusOK, wiz.Snapshot())
}

func (h *Handler) handleMoveQuestion(w http.ResponseWriter, r *http.Request) {
	wiz, err := h.draft(r)
	if err != nil {
		h.fail(w, r, err, draftMessages)
		return
	}
	dir, err := workflow.ParseDirection(r.URL.Query().Get("direction"))
	if err != nil {
		writeMessage(w, r, http.StatusBadRequest, "InvalidRequest")
		return
	}
	if err := wiz.MoveQuestion(chi.URLParam(r, "questionID"), dir); err != nil {
		h.fail(w, r, err, draftMessages)
		return
	}
	writeJSON(w, http.StatusOK, wiz.Snapshot())
}

func (h *Handler) handlePublish(w http.ResponseWriter, r *http.Request) {
	wiz, err := h.draft(r)
	if err != nil {
		h.fail(w, r, err, draftMessages)
		return
	}
	cfg, err := wiz.Publish(r.Context(), h.store, h.shareBase())
	if err != nil {
		h.fail(w, r, err, publishMessages)
		return
	}
	h.metrics.TestPublished()
	event.Emit(r.Context(), h.events, event.TestPublished, event.TestPublishedPayload{
		TestID:        cfg.ID,
		Title:         cfg.Title(),
		QuestionCount: len(cfg.SelectedQuestions),
		ShareLink:     cfg.ShareLink,
		CreatedBy:     cfg.CreatedBy,
	})
	writeJSON(w, http.StatusOK, wiz.Snapshot())
}

// testSummary is one row of the author's test list.
type testSummary struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	QuestionCount int       `json:"questionCount"`
	TotalPoints   float64   `json:"totalPoints"`
	ShareLink     string    `json:"shareLink"`
	CreatedAt     time.Time `json:"createdAt"`
}

// handleListTests lists the caller's published tests, newest first.
func (h *Handler) handleListTests(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ids, err := h.store.ListTestIDs(ctx)
	if err != nil {
		h.fail(w, r, err, messages{})
		return
	}
	list := make([]testSummary, 0, len(ids))
	for _, id := range ids {
		cfg, err := h.store.GetTest(ctx, id)
		if err != nil {
			slog.Warn("skipping unreadable test", "test", id, "error", err)
			continue
		}
		if !ownedBy(r, cfg.CreatedBy) {
			continue
		}
		list = append(list, testSummary{
			ID:            cfg.ID,
			Title:         cfg.Title(),
			QuestionCount: len(cfg.SelectedQuestions),
			TotalPoints:   cfg.TotalPoints(),
			ShareLink:     cfg.ShareLink,
			CreatedAt:     cfg.CreatedAt,
		})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) handleExportTest(w http.ResponseWriter, r *http.Request) {
	testID := chi.URLParam(r, "testID")
	export, err := h.store.ExportTest(r.Context(), testID)
	if err == nil && !ownedBy(r, export.Test.CreatedBy) {
		err = fmt.Errorf("test %s: %w", testID, model.ErrNotFound)
	}
	if err != nil {
		h.fail(w, r, err, messages{notFound: "TestNotFound"})
		return
	}
	writeJSON(w, http.StatusOK, export)
}
