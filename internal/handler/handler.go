package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/a-h/templ"
	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/testforge/internal/event"
	"github.com/pavelanni/testforge/internal/handler/views"
	"github.com/pavelanni/testforge/internal/i18n"
	"github.com/pavelanni/testforge/internal/metrics"
	"github.com/pavelanni/testforge/internal/model"
	"github.com/pavelanni/testforge/internal/report"
	"github.com/pavelanni/testforge/internal/store"
	"github.com/pavelanni/testforge/internal/taking"
	"github.com/pavelanni/testforge/internal/workflow"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

// defaultSessionIdle applies when the config leaves SessionIdle unset.
const defaultSessionIdle = 24 * time.Hour

// LLM is the generation and grading backend.
type LLM interface {
	workflow.Generator
	taking.Evaluator
}

// Deps are the collaborators of a Handler. Metrics and Events are optional.
type Deps struct {
	Store   *store.Store
	LLM     LLM
	Metrics *metrics.Metrics
	Events  event.Publisher
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store    *store.Store
	llm      LLM
	drafts   *workflow.Registry
	attempts *taking.Registry
	viewer   *report.Viewer
	metrics  *metrics.Metrics
	events   event.Publisher
	config   model.ServerConfig
}

// New creates a new Handler.
func New(d Deps, cfg model.ServerConfig) (*Handler, error) {
	if d.Store == nil {
		return nil, errors.New("handler: store is required")
	}
	if d.LLM == nil {
		return nil, errors.New("handler: llm is required")
	}
	events := d.Events
	if events == nil {
		events = event.Nop{}
	}
	if cfg.SessionIdle <= 0 {
		cfg.SessionIdle = defaultSessionIdle
	}
	h := &Handler{
		store:    d.Store,
		llm:      d.LLM,
		drafts:   workflow.NewRegistry(d.LLM),
		attempts: taking.NewRegistry(d.Store),
		viewer:   report.NewViewer(d.Store),
		metrics:  d.Metrics,
		events:   events,
		config:   cfg,
	}
	d.Metrics.TrackActive("drafts_active", "Authoring drafts held in memory", h.drafts.Len)
	d.Metrics.TrackActive("attempts_active", "Candidate attempts held in memory", h.attempts.Len)
	return h, nil
}

// Sweep drops finished and idle drafts and attempts.
func (h *Handler) Sweep() {
	drafts := h.drafts.Sweep(h.config.SessionIdle)
	attempts := h.attempts.Sweep(h.config.SessionIdle)
	if drafts+attempts > 0 {
		slog.Debug("swept sessions", "drafts", drafts, "attempts", attempts)
	}
}

// RunSweeper calls Sweep every interval until ctx is done.
func (h *Handler) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Sweep()
		}
	}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/test/{testID}", h.handleTestPage)
	r.Get("/results/{resultID}", h.handleResultPage)

	r.Route("/api", func(r chi.Router) {
		r.Post("/generate-questions", h.handleGenerateQuestions)
		r.Post("/evaluate-test", h.handleEvaluateTest)

		r.Get("/tests/{testID}", h.handleGetTest)
		r.Post("/tests/{testID}/attempts", h.handleCreateAttempt)
		r.Route("/attempts/{attemptID}", func(r chi.Router) {
			r.Get("/", h.handleGetAttempt)
			r.Put("/answers/{questionID}", h.handleAnswer)
			r.Post("/next", h.handleAttemptNext)
			r.Post("/previous", h.handleAttemptPrevious)
			r.Post("/submit", h.handleSubmit)
		})
		r.Get("/results/{resultID}", h.handleGetResult)

		r.Group(func(r chi.Router) {
			r.Use(h.requireAuth)
			r.Get("/tests", h.handleListTests)
			r.Get("/tests/{testID}/export", h.handleExportTest)
			r.Route("/drafts", h.draftRoutes)
		})
	})
}

// BasePathMiddleware stores the configured base path in the request context.
func (h *Handler) BasePathMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := model.ContextWithBasePath(r.Context(), h.config.BasePath)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// path prefixes p with the base path.
func (h *Handler) path(p string) string {
	return h.config.BasePath + p
}

// shareBase is the origin share links are built on.
func (h *Handler) shareBase() string {
	return h.config.PublicURL + h.config.BasePath
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeMessage responds with a localized error message. htmx requests get
// the message as a fragment swapped into the flash area.
func writeMessage(w http.ResponseWriter, r *http.Request, status int, msgID string) {
	msg := i18n.T(r.Context(), msgID)
	if isHTMX(r) {
		w.Header().Set("HX-Retarget", "#flash")
		w.Header().Set("HX-Reswap", "innerHTML")
		render(w, r, status, views.Flash(msg))
		return
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

func isHTMX(r *http.Request) bool {
	return r.Header.Get("HX-Request") == "true"
}

// messages picks the message IDs for the failures of one operation.
// Empty fields fall back to generic messages.
type messages struct {
	notFound string
	failed   string
}

// fail maps the failure taxonomy to a status and a localized message.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error, m messages) {
	status, msgID := http.StatusInternalServerError, "InternalError"
	switch {
	case errors.Is(err, model.ErrPublished):
		status, msgID = http.StatusConflict, "AlreadyPublished"
	case errors.Is(err, model.ErrPending):
		status, msgID = http.StatusConflict, "RequestPending"
	case errors.Is(err, model.ErrGuard):
		status, msgID = http.StatusConflict, "ActionNotAllowed"
	case errors.Is(err, model.ErrNotFound):
		status, msgID = http.StatusNotFound, m.notFound
	case errors.Is(err, model.ErrGenerationFailed):
		status, msgID = http.StatusBadGateway, "GenerationFailed"
	case errors.Is(err, model.ErrSubmissionFailed):
		status, msgID = http.StatusBadGateway, "SubmissionFailed"
	default:
		if m.failed != "" {
			msgID = m.failed
		}
	}
	if status == http.StatusBadGateway && m.failed != "" {
		msgID = m.failed
	}
	if msgID == "" {
		msgID = "InvalidRequest"
	}

	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	} else {
		slog.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeMessage(w, r, status, msgID)
}

func render(w http.ResponseWriter, r *http.Request, status int, c templ.Component) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := c.Render(r.Context(), w); err != nil {
		slog.Error("render error", "error", err)
	}
}
