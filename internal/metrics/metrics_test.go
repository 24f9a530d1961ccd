package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveLLM("generate", time.Now(), nil)
	m.TestPublished()
	m.EvaluationStored()
	m.TrackActive("drafts_active", "Drafts held in memory", func() int { return 1 })

	called := false
	h := m.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !called {
		t.Error("nil middleware should pass through")
	}
}

func TestObserveLLM(t *testing.T) {
	m := New()
	m.ObserveLLM("generate", time.Now(), nil)
	m.ObserveLLM("generate", time.Now(), errors.New("boom"))
	m.ObserveLLM("evaluate", time.Now(), nil)

	if got := testutil.ToFloat64(m.llmCounter.WithLabelValues("generate", "ok")); got != 1 {
		t.Errorf("generate ok = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.llmCounter.WithLabelValues("generate", "error")); got != 1 {
		t.Errorf("generate error = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.llmCounter.WithLabelValues("evaluate", "ok")); got != 1 {
		t.Errorf("evaluate ok = %v, want 1", got)
	}
}

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/api/tests/{testID}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, id := range []string{"a", "b"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/tests/"+id, nil))
	}

	got := testutil.ToFloat64(m.requestCounter.WithLabelValues(http.MethodGet, "/api/tests/{testID}", "404"))
	if got != 2 {
		t.Errorf("request counter = %v, want 2", got)
	}
}

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.TestPublished()
	m.EvaluationStored()
	m.EvaluationStored()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		"testforge_tests_published_total 1",
		"testforge_evaluations_stored_total 2",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestTrackActive(t *testing.T) {
	m := New()
	n := 3
	m.TrackActive("drafts_active", "Drafts held in memory", func() int { return n })
	n = 5

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() != "testforge_drafts_active" {
			continue
		}
		if got := f.GetMetric()[0].GetGauge().GetValue(); got != 5 {
			t.Errorf("drafts_active = %v, want 5", got)
		}
		return
	}
	t.Error("testforge_drafts_active not registered")
}
