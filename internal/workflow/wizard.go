// Package workflow implements the test authoring wizard: a four-stage state
// machine that turns a free-text specification into a published TestConfig.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/testforge/internal/model"
)

// Stage is a wizard step.
type Stage int

const (
	StageSpec Stage = iota
	StagePlanReview
	StageResultsConfig
	StageDashboardConfig
	StagePublished
)

var stageNames = [...]string{"spec", "plan_review", "results_config", "dashboard_config", "published"}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

// MarshalText renders the stage name in JSON.
func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Direction is a selection move.
type Direction int

const (
	Up Direction = iota
	Down
)

// ParseDirection accepts "up" and "down".
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(s) {
	case "up":
		return Up, nil
	case "down":
		return Down, nil
	}
	return 0, fmt.Errorf("%w: unknown direction %q", model.ErrGuard, s)
}

// Generator is the generation capability the wizard drives.
type Generator interface {
	Generate(ctx context.Context, req model.GenerateRequest) (*model.GenerationResult, error)
}

// TestSaver persists a published test.
type TestSaver interface {
	SaveTest(ctx context.Context, cfg model.TestConfig) error
}

const planTarget = "plan"

func questionTarget(id string) string { return "question:" + id }

// Wizard holds one authoring session. All methods are safe for concurrent
// use; model calls run without holding the lock so the draft stays
// readable while a request is in flight.
type Wizard struct {
	id    string
	owner string
	gen   Generator

	mu        sync.Mutex
	stage     Stage
	spec      model.TestSpecification
	plan      *model.QuestionPlan
	pool      []model.GeneratedQuestion
	selection []model.GeneratedQuestion
	generated bool
	planNotes []string
	pending   map[string]bool
	// batch increments every time the pool is replaced wholesale, so a
	// single-question result computed against an older pool can be detected.
	batch     int
	published *model.TestConfig
}

// New creates a wizard at the Spec stage with an empty specification.
func New(id, owner string, gen Generator) *Wizard {
	return &Wizard{
		id:      id,
		owner:   owner,
		gen:     gen,
		spec:    model.NewTestSpecification(),
		pending: make(map[string]bool),
	}
}

// ID returns the draft id.
func (w *Wizard) ID() string { return w.id }

// Owner returns the identity-provider subject that created the draft.
func (w *Wizard) Owner() string { return w.owner }

// Stage returns the current stage.
func (w *Wizard) Stage() Stage {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stage
}

// requireStage must be called with mu held.
func (w *Wizard) requireStage(s Stage) error {
	if w.stage == StagePublished {
		return model.ErrPublished
	}
	if w.stage != s {
		return fmt.Errorf("%w: requires stage %s, draft is at %s", model.ErrGuard, s, w.stage)
	}
	return nil
}

// UpdateSpec replaces the step-one fields of the specification. The results
// and dashboard descriptions have their own setters.
func (w *Wizard) UpdateSpec(spec model.TestSpecification) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.requireStage(StageSpec); err != nil {
		return err
	}
	w.spec.Objective = spec.Objective
	w.spec.Theme = spec.Theme
	w.spec.GradingDescription = spec.GradingDescription
	w.spec.QuestionCount = spec.QuestionCount
	w.spec.AdditionalRequirements = spec.AdditionalRequirements
	return nil
}

// Next advances one stage when the current stage's guard holds. Publishing
// is a separate action.
func (w *Wizard) Next() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch w.stage {
	case StageSpec:
		if strings.TrimSpace(w.spec.Objective) == "" || strings.TrimSpace(w.spec.Theme) == "" {
			return fmt.Errorf("%w: objective and theme are required", model.ErrGuard)
		}
		w.stage = StagePlanReview
	case StagePlanReview:
		if len(w.pending) > 0 {
			return model.ErrPending
		}
		if !w.generated {
			return fmt.Errorf("%w: no questions generated yet", model.ErrGuard)
		}
		if len(w.selection) == 0 {
			return fmt.Errorf("%w: select at least one question", model.ErrGuard)
		}
		w.stage = StageResultsConfig
	case StageResultsConfig:
		w.stage = StageDashboardConfig
	case StageDashboardConfig:
		return fmt.Errorf("%w: use publish to finish", model.ErrGuard)
	case StagePublished:
		return model.ErrPublished
	}
	return nil
}

// Back returns to the previous stage. Nothing entered so far is discarded.
// Leaving PlanReview waits for in-flight generations, whose results only
// apply there.
func (w *Wizard) Back() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch w.stage {
	case StageSpec:
		return fmt.Errorf("%w: already at the first stage", model.ErrGuard)
	case StagePublished:
		return model.ErrPublished
	}
	if len(w.pending) > 0 {
		return model.ErrPending
	}
	w.stage--
	return nil
}

// Generate runs the first generation for the current specification.
func (w *Wizard) Generate(ctx context.Context) error {
	return w.runPlan(ctx, "")
}

// RegeneratePlan replaces plan and pool using the author's feedback and
// clears the selection.
func (w *Wizard) RegeneratePlan(ctx context.Context, feedback string) error {
	feedback = strings.TrimSpace(feedback)
	if feedback == "" {
		return fmt.Errorf("%w: feedback is required", model.ErrGuard)
	}
	return w.runPlan(ctx, feedback)
}

func (w *Wizard) runPlan(ctx context.Context, feedback string) error {
	w.mu.Lock()
	if err := w.requireStage(StagePlanReview); err != nil {
		w.mu.Unlock()
		return err
	}
	if feedback != "" && !w.generated {
		w.mu.Unlock()
		return fmt.Errorf("%w: nothing to regenerate yet", model.ErrGuard)
	}
	if w.pending[planTarget] {
		w.mu.Unlock()
		return model.ErrPending
	}
	w.pending[planTarget] = true
	req := model.NewGenerateRequest(w.spec)
	req.RegenerationFeedback = feedback
	w.mu.Unlock()

	res, err := w.gen.Generate(ctx, req)

	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.pending, planTarget)
	if err != nil {
		return generationError(err)
	}
	if w.stage == StagePublished {
		return model.ErrPublished
	}

	plan := clonePlan(res.Plan)
	w.plan = &plan
	w.pool = slices.Clone(res.Questions)
	w.selection = nil
	w.generated = true
	w.batch++
	w.planNotes = res.CheckPlan(w.spec.QuestionCount)
	if len(w.planNotes) > 0 {
		slog.Info("generated plan is inconsistent", "draft", w.id, "notes", w.planNotes)
	}
	return nil
}

// RegenerateQuestion replaces the pool question id, and its selected copy
// if any, with a freshly generated question of the same category. The new
// question is returned.
func (w *Wizard) RegenerateQuestion(ctx context.Context, id, feedback string) (model.GeneratedQuestion, error) {
	feedback = strings.TrimSpace(feedback)
	if feedback == "" {
		return model.GeneratedQuestion{}, fmt.Errorf("%w: feedback is required", model.ErrGuard)
	}

	w.mu.Lock()
	if err := w.requireStage(StagePlanReview); err != nil {
		w.mu.Unlock()
		return model.GeneratedQuestion{}, err
	}
	idx := indexOf(w.pool, id)
	if idx < 0 {
		w.mu.Unlock()
		return model.GeneratedQuestion{}, fmt.Errorf("question %s: %w", id, model.ErrNotFound)
	}
	target := questionTarget(id)
	if w.pending[target] {
		w.mu.Unlock()
		return model.GeneratedQuestion{}, model.ErrPending
	}
	w.pending[target] = true
	old := w.pool[idx]
	batch := w.batch
	req := model.NewGenerateRequest(w.spec)
	req.RegenerationFeedback = feedback
	req.RegenerateSpecificQuestion = true
	req.QuestionToReplace = &old
	w.mu.Unlock()

	res, err := w.gen.Generate(ctx, req)

	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.pending, target)
	if err != nil {
		return model.GeneratedQuestion{}, generationError(err)
	}
	if w.stage == StagePublished {
		return model.GeneratedQuestion{}, model.ErrPublished
	}
	if len(res.Questions) != 1 {
		return model.GeneratedQuestion{}, fmt.Errorf("%w: expected one question, got %d",
			model.ErrGenerationFailed, len(res.Questions))
	}

	// The pool was replaced while this request was in flight.
	idx = indexOf(w.pool, id)
	if batch != w.batch || idx < 0 {
		slog.Info("discarding stale question regeneration", "draft", w.id, "question", id)
		return model.GeneratedQuestion{}, fmt.Errorf("question %s: %w", id, model.ErrNotFound)
	}

	q := res.Questions[0]
	q.Category = old.Category
	if q.ID == "" || indexOf(w.pool, q.ID) >= 0 || indexOf(w.selection, q.ID) >= 0 {
		q.ID = uuid.NewString()
	}
	w.pool[idx] = q
	if s := indexOf(w.selection, id); s >= 0 {
		w.selection[s] = q
	}
	return q, nil
}

// AddQuestion appends a copy of pool question id to the selection.
func (w *Wizard) AddQuestion(id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.requireStage(StagePlanReview); err != nil {
		return err
	}
	idx := indexOf(w.pool, id)
	if idx < 0 {
		return fmt.Errorf("question %s: %w", id, model.ErrNotFound)
	}
	if indexOf(w.selection, id) >= 0 {
		return fmt.Errorf("%w: question %s already selected", model.ErrGuard, id)
	}
	w.selection = append(w.selection, w.pool[idx])
	return nil
}

// RemoveQuestion drops id from the selection. The pool is untouched.
func (w *Wizard) RemoveQuestion(id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.requireStage(StagePlanReview); err != nil {
		return err
	}
	idx := indexOf(w.selection, id)
	if idx < 0 {
		return fmt.Errorf("question %s not selected: %w", id, model.ErrNotFound)
	}
	w.selection = slices.Delete(w.selection, idx, idx+1)
	return nil
}

// MoveQuestion swaps the selected question id with its neighbour. Moving
// the first question up or the last one down does nothing.
func (w *Wizard) MoveQuestion(id string, dir Direction) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.requireStage(StagePlanReview); err != nil {
		return err
	}
	idx := indexOf(w.selection, id)
	if idx < 0 {
		return fmt.Errorf("question %s not selected: %w", id, model.ErrNotFound)
	}
	to := idx - 1
	if dir == Down {
		to = idx + 1
	}
	if to < 0 || to >= len(w.selection) {
		return nil
	}
	w.selection[idx], w.selection[to] = w.selection[to], w.selection[idx]
	return nil
}

// SetResultsDescription records what candidates should see with their results.
func (w *Wizard) SetResultsDescription(text string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.requireStage(StageResultsConfig); err != nil {
		return err
	}
	w.spec.CandidateResultsDescription = text
	return nil
}

// SetDashboardDescription records what the author's dashboard should show.
func (w *Wizard) SetDashboardDescription(text string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.requireStage(StageDashboardConfig); err != nil {
		return err
	}
	w.spec.AdminDashboardDescription = text
	return nil
}

// Publish assigns an id and creation time, persists the test and freezes
// the draft. shareBase is the public origin the share link is built on.
func (w *Wizard) Publish(ctx context.Context, saver TestSaver, shareBase string) (model.TestConfig, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.requireStage(StageDashboardConfig); err != nil {
		return model.TestConfig{}, err
	}

	id := uuid.NewString()
	cfg := model.TestConfig{
		ID:                id,
		TestSpecification: w.spec,
		SelectedQuestions: slices.Clone(w.selection),
		CreatedAt:         time.Now().UTC(),
		CreatedBy:         w.owner,
		ShareLink:         strings.TrimRight(shareBase, "/") + "/test/" + id,
	}
	if w.plan != nil {
		plan := clonePlan(*w.plan)
		cfg.QuestionPlan = &plan
	}

	if err := saver.SaveTest(ctx, cfg); err != nil {
		return model.TestConfig{}, fmt.Errorf("publish draft %s: %w", w.id, err)
	}
	w.stage = StagePublished
	w.published = &cfg
	slog.Info("test published", "draft", w.id, "test", cfg.ID, "questions", len(cfg.SelectedQuestions))
	return cfg, nil
}

// Snapshot is a deep copy of the wizard state for rendering.
type Snapshot struct {
	ID        string                    `json:"id"`
	Stage     Stage                     `json:"stage"`
	Spec      model.TestSpecification   `json:"spec"`
	Plan      *model.QuestionPlan       `json:"plan,omitempty"`
	Questions []model.GeneratedQuestion `json:"questions"`
	Selection []model.GeneratedQuestion `json:"selectedQuestions"`
	Generated bool                      `json:"generated"`
	PlanNotes []string                  `json:"planNotes,omitempty"`
	Pending   []string                  `json:"pending,omitempty"`
	Published *model.TestConfig         `json:"published,omitempty"`
}

// Snapshot returns a copy of the current state.
func (w *Wizard) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Snapshot{
		ID:        w.id,
		Stage:     w.stage,
		Spec:      w.spec,
		Questions: slices.Clone(w.pool),
		Selection: slices.Clone(w.selection),
		Generated: w.generated,
		PlanNotes: slices.Clone(w.planNotes),
	}
	if s.Questions == nil {
		s.Questions = []model.GeneratedQuestion{}
	}
	if s.Selection == nil {
		s.Selection = []model.GeneratedQuestion{}
	}
	if w.plan != nil {
		plan := clonePlan(*w.plan)
		s.Plan = &plan
	}
	for target := range w.pending {
		s.Pending = append(s.Pending, target)
	}
	slices.Sort(s.Pending)
	if w.published != nil {
		cfg := *w.published
		cfg.SelectedQuestions = slices.Clone(cfg.SelectedQuestions)
		s.Published = &cfg
	}
	return s
}

func generationError(err error) error {
	if errors.Is(err, model.ErrGenerationFailed) {
		return err
	}
	return fmt.Errorf("%w: %w", model.ErrGenerationFailed, err)
}

func clonePlan(p model.QuestionPlan) model.QuestionPlan {
	p.Categories = slices.Clone(p.Categories)
	return p
}

func indexOf(questions []model.GeneratedQuestion, id string) int {
	return slices.IndexFunc(questions, func(q model.GeneratedQuestion) bool { return q.ID == id })
}
