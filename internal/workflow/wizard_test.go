package workflow

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/testforge/internal/model"
)

// fakeGenerator answers plan requests with count questions spread over
// "Theory" and "Practice", and single-question requests with one question
// named after the feedback. Requests can be held open with block.
type fakeGenerator struct {
	mu       sync.Mutex
	requests []model.GenerateRequest
	err      error
	block    chan struct{}
	started  chan struct{}
	batch    int
	// reuse makes single-question answers keep the replaced id and drift
	// to another category.
	reuse bool
}

func (f *fakeGenerator) Generate(ctx context.Context, req model.GenerateRequest) (*model.GenerationResult, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	block, started, err := f.block, f.started, f.err
	f.batch++
	batch := f.batch
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if block != nil {
		<-block
	}
	if err != nil {
		return nil, err
	}

	if req.Mode() == model.ModeQuestionRegeneration {
		q := model.GeneratedQuestion{
			ID:       fmt.Sprintf("new-%d", batch),
			Content:  req.RegenerationFeedback,
			Type:     req.QuestionToReplace.Type,
			Category: req.QuestionToReplace.Category,
			Points:   req.QuestionToReplace.Points,
		}
		if f.reuse {
			q.ID = req.QuestionToReplace.ID
			q.Category = "Elsewhere"
		}
		return &model.GenerationResult{Questions: []model.GeneratedQuestion{q}}, nil
	}

	res := &model.GenerationResult{
		Plan: model.QuestionPlan{
			Introduction: fmt.Sprintf("batch %d", batch),
			Categories: []model.QuestionCategory{
				{Category: "Theory", SuggestedCount: req.QuestionCount / 2},
				{Category: "Practice", SuggestedCount: req.QuestionCount - req.QuestionCount/2},
			},
			TotalQuestions: req.QuestionCount,
		},
	}
	for i := 1; i <= req.QuestionCount; i++ {
		cat := "Theory"
		if i > req.QuestionCount/2 {
			cat = "Practice"
		}
		res.Questions = append(res.Questions, model.GeneratedQuestion{
			ID:       fmt.Sprintf("q%d", i),
			Content:  fmt.Sprintf("question %d of batch %d", i, batch),
			Type:     "libre",
			Category: cat,
			Points:   2,
		})
	}
	return res, nil
}

func (f *fakeGenerator) lastRequest() model.GenerateRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

type memSaver struct {
	saved []model.TestConfig
	err   error
}

func (m *memSaver) SaveTest(_ context.Context, cfg model.TestConfig) error {
	if m.err != nil {
		return m.err
	}
	m.saved = append(m.saved, cfg)
	return nil
}

func validSpec() model.TestSpecification {
	return model.TestSpecification{Objective: "Assess backend skill", Theme: "Go", QuestionCount: 5}
}

// generatedWizard returns a wizard at PlanReview with one generation done.
func generatedWizard(t *testing.T, gen *fakeGenerator) *Wizard {
	t.Helper()
	w := New("d1", "alice", gen)
	require.NoError(t, w.UpdateSpec(validSpec()))
	require.NoError(t, w.Next())
	require.NoError(t, w.Generate(context.Background()))
	return w
}

func selectionIDs(w *Wizard) []string {
	var ids []string
	for _, q := range w.Snapshot().Selection {
		ids = append(ids, q.ID)
	}
	return ids
}

func TestSpecGuard(t *testing.T) {
	w := New("d1", "", &fakeGenerator{})
	assert.Equal(t, model.DefaultQuestionCount, w.Snapshot().Spec.QuestionCount)

	err := w.Next()
	assert.ErrorIs(t, err, model.ErrGuard)
	assert.Equal(t, StageSpec, w.Snapshot().Stage)

	spec := validSpec()
	spec.Theme = "   "
	require.NoError(t, w.UpdateSpec(spec))
	assert.ErrorIs(t, w.Next(), model.ErrGuard)

	spec.QuestionCount = 51
	assert.ErrorIs(t, w.UpdateSpec(spec), model.ErrGuard)

	require.NoError(t, w.UpdateSpec(validSpec()))
	require.NoError(t, w.Next())
	assert.Equal(t, StagePlanReview, w.Snapshot().Stage)
	assert.ErrorIs(t, w.UpdateSpec(validSpec()), model.ErrGuard, "spec is read-only outside the first stage")
}

// Scenario: spec {objective, theme "Go", questionCount 5} then generate.
func TestGenerateFiveQuestions(t *testing.T) {
	gen := &fakeGenerator{}
	w := generatedWizard(t, gen)

	snap := w.Snapshot()
	require.NotNil(t, snap.Plan)
	require.Len(t, snap.Questions, 5)
	for _, q := range snap.Questions {
		assert.True(t, snap.Plan.HasCategory(q.Category), "category %q not in plan", q.Category)
	}
	assert.True(t, snap.Generated)
	assert.Empty(t, snap.PlanNotes)
	assert.Equal(t, model.ModeFull, gen.lastRequest().Mode())
}

func TestGenerateFailureLeavesStateUntouched(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("upstream down")}
	w := New("d1", "", gen)
	require.NoError(t, w.UpdateSpec(validSpec()))
	require.NoError(t, w.Next())

	err := w.Generate(context.Background())
	assert.ErrorIs(t, err, model.ErrGenerationFailed)
	snap := w.Snapshot()
	assert.Equal(t, StagePlanReview, snap.Stage)
	assert.Nil(t, snap.Plan)
	assert.False(t, snap.Generated)
	assert.Empty(t, snap.Pending)

	// Retriable.
	gen.err = nil
	require.NoError(t, w.Generate(context.Background()))
	assert.Len(t, w.Snapshot().Questions, 5)
}

func TestGenerateRequiresPlanReview(t *testing.T) {
	w := New("d1", "", &fakeGenerator{})
	assert.ErrorIs(t, w.Generate(context.Background()), model.ErrGuard)
}

func TestPlanReviewGuard(t *testing.T) {
	w := New("d1", "", &fakeGenerator{})
	require.NoError(t, w.UpdateSpec(validSpec()))
	require.NoError(t, w.Next())

	assert.ErrorIs(t, w.Next(), model.ErrGuard, "nothing generated")
	require.NoError(t, w.Generate(context.Background()))
	assert.ErrorIs(t, w.Next(), model.ErrGuard, "nothing selected")
	require.NoError(t, w.AddQuestion("q1"))
	require.NoError(t, w.Next())
	assert.Equal(t, StageResultsConfig, w.Snapshot().Stage)
}

func TestRegeneratePlan(t *testing.T) {
	gen := &fakeGenerator{}
	w := generatedWizard(t, gen)
	require.NoError(t, w.AddQuestion("q2"))
	before := w.Snapshot()

	assert.ErrorIs(t, w.RegeneratePlan(context.Background(), "  "), model.ErrGuard)

	require.NoError(t, w.RegeneratePlan(context.Background(), "more practice"))
	req := gen.lastRequest()
	assert.Equal(t, model.ModePlanRegeneration, req.Mode())
	assert.Equal(t, "more practice", req.RegenerationFeedback)

	after := w.Snapshot()
	assert.NotEqual(t, before.Plan.Introduction, after.Plan.Introduction, "plan is replaced wholesale")
	assert.NotEqual(t, before.Questions[0].Content, after.Questions[0].Content)
	assert.Empty(t, after.Selection, "selection does not survive plan regeneration")
}

func TestRegeneratePlanNeedsPriorGeneration(t *testing.T) {
	w := New("d1", "", &fakeGenerator{})
	require.NoError(t, w.UpdateSpec(validSpec()))
	require.NoError(t, w.Next())
	assert.ErrorIs(t, w.RegeneratePlan(context.Background(), "feedback"), model.ErrGuard)
}

// Scenario: regenerate q3 (category "Practice") with "make it harder".
func TestRegenerateQuestion(t *testing.T) {
	gen := &fakeGenerator{}
	w := generatedWizard(t, gen)
	require.NoError(t, w.AddQuestion("q1"))
	require.NoError(t, w.AddQuestion("q3"))
	require.NoError(t, w.AddQuestion("q5"))

	before := w.Snapshot()
	require.Equal(t, "Practice", before.Questions[2].Category)

	q, err := w.RegenerateQuestion(context.Background(), "q3", "make it harder")
	require.NoError(t, err)
	assert.Equal(t, "Practice", q.Category)
	assert.NotEqual(t, "q3", q.ID)

	req := gen.lastRequest()
	assert.Equal(t, model.ModeQuestionRegeneration, req.Mode())
	require.NotNil(t, req.QuestionToReplace)
	assert.Equal(t, "q3", req.QuestionToReplace.ID)

	after := w.Snapshot()
	require.Len(t, after.Questions, 5, "substitution, not append")
	assert.Equal(t, q, after.Questions[2])
	assert.Equal(t, []string{"q1", q.ID, "q5"}, selectionIDs(w), "selected copy replaced in place")
	for i, old := range before.Questions {
		if i != 2 {
			assert.Equal(t, old, after.Questions[i])
		}
	}
}

func TestRegenerateQuestionForcesCategoryAndID(t *testing.T) {
	gen := &fakeGenerator{reuse: true}
	w := generatedWizard(t, gen)

	q, err := w.RegenerateQuestion(context.Background(), "q3", "make it harder")
	require.NoError(t, err)
	assert.Equal(t, "Practice", q.Category)
	assert.NotEqual(t, "q3", q.ID)
	assert.NotEmpty(t, q.ID)
}

func TestRegenerateQuestionGuards(t *testing.T) {
	w := generatedWizard(t, &fakeGenerator{})

	_, err := w.RegenerateQuestion(context.Background(), "q3", "")
	assert.ErrorIs(t, err, model.ErrGuard)
	_, err = w.RegenerateQuestion(context.Background(), "nope", "harder")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestRegenerateQuestionFailure(t *testing.T) {
	gen := &fakeGenerator{}
	w := generatedWizard(t, gen)
	before := w.Snapshot()

	gen.err = errors.New("boom")
	_, err := w.RegenerateQuestion(context.Background(), "q3", "harder")
	assert.ErrorIs(t, err, model.ErrGenerationFailed)
	assert.Equal(t, before.Questions, w.Snapshot().Questions)
}

func TestPendingGuardPerTarget(t *testing.T) {
	gen := &fakeGenerator{block: make(chan struct{}), started: make(chan struct{}, 4)}
	w := New("d1", "", &fakeGenerator{})
	require.NoError(t, w.UpdateSpec(validSpec()))
	require.NoError(t, w.Next())
	require.NoError(t, w.Generate(context.Background()))
	w.gen = gen

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, id := range []string{"q1", "q2"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := w.RegenerateQuestion(context.Background(), id, "harder")
			errs <- err
		}(id)
	}
	<-gen.started
	<-gen.started

	// Different questions run concurrently; the same question is refused.
	assert.Equal(t, []string{"question:q1", "question:q2"}, w.Snapshot().Pending)
	_, err := w.RegenerateQuestion(context.Background(), "q1", "again")
	assert.ErrorIs(t, err, model.ErrPending)
	assert.ErrorIs(t, w.Next(), model.ErrPending)

	close(gen.block)
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Empty(t, w.Snapshot().Pending)
}

func TestPlanPendingGuard(t *testing.T) {
	gen := &fakeGenerator{block: make(chan struct{}), started: make(chan struct{}, 1)}
	w := New("d1", "", gen)
	require.NoError(t, w.UpdateSpec(validSpec()))
	require.NoError(t, w.Next())

	done := make(chan error, 1)
	go func() { done <- w.Generate(context.Background()) }()
	<-gen.started

	assert.ErrorIs(t, w.Generate(context.Background()), model.ErrPending)
	close(gen.block)
	assert.NoError(t, <-done)
}

func TestBackWaitsForPendingGeneration(t *testing.T) {
	gen := &fakeGenerator{block: make(chan struct{}), started: make(chan struct{}, 1)}
	w := New("d1", "", gen)
	require.NoError(t, w.UpdateSpec(validSpec()))
	require.NoError(t, w.Next())

	done := make(chan error, 1)
	go func() { done <- w.Generate(context.Background()) }()
	<-gen.started

	assert.ErrorIs(t, w.Back(), model.ErrPending)
	assert.Equal(t, StagePlanReview, w.Stage())

	close(gen.block)
	require.NoError(t, <-done)

	// Once the plan has landed, going back and editing is allowed again and
	// the generated pool belongs to the spec it was generated for.
	require.NoError(t, w.Back())
	changed := validSpec()
	changed.Objective = "New objective"
	changed.QuestionCount = 10
	require.NoError(t, w.UpdateSpec(changed))
	snap := w.Snapshot()
	assert.Equal(t, StageSpec, snap.Stage)
	assert.Len(t, snap.Questions, 5)
	assert.Equal(t, 5, gen.lastRequest().QuestionCount)
}

func TestBackWaitsForPendingQuestion(t *testing.T) {
	slow := &fakeGenerator{block: make(chan struct{}), started: make(chan struct{}, 1)}
	w := generatedWizard(t, &fakeGenerator{})
	w.gen = slow

	done := make(chan error, 1)
	go func() {
		_, err := w.RegenerateQuestion(context.Background(), "q2", "harder")
		done <- err
	}()
	<-slow.started

	assert.ErrorIs(t, w.Back(), model.ErrPending)
	close(slow.block)
	require.NoError(t, <-done)
	assert.NoError(t, w.Back())
}

func TestStaleQuestionResultIsDiscarded(t *testing.T) {
	slow := &fakeGenerator{block: make(chan struct{}), started: make(chan struct{}, 1)}
	w := generatedWizard(t, &fakeGenerator{})
	w.gen = slow

	done := make(chan error, 1)
	go func() {
		_, err := w.RegenerateQuestion(context.Background(), "q3", "harder")
		done <- err
	}()
	<-slow.started

	// The plan is regenerated while the question request is in flight. The
	// new pool reuses the id q3, but it is a different question.
	w.gen = &fakeGenerator{batch: 100}
	require.NoError(t, w.RegeneratePlan(context.Background(), "start over"))
	fresh := w.Snapshot().Questions

	close(slow.block)
	assert.ErrorIs(t, <-done, model.ErrNotFound)
	assert.Equal(t, fresh, w.Snapshot().Questions)
}

func TestSelection(t *testing.T) {
	w := generatedWizard(t, &fakeGenerator{})

	require.NoError(t, w.AddQuestion("q1"))
	assert.ErrorIs(t, w.AddQuestion("q1"), model.ErrGuard, "no duplicates")
	assert.ErrorIs(t, w.AddQuestion("zz"), model.ErrNotFound)
	require.NoError(t, w.AddQuestion("q2"))
	require.NoError(t, w.AddQuestion("q3"))
	assert.Equal(t, []string{"q1", "q2", "q3"}, selectionIDs(w))

	// Removing from the selection keeps the pool intact.
	require.NoError(t, w.RemoveQuestion("q1"))
	assert.Equal(t, []string{"q2", "q3"}, selectionIDs(w))
	assert.Len(t, w.Snapshot().Questions, 5)
	assert.ErrorIs(t, w.RemoveQuestion("q1"), model.ErrNotFound)

	// Re-adding appends at the end with equal content.
	require.NoError(t, w.AddQuestion("q1"))
	snap := w.Snapshot()
	assert.Equal(t, []string{"q2", "q3", "q1"}, selectionIDs(w))
	assert.Equal(t, snap.Questions[0], snap.Selection[2])
}

func TestMoveQuestionIsPermutation(t *testing.T) {
	w := generatedWizard(t, &fakeGenerator{})
	for _, id := range []string{"q1", "q2", "q3", "q4"} {
		require.NoError(t, w.AddQuestion(id))
	}

	tests := []struct {
		id   string
		dir  Direction
		want []string
	}{
		{"q1", Up, []string{"q1", "q2", "q3", "q4"}},
		{"q4", Down, []string{"q1", "q2", "q3", "q4"}},
		{"q1", Down, []string{"q2", "q1", "q3", "q4"}},
		{"q4", Up, []string{"q2", "q1", "q4", "q3"}},
		{"q2", Down, []string{"q1", "q2", "q4", "q3"}},
	}
	for _, tt := range tests {
		before := selectionIDs(w)
		require.NoError(t, w.MoveQuestion(tt.id, tt.dir))
		after := selectionIDs(w)
		assert.Equal(t, tt.want, after, "move %s %d", tt.id, tt.dir)

		slices.Sort(before)
		slices.Sort(after)
		assert.Equal(t, before, after, "same set of ids")
	}
	assert.ErrorIs(t, w.MoveQuestion("q5", Up), model.ErrNotFound)
}

func TestParseDirection(t *testing.T) {
	d, err := ParseDirection("UP")
	require.NoError(t, err)
	assert.Equal(t, Up, d)
	d, err = ParseDirection("down")
	require.NoError(t, err)
	assert.Equal(t, Down, d)
	_, err = ParseDirection("left")
	assert.ErrorIs(t, err, model.ErrGuard)
}

func TestBackKeepsData(t *testing.T) {
	w := generatedWizard(t, &fakeGenerator{})
	require.NoError(t, w.AddQuestion("q2"))
	require.NoError(t, w.Next())
	require.NoError(t, w.SetResultsDescription("show scores"))
	require.NoError(t, w.Next())
	require.NoError(t, w.SetDashboardDescription("averages"))

	for _, want := range []Stage{StageResultsConfig, StagePlanReview, StageSpec} {
		require.NoError(t, w.Back())
		assert.Equal(t, want, w.Snapshot().Stage)
	}
	assert.ErrorIs(t, w.Back(), model.ErrGuard)

	snap := w.Snapshot()
	assert.Equal(t, "Assess backend skill", snap.Spec.Objective)
	assert.Equal(t, "show scores", snap.Spec.CandidateResultsDescription)
	assert.Equal(t, "averages", snap.Spec.AdminDashboardDescription)
	assert.Equal(t, []string{"q2"}, selectionIDs(w))
	assert.Len(t, snap.Questions, 5)
}

func TestDescriptionsNeedTheirStage(t *testing.T) {
	w := generatedWizard(t, &fakeGenerator{})
	assert.ErrorIs(t, w.SetResultsDescription("x"), model.ErrGuard)
	assert.ErrorIs(t, w.SetDashboardDescription("x"), model.ErrGuard)
}

func publishableWizard(t *testing.T) *Wizard {
	t.Helper()
	w := generatedWizard(t, &fakeGenerator{})
	require.NoError(t, w.AddQuestion("q4"))
	require.NoError(t, w.AddQuestion("q1"))
	require.NoError(t, w.Next())
	require.NoError(t, w.Next())
	return w
}

func TestPublish(t *testing.T) {
	w := publishableWizard(t)
	saver := &memSaver{}

	assert.ErrorIs(t, w.Next(), model.ErrGuard, "next does not publish")

	cfg, err := w.Publish(context.Background(), saver, "https://forge.example.com/")
	require.NoError(t, err)
	require.Len(t, saver.saved, 1)
	assert.Equal(t, cfg, saver.saved[0])
	assert.NotEmpty(t, cfg.ID)
	assert.False(t, cfg.CreatedAt.IsZero())
	assert.Equal(t, "alice", cfg.CreatedBy)
	assert.Equal(t, "https://forge.example.com/test/"+cfg.ID, cfg.ShareLink)
	assert.Equal(t, "Go", cfg.Theme)
	require.Len(t, cfg.SelectedQuestions, 2)
	assert.Equal(t, "q4", cfg.SelectedQuestions[0].ID)
	assert.NotNil(t, cfg.QuestionPlan)

	snap := w.Snapshot()
	assert.Equal(t, StagePublished, snap.Stage)
	require.NotNil(t, snap.Published)
	assert.Equal(t, cfg.ID, snap.Published.ID)

	// Terminal.
	assert.ErrorIs(t, w.Back(), model.ErrPublished)
	assert.ErrorIs(t, w.Next(), model.ErrPublished)
	assert.ErrorIs(t, w.AddQuestion("q2"), model.ErrPublished)
	assert.ErrorIs(t, w.SetDashboardDescription("x"), model.ErrPublished)
	_, err = w.Publish(context.Background(), saver, "")
	assert.ErrorIs(t, err, model.ErrPublished)
	assert.Len(t, saver.saved, 1)
}

func TestPublishFailureIsRetriable(t *testing.T) {
	w := publishableWizard(t)
	saver := &memSaver{err: errors.New("disk full")}

	_, err := w.Publish(context.Background(), saver, "")
	require.Error(t, err)
	assert.Equal(t, StageDashboardConfig, w.Snapshot().Stage)

	saver.err = nil
	cfg, err := w.Publish(context.Background(), saver, "")
	require.NoError(t, err)
	assert.Equal(t, "/test/"+cfg.ID, cfg.ShareLink)
}

func TestSnapshotIsACopy(t *testing.T) {
	w := generatedWizard(t, &fakeGenerator{})
	require.NoError(t, w.AddQuestion("q1"))

	snap := w.Snapshot()
	snap.Questions[0].Content = "mutated"
	snap.Selection[0].Content = "mutated"
	snap.Plan.Categories[0].Category = "mutated"

	again := w.Snapshot()
	assert.NotEqual(t, "mutated", again.Questions[0].Content)
	assert.NotEqual(t, "mutated", again.Selection[0].Content)
	assert.NotEqual(t, "mutated", again.Plan.Categories[0].Category)
}

func TestStageString(t *testing.T) {
	assert.Equal(t, "plan_review", StagePlanReview.String())
	text, err := StagePublished.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "published", string(text))
	assert.Equal(t, "stage(9)", Stage(9).String())
}
