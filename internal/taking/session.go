// Package taking walks a candidate through a published test and submits
// the answers for grading.
package taking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/testforge/internal/model"
)

// State is the lifecycle of an attempt.
type State int

const (
	StateNotStarted State = iota
	StateInProgress
	StateSubmitted
	// StateNotFound is terminal: the test id did not resolve.
	StateNotFound
)

var stateNames = [...]string{"not_started", "in_progress", "submitted", "not_found"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// TestLoader reads published tests.
type TestLoader interface {
	GetTest(ctx context.Context, id string) (model.TestConfig, error)
}

// ResultSaver persists evaluation results.
type ResultSaver interface {
	SaveResult(ctx context.Context, res model.EvaluationResult) error
}

// Evaluator grades a submission.
type Evaluator interface {
	Evaluate(ctx context.Context, sub model.Submission) (*model.Evaluation, error)
}

// Session is one candidate attempt at one test.
type Session struct {
	id     string
	testID string

	mu        sync.Mutex
	state     State
	test      model.TestConfig
	candidate string
	cursor    int
	answers   model.Answers
	pending   bool
	result    *model.EvaluationResult
}

// Load resolves testID. A missing test yields a session in StateNotFound
// rather than an error; other lookup failures are returned.
func Load(ctx context.Context, loader TestLoader, id, testID string) (*Session, error) {
	s := &Session{id: id, testID: testID, answers: model.Answers{}}
	cfg, err := loader.GetTest(ctx, testID)
	switch {
	case errors.Is(err, model.ErrNotFound):
		s.state = StateNotFound
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("load test %s: %w", testID, err)
	}
	s.test = cfg
	return s, nil
}

// ID returns the attempt id.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) status() (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.pending
}

// require must be called with mu held.
func (s *Session) require(want State) error {
	if s.state == StateNotFound {
		return fmt.Errorf("test %s: %w", s.testID, model.ErrNotFound)
	}
	if s.state != want {
		return fmt.Errorf("%w: attempt is %s", model.ErrGuard, s.state)
	}
	return nil
}

// Start begins the attempt for the named candidate.
func (s *Session) Start(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require(StateNotStarted); err != nil {
		return err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: candidate name is required", model.ErrGuard)
	}
	if len(s.test.SelectedQuestions) == 0 {
		return fmt.Errorf("%w: test has no questions", model.ErrGuard)
	}
	s.candidate = name
	s.cursor = 0
	s.state = StateInProgress
	return nil
}

// Next moves to the following question; at the last question it does nothing.
func (s *Session) Next() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require(StateInProgress); err != nil {
		return err
	}
	if s.cursor < len(s.test.SelectedQuestions)-1 {
		s.cursor++
	}
	return nil
}

// Previous moves to the preceding question; at the first it does nothing.
func (s *Session) Previous() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require(StateInProgress); err != nil {
		return err
	}
	if s.cursor > 0 {
		s.cursor--
	}
	return nil
}

// Answer records free text for questionID, replacing any earlier answer.
func (s *Session) Answer(questionID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require(StateInProgress); err != nil {
		return err
	}
	if s.pending {
		return model.ErrPending
	}
	if !s.hasQuestion(questionID) {
		return fmt.Errorf("question %s: %w", questionID, model.ErrNotFound)
	}
	s.answers[questionID] = text
	return nil
}

func (s *Session) hasQuestion(id string) bool {
	for _, q := range s.test.SelectedQuestions {
		if q.ID == id {
			return true
		}
	}
	return false
}

// Current returns the question under the cursor.
func (s *Session) Current() (QuestionView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require(StateInProgress); err != nil {
		return QuestionView{}, err
	}
	return s.currentView(), nil
}

func (s *Session) currentView() QuestionView {
	q := s.test.SelectedQuestions[s.cursor]
	total := len(s.test.SelectedQuestions)
	return QuestionView{
		Index:           s.cursor,
		Number:          s.cursor + 1,
		Total:           total,
		ProgressPercent: (s.cursor + 1) * 100 / total,
		Question:        NewCandidateQuestion(q),
		Answer:          s.answers[q.ID],
		FormatWarning:   DetectFormatWarning(q.Type),
		IsLast:          s.cursor == total-1,
	}
}

// Submit grades the attempt. It is only allowed from the last question.
// On failure the attempt stays in progress with its answers and can be
// submitted again.
func (s *Session) Submit(ctx context.Context, ev Evaluator, saver ResultSaver) (model.EvaluationResult, error) {
	s.mu.Lock()
	if err := s.require(StateInProgress); err != nil {
		s.mu.Unlock()
		return model.EvaluationResult{}, err
	}
	if s.pending {
		s.mu.Unlock()
		return model.EvaluationResult{}, model.ErrPending
	}
	if s.cursor != len(s.test.SelectedQuestions)-1 {
		s.mu.Unlock()
		return model.EvaluationResult{}, fmt.Errorf("%w: submit from the last question", model.ErrGuard)
	}
	s.pending = true
	sub := model.Submission{
		TestID:        s.test.ID,
		CandidateName: s.candidate,
		Answers:       make(model.Answers, len(s.answers)),
		TestData:      model.NewTestData(s.test),
	}
	for k, v := range s.answers {
		sub.Answers[k] = v
	}
	s.mu.Unlock()

	res, err := grade(ctx, ev, saver, sub)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = false
	if err != nil {
		slog.Warn("submission failed", "attempt", s.id, "test", s.test.ID, "error", err)
		return model.EvaluationResult{}, err
	}
	s.state = StateSubmitted
	s.result = &res
	return res, nil
}

// grade evaluates and persists a submission. Both failures surface as
// ErrSubmissionFailed.
func grade(ctx context.Context, ev Evaluator, saver ResultSaver, sub model.Submission) (model.EvaluationResult, error) {
	evaluation, err := ev.Evaluate(ctx, sub)
	if err != nil {
		return model.EvaluationResult{}, fmt.Errorf("%w: %w", model.ErrSubmissionFailed, err)
	}
	res := NewResult(sub, *evaluation)
	if err := saver.SaveResult(ctx, res); err != nil {
		return model.EvaluationResult{}, fmt.Errorf("%w: store result: %w", model.ErrSubmissionFailed, err)
	}
	return res, nil
}

// NewResult stamps an evaluation with a fresh id and completion time.
func NewResult(sub model.Submission, ev model.Evaluation) model.EvaluationResult {
	return model.EvaluationResult{
		ID:            uuid.NewString(),
		TestID:        sub.TestID,
		CandidateName: sub.CandidateName,
		Evaluation:    ev,
		CompletedAt:   time.Now().UTC(),
	}
}

// View is a copy of the attempt state for rendering.
type View struct {
	ID            string        `json:"id"`
	State         State         `json:"state"`
	Test          TestView      `json:"test"`
	CandidateName string        `json:"candidateName,omitempty"`
	Current       *QuestionView `json:"current,omitempty"`
	Answers       model.Answers `json:"answers"`
	Pending       bool          `json:"pending"`
	ResultID      string        `json:"resultId,omitempty"`
}

// View returns the attempt state.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := View{
		ID:            s.id,
		State:         s.state,
		CandidateName: s.candidate,
		Answers:       make(model.Answers, len(s.answers)),
		Pending:       s.pending,
	}
	for k, a := range s.answers {
		v.Answers[k] = a
	}
	if s.state == StateNotFound {
		v.Test = TestView{ID: s.testID}
		return v
	}
	v.Test = NewTestView(s.test)
	if s.state == StateInProgress {
		cur := s.currentView()
		v.Current = &cur
	}
	if s.result != nil {
		v.ResultID = s.result.ID
	}
	return v
}
