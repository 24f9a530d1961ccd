package model

import "errors"

// Failure taxonomy shared by the workflow, the taking session and the HTTP
// layer. Every failure is scoped to the current action.
var (
	// ErrGuard means a transition guard was not met; state is unchanged.
	ErrGuard = errors.New("transition guard not met")
	// ErrPending means a request for the same target is already in flight.
	ErrPending = errors.New("request already pending")
	// ErrGenerationFailed means the model call or its validation failed.
	ErrGenerationFailed = errors.New("generation failed")
	// ErrNotFound means a lookup by identifier missed.
	ErrNotFound = errors.New("not found")
	// ErrSubmissionFailed means grading a submission failed; answers are kept.
	ErrSubmissionFailed = errors.New("submission failed")
	// ErrPublished means the draft is already published and frozen.
	ErrPublished = errors.New("test already published")
)
