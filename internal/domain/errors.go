package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotAuthenticated is returned when an operation needs a known user.
	ErrNotAuthenticated = errors.New("user is not authenticated")
	// ErrReauthRequired wraps authentication faults after local identity was cleared.
	ErrReauthRequired = errors.New("re-authentication required")
	// ErrAttemptOpen is returned by start while another attempt is still open.
	ErrAttemptOpen = errors.New("an attempt is already open")
	// ErrNoActiveAttempt is returned when an attempt operation runs in idle state.
	ErrNoActiveAttempt = errors.New("no active attempt")
	// ErrMustAnswer is returned when advancing past an unanswered question.
	ErrMustAnswer = errors.New("select an answer before advancing")
	// ErrLastQuestion is returned when advancing from the last question.
	ErrLastQuestion = errors.New("already at the last question")
	// ErrSubmissionInFlight suppresses a second concurrent submission.
	ErrSubmissionInFlight = errors.New("submission already in progress")
	// ErrQuestionNotFound indicates the question is not part of the open attempt.
	ErrQuestionNotFound = errors.New("question not found")
	// ErrOptionOutOfRange indicates a selected index outside the question's options.
	ErrOptionOutOfRange = errors.New("option index out of range")
	// ErrSingleChoice indicates several options were selected for a single-choice question.
	ErrSingleChoice = errors.New("question accepts a single option")

	// ErrUserNotFound is reported by the remote service for unknown users.
	ErrUserNotFound = errors.New("user not found")
	// ErrAttemptNotFound is reported by the remote service for unknown attempts.
	ErrAttemptNotFound = errors.New("attempt not found")
	// ErrAttemptLimitReached is reported when the user has no attempts left.
	ErrAttemptLimitReached = errors.New("attempt limit reached")
	// ErrAttemptClosed is reported for already submitted or expired attempts.
	ErrAttemptClosed = errors.New("attempt already closed")
	// ErrRemoteUnavailable covers network and unexpected service failures.
	ErrRemoteUnavailable = errors.New("remote service unavailable")
	// ErrAttemptInvalidated is returned by resume when the server no longer lists the attempt.
	ErrAttemptInvalidated = errors.New("attempt no longer known to the server")

	// ErrEntryNotFound is returned by profile stores for absent keys.
	ErrEntryNotFound = errors.New("profile entry not found")
)

// UnansweredError rejects a manual submission with missing answers.
type UnansweredError struct {
	Count int
}

func (e *UnansweredError) Error() string {
	return fmt.Sprintf("%d question(s) left unanswered", e.Count)
}

// RemoteError describes a failed call to the remote attempt service.
type RemoteError struct {
	Op         string
	StatusCode int
	Detail     string
	Kind       error
}

func (e *RemoteError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %s", e.Op, e.Detail)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Detail)
}

func (e *RemoteError) Unwrap() error {
	if e.Kind == nil {
		return ErrRemoteUnavailable
	}
	return e.Kind
}

// IsValidation reports user-correctable faults.
func IsValidation(err error) bool {
	var unanswered *UnansweredError
	return errors.As(err, &unanswered) ||
		errors.Is(err, ErrMustAnswer) ||
		errors.Is(err, ErrLastQuestion) ||
		errors.Is(err, ErrQuestionNotFound) ||
		errors.Is(err, ErrOptionOutOfRange) ||
		errors.Is(err, ErrSingleChoice)
}

// IsAuth reports faults that ended with the local identity cleared.
func IsAuth(err error) bool {
	return errors.Is(err, ErrReauthRequired) || errors.Is(err, ErrNotAuthenticated)
}
