package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"quiz-attempt-client/internal/domain"
)

// RemoteAttemptService is the authority on attempt existence, counts and validity.
type RemoteAttemptService interface {
	StartAttempt(ctx context.Context, userID int64) (domain.Attempt, error)
	GetStatus(ctx context.Context, userID int64) (domain.AttemptStatus, error)
	Submit(ctx context.Context, attemptID, userID int64, answers []domain.Answer) (domain.SubmitResult, error)
}

// Options tunes a Session.
type Options struct {
	TickInterval      time.Duration
	AutoSubmitRetries int
	RetryDelay        time.Duration
	Now               func() time.Time
	Logger            zerolog.Logger
}

// Session is the attempt lifecycle of one client. All mutation of the
// attempt state goes through its methods.
type Session struct {
	remote    RemoteAttemptService
	snapshots *SnapshotStore
	identity  *IdentityStore
	countdown *Countdown
	now       func() time.Time
	log       zerolog.Logger

	retries    int
	retryDelay time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	user       *domain.User
	attempt    *domain.Attempt
	answers    domain.AnswerSet
	index      int
	opening    bool
	submitting bool
	lastResult *domain.SubmitResult

	subMu       sync.Mutex
	subscribers map[chan domain.SessionEvent]struct{}
}

// NewSession wires a session in idle state.
func NewSession(remote RemoteAttemptService, snapshots *SnapshotStore, identity *IdentityStore, opts Options) *Session {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	retries := opts.AutoSubmitRetries
	if retries < 0 {
		retries = 0
	}
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		remote:      remote,
		snapshots:   snapshots,
		identity:    identity,
		now:         now,
		log:         opts.Logger.With().Str("component", "attempt_session").Logger(),
		retries:     retries,
		retryDelay:  retryDelay,
		ctx:         ctx,
		cancel:      cancel,
		answers:     domain.AnswerSet{},
		subscribers: make(map[chan domain.SessionEvent]struct{}),
	}
	s.countdown = NewCountdownWithClock(opts.TickInterval, now, s.onTick, s.onExpire)
	return s
}

// Close stops the countdown and any pending auto-submit retry. State stays
// persisted so a later session can resume it.
func (s *Session) Close() {
	s.cancel()
	s.countdown.Disarm()
}

// Login installs the authenticated user and remembers it in the profile.
func (s *Session) Login(user domain.User) error {
	if err := validate.Struct(user); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user != nil && s.user.ID != user.ID {
		s.clearAttemptLocked()
	}
	u := user
	s.user = &u
	s.saveIdentityLocked()
	s.broadcastLocked(domain.SessionEvent{Type: domain.EventState})
	return nil
}

// Logout discards any open attempt and forgets the user.
func (s *Session) Logout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearAttemptLocked()
	s.user = nil
	if err := s.identity.Clear(s.ctx); err != nil {
		s.log.Warn().Err(err).Msg("Clear identity failed")
	}
	s.lastResult = nil
	s.broadcastLocked(domain.SessionEvent{Type: domain.EventState})
}

// Bootstrap restores identity from the profile and resumes a saved attempt
// when one exists. Without a saved attempt the attempt count is refreshed.
func (s *Session) Bootstrap(ctx context.Context) (bool, error) {
	user := s.identity.Load(ctx)
	if user == nil {
		return false, nil
	}
	s.mu.Lock()
	if s.user == nil {
		u := *user
		s.user = &u
	}
	s.mu.Unlock()

	if s.snapshots.Load(ctx) == nil {
		_, err := s.RefreshStatus(ctx)
		return false, err
	}
	return s.Resume(ctx, *user)
}

// Start opens a new attempt for the signed-in user. A logout or user switch
// while the request is in flight drops the issued attempt.
func (s *Session) Start(ctx context.Context, user domain.User) (domain.Attempt, error) {
	s.mu.Lock()
	if s.user == nil || s.user.ID != user.ID {
		s.mu.Unlock()
		return domain.Attempt{}, domain.ErrNotAuthenticated
	}
	if s.attempt != nil || s.opening {
		s.mu.Unlock()
		return domain.Attempt{}, domain.ErrAttemptOpen
	}
	s.opening = true
	s.mu.Unlock()

	attempt, err := s.remote.StartAttempt(ctx, user.ID)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.opening = false
	sameUser := s.user != nil && s.user.ID == user.ID
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			s.log.Info().Int64("user_id", user.ID).Msg("User unknown to the server, clearing identity")
			if sameUser {
				s.clearUserLocked()
			}
			return domain.Attempt{}, fmt.Errorf("%w: %w", domain.ErrReauthRequired, err)
		}
		s.log.Warn().Err(err).Int64("user_id", user.ID).Msg("Start attempt failed")
		return domain.Attempt{}, fmt.Errorf("start attempt: %w", err)
	}
	if !sameUser {
		s.log.Info().Int64("user_id", user.ID).Int64("attempt_id", attempt.ID).Msg("Signed out while starting, dropping attempt")
		return domain.Attempt{}, domain.ErrNotAuthenticated
	}

	s.installLocked(attempt, domain.AnswerSet{}, 0)
	s.lastResult = nil
	s.persistLocked()
	s.log.Info().
		Int64("attempt_id", attempt.ID).
		Int("attempt_number", attempt.Number).
		Int("questions", len(attempt.Questions)).
		Time("deadline", attempt.Deadline).
		Msg("Attempt started")
	s.broadcastLocked(domain.SessionEvent{Type: domain.EventState})
	return cloneAttempt(attempt), nil
}

// Answer replaces the selection for a question; an empty selection removes it.
func (s *Session) Answer(questionID int64, selected []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attempt == nil {
		return domain.ErrNoActiveAttempt
	}
	i, ok := s.attempt.QuestionIndex(questionID)
	if !ok {
		return fmt.Errorf("%w: %d", domain.ErrQuestionNotFound, questionID)
	}
	normalized := domain.NormalizeSelection(selected)
	if err := checkSelection(s.attempt.Questions[i], normalized); err != nil {
		return err
	}
	s.answers.Set(questionID, normalized)
	s.persistLocked()
	return nil
}

// GoToNext moves to the following question. Navigation is forward only.
func (s *Session) GoToNext() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkAdvanceLocked(); err != nil {
		return err
	}
	if s.index >= len(s.attempt.Questions)-1 {
		return domain.ErrLastQuestion
	}
	s.index++
	s.persistLocked()
	s.broadcastLocked(domain.SessionEvent{Type: domain.EventState})
	return nil
}

// Advance is the single next/submit action: on the last question it submits
// manually, otherwise it moves forward. The result is nil unless it submitted.
func (s *Session) Advance(ctx context.Context) (*domain.SubmitResult, error) {
	s.mu.Lock()
	if err := s.checkAdvanceLocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	last := s.index >= len(s.attempt.Questions)-1
	s.mu.Unlock()

	if !last {
		return nil, s.GoToNext()
	}
	res, err := s.Submit(ctx, true)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// ResetAnswers drops every selection and returns to the first question.
func (s *Session) ResetAnswers() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attempt == nil {
		return domain.ErrNoActiveAttempt
	}
	s.answers = domain.AnswerSet{}
	s.index = 0
	s.persistLocked()
	s.broadcastLocked(domain.SessionEvent{Type: domain.EventState})
	return nil
}

// Submit sends the answers of the open attempt. A manual submission with
// unanswered questions is rejected locally; an expiry submission always goes
// out. Only one submission may be in flight.
func (s *Session) Submit(ctx context.Context, manual bool) (domain.SubmitResult, error) {
	return s.submit(ctx, manual, 0)
}

func (s *Session) submit(ctx context.Context, manual bool, expectAttempt int64) (domain.SubmitResult, error) {
	s.mu.Lock()
	if s.attempt == nil || (expectAttempt != 0 && s.attempt.ID != expectAttempt) {
		s.mu.Unlock()
		return domain.SubmitResult{}, domain.ErrNoActiveAttempt
	}
	if s.user == nil {
		s.mu.Unlock()
		return domain.SubmitResult{}, domain.ErrNotAuthenticated
	}
	if s.submitting {
		s.mu.Unlock()
		return domain.SubmitResult{}, domain.ErrSubmissionInFlight
	}
	if manual {
		if missing := s.answers.Unanswered(s.attempt.Questions); missing > 0 {
			s.mu.Unlock()
			return domain.SubmitResult{}, &domain.UnansweredError{Count: missing}
		}
	}
	s.submitting = true
	attemptID := s.attempt.ID
	userID := s.user.ID
	answers := s.answers.Ordered(s.attempt.Questions)
	answered := sortedQuestionIDs(s.answers)
	s.broadcastLocked(domain.SessionEvent{Type: domain.EventState})
	s.mu.Unlock()

	s.log.Info().
		Int64("attempt_id", attemptID).
		Bool("manual", manual).
		Ints64("answered", answered).
		Msg("Submitting attempt")
	res, err := s.remote.Submit(ctx, attemptID, userID, answers)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitting = false
	if err != nil {
		s.log.Warn().Err(err).Int64("attempt_id", attemptID).Bool("manual", manual).Msg("Submit failed")
		s.broadcastLocked(domain.SessionEvent{Type: domain.EventState})
		return domain.SubmitResult{}, fmt.Errorf("submit attempt: %w", err)
	}

	res.Auto = !manual
	if s.user != nil && s.user.ID == userID {
		s.user.AttemptsLeft = res.AttemptsLeft
		s.saveIdentityLocked()
	}
	if s.attempt != nil && s.attempt.ID == attemptID {
		s.clearAttemptLocked()
	}
	r := res
	s.lastResult = &r
	s.log.Info().
		Int64("attempt_id", attemptID).
		Int("score", res.Score).
		Int("total", res.Total).
		Int("attempts_left", res.AttemptsLeft).
		Msg("Attempt submitted")
	s.broadcastLocked(domain.SessionEvent{Type: domain.EventSubmitted, Result: &r})
	return res, nil
}

// Resume reinstates a persisted attempt after passing every gate in order:
// owner match, complete record, unexpired deadline, reachable status, and the
// server still listing the attempt. A record whose answers do not fit its
// questions counts as incomplete. The first three gates only drop the
// snapshot; the last two clear the whole identity.
func (s *Session) Resume(ctx context.Context, user domain.User) (bool, error) {
	s.mu.Lock()
	if s.attempt != nil || s.opening {
		s.mu.Unlock()
		return false, domain.ErrAttemptOpen
	}
	u := user
	s.user = &u
	s.opening = true
	s.mu.Unlock()

	resumed, err := s.resume(ctx, user)

	s.mu.Lock()
	s.opening = false
	s.mu.Unlock()
	return resumed, err
}

func (s *Session) resume(ctx context.Context, user domain.User) (bool, error) {
	snap := s.snapshots.Load(ctx)
	if snap == nil {
		return false, nil
	}

	log := s.log.With().Int64("user_id", user.ID).Logger()
	discard := func(reason string) (bool, error) {
		log.Info().Str("reason", reason).Msg("Discarding saved attempt")
		if err := s.snapshots.Clear(ctx); err != nil {
			log.Warn().Err(err).Msg("Clear snapshot failed")
		}
		return false, nil
	}

	if snap.UserID != user.ID {
		return discard("owner mismatch")
	}
	if snap.Attempt == nil || len(snap.Attempt.Questions) == 0 || snap.Attempt.Deadline.IsZero() ||
		snap.CurrentIndex >= len(snap.Attempt.Questions) {
		return discard("incomplete record")
	}
	if err := checkAnswers(*snap.Attempt, snap.Answers); err != nil {
		log.Info().Err(err).Msg("Saved answers do not fit the saved questions")
		return discard("malformed answers")
	}
	if snap.Attempt.Deadline.Before(s.now()) {
		return discard("expired")
	}

	status, err := s.remote.GetStatus(ctx, user.ID)
	if err != nil {
		log.Warn().Err(err).Msg("Status check failed during resume, clearing identity")
		s.mu.Lock()
		s.clearUserLocked()
		s.mu.Unlock()
		return false, fmt.Errorf("%w: %w", domain.ErrReauthRequired, err)
	}
	if !status.Knows(snap.Attempt.ID) {
		log.Info().Int64("attempt_id", snap.Attempt.ID).Msg("Attempt unknown to the server, clearing identity")
		s.mu.Lock()
		s.clearUserLocked()
		s.mu.Unlock()
		return false, fmt.Errorf("%w: %w", domain.ErrReauthRequired, domain.ErrAttemptInvalidated)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil || s.user.ID != user.ID {
		return false, domain.ErrNotAuthenticated
	}
	s.user.AttemptsLeft = status.AttemptsLeft
	s.user.IsLector = status.IsLector
	s.saveIdentityLocked()
	s.installLocked(*snap.Attempt, snap.Answers, snap.CurrentIndex)
	s.persistLocked()
	log.Info().
		Int64("attempt_id", snap.Attempt.ID).
		Int("index", snap.CurrentIndex).
		Int("answered", len(snap.Answers)).
		Msg("Attempt resumed")
	s.broadcastLocked(domain.SessionEvent{Type: domain.EventState})
	return true, nil
}

// RefreshStatus updates the cached attempts-left count from the server.
func (s *Session) RefreshStatus(ctx context.Context) (domain.AttemptStatus, error) {
	s.mu.Lock()
	if s.user == nil {
		s.mu.Unlock()
		return domain.AttemptStatus{}, domain.ErrNotAuthenticated
	}
	userID := s.user.ID
	s.mu.Unlock()

	status, err := s.remote.GetStatus(ctx, userID)

	s.mu.Lock()
	defer s.mu.Unlock()
	sameUser := s.user != nil && s.user.ID == userID
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) && sameUser {
			s.clearUserLocked()
			return domain.AttemptStatus{}, fmt.Errorf("%w: %w", domain.ErrReauthRequired, err)
		}
		return domain.AttemptStatus{}, fmt.Errorf("refresh status: %w", err)
	}
	if sameUser {
		s.user.AttemptsLeft = status.AttemptsLeft
		s.user.IsLector = status.IsLector
		s.saveIdentityLocked()
		s.broadcastLocked(domain.SessionEvent{Type: domain.EventState})
	}
	return status, nil
}

// Discard drops the open attempt locally, keeping the user.
func (s *Session) Discard() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearAttemptLocked()
	s.broadcastLocked(domain.SessionEvent{Type: domain.EventState})
}

// User returns the current user.
func (s *Session) User() (domain.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return domain.User{}, false
	}
	return *s.user, true
}

// Selection returns the saved selection for a question of the open attempt.
func (s *Session) Selection(questionID int64) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.answers[questionID]...)
}

// Answers returns a copy of the current answer set.
func (s *Session) Answers() domain.AnswerSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.answers.Clone()
}

// View projects the session for display.
func (s *Session) View() domain.SessionView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

func (s *Session) viewLocked() domain.SessionView {
	v := domain.SessionView{
		Authenticated: s.user != nil,
		Submitting:    s.submitting,
		Remaining:     s.countdown.Display(),
		LastResult:    s.lastResult,
	}
	if s.user != nil {
		u := *s.user
		v.User = &u
		v.CanStart = u.AttemptsLeft > 0 && s.attempt == nil && !s.opening
	}
	if s.attempt == nil {
		return v
	}
	v.Active = true
	v.AttemptID = s.attempt.ID
	v.AttemptNumber = s.attempt.Number
	v.Index = s.index
	v.Total = len(s.attempt.Questions)
	if s.index < len(s.attempt.Questions) {
		q := s.attempt.Questions[s.index]
		v.Question = &q
		v.Selection = append([]int(nil), s.answers[q.ID]...)
		v.CanAdvance = s.answers.Has(q.ID) && !s.submitting
		v.IsLast = s.index == len(s.attempt.Questions)-1
	}
	return v
}

// Subscribe returns a channel of session events starting with the current
// state. The caller must invoke cancel to release it.
func (s *Session) Subscribe() (<-chan domain.SessionEvent, func()) {
	ch := make(chan domain.SessionEvent, 8)
	initial := domain.SessionEvent{Type: domain.EventState, Display: s.countdown.Display(), At: s.now()}

	ch <- initial
	s.subMu.Lock()
	s.subscribers[ch] = struct{}{}
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		if _, ok := s.subscribers[ch]; ok {
			delete(s.subscribers, ch)
			close(ch)
		}
		s.subMu.Unlock()
	}
	return ch, cancel
}

func (s *Session) checkAdvanceLocked() error {
	if s.attempt == nil || len(s.attempt.Questions) == 0 {
		return domain.ErrNoActiveAttempt
	}
	if !s.answers.Has(s.attempt.Questions[s.index].ID) {
		return domain.ErrMustAnswer
	}
	return nil
}

func (s *Session) installLocked(attempt domain.Attempt, answers domain.AnswerSet, index int) {
	a := cloneAttempt(attempt)
	s.attempt = &a
	s.answers = answers.Clone()
	s.index = index
	s.countdown.Arm(a.Deadline)
}

// clearAttemptLocked is the terminal transition to idle: countdown first so a
// stale expiry cannot fire into the cleared state.
func (s *Session) clearAttemptLocked() {
	s.countdown.Disarm()
	s.attempt = nil
	s.answers = domain.AnswerSet{}
	s.index = 0
	if err := s.snapshots.Clear(s.ctx); err != nil {
		s.log.Warn().Err(err).Msg("Clear snapshot failed")
	}
}

func (s *Session) clearUserLocked() {
	s.clearAttemptLocked()
	s.user = nil
	s.lastResult = nil
	if err := s.identity.Clear(s.ctx); err != nil {
		s.log.Warn().Err(err).Msg("Clear identity failed")
	}
	s.broadcastLocked(domain.SessionEvent{Type: domain.EventReauthRequired})
}

func (s *Session) persistLocked() {
	if s.attempt == nil || s.user == nil {
		return
	}
	snap := &domain.Snapshot{
		UserID:       s.user.ID,
		Attempt:      s.attempt,
		Answers:      s.answers,
		CurrentIndex: s.index,
	}
	if err := s.snapshots.Save(s.ctx, snap); err != nil {
		s.log.Warn().Err(err).Int64("attempt_id", s.attempt.ID).Msg("Persist snapshot failed")
	}
}

func (s *Session) saveIdentityLocked() {
	if s.user == nil {
		return
	}
	if err := s.identity.Save(s.ctx, *s.user); err != nil {
		s.log.Warn().Err(err).Msg("Persist identity failed")
	}
}

func (s *Session) onTick(remaining time.Duration) {
	s.broadcast(domain.SessionEvent{
		Type:      domain.EventTick,
		Remaining: remaining,
		Display:   FormatRemaining(remaining),
		At:        s.now(),
	})
}

func (s *Session) onExpire(deadline time.Time) {
	s.mu.Lock()
	if s.attempt == nil || !s.attempt.Deadline.Equal(deadline) {
		s.mu.Unlock()
		return
	}
	attemptID := s.attempt.ID
	s.mu.Unlock()

	s.log.Info().Int64("attempt_id", attemptID).Msg("Deadline reached, submitting automatically")
	s.broadcast(domain.SessionEvent{Type: domain.EventExpired, Display: FormatRemaining(0), At: s.now()})
	s.autoSubmit(attemptID)
}

// autoSubmit retries the expiry submission. A submission already in flight is
// waited out rather than counted as a failure.
func (s *Session) autoSubmit(attemptID int64) {
	failures := 0
	var lastErr error
	for {
		_, err := s.submit(s.ctx, false, attemptID)
		switch {
		case err == nil:
			return
		case errors.Is(err, domain.ErrNoActiveAttempt):
			return
		case errors.Is(err, domain.ErrSubmissionInFlight):
		case errors.Is(err, domain.ErrAttemptClosed), errors.Is(err, domain.ErrAttemptNotFound):
			// the server will never accept this attempt again
			failures = s.retries + 1
			lastErr = err
		default:
			failures++
			lastErr = err
		}
		if failures > s.retries {
			break
		}
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(s.retryDelay):
		}
	}
	s.log.Error().Err(lastErr).Int64("attempt_id", attemptID).Int("tries", failures).Msg("Automatic submission failed")
	s.broadcast(domain.SessionEvent{Type: domain.EventSubmitFailed, Error: lastErr.Error(), At: s.now()})
}

func (s *Session) broadcastLocked(ev domain.SessionEvent) {
	if ev.Display == "" {
		ev.Display = s.countdown.Display()
	}
	s.broadcast(ev)
}

func (s *Session) broadcast(ev domain.SessionEvent) {
	if ev.At.IsZero() {
		ev.At = s.now()
	}
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
			// drop the oldest pending event for slow readers
			select {
			case <-ch:
			default:
			}
			ch <- ev
		}
	}
}

// checkSelection enforces the option range and the single-choice rule on a
// normalized selection.
func checkSelection(q domain.Question, normalized []int) error {
	for _, idx := range normalized {
		if idx < 0 || idx >= len(q.Options) {
			return fmt.Errorf("%w: %d", domain.ErrOptionOutOfRange, idx)
		}
	}
	if !q.Multiple && len(normalized) > 1 {
		return domain.ErrSingleChoice
	}
	return nil
}

// checkAnswers holds restored answers to the same rules Answer applies.
func checkAnswers(attempt domain.Attempt, answers domain.AnswerSet) error {
	for qid, selected := range answers {
		i, ok := attempt.QuestionIndex(qid)
		if !ok {
			return fmt.Errorf("%w: %d", domain.ErrQuestionNotFound, qid)
		}
		if err := checkSelection(attempt.Questions[i], selected); err != nil {
			return fmt.Errorf("question %d: %w", qid, err)
		}
	}
	return nil
}

func cloneAttempt(a domain.Attempt) domain.Attempt {
	out := a
	out.Questions = make([]domain.Question, len(a.Questions))
	for i, q := range a.Questions {
		q.Options = append([]string(nil), q.Options...)
		out.Questions[i] = q
	}
	return out
}
