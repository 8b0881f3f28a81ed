package app_test

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"quiz-attempt-client/internal/app"
	"quiz-attempt-client/internal/domain"
	"quiz-attempt-client/internal/infra/memory"
)

var alice = domain.User{ID: 1, Username: "alice", AttemptsLeft: 3}

func TestAnswerLastWriteWinsAndEmptyRemoves(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, newFakeRemote(twoQuestionAttempt(time.Hour)))
	mustStart(t, h)

	mustAnswer(t, h.session, 2, []int{0})
	mustAnswer(t, h.session, 2, []int{2, 1, 2})
	if got := h.session.Selection(2); !reflect.DeepEqual(got, []int{1, 2}) {
		t.Fatalf("expected deduplicated last selection, got %v", got)
	}
	before := h.session.Answers()
	mustAnswer(t, h.session, 2, []int{1, 2})
	if !reflect.DeepEqual(before, h.session.Answers()) {
		t.Fatalf("expected same selection to be idempotent")
	}

	if err := h.session.Answer(2, nil); err != nil {
		t.Fatalf("clear answer: %v", err)
	}
	if _, ok := h.session.Answers()[2]; ok {
		t.Fatalf("expected empty selection to remove the entry")
	}
	snap := h.snapshots.Load(ctx)
	if snap == nil || len(snap.Answers) != 0 {
		t.Fatalf("expected persisted snapshot without answers, got %+v", snap)
	}
}

func TestAnswerValidatesSelection(t *testing.T) {
	h := newHarness(t, newFakeRemote(twoQuestionAttempt(time.Hour)))
	if err := h.session.Answer(1, []int{0}); !errors.Is(err, domain.ErrNoActiveAttempt) {
		t.Fatalf("expected no active attempt, got %v", err)
	}
	mustStart(t, h)

	if err := h.session.Answer(99, []int{0}); !errors.Is(err, domain.ErrQuestionNotFound) {
		t.Fatalf("expected question not found, got %v", err)
	}
	if err := h.session.Answer(1, []int{5}); !errors.Is(err, domain.ErrOptionOutOfRange) {
		t.Fatalf("expected out of range, got %v", err)
	}
	if err := h.session.Answer(1, []int{0, 1}); !errors.Is(err, domain.ErrSingleChoice) {
		t.Fatalf("expected single choice error, got %v", err)
	}
	if !domain.IsValidation(domain.ErrSingleChoice) {
		t.Fatalf("expected single choice to be a validation fault")
	}
}

func TestGoToNextIsForwardOnlyAndGated(t *testing.T) {
	h := newHarness(t, newFakeRemote(twoQuestionAttempt(time.Hour)))
	mustStart(t, h)

	if err := h.session.GoToNext(); !errors.Is(err, domain.ErrMustAnswer) {
		t.Fatalf("expected must answer, got %v", err)
	}
	if h.session.View().Index != 0 {
		t.Fatalf("expected index unchanged")
	}

	mustAnswer(t, h.session, 1, []int{0})
	if !h.session.View().CanAdvance {
		t.Fatalf("expected advance enabled after answering")
	}
	if err := h.session.GoToNext(); err != nil {
		t.Fatalf("go to next: %v", err)
	}
	mustAnswer(t, h.session, 2, []int{1})
	if err := h.session.GoToNext(); !errors.Is(err, domain.ErrLastQuestion) {
		t.Fatalf("expected last question, got %v", err)
	}
	view := h.session.View()
	if view.Index != 1 || !view.IsLast || view.Total != 2 {
		t.Fatalf("unexpected view %+v", view)
	}
}

func TestManualSubmitRejectsUnansweredWithoutNetwork(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote(twoQuestionAttempt(time.Hour))
	h := newHarness(t, remote)
	mustStart(t, h)
	mustAnswer(t, h.session, 1, []int{0})

	_, err := h.session.Submit(ctx, true)
	var unanswered *domain.UnansweredError
	if !errors.As(err, &unanswered) || unanswered.Count != 1 {
		t.Fatalf("expected one unanswered question, got %v", err)
	}
	if remote.submitCount() != 0 {
		t.Fatalf("expected no network call")
	}

	res, err := h.session.Submit(ctx, false)
	if err != nil {
		t.Fatalf("automatic submit: %v", err)
	}
	if !res.Auto || remote.submitCount() != 1 {
		t.Fatalf("expected automatic submission to go out, got %+v", res)
	}
}

func TestStartAnswerNavigateSubmitScenario(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote(twoQuestionAttempt(time.Minute))
	remote.result = domain.SubmitResult{Score: 2, Total: 2, AttemptsLeft: 2}
	h := newHarness(t, remote)
	mustLogin(t, h.session, alice)

	if _, err := h.session.Start(ctx, alice); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := h.session.Start(ctx, alice); !errors.Is(err, domain.ErrAttemptOpen) {
		t.Fatalf("expected second start to be refused, got %v", err)
	}
	mustAnswer(t, h.session, 1, []int{0})
	if err := h.session.GoToNext(); err != nil {
		t.Fatalf("go to next: %v", err)
	}
	if h.session.View().Index != 1 {
		t.Fatalf("expected index 1")
	}
	mustAnswer(t, h.session, 2, []int{1, 2})

	res, err := h.session.Submit(ctx, true)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	want := []domain.Answer{
		{QuestionID: 1, SelectedIndexes: []int{0}},
		{QuestionID: 2, SelectedIndexes: []int{1, 2}},
	}
	if got := remote.lastSubmitted(); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected submitted answers %+v", got)
	}
	if res.Score != 2 || res.Auto {
		t.Fatalf("unexpected result %+v", res)
	}

	view := h.session.View()
	if view.Active || view.Remaining != app.Unarmed || view.LastResult == nil {
		t.Fatalf("expected idle view with result, got %+v", view)
	}
	if h.snapshots.Load(ctx) != nil {
		t.Fatalf("expected snapshot erased")
	}
	if u := h.identity.Load(ctx); u == nil || u.AttemptsLeft != 2 {
		t.Fatalf("expected cached attempts left updated, got %+v", u)
	}
}

func TestSubmitFailureKeepsState(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote(twoQuestionAttempt(time.Hour))
	remote.submitErrs = []error{&domain.RemoteError{Op: "submit attempt", Detail: "connection refused"}}
	h := newHarness(t, remote)
	mustStart(t, h)
	mustAnswer(t, h.session, 1, []int{0})
	mustAnswer(t, h.session, 2, []int{1})

	if _, err := h.session.Submit(ctx, true); !errors.Is(err, domain.ErrRemoteUnavailable) {
		t.Fatalf("expected transient failure, got %v", err)
	}
	view := h.session.View()
	if !view.Active || view.Submitting {
		t.Fatalf("expected attempt still open, got %+v", view)
	}
	if h.snapshots.Load(ctx) == nil {
		t.Fatalf("expected snapshot kept")
	}
	if _, err := h.session.Submit(ctx, true); err != nil {
		t.Fatalf("retry submit: %v", err)
	}
}

func TestConcurrentSubmitIsSuppressed(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote(twoQuestionAttempt(time.Hour))
	remote.block = make(chan struct{})
	remote.entered = make(chan struct{}, 1)
	h := newHarness(t, remote)
	mustStart(t, h)
	mustAnswer(t, h.session, 1, []int{0})
	mustAnswer(t, h.session, 2, []int{0})

	done := make(chan error, 1)
	go func() {
		_, err := h.session.Submit(ctx, true)
		done <- err
	}()
	<-remote.entered

	if _, err := h.session.Submit(ctx, false); !errors.Is(err, domain.ErrSubmissionInFlight) {
		t.Fatalf("expected in-flight suppression, got %v", err)
	}
	if !h.session.View().Submitting {
		t.Fatalf("expected submitting flag in view")
	}
	close(remote.block)
	if err := <-done; err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if remote.submitCount() != 1 {
		t.Fatalf("expected exactly one network submit, got %d", remote.submitCount())
	}
}

func TestExpiryWaitsOutManualSubmission(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote(twoQuestionAttempt(60 * time.Millisecond))
	remote.block = make(chan struct{})
	remote.entered = make(chan struct{}, 1)
	h := newHarness(t, remote, func(o *app.Options) {
		o.TickInterval = 10 * time.Millisecond
		o.AutoSubmitRetries = 1
		o.RetryDelay = 5 * time.Millisecond
	})
	events, cancel := h.session.Subscribe()
	defer cancel()
	mustStart(t, h)
	mustAnswer(t, h.session, 1, []int{0})
	mustAnswer(t, h.session, 2, []int{1})

	done := make(chan error, 1)
	go func() {
		_, err := h.session.Submit(ctx, true)
		done <- err
	}()
	<-remote.entered

	waitFor(t, events, domain.EventExpired)
	// several retry delays pass while the manual submission is still out
	time.Sleep(50 * time.Millisecond)
	close(remote.block)
	if err := <-done; err != nil {
		t.Fatalf("manual submit: %v", err)
	}
	ev := waitFor(t, events, domain.EventSubmitted)
	if ev.Result == nil || ev.Result.Auto {
		t.Fatalf("expected the manual result, got %+v", ev.Result)
	}

	time.Sleep(30 * time.Millisecond)
	for drained := false; !drained; {
		select {
		case ev := <-events:
			if ev.Type == domain.EventSubmitFailed {
				t.Fatalf("in-flight submission was reported as a failure: %s", ev.Error)
			}
		default:
			drained = true
		}
	}
	if remote.submitCount() != 1 {
		t.Fatalf("expected exactly one network submit, got %d", remote.submitCount())
	}
	if h.session.View().Active {
		t.Fatalf("expected idle after submission")
	}
}

func TestLogoutDuringStartDropsAttempt(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote(twoQuestionAttempt(time.Hour))
	remote.startBlock = make(chan struct{})
	remote.startEntered = make(chan struct{}, 1)
	h := newHarness(t, remote)
	mustLogin(t, h.session, alice)

	done := make(chan error, 1)
	go func() {
		_, err := h.session.Start(ctx, alice)
		done <- err
	}()
	<-remote.startEntered
	h.session.Logout()
	close(remote.startBlock)

	if err := <-done; !errors.Is(err, domain.ErrNotAuthenticated) {
		t.Fatalf("expected not authenticated, got %v", err)
	}
	if _, ok := h.session.User(); ok {
		t.Fatalf("expected user to stay signed out")
	}
	view := h.session.View()
	if view.Active || view.Remaining != app.Unarmed {
		t.Fatalf("expected idle session, got %+v", view)
	}
	if h.snapshots.Load(ctx) != nil || h.identity.Load(ctx) != nil {
		t.Fatalf("expected nothing persisted after logout")
	}
}

func TestStartRequiresSignedInUser(t *testing.T) {
	remote := newFakeRemote(twoQuestionAttempt(time.Hour))
	h := newHarness(t, remote)

	if _, err := h.session.Start(context.Background(), alice); !errors.Is(err, domain.ErrNotAuthenticated) {
		t.Fatalf("expected not authenticated, got %v", err)
	}
	if h.session.View().Active {
		t.Fatalf("expected no attempt")
	}
}

func TestStartUnknownUserClearsIdentity(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote(twoQuestionAttempt(time.Hour))
	remote.startErr = &domain.RemoteError{Op: "start attempt", StatusCode: 404, Detail: "User not found", Kind: domain.ErrUserNotFound}
	h := newHarness(t, remote)
	if err := h.session.Login(alice); err != nil {
		t.Fatalf("login: %v", err)
	}
	events, cancel := h.session.Subscribe()
	defer cancel()
	<-events

	_, err := h.session.Start(ctx, alice)
	if !domain.IsAuth(err) || !errors.Is(err, domain.ErrUserNotFound) {
		t.Fatalf("expected re-authentication fault, got %v", err)
	}
	if _, ok := h.session.User(); ok {
		t.Fatalf("expected user cleared")
	}
	if h.identity.Load(ctx) != nil {
		t.Fatalf("expected stored identity cleared")
	}
	waitFor(t, events, domain.EventReauthRequired)
}

func TestStartTransientErrorLeavesIdle(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote(twoQuestionAttempt(time.Hour))
	remote.startErr = &domain.RemoteError{Op: "start attempt", StatusCode: 403, Detail: "Attempt limit reached", Kind: domain.ErrAttemptLimitReached}
	h := newHarness(t, remote)
	mustLogin(t, h.session, alice)

	if _, err := h.session.Start(ctx, alice); !errors.Is(err, domain.ErrAttemptLimitReached) {
		t.Fatalf("expected limit error, got %v", err)
	}
	if _, ok := h.session.User(); !ok {
		t.Fatalf("expected user kept")
	}
	view := h.session.View()
	if view.Active || !view.CanStart {
		t.Fatalf("expected idle session able to start, got %+v", view)
	}
}

func TestAdvanceSubmitsOnLastQuestion(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote(twoQuestionAttempt(time.Hour))
	h := newHarness(t, remote)
	mustStart(t, h)

	if _, err := h.session.Advance(ctx); !errors.Is(err, domain.ErrMustAnswer) {
		t.Fatalf("expected must answer, got %v", err)
	}
	mustAnswer(t, h.session, 1, []int{1})
	res, err := h.session.Advance(ctx)
	if err != nil || res != nil {
		t.Fatalf("expected plain advance, got %v %v", res, err)
	}
	mustAnswer(t, h.session, 2, []int{0})
	res, err = h.session.Advance(ctx)
	if err != nil || res == nil {
		t.Fatalf("expected submission on last question, got %v %v", res, err)
	}
	if h.session.View().Active {
		t.Fatalf("expected idle after submission")
	}
}

func TestResetAnswersReturnsToFirstQuestion(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, newFakeRemote(twoQuestionAttempt(time.Hour)))
	mustStart(t, h)
	mustAnswer(t, h.session, 1, []int{1})
	if err := h.session.GoToNext(); err != nil {
		t.Fatalf("next: %v", err)
	}

	if err := h.session.ResetAnswers(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	view := h.session.View()
	if view.Index != 0 || len(h.session.Answers()) != 0 {
		t.Fatalf("expected cleared answers at index 0, got %+v", view)
	}
	if snap := h.snapshots.Load(ctx); snap == nil || snap.CurrentIndex != 0 || len(snap.Answers) != 0 {
		t.Fatalf("expected reset persisted, got %+v", snap)
	}
}

func TestExpiryAutoSubmitsPartialAnswers(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote(twoQuestionAttempt(80 * time.Millisecond))
	h := newHarness(t, remote, func(o *app.Options) { o.TickInterval = 10 * time.Millisecond })
	events, cancel := h.session.Subscribe()
	defer cancel()

	mustStart(t, h)
	mustAnswer(t, h.session, 1, []int{0})

	ev := waitFor(t, events, domain.EventSubmitted)
	if ev.Result == nil || !ev.Result.Auto {
		t.Fatalf("expected automatic result, got %+v", ev)
	}
	want := []domain.Answer{{QuestionID: 1, SelectedIndexes: []int{0}}}
	if got := remote.lastSubmitted(); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected submitted answers %+v", got)
	}
	if h.session.View().Active {
		t.Fatalf("expected idle after expiry")
	}
	if h.snapshots.Load(ctx) != nil {
		t.Fatalf("expected snapshot erased")
	}
}

func TestExpiryRetriesFailedSubmission(t *testing.T) {
	remote := newFakeRemote(twoQuestionAttempt(30 * time.Millisecond))
	remote.submitErrs = []error{
		&domain.RemoteError{Op: "submit attempt", Detail: "timeout"},
		&domain.RemoteError{Op: "submit attempt", Detail: "timeout"},
	}
	h := newHarness(t, remote, func(o *app.Options) {
		o.TickInterval = 10 * time.Millisecond
		o.AutoSubmitRetries = 3
		o.RetryDelay = 5 * time.Millisecond
	})
	events, cancel := h.session.Subscribe()
	defer cancel()
	mustStart(t, h)

	waitFor(t, events, domain.EventSubmitted)
	if remote.submitCount() != 3 {
		t.Fatalf("expected two failures then success, got %d calls", remote.submitCount())
	}
}

func TestExpiryGivesUpAndReports(t *testing.T) {
	remote := newFakeRemote(twoQuestionAttempt(30 * time.Millisecond))
	remote.submitErrs = []error{
		&domain.RemoteError{Op: "submit attempt", StatusCode: 400, Detail: "Attempt time expired", Kind: domain.ErrAttemptClosed},
	}
	h := newHarness(t, remote, func(o *app.Options) {
		o.TickInterval = 10 * time.Millisecond
		o.AutoSubmitRetries = 5
		o.RetryDelay = 5 * time.Millisecond
	})
	events, cancel := h.session.Subscribe()
	defer cancel()
	mustStart(t, h)

	ev := waitFor(t, events, domain.EventSubmitFailed)
	if ev.Error == "" {
		t.Fatalf("expected failure detail")
	}
	if remote.submitCount() != 1 {
		t.Fatalf("expected no retry for a closed attempt, got %d calls", remote.submitCount())
	}
	if !h.session.View().Active {
		t.Fatalf("expected attempt kept for manual discard")
	}
}

func TestDiscardKeepsIdentity(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, newFakeRemote(twoQuestionAttempt(time.Hour)))
	mustLogin(t, h.session, alice)
	mustStart(t, h)

	h.session.Discard()
	if h.session.View().Active || h.snapshots.Load(ctx) != nil {
		t.Fatalf("expected attempt discarded")
	}
	if h.identity.Load(ctx) == nil {
		t.Fatalf("expected identity kept")
	}

	mustStart(t, h)
	h.session.Logout()
	if h.identity.Load(ctx) != nil || h.snapshots.Load(ctx) != nil {
		t.Fatalf("expected logout to clear everything")
	}
}

func TestResumeRestoresSnapshot(t *testing.T) {
	ctx := context.Background()
	clock := fixedClock(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))
	attempt := domain.Attempt{
		ID:       42,
		Number:   2,
		Deadline: clock().Add(20 * time.Minute),
		Questions: []domain.Question{
			{ID: 1, Topic: "Basics", Text: "First?", Options: []string{"a", "b"}},
			{ID: 2, Topic: "Basics", Text: "Second?", Options: []string{"a", "b", "c"}, Multiple: true},
		},
	}
	remote := newFakeRemote(attempt)
	remote.status = domain.AttemptStatus{AttemptsLeft: 1, Attempts: []domain.AttemptRecord{{ID: 41}, {ID: 42}}}
	h := newHarness(t, remote, func(o *app.Options) { o.Now = clock })
	saved := domain.Snapshot{
		UserID:       alice.ID,
		Attempt:      &attempt,
		Answers:      domain.AnswerSet{1: {1}, 2: {0, 2}},
		CurrentIndex: 1,
	}
	if err := h.snapshots.Save(ctx, &saved); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}

	resumed, err := h.session.Resume(ctx, alice)
	if err != nil || !resumed {
		t.Fatalf("expected resume, got %v %v", resumed, err)
	}
	view := h.session.View()
	if view.AttemptID != 42 || view.AttemptNumber != 2 || view.Index != 1 || view.Remaining != "00:20:00" {
		t.Fatalf("unexpected view %+v", view)
	}
	if !reflect.DeepEqual(h.session.Answers(), saved.Answers) {
		t.Fatalf("unexpected answers %+v", h.session.Answers())
	}
	again := h.snapshots.Load(ctx)
	if again == nil || !reflect.DeepEqual(*again, saved) {
		t.Fatalf("expected snapshot unchanged by resume, got %+v", again)
	}
	if u, _ := h.session.User(); u.AttemptsLeft != 1 {
		t.Fatalf("expected attempts left refreshed, got %+v", u)
	}
}

func TestResumeGates(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	attempt := domain.Attempt{
		ID:        42,
		Number:    1,
		Deadline:  now.Add(10 * time.Minute),
		Questions: []domain.Question{{ID: 1, Text: "?", Options: []string{"a", "b"}}},
	}
	expired := attempt
	expired.Deadline = now.Add(-time.Second)
	empty := attempt
	empty.Questions = nil
	known := domain.AttemptStatus{AttemptsLeft: 2, Attempts: []domain.AttemptRecord{{ID: 42}}}

	cases := []struct {
		name         string
		snap         domain.Snapshot
		status       domain.AttemptStatus
		statusErr    error
		wantErr      error
		wantUser     bool
		wantStatusQs int
	}{
		{name: "owner mismatch", snap: domain.Snapshot{UserID: 2, Attempt: &attempt}, status: known, wantUser: true},
		{name: "missing attempt", snap: domain.Snapshot{UserID: 1}, status: known, wantUser: true},
		{name: "no questions", snap: domain.Snapshot{UserID: 1, Attempt: &empty}, status: known, wantUser: true},
		{name: "expired", snap: domain.Snapshot{UserID: 1, Attempt: &expired}, status: known, wantUser: true},
		{name: "answer out of range", snap: domain.Snapshot{UserID: 1, Attempt: &attempt, Answers: domain.AnswerSet{1: {5}}}, status: known, wantUser: true},
		{name: "several options on single choice", snap: domain.Snapshot{UserID: 1, Attempt: &attempt, Answers: domain.AnswerSet{1: {0, 1}}}, status: known, wantUser: true},
		{name: "answer to unknown question", snap: domain.Snapshot{UserID: 1, Attempt: &attempt, Answers: domain.AnswerSet{9: {0}}}, status: known, wantUser: true},
		{
			name:         "user gone",
			snap:         domain.Snapshot{UserID: 1, Attempt: &attempt},
			statusErr:    &domain.RemoteError{Op: "attempt status", StatusCode: 404, Detail: "User not found", Kind: domain.ErrUserNotFound},
			wantErr:      domain.ErrUserNotFound,
			wantStatusQs: 1,
		},
		{
			name:         "network down",
			snap:         domain.Snapshot{UserID: 1, Attempt: &attempt},
			statusErr:    &domain.RemoteError{Op: "attempt status", Detail: "dial tcp: refused"},
			wantErr:      domain.ErrRemoteUnavailable,
			wantStatusQs: 1,
		},
		{
			name:         "attempt invalidated",
			snap:         domain.Snapshot{UserID: 1, Attempt: &attempt},
			status:       domain.AttemptStatus{AttemptsLeft: 2, Attempts: []domain.AttemptRecord{{ID: 7}}},
			wantErr:      domain.ErrAttemptInvalidated,
			wantStatusQs: 1,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			remote := newFakeRemote(attempt)
			remote.status = tc.status
			remote.statusErr = tc.statusErr
			h := newHarness(t, remote, func(o *app.Options) { o.Now = fixedClock(now) })
			mustLogin(t, h.session, alice)
			snap := tc.snap
			if err := h.snapshots.Save(ctx, &snap); err != nil {
				t.Fatalf("save snapshot: %v", err)
			}

			resumed, err := h.session.Resume(ctx, alice)
			if resumed {
				t.Fatalf("expected resume to be refused")
			}
			if tc.wantErr == nil && err != nil {
				t.Fatalf("expected silent discard, got %v", err)
			}
			if tc.wantErr != nil && (!errors.Is(err, tc.wantErr) || !domain.IsAuth(err)) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
			if h.snapshots.Load(ctx) != nil {
				t.Fatalf("expected snapshot cleared")
			}
			if _, ok := h.session.User(); ok != tc.wantUser {
				t.Fatalf("expected user present=%v", tc.wantUser)
			}
			if (h.identity.Load(ctx) != nil) != tc.wantUser {
				t.Fatalf("expected stored identity present=%v", tc.wantUser)
			}
			if remote.statusCount() != tc.wantStatusQs {
				t.Fatalf("expected %d status queries, got %d", tc.wantStatusQs, remote.statusCount())
			}
			if h.session.View().Remaining != app.Unarmed {
				t.Fatalf("expected countdown unarmed")
			}
		})
	}
}

func TestBootstrapAfterReloadResumes(t *testing.T) {
	ctx := context.Background()
	bank := memory.NewBankRepository(memory.NewStaticBankLoader(map[string]memory.Bank{"qa": {
		Name: "QA",
		Questions: []memory.BankQuestion{
			{ID: 1, Text: "First?", Options: []string{"a", "b"}, CorrectIndex: 0},
			{ID: 2, Text: "Second?", Options: []string{"a", "b"}, CorrectIndex: 1},
		},
	}}), time.Minute)
	service := memory.NewAttemptService(bank, memory.AttemptServiceOptions{BankName: "qa", AttemptLimit: 3})
	user := service.RegisterUser("alice")
	profile := memory.NewProfileStore()

	first := newSessionOn(profile, service)
	if err := first.Login(user); err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := first.Start(ctx, user); err != nil {
		t.Fatalf("start: %v", err)
	}
	mustAnswer(t, first, 1, []int{0})
	if err := first.GoToNext(); err != nil {
		t.Fatalf("next: %v", err)
	}
	first.Close()

	second := newSessionOn(profile, service)
	defer second.Close()
	resumed, err := second.Bootstrap(ctx)
	if err != nil || !resumed {
		t.Fatalf("expected bootstrap to resume, got %v %v", resumed, err)
	}
	view := second.View()
	if !view.Active || view.Index != 1 || view.Question == nil || view.Question.ID != 2 {
		t.Fatalf("unexpected view after reload %+v", view)
	}
	if got := second.Selection(1); !reflect.DeepEqual(got, []int{0}) {
		t.Fatalf("expected saved selection, got %v", got)
	}
}

func TestRefreshStatusUpdatesAttemptsLeft(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote(twoQuestionAttempt(time.Hour))
	remote.status = domain.AttemptStatus{AttemptsLeft: 0}
	h := newHarness(t, remote)
	if _, err := h.session.RefreshStatus(ctx); !errors.Is(err, domain.ErrNotAuthenticated) {
		t.Fatalf("expected not authenticated, got %v", err)
	}
	mustLogin(t, h.session, alice)

	if _, err := h.session.RefreshStatus(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if h.session.View().CanStart {
		t.Fatalf("expected start disabled with no attempts left")
	}
	if u := h.identity.Load(ctx); u == nil || u.AttemptsLeft != 0 {
		t.Fatalf("expected persisted attempts left, got %+v", u)
	}
}

type harness struct {
	session   *app.Session
	profile   *memory.ProfileStore
	snapshots *app.SnapshotStore
	identity  *app.IdentityStore
}

func newHarness(t *testing.T, remote app.RemoteAttemptService, opts ...func(*app.Options)) *harness {
	t.Helper()
	profile := memory.NewProfileStore()
	log := zerolog.Nop()
	o := app.Options{Logger: log, RetryDelay: 10 * time.Millisecond}
	for _, fn := range opts {
		fn(&o)
	}
	h := &harness{
		profile:   profile,
		snapshots: app.NewSnapshotStore(profile, time.Second, log),
		identity:  app.NewIdentityStore(profile, time.Second, log),
	}
	h.session = app.NewSession(remote, h.snapshots, h.identity, o)
	t.Cleanup(h.session.Close)
	return h
}

func newSessionOn(profile app.ProfileStore, remote app.RemoteAttemptService) *app.Session {
	log := zerolog.Nop()
	return app.NewSession(remote,
		app.NewSnapshotStore(profile, time.Second, log),
		app.NewIdentityStore(profile, time.Second, log),
		app.Options{Logger: log})
}

func mustLogin(t *testing.T, s *app.Session, user domain.User) {
	t.Helper()
	if err := s.Login(user); err != nil {
		t.Fatalf("login: %v", err)
	}
}

func mustAnswer(t *testing.T, s *app.Session, questionID int64, selected []int) {
	t.Helper()
	if err := s.Answer(questionID, selected); err != nil {
		t.Fatalf("answer %d %v: %v", questionID, selected, err)
	}
}

// mustStart signs alice in when needed and opens the attempt.
func mustStart(t *testing.T, h *harness) {
	t.Helper()
	if _, ok := h.session.User(); !ok {
		mustLogin(t, h.session, alice)
	}
	if _, err := h.session.Start(context.Background(), alice); err != nil {
		t.Fatalf("start: %v", err)
	}
}

func waitFor(t *testing.T, events <-chan domain.SessionEvent, want domain.EventType) domain.SessionEvent {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("events closed before %s", want)
			}
			if ev.Type == want {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

// twoQuestionAttempt builds a single-choice question followed by a
// multiple-choice one, with the deadline measured from the wall clock.
func twoQuestionAttempt(ttl time.Duration) domain.Attempt {
	return domain.Attempt{
		ID:       10,
		Number:   1,
		Deadline: time.Now().Add(ttl),
		Questions: []domain.Question{
			{ID: 1, Topic: "Basics", Text: "Pick one", Options: []string{"a", "b", "c"}},
			{ID: 2, Topic: "Basics", Text: "Pick many", Options: []string{"a", "b", "c"}, Multiple: true},
		},
	}
}

type fakeRemote struct {
	mu          sync.Mutex
	attempt     domain.Attempt
	startErr    error
	status      domain.AttemptStatus
	statusErr   error
	statusCalls int
	result      domain.SubmitResult
	submitErrs  []error
	submits     [][]domain.Answer
	block       chan struct{}
	entered     chan struct{}

	startBlock   chan struct{}
	startEntered chan struct{}
}

func newFakeRemote(attempt domain.Attempt) *fakeRemote {
	return &fakeRemote{
		attempt: attempt,
		result:  domain.SubmitResult{Score: 1, Total: len(attempt.Questions), AttemptsLeft: 2},
	}
}

func (f *fakeRemote) StartAttempt(ctx context.Context, _ int64) (domain.Attempt, error) {
	f.mu.Lock()
	attempt, err := f.attempt, f.startErr
	block, entered := f.startBlock, f.startEntered
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return domain.Attempt{}, ctx.Err()
		}
	}
	if err != nil {
		return domain.Attempt{}, err
	}
	return attempt, nil
}

func (f *fakeRemote) GetStatus(_ context.Context, _ int64) (domain.AttemptStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	return f.status, f.statusErr
}

func (f *fakeRemote) Submit(ctx context.Context, _, _ int64, answers []domain.Answer) (domain.SubmitResult, error) {
	f.mu.Lock()
	f.submits = append(f.submits, answers)
	block, entered := f.block, f.entered
	var err error
	if len(f.submitErrs) > 0 {
		err = f.submitErrs[0]
		f.submitErrs = f.submitErrs[1:]
	}
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return domain.SubmitResult{}, ctx.Err()
		}
	}
	if err != nil {
		return domain.SubmitResult{}, err
	}
	return f.result, nil
}

func (f *fakeRemote) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submits)
}

func (f *fakeRemote) statusCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls
}

func (f *fakeRemote) lastSubmitted() []domain.Answer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.submits) == 0 {
		return nil
	}
	return f.submits[len(f.submits)-1]
}
