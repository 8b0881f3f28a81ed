package memory

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"quiz-attempt-client/internal/domain"
)

// UnlimitedAttempts is reported as attemptsLeft for the lector account.
const UnlimitedAttempts = 1_000_000_000

// BankSource yields the question bank an attempt is drawn from.
type BankSource interface {
	GetBank(ctx context.Context, name string) (Bank, error)
}

// AttemptServiceOptions tunes the in-process attempt service.
type AttemptServiceOptions struct {
	BankName        string
	AttemptLimit    int
	AttemptDuration time.Duration
	// Lector names the account with unlimited attempts.
	Lector string
	// SubmitGrace extends the deadline for submissions so an expiry
	// submission sent right at the deadline is still graded.
	SubmitGrace time.Duration
	Now         func() time.Time
	Rand        *rand.Rand
}

// AttemptService is an in-process stand-in for the quiz runner: it keeps a
// user registry, issues timed attempts with shuffled options and grades
// submissions against the bank.
type AttemptService struct {
	bank     BankSource
	bankName string
	limit    int
	duration time.Duration
	lector   string
	grace    time.Duration
	now      func() time.Time

	mu          sync.Mutex
	rnd         *rand.Rand
	users       map[int64]*userEntry
	attempts    map[int64]*attemptEntry
	nextUser    int64
	nextAttempt int64
}

type userEntry struct {
	id       int64
	username string
	attempts []int64
}

type attemptEntry struct {
	id         int64
	userID     int64
	number     int
	startedAt  time.Time
	deadline   time.Time
	mapping    map[int64][]int
	finishedAt *time.Time
	score      int
	total      int
}

func NewAttemptService(bank BankSource, opts AttemptServiceOptions) *AttemptService {
	if opts.AttemptLimit <= 0 {
		opts.AttemptLimit = 3
	}
	if opts.AttemptDuration <= 0 {
		opts.AttemptDuration = time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &AttemptService{
		bank:     bank,
		bankName: opts.BankName,
		limit:    opts.AttemptLimit,
		duration: opts.AttemptDuration,
		lector:   strings.ToLower(strings.TrimSpace(opts.Lector)),
		grace:    opts.SubmitGrace,
		now:      opts.Now,
		rnd:      opts.Rand,
		users:    make(map[int64]*userEntry),
		attempts: make(map[int64]*attemptEntry),
	}
}

// RegisterUser adds a user under the next free identifier.
func (s *AttemptService) RegisterUser(username string) domain.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextUser++
	for s.users[s.nextUser] != nil {
		s.nextUser++
	}
	u := &userEntry{id: s.nextUser, username: username}
	s.users[u.id] = u
	return s.userLocked(u)
}

// EnsureUser registers the user under a fixed identifier unless already known.
func (s *AttemptService) EnsureUser(id int64, username string) domain.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		u = &userEntry{id: id, username: username}
		s.users[id] = u
	}
	return s.userLocked(u)
}

// RemoveUser forgets a user, as after an account reset.
func (s *AttemptService) RemoveUser(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, id)
}

// ForgetAttempt drops an attempt from the registry, as after server-side
// invalidation.
func (s *AttemptService) ForgetAttempt(attemptID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[attemptID]
	if !ok {
		return
	}
	delete(s.attempts, attemptID)
	if u, ok := s.users[a.userID]; ok {
		for i, id := range u.attempts {
			if id == attemptID {
				u.attempts = append(u.attempts[:i], u.attempts[i+1:]...)
				break
			}
		}
	}
}

func (s *AttemptService) StartAttempt(ctx context.Context, userID int64) (domain.Attempt, error) {
	bank, err := s.bank.GetBank(ctx, s.bankName)
	if err != nil {
		return domain.Attempt{}, &domain.RemoteError{
			Op:         "start attempt",
			StatusCode: http.StatusInternalServerError,
			Detail:     err.Error(),
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return domain.Attempt{}, userNotFound("start attempt")
	}
	if !s.isLector(u) && len(u.attempts) >= s.limit {
		return domain.Attempt{}, &domain.RemoteError{
			Op:         "start attempt",
			StatusCode: http.StatusForbidden,
			Detail:     "Attempt limit reached",
			Kind:       domain.ErrAttemptLimitReached,
		}
	}

	now := s.now().UTC()
	s.nextAttempt++
	entry := &attemptEntry{
		id:        s.nextAttempt,
		userID:    userID,
		number:    len(u.attempts) + 1,
		startedAt: now,
		deadline:  now.Add(s.duration),
		mapping:   make(map[int64][]int, len(bank.Questions)),
	}
	questions := make([]domain.Question, 0, len(bank.Questions))
	for _, q := range bank.Questions {
		order := s.rnd.Perm(len(q.Options))
		entry.mapping[q.ID] = order
		options := make([]string, len(order))
		for presented, original := range order {
			options[presented] = q.Options[original]
		}
		questions = append(questions, domain.Question{
			ID:       q.ID,
			Topic:    q.Topic,
			Text:     q.Text,
			Options:  options,
			Multiple: q.Multiple,
		})
	}
	s.attempts[entry.id] = entry
	u.attempts = append(u.attempts, entry.id)

	return domain.Attempt{
		ID:        entry.id,
		Number:    entry.number,
		Deadline:  entry.deadline,
		Questions: questions,
	}, nil
}

func (s *AttemptService) GetStatus(_ context.Context, userID int64) (domain.AttemptStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return domain.AttemptStatus{}, userNotFound("attempt status")
	}
	records := make([]domain.AttemptRecord, 0, len(u.attempts))
	for _, id := range u.attempts {
		a := s.attempts[id]
		rec := domain.AttemptRecord{
			ID:            a.id,
			AttemptNumber: a.number,
			StartedAt:     a.startedAt.Format(time.RFC3339Nano),
			DeadlineAt:    a.deadline.Format(time.RFC3339Nano),
		}
		if a.finishedAt != nil {
			finished := a.finishedAt.Format(time.RFC3339Nano)
			score, total := a.score, a.total
			rec.FinishedAt = &finished
			rec.Score = &score
			rec.TotalQuestions = &total
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].AttemptNumber > records[j].AttemptNumber })
	return domain.AttemptStatus{
		AttemptsLeft: s.attemptsLeftLocked(u),
		IsLector:     s.isLector(u),
		Attempts:     records,
	}, nil
}

func (s *AttemptService) Submit(ctx context.Context, attemptID, userID int64, answers []domain.Answer) (domain.SubmitResult, error) {
	bank, err := s.bank.GetBank(ctx, s.bankName)
	if err != nil {
		return domain.SubmitResult{}, &domain.RemoteError{
			Op:         "submit attempt",
			StatusCode: http.StatusInternalServerError,
			Detail:     err.Error(),
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[attemptID]
	if !ok || a.userID != userID {
		return domain.SubmitResult{}, &domain.RemoteError{
			Op:         "submit attempt",
			StatusCode: http.StatusNotFound,
			Detail:     "Attempt not found",
			Kind:       domain.ErrAttemptNotFound,
		}
	}
	if a.finishedAt != nil {
		return domain.SubmitResult{}, attemptClosed("Attempt already submitted")
	}
	now := s.now().UTC()
	if now.After(a.deadline.Add(s.grace)) {
		return domain.SubmitResult{}, attemptClosed("Attempt time expired")
	}

	score, incorrect := grade(bank, a.mapping, answers)
	a.finishedAt = &now
	a.score = score
	a.total = len(bank.Questions)

	left := 0
	if u, ok := s.users[userID]; ok {
		left = s.attemptsLeftLocked(u)
	}
	return domain.SubmitResult{
		Score:        score,
		Total:        a.total,
		AttemptsLeft: left,
		Incorrect:    incorrect,
	}, nil
}

// QuizInfo reports the public quiz configuration.
func (s *AttemptService) QuizInfo(ctx context.Context) (domain.QuizInfo, error) {
	bank, err := s.bank.GetBank(ctx, s.bankName)
	if err != nil {
		return domain.QuizInfo{}, fmt.Errorf("quiz info: %w", err)
	}
	return domain.QuizInfo{
		Name:           bank.Name,
		AttemptLimit:   s.limit,
		AttemptMinutes: int(s.duration / time.Minute),
	}, nil
}

// grade maps presented indexes back to the original order and scores each
// bank question. Single choice requires exactly the one correct option;
// multiple choice requires set equality.
func grade(bank Bank, mapping map[int64][]int, answers []domain.Answer) (int, []domain.IncorrectAnswer) {
	selectedBy := make(map[int64][]int, len(answers))
	for _, a := range answers {
		selectedBy[a.QuestionID] = a.SelectedIndexes
	}

	score := 0
	var incorrect []domain.IncorrectAnswer
	for _, q := range bank.Questions {
		order, ok := mapping[q.ID]
		if !ok {
			continue
		}
		var original []int
		for _, idx := range selectedBy[q.ID] {
			if idx >= 0 && idx < len(order) {
				original = append(original, order[idx])
			}
		}
		if sameSet(original, q.Correct()) && (q.Multiple || len(original) == 1) {
			score++
			continue
		}
		incorrect = append(incorrect, domain.IncorrectAnswer{
			QuestionID: q.ID,
			Topic:      q.Topic,
			Text:       q.Text,
			Correct:    optionTexts(q, q.Correct()),
			Selected:   optionTexts(q, original),
		})
	}
	return score, incorrect
}

func sameSet(a, b []int) bool {
	set := make(map[int]struct{}, len(a))
	for _, v := range a {
		set[v] = struct{}{}
	}
	other := make(map[int]struct{}, len(b))
	for _, v := range b {
		if _, ok := set[v]; !ok {
			return false
		}
		other[v] = struct{}{}
	}
	return len(set) == len(other)
}

func optionTexts(q BankQuestion, idxs []int) []string {
	out := make([]string, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, q.Options[i])
	}
	return out
}

func (s *AttemptService) isLector(u *userEntry) bool {
	return s.lector != "" && strings.ToLower(u.username) == s.lector
}

func (s *AttemptService) attemptsLeftLocked(u *userEntry) int {
	if s.isLector(u) {
		return UnlimitedAttempts
	}
	if left := s.limit - len(u.attempts); left > 0 {
		return left
	}
	return 0
}

func (s *AttemptService) userLocked(u *userEntry) domain.User {
	return domain.User{
		ID:           u.id,
		Username:     u.username,
		AttemptsLeft: s.attemptsLeftLocked(u),
		IsLector:     s.isLector(u),
	}
}

func userNotFound(op string) error {
	return &domain.RemoteError{
		Op:         op,
		StatusCode: http.StatusNotFound,
		Detail:     "User not found",
		Kind:       domain.ErrUserNotFound,
	}
}

func attemptClosed(detail string) error {
	return &domain.RemoteError{
		Op:         "submit attempt",
		StatusCode: http.StatusBadRequest,
		Detail:     detail,
		Kind:       domain.ErrAttemptClosed,
	}
}
