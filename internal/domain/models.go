package domain

import (
	"sort"
	"time"
)

// User is the identity as known to the client.
type User struct {
	ID           int64  `json:"userId" validate:"required,gt=0"`
	Username     string `json:"username"`
	AttemptsLeft int    `json:"attemptsLeft" validate:"gte=0"`
	IsLector     bool   `json:"isLector,omitempty"`
}

// Question is one quiz item as presented to the user. Option indexes refer to
// the presented (possibly shuffled) order.
type Question struct {
	ID       int64    `json:"id" validate:"required"`
	Topic    string   `json:"topic"`
	Text     string   `json:"text"`
	Options  []string `json:"options" validate:"required,min=1"`
	Multiple bool     `json:"multiple"`
}

// Attempt is one timed, server-issued bundle of questions.
type Attempt struct {
	ID        int64      `json:"attemptId" validate:"required,gt=0"`
	Number    int        `json:"attemptNumber" validate:"gte=1"`
	Deadline  time.Time  `json:"deadline" validate:"required"`
	Questions []Question `json:"questions" validate:"dive"`
}

// QuestionIndex returns the position of the question within the attempt.
func (a Attempt) QuestionIndex(questionID int64) (int, bool) {
	for i := range a.Questions {
		if a.Questions[i].ID == questionID {
			return i, true
		}
	}
	return -1, false
}

// Answer is the wire form of one AnswerSet entry.
type Answer struct {
	QuestionID      int64 `json:"questionId"`
	SelectedIndexes []int `json:"selectedIndexes"`
}

// AnswerSet maps question ID to the selected option indexes. An entry exists
// only while at least one option is selected.
type AnswerSet map[int64][]int

// Set stores the deduplicated selection or removes the entry when empty.
func (s AnswerSet) Set(questionID int64, selected []int) {
	normalized := NormalizeSelection(selected)
	if len(normalized) == 0 {
		delete(s, questionID)
		return
	}
	s[questionID] = normalized
}

// Has reports whether the question has at least one selection.
func (s AnswerSet) Has(questionID int64) bool {
	return len(s[questionID]) > 0
}

// Clone returns a deep copy.
func (s AnswerSet) Clone() AnswerSet {
	out := make(AnswerSet, len(s))
	for qid, selected := range s {
		out[qid] = append([]int(nil), selected...)
	}
	return out
}

// Ordered lists entries following the attempt's question order. Entries for
// questions outside the attempt are skipped.
func (s AnswerSet) Ordered(questions []Question) []Answer {
	answers := make([]Answer, 0, len(s))
	for _, q := range questions {
		if selected, ok := s[q.ID]; ok && len(selected) > 0 {
			answers = append(answers, Answer{
				QuestionID:      q.ID,
				SelectedIndexes: append([]int(nil), selected...),
			})
		}
	}
	return answers
}

// Unanswered counts questions without an entry.
func (s AnswerSet) Unanswered(questions []Question) int {
	missing := 0
	for _, q := range questions {
		if !s.Has(q.ID) {
			missing++
		}
	}
	return missing
}

// NormalizeSelection deduplicates and sorts option indexes.
func NormalizeSelection(selected []int) []int {
	if len(selected) == 0 {
		return nil
	}
	seen := make(map[int]struct{}, len(selected))
	out := make([]int, 0, len(selected))
	for _, idx := range selected {
		if _, ok := seen[idx]; ok {
			continue
		}
		seen[idx] = struct{}{}
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

// AttemptRecord is one attempt as listed by the status endpoint.
type AttemptRecord struct {
	ID             int64   `json:"id"`
	AttemptNumber  int     `json:"attempt_number"`
	StartedAt      string  `json:"started_at,omitempty"`
	FinishedAt     *string `json:"finished_at,omitempty"`
	DeadlineAt     string  `json:"deadline_at,omitempty"`
	Score          *int    `json:"score,omitempty"`
	TotalQuestions *int    `json:"total_questions,omitempty"`
}

// AttemptStatus is the server's view of a user account.
type AttemptStatus struct {
	AttemptsLeft int             `json:"attemptsLeft"`
	IsLector     bool            `json:"isLector"`
	Attempts     []AttemptRecord `json:"attempts"`
}

// Knows reports whether the server lists the attempt for this user.
func (s AttemptStatus) Knows(attemptID int64) bool {
	for _, a := range s.Attempts {
		if a.ID == attemptID {
			return true
		}
	}
	return false
}

// IncorrectAnswer explains one wrongly answered question.
type IncorrectAnswer struct {
	QuestionID int64    `json:"id,omitempty"`
	Topic      string   `json:"topic"`
	Text       string   `json:"text"`
	Correct    []string `json:"correct"`
	Selected   []string `json:"selected"`
}

// SubmitResult is the grading summary returned on submission.
type SubmitResult struct {
	Score        int               `json:"score"`
	Total        int               `json:"total"`
	AttemptsLeft int               `json:"attemptsLeft"`
	Incorrect    []IncorrectAnswer `json:"incorrect"`
	Auto         bool              `json:"auto"`
}

// QuizInfo is the public quiz configuration.
type QuizInfo struct {
	Name           string `json:"name"`
	AttemptLimit   int    `json:"attemptLimit"`
	AttemptMinutes int    `json:"attemptMinutes"`
}

// Snapshot is the durable projection of an in-progress attempt. Attempt is nil
// when the stored record carried no attempt.
type Snapshot struct {
	UserID       int64
	Attempt      *Attempt
	Answers      AnswerSet
	CurrentIndex int
}

// SessionView is the read-only projection handed to the presentation layer.
type SessionView struct {
	Authenticated bool          `json:"authenticated"`
	User          *User         `json:"user,omitempty"`
	Active        bool          `json:"active"`
	AttemptID     int64         `json:"attemptId,omitempty"`
	AttemptNumber int           `json:"attemptNumber,omitempty"`
	Index         int           `json:"index"`
	Total         int           `json:"total"`
	Question      *Question     `json:"question,omitempty"`
	Selection     []int         `json:"selection,omitempty"`
	CanAdvance    bool          `json:"canAdvance"`
	IsLast        bool          `json:"isLast"`
	CanStart      bool          `json:"canStart"`
	Submitting    bool          `json:"submitting"`
	Remaining     string        `json:"remaining"`
	LastResult    *SubmitResult `json:"lastResult,omitempty"`
}
