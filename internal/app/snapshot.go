package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"quiz-attempt-client/internal/domain"
)

// snapshotRecord is the stored layout under ActiveAttemptKey.
type snapshotRecord struct {
	Attempt      *attemptRecord    `json:"attempt"`
	Questions    []domain.Question `json:"questions" validate:"omitempty,dive"`
	Answers      map[string][]int  `json:"answers" validate:"omitempty,dive,dive,gte=0"`
	CurrentIndex int               `json:"currentIndex" validate:"gte=0"`
	UserID       int64             `json:"userId"`
}

type attemptRecord struct {
	AttemptID     int64  `json:"attemptId" validate:"gt=0"`
	AttemptNumber int    `json:"attemptNumber" validate:"gte=0"`
	Deadline      string `json:"deadline,omitempty"`
}

// EncodeSnapshot renders a snapshot as structured text.
func EncodeSnapshot(snap domain.Snapshot) ([]byte, error) {
	rec := snapshotRecord{
		Answers:      make(map[string][]int, len(snap.Answers)),
		CurrentIndex: snap.CurrentIndex,
		UserID:       snap.UserID,
	}
	if snap.Attempt != nil {
		rec.Attempt = &attemptRecord{
			AttemptID:     snap.Attempt.ID,
			AttemptNumber: snap.Attempt.Number,
		}
		if !snap.Attempt.Deadline.IsZero() {
			rec.Attempt.Deadline = snap.Attempt.Deadline.UTC().Format(time.RFC3339Nano)
		}
		rec.Questions = snap.Attempt.Questions
	}
	for qid, selected := range snap.Answers {
		if len(selected) == 0 {
			continue
		}
		rec.Answers[strconv.FormatInt(qid, 10)] = selected
	}
	return json.Marshal(rec)
}

// DecodeSnapshot parses structured text produced by EncodeSnapshot. Structural
// and schema faults are errors; missing attempt fields are not, they are left
// for the resume gates to judge.
func DecodeSnapshot(data []byte) (domain.Snapshot, error) {
	var rec snapshotRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return domain.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if err := validate.Struct(rec); err != nil {
		return domain.Snapshot{}, fmt.Errorf("validate snapshot: %w", err)
	}

	snap := domain.Snapshot{
		UserID:       rec.UserID,
		Answers:      make(domain.AnswerSet, len(rec.Answers)),
		CurrentIndex: rec.CurrentIndex,
	}
	for key, selected := range rec.Answers {
		qid, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return domain.Snapshot{}, fmt.Errorf("decode snapshot answer key %q: %w", key, err)
		}
		snap.Answers.Set(qid, selected)
	}
	if rec.Attempt != nil {
		attempt := &domain.Attempt{
			ID:        rec.Attempt.AttemptID,
			Number:    rec.Attempt.AttemptNumber,
			Questions: rec.Questions,
		}
		if rec.Attempt.Deadline != "" {
			deadline, err := time.Parse(time.RFC3339Nano, rec.Attempt.Deadline)
			if err != nil {
				return domain.Snapshot{}, fmt.Errorf("decode snapshot deadline: %w", err)
			}
			attempt.Deadline = deadline
		}
		snap.Attempt = attempt
	}
	return snap, nil
}

// SnapshotStore is the single durable slot holding the in-progress attempt.
// Writes are last-writer-wins; unreadable content reads as absent.
type SnapshotStore struct {
	profile ProfileStore
	timeout time.Duration
	log     zerolog.Logger
}

func NewSnapshotStore(profile ProfileStore, timeout time.Duration, log zerolog.Logger) *SnapshotStore {
	return &SnapshotStore{
		profile: profile,
		timeout: timeout,
		log:     log.With().Str("component", "snapshot_store").Logger(),
	}
}

// Save replaces the stored snapshot; nil erases it.
func (s *SnapshotStore) Save(ctx context.Context, snap *domain.Snapshot) error {
	if snap == nil {
		return s.Clear(ctx)
	}
	data, err := EncodeSnapshot(*snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.profile.Put(ctx, ActiveAttemptKey, data); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Load returns the most recent snapshot or nil. Malformed content is erased.
func (s *SnapshotStore) Load(ctx context.Context) *domain.Snapshot {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	data, err := s.profile.Get(ctx, ActiveAttemptKey)
	if err != nil {
		if !errors.Is(err, domain.ErrEntryNotFound) {
			s.log.Warn().Err(err).Msg("Read snapshot failed")
		}
		return nil
	}
	snap, err := DecodeSnapshot(data)
	if err != nil {
		s.log.Info().Err(err).Msg("Discarding malformed snapshot")
		if err := s.profile.Delete(ctx, ActiveAttemptKey); err != nil {
			s.log.Warn().Err(err).Msg("Erase malformed snapshot failed")
		}
		return nil
	}
	return &snap
}

// Clear erases the stored snapshot.
func (s *SnapshotStore) Clear(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.profile.Delete(ctx, ActiveAttemptKey); err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}
	return nil
}

// sortedQuestionIDs gives a stable order for logs.
func sortedQuestionIDs(answers domain.AnswerSet) []int64 {
	ids := make([]int64, 0, len(answers))
	for qid := range answers {
		ids = append(ids, qid)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
