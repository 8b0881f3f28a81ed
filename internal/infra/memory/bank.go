package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
)

// ErrBankNotFound is returned by loaders that know no bank under the name.
var ErrBankNotFound = errors.New("question bank not found")

// Bank is the quiz file format: a named list of graded questions.
type Bank struct {
	Name      string         `json:"name"`
	Questions []BankQuestion `json:"questions" validate:"required,min=1,dive"`
}

// BankQuestion carries the answer key in original option order. Single-choice
// questions use CorrectIndex, multiple-choice ones CorrectIndexes.
type BankQuestion struct {
	ID             int64    `json:"id" validate:"required"`
	Topic          string   `json:"topic"`
	Text           string   `json:"text" validate:"required"`
	Options        []string `json:"options" validate:"required,min=1"`
	Multiple       bool     `json:"multiple,omitempty"`
	CorrectIndex   int      `json:"correctIndex"`
	CorrectIndexes []int    `json:"correctIndexes,omitempty"`
}

// Correct returns the answer key in original option order.
func (q BankQuestion) Correct() []int {
	if q.Multiple {
		return q.CorrectIndexes
	}
	return []int{q.CorrectIndex}
}

var validate = validator.New()

// DecodeBank reads and validates a bank.
func DecodeBank(r io.Reader) (Bank, error) {
	var bank Bank
	if err := json.NewDecoder(r).Decode(&bank); err != nil {
		return Bank{}, fmt.Errorf("decode bank: %w", err)
	}
	if err := validate.Struct(bank); err != nil {
		return Bank{}, fmt.Errorf("validate bank: %w", err)
	}
	seen := make(map[int64]struct{}, len(bank.Questions))
	for _, q := range bank.Questions {
		if _, dup := seen[q.ID]; dup {
			return Bank{}, fmt.Errorf("validate bank: duplicate question id %d", q.ID)
		}
		seen[q.ID] = struct{}{}
		for _, idx := range q.Correct() {
			if idx < 0 || idx >= len(q.Options) {
				return Bank{}, fmt.Errorf("validate bank: question %d: correct index %d out of range", q.ID, idx)
			}
		}
	}
	if bank.Name == "" {
		bank.Name = "QA Quiz"
	}
	return bank, nil
}

// FileBankLoader reads banks from JSON files; the name is the path.
type FileBankLoader struct{}

func (FileBankLoader) LoadBank(_ context.Context, name string) (Bank, error) {
	f, err := os.Open(name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Bank{}, fmt.Errorf("%w: %s", ErrBankNotFound, name)
		}
		return Bank{}, fmt.Errorf("open bank: %w", err)
	}
	defer f.Close()
	return DecodeBank(f)
}

// StaticBankLoader is a loader backed by an in-memory map (useful for tests/demos).
type StaticBankLoader struct {
	banks map[string]Bank
}

func NewStaticBankLoader(banks map[string]Bank) *StaticBankLoader {
	return &StaticBankLoader{banks: banks}
}

func (l *StaticBankLoader) LoadBank(_ context.Context, name string) (Bank, error) {
	if bank, ok := l.banks[name]; ok {
		return bank, nil
	}
	return Bank{}, ErrBankNotFound
}
