package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"quiz-attempt-client/internal/app"
	"quiz-attempt-client/internal/domain"
)

// NewPlayCmd runs an attempt interactively on the terminal.
func NewPlayCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "play",
		Short: "Resume the saved attempt or start a new one",
		Long: `Resume the saved attempt or start a new one.

Enter option numbers separated by commas (for example 1,3) to answer,
n to go to the next question or submit on the last one, s to submit,
r to clear every answer and go back to the first question, and q to
quit keeping the attempt for later.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(cmd.Context(), *configPath, offline)
			if err != nil {
				return err
			}
			defer rt.Close()
			return play(cmd.Context(), rt.session, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func play(ctx context.Context, session *app.Session, in io.Reader, out io.Writer) error {
	resumed, err := session.Bootstrap(ctx)
	if err != nil {
		if domain.IsAuth(err) {
			fmt.Fprintln(out, "Your session is no longer valid, please sign in again.")
		}
		return err
	}
	user, ok := session.User()
	if !ok {
		return domain.ErrNotAuthenticated
	}
	if resumed {
		fmt.Fprintln(out, "Resuming your saved attempt.")
	} else {
		if !session.View().CanStart {
			return domain.ErrAttemptLimitReached
		}
		attempt, err := session.Start(ctx, user)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Attempt %d started, %d questions.\n", attempt.Number, len(attempt.Questions))
	}

	events, cancel := session.Subscribe()
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- strings.TrimSpace(scanner.Text()):
			case <-ctx.Done():
				return
			}
		}
	}()

	render(out, session.View())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch ev.Type {
			case domain.EventExpired:
				fmt.Fprintln(out, "Time is up, submitting your answers.")
			case domain.EventSubmitted:
				if ev.Result != nil && ev.Result.Auto {
					printResult(out, *ev.Result)
					return nil
				}
			case domain.EventSubmitFailed:
				fmt.Fprintf(out, "Automatic submission failed: %s\n", ev.Error)
				fmt.Fprintln(out, "Run discard to drop the attempt.")
				return errors.New(ev.Error)
			case domain.EventReauthRequired:
				fmt.Fprintln(out, "Your session is no longer valid, please sign in again.")
				return domain.ErrReauthRequired
			}
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			done, err := handleLine(ctx, session, out, line)
			if done {
				return err
			}
			if err != nil {
				fmt.Fprintln(out, err)
				if !domain.IsValidation(err) && !errors.Is(err, domain.ErrSubmissionInFlight) {
					return err
				}
			}
			render(out, session.View())
		}
	}
}

// handleLine applies one input line. done reports that play should stop.
func handleLine(ctx context.Context, session *app.Session, out io.Writer, line string) (bool, error) {
	switch strings.ToLower(line) {
	case "":
		return false, nil
	case "q":
		fmt.Fprintln(out, "Attempt saved, run play again to continue.")
		return true, nil
	case "r":
		return false, session.ResetAnswers()
	case "n":
		res, err := session.Advance(ctx)
		if err != nil || res == nil {
			return false, err
		}
		printResult(out, *res)
		return true, nil
	case "s":
		res, err := session.Submit(ctx, true)
		if err != nil {
			return false, err
		}
		printResult(out, res)
		return true, nil
	}

	view := session.View()
	if view.Question == nil {
		return false, domain.ErrNoActiveAttempt
	}
	selected, err := parseSelection(line)
	if err != nil {
		return false, err
	}
	return false, session.Answer(view.Question.ID, selected)
}

// parseSelection turns "1,3" into zero-based option indexes.
func parseSelection(line string) ([]int, error) {
	var out []int
	for _, field := range strings.FieldsFunc(line, func(r rune) bool { return r == ',' || r == ' ' }) {
		n, err := strconv.Atoi(field)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("%w: %q", domain.ErrOptionOutOfRange, field)
		}
		out = append(out, n-1)
	}
	return out, nil
}

func render(out io.Writer, view domain.SessionView) {
	if view.Question == nil {
		return
	}
	q := view.Question
	fmt.Fprintf(out, "\n[%d/%d] %s  (%s left)\n", view.Index+1, view.Total, q.Topic, view.Remaining)
	fmt.Fprintln(out, q.Text)
	selected := make(map[int]bool, len(view.Selection))
	for _, i := range view.Selection {
		selected[i] = true
	}
	for i, opt := range q.Options {
		mark := " "
		if selected[i] {
			mark = "x"
		}
		fmt.Fprintf(out, "  [%s] %d. %s\n", mark, i+1, opt)
	}
	hint := "pick one option"
	if q.Multiple {
		hint = "pick one or more options"
	}
	action := "n next"
	if view.IsLast {
		action = "n submit"
	}
	fmt.Fprintf(out, "(%s; %s, r reset, q quit)\n", hint, action)
}

func printResult(out io.Writer, res domain.SubmitResult) {
	if res.Auto {
		fmt.Fprintln(out, "Submitted automatically when time ran out.")
	}
	fmt.Fprintf(out, "Score: %d/%d\n", res.Score, res.Total)
	for _, wrong := range res.Incorrect {
		fmt.Fprintf(out, "  %s: %s\n", wrong.Topic, wrong.Text)
		fmt.Fprintf(out, "    correct: %s\n", strings.Join(wrong.Correct, ", "))
		selected := "nothing"
		if len(wrong.Selected) > 0 {
			selected = strings.Join(wrong.Selected, ", ")
		}
		fmt.Fprintf(out, "    yours:   %s\n", selected)
	}
	fmt.Fprintf(out, "Attempts left: %d\n", res.AttemptsLeft)
}
