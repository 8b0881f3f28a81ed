package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"quiz-attempt-client/internal/domain"
)

// NewLoginCmd stores the identity handed over by the sign-in flow.
func NewLoginCmd(configPath *string) *cobra.Command {
	var (
		userID       int64
		name         string
		attemptsLeft int
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Remember the signed-in user in the local profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(cmd.Context(), *configPath, offline)
			if err != nil {
				return err
			}
			defer rt.Close()

			user := domain.User{ID: userID, Username: name, AttemptsLeft: attemptsLeft}
			if err := rt.session.Login(user); err != nil {
				return err
			}
			rt.log.Info().Int64("user_id", userID).Str("username", name).Msg("Logged in")
			fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s\n", displayName(user))
			return nil
		},
	}
	cmd.Flags().Int64Var(&userID, "user-id", 0, "user identifier issued by the quiz runner")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().IntVar(&attemptsLeft, "attempts-left", 0, "attempts remaining, refreshed by status")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}

// NewLogoutCmd forgets the user and any saved attempt.
func NewLogoutCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the user and any saved attempt",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(cmd.Context(), *configPath, offline)
			if err != nil {
				return err
			}
			defer rt.Close()

			rt.session.Logout()
			if p, ok := rt.profile.(purger); ok {
				if err := p.Purge(cmd.Context()); err != nil {
					return fmt.Errorf("purge profile: %w", err)
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Signed out")
			return nil
		},
	}
}

// NewStatusCmd refreshes and prints the attempt count.
func NewStatusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show attempts used and remaining",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := setup(ctx, *configPath, offline)
			if err != nil {
				return err
			}
			defer rt.Close()

			user := rt.identity.Load(ctx)
			if user == nil {
				return domain.ErrNotAuthenticated
			}
			if err := rt.session.Login(*user); err != nil {
				return err
			}
			status, err := rt.session.RefreshStatus(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			info, err := rt.remote.QuizInfo(ctx)
			if err != nil {
				rt.log.Warn().Err(err).Msg("Quiz info unavailable")
			} else {
				fmt.Fprintf(out, "%s (%d attempts, %d minutes each)\n", info.Name, info.AttemptLimit, info.AttemptMinutes)
			}
			fmt.Fprintf(out, "%s: %s\n", displayName(*user), attemptsLeftText(status.AttemptsLeft, status.IsLector))
			for _, a := range status.Attempts {
				state := "open"
				if a.FinishedAt != nil {
					state = "finished " + *a.FinishedAt
				}
				line := fmt.Sprintf("  #%d (id %d) %s", a.AttemptNumber, a.ID, state)
				if a.Score != nil && a.TotalQuestions != nil {
					line += fmt.Sprintf(" score %d/%d", *a.Score, *a.TotalQuestions)
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
}

// NewDiscardCmd drops a saved attempt without submitting it.
func NewDiscardCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "discard",
		Short: "Drop the saved attempt without submitting",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(cmd.Context(), *configPath, offline)
			if err != nil {
				return err
			}
			defer rt.Close()

			rt.session.Discard()
			fmt.Fprintln(cmd.OutOrStdout(), "Saved attempt discarded")
			return nil
		},
	}
}

func displayName(u domain.User) string {
	if u.Username != "" {
		return u.Username
	}
	return fmt.Sprintf("user %d", u.ID)
}

func attemptsLeftText(left int, lector bool) string {
	if lector {
		return "unlimited attempts"
	}
	return fmt.Sprintf("%d attempt(s) left", left)
}
