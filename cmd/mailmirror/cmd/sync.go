package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/wesm/mailmirror/internal/app"
	"github.com/wesm/mailmirror/internal/remote"
	"github.com/wesm/mailmirror/internal/scheduler"
)

var syncIncremental bool

var syncCmd = &cobra.Command{
	Use:   "sync [email]",
	Short: "Fetch mail into the local mirror",
	Long: `Fetch mail for one account, or every account when no email is given.

By default every category is re-fetched (full sync). With --incremental
only mail newer than the last sync is fetched for the active account.

Examples:
  mailmirror sync                          # Full sync of all accounts
  mailmirror sync you@gmail.com            # Full sync of one account
  mailmirror sync --incremental            # Refresh the active account`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, _, cleanup, err := openApp(ctx, true)
		if err != nil {
			return err
		}
		defer cleanup()

		if syncIncremental {
			if len(args) == 1 {
				if err := a.SwitchAccount(ctx, args[0]); err != nil {
					return err
				}
			}
			start := time.Now()
			if err := a.Refresh(ctx); err != nil {
				return syncError(a.Active(), err)
			}
			fmt.Printf("Refreshed %s in %s\n", a.Active(), time.Since(start).Round(time.Millisecond))
			return nil
		}

		var emails []string
		if len(args) == 1 {
			emails = []string{args[0]}
		} else {
			for _, acct := range a.Accounts() {
				emails = append(emails, acct.Email)
			}
		}
		if len(emails) == 0 {
			fmt.Println("No accounts found. Use 'mailmirror add-account <email>' to add one.")
			return nil
		}

		var failed []string
		for _, email := range emails {
			if err := ctx.Err(); err != nil {
				return err
			}
			fmt.Printf("Syncing %s...\n", email)
			summary, err := a.FullSync(ctx, email)
			if err != nil {
				fmt.Printf("  Error: %v\n", syncError(email, err))
				failed = append(failed, email)
				continue
			}
			fmt.Printf("  Found %d, added %d, updated %d, enriched %d (%d total) in %s\n",
				summary.Found, summary.Added, summary.Updated, summary.Enriched, summary.Total,
				summary.Duration.Round(time.Millisecond))
		}
		if len(failed) > 0 {
			return fmt.Errorf("%d of %d account(s) failed to sync", len(failed), len(emails))
		}
		return nil
	},
}

// syncError adds a hint to errors a user can act on.
func syncError(email string, err error) error {
	switch {
	case errors.Is(err, app.ErrUnknownAccount):
		return fmt.Errorf("%w (see 'mailmirror accounts')", err)
	case errors.Is(err, scheduler.ErrTooSoon), errors.Is(err, scheduler.ErrTickInFlight):
		return fmt.Errorf("refresh skipped: %w", err)
	case remote.KindOf(err) == remote.KindAuthRequired:
		return fmt.Errorf("%w\n\nSign in again with: mailmirror add-account %s", err, email)
	}
	return err
}

func init() {
	syncCmd.Flags().BoolVar(&syncIncremental, "incremental", false, "only fetch mail newer than the last sync")
	rootCmd.AddCommand(syncCmd)
}
