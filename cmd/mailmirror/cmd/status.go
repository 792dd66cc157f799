package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/wesm/mailmirror/internal/filter"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the active account and its sync state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, e, cleanup, err := openApp(ctx, true)
		if err != nil {
			return err
		}
		defer cleanup()

		st := a.Status()
		if statusJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		}

		if st.Account == "" {
			fmt.Println("No active account. Use 'mailmirror add-account <email>' to add one.")
			return nil
		}
		fmt.Printf("Active account: %s\n", st.Account)
		for _, acct := range a.Accounts() {
			if acct.Email != st.Account {
				continue
			}
			if acct.LastSync != nil {
				fmt.Printf("Last sync:      %s\n", acct.LastSync.Local().Format("2006-01-02 15:04:05"))
			} else {
				fmt.Println("Last sync:      never")
			}
			if s, ok := e.sessions()[acct.Provider]; ok && !s.HasSession(acct.Email) {
				fmt.Printf("Signed in:      no (run 'mailmirror add-account %s')\n", acct.Email)
			}
		}
		if items, err := a.View(ctx, "", filter.Spec{}, filter.ByTimestamp); err == nil {
			fmt.Printf("Messages:       %d\n", len(items))
		}
		if st.NeedsReauth {
			fmt.Printf("\n%s\n", st.ReauthMessage)
		}
		for _, s := range st.Resync {
			fmt.Printf("Full sync:      %s (%s)\n", s.Schedule, s.Account)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output as JSON")
	rootCmd.AddCommand(statusCmd)
}
