package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/wesm/mailmirror/internal/category"
	"github.com/wesm/mailmirror/internal/mutation"
	"github.com/wesm/mailmirror/internal/remote"
)

var (
	markAccount string
	showAccount string
)

func operationNames() string {
	names := make([]string, len(remote.Operations))
	for i, op := range remote.Operations {
		names[i] = string(op)
	}
	return strings.Join(names, ", ")
}

var markCmd = &cobra.Command{
	Use:   "mark <id> <operation>",
	Short: "Apply an operation to a message",
	Long: `Apply an operation to a mirrored message and confirm it with the provider.

The change is made locally first. If the provider rejects it, the message is
restored and the command fails.

Operations: ` + operationNames() + `
(kebab-case like mark-read is accepted too)

Examples:
  mailmirror mark 18c2f0a1b2c3d4e5 mark-read
  mailmirror mark 'INBOX|4211' archive --account you@example.com`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		op, err := remote.ParseOperation(args[1])
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		a, _, cleanup, err := openApp(ctx, true)
		if err != nil {
			return err
		}
		defer cleanup()

		p, err := a.Mutate(ctx, markAccount, args[0], op)
		if err != nil {
			return syncError(markAccount, err)
		}
		res, err := p.Wait(ctx)
		if err != nil {
			return err
		}

		switch res.State {
		case mutation.StateSynced:
			fmt.Printf("%s: %s\n", args[0], op)
		case mutation.StateLocalOnly:
			fmt.Printf("%s: %s (local only, message not yet on the provider)\n", args[0], op)
		case mutation.StateSuperseded:
			fmt.Printf("%s: %s (superseded by a later change)\n", args[0], op)
		case mutation.StateRolledBack:
			return fmt.Errorf("%s rejected, message restored: %w", op, syncError(markAccount, res.Err))
		default:
			fmt.Printf("%s: %s (%s)\n", args[0], op, res.State)
		}
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a mirrored message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, _, cleanup, err := openApp(ctx, true)
		if err != nil {
			return err
		}
		defer cleanup()

		it, err := a.Item(showAccount, args[0])
		if err != nil {
			return syncError(showAccount, err)
		}

		fmt.Printf("From:       %s <%s>\n", it.Sender.Name, it.Sender.Address)
		if len(it.Recipients) > 0 {
			fmt.Printf("To:         %s\n", strings.Join(it.Recipients, ", "))
		}
		fmt.Printf("Date:       %s\n", it.Timestamp.Local().Format("Mon, 02 Jan 2006 15:04:05 MST"))
		fmt.Printf("Subject:    %s\n", it.Subject)
		fmt.Printf("Categories: %s\n", strings.Join(category.Categorize(it).Strings(), ", "))
		if len(it.Labels) > 0 {
			fmt.Printf("Labels:     %s\n", strings.Join(it.Labels, ", "))
		}
		fmt.Printf("Priority:   %s\n", it.Priority)
		if it.SuggestedAction != "" {
			fmt.Printf("Suggested:  %s\n", it.SuggestedAction)
		}
		fmt.Printf("Sync:       %s\n", it.SyncStatus)
		fmt.Println()
		fmt.Println(it.Content)
		return nil
	},
}

func init() {
	markCmd.Flags().StringVar(&markAccount, "account", "", "account email (default: the active account)")
	showCmd.Flags().StringVar(&showAccount, "account", "", "account email (default: the active account)")
	rootCmd.AddCommand(markCmd)
	rootCmd.AddCommand(showCmd)
}
