package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"github.com/wesm/mailmirror/internal/tui"
)

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Browse mail in an interactive terminal UI",
	Long: `Open an interactive terminal UI over the mirror of the active account.

The mirror refreshes in the background while the UI is open; refreshes
slow down while the terminal is unfocused.

Navigation:
  ↑/k, ↓/j      Move up/down
  PgUp/PgDn     Page up/down
  Enter         Open message
  Esc           Go back / clear search
  Tab           Next category
  /             Search (from:, subject:, is:unread, label:...)
  s             Sort by date or priority

Actions:
  r             Toggle read
  *             Toggle star
  d             Trash / restore
  e             Archive / unarchive
  R             Refresh now
  a             Switch account
  q             Quit

Logs are written to tui.log in the mailmirror home directory.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Log lines on stderr would corrupt the screen.
		logPath := filepath.Join(cfg.HomeDir, "tui.log")
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		logger = newLogger(f, verbose, true)
		slog.SetDefault(logger)

		ctx := cmd.Context()
		a, _, cleanup, err := openApp(ctx, false)
		if err != nil {
			return err
		}
		defer cleanup()

		changes, stopWatch := a.Watch()
		defer stopWatch()
		model := tui.New(a, tui.Options{Version: Version, Changes: changes, Logger: logger})
		p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithReportFocus(), tea.WithContext(ctx))
		if _, err := p.Run(); err != nil {
			return fmt.Errorf("run tui: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tuiCmd)
}
