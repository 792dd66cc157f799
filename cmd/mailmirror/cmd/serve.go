package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/wesm/mailmirror/internal/api"
	"github.com/wesm/mailmirror/internal/lifecycle"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Keep the mirror fresh and serve it over HTTP",
	Long: `Run mailmirror as a long-running process that keeps the active account
refreshed and serves the mirror over the HTTP API.

The active account is refreshed quickly right after start and then at the
steady interval. Accounts with a full_sync_schedule are fully re-fetched on
that cron schedule:

  [[accounts]]
  email = "you@gmail.com"
  full_sync_schedule = "0 3 * * *"   # 3am daily

Host lifecycle changes are reported with POST /api/v1/events
({"kind": "background"}, {"kind": "foreground"}, {"kind": "external-update"}).

Use Ctrl+C to stop gracefully.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	// Validate security posture before doing any work
	if err := cfg.Server.ValidateSecure(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, _, cleanup, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer cleanup()

	bus := lifecycle.NewBus().WithLogger(logger)
	defer bus.Close()

	runErr := make(chan error, 1)
	go func() {
		runErr <- a.Run(ctx, bus)
	}()

	apiServer := api.NewServer(cfg, a, bus, logger)
	serverErr := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	bindAddr := cfg.Server.BindAddr
	if bindAddr == "" {
		bindAddr = "127.0.0.1"
	}
	fmt.Printf("mailmirror started\n")
	fmt.Printf("  API server: http://%s\n", net.JoinHostPort(bindAddr, strconv.Itoa(cfg.Server.APIPort)))
	fmt.Printf("  Accounts: %d (active: %s)\n", len(a.Accounts()), displayActive(a.Active()))
	fmt.Printf("  Data directory: %s\n", cfg.Data.DataDir)
	fmt.Println()
	for _, s := range a.Status().Resync {
		fmt.Printf("  %s: next full sync at %s\n", s.Account, s.NextRun.Local().Format("2006-01-02 15:04:05"))
	}
	fmt.Println("Press Ctrl+C to stop.")
	fmt.Println()

	select {
	case <-ctx.Done():
		logger.Info("shutting down", "reason", context.Cause(ctx))
		fmt.Println("\nShutting down...")
	case err := <-serverErr:
		logger.Error("API server error", "error", err)
		fmt.Printf("\nAPI server error: %v\n", err)
	case err := <-runErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("event loop stopped", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("API server shutdown error", "error", err)
	}
	cancel()

	fmt.Println("Waiting for running syncs to complete...")
	return nil
}

func displayActive(email string) string {
	if email == "" {
		return "none"
	}
	return email
}
