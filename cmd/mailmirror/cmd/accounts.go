package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"github.com/wesm/mailmirror/internal/imap"
	"github.com/wesm/mailmirror/internal/mail"
	"github.com/wesm/mailmirror/internal/remote"
	"golang.org/x/term"
)

var (
	accountsJSON       bool
	addProvider        string
	headless           bool
	accountDisplayName string
	forceReauth        bool
	imapHost           string
	imapPort           int
	imapUsername       string
	imapNoTLS          bool
	imapSTARTTLS       bool
	removeAccountYes   bool
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "List connected accounts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, e, cleanup, err := openApp(ctx, true)
		if err != nil {
			return err
		}
		defer cleanup()

		accounts := a.Accounts()
		if len(accounts) == 0 {
			fmt.Println("No accounts found. Use 'mailmirror add-account <email>' to add one.")
			return nil
		}
		if accountsJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(accounts)
		}
		outputAccountsTable(os.Stdout, accounts, e.sessions())
		return nil
	},
}

func outputAccountsTable(out io.Writer, accounts []mail.Account, sessions map[string]remote.Sessions) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ACTIVE\tEMAIL\tPROVIDER\tSIGNED IN\tLAST SYNC")
	fmt.Fprintln(w, "──────\t─────\t────────\t─────────\t─────────")
	for _, acct := range accounts {
		active := ""
		if acct.IsActive {
			active = "*"
		}
		signedIn := "no"
		if s, ok := sessions[acct.Provider]; ok && s.HasSession(acct.Email) {
			signedIn = "yes"
		}
		last := "never"
		if acct.LastSync != nil {
			last = acct.LastSync.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", active, acct.Email, acct.Provider, signedIn, last)
	}
	w.Flush()
	fmt.Fprintf(out, "\n%d account(s)\n", len(accounts))
}

var addAccountCmd = &cobra.Command{
	Use:   "add-account <email>",
	Short: "Connect a Gmail or IMAP account",
	Long: `Connect an account and sign in.

Gmail accounts complete the OAuth2 flow in a browser (or with --headless,
a device code). If a token already exists authorization is skipped; use
--force to sign in again.

IMAP accounts need the server settings. Missing settings are asked for
interactively; the password is never accepted as a flag.

The first account added becomes the active account.

Examples:
  mailmirror add-account you@gmail.com
  mailmirror add-account you@gmail.com --force
  mailmirror add-account you@example.com --provider imap --host imap.example.com
  mailmirror add-account you@example.com --provider imap --host mail.example.com --starttls`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		email := strings.TrimSpace(args[0])
		ctx := cmd.Context()

		e, err := openEnv(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = e.Close() }()

		provider := strings.ToLower(addProvider)
		switch provider {
		case mail.ProviderGmail:
			if err := authorizeGmail(cmd, e, email); err != nil {
				return err
			}
		case mail.ProviderIMAP:
			if err := connectIMAP(cmd, e, email); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown provider %q (expected gmail or imap)", addProvider)
		}

		a, err := e.newApp(ctx, true)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		info := mail.Account{Email: email, Provider: provider, DisplayName: accountDisplayName}
		if err := a.AddAccount(ctx, info); err != nil {
			return err
		}

		fmt.Printf("\nAccount %s added.\n", email)
		fmt.Println("You can now run:")
		fmt.Printf("  mailmirror sync %s\n", email)
		return nil
	},
}

func authorizeGmail(cmd *cobra.Command, e *env, email string) error {
	if e.oauth == nil {
		return errOAuthNotConfigured()
	}
	if forceReauth {
		if err := e.oauth.DeleteToken(email); err != nil {
			return fmt.Errorf("delete existing token: %w", err)
		}
	} else if e.oauth.HasSession(email) {
		fmt.Printf("Already signed in as %s (use --force to sign in again).\n", email)
		return nil
	}
	fmt.Printf("Signing in to %s...\n", email)
	if err := e.oauth.Authorize(cmd.Context(), email, os.Stdout, headless); err != nil {
		return wrapOAuthError(fmt.Errorf("authorize: %w", err))
	}
	fmt.Println("Signed in.")
	return nil
}

// imapSettings collects the IMAP settings from flags, prompting for what is
// missing when stdin is a terminal.
func imapSettings(email string) (*imap.Config, string, error) {
	c := &imap.Config{
		Host:     imapHost,
		Port:     imapPort,
		TLS:      !imapNoTLS && !imapSTARTTLS,
		STARTTLS: imapSTARTTLS,
		Username: imapUsername,
	}
	if c.Username == "" {
		c.Username = email
	}

	interactive := term.IsTerminal(int(syscall.Stdin))
	if c.Host == "" {
		if !interactive {
			return nil, "", errors.New("--host is required")
		}
		if err := promptIMAP(c); err != nil {
			return nil, "", err
		}
	}
	if err := c.Validate(); err != nil {
		return nil, "", err
	}

	if !interactive {
		return nil, "", errors.New("a terminal is required to enter the password")
	}
	fmt.Printf("Password for %s@%s: ", c.Username, c.Host)
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return nil, "", fmt.Errorf("read password: %w", err)
	}
	if len(raw) == 0 {
		return nil, "", errors.New("password is required")
	}
	return c, string(raw), nil
}

func promptIMAP(c *imap.Config) error {
	security := "tls"
	port := ""
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("IMAP server").
				Placeholder("imap.example.com").
				Value(&c.Host).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return errors.New("server is required")
					}
					return nil
				}),
			huh.NewInput().
				Title("Username").
				Value(&c.Username),
			huh.NewSelect[string]().
				Title("Security").
				Options(
					huh.NewOption("TLS (port 993)", "tls"),
					huh.NewOption("STARTTLS (port 143)", "starttls"),
					huh.NewOption("None (not recommended)", "none"),
				).
				Value(&security),
			huh.NewInput().
				Title("Port").
				Description("Leave empty for the default").
				Value(&port).
				Validate(func(s string) error {
					if s == "" {
						return nil
					}
					_, err := strconv.Atoi(s)
					return err
				}),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}
	c.Host = strings.TrimSpace(c.Host)
	c.TLS = security == "tls"
	c.STARTTLS = security == "starttls"
	if port != "" {
		c.Port, _ = strconv.Atoi(port)
	}
	return nil
}

func connectIMAP(cmd *cobra.Command, e *env, email string) error {
	c, password, err := imapSettings(email)
	if err != nil {
		return err
	}

	fmt.Printf("Testing connection to %s...\n", c.Addr())
	client := imap.NewClient(c, password, imap.WithLogger(logger))
	boxes, err := client.Mailboxes(cmd.Context())
	_ = client.Close()
	if err != nil {
		return fmt.Errorf("connection test failed: %w", err)
	}
	fmt.Printf("Connected to %s (%d mailboxes)\n", c.Identifier(), len(boxes))

	if err := e.creds.Save(email, password); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	if err := e.saveIMAPConfig(cmd.Context(), email, c); err != nil {
		return fmt.Errorf("save imap settings: %w", err)
	}
	return nil
}

var removeAccountCmd = &cobra.Command{
	Use:   "remove-account <email>",
	Short: "Disconnect an account and discard its mirror",
	Long: `Disconnect an account. Its cached mail, schedules and stored
credentials are removed. Nothing is changed on the provider.

Examples:
  mailmirror remove-account you@gmail.com
  mailmirror remove-account you@gmail.com --yes`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		email := args[0]
		ctx := cmd.Context()
		a, e, cleanup, err := openApp(ctx, true)
		if err != nil {
			return err
		}
		defer cleanup()

		var info *mail.Account
		for _, acct := range a.Accounts() {
			if strings.EqualFold(acct.Email, email) {
				info = &acct
				break
			}
		}
		if info == nil {
			return fmt.Errorf("account %q not found", email)
		}

		if !removeAccountYes {
			ok, err := confirm(fmt.Sprintf("Remove %s and its cached mail?", info.Email))
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("Aborted.")
				return nil
			}
		}

		if err := a.RemoveAccount(ctx, info.Email); err != nil {
			return err
		}
		switch info.Provider {
		case mail.ProviderGmail:
			if e.oauth != nil {
				if err := e.oauth.DeleteToken(info.Email); err != nil {
					fmt.Fprintf(os.Stderr, "Warning: could not remove token: %v\n", err)
				}
			}
		case mail.ProviderIMAP:
			if err := e.creds.Delete(info.Email); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: could not remove credentials: %v\n", err)
			}
			if err := e.forgetIMAPConfig(ctx, info.Email); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: could not remove imap settings: %v\n", err)
			}
		}

		fmt.Printf("Account %s removed.\n", info.Email)
		if active := a.Active(); active != "" {
			fmt.Printf("Active account is now %s.\n", active)
		}
		return nil
	},
}

// confirm asks a yes/no question. Without a terminal the answer is no.
func confirm(question string) (bool, error) {
	if !term.IsTerminal(int(syscall.Stdin)) {
		return false, errors.New("not a terminal: use --yes to confirm")
	}
	var ok bool
	err := huh.NewConfirm().
		Title(question).
		Affirmative("Yes").
		Negative("No").
		Value(&ok).
		Run()
	if errors.Is(err, huh.ErrUserAborted) {
		return false, nil
	}
	return ok, err
}

var switchCmd = &cobra.Command{
	Use:   "switch <email>",
	Short: "Make an account the active one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, _, cleanup, err := openApp(ctx, true)
		if err != nil {
			return err
		}
		defer cleanup()

		if err := a.SwitchAccount(ctx, args[0]); err != nil {
			return syncError(args[0], err)
		}
		fmt.Printf("Active account is now %s.\n", args[0])
		return nil
	},
}

func init() {
	accountsCmd.Flags().BoolVar(&accountsJSON, "json", false, "output as JSON")

	addAccountCmd.Flags().StringVar(&addProvider, "provider", mail.ProviderGmail, "account provider: gmail or imap")
	addAccountCmd.Flags().StringVar(&accountDisplayName, "display-name", "", "display name for the account")
	addAccountCmd.Flags().BoolVar(&headless, "headless", false, "sign in with a device code instead of a browser (gmail)")
	addAccountCmd.Flags().BoolVar(&forceReauth, "force", false, "sign in again even if a token exists (gmail)")
	addAccountCmd.Flags().StringVar(&imapHost, "host", "", "IMAP server hostname")
	addAccountCmd.Flags().IntVar(&imapPort, "port", 0, "IMAP server port (default: 993 for TLS, 143 otherwise)")
	addAccountCmd.Flags().StringVar(&imapUsername, "username", "", "IMAP username (default: the email)")
	addAccountCmd.Flags().BoolVar(&imapNoTLS, "no-tls", false, "disable TLS (plain connection, not recommended)")
	addAccountCmd.Flags().BoolVar(&imapSTARTTLS, "starttls", false, "use STARTTLS instead of implicit TLS")

	removeAccountCmd.Flags().BoolVarP(&removeAccountYes, "yes", "y", false, "skip confirmation prompt")

	rootCmd.AddCommand(accountsCmd)
	rootCmd.AddCommand(addAccountCmd)
	rootCmd.AddCommand(removeAccountCmd)
	rootCmd.AddCommand(switchCmd)
}
