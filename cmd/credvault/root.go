package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/forest6511/credvault/internal/config"
	"github.com/forest6511/credvault/pkg/audit"
	"github.com/forest6511/credvault/pkg/crypto"
	"github.com/forest6511/credvault/pkg/vault"
)

// app carries the state shared by every command. Commands are built by
// constructor functions that close over it, so tests can run the whole tree
// against their own streams and vault options.
type app struct {
	in     io.Reader
	out    io.Writer
	errOut io.Writer

	cfg   *config.Config
	log   zerolog.Logger
	audit *audit.Logger

	// vaultOpts are applied after the defaults when the vault is opened.
	vaultOpts []vault.Option
	vault     *vault.Vault
	lines     *bufio.Reader
}

func newApp() *app {
	return &app{
		in:     os.Stdin,
		out:    os.Stdout,
		errOut: os.Stderr,
		log:    zerolog.Nop(),
	}
}

// execute runs the command tree with args and releases the vault afterwards,
// whether or not the command failed.
func (a *app) execute(ctx context.Context, args []string) error {
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetIn(a.in)
	root.SetOut(a.out)
	root.SetErr(a.errOut)
	defer a.close()
	return root.ExecuteContext(ctx)
}

func newRootCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credvault",
		Short: "credvault keeps project credentials in an encrypted local vault",
		Long: `credvault stores the credentials of your projects in a local SQLite vault.

Every value is sealed with its own data key, wrapped twice: once by the key
derived from your master password and once by a per-project key. Give a
program its project token and it can load exactly the details it needs,
without ever learning the master password.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
	}

	cmd.AddCommand(
		initCmd(a),
		statusCmd(a),
		passwdCmd(a),
		loginCmd(a),
		logoutCmd(a),
		projectCmd(a),
		detailCmd(a),
		runCmd(a),
		backupCmd(a),
		restoreCmd(a),
		doctorCmd(a),
		auditCmd(a),
		mcpServerCmd(a),
		completionCmd(a),
	)
	return cmd
}

// setup loads the configuration and builds the logger and audit log. It
// runs before every command.
func (a *app) setup() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log = cfg.NewLogger(a.errOut)
	a.audit = audit.NewLogger(cfg.AuditDir, audit.WithSource(audit.SourceCLI), audit.WithLogger(a.log))
	return nil
}

func (a *app) close() {
	if a.vault == nil {
		return
	}
	if err := a.vault.Close(); err != nil {
		a.log.Warn().Err(err).Msg("failed to close vault")
	}
	a.vault = nil
}

// openVault opens the configured vault once per invocation.
func (a *app) openVault(ctx context.Context) (*vault.Vault, error) {
	if a.vault != nil {
		return a.vault, nil
	}
	opts := append([]vault.Option{
		vault.WithLogger(a.log),
		vault.WithAuditLogger(a.audit),
	}, a.vaultOpts...)
	v, err := vault.Open(ctx, a.cfg.VaultPath, opts...)
	if err != nil {
		return nil, err
	}
	a.vault = v
	return v, nil
}

// initializedVault opens the vault and fails with a hint when init has not
// been run yet.
func (a *app) initializedVault(ctx context.Context) (*vault.Vault, error) {
	v, err := a.openVault(ctx)
	if err != nil {
		return nil, err
	}
	ok, err := v.IsInitialized(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: run 'credvault init' first", vault.ErrNotInitialized)
	}
	return v, nil
}

func (a *app) reader() *bufio.Reader {
	if a.lines == nil {
		a.lines = bufio.NewReader(a.in)
	}
	return a.lines
}

// readSecret prompts on stderr and reads a line without echo when stdin is a
// terminal. Piped input is read as a plain line.
func (a *app) readSecret(prompt string) ([]byte, error) {
	fmt.Fprint(a.errOut, prompt)
	if f, ok := a.in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(a.errOut)
		if err != nil {
			return nil, fmt.Errorf("failed to read password: %w", err)
		}
		return b, nil
	}

	line, err := a.readLine()
	if err != nil {
		return nil, fmt.Errorf("failed to read password: %w", err)
	}
	return []byte(line), nil
}

// readLine reads one line from stdin without its line ending. A final line
// without a newline is accepted.
func (a *app) readLine() (string, error) {
	line, err := a.reader().ReadString('\n')
	if err != nil && (!errors.Is(err, io.EOF) || line == "") {
		return "", err
	}
	line = strings.TrimSuffix(line, "\n")
	return strings.TrimSuffix(line, "\r"), nil
}

// confirm asks a yes/no question; anything but y or yes is a no.
func (a *app) confirm(prompt string) bool {
	fmt.Fprintf(a.errOut, "%s [y/N]: ", prompt)
	line, err := a.readLine()
	if err != nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

// masterKey unlocks the vault. It tries, in order, the session token in
// CREDVAULT_SESSION, a session saved in the OS keyring by 'login --save', and
// finally the master password. A saved session that is expired or gone is
// removed from the keyring.
func (a *app) masterKey(ctx context.Context, v *vault.Vault) ([]byte, error) {
	if token := os.Getenv(config.EnvSession); token != "" {
		mk, err := v.GetMasterKeyFromSession(ctx, token)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", config.EnvSession, err)
		}
		return mk, nil
	}

	if token, err := a.savedSession(); err == nil {
		mk, err := v.GetMasterKeyFromSession(ctx, token)
		if err == nil {
			return mk, nil
		}
		a.log.Debug().Err(err).Msg("saved session rejected")
		if errors.Is(err, vault.ErrSessionExpired) || errors.Is(err, vault.ErrNotFound) || errors.Is(err, vault.ErrInvalidToken) {
			if err := a.forgetSession(); err != nil {
				a.log.Warn().Err(err).Msg("failed to remove saved session")
			}
		}
	}

	password, err := a.readSecret("Enter master password: ")
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(password)

	mk, err := v.DeriveMasterKey(ctx, string(password))
	if err != nil {
		return nil, fmt.Errorf("failed to unlock vault: %w", err)
	}
	return mk, nil
}

func initCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a new vault",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			v, err := a.openVault(ctx)
			if err != nil {
				return err
			}
			ok, err := v.IsInitialized(ctx)
			if err != nil {
				return err
			}
			if ok {
				return fmt.Errorf("%s: %w", v.Path(), vault.ErrAlreadyInitialized)
			}

			fmt.Fprintf(a.out, "Initializing new vault at %s\n", v.Path())
			password, err := a.newPassword("Enter master password: ", "Confirm master password: ")
			if err != nil {
				return err
			}
			defer crypto.SecureWipe(password)

			if err := v.Initialize(ctx, string(password)); err != nil {
				return fmt.Errorf("failed to initialize vault: %w", err)
			}
			fmt.Fprintln(a.out, "Vault initialized")
			return nil
		},
	}
}

func statusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show vault location, contents and session state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			v, err := a.openVault(ctx)
			if err != nil {
				return err
			}
			ok, err := v.IsInitialized(ctx)
			if err != nil {
				return err
			}

			fmt.Fprintf(a.out, "Vault:       %s\n", v.Path())
			fmt.Fprintf(a.out, "Schema:      v%d\n", v.SchemaVersion())
			fmt.Fprintf(a.out, "Audit log:   %s\n", a.audit.Path())
			if !ok {
				fmt.Fprintln(a.out, "Initialized: no (run 'credvault init')")
				return nil
			}
			fmt.Fprintln(a.out, "Initialized: yes")

			projects, err := v.ListProjects(ctx)
			if err != nil {
				return err
			}
			details, err := v.ListDetails(ctx, "")
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Projects:    %d\n", len(projects))
			fmt.Fprintf(a.out, "Details:     %d\n", len(details))
			fmt.Fprintf(a.out, "Session:     %s\n", a.sessionState(ctx, v))
			return nil
		},
	}
}

func (a *app) sessionState(ctx context.Context, v *vault.Vault) string {
	token := os.Getenv(config.EnvSession)
	source := config.EnvSession
	if token == "" {
		saved, err := a.savedSession()
		if err != nil {
			return "none"
		}
		token, source = saved, "keyring"
	}
	info, err := v.GetSessionExpiry(ctx, token)
	if err != nil {
		return fmt.Sprintf("invalid (%s: %s)", source, vault.ErrorCode(err))
	}
	return fmt.Sprintf("active until %s (%s)", info.ExpiresAt.Local().Format(time.DateTime), source)
}

// parseDuration extends time.ParseDuration with day, week, month (30 days)
// and year suffixes, e.g. "30d" or "12m".
func parseDuration(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("duration too short: %s", s)
	}

	day := 24 * time.Hour
	units := map[byte]time.Duration{'d': day, 'w': 7 * day, 'm': 30 * day, 'y': 365 * day}
	unit, ok := units[s[len(s)-1]]
	if !ok {
		return time.ParseDuration(s)
	}

	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil {
		// "1h30m" still parses; "m" alone means months.
		return time.ParseDuration(s)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid duration value: %s", s)
	}
	return time.Duration(n) * unit, nil
}
