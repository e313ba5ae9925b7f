package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/forest6511/credvault/internal/cli"
	"github.com/forest6511/credvault/internal/config"
	"github.com/forest6511/credvault/pkg/audit"
	"github.com/forest6511/credvault/pkg/crypto"
	"github.com/forest6511/credvault/pkg/loader"
	"github.com/forest6511/credvault/pkg/vault"
)

// Exit codes of the run command. Otherwise the child's own status is used.
const (
	ExitSecretNotFound  = 2
	ExitTimeout         = 124
	ExitCommandNotFound = 127
	ExitSignalBase      = 128
)

type runOptions struct {
	project    string
	needs      []string
	needsFile  string
	keys       []string
	envPrefix  string
	timeout    time.Duration
	noSanitize bool
}

func runCmd(a *app) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run --project NAME [flags] -- command [args...]",
		Short: "Run a command with project details as environment variables",
		Long: `Run a command with details of one project injected as environment variables.

Details are decrypted with the project token from CREDVAULT_PROJECT_TOKEN, so
the master password is not needed. Without a token the vault is unlocked and
the project's token is used.

Say which details to load with any mix of:
  --need NAME=key    inject detail "key" as NAME ("--need db/password" gives DB_PASSWORD)
  --needs-file FILE  a YAML mapping of NAME: key
  --key PATTERN      every detail matching a glob, named by converting
                     '/' and '-' to '_' and upper-casing

Output of the command is scanned and injected values are replaced with
[REDACTED:NAME] unless --no-sanitize is given.

Examples:
  credvault run --project web --need DATABASE_URL=db/url -- ./server
  credvault run --project web -k 'aws/*' -- aws s3 ls
  credvault run --project web --needs-file needs.yaml --timeout 30s -- ./migrate.sh`,
		DisableFlagsInUseLine: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			dash := cmd.ArgsLenAtDash()
			if dash == -1 || dash >= len(args) {
				return errors.New("no command specified; use: credvault run --project NAME --need KEY -- command [args...]")
			}
			return a.run(cmd.Context(), opts, args[dash:])
		},
	}

	cmd.Flags().StringVarP(&opts.project, "project", "p", "", "Project to load details from")
	cmd.Flags().StringArrayVar(&opts.needs, "need", nil, "Detail to inject as NAME=key (can be repeated)")
	cmd.Flags().StringVar(&opts.needsFile, "needs-file", "", "YAML file mapping environment names to detail keys")
	cmd.Flags().StringArrayVarP(&opts.keys, "key", "k", nil, "Detail keys to inject (glob pattern supported)")
	cmd.Flags().StringVar(&opts.envPrefix, "env-prefix", "", "Environment variable name prefix")
	cmd.Flags().DurationVarP(&opts.timeout, "timeout", "t", 5*time.Minute, "Command timeout (0 disables)")
	cmd.Flags().BoolVar(&opts.noSanitize, "no-sanitize", false, "Disable output sanitization")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.RegisterFlagCompletionFunc("project", a.completeProjectFlag)
	return cmd
}

func (a *app) run(ctx context.Context, opts *runOptions, command []string) error {
	a.audit = audit.NewLogger(a.cfg.AuditDir, audit.WithSource(audit.SourceLoader), audit.WithLogger(a.log))

	v, err := a.initializedVault(ctx)
	if err != nil {
		return err
	}

	needs, err := a.collectNeeds(ctx, v, opts)
	if err != nil {
		return err
	}

	token, err := a.projectToken(ctx, v, opts.project)
	if err != nil {
		return err
	}

	secrets, err := loader.Load(ctx, v, token, opts.project, needs, loader.WithLogger(a.log))
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return &exitError{code: ExitSecretNotFound, err: err}
		}
		return err
	}
	defer secrets.Wipe()

	env, err := secrets.Environ(os.Environ(), opts.envPrefix)
	if err != nil {
		return err
	}

	var sanitizer *loader.Sanitizer
	if !opts.noSanitize {
		sanitizer = loader.NewSanitizer(secrets)
	}

	stdin := a.in
	if a.lines != nil {
		stdin = a.lines
	}
	return executeCommand(ctx, childProcess{
		args:      command,
		env:       env,
		timeout:   opts.timeout,
		sanitizer: sanitizer,
		stdin:     stdin,
		stdout:    a.out,
		stderr:    a.errOut,
	})
}

// collectNeeds merges --needs-file, --key and --need, in that order, so an
// explicit --need wins over a name derived from a pattern.
func (a *app) collectNeeds(ctx context.Context, v *vault.Vault, opts *runOptions) (loader.Needs, error) {
	needs := loader.Needs{}

	if opts.needsFile != "" {
		fromFile, err := loader.ReadNeedsFile(opts.needsFile)
		if err != nil {
			return nil, err
		}
		needs = needs.Merge(fromFile)
	}

	if len(opts.keys) > 0 {
		infos, err := v.ListDetails(ctx, opts.project)
		if err != nil {
			return nil, fmt.Errorf("failed to list details: %w", err)
		}
		available := make([]string, 0, len(infos))
		for _, info := range infos {
			available = append(available, info.Key)
		}
		matched, err := cli.ExpandPatterns(opts.keys, available)
		if err != nil {
			return nil, &exitError{code: ExitSecretNotFound, err: fmt.Errorf("project '%s': %w", opts.project, err)}
		}
		needs = needs.Merge(loader.NeedsFromKeys(matched))
	}

	for _, s := range opts.needs {
		name, key, err := loader.ParseNeed(s)
		if err != nil {
			return nil, err
		}
		needs = needs.Merge(loader.Needs{name: key})
	}

	if len(needs) == 0 {
		return nil, errors.New("nothing to inject; use --need, --needs-file or --key")
	}
	return needs, nil
}

// projectToken returns CREDVAULT_PROJECT_TOKEN, or unlocks the vault and
// reads the project's token.
func (a *app) projectToken(ctx context.Context, v *vault.Vault, project string) (string, error) {
	if token := os.Getenv(config.EnvProjectToken); token != "" {
		return token, nil
	}
	mk, err := a.masterKey(ctx, v)
	if err != nil {
		return "", err
	}
	defer crypto.SecureWipe(mk)
	return v.ProjectToken(ctx, mk, project)
}

// childProcess describes one child process.
type childProcess struct {
	args    []string
	env     []string
	timeout time.Duration

	// sanitizer redacts output; nil passes output through untouched.
	sanitizer *loader.Sanitizer
	stdin     io.Reader
	stdout    io.Writer
	stderr    io.Writer
}

// executeCommand runs the child, forwards signals to it and maps its fate to
// an exit status: the child's own code, ExitTimeout, ExitCommandNotFound or
// ExitSignalBase plus the signal number.
func executeCommand(ctx context.Context, child childProcess) error {
	// Injected values live in this process too.
	if err := disableCoreDumps(); err != nil {
		return fmt.Errorf("security: failed to disable core dumps (secrets could leak to disk): %w", err)
	}

	if child.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, child.timeout)
		defer cancel()
	}

	path, err := exec.LookPath(child.args[0])
	if err != nil {
		return &exitError{code: ExitCommandNotFound, err: fmt.Errorf("command not found: %s", child.args[0])}
	}

	cmd := exec.CommandContext(ctx, path, child.args[1:]...)
	cmd.Env = child.env
	cmd.Stdin = child.stdin
	// Graceful stop first; WaitDelay later escalates to a kill.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(terminateSignal())
	}
	cmd.WaitDelay = 5 * time.Second

	var outputWg sync.WaitGroup
	if child.sanitizer == nil {
		cmd.Stdout = child.stdout
		cmd.Stderr = child.stderr
	} else {
		stdoutPipe, err := cmd.StdoutPipe()
		if err != nil {
			return fmt.Errorf("failed to create stdout pipe: %w", err)
		}
		stderrPipe, err := cmd.StderrPipe()
		if err != nil {
			return fmt.Errorf("failed to create stderr pipe: %w", err)
		}
		outputWg.Add(2)
		go func() {
			defer outputWg.Done()
			_ = child.sanitizer.Copy(child.stdout, stdoutPipe)
		}()
		go func() {
			defer outputWg.Done()
			_ = child.sanitizer.Copy(child.stderr, stderrPipe)
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, signalsToNotify()...)
	defer signal.Stop(sigChan)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start command: %w", err)
	}

	done := make(chan struct{})
	var sigWg sync.WaitGroup
	sigWg.Add(1)
	go func() {
		defer sigWg.Done()
		for {
			select {
			case sig := <-sigChan:
				_ = cmd.Process.Signal(sig)
			case <-done:
				return
			}
		}
	}()

	// Pipes must be drained before Wait closes them.
	outputWg.Wait()
	err = cmd.Wait()
	close(done)
	sigWg.Wait()

	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &exitError{code: ExitTimeout, err: fmt.Errorf("command '%s' timed out after %v", child.args[0], child.timeout)}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code, ok := signalExitCode(exitErr.ProcessState); ok {
			return &exitError{code: code}
		}
		return &exitError{code: exitErr.ExitCode()}
	}
	return err
}

// exitError ends the process with a specific status. A nil err prints
// nothing; the child already reported its failure.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit status %d", e.code)
}

func (e *exitError) Unwrap() error {
	return e.err
}

func (e *exitError) ExitCode() int {
	return e.code
}
