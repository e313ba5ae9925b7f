//go:build !windows

package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/forest6511/credvault/internal/config"
	"github.com/forest6511/credvault/pkg/crypto"
	"github.com/forest6511/credvault/pkg/loader"
)

type staticSource map[string]string

func (s staticSource) LoadProjectDetails(_ context.Context, _ []byte, _ string, needs map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(needs))
	for name, key := range needs {
		out[name] = s[key]
	}
	return out, nil
}

func loadTestSecrets(t *testing.T, needs loader.Needs, values map[string]string) *loader.Secrets {
	t.Helper()
	key, err := crypto.RandomKey()
	if err != nil {
		t.Fatal(err)
	}
	token, err := crypto.EncodeProjectToken(key)
	if err != nil {
		t.Fatal(err)
	}
	s, err := loader.Load(context.Background(), staticSource(values), token, "web", needs)
	if err != nil {
		t.Fatalf("loader.Load() error = %v", err)
	}
	t.Cleanup(s.Wipe)
	return s
}

func newChild(args ...string) (childProcess, *bytes.Buffer, *bytes.Buffer) {
	var stdout, stderr bytes.Buffer
	return childProcess{
		args:    args,
		env:     os.Environ(),
		timeout: 10 * time.Second,
		stdin:   strings.NewReader(""),
		stdout:  &stdout,
		stderr:  &stderr,
	}, &stdout, &stderr
}

func exitStatus(t *testing.T, err error) int {
	t.Helper()
	if err == nil {
		return 0
	}
	var ee *exitError
	if !errors.As(err, &ee) {
		t.Fatalf("error %v is not an exitError", err)
	}
	return ee.ExitCode()
}

func TestExecuteCommand_ExitCodes(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want int
	}{
		{"success", []string{"sh", "-c", "exit 0"}, 0},
		{"child code", []string{"sh", "-c", "exit 3"}, 3},
		{"not found", []string{"credvault-no-such-command"}, ExitCommandNotFound},
		{"killed by signal", []string{"sh", "-c", "kill -TERM $$"}, ExitSignalBase + 15},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			child, _, _ := newChild(tt.args...)
			if got := exitStatus(t, executeCommand(context.Background(), child)); got != tt.want {
				t.Errorf("exit status = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestExecuteCommand_Timeout(t *testing.T) {
	child, _, _ := newChild("sleep", "5")
	child.timeout = 100 * time.Millisecond

	start := time.Now()
	err := executeCommand(context.Background(), child)
	if got := exitStatus(t, err); got != ExitTimeout {
		t.Fatalf("exit status = %d, want %d (err = %v)", got, ExitTimeout, err)
	}
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
}

func TestExecuteCommand_Sanitizes(t *testing.T) {
	secrets := loadTestSecrets(t, loader.Needs{"DB_PASSWORD": "db/password"}, map[string]string{"db/password": "hunter22-secret"})
	env, err := secrets.Environ(os.Environ(), "")
	if err != nil {
		t.Fatal(err)
	}

	child, stdout, stderr := newChild("sh", "-c", `echo "out $DB_PASSWORD"; echo "err $DB_PASSWORD" >&2`)
	child.env = env
	child.sanitizer = loader.NewSanitizer(secrets)

	if err := executeCommand(context.Background(), child); err != nil {
		t.Fatalf("executeCommand() error = %v", err)
	}
	if got := stdout.String(); got != "out [REDACTED:DB_PASSWORD]\n" {
		t.Errorf("stdout = %q", got)
	}
	if got := stderr.String(); got != "err [REDACTED:DB_PASSWORD]\n" {
		t.Errorf("stderr = %q", got)
	}
}

func TestExecuteCommand_NoSanitize(t *testing.T) {
	secrets := loadTestSecrets(t, loader.Needs{"API_KEY": "api_key"}, map[string]string{"api_key": "k-123456"})
	env, err := secrets.Environ(os.Environ(), "APP_")
	if err != nil {
		t.Fatal(err)
	}

	child, stdout, _ := newChild("sh", "-c", `printf %s "$APP_API_KEY"`)
	child.env = env

	if err := executeCommand(context.Background(), child); err != nil {
		t.Fatalf("executeCommand() error = %v", err)
	}
	if got := stdout.String(); got != "k-123456" {
		t.Errorf("stdout = %q, want raw value", got)
	}
}

func TestExecuteCommand_Stdin(t *testing.T) {
	child, stdout, _ := newChild("cat")
	child.stdin = strings.NewReader("piped input")

	if err := executeCommand(context.Background(), child); err != nil {
		t.Fatalf("executeCommand() error = %v", err)
	}
	if got := stdout.String(); got != "piped input" {
		t.Errorf("stdout = %q", got)
	}
}

func TestRunCommand(t *testing.T) {
	setupVault(t)
	token := createProject(t, "web")
	mustRun(t, pw("hunter22-secret"), "detail", "set", "web", "db/password")
	mustRun(t, pw("db.internal"), "detail", "set", "web", "db/host")
	t.Setenv(config.EnvProjectToken, token)

	r := mustRun(t, "", "run", "--project", "web", "--need", "DB_PASS=db/password",
		"--", "sh", "-c", `printf %s "$DB_PASS"`)
	if r.stdout != "[REDACTED:DB_PASS]" {
		t.Errorf("sanitized stdout = %q", r.stdout)
	}

	r = mustRun(t, "", "run", "--project", "web", "-k", "db/*", "--no-sanitize",
		"--", "sh", "-c", `printf '%s@%s' "$DB_PASSWORD" "$DB_HOST"`)
	if r.stdout != "hunter22-secret@db.internal" {
		t.Errorf("stdout = %q", r.stdout)
	}

	r = runCLI(t, "", "run", "--project", "web", "--need", "db/missing", "--", "true")
	if got := exitStatus(t, r.err); got != ExitSecretNotFound {
		t.Errorf("missing detail exit status = %d, want %d (err = %v)", got, ExitSecretNotFound, r.err)
	}
	r = runCLI(t, "", "run", "--project", "web", "-k", "nothing/*", "--", "true")
	if got := exitStatus(t, r.err); got != ExitSecretNotFound {
		t.Errorf("unmatched pattern exit status = %d, want %d", got, ExitSecretNotFound)
	}

	r = runCLI(t, "", "run", "--project", "web", "--need", "DB_PASS=db/password", "--", "sh", "-c", "exit 7")
	if got := exitStatus(t, r.err); got != 7 {
		t.Errorf("child exit status = %d, want 7", got)
	}

	r = runCLI(t, "", "run", "--project", "web", "--need", "PATH=db/host", "--", "true")
	if !errors.Is(r.err, loader.ErrReservedEnvVar) {
		t.Errorf("reserved name error = %v", r.err)
	}
	r = runCLI(t, "", "run", "--project", "web", "--need", "DB_PASS=db/password")
	if r.err == nil || !strings.Contains(r.err.Error(), "no command specified") {
		t.Errorf("missing command error = %v", r.err)
	}
}

func TestRunCommand_WithoutProjectToken(t *testing.T) {
	setupVault(t)
	createProject(t, "web")
	mustRun(t, pw("hunter22-secret"), "detail", "set", "web", "db/password")

	needs := filepath.Join(t.TempDir(), "needs.yaml")
	if err := os.WriteFile(needs, []byte("SECRET: db/password\n"), 0600); err != nil {
		t.Fatal(err)
	}

	// The vault is unlocked with the password and the rest of stdin reaches
	// the child.
	r := mustRun(t, pw("from stdin"), "run", "--project", "web", "--needs-file", needs, "--no-sanitize",
		"--", "sh", "-c", `printf '%s ' "$SECRET"; cat`)
	if r.stdout != "hunter22-secret from stdin" {
		t.Errorf("stdout = %q", r.stdout)
	}
}
