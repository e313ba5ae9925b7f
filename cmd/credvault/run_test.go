package main

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/forest6511/credvault/pkg/vault"
)

func TestParseDuration(t *testing.T) {
	day := 24 * time.Hour
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"24h", 24 * time.Hour, false},
		{"30d", 30 * day, false},
		{"2w", 14 * day, false},
		{"12m", 360 * day, false},
		{"1y", 365 * day, false},
		{"90s", 90 * time.Second, false},
		{"1h30m", 90 * time.Minute, false},
		{"d", 0, true},
		{"xd", 0, true},
		{"-1d", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseDuration(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseDuration(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("parseDuration(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		want       int
		wantOutput string
	}{
		{"nil", nil, 0, ""},
		{"child status", &exitError{code: 3}, 3, ""},
		{"timeout", &exitError{code: ExitTimeout, err: errors.New("command 'sleep' timed out")}, ExitTimeout, "Error: command 'sleep' timed out"},
		{"not found", fmt.Errorf("failed to get detail: %w", vault.ErrDetailNotFound), ExitSecretNotFound, "Error [NOT_FOUND]"},
		{"auth", fmt.Errorf("failed to unlock vault: %w", vault.ErrInvalidPassword), 1, "Error [AUTH_FAILED]"},
		{"plain", errors.New("boom"), 1, "Error: boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if got := exitCode(&buf, tt.err); got != tt.want {
				t.Errorf("exitCode() = %d, want %d", got, tt.want)
			}
			if tt.wantOutput == "" && buf.Len() != 0 {
				t.Errorf("unexpected output %q", buf.String())
			}
			if !strings.Contains(buf.String(), tt.wantOutput) {
				t.Errorf("output = %q, want %q", buf.String(), tt.wantOutput)
			}
		})
	}
}
