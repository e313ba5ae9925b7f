package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/zalando/go-keyring"

	"github.com/forest6511/credvault/internal/config"
	"github.com/forest6511/credvault/pkg/crypto"
	"github.com/forest6511/credvault/pkg/vault"
)

// keyringService names the OS keyring entries; the account is the vault
// path, so several vaults can each keep a session.
const keyringService = "credvault"

func (a *app) savedSession() (string, error) {
	return keyring.Get(keyringService, a.cfg.VaultPath)
}

func (a *app) saveSession(token string) error {
	return keyring.Set(keyringService, a.cfg.VaultPath, token)
}

func (a *app) forgetSession() error {
	err := keyring.Delete(keyringService, a.cfg.VaultPath)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return err
}

func loginCmd(a *app) *cobra.Command {
	var (
		save     bool
		duration time.Duration
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Start a session so later commands skip the password prompt",
		Long: `Start a session and print its token.

Export the token as CREDVAULT_SESSION, or pass --save to keep it in the OS
keyring. Until it expires the token unlocks the vault like the master
password does, so treat it as a secret.

Examples:
  export CREDVAULT_SESSION=$(credvault login)
  credvault login --save --duration 8h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			v, err := a.initializedVault(ctx)
			if err != nil {
				return err
			}

			password, err := a.readSecret("Enter master password: ")
			if err != nil {
				return err
			}
			defer crypto.SecureWipe(password)

			mk, err := v.DeriveMasterKey(ctx, string(password))
			if err != nil {
				return fmt.Errorf("failed to unlock vault: %w", err)
			}
			defer crypto.SecureWipe(mk)

			if duration <= 0 {
				duration = a.cfg.SessionDuration()
			}
			token, err := v.CreateSession(ctx, mk, duration)
			if err != nil {
				return fmt.Errorf("failed to create session: %w", err)
			}
			info, err := v.GetSessionExpiry(ctx, token)
			if err != nil {
				return fmt.Errorf("failed to read session expiry: %w", err)
			}
			expires := info.ExpiresAt.Local().Format(time.DateTime)

			if save {
				if err := a.saveSession(token); err != nil {
					return fmt.Errorf("failed to save session in keyring: %w", err)
				}
				fmt.Fprintf(a.out, "Session saved in the OS keyring until %s\n", expires)
				return nil
			}
			fmt.Fprintln(a.out, token)
			fmt.Fprintf(a.errOut, "Session valid until %s; export it as %s\n", expires, config.EnvSession)
			return nil
		},
	}

	cmd.Flags().BoolVar(&save, "save", false, "Store the session token in the OS keyring")
	cmd.Flags().DurationVar(&duration, "duration", 0, "Session lifetime (default from config)")
	return cmd
}

func logoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the current session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			v, err := a.initializedVault(ctx)
			if err != nil {
				return err
			}

			token := os.Getenv(config.EnvSession)
			if token == "" {
				if token, err = a.savedSession(); err != nil {
					fmt.Fprintln(a.out, "No active session")
					return nil
				}
			}

			err = v.DeleteSession(ctx, token)
			if err != nil && !errors.Is(err, vault.ErrNotFound) && !errors.Is(err, vault.ErrInvalidToken) {
				return fmt.Errorf("failed to end session: %w", err)
			}
			if err := a.forgetSession(); err != nil {
				return fmt.Errorf("failed to remove saved session: %w", err)
			}
			fmt.Fprintln(a.out, "Logged out")
			return nil
		},
	}
}
