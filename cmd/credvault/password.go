package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/forest6511/credvault/pkg/crypto"
	"github.com/forest6511/credvault/pkg/vault"
)

func passwdCmd(a *app) *cobra.Command {
	var noBackup bool

	cmd := &cobra.Command{
		Use:   "passwd",
		Short: "Change the master password",
		Long: `Change the master password.

Project keys and the master-wrapped data keys are rewrapped under the new
master key in a single transaction; the sealed values themselves do not
change. Every session is revoked. A backup of the vault is written next to it
first unless --no-backup is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			v, err := a.initializedVault(ctx)
			if err != nil {
				return err
			}

			current, err := a.readSecret("Enter current password: ")
			if err != nil {
				return err
			}
			defer crypto.SecureWipe(current)

			next, err := a.newPassword("Enter new password: ", "Confirm new password: ")
			if err != nil {
				return err
			}
			defer crypto.SecureWipe(next)

			if !noBackup {
				dest := fmt.Sprintf("%s.bak-%s", v.Path(), time.Now().Format("20060102-150405"))
				if err := v.Backup(ctx, dest); err != nil {
					return fmt.Errorf("failed to back up vault before password change: %w", err)
				}
				fmt.Fprintf(a.out, "Backup written to %s\n", dest)
			}

			if err := v.ChangePassword(ctx, string(current), string(next)); err != nil {
				switch {
				case errors.Is(err, vault.ErrInvalidPassword):
					return fmt.Errorf("current password is incorrect: %w", err)
				case errors.Is(err, vault.ErrSamePassword):
					return fmt.Errorf("new password must be different from current password: %w", err)
				}
				return fmt.Errorf("failed to change password: %w", err)
			}

			if err := a.forgetSession(); err != nil {
				a.log.Warn().Err(err).Msg("failed to remove saved session")
			}
			fmt.Fprintln(a.out, "Password changed; all sessions were revoked")
			return nil
		},
	}

	cmd.Flags().BoolVar(&noBackup, "no-backup", false, "Skip the backup taken before the change")
	return cmd
}

// newPassword reads a new master password twice and checks it against the
// length limits. Strength and advisory warnings are printed on stderr.
func (a *app) newPassword(prompt, confirmPrompt string) ([]byte, error) {
	first, err := a.readSecret(prompt)
	if err != nil {
		return nil, err
	}
	second, err := a.readSecret(confirmPrompt)
	if err != nil {
		crypto.SecureWipe(first)
		return nil, err
	}
	defer crypto.SecureWipe(second)

	if string(first) != string(second) {
		crypto.SecureWipe(first)
		return nil, errors.New("passwords do not match")
	}

	result := vault.ValidateMasterPassword(string(first))
	if !result.Valid {
		crypto.SecureWipe(first)
		return nil, fmt.Errorf("password validation failed: %s", result.Warnings[0])
	}
	fmt.Fprintf(a.errOut, "Password strength: %s\n", result.Strength)
	for _, w := range result.Warnings {
		fmt.Fprintf(a.errOut, "Warning: %s\n", w)
	}
	return first, nil
}
