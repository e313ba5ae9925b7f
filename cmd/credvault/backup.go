package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/forest6511/credvault/pkg/audit"
	"github.com/forest6511/credvault/pkg/backup"
	"github.com/forest6511/credvault/pkg/crypto"
	"github.com/forest6511/credvault/pkg/vault"
)

func backupCmd(a *app) *cobra.Command {
	var (
		encrypt     bool
		keyFile     string
		generateKey bool
	)

	cmd := &cobra.Command{
		Use:   "backup DEST",
		Short: "Write a consistent copy of the vault to DEST",
		Long: `Write a consistent snapshot of the vault database to DEST.

Without flags the copy is a plain vault file: values stay sealed exactly as
in the vault and it opens with the same master password. With --encrypt the
snapshot is additionally sealed into an archive under a separate backup
password, or under a 32-byte key file with --key-file. DEST must not exist.

Examples:
  credvault backup ~/backups/vault-$(date +%F).db
  credvault backup --encrypt ~/backups/vault.cvb
  credvault backup --key-file ~/.backup.key --generate-key /mnt/usb/vault.cvb`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			dest := args[0]
			v, err := a.initializedVault(ctx)
			if err != nil {
				return err
			}

			if !encrypt && keyFile == "" {
				if err := v.Backup(ctx, dest); err != nil {
					if errors.Is(err, vault.ErrBackupExists) {
						return fmt.Errorf("output file already exists: %s", dest)
					}
					return fmt.Errorf("backup failed: %w", err)
				}
				fmt.Fprintf(a.out, "Backup written to %s\n", dest)
				return nil
			}

			var creds backup.Credentials
			if keyFile != "" {
				if generateKey {
					if err := backup.GenerateKeyFile(keyFile); err != nil {
						return err
					}
					fmt.Fprintf(a.out, "Key file written to %s; store it apart from the archive\n", keyFile)
				}
				creds.KeyFile = keyFile
			} else {
				pw, err := a.newPassword("Enter backup password: ", "Confirm backup password: ")
				if err != nil {
					return err
				}
				defer crypto.SecureWipe(pw)
				creds.Password = pw
			}

			h, err := backup.CreateFile(ctx, v, dest, creds)
			if err != nil {
				if errors.Is(err, backup.ErrDestinationExists) {
					return fmt.Errorf("output file already exists: %s", dest)
				}
				return fmt.Errorf("backup failed: %w", err)
			}
			fmt.Fprintf(a.out, "Encrypted backup written to %s (%s, %s key)\n",
				dest, humanize.IBytes(uint64(h.Size)), h.Mode)
			return nil
		},
	}

	cmd.Flags().BoolVar(&encrypt, "encrypt", false, "Seal the snapshot under a separate backup password")
	cmd.Flags().StringVar(&keyFile, "key-file", "", "Seal the snapshot under a 32-byte key file instead of a password")
	cmd.Flags().BoolVar(&generateKey, "generate-key", false, "Create the --key-file first")
	return cmd
}

func restoreCmd(a *app) *cobra.Command {
	var (
		keyFile    string
		verifyOnly bool
		force      bool
	)

	cmd := &cobra.Command{
		Use:   "restore SRC",
		Short: "Replace the vault with a backup",
		Long: `Replace the vault with the backup at SRC.

SRC is either a plain copy written by 'credvault backup' or an encrypted
archive. The restored file is opened and checked before it replaces the
vault, and the current vault is kept next to it as a .bak file. Saved
sessions are forgotten.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.restore(cmd.Context(), args[0], keyFile, verifyOnly, force)
		},
	}

	cmd.Flags().StringVar(&keyFile, "key-file", "", "Key file the archive was sealed with")
	cmd.Flags().BoolVar(&verifyOnly, "verify-only", false, "Check the backup without restoring it")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Replace the vault without confirmation")
	return cmd
}

func (a *app) restore(ctx context.Context, src, keyFile string, verifyOnly, force bool) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("failed to read backup: %w", err)
	}

	staged := fmt.Sprintf("%s.restore-%d", a.cfg.VaultPath, os.Getpid())
	if err := os.MkdirAll(filepath.Dir(a.cfg.VaultPath), vault.DirMode); err != nil {
		return fmt.Errorf("failed to create vault directory: %w", err)
	}
	defer os.Remove(staged)

	if backup.IsArchive(data) {
		h, err := backup.Inspect(data)
		if err != nil {
			return err
		}
		creds := backup.Credentials{KeyFile: keyFile}
		if keyFile == "" && h.Mode == backup.ModePassword {
			pw, err := a.readSecret("Enter backup password: ")
			if err != nil {
				return err
			}
			defer crypto.SecureWipe(pw)
			creds.Password = pw
		}
		if _, err := backup.Extract(src, staged, creds); err != nil {
			if errors.Is(err, backup.ErrIntegrityFailed) {
				return fmt.Errorf("wrong password or key file, or the archive was modified: %w", err)
			}
			return err
		}
		fmt.Fprintf(a.out, "Archive created %s, schema v%d\n", h.CreatedAt.Local().Format(time.RFC3339), h.SchemaVersion)
	} else if err := os.WriteFile(staged, data, vault.FileMode); err != nil {
		return fmt.Errorf("failed to stage backup: %w", err)
	}

	if err := a.checkRestored(ctx, staged); err != nil {
		return err
	}
	if verifyOnly {
		fmt.Fprintln(a.out, "Backup OK")
		return nil
	}

	if _, err := os.Stat(a.cfg.VaultPath); err == nil {
		if !force && !a.confirm(fmt.Sprintf("Replace the vault at %s? [y/N]: ", a.cfg.VaultPath)) {
			fmt.Fprintln(a.out, "Cancelled")
			return nil
		}
		a.close()
		previous := fmt.Sprintf("%s.bak-%s", a.cfg.VaultPath, time.Now().Format("20060102-150405"))
		if err := os.Rename(a.cfg.VaultPath, previous); err != nil {
			return fmt.Errorf("failed to move the current vault aside: %w", err)
		}
		fmt.Fprintf(a.out, "Previous vault kept at %s\n", previous)
	}
	if err := os.Rename(staged, a.cfg.VaultPath); err != nil {
		return fmt.Errorf("failed to restore vault: %w", err)
	}

	if err := a.forgetSession(); err != nil {
		a.log.Warn().Err(err).Msg("failed to remove saved session")
	}
	if err := a.audit.LogSuccess(audit.OpVaultRestore, filepath.Base(src)); err != nil {
		a.log.Warn().Err(err).Msg("failed to write audit log")
	}
	fmt.Fprintf(a.out, "Vault restored from %s\n", src)
	return nil
}

// checkRestored opens a staged vault file and runs the integrity check on
// it. Migrations are applied if the backup predates the current schema.
func (a *app) checkRestored(ctx context.Context, path string) error {
	opts := append([]vault.Option{vault.WithLogger(a.log)}, a.vaultOpts...)
	v, err := vault.Open(ctx, path, opts...)
	if err != nil {
		return fmt.Errorf("backup is not a usable vault: %w", err)
	}
	defer v.Close()

	ok, err := v.IsInitialized(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("backup is not a usable vault: not initialized")
	}
	result, err := v.CheckIntegrity(ctx)
	if err != nil {
		return err
	}
	if !result.Valid {
		return fmt.Errorf("backup failed the integrity check: %s", strings.Join(result.Errors, "; "))
	}
	return nil
}

type doctorReport struct {
	Vault *vault.IntegrityCheckResult `json:"vault"`
	Disk  *vault.DiskSpaceInfo        `json:"disk,omitempty"`
	Audit *audit.VerifyResult         `json:"audit,omitempty"`
}

func doctorCmd(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check vault integrity, disk space and the audit chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			v, err := a.openVault(ctx)
			if err != nil {
				return err
			}

			report := doctorReport{}
			if report.Vault, err = v.CheckIntegrity(ctx); err != nil {
				return fmt.Errorf("integrity check failed: %w", err)
			}
			if report.Disk, err = v.CheckDiskSpace(); err != nil {
				a.log.Warn().Err(err).Msg("failed to check disk space")
			}
			if report.Audit, err = a.audit.Verify(); err != nil {
				return fmt.Errorf("audit verification failed: %w", err)
			}

			if asJSON {
				if err := writeJSON(a, report); err != nil {
					return err
				}
			} else {
				printDoctor(a, &report)
			}

			if !report.Vault.Valid || !report.Audit.Valid {
				return errors.New("problems found")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func printDoctor(a *app, r *doctorReport) {
	iv := r.Vault
	fmt.Fprintf(a.out, "Vault %s (schema v%d)\n", statusWord(iv.Valid), iv.SchemaVersion)
	if iv.Initialized {
		fmt.Fprintf(a.out, "  %d projects, %d details, %d sessions (%d expired)\n",
			iv.Projects, iv.Details, iv.Sessions, iv.ExpiredSessions)
	} else {
		fmt.Fprintln(a.out, "  not initialized")
	}
	for _, e := range iv.Errors {
		fmt.Fprintf(a.out, "  error: %s\n", e)
	}
	for _, w := range iv.Warnings {
		fmt.Fprintf(a.out, "  warning: %s\n", w)
	}

	if d := r.Disk; d != nil {
		fmt.Fprintf(a.out, "Disk: %s available of %s (%d%% used)\n",
			humanize.IBytes(d.Available), humanize.IBytes(d.Total), d.UsedPct)
	}

	av := r.Audit
	fmt.Fprintf(a.out, "Audit log %s (%d/%d records verified)\n", statusWord(av.Valid), av.RecordsVerified, av.RecordsTotal)
	for _, e := range av.Errors {
		fmt.Fprintf(a.out, "  error: %s\n", e)
	}
}

func statusWord(ok bool) string {
	if ok {
		return "OK"
	}
	return "FAILED"
}
