package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/forest6511/credvault/pkg/audit"
)

func auditCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit log",
		Long: `Inspect the hash-chained audit log. Records name operations, projects and
detail keys; they never contain values or tokens.`,
	}
	cmd.AddCommand(
		auditListCmd(a),
		auditVerifyCmd(a),
		auditExportCmd(a),
		auditPruneCmd(a),
	)
	return cmd
}

// sinceFilter turns a --since value into a Filter lower bound.
func sinceFilter(f *audit.Filter, since string) error {
	if since == "" {
		return nil
	}
	d, err := parseDuration(since)
	if err != nil {
		return fmt.Errorf("invalid since format: %w", err)
	}
	f.Since = time.Now().Add(-d)
	return nil
}

func auditListCmd(a *app) *cobra.Command {
	var (
		limit     int
		since     string
		operation string
		subject   string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List audit log entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := audit.Filter{Limit: limit, Operation: operation, Subject: subject}
			if err := sinceFilter(&f, since); err != nil {
				return err
			}
			events, err := a.audit.ListEvents(f)
			if err != nil {
				return fmt.Errorf("failed to list audit events: %w", err)
			}
			if len(events) == 0 {
				fmt.Fprintln(a.out, "No audit events found")
				return nil
			}

			for _, e := range events {
				// TIMESTAMP SOURCE OPERATION RESULT [SUBJECT] [error:CODE]
				line := fmt.Sprintf("%s %-6s %-16s %s", e.Timestamp, e.Source, e.Operation, e.Result)
				if e.Subject != "" {
					line += " " + e.Subject
				}
				if e.Error != nil {
					line += " error:" + e.Error.Code
				}
				fmt.Fprintln(a.out, line)
			}
			fmt.Fprintf(a.out, "\nTotal: %d events\n", len(events))
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum number of events to show (0 for all)")
	cmd.Flags().StringVar(&since, "since", "", "Show events since duration (e.g., 24h, 7d)")
	cmd.Flags().StringVar(&operation, "op", "", "Only operations with this prefix (e.g., project.)")
	cmd.Flags().StringVar(&subject, "subject", "", "Only subjects with this prefix (e.g., a project name)")
	return cmd
}

func auditVerifyCmd(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the audit log hash chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := a.audit.Verify()
			if err != nil {
				return fmt.Errorf("failed to verify audit log: %w", err)
			}

			if asJSON {
				if err := writeJSON(a, result); err != nil {
					return err
				}
			} else if result.Valid {
				fmt.Fprintf(a.out, "Audit log verified: %d records, chain intact\n", result.RecordsTotal)
			} else {
				fmt.Fprintln(a.out, "Audit log verification FAILED")
				fmt.Fprintf(a.out, "  Records total: %d\n", result.RecordsTotal)
				fmt.Fprintf(a.out, "  Records verified: %d\n", result.RecordsVerified)
				fmt.Fprintln(a.out, "  Errors:")
				for _, e := range result.Errors {
					fmt.Fprintf(a.out, "    - %s\n", e)
				}
			}

			if !result.Valid {
				return errors.New("audit log integrity check failed")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func auditExportCmd(a *app) *cobra.Command {
	var (
		format string
		since  string
		until  string
		output string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export audit logs to JSON or CSV format",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "json" && format != "csv" {
				return fmt.Errorf("invalid format: %s (use 'json' or 'csv')", format)
			}
			f := audit.Filter{}
			if err := sinceFilter(&f, since); err != nil {
				return err
			}
			if until != "" {
				t, err := time.Parse(time.RFC3339, until)
				if err != nil {
					return fmt.Errorf("invalid until format (use RFC 3339): %w", err)
				}
				f.Until = t
			}

			data, err := a.audit.Export(format, f)
			if err != nil {
				return fmt.Errorf("failed to export audit logs: %w", err)
			}

			if output == "" {
				_, err := a.out.Write(data)
				return err
			}
			abs, err := filepath.Abs(output)
			if err != nil {
				return fmt.Errorf("invalid output path: %w", err)
			}
			if err := os.WriteFile(abs, data, 0600); err != nil {
				return fmt.Errorf("failed to write output file: %w", err)
			}
			fmt.Fprintf(a.errOut, "Audit logs exported to %s\n", abs)
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "json", "Output format: json, csv")
	cmd.Flags().StringVar(&since, "since", "", "Export events since duration (e.g., 30d)")
	cmd.Flags().StringVar(&until, "until", "", "Export events until date (RFC 3339)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file path (default: stdout)")
	return cmd
}

func auditPruneCmd(a *app) *cobra.Command {
	var (
		olderThan string
		dryRun    bool
		force     bool
	)

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old audit log entries",
		Long: `Delete audit log entries older than --older-than. Pruning rewrites the
affected monthly files; verification of the remaining records is unaffected.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := parseDuration(olderThan)
			if err != nil {
				return fmt.Errorf("invalid older-than format: %w", err)
			}

			old, err := a.audit.ListEvents(audit.Filter{Until: time.Now().Add(-d)})
			if err != nil {
				return fmt.Errorf("failed to preview prune: %w", err)
			}
			if dryRun {
				fmt.Fprintf(a.out, "Would delete %d audit log entries older than %s\n", len(old), olderThan)
				return nil
			}
			if len(old) == 0 {
				fmt.Fprintln(a.out, "No audit log entries to delete")
				return nil
			}
			if !force && !a.confirm(fmt.Sprintf("Delete %d audit log entries older than %s?", len(old), olderThan)) {
				fmt.Fprintln(a.out, "Aborted")
				return nil
			}

			deleted, err := a.audit.Prune(d)
			if err != nil {
				return fmt.Errorf("failed to prune audit logs: %w", err)
			}
			fmt.Fprintf(a.out, "Deleted %d audit log entries\n", deleted)
			return nil
		},
	}

	cmd.Flags().StringVar(&olderThan, "older-than", "", "Delete logs older than duration (e.g., 12m for 12 months)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show what would be deleted without deleting")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Skip confirmation prompt")
	_ = cmd.MarkFlagRequired("older-than")
	return cmd
}
