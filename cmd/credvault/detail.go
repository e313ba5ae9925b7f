package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/forest6511/credvault/pkg/crypto"
	"github.com/forest6511/credvault/pkg/vault"
)

func detailCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "detail",
		Aliases: []string{"details"},
		Short:   "Manage the details (credentials) of a project",
		Long: `Manage the details of a project. A detail is a key such as "db/password"
and its encrypted value.`,
	}
	cmd.AddCommand(
		detailSetCmd(a),
		detailGetCmd(a),
		detailListCmd(a),
		detailRemoveCmd(a),
		detailImportCmd(a),
	)
	return cmd
}

func detailSetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "set PROJECT KEY",
		Short: "Store a detail value",
		Long: `Store a detail value, replacing any previous one.

On a terminal the value is prompted for without echo. Otherwise the rest of
stdin is the value, with one trailing newline removed.

Examples:
  credvault detail set web db/password
  printf '%s' "$TOKEN" | credvault detail set web github/token`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			project, key := args[0], args[1]

			v, err := a.initializedVault(ctx)
			if err != nil {
				return err
			}
			mk, err := a.masterKey(ctx, v)
			if err != nil {
				return err
			}
			defer crypto.SecureWipe(mk)

			value, err := a.readValue(key)
			if err != nil {
				return err
			}
			defer crypto.SecureWipe(value)

			if err := v.SetDetail(ctx, mk, project, key, string(value)); err != nil {
				return fmt.Errorf("failed to set detail: %w", err)
			}
			fmt.Fprintf(a.out, "Detail '%s/%s' saved\n", project, key)
			return nil
		},
		ValidArgsFunction: a.completeProjectDetail,
	}
}

// readValue reads a detail value: hidden prompt on a terminal, the rest of
// stdin otherwise.
func (a *app) readValue(key string) ([]byte, error) {
	if f, ok := a.in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return a.readSecret(fmt.Sprintf("Enter value for %s: ", key))
	}
	b, err := io.ReadAll(io.LimitReader(a.reader(), vault.MaxValueSize+2))
	if err != nil {
		return nil, fmt.Errorf("failed to read value: %w", err)
	}
	n := len(b)
	if n > 0 && b[n-1] == '\n' {
		n--
		if n > 0 && b[n-1] == '\r' {
			n--
		}
	}
	return b[:n], nil
}

func detailGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get PROJECT KEY",
		Short: "Print a detail value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			v, err := a.initializedVault(ctx)
			if err != nil {
				return err
			}
			mk, err := a.masterKey(ctx, v)
			if err != nil {
				return err
			}
			defer crypto.SecureWipe(mk)

			value, err := v.GetDetail(ctx, mk, args[0], args[1])
			if err != nil {
				return fmt.Errorf("failed to get detail: %w", err)
			}
			fmt.Fprintln(a.out, value)
			return nil
		},
		ValidArgsFunction: a.completeProjectDetail,
	}
}

type detailJSON struct {
	Project   string    `json:"project"`
	Key       string    `json:"key"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func detailListCmd(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:     "list [PROJECT]",
		Aliases: []string{"ls"},
		Short:   "List detail keys without values",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			v, err := a.initializedVault(ctx)
			if err != nil {
				return err
			}

			project := ""
			if len(args) == 1 {
				project = args[0]
			}
			infos, err := v.ListDetails(ctx, project)
			if err != nil {
				return fmt.Errorf("failed to list details: %w", err)
			}
			if len(infos) == 0 && project != "" {
				if err := requireProject(ctx, v, project); err != nil {
					return err
				}
			}

			if asJSON {
				out := make([]detailJSON, 0, len(infos))
				for _, d := range infos {
					out = append(out, detailJSON(d))
				}
				return writeJSON(a, out)
			}

			if len(infos) == 0 {
				fmt.Fprintln(a.out, "No details")
				return nil
			}
			w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PROJECT\tKEY\tUPDATED")
			for _, d := range infos {
				fmt.Fprintf(w, "%s\t%s\t%s\n", d.Project, d.Key, d.UpdatedAt.Local().Format(time.DateTime))
			}
			return w.Flush()
		},
		ValidArgsFunction: a.completeProject,
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func detailRemoveCmd(a *app) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:     "remove PROJECT KEY",
		Aliases: []string{"rm"},
		Short:   "Remove a detail",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			v, err := a.initializedVault(ctx)
			if err != nil {
				return err
			}
			subject := args[0] + "/" + args[1]
			if !force && !a.confirm(fmt.Sprintf("Remove detail '%s'?", subject)) {
				fmt.Fprintln(a.out, "Cancelled")
				return nil
			}
			if err := v.RemoveDetail(ctx, args[0], args[1]); err != nil {
				return fmt.Errorf("failed to remove detail: %w", err)
			}
			fmt.Fprintf(a.out, "Detail '%s' removed\n", subject)
			return nil
		},
		ValidArgsFunction: a.completeProjectDetail,
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Skip confirmation prompt")
	return cmd
}

// requireProject fails with ErrProjectNotFound when project does not exist.
func requireProject(ctx context.Context, v *vault.Vault, project string) error {
	names, err := v.ListProjects(ctx)
	if err != nil {
		return err
	}
	if !slices.Contains(names, project) {
		return fmt.Errorf("%w: %s", vault.ErrProjectNotFound, project)
	}
	return nil
}

// joinKeys shortens long key lists in messages.
func joinKeys(keys []string, max int) string {
	if len(keys) <= max {
		return strings.Join(keys, ", ")
	}
	return fmt.Sprintf("%s and %d more", strings.Join(keys[:max], ", "), len(keys)-max)
}
