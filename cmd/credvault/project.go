package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/forest6511/credvault/pkg/crypto"
	"github.com/forest6511/credvault/pkg/security"
)

func projectCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "project",
		Aliases: []string{"projects"},
		Short:   "Manage projects and their tokens",
	}
	cmd.AddCommand(
		projectCreateCmd(a),
		projectListCmd(a),
		projectTokenCmd(a),
		projectRotateCmd(a),
		projectRenameCmd(a),
		projectRemoveCmd(a),
		projectCheckCmd(a),
	)
	return cmd
}

func projectCreateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "create NAME",
		Short: "Create a project and print its token",
		Args:  cobra.ExactArgs(1),
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

			token, err := v.CreateProject(ctx, mk, args[0])
			if err != nil {
				return fmt.Errorf("failed to create project: %w", err)
			}
			fmt.Fprintln(a.out, token)
			fmt.Fprintf(a.errOut, "Project '%s' created. The token above reads its details without the master password; keep it secret.\n", args[0])
			return nil
		},
	}
}

type projectJSON struct {
	Name      string    `json:"name"`
	Details   int       `json:"details"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func projectListCmd(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List projects",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			v, err := a.initializedVault(ctx)
			if err != nil {
				return err
			}
			infos, err := v.ListProjectInfo(ctx)
			if err != nil {
				return fmt.Errorf("failed to list projects: %w", err)
			}

			if asJSON {
				out := make([]projectJSON, 0, len(infos))
				for _, p := range infos {
					out = append(out, projectJSON(p))
				}
				return writeJSON(a, out)
			}

			if len(infos) == 0 {
				fmt.Fprintln(a.out, "No projects")
				return nil
			}
			w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tDETAILS\tUPDATED")
			for _, p := range infos {
				fmt.Fprintf(w, "%s\t%d\t%s\n", p.Name, p.Details, p.UpdatedAt.Local().Format(time.DateTime))
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func projectTokenCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "token NAME",
		Short: "Print the token of a project",
		Args:  cobra.ExactArgs(1),
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

			token, err := v.ProjectToken(ctx, mk, args[0])
			if err != nil {
				return fmt.Errorf("failed to read project token: %w", err)
			}
			fmt.Fprintln(a.out, token)
			return nil
		},
		ValidArgsFunction: a.completeProject,
	}
}

func projectRotateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rotate NAME",
		Short: "Replace a project key and print the new token",
		Long: `Replace the key of a project. Every detail is rewrapped under the new key in
one transaction and the old token stops working immediately.`,
		Args: cobra.ExactArgs(1),
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

			token, err := v.RotateProject(ctx, mk, args[0])
			if err != nil {
				return fmt.Errorf("failed to rotate project: %w", err)
			}
			fmt.Fprintln(a.out, token)
			fmt.Fprintf(a.errOut, "Project '%s' rotated; the previous token no longer works.\n", args[0])
			return nil
		},
		ValidArgsFunction: a.completeProject,
	}
}

func projectRenameCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rename OLD NEW",
		Short: "Rename a project",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			v, err := a.initializedVault(ctx)
			if err != nil {
				return err
			}
			if err := v.RenameProject(ctx, args[0], args[1]); err != nil {
				return fmt.Errorf("failed to rename project: %w", err)
			}
			fmt.Fprintf(a.out, "Project '%s' renamed to '%s'\n", args[0], args[1])
			return nil
		},
		ValidArgsFunction: a.completeProject,
	}
}

func projectRemoveCmd(a *app) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:     "remove NAME",
		Aliases: []string{"rm"},
		Short:   "Remove a project and all of its details",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			v, err := a.initializedVault(ctx)
			if err != nil {
				return err
			}
			if !force && !a.confirm(fmt.Sprintf("Remove project '%s' and all of its details?", args[0])) {
				fmt.Fprintln(a.out, "Cancelled")
				return nil
			}
			if err := v.RemoveProject(ctx, args[0]); err != nil {
				return fmt.Errorf("failed to remove project: %w", err)
			}
			fmt.Fprintf(a.out, "Project '%s' removed\n", args[0])
			return nil
		},
		ValidArgsFunction: a.completeProject,
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Skip confirmation prompt")
	return cmd
}

func projectCheckCmd(a *app) *cobra.Command {
	var (
		asJSON     bool
		staleAfter string
	)

	cmd := &cobra.Command{
		Use:   "check NAME",
		Short: "Score a project for weak, reused and stale credentials",
		Long: `Decrypt the details of a project and report weak values, values shared by
several details and details that have not changed for a long time.

The report names detail keys only; values are never printed. Use
--stale-after 0 to skip the age check.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			project := args[0]

			opts := []security.Option{}
			if staleAfter != "" {
				d := time.Duration(0)
				if staleAfter != "0" {
					var err error
					if d, err = parseDuration(staleAfter); err != nil {
						return fmt.Errorf("invalid --stale-after: %w", err)
					}
				}
				opts = append(opts, security.WithStaleAfter(d))
			}

			v, err := a.initializedVault(ctx)
			if err != nil {
				return err
			}
			mk, err := a.masterKey(ctx, v)
			if err != nil {
				return err
			}
			defer crypto.SecureWipe(mk)

			projectKey, err := v.GetProjectKey(ctx, mk, project)
			if err != nil {
				return fmt.Errorf("failed to unlock project: %w", err)
			}
			defer crypto.SecureWipe(projectKey)

			infos, err := v.ListDetails(ctx, project)
			if err != nil {
				return fmt.Errorf("failed to list details: %w", err)
			}
			needs := make(map[string]string, len(infos))
			for _, info := range infos {
				needs[info.Key] = info.Key
			}
			values, err := v.LoadProjectDetails(ctx, projectKey, project, needs)
			if err != nil {
				return fmt.Errorf("failed to load details: %w", err)
			}

			report, err := security.NewAnalyzer(opts...).Analyze(project, values, infos)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(a, report)
			}
			printReport(a, report)
			return nil
		},
		ValidArgsFunction: a.completeProject,
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	cmd.Flags().StringVar(&staleAfter, "stale-after", "", "Report details unchanged for this long (e.g., 90d, 6m; default 90d)")
	return cmd
}

func printReport(a *app, r *security.Report) {
	fmt.Fprintf(a.out, "Project %s: %d/100\n", r.Project, r.Overall)
	fmt.Fprintf(a.out, "  Strength    %2d/40  (%d passwords and tokens scored)\n", r.Components.Strength, r.Scored)
	fmt.Fprintf(a.out, "  Uniqueness  %2d/30\n", r.Components.Uniqueness)
	fmt.Fprintf(a.out, "  Freshness   %2d/30\n", r.Components.Freshness)

	if len(r.Issues) == 0 {
		fmt.Fprintln(a.out, "\nNo issues found")
		return
	}
	fmt.Fprintln(a.out, "\nIssues:")
	for _, issue := range r.Issues {
		fmt.Fprintf(a.out, "  [%s] %s: %s\n", issue.Severity, strings.Join(issue.Keys, ", "), issue.Description)
	}
	if len(r.Suggestions) > 0 {
		fmt.Fprintln(a.out, "\nSuggestions:")
		for _, s := range r.Suggestions {
			fmt.Fprintf(a.out, "  - %s\n", s)
		}
	}
}

func writeJSON(a *app, v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
