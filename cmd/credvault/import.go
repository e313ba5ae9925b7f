package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/forest6511/credvault/internal/cli"
	"github.com/forest6511/credvault/pkg/crypto"
	"github.com/forest6511/credvault/pkg/importer"
)

// Conflict policies for detail import.
const (
	onConflictSkip      = "skip"
	onConflictOverwrite = "overwrite"
	onConflictError     = "error"
)

type importOptions struct {
	from         string
	file         string
	group        string
	keys         []string
	preserveCase bool
	dryRun       bool
	onConflict   string
}

func detailImportCmd(a *app) *cobra.Command {
	opts := &importOptions{}

	cmd := &cobra.Command{
		Use:   "import PROJECT --from SOURCE --file FILE",
		Short: "Import details from a password manager export",
		Long: `Import details from a Bitwarden JSON, 1Password CSV or LastPass CSV export.

Every item becomes a group of details named "<item>/<field>", for example
"github/username" and "github/password". All details are written in one
transaction.

Examples:
  credvault detail import web --from bitwarden --file export.json
  credvault detail import web --from lastpass --file lp.csv --group Work --dry-run
  credvault detail import web --from 1password --file 1p.csv -k 'github/*'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.importDetails(cmd, args[0], opts)
		},
		ValidArgsFunction: a.completeProject,
	}

	cmd.Flags().StringVar(&opts.from, "from", "", "Import source: "+strings.Join(importer.ValidSources(), ", "))
	cmd.Flags().StringVar(&opts.file, "file", "", "Export file to read")
	cmd.Flags().StringVar(&opts.group, "group", "", "Only import items filed under this folder")
	cmd.Flags().StringArrayVarP(&opts.keys, "key", "k", nil, "Only import matching detail keys (glob pattern supported)")
	cmd.Flags().BoolVar(&opts.preserveCase, "preserve-case", false, "Preserve original case in key names")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "Show what would be imported without writing")
	cmd.Flags().StringVar(&opts.onConflict, "on-conflict", onConflictSkip, "What to do with existing keys: skip, overwrite, error")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func (a *app) importDetails(cmd *cobra.Command, project string, opts *importOptions) error {
	ctx := cmd.Context()

	switch opts.onConflict {
	case onConflictSkip, onConflictOverwrite, onConflictError:
	default:
		return fmt.Errorf("invalid --on-conflict value '%s': must be skip, overwrite or error", opts.onConflict)
	}
	parser, err := importer.GetParser(importer.Source(strings.ToLower(opts.from)))
	if err != nil {
		return fmt.Errorf("invalid --from value '%s': must be one of %v", opts.from, importer.ValidSources())
	}

	data, err := readImportFile(opts.file)
	if err != nil {
		return err
	}
	defer crypto.SecureWipe(data)

	result, err := parser.Parse(data, importer.ParseOptions{PreserveCase: opts.preserveCase, Group: opts.group})
	if err != nil {
		return fmt.Errorf("failed to parse %s file: %w", opts.from, err)
	}
	for _, w := range result.Warnings {
		fmt.Fprintf(a.errOut, "Warning: %s\n", w)
	}
	for _, s := range result.Skipped {
		fmt.Fprintf(a.errOut, "Skipped: %s (%s)\n", s.OriginalName, s.Reason)
	}

	values := result.Details()
	if len(opts.keys) > 0 {
		matched, err := cli.ExpandPatterns(opts.keys, result.Keys())
		if err != nil {
			return err
		}
		filtered := make(map[string]string, len(matched))
		for _, k := range matched {
			filtered[k] = values[k]
		}
		values = filtered
	}
	if len(values) == 0 {
		fmt.Fprintln(a.out, "No details found in file")
		return nil
	}

	v, err := a.initializedVault(ctx)
	if err != nil {
		return err
	}
	if err := requireProject(ctx, v, project); err != nil {
		return err
	}

	existing, err := v.ListDetails(ctx, project)
	if err != nil {
		return fmt.Errorf("failed to list details: %w", err)
	}
	var conflicts []string
	for _, d := range existing {
		if _, ok := values[d.Key]; ok {
			conflicts = append(conflicts, d.Key)
		}
	}

	if len(conflicts) > 0 {
		switch opts.onConflict {
		case onConflictError:
			return fmt.Errorf("%d details already exist in '%s': %s", len(conflicts), project, joinKeys(conflicts, 5))
		case onConflictSkip:
			for _, k := range conflicts {
				delete(values, k)
			}
		}
	}

	keys := cli.MapKeys(values)
	if opts.dryRun {
		fmt.Fprintf(a.out, "Dry run: %d details would be imported into '%s'\n", len(keys), project)
		for _, k := range keys {
			fmt.Fprintf(a.out, "  %s\n", k)
		}
		if len(conflicts) > 0 {
			fmt.Fprintf(a.out, "%d existing details would be %s\n", len(conflicts), conflictVerb(opts.onConflict))
		}
		return nil
	}
	if len(keys) == 0 {
		fmt.Fprintf(a.out, "Nothing to import; all %d details already exist\n", len(conflicts))
		return nil
	}

	mk, err := a.masterKey(ctx, v)
	if err != nil {
		return err
	}
	defer crypto.SecureWipe(mk)

	n, err := v.ImportDetails(ctx, mk, project, values)
	if err != nil {
		return fmt.Errorf("failed to import details: %w", err)
	}
	fmt.Fprintf(a.out, "Imported %d details into '%s'", n, project)
	if len(conflicts) > 0 {
		fmt.Fprintf(a.out, " (%d existing %s)", len(conflicts), conflictVerb(opts.onConflict))
	}
	fmt.Fprintln(a.out)
	return nil
}

func conflictVerb(policy string) string {
	if policy == onConflictOverwrite {
		return "overwritten"
	}
	return "skipped"
}

// readImportFile reads an export, refusing symlinks.
func readImportFile(path string) ([]byte, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("invalid path: %w", err)
	}
	info, err := os.Lstat(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("file not found: %s", path)
		}
		return nil, fmt.Errorf("failed to access file: %w", err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return nil, fmt.Errorf("security: refusing to read symlink: %s", abs)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return data, nil
}
