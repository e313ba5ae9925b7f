package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// EnvCompletion opts in to completion of project names and detail keys.
// It is off by default because completing opens the vault file.
const EnvCompletion = "CREDVAULT_COMPLETION_ENABLED"

func isDynamicCompletionEnabled() bool {
	return os.Getenv(EnvCompletion) == "1"
}

// completionReady loads the configuration when the completion machinery ran
// without the usual pre-run hook, and refuses when no vault exists yet so a
// tab press never creates one.
func (a *app) completionReady() bool {
	if !isDynamicCompletionEnabled() {
		return false
	}
	if a.cfg == nil {
		if err := a.setup(); err != nil {
			return false
		}
	}
	_, err := os.Stat(a.cfg.VaultPath)
	return err == nil
}

// completeProject completes the first positional argument with project names.
func (a *app) completeProject(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 || !a.completionReady() {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	v, err := a.openVault(cmd.Context())
	if err != nil {
		return nil, cobra.ShellCompDirectiveError
	}
	names, err := v.ListProjects(cmd.Context())
	if err != nil {
		return nil, cobra.ShellCompDirectiveError
	}
	return filterPrefix(names, toComplete), cobra.ShellCompDirectiveNoFileComp
}

// completeProjectDetail completes PROJECT then KEY.
func (a *app) completeProjectDetail(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) == 0 {
		return a.completeProject(cmd, args, toComplete)
	}
	if len(args) > 1 || !a.completionReady() {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	v, err := a.openVault(cmd.Context())
	if err != nil {
		return nil, cobra.ShellCompDirectiveError
	}
	infos, err := v.ListDetails(cmd.Context(), args[0])
	if err != nil {
		return nil, cobra.ShellCompDirectiveError
	}
	keys := make([]string, 0, len(infos))
	for _, info := range infos {
		keys = append(keys, info.Key)
	}
	return filterPrefix(keys, toComplete), cobra.ShellCompDirectiveNoFileComp
}

// completeProjectFlag completes the value of a --project flag.
func (a *app) completeProjectFlag(cmd *cobra.Command, _ []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return a.completeProject(cmd, nil, toComplete)
}

func filterPrefix(items []string, prefix string) []string {
	var out []string
	for _, item := range items {
		if strings.HasPrefix(item, prefix) {
			out = append(out, item)
		}
	}
	return out
}
