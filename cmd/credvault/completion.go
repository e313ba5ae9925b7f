package main

import (
	"github.com/spf13/cobra"
)

func completionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "completion [bash|zsh|fish|powershell]",
		Short: "Generate completion script for your shell",
		Long: `To load completions:

Bash:
  $ source <(credvault completion bash)

  # To load for each session (Linux):
  $ credvault completion bash > ~/.local/share/bash-completion/completions/credvault

Zsh:
  $ credvault completion zsh > ~/.zsh/completions/_credvault
  # (create ~/.zsh/completions if needed, add to fpath in .zshrc)

Fish:
  $ credvault completion fish > ~/.config/fish/completions/credvault.fish

PowerShell:
  PS> credvault completion powershell >> $PROFILE

Dynamic completion (project names and detail keys):
  Set CREDVAULT_COMPLETION_ENABLED=1. Names and keys are read from the vault
  without unlocking it, so completion never prompts for a password.
`,
		DisableFlagsInUseLine: true,
		ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
		Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch args[0] {
			case "bash":
				return cmd.Root().GenBashCompletion(a.out)
			case "zsh":
				return cmd.Root().GenZshCompletion(a.out)
			case "fish":
				return cmd.Root().GenFishCompletion(a.out, true)
			case "powershell":
				return cmd.Root().GenPowerShellCompletionWithDesc(a.out)
			}
			return nil
		},
	}
}
