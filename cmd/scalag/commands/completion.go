package commands

import (
	"github.com/spf13/cobra"

	"github.com/pbatko/scalag/internal/config"
)

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate shell completion script",
	Long: `Generate shell completion script for Scalag.

To load completions:

Bash:
  $ scalag completion bash > ~/.local/share/bash-completion/completions/scalag
  $ source ~/.local/share/bash-completion/completions/scalag

Zsh:
  $ scalag completion zsh > ~/.zsh/completion/_scalag
  $ echo 'fpath=(~/.zsh/completion $fpath)' >> ~/.zshrc
  $ echo 'autoload -Uz compinit && compinit' >> ~/.zshrc

Fish:
  $ scalag completion fish > ~/.config/fish/completions/scalag.fish

PowerShell:
  PS> scalag completion powershell | Out-String | Invoke-Expression
`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	// completion output must not depend on a readable config
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE:              runCompletion,
}

func init() {
	rootCmd.AddCommand(completionCmd)

	// Register completions for the global device flags
	registerFlagCompletions(rootCmd)
}

func runCompletion(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	switch args[0] {
	case "bash":
		return cmd.Root().GenBashCompletion(out)
	case "zsh":
		return cmd.Root().GenZshCompletion(out)
	case "fish":
		return cmd.Root().GenFishCompletion(out, true)
	case "powershell":
		return cmd.Root().GenPowerShellCompletionWithDesc(out)
	}
	return nil
}

// registerFlagCompletions completes the values of the global device flags.
func registerFlagCompletions(root *cobra.Command) {
	fixed := func(values ...string) cobra.CompletionFunc {
		return func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
			return values, cobra.ShellCompDirectiveNoFileComp
		}
	}

	_ = root.RegisterFlagCompletionFunc("backend", fixed(
		config.BackendSoft+"\tEmulated device in host memory",
		config.BackendVulkan+"\tVulkan device (requires the vulkan build tag)",
	))
	_ = root.RegisterFlagCompletionFunc("profile", fixed(
		"integrated\tOne heap shared by host and device",
		"discrete\tSeparate device local and host visible heaps",
	))
}
