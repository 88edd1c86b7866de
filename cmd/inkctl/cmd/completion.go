package cmd

import (
	"github.com/spf13/cobra"
)

// completionCmd represents the completion command
var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate completion script",
	Long: `To load completions:

Bash:

  $ source <(inkctl completion bash)

  # To load completions for each session, execute once:
  # Linux:
  $ inkctl completion bash > /etc/bash_completion.d/inkctl
  # macOS:
  $ inkctl completion bash > $(brew --prefix)/etc/bash_completion.d/inkctl

Zsh:

  # If shell completion is not already enabled in your environment,
  # you will need to enable it. You can execute the following once:

  $ echo "autoload -U compinit; compinit" >> ~/.zshrc

  # To load completions for each session, execute once:
  $ inkctl completion zsh > "${fpath[1]}/_inkctl"

  # You will need to start a new shell for this setup to take effect.

fish:

  $ inkctl completion fish | source

  # To load completions for each session, execute once:
  $ inkctl completion fish > ~/.config/fish/completions/inkctl.fish

PowerShell:

  PS> inkctl completion powershell | Out-String | Invoke-Expression

  # To load completions for every new session, run:
  PS> inkctl completion powershell > inkctl.ps1
  # and source this file from your PowerShell profile.
`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		switch args[0] {
		case "bash":
			return cmd.Root().GenBashCompletionV2(out, true)
		case "zsh":
			return cmd.Root().GenZshCompletion(out)
		case "fish":
			return cmd.Root().GenFishCompletion(out, true)
		default:
			return cmd.Root().GenPowerShellCompletionWithDesc(out)
		}
	},
}

func init() {
	rootCmd.AddCommand(completionCmd)
}
