package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and its subcommands.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createRunCommand(globalFlags, &RunFlags{}),
		createStatusCommand(globalFlags, &APIFlags{}),
		createRestartCommand(globalFlags, &RestartFlags{}),
		createUpdateCommand(globalFlags, &APIFlags{}),
		createHistoryCommand(globalFlags, &HistoryFlags{}),
		createVersionCommand(),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "sidekick",
		Short: "Sidecar server lifecycle supervisor",
		Long: `Sidekick keeps a sidecar server process alive next to its host:
it negotiates ports, fronts the sidecar with a stable proxy, restarts it
on crashes and failed health checks, and swaps in staged updates.

Examples:
  sidekick run --config=sidekick.toml
  sidekick run --config=sidekick.toml --backend-port=9250
  sidekick status
  sidekick restart --all
  sidekick history --limit=20`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().BoolVarP(&flags.Verbose, "verbose", "v", false, "log client requests")
	return root
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the sidekick version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println(version)
		},
	}
}
