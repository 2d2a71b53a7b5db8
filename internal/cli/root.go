package cli

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "hermes",
	Short: "Task orchestration engine for a local CLI agent",
	Long: `hermes turns free-form task instructions arriving over mail and chat into
refined prompts, executes them one at a time through a local CLI agent, and
replies to each sender with the outcome.

Running 'hermes' without a subcommand is equivalent to 'hermes run'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Default behavior: run the 'run' command
		return runCmd.RunE(cmd, args)
	},
}

func init() {
	// Add subcommands
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(tasksCmd)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to hermes.json config file (default: search up directory tree)")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
