package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/forge-run/forge/pkg/agent"
	"github.com/forge-run/forge/pkg/version"
)

var (
	workspaceDir string
	verbose      bool
)

var rootCmd = &cobra.Command{
	Use:   "forge",
	Short: "Workspace agent for the forge task coordinator",
	Long: `forge drives iterative task execution inside one workspace and keeps
it synchronized with a forge coordinator.

Typical flow:
  forge register my-project --url http://coordinator:3344
  forge init "Fix the failing integration tests" --until test-pass
  forge queue-tasks --all
  forge sync`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

// Execute runs the CLI, exiting non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&workspaceDir, "workspace", "C", ".", "workspace directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(queueTasksCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(tickCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the forge version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Full())
	},
}

func workspace() agent.Workspace {
	return agent.NewWorkspace(workspaceDir)
}

// linkedClient loads the registration and builds a coordinator client.
// Returns an error when the workspace was never registered.
func linkedClient(ws agent.Workspace) (*agent.Registration, *agent.Client, error) {
	reg, err := agent.LoadRegistration(ws)
	if err != nil {
		return nil, nil, fmt.Errorf("load registration: %w", err)
	}
	if reg == nil {
		return nil, nil, fmt.Errorf("workspace is not registered; run 'forge register' first")
	}
	return reg, agent.NewClient(reg.URL, reg.NodeID), nil
}
