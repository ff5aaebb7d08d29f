package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot(newCommand(os.Stdout))
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every sub-command.
type GlobalFlags struct {
	ConfigPath string
}

// buildRoot wires the sub-commands onto the root command.
func buildRoot(c *command) *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createUpCommand(c, globalFlags),
		createDownCommand(c, globalFlags),
		createStartCommand(c, globalFlags),
		createStopCommand(c, globalFlags),
		createRestartCommand(c, globalFlags),
		createStatusCommand(c, globalFlags),
		createLogsCommand(c, globalFlags),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "guardian",
		Short: "Supervisor for interdependent long-running processes",
		Long: `Guardian starts a fleet of processes in dependency order, waits for each
to become ready, health-checks them and recovers failures with backoff.

Examples:
  guardian up                  # start external services, then supervise
  guardian start               # supervise in the foreground
  guardian status -o json
  guardian logs api -f -n 100`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "guardian.toml", "path to TOML config file")
	return root
}

func createUpCommand(c *command, g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Start unmanaged dependencies, then the supervisor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Up(cmd.Context(), g.ConfigPath)
		},
	}
}

func createDownCommand(c *command, g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Stop the supervisor and every unmanaged process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Down(cmd.Context(), g.ConfigPath)
		},
	}
}

func createStartCommand(c *command, g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the supervisor in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Start(cmd.Context(), g.ConfigPath)
		},
	}
}

func createStopCommand(c *command, g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running supervisor and its managed processes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Stop(cmd.Context(), g.ConfigPath)
		},
	}
}

// RestartFlags holds flags for the restart command.
type RestartFlags struct {
	APITimeout time.Duration
}

func createRestartCommand(c *command, g *GlobalFlags) *cobra.Command {
	f := &RestartFlags{}
	cmd := &cobra.Command{
		Use:   "restart [process]",
		Short: "Restart one process, or all of them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			return c.Restart(cmd.Context(), g.ConfigPath, name, *f)
		},
	}
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 2*time.Minute, "request timeout when a supervisor is running")
	return cmd
}

// StatusFlags holds flags for the status command.
type StatusFlags struct {
	Output string
}

func createStatusCommand(c *command, g *GlobalFlags) *cobra.Command {
	f := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of every configured process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(cmd.Context(), g.ConfigPath, *f)
		},
	}
	cmd.Flags().StringVarP(&f.Output, "output", "o", "table", "output format: table|json|yaml")
	return cmd
}

// LogsFlags holds flags for the logs command.
type LogsFlags struct {
	Follow bool
	Tail   int
}

func createLogsCommand(c *command, g *GlobalFlags) *cobra.Command {
	f := &LogsFlags{}
	cmd := &cobra.Command{
		Use:   "logs [process]",
		Short: "Print the tail of a process log, or the guardian log",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			return c.Logs(cmd.Context(), g.ConfigPath, name, *f)
		},
	}
	cmd.Flags().BoolVarP(&f.Follow, "follow", "f", false, "follow log output")
	cmd.Flags().IntVarP(&f.Tail, "tail", "n", 50, "number of lines to show")
	return cmd
}
