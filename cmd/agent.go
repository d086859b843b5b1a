package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/openelevo/elevo/internal/agent"
	"github.com/openelevo/elevo/internal/log"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the in-container sandbox agent",
	Long: `Run the agent that executes commands, PTY sessions, and file
operations inside a sandbox container. Configuration comes from the
environment the server injects at launch: AGENT_SERVER_ADDR, SANDBOX_ID and
AGENT_TOKEN.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

		a, err := agent.New(agent.FromEnv())
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := a.Run(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(agentCmd)
}
