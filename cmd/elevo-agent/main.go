// elevo-agent is the standalone agent binary baked into sandbox images, for
// templates that do not ship the full elevo binary.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/openelevo/elevo/internal/agent"
	"github.com/openelevo/elevo/internal/log"
)

func main() {
	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	logger := log.WithComponent("elevo-agent")

	a, err := agent.New(agent.FromEnv())
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid agent configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error().Err(err).Msg("agent exited")
		os.Exit(1)
	}
}
