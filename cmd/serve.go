package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openelevo/elevo/internal/config"
	"github.com/openelevo/elevo/internal/container"
	"github.com/openelevo/elevo/internal/db"
	"github.com/openelevo/elevo/internal/engine"
	"github.com/openelevo/elevo/internal/log"
	"github.com/openelevo/elevo/internal/nfs"
	"github.com/openelevo/elevo/internal/server"
	"github.com/openelevo/elevo/internal/tunnel"
	"github.com/openelevo/elevo/internal/workspace"
)

// heartbeatInterval is the liveness ping period for agent connections; two
// missed intervals mark a sandbox failed.
const heartbeatInterval = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the elevo server",
	Long:  `Start the HTTP API, the agent control plane, and the NFS export server.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
		logger := log.WithComponent("serve")

		if err := os.MkdirAll(cfg.WorkspaceDir, 0o755); err != nil {
			return fmt.Errorf("create workspace root: %w", err)
		}

		database, err := db.Open(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open metadata store: %w", err)
		}
		defer database.Close()

		driver, err := container.NewDockerDriver()
		if err != nil {
			return fmt.Errorf("container runtime: %w", err)
		}
		defer driver.Close()

		files := workspace.NewManager(cfg.WorkspaceDir)
		eng := engine.New(cfg, database, files, driver)

		ptys := server.NewPTYManager(eng)
		hooks := eng.Hooks()
		hooks.OnEvent = ptys.HandleAgentEvent
		registry := tunnel.NewRegistry(hooks, heartbeatInterval)
		eng.SetRegistry(registry)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		// Realign metadata, containers, and workspace dirs before serving.
		if err := eng.Reconcile(ctx); err != nil {
			return fmt.Errorf("startup reconciliation: %w", err)
		}

		srv := server.New(cfg, eng, registry, ptys)
		router := srv.Router()

		apiServer := &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
			Handler: router,
		}
		agentServer := &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.AgentPort),
			Handler: srv.AgentRouter(),
		}
		nfsServer := nfs.NewServer(database, cfg.WorkspaceDir, cfg.NFSPort)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			logger.Info().Int("port", cfg.HTTPPort).Msg("http api listening")
			if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			logger.Info().Int("port", cfg.AgentPort).Msg("agent control plane listening")
			if err := agentServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("agent server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			return nfsServer.ListenAndServe(gctx)
		})
		g.Go(func() error {
			registry.Monitor(gctx)
			return nil
		})
		g.Go(func() error {
			eng.RunReaper(gctx)
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			apiServer.Shutdown(shutdownCtx)
			agentServer.Shutdown(shutdownCtx)
			return nil
		})

		logger.Info().Msg("elevo server started")
		if err := g.Wait(); err != nil && ctx.Err() == nil {
			return err
		}
		logger.Info().Msg("elevo server stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
