package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/chatndev/internal/assistant"
	"github.com/ehrlich-b/chatndev/internal/auth"
	"github.com/ehrlich-b/chatndev/internal/llm"
	"github.com/ehrlich-b/chatndev/internal/logger"
	"github.com/ehrlich-b/chatndev/internal/metrics"
	"github.com/ehrlich-b/chatndev/internal/orchestrator"
	"github.com/ehrlich-b/chatndev/internal/room"
	"github.com/ehrlich-b/chatndev/internal/router"
	"github.com/ehrlich-b/chatndev/internal/server"
	"github.com/ehrlich-b/chatndev/internal/store"
)

func serveCmd() *cobra.Command {
	var addrFlag string
	var dbFlag string
	var ptyFlag bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the collaboration server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if addrFlag != "" {
				cfg.Server.Addr = addrFlag
			}
			if dbFlag != "" {
				cfg.Database.Path = dbFlag
			}
			if ptyFlag {
				cfg.Sandbox.UsePTY = true
			}
			if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			st, err := store.Open(expandHome(cfg.Database.Path))
			if err != nil {
				return fmt.Errorf("open db: %w", err)
			}
			defer st.Close()

			m := metrics.New()
			rec := store.NewRecorder(st, 0, m)

			provider, err := llm.NewProvider(cfg.Provider())
			if err != nil {
				return err
			}
			pipeline := assistant.New(llm.NewAssistant(provider), cfg.LLM.Timeout, m)

			ocfg := cfg.Orchestrator()
			rooms := room.NewRegistry(func(key string, emit room.Emitter) room.Runner {
				return orchestrator.New(key, ocfg, emit, m)
			}, m)
			rt := router.New(router.Options{
				Pipeline:  pipeline,
				Recorder:  rec,
				Trees:     st,
				Metrics:   m,
				Serialize: cfg.SerializeAssistant(),
			})
			srv := server.New(server.Options{
				Store:             st,
				Rooms:             rooms,
				Router:            rt,
				Verifier:          auth.NewVerifier([]byte(cfg.Auth.JWTSecret)),
				Metrics:           m,
				AllowedOrigins:    cfg.Server.AllowedOrigins,
				MessagesPerSecond: cfg.Server.MessagesPerSecond,
				Burst:             cfg.Server.Burst,
			})

			httpSrv := &http.Server{
				Addr:              cfg.Server.Addr,
				Handler:           srv,
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				logger.Info("chatndev serve listening", "addr", cfg.Server.Addr,
					"llm", provider.Name(), "db", cfg.Database.Path)
				errCh <- httpSrv.ListenAndServe()
			}()

			select {
			case <-ctx.Done():
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
			}

			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := httpSrv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("http shutdown", "err", err)
			}
			// Closing rooms ends websocket sessions and kills sandboxes.
			rooms.CloseAll()
			if err := srv.Drain(shutdownCtx); err != nil {
				logger.Warn("assistant replies still running at exit", "err", err)
			}
			rec.Close()
			return nil
		},
	}

	cmd.Flags().StringVar(&addrFlag, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&dbFlag, "db", "", "sqlite database path (overrides config)")
	cmd.Flags().BoolVar(&ptyFlag, "pty", false, "run sandbox programs on a pseudo-terminal")

	return cmd
}
