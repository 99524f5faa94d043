package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jonwraymond/actionrun/config"
	"github.com/jonwraymond/actionrun/engine"
	"github.com/jonwraymond/actionrun/observe"
)

var (
	configFile string
	serverAddr string
	apiKey     string
)

func buildCLI() *cobra.Command {
	root := &cobra.Command{
		Use:           "actionrund",
		Short:         "Action dispatch runtime with retries, circuit breaking and rate limiting",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default: ./actionrun.yaml or /etc/actionrun/actionrun.yaml)")
	root.PersistentFlags().StringVar(&serverAddr, "addr", "http://localhost:8080", "address of a running actionrund")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("ACTIONRUN_API_KEY"), "management API key")

	root.AddCommand(buildServeCommand())
	root.AddCommand(buildStatusCommand())
	root.AddCommand(buildSubmitCommand())
	root.AddCommand(buildCancelCommand())
	root.AddCommand(buildDeadLettersCommand())
	root.AddCommand(buildReplayCommand())
	return root
}

func buildServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the runtime and its HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := observe.NewLogger(cfg.Server.LogLevel)

	e, err := engine.New(ctx, cfg, engine.Options{Version: version, Logger: log, GlobalTelemetry: true})
	if err != nil {
		return err
	}
	if err := e.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           e.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info(ctx, "listening", observe.F("addr", cfg.Server.Addr), observe.F("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info(context.Background(), "shutdown requested")
	case serveErr = <-errCh:
		log.Error(context.Background(), "http server failed", observe.Err(serveErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Stop HTTP before draining the dispatcher.
	httpErr := srv.Shutdown(shutdownCtx)
	engineErr := e.Shutdown(shutdownCtx)
	return errors.Join(serveErr, httpErr, engineErr)
}
