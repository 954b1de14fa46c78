package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wilhg/previews/internal/config"
	"github.com/wilhg/previews/pkg/otel"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.setup()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			if addr != "" {
				cfg.Server.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "http listen address (overrides server.addr)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	shutdownTracing, err := otel.Init(ctx, otel.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		UseStdout:      cfg.Telemetry.Stdout,
	})
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.WithoutCancel(ctx)) }()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           a.handler,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.hub.Listen(gctx, a.bus)
	})
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}
