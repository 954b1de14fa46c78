package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wilhg/previews/internal/config"
	"github.com/wilhg/previews/pkg/access"
	"github.com/wilhg/previews/pkg/auth"
	"github.com/wilhg/previews/pkg/bus"
	"github.com/wilhg/previews/pkg/bus/membus"
	"github.com/wilhg/previews/pkg/bus/pgbus"
	"github.com/wilhg/previews/pkg/bus/redisbus"
	"github.com/wilhg/previews/pkg/httpapi"
	"github.com/wilhg/previews/pkg/preview"
	"github.com/wilhg/previews/pkg/render"
	"github.com/wilhg/previews/pkg/store"
	"github.com/wilhg/previews/pkg/store/entstore"
	"github.com/wilhg/previews/pkg/store/gormstore"
)

// app is the wired service: store, completion bus, waiters and handler.
type app struct {
	store   store.Store
	bus     bus.Bus
	hub     *preview.Hub
	handler http.Handler
	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	st, err := openStore(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	a.store = st
	a.closers = append(a.closers, st.Close)
	if cfg.Database.AutoMigrate {
		if err := st.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	var rdb redis.UniversalClient
	if cfg.Bus.Driver == "redis" || cfg.Render.Signal == "redis" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, rdb.Close)
	}

	b, err := openBus(ctx, cfg, rdb, logger)
	if err != nil {
		return nil, err
	}
	a.bus = b
	a.closers = append(a.closers, b.Close)

	var signaler render.Signaler = render.Noop{}
	if cfg.Render.Signal == "redis" {
		signaler = render.NewRedisQueue(rdb, cfg.Render.Queue)
	}

	authn, err := auth.New(auth.Config{
		Secret:    cfg.Auth.JWTSecret,
		PublicKey: cfg.Auth.PublicKey,
		Issuer:    cfg.Auth.Issuer,
		Audience:  cfg.Auth.Audience,
	}, logger)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := preview.NewMetrics(reg)

	a.hub = preview.NewHub(logger)
	opts := httpapi.Options{
		Results:        preview.NewCompleter(st, b, metrics, logger),
		Pending:        st,
		WorkerToken:    cfg.Render.WorkerToken,
		Auth:           authn.Middleware,
		Gatherer:       reg,
		Health:         st.Ping,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         logger,
	}
	if cfg.Previews.Disabled {
		logger.Warn("Object preview module is DISABLED")
	} else {
		gate := access.NewGate(st, access.TokenScopes{}, access.CatalogRoles{Roles: st})
		opts.Previews = preview.NewService(gate, preview.NewResolver(st, logger), st, st, a.hub, preview.Config{
			DefaultAngle:       cfg.Previews.DefaultAngle,
			WaitTimeout:        cfg.Previews.WaitTimeout,
			PollInterval:       cfg.Previews.PollInterval,
			MaxAttempts:        cfg.Previews.MaxAttempts,
			ObjectRouteRenders: cfg.Previews.ObjectRouteRenders,
		},
			preview.WithLogger(logger),
			preview.WithMetrics(metrics),
			preview.WithSignaler(signaler),
		)
		logger.Info("Init object preview module",
			zap.String("bus", cfg.Bus.Driver),
			zap.String("render_signal", cfg.Render.Signal),
			zap.Duration("wait_timeout", cfg.Previews.WaitTimeout))
	}
	a.handler = httpapi.NewHandler(opts)
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (store.Store, error) {
	if cfg.Backend == "gorm" {
		st, err := gormstore.OpenURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("open gorm store: %w", err)
		}
		return st, nil
	}
	st, err := entstore.Open(ctx, cfg.URL)
	if err != nil {
		return nil, err
	}
	return st, nil
}

func openBus(ctx context.Context, cfg *config.Config, rdb redis.UniversalClient, logger *zap.Logger) (bus.Bus, error) {
	switch cfg.Bus.Driver {
	case "redis":
		return redisbus.New(rdb, cfg.Bus.Channel, logger), nil
	case "postgres":
		b, err := pgbus.Open(ctx, cfg.Database.URL, cfg.Bus.Channel, logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return membus.New(0), nil
	}
}
