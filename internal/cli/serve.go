package cli

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lvcoi/ytgate/internal/backend"
	"github.com/lvcoi/ytgate/internal/clientip"
	"github.com/lvcoi/ytgate/internal/config"
	"github.com/lvcoi/ytgate/internal/db"
	"github.com/lvcoi/ytgate/internal/governor"
	"github.com/lvcoi/ytgate/internal/web"
	"github.com/lvcoi/ytgate/internal/ws"
)

func newServeCommand(rt *runtimeState) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server with the abuse governor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rt.loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.ListenAddress = listen
			}
			logger, err := rt.logger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return runServe(cmd.Context(), cfg, logger.Sugar())
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address override (default from LISTEN_ADDR)")
	return cmd
}

func (rt *runtimeState) loadConfig() (config.Config, error) {
	cfg, err := config.Load(rt.envFiles...)
	if err != nil {
		return config.Config{}, fmt.Errorf("config error: %w", err)
	}
	return cfg, nil
}

func (rt *runtimeState) logger(cfg config.Config) (*zap.Logger, error) {
	level := cfg.LogLevel
	if rt.logLevel != "" {
		level = rt.logLevel
	}
	return newLogger(level)
}

func openStore(cfg config.Config) (governor.Store, error) {
	switch cfg.GovernorStore {
	case "redis":
		s, err := governor.NewRedisStore(cfg.Redis)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return governor.NewMemoryStore(), nil
	}
}

func newBackend(cfg config.Config, log *zap.SugaredLogger) (backend.Backend, error) {
	return backend.New(backend.Options{
		Kind:         cfg.Backend,
		YTDLPPath:    cfg.YTDLPPath,
		ProxyBaseURL: cfg.ProxyBaseURL,
		ProxyRate:    cfg.ProxyRate,
		Timeout:      cfg.RequestTimeout,
		CacheTTL:     cfg.MetadataTTL,
		Log:          log,
	})
}

// runServe wires the governor, its observers and the web server, and blocks
// until ctx is cancelled.
func runServe(ctx context.Context, cfg config.Config, log *zap.SugaredLogger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening governor store: %w", err)
	}
	defer store.Close()

	hub := ws.NewHub(log.Named("ws"))
	opts := []governor.Option{
		governor.WithLogger(log.Named("governor")),
		governor.WithObserver(hub),
	}

	var (
		audit *db.DB
		sink  *db.AuditSink
	)
	if cfg.AuditDBPath != "" {
		audit, err = db.Open(cfg.AuditDBPath)
		if err != nil {
			return err
		}
		defer audit.Close()
		sink = db.NewAuditSink(audit, log.Named("audit"), db.WithRetention(cfg.AuditRetention, 0))
		opts = append(opts, governor.WithObserver(sink))
	}

	gov, err := governor.New(store, cfg.Governor, opts...)
	if err != nil {
		return err
	}

	b, err := newBackend(cfg, log.Named("backend"))
	if err != nil {
		return err
	}

	srv, err := web.New(web.Deps{
		Governor:   gov,
		Backend:    b,
		Resolver:   clientip.NewResolver(cfg.TrustedProxies),
		Hub:        hub,
		Audit:      audit,
		AdminToken: cfg.AdminToken,
		Log:        log.Named("web"),
	})
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
	}()
	if sink != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sink.Run(ctx)
		}()
	}
	janitorDone := governor.NewJanitor(gov, log.Named("janitor")).Start(ctx)

	log.Infow("Starting ytgate",
		"backend", b.Name(),
		"store", cfg.GovernorStore,
		"maxClicks", cfg.Governor.MaxClicks,
		"window", cfg.Governor.Window,
		"blockDuration", cfg.Governor.BlockDuration,
		"audit", cfg.AuditDBPath != "",
		"auditRetention", cfg.AuditRetention,
	)

	err = srv.ListenAndServe(ctx, cfg.ListenAddress)
	cancel()
	// The store is closed on return; no sweep may still be using it.
	<-janitorDone
	wg.Wait()
	if errors.Is(err, context.Canceled) {
		log.Info("Shut down cleanly")
		return nil
	}
	return err
}
