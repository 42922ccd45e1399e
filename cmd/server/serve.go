package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/sitebook/api"
	"github.com/warp/sitebook/config"
	"github.com/warp/sitebook/inventory"
	"github.com/warp/sitebook/inventory/store"
	"github.com/warp/sitebook/lock"
	"github.com/warp/sitebook/store/postgres"
	"github.com/warp/sitebook/store/sqlite"
)

var (
	serveAddr    string
	serveMigrate bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		if serveAddr != "" {
			cfg.Server.Addr = serveAddr
		}
		return serve(cmd.Context(), cfg, logger)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.addr)")
	serveCmd.Flags().BoolVar(&serveMigrate, "migrate", false, "run postgres migrations before serving")
	rootCmd.AddCommand(serveCmd)
}

// serve wires the store, locker, engine and router, then blocks until a
// shutdown signal.
func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if serveMigrate && cfg.Store.Driver == config.DriverPostgres {
		if err := postgres.Migrate(ctx, cfg.Store.DSN); err != nil {
			return err
		}
	}

	st, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	locker, closeLocker, err := openLocker(ctx, cfg.Lock, logger)
	if err != nil {
		return err
	}
	defer closeLocker()

	var metrics *api.Metrics
	opts := []inventory.Option{
		inventory.WithLocker(locker),
		inventory.WithLogger(logger.Named("reconcile")),
		inventory.WithTimeout(cfg.Store.Timeout),
	}
	if cfg.Metrics.Enabled {
		metrics = api.NewMetrics()
		opts = append(opts, inventory.WithObserver(metrics))
	}
	engine := inventory.NewReconciler(st, opts...)

	handler := api.NewHandler(engine, logger.Named("http"))
	router := api.NewRouter(handler, api.RouterConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RequestTimeout: cfg.Server.RequestTimeout,
		Metrics:        metrics,
	})

	monitor := api.NewStockMonitor(handler.Reports, metrics, logger.Named("monitor"))
	monitor.Enabled = cfg.Monitor.Enabled
	monitor.CheckInterval = cfg.Monitor.Interval
	monitor.Start()
	defer monitor.Stop()

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Server.RequestTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("addr", cfg.Server.Addr),
			zap.String("store", cfg.Store.Driver),
			zap.String("lock", cfg.Lock.Driver),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for interrupt signal or listener failure
	select {
	case err := <-errCh:
		if err != nil {
			return eris.Wrap(err, "listen")
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return eris.Wrap(err, "server forced to shutdown")
	}

	logger.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, sc config.StoreConfig) (inventory.TxStore, func(), error) {
	switch sc.Driver {
	case config.DriverMemory:
		return store.NewTxMemory(), func() {}, nil
	case config.DriverSQLite:
		s, err := sqlite.New(sc.DSN)
		if err != nil {
			return nil, nil, eris.Wrap(err, "open sqlite")
		}
		return s, func() { s.Close() }, nil
	case config.DriverPostgres:
		s, err := postgres.New(ctx, sc.DSN, postgres.PoolConfig{
			MaxConns: sc.MaxConns,
			MinConns: sc.MinConns,
		})
		if err != nil {
			return nil, nil, eris.Wrap(err, "open postgres")
		}
		return s, func() { s.Close() }, nil
	}
	return nil, nil, eris.Errorf("unknown store driver %q", sc.Driver)
}

func openLocker(ctx context.Context, lc config.LockConfig, logger *zap.Logger) (inventory.Locker, func(), error) {
	if lc.Driver != config.LockRedis {
		return inventory.NewKeyedMutex(), func() {}, nil
	}
	rdb, err := lock.Dial(ctx, lc.RedisAddr, lc.RedisPassword, lc.RedisDB)
	if err != nil {
		return nil, nil, err
	}
	l := lock.NewRedis(rdb,
		lock.WithTTL(lc.TTL),
		lock.WithWait(lc.Wait),
		lock.WithLogger(logger.Named("lock")),
	)
	return l, func() { rdb.Close() }, nil
}
