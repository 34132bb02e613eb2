// Command monisens runs the MoniSens monitoring server: it loads
// device-specific driver plug-ins, ingests sensor messages, and serves the
// HTTP service contract described in internal/httpapi.
package main

//	@title			MoniSens API
//	@version		0.1.0
//	@description	Sensor device monitoring server.
//	@BasePath		/

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/monisens/monisens/internal/config"
	"github.com/monisens/monisens/internal/controller"
	"github.com/monisens/monisens/internal/devicefs"
	"github.com/monisens/monisens/internal/httpapi"
	"github.com/monisens/monisens/internal/loader"
	"github.com/monisens/monisens/internal/reconcile"
	"github.com/monisens/monisens/internal/registry"
	"github.com/monisens/monisens/internal/repository"
	"github.com/monisens/monisens/internal/router"
	"github.com/monisens/monisens/internal/schema"
	"github.com/monisens/monisens/internal/store"
	"github.com/monisens/monisens/internal/version"
	"github.com/monisens/monisens/pkg/models"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load(os.Args[1:], os.Stdout)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger := cfg.Logger
	defer func() { _ = logger.Sync() }()

	logger.Info("MoniSens server starting", zap.String("version", version.Short()))

	db, err := store.Open(cfg.DSN)
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	defer db.Close()

	if err := db.Migrate(context.Background(), store.Migrations); err != nil {
		logger.Fatal("failed to run migrations", zap.Error(err))
	}
	if err := db.CheckVersion(context.Background(), version.Short()); err != nil {
		logger.Fatal("database version check failed", zap.Error(err), zap.String("binary_version", version.Short()))
	}
	logger.Info("database initialized", zap.String("component", "store"))

	fs := devicefs.New(cfg.DataRoot)
	if err := os.MkdirAll(cfg.DataRoot, 0o755); err != nil {
		logger.Fatal("failed to create data root", zap.Error(err), zap.String("path", cfg.DataRoot))
	}

	reg := registry.New(logger.Named("registry"))
	mgr := schema.New(db.DB(), logger.Named("schema"))
	repo := repository.New(db.DB())
	ld := loader.New(logger.Named("loader"))

	// Router.TableResolver is implemented by Controller.SensorTable, but
	// Controller itself needs the Router's sink at construction time.
	// resolver forwards to ctrl once it exists, breaking the cycle.
	resolver := &tableResolver{}
	msgRouter := router.New(resolver, mgr, logger.Named("router"), router.DefaultTimeout)

	ctrl := controller.New(reg, fs, ld, mgr, repo, db, msgRouter.SinkFor, logger.Named("controller"))
	resolver.ctrl = ctrl

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reconciler := reconcile.New(repo, mgr, fs, logger.Named("reconcile"))
	orphans, err := reconciler.Run(ctx, reg)
	if err != nil {
		logger.Fatal("startup reconciliation failed", zap.Error(err))
	}
	if len(orphans) > 0 {
		logger.Warn("reconciliation found orphaned devices",
			zap.Int("count", len(orphans)))
	}

	readyCheck := httpapi.ReadinessChecker(func(ctx context.Context) error {
		return db.DB().PingContext(ctx)
	})

	srv := httpapi.New(cfg.Host, ctrl, logger.Named("httpapi"), readyCheck, cfg.DevMode)

	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	logger.Info("MoniSens server ready", zap.String("addr", cfg.Host))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}

	logger.Info("MoniSens server stopped")
}

// tableResolver forwards router.TableResolver calls to ctrl, assigned after
// both the Router and Controller are constructed (see main).
type tableResolver struct {
	ctrl *controller.Controller
}

func (t *tableResolver) SensorTable(deviceID models.DeviceID, sensor string) (string, bool) {
	return t.ctrl.SensorTable(deviceID, sensor)
}
