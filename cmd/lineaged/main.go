package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/lineage-store/internal/config"
	"github.com/invisible-tech/lineage-store/internal/controller"
	"github.com/invisible-tech/lineage-store/internal/server"
	"github.com/invisible-tech/lineage-store/internal/version"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg := config.DefaultServiceConfig()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.WithError(err).WithField("level", cfg.LogLevel).Warn("Unknown log level, using info")
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	log.WithFields(logrus.Fields{
		"version":    version.Version,
		"addr":       cfg.HTTPAddr,
		"spool_dir":  cfg.SpoolDir,
		"proc_scan":  cfg.ProcScanEnabled,
		"forwarding": cfg.ForwardEnabled,
	}).Info("Starting lineage store")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctrl := controller.New(cfg, log)
	ctrl.Start(ctx)

	srv := server.New(cfg, ctrl, log)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("Lineage API server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.WithField("signal", sig.String()).Info("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Error during shutdown")
	}
	cancel()

	log.Info("Lineage store shutdown complete")
}
