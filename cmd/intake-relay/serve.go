package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"outbound-intake-relay/pkg/metrics"
	"outbound-intake-relay/pkg/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the telephony stream endpoint",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	logger.WithField("instance_id", cfg.InstanceID).Info("Starting outbound intake relay")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := service.NewService(ctx, cfg, logger, metrics.NewMetrics(prometheus.DefaultRegisterer))
	if err != nil {
		return fmt.Errorf("building service: %w", err)
	}

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("starting service: %w", err)
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	logger.Info("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := svc.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("Error during service shutdown")
	}

	logger.Info("Outbound intake relay shutdown complete")
	return nil
}
