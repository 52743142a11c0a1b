package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"outbound-intake-relay/pkg/calls"
	"outbound-intake-relay/pkg/metrics"
	"outbound-intake-relay/pkg/models"
	"outbound-intake-relay/pkg/telephony"
)

var (
	dialName      string
	dialTreatment string
	dialTestMode  bool
)

var dialCmd = &cobra.Command{
	Use:   "dial <phone-number>",
	Short: "Place one outbound call and print the session",
	Long: `Dial places a single call through the configured dial strategy without starting
the server. Use --test to exercise the flow without contacting the provider.`,
	Args: cobra.ExactArgs(1),
	RunE: runDial,
}

func init() {
	dialCmd.Flags().StringVar(&dialName, "name", "", "Patient name (required)")
	dialCmd.Flags().StringVar(&dialTreatment, "treatment", "", "Treatment type passed to the agent")
	dialCmd.Flags().BoolVar(&dialTestMode, "test", false, "Do not contact the telephony provider")
	_ = dialCmd.MarkFlagRequired("name")
}

func runDial(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if dialTestMode {
		cfg.TestMode = true
	}

	strategy, err := telephony.NewStrategy(cfg, nil)
	if err != nil {
		return err
	}

	m := metrics.NewMetrics(prometheus.NewRegistry())
	registry := calls.NewRegistry(cfg, logger, m)
	dialer := calls.NewDialer(registry, strategy, cfg, logger, m)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout())
	defer cancel()

	result, err := dialer.Initiate(ctx, models.PatientData{
		PhoneNumber:   args[0],
		Name:          dialName,
		TreatmentType: dialTreatment,
	})
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	session, _ := registry.Get(result.SessionID)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(session)
}
