package cmd

import (
	"context"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/metal-toolbox/bmpipe/internal/ingest"
	"github.com/metal-toolbox/bmpipe/internal/model"
)

var leaseEventLog string

var cmdIngest = &cobra.Command{
	Use:   "lease-ingest",
	Short: "Tail the DHCP lease event log and publish lease events",
	Run: func(cmd *cobra.Command, _ []string) {
		runIngest(cmd.Context())
	},
}

func runIngest(ctx context.Context) {
	ctx, svc := newService(ctx, model.AppKindLeaseIngest)
	defer svc.close()

	cfg := svc.app.Config
	logger := svc.app.Logger

	if leaseEventLog != "" {
		cfg.Lease.EventLog = leaseEventLog
	}

	ingestor := ingest.NewIngestor(svc.queue, svc.errors, cfg.Lease, logger)
	tailer := ingest.NewTailer(cfg.Lease.EventLog, cfg.Lease.PollInterval, logger)

	logger.WithField("file", cfg.Lease.EventLog).Info("tailing lease event log")

	if err := ingestor.TailLog(ctx, tailer); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal(err)
	}
}

func init() {
	cmdIngest.Flags().StringVar(&leaseEventLog, "event-log", "", "lease event log to tail, overrides lease.event_log")

	rootCmd.AddCommand(cmdIngest)
}
