package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/metal-toolbox/bmpipe/internal/bmc"
	"github.com/metal-toolbox/bmpipe/internal/inventory"
	"github.com/metal-toolbox/bmpipe/internal/model"
	"github.com/metal-toolbox/bmpipe/internal/monitoring"
)

var cmdMonitor = &cobra.Command{
	Use:   "monitor",
	Short: "Periodically collect management controller telemetry from ready devices",
	Run: func(cmd *cobra.Command, _ []string) {
		runMonitor(cmd.Context())
	},
}

func runMonitor(ctx context.Context) {
	ctx, svc := newService(ctx, model.AppKindMonitoring)
	defer svc.close()

	cfg := svc.app.Config

	sink, err := monitoring.NewFileSink(cfg.Monitoring.MetricsDir)
	if err != nil {
		svc.app.Logger.Fatal(err)
	}

	monitor := monitoring.New(
		inventory.NewStateSource(svc.inventory, model.StateReady),
		svc.inventory,
		bmc.NewControllerFactory(cfg.BMC),
		sink,
		cfg.Monitoring,
		svc.app.Logger,
	)

	monitor.Run(ctx)
}

func init() {
	rootCmd.AddCommand(cmdMonitor)
}
