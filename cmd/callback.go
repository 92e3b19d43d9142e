package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/metal-toolbox/bmpipe/internal/callback"
	"github.com/metal-toolbox/bmpipe/internal/ingest"
	"github.com/metal-toolbox/bmpipe/internal/lifecycle"
	"github.com/metal-toolbox/bmpipe/internal/model"
)

var enableLeasePush bool

var cmdCallback = &cobra.Command{
	Use:   "callback-api",
	Short: "Serve the validation callback API",
	Run: func(cmd *cobra.Command, _ []string) {
		runCallback(cmd.Context())
	},
}

func runCallback(ctx context.Context) {
	ctx, svc := newService(ctx, model.AppKindCallback)
	defer svc.close()

	cfg := svc.app.Config
	logger := svc.app.Logger

	var opts []callback.Option
	if enableLeasePush {
		opts = append(opts, callback.WithLeaseIngestor(ingest.NewIngestor(svc.queue, svc.errors, cfg.Lease, logger)))
	}

	server := callback.NewServer(
		svc.inventory,
		svc.queue,
		lifecycle.NewWriter(svc.inventory, logger),
		cfg.Callback,
		logger,
		opts...,
	)

	if err := server.ListenAndServe(ctx); err != nil {
		logger.Fatal(err)
	}
}

func init() {
	cmdCallback.Flags().BoolVar(&enableLeasePush, "lease-push", false, "accept DHCP lease observations on POST /api/v1/leases")

	rootCmd.AddCommand(cmdCallback)
}
