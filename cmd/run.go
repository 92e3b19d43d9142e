package cmd

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/metal-toolbox/bmpipe/internal/bmc"
	"github.com/metal-toolbox/bmpipe/internal/discovery"
	"github.com/metal-toolbox/bmpipe/internal/hardening"
	"github.com/metal-toolbox/bmpipe/internal/lifecycle"
	"github.com/metal-toolbox/bmpipe/internal/model"
	"github.com/metal-toolbox/bmpipe/internal/provisioning"
	"github.com/metal-toolbox/bmpipe/internal/queue"
	"github.com/metal-toolbox/bmpipe/internal/worker"

	// nolint:gosec // profiling endpoint listens on localhost.
	_ "net/http/pprof"
)

const (
	// time the hardening handler is given on top of the runner timeout to record the outcome
	hardeningHandlerGrace = 2 * time.Minute

	profilingEndpoint = "localhost:6060"
)

var enableProfiling bool

var cmdRun = &cobra.Command{
	Use:       "run discovery|provisioning|hardening",
	Short:     "Run a pipeline stage worker consuming its event queue",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{string(model.AppKindDiscovery), string(model.AppKindProvisioning), string(model.AppKindHardening)},
	Run: func(cmd *cobra.Command, args []string) {
		runStage(cmd.Context(), model.AppKind(args[0]))
	},
}

// stageQueues maps the stage to the queue it consumes.
var stageQueues = map[model.AppKind]queue.Name{
	model.AppKindDiscovery:    queue.LeaseQueue,
	model.AppKindProvisioning: queue.DiscoveryQueue,
	model.AppKindHardening:    queue.ValidationQueue,
}

func runStage(ctx context.Context, stage model.AppKind) {
	name, ok := stageQueues[stage]
	if !ok {
		log.Fatalf("unknown stage: %s", stage)
	}

	ctx, svc := newService(ctx, stage)
	defer svc.close()

	if enableProfiling {
		go func() {
			server := &http.Server{
				Addr:              profilingEndpoint,
				ReadHeaderTimeout: 2 * time.Second, // nolint:gomnd // time duration value is clear as is.
			}

			if err := server.ListenAndServe(); err != nil {
				svc.app.Logger.WithError(err).Warn("profiling endpoint stopped")
			}
		}()
	}

	cfg := svc.app.Config
	logger := svc.app.Logger
	writer := lifecycle.NewWriter(svc.inventory, logger)

	var (
		handler worker.Handler
		opts    = []worker.Option{worker.WithDeviceFailer(writer)}
	)

	switch stage {
	case model.AppKindDiscovery:
		handler = discovery.New(svc.inventory, svc.queue, writer, svc.errors, cfg.Inventory.IPPrefixLength, logger)
	case model.AppKindProvisioning:
		handler = provisioning.New(svc.inventory, svc.queue, writer, bmc.NewControllerFactory(cfg.BMC), logger)
	case model.AppKindHardening:
		handler = hardening.NewStage(
			svc.inventory,
			svc.queue,
			writer,
			hardening.NewAnsible(cfg.Hardening, logger),
			hardening.Credentials{Username: cfg.BMC.Username, Password: cfg.BMC.Password},
			svc.errors,
			logger,
		)

		opts = append(opts, worker.WithHandlerTimeout(cfg.Hardening.Timeout+hardeningHandlerGrace))
	}

	js := svc.queue.JetStreamContext()

	dedup, err := queue.NewKVDeduper(js, cfg.Nats.DedupTTL, cfg.Nats.Replicas)
	if err != nil {
		logger.Fatal(err)
	}

	w := worker.New(
		stage,
		name,
		svc.queue,
		dedup,
		handler,
		svc.errors,
		cfg.Retry,
		cfg.Nats.ConsumeTimeout,
		logger,
		opts...,
	)

	livenessDone := make(chan struct{})

	liveness, err := worker.NewLiveness(js, cfg.Nats.Replicas, w)
	if err != nil {
		logger.WithError(err).Warn("worker liveness registry not available")
		close(livenessDone)
	} else {
		go func() {
			defer close(livenessDone)
			liveness.Run(ctx)
		}()
	}

	w.Run(ctx)

	// the registry entry is removed before the connection closes
	<-livenessDone
}

func init() {
	cmdRun.Flags().BoolVar(&enableProfiling, "enable-pprof", false, "serve the pprof endpoints on "+profilingEndpoint)

	rootCmd.AddCommand(cmdRun)
}
