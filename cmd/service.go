package cmd

import (
	"context"
	"log"

	"github.com/equinix-labs/otel-init-go/otelinit"

	"github.com/metal-toolbox/bmpipe/internal/app"
	"github.com/metal-toolbox/bmpipe/internal/errlog"
	"github.com/metal-toolbox/bmpipe/internal/inventory"
	"github.com/metal-toolbox/bmpipe/internal/metrics"
	"github.com/metal-toolbox/bmpipe/internal/model"
	"github.com/metal-toolbox/bmpipe/internal/queue"
	"github.com/metal-toolbox/bmpipe/internal/version"
)

// service holds the dependencies shared by the long running processes.
type service struct {
	app       *app.App
	inventory inventory.Inventory
	queue     *queue.JetStream
	errors    *errlog.Recorder
	shutdown  []func()
}

// newService loads the configuration for the process kind and connects to the services it needs,
// any failure is fatal.
func newService(ctx context.Context, appKind model.AppKind) (context.Context, *service) {
	bmpipe, err := app.New(appKind, cfgFile, logLevelFromFlag())
	if err != nil {
		log.Fatal(err)
	}

	s := &service{app: bmpipe}

	// serve metrics endpoint
	metrics.ListenAndServe(bmpipe.Config.MetricsListen)
	version.ExportBuildInfoMetric()

	ctx, otelShutdown := otelinit.InitOpenTelemetry(ctx, model.AppName)
	s.shutdown = append(s.shutdown, func() { otelShutdown(context.Background()) })

	// Setup cancel context with cancel func.
	ctx, cancelFunc := context.WithCancel(ctx)

	// routine listens for termination signal and cancels the context
	go func() {
		<-bmpipe.TermCh
		bmpipe.Logger.Info("got TERM signal, exiting...")
		cancelFunc()
	}()

	s.errors, err = errlog.New(bmpipe.Config.ErrorLogPath())
	if err != nil {
		bmpipe.Logger.WithError(err).Warn("error record not available, entries are logged only")
	}

	if appKind.NeedsInventory() {
		s.inventory, err = inventory.NewNetBox(ctx, bmpipe.Config.Inventory, bmpipe.Logger)
		if err != nil {
			bmpipe.Logger.Fatal(err)
		}
	}

	if appKind.NeedsQueue() {
		s.queue, err = queue.NewJetStream(ctx, bmpipe.Config.Nats, bmpipe.Logger)
		if err != nil {
			bmpipe.Logger.Fatal(err)
		}
	}

	bmpipe.Logger.WithField("version", version.Current().AppVersion).Info("bmpipe " + string(appKind) + " starting")

	return ctx, s
}

func (s *service) close() {
	if s.queue != nil {
		if err := s.queue.Close(); err != nil {
			s.app.Logger.WithError(err).Warn("queue close error")
		}
	}

	if err := s.errors.Close(); err != nil {
		s.app.Logger.WithError(err).Warn("error record close error")
	}

	for _, fn := range s.shutdown {
		fn()
	}

	s.app.Close()
}
