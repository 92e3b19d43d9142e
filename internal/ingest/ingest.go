// Package ingest turns raw DHCP lease observations into lease events on the lease queue.
package ingest

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/metal-toolbox/bmpipe/internal/app"
	"github.com/metal-toolbox/bmpipe/internal/errlog"
	"github.com/metal-toolbox/bmpipe/internal/metrics"
	"github.com/metal-toolbox/bmpipe/internal/model"
	"github.com/metal-toolbox/bmpipe/internal/queue"
)

const (
	resultPublished = "published"
	resultMalformed = "malformed"
	resultFailed    = "publish_failed"
)

// Ingestor validates lease observations and publishes them.
type Ingestor struct {
	queue    queue.Queue
	errors   *errlog.Recorder
	defaults Defaults
	logger   *logrus.Logger
	now      func() time.Time
}

// NewIngestor returns an Ingestor publishing to q, malformed input is written to the error record.
func NewIngestor(q queue.Queue, recorder *errlog.Recorder, options *app.LeaseOptions, logger *logrus.Logger) *Ingestor {
	return &Ingestor{
		queue:  q,
		errors: recorder,
		defaults: Defaults{
			NetworkType: model.NetworkClass(options.NetworkType),
			Site:        options.Site,
			Source:      options.Source,
		},
		logger: logger,
		now:    time.Now,
	}
}

// Ingest parses a single observation and publishes the resulting lease event.
//
// Malformed input returns ErrMalformed and is recorded, the caller should not retry it.
func (i *Ingestor) Ingest(ctx context.Context, source, input string) (*model.LeaseEvent, error) {
	lease, err := Parse(input, i.defaults, i.now())
	if err != nil {
		metrics.LeasesIngestedCounter.With(map[string]string{"source": source, "result": resultMalformed}).Inc()

		i.logger.WithFields(logrus.Fields{
			"source": source,
			"err":    err,
		}).Warn("dropped malformed lease observation")

		i.errors.MalformedLease(source, input, err)

		return nil, err
	}

	le := i.logger.WithFields(logrus.Fields{
		"mac":         lease.MAC,
		"ip":          lease.IP,
		"networkType": lease.NetworkType,
		"source":      source,
	})

	if err := queue.PublishEvent(ctx, i.queue, lease); err != nil {
		metrics.LeasesIngestedCounter.With(map[string]string{"source": source, "result": resultFailed}).Inc()
		le.WithError(err).Warn("lease publish failed")

		return lease, err
	}

	metrics.LeasesIngestedCounter.With(map[string]string{"source": source, "result": resultPublished}).Inc()
	le.Info("lease published")

	return lease, nil
}

// IngestWithRetry ingests the observation, retrying publish failures until
// the publish succeeds or the context is canceled.
func (i *Ingestor) IngestWithRetry(ctx context.Context, source, input string) {
	// nolint:gomnd // time duration definitions are clear as is.
	delay := &backoff.Backoff{
		Min:    time.Second,
		Max:    30 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	for {
		_, err := i.Ingest(ctx, source, input)
		if err == nil || errors.Is(err, ErrMalformed) {
			return
		}

		select {
		case <-ctx.Done():
			i.logger.WithField("input", input).Warn("lease observation not published before shutdown")
			return
		case <-time.After(delay.Duration()):
		}
	}
}

// TailLog follows the lease event log and ingests each line written to it.
func (i *Ingestor) TailLog(ctx context.Context, tailer *Tailer) error {
	return tailer.Run(ctx, func(line string) {
		i.IngestWithRetry(ctx, i.defaults.Source, line)
	})
}
