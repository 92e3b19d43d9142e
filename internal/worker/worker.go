// Package worker runs the queue consumption loop shared by the pipeline stages.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/metal-toolbox/bmpipe/internal/app"
	"github.com/metal-toolbox/bmpipe/internal/errlog"
	"github.com/metal-toolbox/bmpipe/internal/metrics"
	"github.com/metal-toolbox/bmpipe/internal/model"
	"github.com/metal-toolbox/bmpipe/internal/queue"
	"github.com/metal-toolbox/bmpipe/internal/version"
)

const (
	pkgName = "internal/worker"

	responseAck        = "ack"
	responseRetry      = "retry"
	responseDeadLetter = "dead_letter"
	responseSkip       = "skip"
	responseDrop       = "drop"
)

var (
	// ErrRetry is wrapped by handler errors that are worth retrying, any other error drops the event.
	ErrRetry = errors.New("retryable handler error")

	// handlerTimeout bounds the time spent on a single event.
	handlerTimeout = 15 * time.Minute

	// inProgressTick is the interval at which events being handled are marked in progress
	// on the queue, this value should be less than the queue ack wait.
	inProgressTick = time.Minute

	// queueErrorBackoff bounds the sleep after a queue consume error.
	queueErrorBackoff = &backoff.Backoff{
		Min:    time.Second,
		Max:    30 * time.Second,
		Factor: 2,
		Jitter: true,
	}
)

// Handler processes a single decoded event.
type Handler interface {
	Handle(ctx context.Context, event model.Event) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, event model.Event) error

// Handle implements the Handler interface.
func (f HandlerFunc) Handle(ctx context.Context, event model.Event) error {
	return f(ctx, event)
}

// DeviceFailer moves a device to the error state.
type DeviceFailer interface {
	Fail(ctx context.Context, id model.DeviceID, reason string) error
}

// Worker consumes one queue, handing each event to the stage handler.
type Worker struct {
	id             string
	stage          model.AppKind
	name           queue.Name
	queue          queue.Queue
	dedup          queue.Deduper
	handler        Handler
	errors         *errlog.Recorder
	failer         DeviceFailer
	retry          *app.RetryOptions
	consumeTimeout time.Duration
	handlerTimeout time.Duration
	logger         *logrus.Logger
}

// Option sets optional Worker parameters.
type Option func(*Worker)

// WithDeviceFailer sets the DeviceFailer used when events exhaust their attempts
// and the retry policy fails devices.
func WithDeviceFailer(f DeviceFailer) Option {
	return func(w *Worker) {
		w.failer = f
	}
}

// WithHandlerTimeout sets the time limit on handling a single event.
func WithHandlerTimeout(d time.Duration) Option {
	return func(w *Worker) {
		w.handlerTimeout = d
	}
}

// New returns a Worker for the stage consuming from the named queue.
func New(
	stage model.AppKind,
	name queue.Name,
	q queue.Queue,
	dedup queue.Deduper,
	handler Handler,
	recorder *errlog.Recorder,
	retry *app.RetryOptions,
	consumeTimeout time.Duration,
	logger *logrus.Logger,
	opts ...Option,
) *Worker {
	w := &Worker{
		id:             string(stage) + "-" + uuid.NewString(),
		stage:          stage,
		name:           name,
		queue:          q,
		dedup:          dedup,
		handler:        handler,
		errors:         recorder,
		retry:          retry,
		consumeTimeout: consumeTimeout,
		handlerTimeout: handlerTimeout,
		logger:         logger,
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// ID returns the worker identifier.
func (w *Worker) ID() string {
	return w.id
}

// Run consumes events until the context is canceled.
//
// The event in flight when the context is canceled is handled to completion.
func (w *Worker) Run(ctx context.Context) {
	v := version.Current()
	w.logger.WithFields(
		logrus.Fields{
			"version":     v.AppVersion,
			"commit":      v.GitCommit,
			"branch":      v.GitBranch,
			"workerID":    w.id,
			"queue":       w.name,
			"maxAttempts": w.retry.MaxAttempts,
		},
	).Info(model.AppName + " " + string(w.stage) + " worker running")

	errDelay := *queueErrorBackoff

	for {
		if ctx.Err() != nil {
			w.logger.WithField("workerID", w.id).Info("worker stopped")
			return
		}

		err := w.processNext(ctx)
		switch {
		case err == nil, errors.Is(err, queue.ErrEmpty):
			errDelay.Reset()
		case errors.Is(err, context.Canceled):
		default:
			metrics.QueueConsumeErrorCounter.With(map[string]string{"queue": string(w.name)}).Inc()

			delay := errDelay.Duration()
			w.logger.WithFields(logrus.Fields{
				"queue": w.name,
				"delay": delay.String(),
				"err":   err,
			}).Warn("queue consume error")

			select {
			case <-ctx.Done():
			case <-time.After(delay):
			}
		}
	}
}

// processNext consumes and handles a single event, returning the consume error if any.
func (w *Worker) processNext(ctx context.Context) error {
	delivery, err := w.queue.Consume(ctx, w.name, w.consumeTimeout)
	if err != nil {
		return err
	}

	// the in flight event is not canceled along with the loop
	hctx, cancel := context.WithTimeout(context.Background(), w.handlerTimeout)
	defer cancel()

	response := w.process(hctx, delivery)

	w.logger.WithFields(logrus.Fields{
		"queue":    w.name,
		"attempt":  delivery.Attempt(),
		"response": response,
	}).Trace("event processed")

	return nil
}

func (w *Worker) eventCounter(valid bool, response string) {
	metrics.EventsCounter.With(map[string]string{
		"stage":    string(w.stage),
		"valid":    map[bool]string{true: "true", false: "false"}[valid],
		"response": response,
	}).Inc()
}

func (w *Worker) ack(delivery queue.Delivery) {
	if err := delivery.Ack(); err != nil {
		w.logger.WithError(err).WithField("queue", w.name).Warn("event ack error")
	}
}

func (w *Worker) process(ctx context.Context, delivery queue.Delivery) string {
	event, err := model.DecodeEvent(delivery.Data())
	if err != nil {
		w.logger.WithFields(logrus.Fields{
			"queue":   w.name,
			"payload": string(delivery.Data()),
			"err":     err,
		}).Warn("dropped invalid event")

		w.eventCounter(false, responseDrop)
		w.ack(delivery)

		return responseDrop
	}

	le := w.logger.WithFields(eventFields(event))
	key := event.IdempotencyKey()

	seen, err := w.dedup.Seen(ctx, key)
	if err != nil {
		// side effects are idempotent, the event is handled when the dedup store is unavailable
		le.WithError(err).Warn("dedup store lookup error")
	}

	if seen {
		le.Debug("skipped replayed event")
		w.eventCounter(true, responseSkip)
		w.ack(delivery)

		return responseSkip
	}

	err = w.handle(ctx, event, delivery, le)

	switch {
	case err == nil:
		if err := w.dedup.Mark(ctx, key); err != nil {
			le.WithError(err).Warn("dedup store mark error")
		}

		w.eventCounter(true, responseAck)
		w.ack(delivery)

		return responseAck
	case errors.Is(err, ErrRetry) && delivery.Attempt() < w.retry.MaxAttempts:
		delay := w.retryDelay(delivery.Attempt())

		le.WithFields(logrus.Fields{
			"attempt": delivery.Attempt(),
			"delay":   delay.String(),
			"err":     err,
		}).Warn("event handling failed, retrying")

		if rerr := delivery.Retry(delay); rerr != nil {
			le.WithError(rerr).Warn("event retry error")
		}

		w.eventCounter(true, responseRetry)

		return responseRetry
	case errors.Is(err, ErrRetry):
		w.deadLetter(ctx, event, delivery, err, le)
		w.eventCounter(true, responseDeadLetter)
		w.ack(delivery)

		return responseDeadLetter
	default:
		le.WithError(err).Warn("event dropped")
		w.eventCounter(true, responseDrop)
		w.ack(delivery)

		return responseDrop
	}
}

// handle runs the stage handler, marking the delivery in progress while the handler runs.
func (w *Worker) handle(ctx context.Context, event model.Event, delivery queue.Delivery, le *logrus.Entry) error {
	ctx, span := otel.Tracer(pkgName).Start(ctx, string(w.stage)+".Handle")
	defer span.End()

	span.SetAttributes(
		attribute.String("event.type", string(event.Type())),
		attribute.Int("event.attempt", delivery.Attempt()),
	)

	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(inProgressTick)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := delivery.InProgress(); err != nil {
					le.WithError(err).Debug("event in progress ack error")
				}
			}
		}
	}()

	startTS := time.Now()
	err := w.handler.Handle(ctx, event)

	outcome := "succeeded"
	if err != nil {
		outcome = "failed"

		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	metrics.StageOutcomeCounter.With(map[string]string{"stage": string(w.stage), "outcome": outcome}).Inc()
	metrics.StageRunTimeSummary.With(map[string]string{"stage": string(w.stage), "outcome": outcome}).
		Observe(time.Since(startTS).Seconds())

	return err
}

func (w *Worker) retryDelay(attempt int) time.Duration {
	b := &backoff.Backoff{
		Min:    w.retry.MinDelay,
		Max:    w.retry.MaxDelay,
		Factor: 2,
		Jitter: true,
	}

	return b.ForAttempt(float64(attempt - 1))
}

// deadLetter publishes the event to the dead letter queue and records it,
// the device is failed when the retry policy says so.
func (w *Worker) deadLetter(ctx context.Context, event model.Event, delivery queue.Delivery, cause error, le *logrus.Entry) {
	metrics.DeadLetterCounter.With(map[string]string{"stage": string(w.stage)}).Inc()

	le = le.WithFields(logrus.Fields{
		"attempts": delivery.Attempt(),
		"err":      cause,
	})

	le.Error("event exhausted its attempts, dead lettered")

	payload, err := json.Marshal(&queue.DeadLetter{
		Queue:    w.name,
		Stage:    string(w.stage),
		Attempts: delivery.Attempt(),
		Error:    cause.Error(),
		FailedAt: time.Now().UTC(),
		Payload:  string(delivery.Data()),
	})
	if err != nil {
		le.WithError(err).Error("dead letter encode error")
	} else if err := w.queue.Publish(ctx, queue.DeadLetterQueue, payload, event.IdempotencyKey()); err != nil {
		le.WithError(err).Error("dead letter publish error")
	}

	fields := eventFields(event)
	fields["stage"] = w.stage
	fields["attempts"] = delivery.Attempt()
	fields["message"] = cause.Error()

	w.errors.Record(errlog.KindDeadLetter, fields)

	de, ok := event.(model.DeviceEvent)
	if !ok || !w.retry.FailDevice || w.failer == nil {
		return
	}

	id, _ := de.Device()
	reason := fmt.Sprintf("%s failed after %d attempts: %s", w.stage, delivery.Attempt(), cause.Error())
	if err := w.failer.Fail(ctx, id, reason); err != nil {
		le.WithError(err).Error("device error state write failed")
	}
}

func eventFields(event model.Event) logrus.Fields {
	fields := logrus.Fields{"eventType": event.Type()}

	switch e := event.(type) {
	case *model.LeaseEvent:
		fields["mac"] = e.MAC
		fields["ip"] = e.IP
		fields["networkType"] = e.NetworkType
	case model.DeviceEvent:
		id, name := e.Device()
		fields["deviceID"] = id
		fields["device"] = name
	}

	return fields
}
