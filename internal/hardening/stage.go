package hardening

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/metal-toolbox/bmpipe/internal/errlog"
	"github.com/metal-toolbox/bmpipe/internal/inventory"
	"github.com/metal-toolbox/bmpipe/internal/lifecycle"
	"github.com/metal-toolbox/bmpipe/internal/model"
	"github.com/metal-toolbox/bmpipe/internal/queue"
	"github.com/metal-toolbox/bmpipe/internal/worker"
)

const (
	pkgName = "internal/hardening"

	// runner output kept in the error record
	recordOutputBytes = 2 << 10
)

var (
	ErrUnexpectedEvent = errors.New("unexpected event type")
	ErrDeviceNotFound  = errors.New("device not found in inventory")
	ErrDeviceState     = errors.New("device state does not allow hardening")
	ErrNoTarget        = errors.New("device has no hardening target address")
)

// Stage implements the worker.Handler interface for validation completed events.
type Stage struct {
	inventory inventory.Inventory
	queue     queue.Queue
	writer    *lifecycle.Writer
	runner    Runner
	creds     Credentials
	errors    *errlog.Recorder
	logger    *logrus.Logger
	now       func() time.Time
}

// NewStage returns a hardening Stage handler, the runner logs into targets with creds.
func NewStage(
	inv inventory.Inventory,
	q queue.Queue,
	writer *lifecycle.Writer,
	runner Runner,
	creds Credentials,
	recorder *errlog.Recorder,
	logger *logrus.Logger,
) *Stage {
	return &Stage{
		inventory: inv,
		queue:     q,
		writer:    writer,
		runner:    runner,
		creds:     creds,
		errors:    recorder,
		logger:    logger,
		now:       time.Now,
	}
}

// Handle implements the worker.Handler interface.
//
// nolint:gocyclo // the hardening steps are easier to follow in one place
func (s *Stage) Handle(ctx context.Context, event model.Event) error {
	validated, ok := event.(*model.ValidationCompleted)
	if !ok {
		return errors.Wrap(ErrUnexpectedEvent, string(event.Type()))
	}

	ctx, span := otel.Tracer(pkgName).Start(ctx, "Stage.Handle")
	defer span.End()

	span.SetAttributes(attribute.String("device.id", validated.DeviceID.String()))

	le := s.logger.WithFields(logrus.Fields{
		"deviceID": validated.DeviceID,
		"device":   validated.DeviceName,
	})

	device, err := s.inventory.DeviceByID(ctx, validated.DeviceID)
	if err != nil {
		if errors.Is(err, inventory.ErrNotFound) {
			return errors.Wrap(ErrDeviceNotFound, validated.DeviceID.String())
		}

		return errors.Wrap(worker.ErrRetry, "device lookup: "+err.Error())
	}

	le = le.WithField("state", device.Lifecycle)

	if err := lifecycle.Check(device.Lifecycle, lifecycle.BeginHardening); err != nil {
		if !errors.Is(err, lifecycle.ErrStale) {
			return errors.Wrap(ErrDeviceState, err.Error())
		}

		// The report timestamp comes from the device clock and can't be compared with hardened_at,
		// a staged device republishes with its stored stamp which keeps the event key unchanged.
		if device.Lifecycle == model.StateStaged && device.HardenedAt != nil {
			le.Info("device hardened for this validation, event republished")
			return s.publish(ctx, device, device.PrimaryIP, *device.HardenedAt)
		}

		le.Info("device is past hardening, event skipped")

		return nil
	}

	target, err := s.inventory.ManagementAddress(ctx, device)
	if err != nil {
		if errors.Is(err, inventory.ErrNoAddress) {
			le.WithError(err).Error("no hardening target address")
			return errors.Wrap(ErrNoTarget, err.Error())
		}

		return errors.Wrap(worker.ErrRetry, "management address: "+err.Error())
	}

	le = le.WithField("target", target)
	span.SetAttributes(attribute.String("hardening.target", target))

	if _, err := s.writer.Advance(ctx, device, lifecycle.BeginHardening, nil); err != nil {
		if errors.Is(err, lifecycle.ErrTransition) || errors.Is(err, lifecycle.ErrDeviceInError) {
			return errors.Wrap(ErrDeviceState, err.Error())
		}

		return errors.Wrap(worker.ErrRetry, "state update: "+err.Error())
	}

	le.Info("hardening run started")

	result, err := s.runner.Run(ctx, target, s.creds)
	if err != nil {
		switch {
		case errors.Is(err, ErrFailed):
			s.recordFailure(ctx, device, target, result, le)
			return err
		case errors.Is(err, ErrTimeout):
			le.WithError(err).Warn("hardening run timed out")
		default:
			le.WithError(err).Error("hardening run not started")
		}

		return errors.Wrap(worker.ErrRetry, err.Error())
	}

	hardenedAt := s.now().UTC().Truncate(time.Second)

	if _, err := s.writer.Advance(ctx, device, lifecycle.Stage, &model.DevicePatch{HardenedAt: &hardenedAt}); err != nil {
		if errors.Is(err, lifecycle.ErrTransition) || errors.Is(err, lifecycle.ErrDeviceInError) {
			return errors.Wrap(ErrDeviceState, err.Error())
		}

		return errors.Wrap(worker.ErrRetry, "state update: "+err.Error())
	}

	s.writer.Journal(
		ctx,
		device.ID,
		model.JournalSuccess,
		fmt.Sprintf("Hardening completed against %s in %s", target, result.Duration.Round(time.Second)),
	)

	if err := s.publish(ctx, device, target, hardenedAt); err != nil {
		return err
	}

	le.WithField("duration", result.Duration.String()).Info("device hardened")

	return nil
}

// recordFailure leaves the device in the hardening state, the failure goes to the error record
// and the device journal.
func (s *Stage) recordFailure(ctx context.Context, device *model.Device, target string, result *Result, le *logrus.Entry) {
	exitCode := -1
	output := ""

	if result != nil {
		exitCode = result.ExitCode
		output = tail(result.Output, recordOutputBytes)
	}

	le.WithField("exitCode", exitCode).Error("hardening run failed")

	s.errors.Record(errlog.KindHardeningFailed, logrus.Fields{
		"device_id":   device.ID,
		"device_name": device.Name,
		"target":      target,
		"exit_code":   exitCode,
		"output":      output,
		"message":     "configuration run failed, device left in hardening",
	})

	s.writer.Journal(
		ctx,
		device.ID,
		model.JournalWarning,
		fmt.Sprintf("Hardening failed against %s (exit code %d)", target, exitCode),
	)
}

func (s *Stage) publish(ctx context.Context, device *model.Device, target string, ts time.Time) error {
	completed := &model.HardeningCompleted{
		Timestamp:  ts,
		DeviceID:   device.ID,
		DeviceName: device.Name,
		Target:     target,
	}

	if err := queue.PublishEvent(ctx, s.queue, completed); err != nil {
		return errors.Wrap(worker.ErrRetry, "publish: "+err.Error())
	}

	return nil
}
