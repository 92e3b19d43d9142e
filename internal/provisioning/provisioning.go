// Package provisioning arms discovered devices for a one-time network boot and powers them on.
package provisioning

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/metal-toolbox/bmpipe/internal/bmc"
	"github.com/metal-toolbox/bmpipe/internal/inventory"
	"github.com/metal-toolbox/bmpipe/internal/lifecycle"
	"github.com/metal-toolbox/bmpipe/internal/model"
	"github.com/metal-toolbox/bmpipe/internal/queue"
	"github.com/metal-toolbox/bmpipe/internal/worker"
)

const pkgName = "internal/provisioning"

var (
	ErrUnexpectedEvent = errors.New("unexpected event type")
	ErrDeviceNotFound  = errors.New("device not found in inventory")
	ErrDeviceState     = errors.New("device state does not allow provisioning")
	ErrController      = errors.New("management controller error")
)

// Provisioning implements the worker.Handler interface for device discovered events.
type Provisioning struct {
	inventory     inventory.Inventory
	queue         queue.Queue
	writer        *lifecycle.Writer
	newController bmc.NewControllerFunc
	logger        *logrus.Logger
	now           func() time.Time
}

// New returns a Provisioning stage handler.
func New(
	inv inventory.Inventory,
	q queue.Queue,
	writer *lifecycle.Writer,
	newController bmc.NewControllerFunc,
	logger *logrus.Logger,
) *Provisioning {
	return &Provisioning{
		inventory:     inv,
		queue:         q,
		writer:        writer,
		newController: newController,
		logger:        logger,
		now:           time.Now,
	}
}

// Handle implements the worker.Handler interface.
func (p *Provisioning) Handle(ctx context.Context, event model.Event) error {
	discovered, ok := event.(*model.DeviceDiscovered)
	if !ok {
		return errors.Wrap(ErrUnexpectedEvent, string(event.Type()))
	}

	ctx, span := otel.Tracer(pkgName).Start(ctx, "Provisioning.Handle")
	defer span.End()

	span.SetAttributes(
		attribute.String("device.id", discovered.DeviceID.String()),
		attribute.String("bmc.ip", discovered.IP),
	)

	le := p.logger.WithFields(logrus.Fields{
		"deviceID": discovered.DeviceID,
		"device":   discovered.DeviceName,
		"ip":       discovered.IP,
	})

	device, err := p.inventory.DeviceByID(ctx, discovered.DeviceID)
	if err != nil {
		if errors.Is(err, inventory.ErrNotFound) {
			return errors.Wrap(ErrDeviceNotFound, discovered.DeviceID.String())
		}

		return errors.Wrap(worker.ErrRetry, "device lookup: "+err.Error())
	}

	le = le.WithField("state", device.Lifecycle)

	if err := lifecycle.Check(device.Lifecycle, lifecycle.ArmBoot); err != nil {
		if errors.Is(err, lifecycle.ErrStale) {
			le.Info("device is past provisioning, event skipped")
			return nil
		}

		return errors.Wrap(ErrDeviceState, err.Error())
	}

	// boot stamps are kept to the second, the lease timestamp is compared at the same precision
	discoveredAt := discovered.Timestamp.UTC().Truncate(time.Second)

	// The boot was armed for this discovery and the publish may not have made it,
	// publish again without touching the power state.
	if device.PXEBootInitiatedAt != nil && !device.PXEBootInitiatedAt.Before(discoveredAt) {
		le.Info("network boot already initiated for this discovery, event republished")

		return p.publish(ctx, device, discovered.IP, "", *device.PXEBootInitiatedAt)
	}

	powerState, err := p.armBoot(ctx, discovered.IP, le)
	if err != nil {
		le.WithError(err).Error("network boot not initiated")

		return errors.Wrap(worker.ErrRetry, err.Error())
	}

	initiatedAt := p.now().UTC().Truncate(time.Second)
	if initiatedAt.Before(discoveredAt) {
		// the lease was stamped by a host with a clock ahead of ours
		initiatedAt = discoveredAt
	}

	changed, err := p.writer.Advance(ctx, device, lifecycle.ArmBoot, &model.DevicePatch{PXEBootInitiatedAt: &initiatedAt})
	if err != nil {
		if errors.Is(err, lifecycle.ErrTransition) || errors.Is(err, lifecycle.ErrStale) || errors.Is(err, lifecycle.ErrDeviceInError) {
			return errors.Wrap(ErrDeviceState, err.Error())
		}

		return errors.Wrap(worker.ErrRetry, "state update: "+err.Error())
	}

	// a re-armed device in validating gets a fresh boot timestamp
	if !changed {
		if err := p.inventory.UpdateDevice(ctx, device.ID, &model.DevicePatch{PXEBootInitiatedAt: &initiatedAt}); err != nil {
			return errors.Wrap(worker.ErrRetry, "boot timestamp update: "+err.Error())
		}
	}

	p.writer.Journal(
		ctx,
		device.ID,
		model.JournalInfo,
		fmt.Sprintf("PXE boot initiated via BMC %s (power state was %s)", discovered.IP, powerState),
	)

	if err := p.publish(ctx, device, discovered.IP, powerState, initiatedAt); err != nil {
		return err
	}

	le.WithField("powerState", powerState).Info("network boot initiated")

	return nil
}

// armBoot sets the one time network boot override and powers on, or restarts the device,
// the power state read before the action is returned.
func (p *Provisioning) armBoot(ctx context.Context, host string, le *logrus.Entry) (string, error) {
	controller := p.newController(host, le)

	if err := controller.Open(ctx); err != nil {
		return "", errors.Wrap(ErrController, err.Error())
	}

	defer func() {
		if err := controller.Close(ctx); err != nil {
			le.WithError(err).Debug("bmc logout error")
		}
	}()

	info, err := controller.SystemInfo(ctx)
	if err != nil {
		// identity is informational, the power actions don't depend on it
		le.WithError(err).Warn("bmc system information unavailable")
	} else {
		le.WithFields(logrus.Fields{
			"vendor": info.Vendor,
			"model":  info.Model,
			"serial": info.Serial,
		}).Debug("bmc system information")
	}

	powerState, err := controller.PowerState(ctx)
	if err != nil {
		return "", errors.Wrap(ErrController, err.Error())
	}

	if err := controller.SetOneTimeBoot(ctx, bmc.BootDevicePXE); err != nil {
		return "", errors.Wrap(ErrController, err.Error())
	}

	if bmc.PoweredOff(powerState) {
		le.Debug("powering on device")

		if err := controller.PowerOn(ctx); err != nil {
			return "", errors.Wrap(ErrController, err.Error())
		}

		return powerState, nil
	}

	le.Debug("restarting device")

	if err := controller.ForceRestart(ctx); err != nil {
		return "", errors.Wrap(ErrController, err.Error())
	}

	return powerState, nil
}

func (p *Provisioning) publish(ctx context.Context, device *model.Device, ip, powerState string, ts time.Time) error {
	initiated := &model.PXEBootInitiated{
		Timestamp:  ts,
		DeviceID:   device.ID,
		DeviceName: device.Name,
		IP:         ip,
		PowerState: powerState,
	}

	if err := queue.PublishEvent(ctx, p.queue, initiated); err != nil {
		return errors.Wrap(worker.ErrRetry, "publish: "+err.Error())
	}

	return nil
}
