// Package discovery resolves DHCP lease events to inventory devices.
//
// A BMC lease assigns the observed address to the device bmc interface, moves the device
// to discovered and hands it to provisioning. Management leases only refresh the address.
package discovery

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

const pkgName = "internal/discovery"

var (
	ErrUnexpectedEvent = errors.New("unexpected event type")
	ErrMACNotFound     = errors.New("MAC address not found in inventory")
	ErrInterfaceRole   = errors.New("lease network does not match the interface role")
	ErrIPRejected      = errors.New("IP address assignment rejected")
	ErrDeviceState     = errors.New("device state does not allow discovery")
)

// Discovery implements the worker.Handler interface for lease events.
type Discovery struct {
	inventory    inventory.Inventory
	queue        queue.Queue
	writer       *lifecycle.Writer
	errors       *errlog.Recorder
	prefixLength int
	logger       *logrus.Logger
	now          func() time.Time
}

// New returns a Discovery stage handler, assigned addresses get the given prefix length.
func New(
	inv inventory.Inventory,
	q queue.Queue,
	writer *lifecycle.Writer,
	recorder *errlog.Recorder,
	prefixLength int,
	logger *logrus.Logger,
) *Discovery {
	return &Discovery{
		inventory:    inv,
		queue:        q,
		writer:       writer,
		errors:       recorder,
		prefixLength: prefixLength,
		logger:       logger,
		now:          time.Now,
	}
}

func expectedRole(class model.NetworkClass) model.InterfaceRole {
	if class == model.NetworkManagement {
		return model.RoleMgmt
	}

	return model.RoleBMC
}

// Handle implements the worker.Handler interface.
//
// nolint:gocyclo // the discovery steps are easier to follow in one place
func (d *Discovery) Handle(ctx context.Context, event model.Event) error {
	lease, ok := event.(*model.LeaseEvent)
	if !ok {
		return errors.Wrap(ErrUnexpectedEvent, string(event.Type()))
	}

	ctx, span := otel.Tracer(pkgName).Start(ctx, "Discovery.Handle")
	defer span.End()

	span.SetAttributes(
		attribute.String("lease.mac", lease.MAC),
		attribute.String("lease.network", string(lease.NetworkType)),
	)

	le := d.logger.WithFields(logrus.Fields{
		"mac":         lease.MAC,
		"ip":          lease.IP,
		"networkType": lease.NetworkType,
	})

	iface, err := d.inventory.InterfaceByMAC(ctx, lease.MAC)
	if err != nil {
		if errors.Is(err, inventory.ErrNotFound) {
			le.Warn("MAC address not found in inventory")
			d.errors.MACNotFound(lease)

			return errors.Wrap(ErrMACNotFound, lease.MAC)
		}

		return errors.Wrap(worker.ErrRetry, "interface lookup: "+err.Error())
	}

	le = le.WithFields(logrus.Fields{
		"deviceID":  iface.DeviceID,
		"device":    iface.DeviceName,
		"interface": iface.Name,
	})

	if iface.Role() != expectedRole(lease.NetworkType) {
		le.Warn("lease hardware address belongs to an interface of another role, dropped")
		return errors.Wrap(ErrInterfaceRole, fmt.Sprintf("%s lease on interface %s", lease.NetworkType, iface.Name))
	}

	if err := d.assignIP(ctx, lease, iface, le); err != nil {
		return err
	}

	// address refresh only
	if lease.NetworkType == model.NetworkManagement {
		return nil
	}

	device, err := d.inventory.DeviceByID(ctx, iface.DeviceID)
	if err != nil {
		if errors.Is(err, inventory.ErrNotFound) {
			return errors.Wrap(ErrMACNotFound, "interface device "+iface.DeviceID.String())
		}

		return errors.Wrap(worker.ErrRetry, "device lookup: "+err.Error())
	}

	le = le.WithField("state", device.Lifecycle)

	if device.InError() {
		le.Warn("device is in the error state, discovery skipped")
		return errors.Wrap(ErrDeviceState, string(device.Lifecycle))
	}

	// a lease renewal of a device further down the pipeline
	if lifecycle.Rank(device.Lifecycle) > lifecycle.Rank(model.StateDiscovered) {
		le.Debug("device past discovery, address refreshed")
		return nil
	}

	discoveredAt := d.now().UTC().Truncate(time.Second)

	changed, err := d.writer.Advance(ctx, device, lifecycle.Discover, &model.DevicePatch{DiscoveredAt: &discoveredAt})
	if err != nil {
		if errors.Is(err, lifecycle.ErrTransition) || errors.Is(err, lifecycle.ErrStale) {
			return errors.Wrap(ErrDeviceState, err.Error())
		}

		return errors.Wrap(worker.ErrRetry, "state update: "+err.Error())
	}

	if changed {
		d.writer.Journal(
			ctx,
			device.ID,
			model.JournalSuccess,
			fmt.Sprintf("Device discovered via BMC DHCP lease: %s (%s)", lease.IP, lease.MAC),
		)
	}

	discovered := &model.DeviceDiscovered{
		Timestamp:  lease.Timestamp,
		DeviceID:   device.ID,
		DeviceName: device.Name,
		IP:         lease.IP,
		MAC:        lease.MAC,
	}

	if err := queue.PublishEvent(ctx, d.queue, discovered); err != nil {
		return errors.Wrap(worker.ErrRetry, "publish: "+err.Error())
	}

	le.Info("device discovered")

	return nil
}

// assignIP writes the lease address to the interface, no write is made when it holds the address.
func (d *Discovery) assignIP(ctx context.Context, lease *model.LeaseEvent, iface *model.Interface, le *logrus.Entry) error {
	cidr := fmt.Sprintf("%s/%d", lease.IP, d.prefixLength)
	if iface.IP == cidr {
		le.Debug("interface holds the lease address")
		return nil
	}

	previous := iface.IP

	if err := d.inventory.AssignIP(ctx, iface, cidr); err != nil {
		if errors.Is(err, inventory.ErrRejected) {
			le.WithError(err).Error("IP address assignment rejected")

			reason := fmt.Sprintf("Failed to assign IP %s to %s: %s", cidr, iface.Name, err.Error())
			if ferr := d.writer.Fail(ctx, iface.DeviceID, reason); ferr != nil {
				le.WithError(ferr).Error("device error state write failed")
			}

			return errors.Wrap(ErrIPRejected, err.Error())
		}

		return errors.Wrap(worker.ErrRetry, "IP assignment: "+err.Error())
	}

	message := fmt.Sprintf("IP address %s assigned to %s", cidr, iface.Name)
	if previous != "" {
		message = fmt.Sprintf("IP address updated on %s: %s → %s", iface.Name, previous, cidr)
	}

	d.writer.Journal(ctx, iface.DeviceID, model.JournalInfo, message)
	le.WithField("previous", previous).Info("interface address assigned")

	return nil
}
