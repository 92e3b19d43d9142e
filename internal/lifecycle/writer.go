package lifecycle

import (
	"context"
	"fmt"

	sw "github.com/filanov/stateswitch"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/metal-toolbox/bmpipe/internal/inventory"
	"github.com/metal-toolbox/bmpipe/internal/metrics"
	"github.com/metal-toolbox/bmpipe/internal/model"
)

// Writer persists device lifecycle transitions to the inventory.
type Writer struct {
	inventory inventory.Inventory
	logger    *logrus.Logger
}

// NewWriter returns a Writer.
func NewWriter(inv inventory.Inventory, logger *logrus.Logger) *Writer {
	return &Writer{inventory: inv, logger: logger}
}

// Advance runs the transition on the device and writes the new lifecycle state to the inventory,
// along with the patch fields.
//
// Nothing is written when the device was already in the destination state, the returned bool
// is true when a write was made. On a write failure the device lifecycle is left as it was.
func (w *Writer) Advance(ctx context.Context, device *model.Device, t sw.TransitionType, patch *model.DevicePatch) (bool, error) {
	before := device.Lifecycle

	changed, err := Transition(device, t)
	if err != nil {
		return false, err
	}

	if !changed {
		return false, nil
	}

	if patch == nil {
		patch = &model.DevicePatch{}
	}

	after := device.Lifecycle
	patch.Lifecycle = &after

	if err := w.inventory.UpdateDevice(ctx, device.ID, patch); err != nil {
		device.Lifecycle = before
		return false, err
	}

	patch.Apply(device)
	metrics.ObserveTransition(string(before), string(after))

	w.logger.WithFields(logrus.Fields{
		"deviceID": device.ID,
		"device":   device.Name,
		"from":     before,
		"to":       after,
	}).Info("device lifecycle state updated")

	w.Journal(ctx, device.ID, model.JournalInfo, fmt.Sprintf("Lifecycle state changed: %s → %s", stateName(before), after))

	return true, nil
}

// Fail moves the device to the error state, reason is written to the device journal.
func (w *Writer) Fail(ctx context.Context, id model.DeviceID, reason string) error {
	device, err := w.inventory.DeviceByID(ctx, id)
	if err != nil {
		return err
	}

	if device.InError() {
		return nil
	}

	if _, err := w.Advance(ctx, device, Fail, nil); err != nil {
		return errors.Wrap(err, "device "+id.String())
	}

	w.Journal(ctx, id, model.JournalDanger, reason)

	return nil
}

// Journal writes a device journal entry.
//
// Journal entries are an audit trail, failing to write them doesn't fail the caller.
func (w *Writer) Journal(ctx context.Context, id model.DeviceID, kind model.JournalKind, message string) {
	if err := w.inventory.AddJournalEntry(ctx, id, kind, message); err != nil {
		w.logger.WithFields(logrus.Fields{
			"deviceID": id,
			"err":      err,
		}).Warn("journal entry write failed")
	}
}

func stateName(s model.LifecycleState) string {
	if s == model.StateUnspecified {
		return "unset"
	}

	return string(s)
}
