// Package inventory provides access to the inventory service, the system of
// record for devices, their network interfaces and lifecycle attributes.
package inventory

import (
	"context"

	"github.com/metal-toolbox/bmpipe/internal/model"
	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned when the queried object does not exist in the inventory.
	ErrNotFound = errors.New("inventory object not found")

	// ErrRejected is returned when the inventory refused a write, retrying the same write will not help.
	ErrRejected = errors.New("inventory rejected the request")

	// ErrInventoryQuery is returned for inventory requests that failed for any other reason.
	ErrInventoryQuery = errors.New("inventory query error")

	// ErrNoAddress is returned when a device has no management address recorded.
	ErrNoAddress = errors.New("device has no management address")
)

// Inventory is the interface the pipeline stages use to read and patch the inventory.
//
// The pipeline never creates or deletes devices.
//
//go:generate mockgen -source inventory.go -destination=../fixtures/mock_inventory.go -package fixtures
type Inventory interface {
	// InterfaceByMAC returns the interface holding the given hardware address,
	// along with its owning device identity and assigned address.
	InterfaceByMAC(ctx context.Context, mac string) (*model.Interface, error)

	// DeviceByID returns the device with the given identifier.
	DeviceByID(ctx context.Context, id model.DeviceID) (*model.Device, error)

	// DevicesByState returns all devices in the given lifecycle state.
	DevicesByState(ctx context.Context, state model.LifecycleState) ([]*model.Device, error)

	// AssignIP sets the address of the interface, updating the existing address record in place if there is one.
	AssignIP(ctx context.Context, iface *model.Interface, cidr string) error

	// UpsertInterface creates or updates the named interface on the device.
	UpsertInterface(ctx context.Context, deviceID model.DeviceID, name, mac string) error

	// UpdateDevice applies the patch to the device.
	UpdateDevice(ctx context.Context, id model.DeviceID, patch *model.DevicePatch) error

	// ManagementAddress returns the address the device management controller is reachable on.
	ManagementAddress(ctx context.Context, device *model.Device) (string, error)

	// AddJournalEntry records a message in the device journal.
	AddJournalEntry(ctx context.Context, id model.DeviceID, kind model.JournalKind, message string) error
}
