package fixtures

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/jinzhu/copier"
	"github.com/pkg/errors"

	"github.com/metal-toolbox/bmpipe/internal/inventory"
	"github.com/metal-toolbox/bmpipe/internal/model"
)

// Write is a mutation recorded by the fake Inventory.
type Write struct {
	Method   string
	DeviceID model.DeviceID
	Patch    *model.DevicePatch
	Value    string
}

// JournalEntry is a journal message recorded by the fake Inventory.
type JournalEntry struct {
	DeviceID model.DeviceID
	Kind     model.JournalKind
	Message  string
}

// Inventory is an in memory inventory.Inventory for stage tests.
//
// Objects are copied on the way in and out so callers can't mutate the stored state.
type Inventory struct {
	mu         sync.Mutex
	devices    map[model.DeviceID]*model.Device
	interfaces []*model.Interface
	journal    []JournalEntry
	writes     []Write
	failures   map[string]error
	nextID     int
}

// NewInventory returns an empty fake inventory.
func NewInventory() *Inventory {
	return &Inventory{
		devices:  map[model.DeviceID]*model.Device{},
		failures: map[string]error{},
		nextID:   1000,
	}
}

func copyInterface(src *model.Interface) *model.Interface {
	if src == nil {
		return nil
	}

	dst := &model.Interface{}
	if err := copier.CopyWithOption(dst, src, copier.Option{DeepCopy: true}); err != nil {
		panic(err)
	}

	return dst
}

// device timestamps are copied through a patch, the patch copies values.
func copyDevice(src *model.Device) *model.Device {
	if src == nil {
		return nil
	}

	dst := &model.Device{
		ID:        src.ID,
		Name:      src.Name,
		Lifecycle: src.Lifecycle,
		PrimaryIP: src.PrimaryIP,
		Tenant:    src.Tenant,
		Comments:  src.Comments,
	}

	(&model.DevicePatch{
		DiscoveredAt:       src.DiscoveredAt,
		PXEBootInitiatedAt: src.PXEBootInitiatedAt,
		HardenedAt:         src.HardenedAt,
		LastMonitoredAt:    src.LastMonitoredAt,
		LastPowerWatts:     src.LastPowerWatts,
	}).Apply(dst)

	return dst
}

func copyPatch(src *model.DevicePatch) *model.DevicePatch {
	copied := &model.Device{}
	src.Apply(copied)

	dst := &model.DevicePatch{
		DiscoveredAt:       copied.DiscoveredAt,
		PXEBootInitiatedAt: copied.PXEBootInitiatedAt,
		HardenedAt:         copied.HardenedAt,
		LastMonitoredAt:    copied.LastMonitoredAt,
		LastPowerWatts:     copied.LastPowerWatts,
	}

	if src.Lifecycle != nil {
		state := *src.Lifecycle
		dst.Lifecycle = &state
	}

	if src.Comments != nil {
		comments := *src.Comments
		dst.Comments = &comments
	}

	return dst
}

// AddDevice stores the device along with its interfaces.
func (i *Inventory) AddDevice(device *model.Device, interfaces ...*model.Interface) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.devices[device.ID] = copyDevice(device)

	for _, iface := range interfaces {
		stored := copyInterface(iface)
		stored.DeviceID = device.ID
		stored.DeviceName = device.Name

		if stored.ID == "" {
			stored.ID = i.newID()
		}

		i.interfaces = append(i.interfaces, stored)
	}
}

// FailWith makes the named method return err until cleared with a nil err.
func (i *Inventory) FailWith(method string, err error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err == nil {
		delete(i.failures, method)
		return
	}

	i.failures[method] = err
}

// Device returns a copy of the stored device.
func (i *Inventory) Device(id model.DeviceID) *model.Device {
	i.mu.Lock()
	defer i.mu.Unlock()

	return copyDevice(i.devices[id])
}

// Interface returns a copy of the named device interface.
func (i *Inventory) Interface(id model.DeviceID, name string) *model.Interface {
	i.mu.Lock()
	defer i.mu.Unlock()

	for _, iface := range i.interfaces {
		if iface.DeviceID == id && iface.Name == name {
			return copyInterface(iface)
		}
	}

	return nil
}

// Writes returns the recorded mutations, journal entries excluded.
func (i *Inventory) Writes() []Write {
	i.mu.Lock()
	defer i.mu.Unlock()

	return append([]Write{}, i.writes...)
}

// WriteCount returns the count of recorded mutations made with the named method.
func (i *Inventory) WriteCount(method string) int {
	i.mu.Lock()
	defer i.mu.Unlock()

	var count int

	for _, w := range i.writes {
		if w.Method == method {
			count++
		}
	}

	return count
}

// StateWrites returns the lifecycle states written for the device, in order.
func (i *Inventory) StateWrites(id model.DeviceID) []model.LifecycleState {
	i.mu.Lock()
	defer i.mu.Unlock()

	var states []model.LifecycleState

	for _, w := range i.writes {
		if w.DeviceID == id && w.Patch != nil && w.Patch.Lifecycle != nil {
			states = append(states, *w.Patch.Lifecycle)
		}
	}

	return states
}

// Journal returns the recorded journal entries.
func (i *Inventory) Journal() []JournalEntry {
	i.mu.Lock()
	defer i.mu.Unlock()

	return append([]JournalEntry{}, i.journal...)
}

func (i *Inventory) newID() string {
	i.nextID++
	return strconv.Itoa(i.nextID)
}

func (i *Inventory) failure(method string) error {
	return i.failures[method]
}

// InterfaceByMAC implements the inventory.Inventory interface.
func (i *Inventory) InterfaceByMAC(_ context.Context, mac string) (*model.Interface, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.failure("InterfaceByMAC"); err != nil {
		return nil, err
	}

	normalized, err := model.NormalizeMAC(mac)
	if err != nil {
		return nil, err
	}

	for _, iface := range i.interfaces {
		if got, _ := model.NormalizeMAC(iface.MAC); got == normalized {
			return copyInterface(iface), nil
		}
	}

	return nil, errors.Wrap(inventory.ErrNotFound, "interface with MAC "+normalized)
}

// DeviceByID implements the inventory.Inventory interface.
func (i *Inventory) DeviceByID(_ context.Context, id model.DeviceID) (*model.Device, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.failure("DeviceByID"); err != nil {
		return nil, err
	}

	device, ok := i.devices[id]
	if !ok {
		return nil, errors.Wrap(inventory.ErrNotFound, "device "+id.String())
	}

	return copyDevice(device), nil
}

// DevicesByState implements the inventory.Inventory interface, devices are returned ordered by name.
func (i *Inventory) DevicesByState(_ context.Context, state model.LifecycleState) ([]*model.Device, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.failure("DevicesByState"); err != nil {
		return nil, err
	}

	var devices []*model.Device

	for _, device := range i.devices {
		if device.Lifecycle == state {
			devices = append(devices, copyDevice(device))
		}
	}

	sortDevices(devices)

	return devices, nil
}

func sortDevices(devices []*model.Device) {
	sort.Slice(devices, func(a, b int) bool { return devices[a].Name < devices[b].Name })
}

// AssignIP implements the inventory.Inventory interface.
func (i *Inventory) AssignIP(_ context.Context, iface *model.Interface, cidr string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.failure("AssignIP"); err != nil {
		return err
	}

	for _, stored := range i.interfaces {
		if stored.ID != iface.ID {
			continue
		}

		stored.IP = cidr
		if stored.IPID == "" {
			stored.IPID = i.newID()
		}

		iface.IP = stored.IP
		iface.IPID = stored.IPID

		i.writes = append(i.writes, Write{Method: "AssignIP", DeviceID: stored.DeviceID, Value: cidr})

		return nil
	}

	return errors.Wrap(inventory.ErrNotFound, "interface "+iface.ID)
}

// UpsertInterface implements the inventory.Inventory interface.
func (i *Inventory) UpsertInterface(_ context.Context, deviceID model.DeviceID, name, mac string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.failure("UpsertInterface"); err != nil {
		return err
	}

	device, ok := i.devices[deviceID]
	if !ok {
		return errors.Wrap(inventory.ErrNotFound, "device "+deviceID.String())
	}

	for _, stored := range i.interfaces {
		if stored.DeviceID == deviceID && stored.Name == name {
			if stored.MAC == mac {
				return nil
			}

			stored.MAC = mac
			i.writes = append(i.writes, Write{Method: "UpsertInterface", DeviceID: deviceID, Value: name + "=" + mac})

			return nil
		}
	}

	i.interfaces = append(i.interfaces, &model.Interface{
		ID:         i.newID(),
		DeviceID:   deviceID,
		DeviceName: device.Name,
		Name:       name,
		MAC:        mac,
	})

	i.writes = append(i.writes, Write{Method: "UpsertInterface", DeviceID: deviceID, Value: name + "=" + mac})

	return nil
}

// UpdateDevice implements the inventory.Inventory interface.
func (i *Inventory) UpdateDevice(_ context.Context, id model.DeviceID, patch *model.DevicePatch) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.failure("UpdateDevice"); err != nil {
		return err
	}

	device, ok := i.devices[id]
	if !ok {
		return errors.Wrap(inventory.ErrNotFound, "device "+id.String())
	}

	if patch == nil || patch.Empty() {
		return nil
	}

	patch.Apply(device)

	i.writes = append(i.writes, Write{Method: "UpdateDevice", DeviceID: id, Patch: copyPatch(patch)})

	return nil
}

// ManagementAddress implements the inventory.Inventory interface.
func (i *Inventory) ManagementAddress(_ context.Context, device *model.Device) (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.failure("ManagementAddress"); err != nil {
		return "", err
	}

	if device.PrimaryIP != "" {
		return device.PrimaryIP, nil
	}

	for _, stored := range i.interfaces {
		if stored.DeviceID == device.ID && stored.Name == model.BMCInterfaceName && stored.IP != "" {
			return model.HostAddress(stored.IP), nil
		}
	}

	return "", errors.Wrap(inventory.ErrNoAddress, device.Name)
}

// AddJournalEntry implements the inventory.Inventory interface.
func (i *Inventory) AddJournalEntry(_ context.Context, id model.DeviceID, kind model.JournalKind, message string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.failure("AddJournalEntry"); err != nil {
		return err
	}

	i.journal = append(i.journal, JournalEntry{DeviceID: id, Kind: kind, Message: message})

	return nil
}
