package model

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"

	sw "github.com/filanov/stateswitch"
	"github.com/pkg/errors"
)

// LifecycleState is the provisioning state of a device as recorded in the inventory.
type LifecycleState string

const (
	StateOffline     LifecycleState = "offline"
	StatePlanned     LifecycleState = "planned"
	StateDiscovered  LifecycleState = "discovered"
	StateValidating  LifecycleState = "validating"
	StateValidated   LifecycleState = "validated"
	StateHardening   LifecycleState = "hardening"
	StateStaged      LifecycleState = "staged"
	StateReady       LifecycleState = "ready"
	StateMonitored   LifecycleState = "monitored"
	StateError       LifecycleState = "error"
	StateUnspecified LifecycleState = ""
)

// LifecycleStates returns all known lifecycle states.
func LifecycleStates() []LifecycleState {
	return []LifecycleState{
		StateOffline,
		StatePlanned,
		StateDiscovered,
		StateValidating,
		StateValidated,
		StateHardening,
		StateStaged,
		StateReady,
		StateMonitored,
		StateError,
	}
}

var ErrDeviceID = errors.New("invalid device identifier")

// DeviceID is the opaque inventory identifier of a device.
//
// The inventory hands these out as integers, callers may send them as strings,
// both forms decode to the same value.
type DeviceID string

func (d DeviceID) String() string {
	return string(d)
}

// UnmarshalJSON implements json.Unmarshaler
func (d *DeviceID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*d = ""
		return nil
	}

	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return errors.Wrap(ErrDeviceID, err.Error())
		}

		*d = DeviceID(s)

		return nil
	}

	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return errors.Wrap(ErrDeviceID, err.Error())
	}

	*d = DeviceID(n.String())

	return nil
}

// MarshalJSON implements json.Marshaler, numeric identifiers are written as numbers.
func (d DeviceID) MarshalJSON() ([]byte, error) {
	if _, err := strconv.ParseInt(string(d), 10, 64); err == nil {
		return []byte(d), nil
	}

	return json.Marshal(string(d))
}

// Device holds the attributes of a server the pipeline reads and patches in the inventory.
//
// nolint:govet // fieldalignment struct is easier to read in the current format
type Device struct {
	ID   DeviceID
	Name string

	// Lifecycle is the current lifecycle_state custom field value.
	Lifecycle LifecycleState

	// PrimaryIP is the management address without a prefix length, empty when unset.
	PrimaryIP string

	Tenant   string
	Comments string

	DiscoveredAt       *time.Time
	PXEBootInitiatedAt *time.Time
	HardenedAt         *time.Time
	LastMonitoredAt    *time.Time
	LastPowerWatts     *float64
}

// State implements the stateswitch StateSwitch interface.
func (d *Device) State() sw.State {
	return sw.State(d.Lifecycle)
}

// SetState implements the stateswitch StateSwitch interface.
func (d *Device) SetState(state sw.State) error {
	d.Lifecycle = LifecycleState(state)
	return nil
}

// InError returns true when the device requires operator intervention.
func (d *Device) InError() bool {
	return d.Lifecycle == StateError
}

// DevicePatch is a partial device update, nil fields are left untouched.
type DevicePatch struct {
	Lifecycle          *LifecycleState
	Comments           *string
	DiscoveredAt       *time.Time
	PXEBootInitiatedAt *time.Time
	HardenedAt         *time.Time
	LastMonitoredAt    *time.Time
	LastPowerWatts     *float64
}

// Empty returns true when the patch carries no changes.
func (p *DevicePatch) Empty() bool {
	return p.Lifecycle == nil &&
		p.Comments == nil &&
		p.DiscoveredAt == nil &&
		p.PXEBootInitiatedAt == nil &&
		p.HardenedAt == nil &&
		p.LastMonitoredAt == nil &&
		p.LastPowerWatts == nil
}

// Apply sets the patch fields on the given device.
func (p *DevicePatch) Apply(d *Device) {
	if p.Lifecycle != nil {
		d.Lifecycle = *p.Lifecycle
	}

	if p.Comments != nil {
		d.Comments = *p.Comments
	}

	if p.DiscoveredAt != nil {
		t := *p.DiscoveredAt
		d.DiscoveredAt = &t
	}

	if p.PXEBootInitiatedAt != nil {
		t := *p.PXEBootInitiatedAt
		d.PXEBootInitiatedAt = &t
	}

	if p.HardenedAt != nil {
		t := *p.HardenedAt
		d.HardenedAt = &t
	}

	if p.LastMonitoredAt != nil {
		t := *p.LastMonitoredAt
		d.LastMonitoredAt = &t
	}

	if p.LastPowerWatts != nil {
		w := *p.LastPowerWatts
		d.LastPowerWatts = &w
	}
}

// InterfaceRole identifies the purpose of a device network interface.
type InterfaceRole string

const (
	RoleBMC   InterfaceRole = "bmc"
	RoleMgmt  InterfaceRole = "mgmt"
	RoleOther InterfaceRole = "other"

	// BMCInterfaceName is the inventory interface name of the out-of-band NIC.
	BMCInterfaceName = "bmc"
	// MgmtInterfaceName is the inventory interface name of the OS management NIC.
	MgmtInterfaceName = "mgmt0"
)

// Interface is a device network interface as recorded in the inventory.
type Interface struct {
	ID         string
	DeviceID   DeviceID
	DeviceName string
	Name       string
	MAC        string

	// IP is the assigned address in CIDR form, empty when none is assigned.
	IP string
	// IPID is the inventory identifier of the assigned address record.
	IPID string
}

// Role returns the interface role based on its inventory name.
func (i *Interface) Role() InterfaceRole {
	switch i.Name {
	case BMCInterfaceName:
		return RoleBMC
	case MgmtInterfaceName:
		return RoleMgmt
	}

	return RoleOther
}

// JournalKind is the severity of an inventory journal entry.
type JournalKind string

const (
	JournalInfo    JournalKind = "info"
	JournalSuccess JournalKind = "success"
	JournalWarning JournalKind = "warning"
	JournalDanger  JournalKind = "danger"
)
