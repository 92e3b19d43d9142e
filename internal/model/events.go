package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// EventType identifies the kind of a queued event.
type EventType string

const (
	EventDHCPLease           EventType = "dhcp_lease"
	EventDeviceDiscovered    EventType = "device_discovered"
	EventPXEBootInitiated    EventType = "pxe_boot_initiated"
	EventValidationCompleted EventType = "validation_completed"
	EventHardeningCompleted  EventType = "hardening_completed"
)

// NetworkClass is the network a DHCP lease was observed on.
type NetworkClass string

const (
	NetworkBMC        NetworkClass = "bmc"
	NetworkManagement NetworkClass = "management"
)

var (
	ErrEventDecode = errors.New("event decode error")
	ErrEventType   = errors.New("unsupported event type")
)

// Event is implemented by every payload carried on the pipeline queues.
type Event interface {
	// Type returns the event type written in the event_type field.
	Type() EventType
	// Time returns the source timestamp of the event.
	Time() time.Time
	// IdempotencyKey identifies exact replays of the same event.
	IdempotencyKey() string
}

// DeviceEvent is an Event that refers to an inventory device.
type DeviceEvent interface {
	Event
	Device() (DeviceID, string)
}

// LeaseEvent is a normalized DHCP lease observation.
type LeaseEvent struct {
	EventType   EventType    `json:"event_type"`
	NetworkType NetworkClass `json:"network_type"`
	MAC         string       `json:"mac_address"`
	IP          string       `json:"ip_address"`
	Hostname    string       `json:"hostname,omitempty"`
	Site        string       `json:"site"`
	Timestamp   time.Time    `json:"timestamp"`
	Source      string       `json:"source"`
}

func (e *LeaseEvent) Type() EventType { return EventDHCPLease }
func (e *LeaseEvent) Time() time.Time { return e.Timestamp }

func (e *LeaseEvent) IdempotencyKey() string {
	return fmt.Sprintf("%s/%s/%s/%s/%s", EventDHCPLease, e.NetworkType, e.MAC, e.IP, e.Timestamp.UTC().Format(time.RFC3339Nano))
}

// DeviceDiscovered is published by discovery once a BMC lease resolved to a device.
type DeviceDiscovered struct {
	Timestamp  time.Time `json:"-"`
	DeviceID   DeviceID  `json:"device_id"`
	DeviceName string    `json:"device_name"`
	IP         string    `json:"ip_address"`
	MAC        string    `json:"mac_address"`
}

// PXEBootInitiated is published by provisioning once the device was set to network boot and (re)powered.
type PXEBootInitiated struct {
	Timestamp  time.Time `json:"-"`
	DeviceID   DeviceID  `json:"device_id"`
	DeviceName string    `json:"device_name"`
	IP         string    `json:"ip_address"`
	PowerState string    `json:"power_state,omitempty"`
}

// ValidationCompleted is published by the validation callback.
type ValidationCompleted struct {
	Timestamp  time.Time `json:"-"`
	DeviceID   DeviceID  `json:"device_id"`
	DeviceName string    `json:"device_name"`
}

// HardeningCompleted is published by the hardening stage after a successful configuration run.
type HardeningCompleted struct {
	Timestamp  time.Time `json:"-"`
	DeviceID   DeviceID  `json:"device_id"`
	DeviceName string    `json:"device_name"`
	Target     string    `json:"target"`
}

func (e *DeviceDiscovered) Type() EventType            { return EventDeviceDiscovered }
func (e *DeviceDiscovered) Time() time.Time            { return e.Timestamp }
func (e *DeviceDiscovered) Device() (DeviceID, string) { return e.DeviceID, e.DeviceName }
func (e *DeviceDiscovered) IdempotencyKey() string     { return deviceEventKey(e) }

func (e *PXEBootInitiated) Type() EventType            { return EventPXEBootInitiated }
func (e *PXEBootInitiated) Time() time.Time            { return e.Timestamp }
func (e *PXEBootInitiated) Device() (DeviceID, string) { return e.DeviceID, e.DeviceName }
func (e *PXEBootInitiated) IdempotencyKey() string     { return deviceEventKey(e) }

func (e *ValidationCompleted) Type() EventType            { return EventValidationCompleted }
func (e *ValidationCompleted) Time() time.Time            { return e.Timestamp }
func (e *ValidationCompleted) Device() (DeviceID, string) { return e.DeviceID, e.DeviceName }
func (e *ValidationCompleted) IdempotencyKey() string     { return deviceEventKey(e) }

func (e *HardeningCompleted) Type() EventType            { return EventHardeningCompleted }
func (e *HardeningCompleted) Time() time.Time            { return e.Timestamp }
func (e *HardeningCompleted) Device() (DeviceID, string) { return e.DeviceID, e.DeviceName }
func (e *HardeningCompleted) IdempotencyKey() string     { return deviceEventKey(e) }

// device id + event type + source timestamp
func deviceEventKey(e DeviceEvent) string {
	id, _ := e.Device()
	return fmt.Sprintf("%s/%s/%s", id, e.Type(), e.Time().UTC().Format(time.RFC3339Nano))
}

// envelope is the wire shape of pipeline events.
type envelope struct {
	EventType EventType       `json:"event_type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// EncodeEvent returns the wire form of the event.
func EncodeEvent(e Event) ([]byte, error) {
	if lease, ok := e.(*LeaseEvent); ok {
		l := *lease
		l.EventType = EventDHCPLease

		return json.Marshal(&l)
	}

	data, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(ErrEventDecode, err.Error())
	}

	return json.Marshal(&envelope{
		EventType: e.Type(),
		Timestamp: e.Time().UTC(),
		Data:      data,
	})
}

// DecodeEvent returns the typed event for the given wire payload.
//
// This is the only place a queue payload is interpreted, stages work with the returned types.
func DecodeEvent(b []byte) (Event, error) {
	env := &envelope{}
	if err := json.Unmarshal(b, env); err != nil {
		return nil, errors.Wrap(ErrEventDecode, err.Error())
	}

	var (
		ev   Event
		data interface{}
	)

	switch env.EventType {
	case EventDHCPLease:
		lease := &LeaseEvent{}
		if err := json.Unmarshal(b, lease); err != nil {
			return nil, errors.Wrap(ErrEventDecode, err.Error())
		}

		if lease.MAC == "" || lease.IP == "" {
			return nil, errors.Wrap(ErrEventDecode, "lease event missing mac_address/ip_address")
		}

		return lease, nil
	case EventDeviceDiscovered:
		e := &DeviceDiscovered{Timestamp: env.Timestamp}
		ev, data = e, e
	case EventPXEBootInitiated:
		e := &PXEBootInitiated{Timestamp: env.Timestamp}
		ev, data = e, e
	case EventValidationCompleted:
		e := &ValidationCompleted{Timestamp: env.Timestamp}
		ev, data = e, e
	case EventHardeningCompleted:
		e := &HardeningCompleted{Timestamp: env.Timestamp}
		ev, data = e, e
	default:
		return nil, errors.Wrap(ErrEventType, string(env.EventType))
	}

	if len(env.Data) == 0 {
		return nil, errors.Wrap(ErrEventDecode, "event missing data")
	}

	if err := json.Unmarshal(env.Data, data); err != nil {
		return nil, errors.Wrap(ErrEventDecode, err.Error())
	}

	if de, ok := ev.(DeviceEvent); ok {
		if id, _ := de.Device(); id == "" {
			return nil, errors.Wrap(ErrEventDecode, "event missing device_id")
		}
	}

	return ev, nil
}
