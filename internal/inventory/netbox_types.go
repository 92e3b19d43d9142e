package inventory

import (
	"strconv"
	"strings"
	"time"

	"github.com/metal-toolbox/bmpipe/internal/model"
)

const (
	cfLifecycleState     = "lifecycle_state"
	cfDiscoveredAt       = "discovered_at"
	cfPXEBootInitiatedAt = "pxe_boot_initiated_at"
	cfHardenedAt         = "hardened_at"
	cfLastMonitoredAt    = "last_monitored_at"
	cfLastPowerWatts     = "last_power_watts"

	objectTypeInterface = "dcim.interface"
	objectTypeDevice    = "dcim.device"
)

type nbRef struct {
	ID   int    `json:"id"`
	Name string `json:"name,omitempty"`
	Slug string `json:"slug,omitempty"`
}

type nbAddressRef struct {
	ID      int    `json:"id"`
	Address string `json:"address"`
}

type nbInterface struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	MAC    string `json:"mac_address"`
	Device nbRef  `json:"device"`
}

type nbIPAddress struct {
	ID      int    `json:"id"`
	Address string `json:"address"`
}

type nbCustomFields struct {
	LifecycleState     string   `json:"lifecycle_state"`
	DiscoveredAt       string   `json:"discovered_at"`
	PXEBootInitiatedAt string   `json:"pxe_boot_initiated_at"`
	HardenedAt         string   `json:"hardened_at"`
	LastMonitoredAt    string   `json:"last_monitored_at"`
	LastPowerWatts     *float64 `json:"last_power_watts"`
}

type nbDevice struct {
	ID           int            `json:"id"`
	Name         string         `json:"name"`
	Comments     string         `json:"comments"`
	PrimaryIP4   *nbAddressRef  `json:"primary_ip4"`
	Tenant       *nbRef         `json:"tenant"`
	CustomFields nbCustomFields `json:"custom_fields"`
}

type nbList[T any] struct {
	Count   int    `json:"count"`
	Next    string `json:"next"`
	Results []T    `json:"results"`
}

type nbJournalEntry struct {
	AssignedObjectType string `json:"assigned_object_type"`
	AssignedObjectID   any    `json:"assigned_object_id"`
	Kind               string `json:"kind"`
	Comments           string `json:"comments"`
}

type nbIPAddressWrite struct {
	Address            string `json:"address"`
	Status             string `json:"status,omitempty"`
	AssignedObjectType string `json:"assigned_object_type,omitempty"`
	AssignedObjectID   any    `json:"assigned_object_id,omitempty"`
	Description        string `json:"description,omitempty"`
}

type nbInterfaceWrite struct {
	Device  any    `json:"device,omitempty"`
	Name    string `json:"name,omitempty"`
	Type    string `json:"type,omitempty"`
	Enabled bool   `json:"enabled"`
	MAC     string `json:"mac_address"`
}

// numeric inventory identifiers are sent as numbers.
func objectID(id string) any {
	if n, err := strconv.Atoi(id); err == nil {
		return n
	}

	return id
}

// custom field timestamps have been written by different tools over time.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTime(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}

	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}

	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func (d *nbDevice) toDevice() *model.Device {
	dev := &model.Device{
		ID:                 model.DeviceID(strconv.Itoa(d.ID)),
		Name:               d.Name,
		Lifecycle:          model.LifecycleState(strings.ToLower(d.CustomFields.LifecycleState)),
		Comments:           d.Comments,
		DiscoveredAt:       parseTime(d.CustomFields.DiscoveredAt),
		PXEBootInitiatedAt: parseTime(d.CustomFields.PXEBootInitiatedAt),
		HardenedAt:         parseTime(d.CustomFields.HardenedAt),
		LastMonitoredAt:    parseTime(d.CustomFields.LastMonitoredAt),
		LastPowerWatts:     d.CustomFields.LastPowerWatts,
	}

	if d.PrimaryIP4 != nil {
		dev.PrimaryIP = model.HostAddress(d.PrimaryIP4.Address)
	}

	if d.Tenant != nil {
		dev.Tenant = d.Tenant.Slug
		if dev.Tenant == "" {
			dev.Tenant = d.Tenant.Name
		}
	}

	return dev
}

// patchBody returns the device PATCH request body for the given patch.
func patchBody(p *model.DevicePatch) map[string]any {
	body := map[string]any{}
	cf := map[string]any{}

	if p.Lifecycle != nil {
		cf[cfLifecycleState] = string(*p.Lifecycle)
	}

	if p.DiscoveredAt != nil {
		cf[cfDiscoveredAt] = formatTime(*p.DiscoveredAt)
	}

	if p.PXEBootInitiatedAt != nil {
		cf[cfPXEBootInitiatedAt] = formatTime(*p.PXEBootInitiatedAt)
	}

	if p.HardenedAt != nil {
		cf[cfHardenedAt] = formatTime(*p.HardenedAt)
	}

	if p.LastMonitoredAt != nil {
		cf[cfLastMonitoredAt] = formatTime(*p.LastMonitoredAt)
	}

	if p.LastPowerWatts != nil {
		cf[cfLastPowerWatts] = *p.LastPowerWatts
	}

	if len(cf) > 0 {
		body["custom_fields"] = cf
	}

	if p.Comments != nil {
		body["comments"] = *p.Comments
	}

	return body
}
