package ingest

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/metal-toolbox/bmpipe/internal/model"
)

var (
	// ErrMalformed is returned for lease observations that can't be turned into a lease event.
	ErrMalformed = errors.New("malformed lease observation")

	// dnsmasq-dhcp[1234]: DHCPACK(eth1) 10.23.0.50 a0:36:9f:c8:c0:52 ilo-server01
	dnsmasqAck = regexp.MustCompile(`DHCPACK\(([^)]*)\)\s+(\S+)\s+(\S+)(?:\s+(\S+))?`)
)

// Defaults are the lease attributes applied when the observation does not carry them.
type Defaults struct {
	NetworkType model.NetworkClass
	Site        string
	Source      string
}

// flat lease wire shape, and the tailer shape which nests the lease under data.
type observation struct {
	EventType   string     `json:"event_type"`
	NetworkType string     `json:"network_type"`
	MAC         string     `json:"mac_address"`
	IP          string     `json:"ip_address"`
	Hostname    string     `json:"hostname"`
	Site        string     `json:"site"`
	Timestamp   string     `json:"timestamp"`
	Source      string     `json:"source"`
	Data        *tailerObs `json:"data"`
}

type tailerObs struct {
	IP          string `json:"ip"`
	MAC         string `json:"mac"`
	Hostname    string `json:"hostname"`
	NetworkType string `json:"network_type"`
	Site        string `json:"site"`
}

// Parse returns the lease event for a single observation line.
//
// now stamps observations without a source timestamp.
func Parse(line string, defaults Defaults, now time.Time) (*model.LeaseEvent, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, errors.Wrap(ErrMalformed, "empty input")
	}

	var (
		lease *model.LeaseEvent
		err   error
	)

	if strings.HasPrefix(line, "{") {
		lease, err = parseJSON(line, now)
	} else {
		lease, err = parseDnsmasq(line, now)
	}

	if err != nil {
		return nil, err
	}

	return normalize(lease, defaults)
}

func parseJSON(line string, now time.Time) (*model.LeaseEvent, error) {
	obs := &observation{}
	if err := json.Unmarshal([]byte(line), obs); err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}

	if obs.EventType != "" && obs.EventType != string(model.EventDHCPLease) {
		return nil, errors.Wrap(ErrMalformed, "unexpected event_type: "+obs.EventType)
	}

	lease := &model.LeaseEvent{
		NetworkType: model.NetworkClass(obs.NetworkType),
		MAC:         obs.MAC,
		IP:          obs.IP,
		Hostname:    obs.Hostname,
		Site:        obs.Site,
		Source:      obs.Source,
		Timestamp:   now,
	}

	if obs.Data != nil {
		lease.MAC = obs.Data.MAC
		lease.IP = obs.Data.IP
		lease.Hostname = obs.Data.Hostname

		if obs.Data.NetworkType != "" {
			lease.NetworkType = model.NetworkClass(obs.Data.NetworkType)
		}

		if obs.Data.Site != "" {
			lease.Site = obs.Data.Site
		}
	}

	if obs.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339, obs.Timestamp)
		if err != nil {
			return nil, errors.Wrap(ErrMalformed, "timestamp: "+err.Error())
		}

		lease.Timestamp = ts
	}

	return lease, nil
}

func parseDnsmasq(line string, now time.Time) (*model.LeaseEvent, error) {
	m := dnsmasqAck.FindStringSubmatch(line)
	if m == nil {
		return nil, errors.Wrap(ErrMalformed, "not a DHCPACK line")
	}

	return &model.LeaseEvent{
		IP:        m[2],
		MAC:       m[3],
		Hostname:  m[4],
		Timestamp: now,
	}, nil
}

func normalize(lease *model.LeaseEvent, defaults Defaults) (*model.LeaseEvent, error) {
	if lease.MAC == "" || lease.IP == "" {
		return nil, errors.Wrap(ErrMalformed, "missing MAC or IP address")
	}

	mac, err := model.NormalizeMAC(lease.MAC)
	if err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}

	ip, err := model.NormalizeIP(lease.IP)
	if err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}

	lease.EventType = model.EventDHCPLease
	lease.MAC = mac
	lease.IP = ip
	lease.Timestamp = lease.Timestamp.UTC()

	if lease.NetworkType == "" {
		lease.NetworkType = defaults.NetworkType
	}

	switch lease.NetworkType {
	case model.NetworkBMC, model.NetworkManagement:
	default:
		return nil, errors.Wrap(ErrMalformed, "unknown network_type: "+string(lease.NetworkType))
	}

	if lease.Site == "" {
		lease.Site = defaults.Site
	}

	if lease.Source == "" {
		lease.Source = defaults.Source
	}

	return lease, nil
}
