package ingest

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metal-toolbox/bmpipe/internal/model"
)

func TestParse(t *testing.T) {
	now := time.Date(2026, 2, 13, 12, 30, 0, 0, time.UTC)
	defaults := Defaults{NetworkType: model.NetworkBMC, Site: "dc-east", Source: "dhcp"}

	tests := []struct {
		name    string
		line    string
		want    *model.LeaseEvent
		wantErr error
	}{
		{
			"flat wire shape",
			`{"event_type":"dhcp_lease","network_type":"management","mac_address":"a0-36-9f-c8-c0-52","ip_address":"10.23.1.20","site":"dc-west","timestamp":"2026-02-13T12:00:00Z","source":"kea"}`,
			&model.LeaseEvent{
				EventType:   model.EventDHCPLease,
				NetworkType: model.NetworkManagement,
				MAC:         "A0:36:9F:C8:C0:52",
				IP:          "10.23.1.20",
				Site:        "dc-west",
				Timestamp:   time.Date(2026, 2, 13, 12, 0, 0, 0, time.UTC),
				Source:      "kea",
			},
			nil,
		},
		{
			"tailer shape",
			`{"event_type":"dhcp_lease","timestamp":"2026-02-13T12:00:00Z","data":{"ip":"10.23.0.50","mac":"a0:36:9f:c8:c0:52","hostname":"ilo-server01"}}`,
			&model.LeaseEvent{
				EventType:   model.EventDHCPLease,
				NetworkType: model.NetworkBMC,
				MAC:         "A0:36:9F:C8:C0:52",
				IP:          "10.23.0.50",
				Hostname:    "ilo-server01",
				Site:        "dc-east",
				Timestamp:   time.Date(2026, 2, 13, 12, 0, 0, 0, time.UTC),
				Source:      "dhcp",
			},
			nil,
		},
		{
			"dnsmasq ack",
			"Feb 13 12:30:00 dhcp dnsmasq-dhcp[811]: DHCPACK(eth1) 10.23.0.51 a0:36:9f:c8:c0:53 ilo-server02",
			&model.LeaseEvent{
				EventType:   model.EventDHCPLease,
				NetworkType: model.NetworkBMC,
				MAC:         "A0:36:9F:C8:C0:53",
				IP:          "10.23.0.51",
				Hostname:    "ilo-server02",
				Site:        "dc-east",
				Timestamp:   now,
				Source:      "dhcp",
			},
			nil,
		},
		{
			"dnsmasq ack without hostname",
			"dnsmasq-dhcp[811]: DHCPACK(eth1) 10.23.0.52 a036.9fc8.c054",
			&model.LeaseEvent{
				EventType:   model.EventDHCPLease,
				NetworkType: model.NetworkBMC,
				MAC:         "A0:36:9F:C8:C0:54",
				IP:          "10.23.0.52",
				Site:        "dc-east",
				Timestamp:   now,
				Source:      "dhcp",
			},
			nil,
		},
		{"empty", "   ", nil, ErrMalformed},
		{"not json", "{garbage", nil, ErrMalformed},
		{"other syslog line", "dnsmasq-dhcp[811]: DHCPDISCOVER(eth1) a0:36:9f:c8:c0:53", nil, ErrMalformed},
		{"missing mac", `{"ip_address":"10.23.0.50"}`, nil, ErrMalformed},
		{"bad mac", `{"mac_address":"zz:36:9f:c8:c0:52","ip_address":"10.23.0.50"}`, nil, ErrMalformed},
		{"bad ip", `{"mac_address":"a0:36:9f:c8:c0:52","ip_address":"10.23.0.500"}`, nil, ErrMalformed},
		{"bad timestamp", `{"mac_address":"a0:36:9f:c8:c0:52","ip_address":"10.23.0.50","timestamp":"yesterday"}`, nil, ErrMalformed},
		{"unknown network", `{"network_type":"storage","mac_address":"a0:36:9f:c8:c0:52","ip_address":"10.23.0.50"}`, nil, ErrMalformed},
		{"other event", `{"event_type":"device_discovered","data":{"ip":"10.23.0.50","mac":"a0:36:9f:c8:c0:52"}}`, nil, ErrMalformed},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Parse(tc.line, defaults, now)
			if tc.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tc.wantErr), err.Error())

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
