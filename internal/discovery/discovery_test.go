package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metal-toolbox/bmpipe/internal/errlog"
	"github.com/metal-toolbox/bmpipe/internal/fixtures"
	"github.com/metal-toolbox/bmpipe/internal/inventory"
	"github.com/metal-toolbox/bmpipe/internal/lifecycle"
	"github.com/metal-toolbox/bmpipe/internal/model"
	"github.com/metal-toolbox/bmpipe/internal/queue"
	"github.com/metal-toolbox/bmpipe/internal/worker"
)

var (
	leaseTime = time.Date(2026, 2, 13, 12, 0, 0, 0, time.UTC)
	fixedNow  = time.Date(2026, 2, 13, 12, 0, 3, 500, time.UTC)
)

type testStage struct {
	*Discovery
	inventory *fixtures.Inventory
	queue     *queue.Mem
	errlog    *bytes.Buffer
}

func newTestStage(t *testing.T, device *model.Device, interfaces ...*model.Interface) *testStage {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(&bytes.Buffer{})

	inv := fixtures.NewInventory()
	if device != nil {
		inv.AddDevice(device, interfaces...)
	}

	q := queue.NewMem()
	t.Cleanup(func() { q.Close() })

	buf := &bytes.Buffer{}

	d := New(inv, q, lifecycle.NewWriter(inv, logger), errlog.NewWithWriter(buf), 24, logger)
	d.now = func() time.Time { return fixedNow }

	return &testStage{Discovery: d, inventory: inv, queue: q, errlog: buf}
}

func bmcLease() *model.LeaseEvent {
	return &model.LeaseEvent{
		NetworkType: model.NetworkBMC,
		MAC:         "a0:36:9f:c8:c0:52",
		IP:          "10.23.0.50",
		Site:        "dc1",
		Timestamp:   leaseTime,
		Source:      "dnsmasq",
	}
}

func server01(state model.LifecycleState) *model.Device {
	return &model.Device{ID: "42", Name: "server01", Lifecycle: state}
}

func bmcInterface(ip string) *model.Interface {
	return &model.Interface{Name: model.BMCInterfaceName, MAC: "A0:36:9F:C8:C0:52", IP: ip}
}

func TestHandleDiscoversOfflineDevice(t *testing.T) {
	s := newTestStage(t, server01(model.StateOffline), bmcInterface(""))

	err := s.Handle(context.Background(), bmcLease())
	require.NoError(t, err)

	device := s.inventory.Device("42")
	assert.Equal(t, model.StateDiscovered, device.Lifecycle)
	require.NotNil(t, device.DiscoveredAt)
	assert.Equal(t, fixedNow.Truncate(time.Second), *device.DiscoveredAt)

	iface := s.inventory.Interface("42", model.BMCInterfaceName)
	assert.Equal(t, "10.23.0.50/24", iface.IP)

	payload, err := s.queue.Peek(context.Background(), queue.DiscoveryQueue)
	require.NoError(t, err)

	event, err := model.DecodeEvent(payload)
	require.NoError(t, err)

	discovered, ok := event.(*model.DeviceDiscovered)
	require.True(t, ok)
	assert.Equal(t, model.DeviceID("42"), discovered.DeviceID)
	assert.Equal(t, "server01", discovered.DeviceName)
	assert.Equal(t, "10.23.0.50", discovered.IP)
	assert.Equal(t, "a0:36:9f:c8:c0:52", discovered.MAC)
	assert.True(t, leaseTime.Equal(discovered.Timestamp))

	// the published event carries the numeric inventory id
	raw := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(payload, &raw))
	assert.Equal(t, "device_discovered", raw["event_type"])
	assert.Equal(t, float64(42), raw["data"].(map[string]interface{})["device_id"])

	var messages []string
	for _, entry := range s.inventory.Journal() {
		messages = append(messages, entry.Message)
	}

	assert.Contains(t, messages, "IP address 10.23.0.50/24 assigned to bmc")
	assert.Contains(t, messages, "Lifecycle state changed: offline → discovered")
	assert.Contains(t, messages, "Device discovered via BMC DHCP lease: 10.23.0.50 (a0:36:9f:c8:c0:52)")
}

func TestHandleReplayIsIdempotent(t *testing.T) {
	s := newTestStage(t, server01(model.StateOffline), bmcInterface(""))

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Handle(context.Background(), bmcLease()))
	}

	assert.Equal(t, 1, s.inventory.WriteCount("AssignIP"))
	assert.Equal(t, 1, s.inventory.WriteCount("UpdateDevice"))
	assert.Equal(t, []model.LifecycleState{model.StateDiscovered}, s.inventory.StateWrites("42"))

	// replays publish the same message id, the queue keeps one
	length, err := s.queue.Length(context.Background(), queue.DiscoveryQueue)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), length)
}

func TestHandleUpdatesAddressInPlace(t *testing.T) {
	iface := bmcInterface("10.23.0.40/24")
	iface.IPID = "7"

	s := newTestStage(t, server01(model.StateOffline), iface)

	require.NoError(t, s.Handle(context.Background(), bmcLease()))

	got := s.inventory.Interface("42", model.BMCInterfaceName)
	assert.Equal(t, "10.23.0.50/24", got.IP)
	assert.Equal(t, "7", got.IPID)

	journal := s.inventory.Journal()
	require.NotEmpty(t, journal)
	assert.Equal(t, "IP address updated on bmc: 10.23.0.40/24 → 10.23.0.50/24", journal[0].Message)
}

func TestHandleMACNotFound(t *testing.T) {
	s := newTestStage(t, server01(model.StateOffline), bmcInterface(""))

	lease := bmcLease()
	lease.MAC = "de:ad:be:ef:00:01"

	err := s.Handle(context.Background(), lease)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMACNotFound)
	assert.NotErrorIs(t, err, worker.ErrRetry)

	assert.Empty(t, s.inventory.Writes())
	assert.Empty(t, s.inventory.Journal())
	assert.Equal(t, model.StateOffline, s.inventory.Device("42").Lifecycle)

	length, err := s.queue.Length(context.Background(), queue.DiscoveryQueue)
	require.NoError(t, err)
	assert.Zero(t, length)

	record := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(s.errlog.Bytes(), &record))
	assert.Equal(t, string(errlog.KindMACNotFound), record["error_type"])
	assert.Equal(t, "de:ad:be:ef:00:01", record["mac_address"])
	assert.Equal(t, "10.23.0.50", record["ip_address"])
}

func TestHandleInventoryUnavailableIsRetried(t *testing.T) {
	s := newTestStage(t, server01(model.StateOffline), bmcInterface(""))
	s.inventory.FailWith("InterfaceByMAC", errors.Wrap(inventory.ErrInventoryQuery, "502 bad gateway"))

	err := s.Handle(context.Background(), bmcLease())
	assert.ErrorIs(t, err, worker.ErrRetry)
	assert.Empty(t, s.errlog.Bytes())
}

func TestHandleRoleMismatch(t *testing.T) {
	mgmt := &model.Interface{Name: model.MgmtInterfaceName, MAC: "a0:36:9f:c8:c0:52"}
	s := newTestStage(t, server01(model.StateOffline), mgmt)

	err := s.Handle(context.Background(), bmcLease())
	assert.ErrorIs(t, err, ErrInterfaceRole)
	assert.Empty(t, s.inventory.Writes())
}

func TestHandleManagementLease(t *testing.T) {
	mgmt := &model.Interface{Name: model.MgmtInterfaceName, MAC: "0c:c4:7a:00:00:01"}
	s := newTestStage(t, server01(model.StateValidating), mgmt)

	lease := bmcLease()
	lease.NetworkType = model.NetworkManagement
	lease.MAC = "0C-C4-7A-00-00-01"
	lease.IP = "10.24.0.17"

	require.NoError(t, s.Handle(context.Background(), lease))

	assert.Equal(t, "10.24.0.17/24", s.inventory.Interface("42", model.MgmtInterfaceName).IP)
	assert.Equal(t, model.StateValidating, s.inventory.Device("42").Lifecycle)
	assert.Zero(t, s.inventory.WriteCount("UpdateDevice"))

	length, err := s.queue.Length(context.Background(), queue.DiscoveryQueue)
	require.NoError(t, err)
	assert.Zero(t, length)
}

func TestHandleDevicePastDiscovery(t *testing.T) {
	s := newTestStage(t, server01(model.StateReady), bmcInterface("10.23.0.40/24"))

	require.NoError(t, s.Handle(context.Background(), bmcLease()))

	assert.Equal(t, "10.23.0.50/24", s.inventory.Interface("42", model.BMCInterfaceName).IP)
	assert.Equal(t, model.StateReady, s.inventory.Device("42").Lifecycle)
	assert.Zero(t, s.inventory.WriteCount("UpdateDevice"))

	length, err := s.queue.Length(context.Background(), queue.DiscoveryQueue)
	require.NoError(t, err)
	assert.Zero(t, length)
}

func TestHandleDeviceInError(t *testing.T) {
	s := newTestStage(t, server01(model.StateError), bmcInterface("10.23.0.50/24"))

	err := s.Handle(context.Background(), bmcLease())
	assert.ErrorIs(t, err, ErrDeviceState)
	assert.NotErrorIs(t, err, worker.ErrRetry)
	assert.Empty(t, s.inventory.Writes())
}

func TestHandleAssignmentRejected(t *testing.T) {
	s := newTestStage(t, server01(model.StateOffline), bmcInterface(""))
	s.inventory.FailWith("AssignIP", errors.Wrap(inventory.ErrRejected, "address 10.23.0.50/24 already exists"))

	err := s.Handle(context.Background(), bmcLease())
	assert.ErrorIs(t, err, ErrIPRejected)
	assert.NotErrorIs(t, err, worker.ErrRetry)

	assert.Equal(t, model.StateError, s.inventory.Device("42").Lifecycle)

	journal := s.inventory.Journal()
	require.NotEmpty(t, journal)
	last := journal[len(journal)-1]
	assert.Equal(t, model.JournalDanger, last.Kind)
	assert.Contains(t, last.Message, "Failed to assign IP 10.23.0.50/24 to bmc")
}

func TestHandleStateWriteFailureIsRetried(t *testing.T) {
	s := newTestStage(t, server01(model.StateOffline), bmcInterface(""))
	s.inventory.FailWith("UpdateDevice", errors.Wrap(inventory.ErrInventoryQuery, "503 service unavailable"))

	err := s.Handle(context.Background(), bmcLease())
	assert.ErrorIs(t, err, worker.ErrRetry)

	length, err := s.queue.Length(context.Background(), queue.DiscoveryQueue)
	require.NoError(t, err)
	assert.Zero(t, length)

	// the redelivered event re-applies the state write and publishes
	s.inventory.FailWith("UpdateDevice", nil)
	require.NoError(t, s.Handle(context.Background(), bmcLease()))

	assert.Equal(t, model.StateDiscovered, s.inventory.Device("42").Lifecycle)
	assert.Equal(t, 1, s.inventory.WriteCount("AssignIP"))
}

func TestHandleUnexpectedEvent(t *testing.T) {
	s := newTestStage(t, nil)

	err := s.Handle(context.Background(), &model.ValidationCompleted{DeviceID: "42"})
	assert.ErrorIs(t, err, ErrUnexpectedEvent)
}
