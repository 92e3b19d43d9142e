package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/mock/gomock"

	"github.com/metal-toolbox/bmpipe/internal/app"
	"github.com/metal-toolbox/bmpipe/internal/bmc"
	"github.com/metal-toolbox/bmpipe/internal/fixtures"
	"github.com/metal-toolbox/bmpipe/internal/inventory"
	"github.com/metal-toolbox/bmpipe/internal/model"
)

var (
	fixedNow = time.Date(2026, 2, 13, 12, 30, 15, 700, time.UTC)

	errUnreachable = errors.New("dial tcp 10.23.0.51:443: i/o timeout")
)

func telemetry(watts float64) *model.Telemetry {
	return &model.Telemetry{
		CPU:    model.CPUMetrics{Count: 2, Model: "Intel(R) Xeon(R) Gold 6338", Health: "OK"},
		Memory: model.MemoryMetrics{TotalGB: 512, Health: "OK"},
		Power:  model.PowerMetrics{ConsumedWatts: watts, CapacityWatts: 1600},
	}
}

type testMonitor struct {
	*Monitor
	inventory   *fixtures.Inventory
	controllers map[string]*fixtures.MockController
	dir         string
}

func newTestMonitor(t *testing.T, devices ...*model.Device) *testMonitor {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(&bytes.Buffer{})

	inv := fixtures.NewInventory()
	ctrl := gomock.NewController(t)

	tm := &testMonitor{
		inventory:   inv,
		controllers: map[string]*fixtures.MockController{},
		dir:         filepath.Join(t.TempDir(), "metrics"),
	}

	for _, device := range devices {
		inv.AddDevice(device)
		tm.controllers[device.PrimaryIP] = fixtures.NewMockController(ctrl)
	}

	sink, err := NewFileSink(tm.dir)
	require.NoError(t, err)

	factory := func(host string, _ *logrus.Entry) bmc.Controller {
		return tm.controllers[host]
	}

	tm.Monitor = New(
		inventory.NewStateSource(inv, model.StateReady),
		inv,
		factory,
		sink,
		&app.MonitoringOptions{Concurrency: 2},
		logger,
	)
	tm.now = func() time.Time { return fixedNow }

	return tm
}

func ready(id, name, ip string) *model.Device {
	return &model.Device{ID: model.DeviceID(id), Name: name, Lifecycle: model.StateReady, PrimaryIP: ip}
}

func (tm *testMonitor) documents(t *testing.T) []string {
	t.Helper()

	entries, err := os.ReadDir(tm.dir)
	require.NoError(t, err)

	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}

	return names
}

func TestNewDefaults(t *testing.T) {
	m := New(nil, nil, nil, nil, &app.MonitoringOptions{}, logrus.New())

	assert.Equal(t, defaultInterval, m.interval)
	assert.Equal(t, defaultErrorBackoff, m.errorBackoff)
	assert.Equal(t, defaultConcurrency, m.concurrency)
}

func TestCycle(t *testing.T) {
	tm := newTestMonitor(t, ready("42", "server01", "10.23.0.50"))

	tm.controllers["10.23.0.50"].EXPECT().Telemetry(gomock.Any()).Return(telemetry(412.5), nil)

	result, err := tm.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &CycleResult{Devices: 1, Collected: 1}, result)

	assert.Equal(t, []string{"server01-20260213-123015.json"}, tm.documents(t))

	b, err := os.ReadFile(filepath.Join(tm.dir, "server01-20260213-123015.json"))
	require.NoError(t, err)

	doc := &model.MetricsDocument{}
	require.NoError(t, json.Unmarshal(b, doc))
	assert.NotEmpty(t, doc.ID)
	assert.Equal(t, model.DeviceID("42"), doc.DeviceID)
	assert.Equal(t, "server01", doc.DeviceName)
	assert.Equal(t, 2, doc.Metrics.CPU.Count)
	assert.Equal(t, 412.5, doc.Metrics.Power.ConsumedWatts)

	device := tm.inventory.Device("42")
	require.NotNil(t, device.LastMonitoredAt)
	assert.Equal(t, fixedNow.Truncate(time.Second), *device.LastMonitoredAt)
	require.NotNil(t, device.LastPowerWatts)
	assert.Equal(t, 412.5, *device.LastPowerWatts)
	assert.Equal(t, model.StateReady, device.Lifecycle)
}

func TestCycleDeviceFailureDoesNotStopOthers(t *testing.T) {
	tm := newTestMonitor(t,
		ready("41", "server00", "10.23.0.51"),
		ready("42", "server01", "10.23.0.50"),
		ready("43", "server02", "10.23.0.52"),
	)

	tm.controllers["10.23.0.51"].EXPECT().Telemetry(gomock.Any()).Return(nil, errUnreachable)
	tm.controllers["10.23.0.50"].EXPECT().Telemetry(gomock.Any()).Return(telemetry(400), nil)
	tm.controllers["10.23.0.52"].EXPECT().Telemetry(gomock.Any()).Return(telemetry(380), nil)

	result, err := tm.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &CycleResult{Devices: 3, Collected: 2, Failed: 1}, result)

	assert.ElementsMatch(t, []string{
		"server01-20260213-123015.json",
		"server02-20260213-123015.json",
	}, tm.documents(t))

	assert.Nil(t, tm.inventory.Device("41").LastMonitoredAt)
	assert.NotNil(t, tm.inventory.Device("42").LastMonitoredAt)
	assert.NotNil(t, tm.inventory.Device("43").LastMonitoredAt)
}

func TestCycleDevicePanic(t *testing.T) {
	tm := newTestMonitor(t,
		ready("41", "server00", "10.23.0.51"),
		ready("42", "server01", "10.23.0.50"),
	)

	tm.controllers["10.23.0.51"].EXPECT().Telemetry(gomock.Any()).
		DoAndReturn(func(context.Context) (*model.Telemetry, error) {
			panic("redfish: unexpected PowerControl payload")
		})
	tm.controllers["10.23.0.50"].EXPECT().Telemetry(gomock.Any()).Return(telemetry(400), nil)

	result, err := tm.Cycle(context.Background())
	assert.ErrorIs(t, err, ErrCyclePanic)
	assert.Equal(t, &CycleResult{Devices: 2, Collected: 1, Failed: 1}, result)

	assert.Equal(t, []string{"server01-20260213-123015.json"}, tm.documents(t))
}

func TestCycleOnlyReadyDevices(t *testing.T) {
	staged := ready("44", "server03", "10.23.0.53")
	staged.Lifecycle = model.StateStaged

	tm := newTestMonitor(t, ready("42", "server01", "10.23.0.50"), staged)

	// no expectations on the staged device controller
	tm.controllers["10.23.0.50"].EXPECT().Telemetry(gomock.Any()).Return(telemetry(400), nil)

	result, err := tm.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Devices)
}

func TestCycleAnnotationFailure(t *testing.T) {
	tm := newTestMonitor(t, ready("42", "server01", "10.23.0.50"))
	tm.inventory.FailWith("UpdateDevice", errors.Wrap(inventory.ErrInventoryQuery, "503 service unavailable"))

	tm.controllers["10.23.0.50"].EXPECT().Telemetry(gomock.Any()).Return(telemetry(400), nil)

	result, err := tm.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Collected)
	assert.Len(t, tm.documents(t), 1)
}

func TestCycleNoAddress(t *testing.T) {
	tm := newTestMonitor(t, ready("42", "server01", ""))

	result, err := tm.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	assert.Empty(t, tm.documents(t))
}

func TestCycleListFailure(t *testing.T) {
	tm := newTestMonitor(t)
	tm.inventory.FailWith("DevicesByState", errors.Wrap(inventory.ErrInventoryQuery, "502 bad gateway"))

	_, err := tm.Cycle(context.Background())
	assert.ErrorIs(t, err, ErrListDevices)
}

type countingSource struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (s *countingSource) Devices(context.Context) ([]*model.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++

	return nil, s.err
}

func (s *countingSource) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.calls
}

func TestRunResumesAfterFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	logger := logrus.New()
	logger.SetOutput(&bytes.Buffer{})

	source := &countingSource{err: errors.New("connection refused")}

	m := New(source, nil, nil, nil, &app.MonitoringOptions{
		Interval:     time.Hour,
		ErrorBackoff: 10 * time.Millisecond,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		m.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return source.count() >= 3 }, 5*time.Second, 10*time.Millisecond)

	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not stop")
	}
}

type panickingSource struct {
	countingSource
}

func (s *panickingSource) Devices(ctx context.Context) ([]*model.Device, error) {
	_, _ = s.countingSource.Devices(ctx)

	panic("inventory response decode")
}

func TestRunResumesAfterPanic(t *testing.T) {
	defer goleak.VerifyNone(t)

	logger := logrus.New()
	logger.SetOutput(&bytes.Buffer{})

	source := &panickingSource{}

	m := New(source, nil, nil, nil, &app.MonitoringOptions{
		Interval:     time.Hour,
		ErrorBackoff: 10 * time.Millisecond,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		m.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return source.count() >= 3 }, 5*time.Second, 10*time.Millisecond)

	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not stop")
	}
}

func TestFileSinkDocumentsAreImmutable(t *testing.T) {
	sink, err := NewFileSink(t.TempDir())
	require.NoError(t, err)

	doc := &model.MetricsDocument{ID: "1", DeviceID: "42", DeviceName: "server01", Timestamp: fixedNow}

	path, err := sink.Write(doc)
	require.NoError(t, err)
	assert.Equal(t, "server01-20260213-123015.json", filepath.Base(path))

	doc.ID = "2"

	_, err = sink.Write(doc)
	assert.ErrorIs(t, err, ErrSinkWrite)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"document_id": "1"`)
}

func TestFilename(t *testing.T) {
	doc := &model.MetricsDocument{DeviceName: "rack1/server01", Timestamp: fixedNow.In(time.FixedZone("CET", 3600))}
	assert.Equal(t, "rack1_server01-20260213-123015.json", Filename(doc))
}
