package hardening

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/metal-toolbox/bmpipe/internal/errlog"
	"github.com/metal-toolbox/bmpipe/internal/fixtures"
	"github.com/metal-toolbox/bmpipe/internal/lifecycle"
	"github.com/metal-toolbox/bmpipe/internal/model"
	"github.com/metal-toolbox/bmpipe/internal/queue"
	"github.com/metal-toolbox/bmpipe/internal/worker"
)

var (
	validatedAt = time.Date(2026, 2, 13, 12, 5, 0, 0, time.UTC)
	fixedNow    = time.Date(2026, 2, 13, 12, 9, 41, 900, time.UTC)
	creds       = Credentials{Username: "admin", Password: "secret"}
)

type mockRunner struct {
	mock.Mock
}

func (m *mockRunner) Run(ctx context.Context, target string, c Credentials) (*Result, error) {
	args := m.Called(ctx, target, c)

	result, _ := args.Get(0).(*Result)

	return result, args.Error(1)
}

type testStage struct {
	*Stage
	inventory *fixtures.Inventory
	queue     *queue.Mem
	runner    *mockRunner
	errlog    *bytes.Buffer
}

func newTestStage(t *testing.T, device *model.Device) *testStage {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(&bytes.Buffer{})

	inv := fixtures.NewInventory()
	inv.AddDevice(device)

	q := queue.NewMem()
	t.Cleanup(func() { q.Close() })

	ts := &testStage{
		inventory: inv,
		queue:     q,
		runner:    &mockRunner{},
		errlog:    &bytes.Buffer{},
	}

	ts.Stage = NewStage(inv, q, lifecycle.NewWriter(inv, logger), ts.runner, creds, errlog.NewWithWriter(ts.errlog), logger)
	ts.now = func() time.Time { return fixedNow }

	t.Cleanup(func() { ts.runner.AssertExpectations(t) })

	return ts
}

func server01(state model.LifecycleState) *model.Device {
	return &model.Device{ID: "42", Name: "server01", Lifecycle: state, PrimaryIP: "10.23.0.50"}
}

func validationCompleted() *model.ValidationCompleted {
	return &model.ValidationCompleted{Timestamp: validatedAt, DeviceID: "42", DeviceName: "server01"}
}

func (ts *testStage) queued(t *testing.T) uint64 {
	t.Helper()

	length, err := ts.queue.Length(context.Background(), queue.HardeningQueue)
	require.NoError(t, err)

	return length
}

func TestHandleHardensDevice(t *testing.T) {
	ts := newTestStage(t, server01(model.StateValidated))

	ts.runner.On("Run", mock.Anything, "10.23.0.50", creds).
		Return(&Result{Duration: 3 * time.Minute}, nil).
		Once()

	require.NoError(t, ts.Handle(context.Background(), validationCompleted()))

	device := ts.inventory.Device("42")
	assert.Equal(t, model.StateStaged, device.Lifecycle)
	require.NotNil(t, device.HardenedAt)
	assert.Equal(t, fixedNow.Truncate(time.Second), *device.HardenedAt)
	assert.Equal(t, []model.LifecycleState{model.StateHardening, model.StateStaged}, ts.inventory.StateWrites("42"))

	payload, err := ts.queue.Peek(context.Background(), queue.HardeningQueue)
	require.NoError(t, err)

	event, err := model.DecodeEvent(payload)
	require.NoError(t, err)

	completed, ok := event.(*model.HardeningCompleted)
	require.True(t, ok)
	assert.Equal(t, "10.23.0.50", completed.Target)
	assert.Equal(t, model.DeviceID("42"), completed.DeviceID)
}

func TestHandleRunFailure(t *testing.T) {
	ts := newTestStage(t, server01(model.StateValidated))

	ts.runner.On("Run", mock.Anything, "10.23.0.50", creds).
		Return(&Result{ExitCode: 2, Output: "fatal: [10.23.0.50]: FAILED!"}, ErrFailed).
		Once()

	err := ts.Handle(context.Background(), validationCompleted())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFailed)
	assert.NotErrorIs(t, err, worker.ErrRetry)

	device := ts.inventory.Device("42")
	assert.Equal(t, model.StateHardening, device.Lifecycle)
	assert.Nil(t, device.HardenedAt)
	assert.Zero(t, ts.queued(t))

	record := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(ts.errlog.Bytes(), &record))
	assert.Equal(t, string(errlog.KindHardeningFailed), record["error_type"])
	assert.Equal(t, float64(2), record["exit_code"])
	assert.Equal(t, "10.23.0.50", record["target"])
	assert.Contains(t, record["output"], "FAILED!")

	journal := ts.inventory.Journal()
	require.NotEmpty(t, journal)
	last := journal[len(journal)-1]
	assert.Equal(t, model.JournalWarning, last.Kind)
	assert.Equal(t, "Hardening failed against 10.23.0.50 (exit code 2)", last.Message)
}

func TestHandleRunTimeout(t *testing.T) {
	ts := newTestStage(t, server01(model.StateValidated))

	ts.runner.On("Run", mock.Anything, "10.23.0.50", creds).
		Return(nil, ErrTimeout).
		Once()

	err := ts.Handle(context.Background(), validationCompleted())
	assert.ErrorIs(t, err, worker.ErrRetry)
	assert.Equal(t, model.StateHardening, ts.inventory.Device("42").Lifecycle)
	assert.Zero(t, ts.queued(t))
	assert.Empty(t, ts.errlog.Bytes())
}

func TestHandleRetryFromHardening(t *testing.T) {
	ts := newTestStage(t, server01(model.StateHardening))

	ts.runner.On("Run", mock.Anything, "10.23.0.50", creds).
		Return(&Result{}, nil).
		Once()

	require.NoError(t, ts.Handle(context.Background(), validationCompleted()))

	assert.Equal(t, []model.LifecycleState{model.StateStaged}, ts.inventory.StateWrites("42"))
	assert.Equal(t, uint64(1), ts.queued(t))
}

func TestHandleReplayAfterStaged(t *testing.T) {
	device := server01(model.StateStaged)
	hardenedAt := validatedAt.Add(4 * time.Minute)
	device.HardenedAt = &hardenedAt

	ts := newTestStage(t, device)

	require.NoError(t, ts.Handle(context.Background(), validationCompleted()))
	require.NoError(t, ts.Handle(context.Background(), validationCompleted()))

	assert.Empty(t, ts.inventory.Writes())
	assert.Equal(t, uint64(1), ts.queued(t))
}

func TestHandleReplayAfterStagedDeviceClockAhead(t *testing.T) {
	device := server01(model.StateStaged)
	hardenedAt := validatedAt.Add(4 * time.Minute)
	device.HardenedAt = &hardenedAt

	ts := newTestStage(t, device)

	event := validationCompleted()
	event.Timestamp = validatedAt.Add(2 * time.Hour)

	require.NoError(t, ts.Handle(context.Background(), event))

	assert.Empty(t, ts.inventory.Writes())
	assert.Equal(t, uint64(1), ts.queued(t))

	payload, err := ts.queue.Peek(context.Background(), queue.HardeningQueue)
	require.NoError(t, err)

	decoded, err := model.DecodeEvent(payload)
	require.NoError(t, err)
	assert.Equal(t, hardenedAt, decoded.Time().UTC())
}

func TestHandleDevicePastHardening(t *testing.T) {
	device := server01(model.StateReady)
	hardenedAt := validatedAt.Add(-time.Hour)
	device.HardenedAt = &hardenedAt

	ts := newTestStage(t, device)

	require.NoError(t, ts.Handle(context.Background(), validationCompleted()))

	assert.Empty(t, ts.inventory.Writes())
	assert.Zero(t, ts.queued(t))
}

func TestHandleNoTargetAddress(t *testing.T) {
	device := server01(model.StateValidated)
	device.PrimaryIP = ""

	ts := newTestStage(t, device)

	err := ts.Handle(context.Background(), validationCompleted())
	assert.ErrorIs(t, err, ErrNoTarget)
	assert.NotErrorIs(t, err, worker.ErrRetry)
	assert.Equal(t, model.StateValidated, ts.inventory.Device("42").Lifecycle)
}

func TestHandleDeviceState(t *testing.T) {
	for _, state := range []model.LifecycleState{model.StateError, model.StateDiscovered, model.StateValidating} {
		t.Run(string(state), func(t *testing.T) {
			ts := newTestStage(t, server01(state))

			err := ts.Handle(context.Background(), validationCompleted())
			assert.ErrorIs(t, err, ErrDeviceState)
			assert.Empty(t, ts.inventory.Writes())
		})
	}
}
