package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/metal-toolbox/bmpipe/internal/app"
	"github.com/metal-toolbox/bmpipe/internal/errlog"
	"github.com/metal-toolbox/bmpipe/internal/fixtures"
	"github.com/metal-toolbox/bmpipe/internal/ingest"
	"github.com/metal-toolbox/bmpipe/internal/inventory"
	"github.com/metal-toolbox/bmpipe/internal/lifecycle"
	"github.com/metal-toolbox/bmpipe/internal/model"
	"github.com/metal-toolbox/bmpipe/internal/queue"
)

const report = `{
  "device_id": "42",
  "timestamp": "2026-02-13T12:05:00Z",
  "hardware": {"manufacturer": "HPE", "model": "ProLiant DL360 Gen10", "serial": "ABC123"},
  "lldp": {"eno1": {"chassis": "leaf01", "port": "Ethernet12"}},
  "interfaces": [
    {"name": "eno1", "mac": "0C:C4:7A:00:00:01"},
    {"name": "eno2", "mac": "0c-c4-7a-00-00-02"},
    {"name": "ilo", "mac": "a0:36:9f:c8:c0:52"},
    {"name": "bmc0", "mac": "a0:36:9f:c8:c0:53"},
    {"name": "eno3", "mac": "not-a-mac"}
  ]
}`

type testServer struct {
	*Server
	inventory *fixtures.Inventory
	queue     *queue.Mem
	router    http.Handler
}

func newTestServer(t *testing.T, device *model.Device, opts ...Option) *testServer {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(&bytes.Buffer{})

	inv := fixtures.NewInventory()
	if device != nil {
		inv.AddDevice(device)
	}

	q := queue.NewMem()
	t.Cleanup(func() { q.Close() })

	s := NewServer(inv, q, lifecycle.NewWriter(inv, logger), &app.CallbackOptions{Listen: "127.0.0.1:0"}, logger, opts...)
	s.now = func() time.Time { return time.Date(2026, 2, 13, 13, 0, 0, 0, time.UTC) }

	return &testServer{Server: s, inventory: inv, queue: q, router: s.Router()}
}

func (ts *testServer) post(t *testing.T, path, body string) (int, map[string]interface{}) {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)

	got := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got), w.Body.String())

	return w.Code, got
}

func (ts *testServer) queued(t *testing.T, name queue.Name) uint64 {
	t.Helper()

	length, err := ts.queue.Length(context.Background(), name)
	require.NoError(t, err)

	return length
}

func validating() *model.Device {
	return &model.Device{ID: "42", Name: "server01", Lifecycle: model.StateValidating}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil)

	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", http.NoBody))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestValidationReport(t *testing.T) {
	ts := newTestServer(t, validating())

	code, body := ts.post(t, "/api/v1/validation/report", report)
	require.Equal(t, http.StatusOK, code, body)

	assert.Equal(t, "success", body["status"])
	assert.Equal(t, float64(42), body["device_id"])
	assert.Equal(t, "server01", body["device_name"])

	device := ts.inventory.Device("42")
	assert.Equal(t, model.StateValidated, device.Lifecycle)
	assert.Equal(t, "Hardware: HPE ProLiant DL360 Gen10 (Serial: ABC123)", device.Comments)

	assert.Equal(t, "0c:c4:7a:00:00:01", ts.inventory.Interface("42", "eno1").MAC)
	assert.Equal(t, "0c:c4:7a:00:00:02", ts.inventory.Interface("42", "eno2").MAC)
	assert.Nil(t, ts.inventory.Interface("42", "ilo"))
	assert.Nil(t, ts.inventory.Interface("42", "bmc0"))
	assert.Nil(t, ts.inventory.Interface("42", "eno3"))

	payload, err := ts.queue.Peek(context.Background(), queue.ValidationQueue)
	require.NoError(t, err)

	event, err := model.DecodeEvent(payload)
	require.NoError(t, err)

	completed, ok := event.(*model.ValidationCompleted)
	require.True(t, ok)
	assert.Equal(t, model.DeviceID("42"), completed.DeviceID)
	assert.Equal(t, "server01", completed.DeviceName)
	assert.True(t, time.Date(2026, 2, 13, 12, 5, 0, 0, time.UTC).Equal(completed.Timestamp))
}

func TestValidationReportReplay(t *testing.T) {
	ts := newTestServer(t, validating())

	code, _ := ts.post(t, "/api/v1/validation/report", report)
	require.Equal(t, http.StatusOK, code)

	first := ts.inventory.Device("42")
	writes := len(ts.inventory.Writes())

	code, body := ts.post(t, "/api/v1/validation/report", report)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "success", body["status"])

	assert.Equal(t, first, ts.inventory.Device("42"))
	assert.Len(t, ts.inventory.Writes(), writes)
	assert.Equal(t, uint64(1), ts.queued(t, queue.ValidationQueue))
}

func TestValidationReportMissingDeviceID(t *testing.T) {
	ts := newTestServer(t, validating())

	for _, body := range []string{
		`{"hardware": {"model": "R650"}, "interfaces": [{"name": "eno1", "mac": "0c:c4:7a:00:00:01"}]}`,
		`{"device_id": null}`,
		`{"device_id": ""}`,
		`not json`,
		``,
	} {
		code, got := ts.post(t, "/api/v1/validation/report", body)
		assert.Equal(t, http.StatusBadRequest, code, body)
		assert.NotEmpty(t, got["error"])
	}

	assert.Empty(t, ts.inventory.Writes())
	assert.Equal(t, model.StateValidating, ts.inventory.Device("42").Lifecycle)
	assert.Zero(t, ts.queued(t, queue.ValidationQueue))
}

func TestValidationReportNumericDeviceID(t *testing.T) {
	ts := newTestServer(t, validating())

	code, _ := ts.post(t, "/api/v1/validation/report", `{"device_id": 42}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, model.StateValidated, ts.inventory.Device("42").Lifecycle)
}

func TestValidationReportUnknownDevice(t *testing.T) {
	ts := newTestServer(t, validating())

	code, body := ts.post(t, "/api/v1/validation/report", `{"device_id": "43"}`)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "Device not found: 43", body["error"])
	assert.Empty(t, ts.inventory.Writes())
}

func TestValidationReportInventoryUnavailable(t *testing.T) {
	ts := newTestServer(t, validating())
	ts.inventory.FailWith("DeviceByID", errors.Wrap(inventory.ErrInventoryQuery, "502 bad gateway"))

	code, _ := ts.post(t, "/api/v1/validation/report", report)
	assert.Equal(t, http.StatusInternalServerError, code)
}

func TestValidationReportState(t *testing.T) {
	cases := []struct {
		state model.LifecycleState
		code  int
	}{
		{model.StateDiscovered, http.StatusConflict},
		{model.StateOffline, http.StatusConflict},
		{model.StateError, http.StatusConflict},
		{model.StateHardening, http.StatusOK},
		{model.StateReady, http.StatusOK},
	}

	for _, tc := range cases {
		t.Run(string(tc.state), func(t *testing.T) {
			ts := newTestServer(t, &model.Device{ID: "42", Name: "server01", Lifecycle: tc.state})

			code, _ := ts.post(t, "/api/v1/validation/report", report)
			assert.Equal(t, tc.code, code)

			assert.Empty(t, ts.inventory.Writes())
			assert.Equal(t, tc.state, ts.inventory.Device("42").Lifecycle)
			assert.Zero(t, ts.queued(t, queue.ValidationQueue))
		})
	}
}

func TestValidationReportTimestampFallback(t *testing.T) {
	initiatedAt := time.Date(2026, 2, 13, 12, 0, 30, 0, time.UTC)
	device := validating()
	device.PXEBootInitiatedAt = &initiatedAt

	ts := newTestServer(t, device)

	code, _ := ts.post(t, "/api/v1/validation/report", `{"device_id": "42"}`)
	require.Equal(t, http.StatusOK, code)

	payload, err := ts.queue.Peek(context.Background(), queue.ValidationQueue)
	require.NoError(t, err)

	event, err := model.DecodeEvent(payload)
	require.NoError(t, err)
	assert.True(t, initiatedAt.Equal(event.Time()))

	// no hardware model, comments are left alone
	assert.Empty(t, ts.inventory.Device("42").Comments)
}

func TestPushLease(t *testing.T) {
	q := queue.NewMem()
	t.Cleanup(func() { q.Close() })

	logger := logrus.New()
	logger.SetOutput(&bytes.Buffer{})

	errs := &bytes.Buffer{}
	ingestor := ingest.NewIngestor(
		q,
		errlog.NewWithWriter(errs),
		&app.LeaseOptions{NetworkType: "bmc", Site: "dc1", Source: "dnsmasq"},
		logger,
	)

	ts := newTestServer(t, nil, WithLeaseIngestor(ingestor))

	code, body := ts.post(
		t,
		"/api/v1/leases",
		`{"event_type":"dhcp_lease","network_type":"bmc","mac_address":"A0:36:9F:C8:C0:52","ip_address":"10.23.0.50","site":"dc1","timestamp":"2026-02-13T12:00:00Z","source":"dnsmasq"}`,
	)
	assert.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, "a0:36:9f:c8:c0:52", body["mac_address"])

	length, err := q.Length(context.Background(), queue.LeaseQueue)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), length)

	code, _ = ts.post(t, "/api/v1/leases", `{"event_type":"dhcp_lease","mac_address":"zz"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, errs.String(), string(errlog.KindMalformedLease))
}

func TestPushLeaseDisabled(t *testing.T) {
	ts := newTestServer(t, nil)

	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/leases", strings.NewReader(`{}`)))

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTLSConfig(t *testing.T) {
	ts := newTestServer(t, nil)

	ts.options.RequireClientCert = true

	_, err := ts.tlsConfig()
	assert.ErrorIs(t, err, ErrTLSConfig)

	ca := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(ca, []byte("not a certificate"), 0o600))

	ts.options.TLSCA = ca

	_, err = ts.tlsConfig()
	assert.ErrorIs(t, err, ErrTLSConfig)
}

func TestListenAndServeShutdown(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ts := newTestServer(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- ts.ListenAndServe(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
