package bmc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/metal-toolbox/bmpipe/internal/app"
	"github.com/metal-toolbox/bmpipe/internal/model"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions() *app.BMCOptions {
	return &app.BMCOptions{
		Username: "Administrator",
		Password: "hunter2",
		Timeout:  2 * time.Second,
	}
}

func TestPoweredOff(t *testing.T) {
	cases := map[string]bool{
		"Off":         true,
		"PoweringOff": true,
		"off":         true,
		"On":          false,
		"PoweringOn":  false,
		"":            false,
	}

	for state, expected := range cases {
		assert.Equal(t, expected, PoweredOff(state), state)
	}
}

func TestSummarizeThermal(t *testing.T) {
	tests := []struct {
		name    string
		sensors []model.TemperatureSensor
		avg     float64
		max     float64
	}{
		{
			"no sensors",
			nil,
			0,
			0,
		},
		{
			"readings",
			[]model.TemperatureSensor{
				{Name: "Inlet", Celsius: 21},
				{Name: "CPU1", Celsius: 45},
				{Name: "CPU2", Celsius: 44},
			},
			36.67,
			45,
		},
		{
			"absent readings are not summarized",
			[]model.TemperatureSensor{
				{Name: "Inlet", Celsius: 20},
				{Name: "Absent", Celsius: 0},
			},
			20,
			20,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := SummarizeThermal(tc.sensors, nil)
			assert.Equal(t, tc.avg, got.AverageCelsius)
			assert.Equal(t, tc.max, got.MaxCelsius)
			assert.Len(t, got.Sensors, len(tc.sensors))
		})
	}
}

func TestNotOpen(t *testing.T) {
	ctrl := NewController("127.0.0.1", testOptions(), logrus.NewEntry(logrus.New()))
	ctx := context.Background()

	_, err := ctrl.PowerState(ctx)
	assert.ErrorIs(t, err, ErrNotOpen)

	_, err = ctrl.SystemInfo(ctx)
	assert.ErrorIs(t, err, ErrNotOpen)

	assert.ErrorIs(t, ctrl.SetOneTimeBoot(ctx, BootDevicePXE), ErrNotOpen)
	assert.ErrorIs(t, ctrl.PowerOn(ctx), ErrNotOpen)
	assert.ErrorIs(t, ctrl.PowerOff(ctx), ErrNotOpen)
	assert.ErrorIs(t, ctrl.ForceRestart(ctx), ErrNotOpen)

	// closing a controller that was never opened is a no-op
	assert.NoError(t, ctrl.Close(ctx))
}

func TestOpenCanceled(t *testing.T) {
	ctrl := NewController("127.0.0.1:1", testOptions(), logrus.NewEntry(logrus.New()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := ctrl.Open(ctx)
	require.Error(t, err)
	assert.True(t, IsLoginError(err))
}

func TestTelemetryConnectError(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	host := strings.TrimPrefix(srv.URL, "https://")

	ctrl := NewController(host, testOptions(), logrus.NewEntry(logrus.New()))

	_, err := ctrl.Telemetry(context.Background())
	assert.ErrorIs(t, err, ErrTelemetry)
}

func TestControllerFactory(t *testing.T) {
	factory := NewControllerFactory(testOptions())

	ctrl := factory("10.23.0.50", logrus.NewEntry(logrus.New()))
	require.NotNil(t, ctrl)

	b, ok := ctrl.(*bmc)
	require.True(t, ok)
	assert.Equal(t, "10.23.0.50", b.host)
}
