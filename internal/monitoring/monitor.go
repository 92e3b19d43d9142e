// Package monitoring periodically collects telemetry from the management controllers of ready devices.
package monitoring

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/metal-toolbox/bmpipe/internal/app"
	"github.com/metal-toolbox/bmpipe/internal/bmc"
	"github.com/metal-toolbox/bmpipe/internal/inventory"
	"github.com/metal-toolbox/bmpipe/internal/metrics"
	"github.com/metal-toolbox/bmpipe/internal/model"
)

const (
	pkgName = "internal/monitoring"

	defaultInterval     = 5 * time.Minute
	defaultErrorBackoff = 60 * time.Second
	defaultConcurrency  = 4

	// upper bound of a single device poll
	pollTimeout = 2 * time.Minute

	resultCollected = "collected"
	resultFailed    = "failed"
)

var (
	ErrListDevices = errors.New("monitored devices list error")

	// ErrCyclePanic is returned when a device poll or the device listing panicked.
	ErrCyclePanic = errors.New("monitoring cycle panic")
)

// DeviceSource returns the devices to monitor.
type DeviceSource interface {
	Devices(ctx context.Context) ([]*model.Device, error)
}

// CycleResult summarizes one poll cycle.
type CycleResult struct {
	Devices   int
	Collected int
	Failed    int
}

// Monitor polls the devices of a DeviceSource on an interval.
type Monitor struct {
	source        DeviceSource
	inventory     inventory.Inventory
	newController bmc.NewControllerFunc
	sink          Sink
	interval      time.Duration
	errorBackoff  time.Duration
	concurrency   int
	logger        *logrus.Logger
	now           func() time.Time
}

// New returns a Monitor.
func New(
	source DeviceSource,
	inv inventory.Inventory,
	newController bmc.NewControllerFunc,
	sink Sink,
	options *app.MonitoringOptions,
	logger *logrus.Logger,
) *Monitor {
	m := &Monitor{
		source:        source,
		inventory:     inv,
		newController: newController,
		sink:          sink,
		interval:      options.Interval,
		errorBackoff:  options.ErrorBackoff,
		concurrency:   options.Concurrency,
		logger:        logger,
		now:           time.Now,
	}

	if m.interval <= 0 {
		m.interval = defaultInterval
	}

	if m.errorBackoff <= 0 {
		m.errorBackoff = defaultErrorBackoff
	}

	if m.concurrency <= 0 {
		m.concurrency = defaultConcurrency
	}

	return m
}

// Run polls until the context is canceled.
//
// A failed cycle waits the error backoff before the next attempt, instead of the poll interval.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.WithFields(logrus.Fields{
		"interval":    m.interval.String(),
		"concurrency": m.concurrency,
	}).Info("monitoring started")

	for {
		wait := m.interval

		result, err := m.safeCycle(ctx)
		if err != nil {
			m.logger.WithError(err).Warn("monitoring cycle failed")

			wait = m.errorBackoff
		} else {
			m.logger.WithFields(logrus.Fields{
				"devices":   result.Devices,
				"collected": result.Collected,
				"failed":    result.Failed,
			}).Info("monitoring cycle completed")
		}

		select {
		case <-ctx.Done():
			m.logger.Info("monitoring stopped")
			return
		case <-time.After(wait):
		}
	}
}

func (m *Monitor) safeCycle(ctx context.Context) (result *CycleResult, err error) {
	var catcher panics.Catcher

	catcher.Try(func() { result, err = m.Cycle(ctx) })

	if recovered := catcher.Recovered(); recovered != nil {
		return nil, errors.Wrap(ErrCyclePanic, recovered.AsError().Error())
	}

	return result, err
}

// Cycle polls every device of the source once.
//
// Device poll failures are counted in the result. A failure to list the devices is returned,
// a panicking device poll is counted as failed and reported with ErrCyclePanic once every
// other device was polled.
func (m *Monitor) Cycle(ctx context.Context) (*CycleResult, error) {
	ctx, span := otel.Tracer(pkgName).Start(ctx, "Monitor.Cycle")
	defer span.End()

	start := time.Now()
	defer func() {
		metrics.MonitoringCycleRunTime.Observe(time.Since(start).Seconds())
	}()

	devices, err := m.source.Devices(ctx)
	if err != nil {
		return nil, errors.Wrap(ErrListDevices, err.Error())
	}

	span.SetAttributes(attribute.Int("devices", len(devices)))

	var (
		mu       sync.Mutex
		result   = &CycleResult{Devices: len(devices)}
		panicked *panics.Recovered
	)

	p := pool.New().WithMaxGoroutines(m.concurrency)

	for _, device := range devices {
		device := device

		p.Go(func() {
			var (
				catcher panics.Catcher
				err     error
			)

			catcher.Try(func() { err = m.poll(ctx, device) })

			recovered := catcher.Recovered()
			if recovered != nil {
				metrics.MonitoringPollCounter.With(map[string]string{"result": resultFailed}).Inc()
				m.logger.WithFields(logrus.Fields{
					"deviceID": device.ID,
					"device":   device.Name,
					"panic":    recovered.Value,
				}).Error("device metrics collection panicked")
			}

			mu.Lock()
			defer mu.Unlock()

			if recovered != nil {
				result.Failed++

				if panicked == nil {
					panicked = recovered
				}

				return
			}

			if err != nil {
				result.Failed++
				return
			}

			result.Collected++
		})
	}

	p.Wait()

	if panicked != nil {
		return result, errors.Wrap(ErrCyclePanic, panicked.AsError().Error())
	}

	return result, nil
}

// poll collects and persists the telemetry of one device.
func (m *Monitor) poll(ctx context.Context, device *model.Device) error {
	le := m.logger.WithFields(logrus.Fields{
		"deviceID": device.ID,
		"device":   device.Name,
	})

	err := m.collect(ctx, device, le)
	if err != nil {
		metrics.MonitoringPollCounter.With(map[string]string{"result": resultFailed}).Inc()
		le.WithError(err).Warn("device metrics collection failed")

		return err
	}

	metrics.MonitoringPollCounter.With(map[string]string{"result": resultCollected}).Inc()

	return nil
}

func (m *Monitor) collect(ctx context.Context, device *model.Device, le *logrus.Entry) error {
	ctx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()

	address, err := m.inventory.ManagementAddress(ctx, device)
	if err != nil {
		return err
	}

	le = le.WithField("bmc", address)

	telemetry, err := m.newController(address, le).Telemetry(ctx)
	if err != nil {
		return err
	}

	doc := &model.MetricsDocument{
		ID:         uuid.NewString(),
		DeviceID:   device.ID,
		DeviceName: device.Name,
		Timestamp:  m.now().UTC().Truncate(time.Second),
		Metrics:    *telemetry,
	}

	path, err := m.sink.Write(doc)
	if err != nil {
		return err
	}

	le.WithFields(logrus.Fields{
		"file":       path,
		"cpuCount":   telemetry.CPU.Count,
		"memoryGB":   telemetry.Memory.TotalGB,
		"powerWatts": telemetry.Power.ConsumedWatts,
	}).Info("device metrics collected")

	monitoredAt := doc.Timestamp
	watts := telemetry.Power.ConsumedWatts

	// the document is persisted, a failed annotation is not a failed poll
	if err := m.inventory.UpdateDevice(ctx, device.ID, &model.DevicePatch{
		LastMonitoredAt: &monitoredAt,
		LastPowerWatts:  &watts,
	}); err != nil {
		le.WithError(err).Warn("device monitoring annotation failed")
	}

	return nil
}
