package bmc

import (
	"context"
	"math"

	"github.com/pkg/errors"
	"github.com/stmcginnis/gofish"

	"github.com/metal-toolbox/bmpipe/internal/model"
)

const healthUnknown = "Unknown"

var ErrTelemetry = errors.New("bmc telemetry error")

func health(h string) string {
	if h == "" {
		return healthUnknown
	}

	return h
}

// Telemetry implements the Controller interface.
//
// Readings are pulled over a separate redfish session which is closed before returning.
func (b *bmc) Telemetry(ctx context.Context) (*model.Telemetry, error) {
	client, err := gofish.ConnectContext(ctx, gofish.ClientConfig{
		Endpoint:   "https://" + b.host,
		Username:   b.options.Username,
		Password:   b.options.Password,
		Insecure:   !b.options.VerifyTLS,
		HTTPClient: newHTTPClient(b.options),
	})
	if err != nil {
		b.registerError("Telemetry", err)
		return nil, errors.Wrap(ErrTelemetry, "redfish connect: "+err.Error())
	}

	defer client.Logout()

	telemetry := &model.Telemetry{}

	systems, err := client.Service.Systems()
	if err != nil {
		b.registerError("Telemetry", err)
		return nil, errors.Wrap(ErrTelemetry, "systems: "+err.Error())
	}

	if len(systems) > 0 {
		system := systems[0]

		telemetry.CPU = model.CPUMetrics{
			Count:  system.ProcessorSummary.Count,
			Model:  system.ProcessorSummary.Model,
			Health: health(string(system.ProcessorSummary.Status.Health)),
		}

		telemetry.Memory = model.MemoryMetrics{
			TotalGB: float64(system.MemorySummary.TotalSystemMemoryGiB),
			Health:  health(string(system.MemorySummary.Status.Health)),
		}
	}

	chassis, err := client.Service.Chassis()
	if err != nil {
		b.registerError("Telemetry", err)
		return nil, errors.Wrap(ErrTelemetry, "chassis: "+err.Error())
	}

	var (
		sensors []model.TemperatureSensor
		fans    []model.Fan
	)

	for _, ch := range chassis {
		power, err := ch.Power()
		if err != nil {
			b.logger.WithError(err).WithField("chassis", ch.ID).Debug("chassis power readings unavailable")
		}

		if power != nil {
			for idx := range power.PowerControl {
				// the first power control carrying a reading is the chassis total
				if telemetry.Power.ConsumedWatts == 0 {
					telemetry.Power.ConsumedWatts = float64(power.PowerControl[idx].PowerConsumedWatts)
					telemetry.Power.CapacityWatts = float64(power.PowerControl[idx].PowerCapacityWatts)
				}
			}

			for idx := range power.PowerSupplies {
				psu := &power.PowerSupplies[idx]
				telemetry.Power.Supplies = append(telemetry.Power.Supplies, model.PowerSupply{
					Name:        psu.Name,
					Health:      health(string(psu.Status.Health)),
					OutputWatts: float64(psu.LastPowerOutputWatts),
				})
			}
		}

		thermal, err := ch.Thermal()
		if err != nil {
			b.logger.WithError(err).WithField("chassis", ch.ID).Debug("chassis thermal readings unavailable")
		}

		if thermal != nil {
			for idx := range thermal.Temperatures {
				t := &thermal.Temperatures[idx]
				sensors = append(sensors, model.TemperatureSensor{
					Name:    t.Name,
					Celsius: float64(t.ReadingCelsius),
					Health:  health(string(t.Status.Health)),
				})
			}

			for idx := range thermal.Fans {
				f := &thermal.Fans[idx]
				fans = append(fans, model.Fan{
					Name:    f.Name,
					Reading: float64(f.Reading),
					Health:  health(string(f.Status.Health)),
				})
			}
		}
	}

	telemetry.Thermal = SummarizeThermal(sensors, fans)

	return telemetry, nil
}

// SummarizeThermal returns the thermal metrics with the average and maximum sensor readings.
//
// Sensors without a reading are listed but left out of the summary.
func SummarizeThermal(sensors []model.TemperatureSensor, fans []model.Fan) model.ThermalMetrics {
	metrics := model.ThermalMetrics{Sensors: sensors, Fans: fans}

	var (
		sum     float64
		count   int
		highest = math.Inf(-1)
	)

	for _, s := range sensors {
		if s.Celsius <= 0 {
			continue
		}

		sum += s.Celsius
		count++

		if s.Celsius > highest {
			highest = s.Celsius
		}
	}

	if count > 0 {
		metrics.AverageCelsius = math.Round(sum/float64(count)*100) / 100
		metrics.MaxCelsius = highest
	}

	return metrics
}
