package model

import "time"

// SystemInfo is the identity a management controller reports for its host.
type SystemInfo struct {
	Vendor string `json:"vendor"`
	Model  string `json:"model"`
	Serial string `json:"serial"`
}

// Telemetry holds one set of readings pulled from a management controller.
type Telemetry struct {
	CPU     CPUMetrics     `json:"cpu"`
	Memory  MemoryMetrics  `json:"memory"`
	Power   PowerMetrics   `json:"power"`
	Thermal ThermalMetrics `json:"thermal"`
}

type CPUMetrics struct {
	Count  int    `json:"count"`
	Model  string `json:"model,omitempty"`
	Health string `json:"health,omitempty"`
}

type MemoryMetrics struct {
	TotalGB float64 `json:"total_gb"`
	Health  string  `json:"health,omitempty"`
}

type PowerMetrics struct {
	ConsumedWatts float64       `json:"consumed_watts"`
	CapacityWatts float64       `json:"capacity_watts,omitempty"`
	Supplies      []PowerSupply `json:"power_supplies,omitempty"`
}

type PowerSupply struct {
	Name        string  `json:"name"`
	Health      string  `json:"health,omitempty"`
	OutputWatts float64 `json:"output_watts,omitempty"`
}

type ThermalMetrics struct {
	AverageCelsius float64             `json:"avg_temp_celsius"`
	MaxCelsius     float64             `json:"max_temp_celsius"`
	Sensors        []TemperatureSensor `json:"temperatures,omitempty"`
	Fans           []Fan               `json:"fans,omitempty"`
}

type TemperatureSensor struct {
	Name    string  `json:"name"`
	Celsius float64 `json:"reading_celsius"`
	Health  string  `json:"health,omitempty"`
}

type Fan struct {
	Name    string  `json:"name"`
	Reading float64 `json:"reading"`
	Health  string  `json:"health,omitempty"`
}

// MetricsDocument is one immutable monitoring sample for a device.
type MetricsDocument struct {
	ID         string    `json:"document_id"`
	DeviceID   DeviceID  `json:"device_id"`
	DeviceName string    `json:"device_name"`
	Timestamp  time.Time `json:"timestamp"`
	Metrics    Telemetry `json:"metrics"`
}
