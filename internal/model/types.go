package model

import (
	"math"
	"time"
)

// VendorSwissinno is the Bluetooth SIG company identifier used by SWISSINNO traps.
const VendorSwissinno uint16 = 0x0BBB

// RawAdvertisement is a single advertisement as reported by a BLE gateway.
// Payloads are untrusted radio traffic.
type RawAdvertisement struct {
	ScannerID        string            `json:"scanner_id,omitempty"`
	Address          string            `json:"address"`
	Name             string            `json:"name,omitempty"`
	RSSI             int               `json:"rssi"`
	ManufacturerData map[uint16][]byte `json:"-"`
	ReceivedAt       time.Time         `json:"received_at"`
}

// Variant identifies which payload layout a reading was decoded from.
type Variant uint8

const (
	// VariantClassGuard payloads carry a device-class marker at offset 6 and no battery byte.
	VariantClassGuard Variant = iota + 1
	// VariantBattery payloads carry a raw battery byte at offset 7.
	VariantBattery
)

func (v Variant) String() string {
	switch v {
	case VariantClassGuard:
		return "class-guard"
	case VariantBattery:
		return "battery"
	default:
		return "unknown"
	}
}

// Reading is the decoded content of one accepted advertisement.
type Reading struct {
	TrapID         string  `json:"trap_id"`
	Tripped        bool    `json:"tripped"`
	BatteryVoltage float64 `json:"battery_voltage"`
	HasBattery     bool    `json:"has_battery"`
	RSSI           int     `json:"rssi"`
	Variant        Variant `json:"-"`
}

// RoundedVoltage returns the battery voltage rounded to two decimals.
func (r Reading) RoundedVoltage() float64 {
	return RoundVoltage(r.BatteryVoltage)
}

// RoundVoltage rounds volts to two decimal places for presentation.
func RoundVoltage(v float64) float64 {
	return math.Round(v*100) / 100
}

// DeviceState is the registry's view of one physical trap.
type DeviceState struct {
	TrapID         string    `json:"trap_id"`
	Address        string    `json:"address"`
	Tripped        bool      `json:"tripped"`
	BatteryVoltage float64   `json:"battery_voltage"`
	HasBattery     bool      `json:"has_battery"`
	RSSI           int       `json:"rssi"`
	FirstSeen      time.Time `json:"first_seen"`
	LastSeen       time.Time `json:"last_seen"`
	Updates        uint64    `json:"updates"`
}

// Change is emitted once for every reading applied to the registry.
type Change struct {
	TrapID string      `json:"trap_id"`
	IsNew  bool        `json:"is_new"`
	State  DeviceState `json:"state"`
}

// TrapView is a DeviceState with availability evaluated at a point in time.
type TrapView struct {
	DeviceState
	Available bool `json:"available"`
}

// Observation is a persisted registry change.
type Observation struct {
	TrapID         string    `json:"trap_id"`
	Address        string    `json:"address"`
	Tripped        bool      `json:"tripped"`
	BatteryVoltage *float64  `json:"battery_voltage,omitempty"`
	RSSI           int       `json:"rssi"`
	IsNew          bool      `json:"is_new"`
	ObservedAt     time.Time `json:"observed_at"`
	RecordedAt     time.Time `json:"recorded_at"`
}

// TrapRecord is the last persisted snapshot of a trap.
type TrapRecord struct {
	TrapID         string    `json:"trap_id"`
	Address        string    `json:"address"`
	Tripped        bool      `json:"tripped"`
	BatteryVoltage *float64  `json:"battery_voltage,omitempty"`
	RSSI           int       `json:"rssi"`
	FirstSeen      time.Time `json:"first_seen"`
	LastSeen       time.Time `json:"last_seen"`
}

// IngestionError captures a payload that was rejected or could not be parsed.
type IngestionError struct {
	ScannerID string    `json:"scanner_id"`
	Address   string    `json:"address,omitempty"`
	Payload   string    `json:"payload"`
	Error     string    `json:"error"`
	CreatedAt time.Time `json:"created_at"`
}
