package models

// BatteryProfile 电池档案：某一车型的标称满电续航与电池容量
type BatteryProfile struct {
	Model       string  `json:"model"`
	FullRangeKm float64 `json:"full_range_km"`
	CapacityKwh float64 `json:"capacity_kwh"`
}

// DefaultProfiles 出厂车型表：330 / 405 / 505
func DefaultProfiles() []BatteryProfile {
	return []BatteryProfile{
		{Model: "330", FullRangeKm: 330.0, CapacityKwh: 34.5},
		{Model: "405", FullRangeKm: 405.0, CapacityKwh: 41.0},
		{Model: "505", FullRangeKm: 505.0, CapacityKwh: 51.5},
	}
}
