package models

import "time"

// LockStatus 车辆锁车状态
type LockStatus int

const (
	LockStatusUnlocked LockStatus = 0  // 解锁
	LockStatusLocked   LockStatus = 1  // 锁定
	LockStatusUnknown  LockStatus = -1 // 厂商返回了未知取值
)

// String 实现 fmt.Stringer，方便日志输出
func (s LockStatus) String() string {
	switch s {
	case LockStatusUnlocked:
		return "unlocked"
	case LockStatusLocked:
		return "locked"
	}
	return "unknown"
}

// VehicleSnapshot 车辆遥测快照。每次轮询实时获取，核心不做跨tick缓存，不落库
type VehicleSnapshot struct {
	VIN                    string     `json:"vin"`
	Soc                    int        `json:"soc"`                // 电量百分比 0-100
	RemainingRangeKm       float64    `json:"remaining_range_km"` // 剩余续航
	OdometerKm             float64    `json:"odometer_km"`        // 总里程表
	LockStatus             LockStatus `json:"lock_status"`
	IsCharging             bool       `json:"is_charging"`
	ChargeTimeRemainingMin int        `json:"charge_time_remaining_min"` // 快充预估剩余分钟
	Latitude               string     `json:"latitude,omitempty"`
	Longitude              string     `json:"longitude,omitempty"`
	RecordedAt             time.Time  `json:"recorded_at"`
}

// LatLng 返回"经度,纬度"格式的位置串，缺失时返回空串
func (s *VehicleSnapshot) LatLng() string {
	if s.Latitude == "" || s.Longitude == "" {
		return ""
	}
	return s.Longitude + "," + s.Latitude
}
