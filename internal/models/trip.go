package models

import "time"

// TripRecord 行程记录。end_time 为空表示行程进行中，
// 同一VIN同一时刻至多存在一条未结束行程
type TripRecord struct {
	ID            int64      `json:"id" db:"id"`
	VIN           string     `json:"vin" db:"vin"`
	StartTime     time.Time  `json:"start_time" db:"start_time"`
	EndTime       *time.Time `json:"end_time,omitempty" db:"end_time"`
	StartLocation string     `json:"start_location" db:"start_location"` // 逆地理编码结果，失败时留空
	EndLocation   string     `json:"end_location" db:"end_location"`
	StartLatLng   string     `json:"start_latlng" db:"start_latlng"` // "经度,纬度"
	EndLatLng     string     `json:"end_latlng" db:"end_latlng"`
	StartMileage  float64    `json:"start_mileage" db:"start_mileage"` // 起始里程表 (km)
	EndMileage    *float64   `json:"end_mileage,omitempty" db:"end_mileage"`
	StartRange    float64    `json:"start_range" db:"start_range"` // 起始剩余续航 (km)
	EndRange      *float64   `json:"end_range,omitempty" db:"end_range"`
	StartSoc      int        `json:"start_soc" db:"start_soc"`
	EndSoc        *int       `json:"end_soc,omitempty" db:"end_soc"`
}

// DistanceKm 行程里程，未结束返回 0
func (t *TripRecord) DistanceKm() float64 {
	if t.EndMileage == nil {
		return 0
	}
	return *t.EndMileage - t.StartMileage
}
