package models

import "time"

// 充电任务状态（闭集，状态机只允许这六种）
const (
	TaskStatusReady     = "ready"     // 等待充电开始
	TaskStatusPending   = "pending"   // 充电中，监控进度
	TaskStatusDone      = "done"      // 已完成
	TaskStatusError     = "error"     // 失败（遥测/推断失败，不自动重试）
	TaskStatusTimeout   = "timeout"   // 超时
	TaskStatusCancelled = "cancelled" // 用户取消
)

// IsTerminalStatus 判断是否为终态。终态任务不再被引擎读取或修改
func IsTerminalStatus(status string) bool {
	switch status {
	case TaskStatusDone, TaskStatusError, TaskStatusTimeout, TaskStatusCancelled:
		return true
	}
	return false
}

// ChargeTask 充电任务：一次"充到目标电量"的请求
type ChargeTask struct {
	ID         int64      `json:"id" db:"id"`
	VIN        string     `json:"vin" db:"vin"`
	Token      string     `json:"-" db:"token"`      // 厂商API凭证，引擎透传不解析
	PushToken  string     `json:"-" db:"push_token"` // APNs 设备令牌，可为空
	InitialKwh float64    `json:"initial_kwh" db:"initial_kwh"`
	TargetKwh  float64    `json:"target_kwh" db:"target_kwh"`
	ChargedKwh float64    `json:"charged_kwh" db:"charged_kwh"` // 活跃期间单调不减
	InitialKm  float64    `json:"initial_km" db:"initial_km"`   // 创建时剩余续航
	TargetKm   float64    `json:"target_km" db:"target_km"`     // 预估目标续航（参考值）
	Status     string     `json:"status" db:"status"`
	Message    string     `json:"message" db:"message"` // 每次tick覆盖写入
	CreateTime time.Time  `json:"create_time" db:"create_time"`
	UpdateTime time.Time  `json:"update_time" db:"update_time"`
	FinishTime *time.Time `json:"finish_time,omitempty" db:"finish_time"`
}

// Age 任务创建至今的时长
func (t *ChargeTask) Age(now time.Time) time.Duration {
	return now.Sub(t.CreateTime)
}

// TargetChargeKwh 计划充入的电量
func (t *ChargeTask) TargetChargeKwh() float64 {
	return t.TargetKwh - t.InitialKwh
}
