package engine

import (
	"fmt"
	"time"

	"github.com/langchou/panwatch/internal/models"
)

// DoneCause 完成原因标记。三种原因最终状态都是 done，
// 但下游可能关心区别，因此保留为独立变体而非只靠消息文本区分
type DoneCause string

const (
	CauseNone          DoneCause = ""
	CauseTargetReached DoneCause = "target_reached" // 达到目标电量
	CauseBatteryFull   DoneCause = "battery_full"   // SOC 已充满
	CauseManualStop    DoneCause = "manual_stop"    // 用户提前拔枪/停充
)

// Outcome 一次评估的结论：目标事件、落库字段与副作用指令。
// 评估本身是纯函数，副作用由引擎按指令执行
type Outcome struct {
	Event      string    // 状态机事件，空串表示自环刷新
	Status     string    // 迁移后的状态
	Message    string    // 本次覆盖写入的消息
	ChargedKwh *float64  // nil 表示本次不更新已充电量
	DoneCause  DoneCause // 仅完成时有值
	StopCharge bool      // 是否需要下发远程停充指令
	Finish     bool      // 是否写入 finish_time（进入终态）
	CloseTrip  bool      // 充电开始时结束当前未完成行程
}

// EvaluateTimeout 超时判定。在任何网络调用之前执行，
// 厂商接口再慢也挡不住一个到期任务被关停
func EvaluateTimeout(task *models.ChargeTask, now time.Time, ceiling time.Duration) (Outcome, bool) {
	if task.Age(now) <= ceiling {
		return Outcome{}, false
	}
	return Outcome{
		Event:   EventExpire,
		Status:  models.TaskStatusTimeout,
		Message: fmt.Sprintf("任务超时：创建时间超过%.0f小时", ceiling.Hours()),
		Finish:  true,
	}, true
}

// FailureOutcome 遥测或推断失败时的迁移结论。error 为终态，不自动重试
func FailureOutcome(reason string) Outcome {
	return Outcome{
		Event:   EventFail,
		Status:  models.TaskStatusError,
		Message: "API调用失败：" + reason,
		Finish:  true,
	}
}

// Evaluate 纯状态迁移函数：(当前任务, 快照, 当前电量) -> Outcome。
// 不访问数据库和网络，便于单测穷举各分支。
// currentKwh 由车型推断给出；能量差值钳制为非负以吸收遥测噪声
func Evaluate(task *models.ChargeTask, snap *models.VehicleSnapshot, currentKwh float64) Outcome {
	if task.Status == models.TaskStatusReady {
		return evaluateReady(snap)
	}
	return evaluatePending(task, snap, currentKwh)
}

// evaluateReady 等待充电开始
func evaluateReady(snap *models.VehicleSnapshot) Outcome {
	if snap.IsCharging {
		return Outcome{
			Event:     EventStartCharging,
			Status:    models.TaskStatusPending,
			Message:   "充电已开始，正在监控充电进度...",
			CloseTrip: true,
		}
	}
	// 自环：只刷新消息
	return Outcome{
		Status:  models.TaskStatusReady,
		Message: "充电口：现在赶紧拿充电枪插我吧",
	}
}

// evaluatePending 充电监控中。完成判定顺序：先达标，后充满，最后才是
// 用户提前停充。达标瞬间恰逢充电停止时结论仍是达标，
// 停充指令只在充电仍在进行时下发
func evaluatePending(task *models.ChargeTask, snap *models.VehicleSnapshot, currentKwh float64) Outcome {
	charged := currentKwh - task.InitialKwh
	if charged < 0 {
		charged = 0
	}
	// 已充电量在活跃期间单调不减，遥测回落不会让进度倒退
	if charged < task.ChargedKwh {
		charged = task.ChargedKwh
	}

	if currentKwh >= task.TargetKwh {
		return Outcome{
			Event:      EventComplete,
			Status:     models.TaskStatusDone,
			Message:    "充电完成：任务进度已达到100%",
			ChargedKwh: &charged,
			DoneCause:  CauseTargetReached,
			StopCharge: snap.IsCharging,
			Finish:     true,
		}
	}

	if snap.Soc >= 100 {
		return Outcome{
			Event:      EventComplete,
			Status:     models.TaskStatusDone,
			Message:    "充电完成：电池已充满 (100.00%)，再多就溢出来了",
			ChargedKwh: &charged,
			DoneCause:  CauseBatteryFull,
			StopCharge: snap.IsCharging,
			Finish:     true,
		}
	}

	if !snap.IsCharging {
		// 目标未达成但充电已停止：用户主动停充，充电早已结束，无需再下发停充指令
		return Outcome{
			Event:      EventComplete,
			Status:     models.TaskStatusDone,
			Message:    "充电结束：用户主动停止充电",
			ChargedKwh: &charged,
			DoneCause:  CauseManualStop,
			Finish:     true,
		}
	}

	// 自环：持续充电中，更新电量与进度
	progress := 0.0
	if target := task.TargetChargeKwh(); target > 0 {
		progress = charged / target * 100
		if progress > 100 {
			progress = 100
		}
	}

	return Outcome{
		Status: models.TaskStatusPending,
		Message: fmt.Sprintf("充电中：当前电量 %.2fkWh (%d%%), 已充电 %.2fkWh, 进度 %.2f%%",
			currentKwh, snap.Soc, charged, progress),
		ChargedKwh: &charged,
	}
}
