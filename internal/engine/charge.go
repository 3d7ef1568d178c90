package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/langchou/panwatch/internal/api/jac"
	"github.com/langchou/panwatch/internal/config"
	"github.com/langchou/panwatch/internal/inference"
	"github.com/langchou/panwatch/internal/models"
)

// TaskRepository 任务存取。状态写入必须单语句落库：
// status 与 message 不允许出现一个更新成功一个失败的中间态
type TaskRepository interface {
	ListActive(ctx context.Context) ([]*models.ChargeTask, error)
	UpdateState(ctx context.Context, id int64, status, message string, chargedKwh *float64, finish bool) error
}

// TelemetryClient 厂商遥测能力
type TelemetryClient interface {
	FetchCondition(ctx context.Context, vin, token string) (*models.VehicleSnapshot, error)
	StopCharging(ctx context.Context, vin, token string) error
}

// Notifier 推送能力。实现必须尽力而为：失败不得影响任务状态
type Notifier interface {
	Send(ctx context.Context, task *models.ChargeTask, status, message string, chargedKwh float64) bool
}

// TickStats 单次批处理统计
type TickStats struct {
	Processed int // 处理任务总数
	Completed int // 本次完成数
	Errored   int // 本次失败/超时数
}

// Engine 充电任务引擎。由外部调度器按固定周期调用 Tick，
// 进程无状态，跨调用不在内存保留任何任务信息
type Engine struct {
	cfg       *config.Config
	logger    *zap.Logger
	telemetry TelemetryClient
	tasks     TaskRepository
	trips     *TripEngine
	notifier  Notifier // 可为 nil（未配置 APNs）
	profiles  []models.BatteryProfile
}

// NewEngine 创建充电任务引擎
func NewEngine(
	cfg *config.Config,
	logger *zap.Logger,
	telemetry TelemetryClient,
	tasks TaskRepository,
	trips *TripEngine,
	notifier Notifier,
) *Engine {
	return &Engine{
		cfg:       cfg,
		logger:    logger,
		telemetry: telemetry,
		tasks:     tasks,
		trips:     trips,
		notifier:  notifier,
		profiles:  models.DefaultProfiles(),
	}
}

// Tick 执行一次批处理：装载全部未终结任务，逐个评估并落库。
// 任务之间相互独立，单个任务的失败不中断整轮循环。
// 处理顺序为创建时间升序，只为公平与日志可读，无正确性依赖
func (e *Engine) Tick(ctx context.Context) (TickStats, error) {
	var stats TickStats

	tasks, err := e.tasks.ListActive(ctx)
	if err != nil {
		return stats, err
	}

	e.logger.Info("开始执行充电任务监控", zap.Int("task_count", len(tasks)))

	for _, task := range tasks {
		stats.Processed++
		e.processTask(ctx, task, &stats)
	}

	e.logger.Info("充电任务监控完成",
		zap.Int("processed", stats.Processed),
		zap.Int("completed", stats.Completed),
		zap.Int("errored", stats.Errored))

	return stats, nil
}

// processTask 处理单个任务：超时判定 -> 遥测 -> 推断 -> 状态迁移 -> 落库 -> 推送
func (e *Engine) processTask(ctx context.Context, task *models.ChargeTask, stats *TickStats) {
	log := e.logger.With(zap.Int64("task_id", task.ID), zap.String("vin", task.VIN), zap.String("status", task.Status))
	log.Info("处理充电任务")

	// 规则1：超时判定先于任何网络调用
	now := time.Now()
	if out, expired := EvaluateTimeout(task, now, e.cfg.TaskTimeout); expired {
		if e.apply(ctx, task, out) {
			stats.Errored++
			log.Warn("任务已超时", zap.Time("create_time", task.CreateTime))
		}
		return
	}

	// 规则2：遥测失败即转终态 error，不自动重试
	snap, err := e.telemetry.FetchCondition(ctx, task.VIN, task.Token)
	if err != nil {
		var terr *jac.TelemetryError
		if errors.As(err, &terr) {
			log.Error("遥测获取失败", zap.String("kind", string(terr.Kind)), zap.Error(err))
		} else {
			log.Error("遥测获取失败", zap.Error(err))
		}
		if e.apply(ctx, task, FailureOutcome(err.Error())) {
			stats.Errored++
		}
		return
	}

	log.Info("车辆数据",
		zap.Int("soc", snap.Soc),
		zap.Float64("remaining_range_km", snap.RemainingRangeKm),
		zap.Bool("is_charging", snap.IsCharging))

	// 车型推断。推断失败不允许静默使用默认档案
	result, ok := inference.Infer(e.profiles, e.cfg.ProfileToleranceKm, snap.Soc, snap.RemainingRangeKm)
	if !ok {
		log.Error("电池档案推断失败", zap.Int("soc", snap.Soc), zap.Float64("remaining_range_km", snap.RemainingRangeKm))
		if e.apply(ctx, task, FailureOutcome("无法推断电池档案：SOC或续航数据无效")) {
			stats.Errored++
		}
		return
	}

	log.Debug("检测到车型",
		zap.String("model", result.Profile.Model),
		zap.Float64("capacity_kwh", result.Profile.CapacityKwh),
		zap.Float64("current_kwh", result.CurrentKwh))

	out := Evaluate(task, snap, result.CurrentKwh)

	// 充电开始意味着行程结束：结束或丢弃该VIN的未完成行程
	if out.CloseTrip && e.trips != nil {
		if _, err := e.trips.CloseForCharging(ctx, task.VIN, snap); err != nil {
			log.Warn("充电开始时结束行程失败", zap.Error(err))
		}
	}

	// 达标完成时下发远程停充，尽力而为，失败不阻塞完成
	if out.StopCharge {
		if err := e.telemetry.StopCharging(ctx, task.VIN, task.Token); err != nil {
			log.Warn("远程停充指令失败", zap.Error(err))
		} else {
			log.Info("已下发远程停充指令")
		}
	}

	if e.apply(ctx, task, out) && out.Status == models.TaskStatusDone {
		stats.Completed++
		log.Info("充电任务完成", zap.String("cause", string(out.DoneCause)))
	}

	// 行程分段与充电任务共用同一份遥测快照
	if e.trips != nil {
		if _, err := e.trips.Process(ctx, task.VIN, snap); err != nil {
			log.Warn("行程分段处理失败", zap.Error(err))
		}
	}
}

// apply 校验状态迁移、落库并推送。落库失败时任务状态未知，
// 放弃本任务的后续动作（推送），但不影响同轮其他任务
func (e *Engine) apply(ctx context.Context, task *models.ChargeTask, out Outcome) bool {
	newStatus, err := ApplyEvent(task.Status, out.Event)
	if err != nil {
		e.logger.Error("非法状态迁移", zap.Int64("task_id", task.ID), zap.Error(err))
		return false
	}

	if err := e.tasks.UpdateState(ctx, task.ID, newStatus, out.Message, out.ChargedKwh, out.Finish); err != nil {
		e.logger.Error("任务状态落库失败", zap.Int64("task_id", task.ID), zap.Error(err))
		return false
	}

	task.Status = newStatus
	task.Message = out.Message
	if out.ChargedKwh != nil {
		task.ChargedKwh = *out.ChargedKwh
	}

	e.logger.Info("任务状态更新成功",
		zap.Int64("task_id", task.ID),
		zap.String("new_status", newStatus),
		zap.String("message", out.Message))

	if e.notifier != nil {
		e.notifier.Send(ctx, task, newStatus, out.Message, task.ChargedKwh)
	}
	return true
}
