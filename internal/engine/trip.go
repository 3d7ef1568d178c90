package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/langchou/panwatch/internal/config"
	"github.com/langchou/panwatch/internal/models"
)

// TripRepository 行程存取。GetOpenTrip 查询该VIN最近一条未结束行程，
// 不存在时返回 (nil, nil)
type TripRepository interface {
	GetOpenTrip(ctx context.Context, vin string) (*models.TripRecord, error)
	Create(ctx context.Context, trip *models.TripRecord) error
	Close(ctx context.Context, trip *models.TripRecord) error
	Delete(ctx context.Context, id int64) error
}

// Geocoder 逆地理编码协作方
type Geocoder interface {
	ReverseGeocode(ctx context.Context, lat, lng string) (string, error)
	IsConfigured() bool
}

// TripEngine 行程分段引擎：由锁车状态迁移推断行程起止。
// 解锁且无未完成行程则开始，锁车且里程变化达到阈值则结束，
// 不足阈值的行程整条丢弃
type TripEngine struct {
	cfg      *config.Config
	logger   *zap.Logger
	trips    TripRepository
	geocoder Geocoder // 可为 nil（未配置高德 Key）
}

// NewTripEngine 创建行程分段引擎
func NewTripEngine(cfg *config.Config, logger *zap.Logger, trips TripRepository, geocoder Geocoder) *TripEngine {
	return &TripEngine{
		cfg:      cfg,
		logger:   logger,
		trips:    trips,
		geocoder: geocoder,
	}
}

// Process 用一份遥测快照推进该VIN的行程状态，返回本次开始或结束的
// 行程（无变化及丢弃时为 nil），供调用方广播行程更新。
// 与充电任务引擎共用同一遥测契约，重复调用幂等：
// 反复的解锁快照不会开出第二条未完成行程
func (t *TripEngine) Process(ctx context.Context, vin string, snap *models.VehicleSnapshot) (*models.TripRecord, error) {
	open, err := t.trips.GetOpenTrip(ctx, vin)
	if err != nil {
		return nil, fmt.Errorf("get open trip: %w", err)
	}

	switch snap.LockStatus {
	case models.LockStatusUnlocked:
		if open != nil {
			// 已有未完成行程，无需重复开始
			t.logger.Debug("车辆解锁：存在未完成行程", zap.String("vin", vin), zap.Int64("trip_id", open.ID))
			return nil, nil
		}
		return t.openTrip(ctx, vin, snap)

	case models.LockStatusLocked:
		if open == nil {
			// 锁定且无未完成行程，正常情况
			return nil, nil
		}
		return t.finishTrip(ctx, open, snap, "车辆锁定")

	default:
		// 未知取值不猜测，记录告警后跳过
		t.logger.Warn("未知的锁车状态，跳过行程处理",
			zap.String("vin", vin),
			zap.Int("main_lock_status", int(snap.LockStatus)))
		return nil, nil
	}
}

// CloseForCharging 充电开始时结束该VIN的未完成行程。
// 充电中的车不可能还在行驶，以充电时间作为行程终点
func (t *TripEngine) CloseForCharging(ctx context.Context, vin string, snap *models.VehicleSnapshot) (*models.TripRecord, error) {
	open, err := t.trips.GetOpenTrip(ctx, vin)
	if err != nil {
		return nil, fmt.Errorf("get open trip: %w", err)
	}
	if open == nil {
		return nil, nil
	}
	return t.finishTrip(ctx, open, snap, "充电开始")
}

// openTrip 开始新行程
func (t *TripEngine) openTrip(ctx context.Context, vin string, snap *models.VehicleSnapshot) (*models.TripRecord, error) {
	trip := &models.TripRecord{
		VIN:           vin,
		StartTime:     time.Now(),
		StartLocation: t.resolveLocation(ctx, snap),
		StartLatLng:   snap.LatLng(),
		StartMileage:  snap.OdometerKm,
		StartRange:    snap.RemainingRangeKm,
		StartSoc:      snap.Soc,
	}

	if err := t.trips.Create(ctx, trip); err != nil {
		return nil, fmt.Errorf("create trip: %w", err)
	}

	t.logger.Info("车辆解锁：开始新行程",
		zap.String("vin", vin),
		zap.Int64("trip_id", trip.ID),
		zap.Float64("start_mileage", trip.StartMileage))
	return trip, nil
}

// finishTrip 结束或丢弃未完成行程：里程变化达到阈值则正常结束，
// 否则整条删除，不会落库一条近零里程的行程
func (t *TripEngine) finishTrip(ctx context.Context, open *models.TripRecord, snap *models.VehicleSnapshot, reason string) (*models.TripRecord, error) {
	mileageDiff := snap.OdometerKm - open.StartMileage

	if mileageDiff < t.cfg.TripMinDistanceKm {
		if err := t.trips.Delete(ctx, open.ID); err != nil {
			return nil, fmt.Errorf("delete trip: %w", err)
		}
		t.logger.Info("删除无效行程",
			zap.String("reason", reason),
			zap.Int64("trip_id", open.ID),
			zap.Float64("mileage_diff", mileageDiff),
			zap.Float64("threshold_km", t.cfg.TripMinDistanceKm))
		return nil, nil
	}

	now := time.Now()
	endMileage := snap.OdometerKm
	endRange := snap.RemainingRangeKm
	endSoc := snap.Soc

	open.EndTime = &now
	open.EndLocation = t.resolveLocation(ctx, snap)
	open.EndLatLng = snap.LatLng()
	open.EndMileage = &endMileage
	open.EndRange = &endRange
	open.EndSoc = &endSoc

	if err := t.trips.Close(ctx, open); err != nil {
		return nil, fmt.Errorf("close trip: %w", err)
	}

	t.logger.Info("结束行程",
		zap.String("reason", reason),
		zap.Int64("trip_id", open.ID),
		zap.Float64("mileage_diff", mileageDiff))
	return open, nil
}

// resolveLocation 解析快照位置为可读地址。协作方失败时容忍留空
func (t *TripEngine) resolveLocation(ctx context.Context, snap *models.VehicleSnapshot) string {
	if t.geocoder == nil || !t.geocoder.IsConfigured() {
		return ""
	}
	if snap.Latitude == "" || snap.Longitude == "" {
		return ""
	}

	location, err := t.geocoder.ReverseGeocode(ctx, snap.Latitude, snap.Longitude)
	if err != nil {
		t.logger.Warn("逆地理编码失败，位置留空", zap.Error(err))
		return ""
	}
	return location
}
