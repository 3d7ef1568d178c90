package engine

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/langchou/panwatch/internal/models"
)

// mockTaskRepo 任务仓库桩实现
type mockTaskRepo struct {
	mu        sync.Mutex
	tasks     []*models.ChargeTask
	updates   []taskUpdate
	updateErr error
}

type taskUpdate struct {
	id      int64
	status  string
	message string
	charged *float64
	finish  bool
}

func (m *mockTaskRepo) ListActive(ctx context.Context) ([]*models.ChargeTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasks, nil
}

func (m *mockTaskRepo) UpdateState(ctx context.Context, id int64, status, message string, chargedKwh *float64, finish bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	m.updates = append(m.updates, taskUpdate{id: id, status: status, message: message, charged: chargedKwh, finish: finish})
	return nil
}

func (m *mockTaskRepo) lastUpdate() (taskUpdate, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.updates) == 0 {
		return taskUpdate{}, false
	}
	return m.updates[len(m.updates)-1], true
}

// mockTelemetry 遥测客户端桩实现
type mockTelemetry struct {
	mu         sync.Mutex
	snap       *models.VehicleSnapshot
	fetchErr   error
	fetchCalls int
	stopErr    error
	stopCalls  int
}

func (m *mockTelemetry) FetchCondition(ctx context.Context, vin, token string) (*models.VehicleSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchCalls++
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	return m.snap, nil
}

func (m *mockTelemetry) StopCharging(ctx context.Context, vin, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopCalls++
	return m.stopErr
}

// mockNotifier 推送桩实现
type mockNotifier struct {
	mu    sync.Mutex
	sends []string
}

func (m *mockNotifier) Send(ctx context.Context, task *models.ChargeTask, status, message string, chargedKwh float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sends = append(m.sends, status)
	return true
}

func newTestEngine(tasks *mockTaskRepo, telemetry *mockTelemetry, trips *mockTripRepo, notifier Notifier) *Engine {
	return NewEngine(testConfig(), zap.NewNop(), telemetry, tasks, newTestTripEngine(trips), notifier)
}

func activeTask(status string, initialKwh, targetKwh float64, age time.Duration) *models.ChargeTask {
	return &models.ChargeTask{
		ID:         1,
		VIN:        testVIN,
		Token:      "tima-token",
		PushToken:  "device-token",
		InitialKwh: initialKwh,
		TargetKwh:  targetKwh,
		Status:     status,
		CreateTime: time.Now().Add(-age),
	}
}

func TestTickTimeoutBeforeTelemetry(t *testing.T) {
	repo := &mockTaskRepo{tasks: []*models.ChargeTask{
		activeTask(models.TaskStatusPending, 20, 32, 7*time.Hour),
	}}
	telemetry := &mockTelemetry{}
	notifier := &mockNotifier{}
	eng := newTestEngine(repo, telemetry, &mockTripRepo{}, notifier)

	stats, err := eng.Tick(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// 超时判定先于任何网络调用
	if telemetry.fetchCalls != 0 {
		t.Errorf("expired task must not trigger telemetry, got %d calls", telemetry.fetchCalls)
	}

	up, ok := repo.lastUpdate()
	if !ok || up.status != models.TaskStatusTimeout || !up.finish {
		t.Errorf("unexpected update: %+v", up)
	}
	if stats.Errored != 1 {
		t.Errorf("expected 1 errored, got %d", stats.Errored)
	}
	if len(notifier.sends) != 1 {
		t.Errorf("timeout must be pushed, got %d sends", len(notifier.sends))
	}
}

func TestTickTelemetryFailureTerminates(t *testing.T) {
	repo := &mockTaskRepo{tasks: []*models.ChargeTask{
		activeTask(models.TaskStatusPending, 20, 32, time.Hour),
	}}
	telemetry := &mockTelemetry{fetchErr: errors.New("connection refused")}
	eng := newTestEngine(repo, telemetry, &mockTripRepo{}, nil)

	stats, err := eng.Tick(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	up, ok := repo.lastUpdate()
	if !ok || up.status != models.TaskStatusError || !up.finish {
		t.Errorf("unexpected update: %+v", up)
	}
	if !strings.Contains(up.message, "API调用失败") {
		t.Errorf("unexpected message: %s", up.message)
	}
	if stats.Errored != 1 {
		t.Errorf("expected 1 errored, got %d", stats.Errored)
	}
}

func TestTickFailureDoesNotBreakLoop(t *testing.T) {
	// 单个任务失败不中断整轮循环：第二个任务照常处理
	first := activeTask(models.TaskStatusPending, 20, 32, 7*time.Hour)
	second := activeTask(models.TaskStatusPending, 20, 32, time.Hour)
	second.ID = 2
	repo := &mockTaskRepo{tasks: []*models.ChargeTask{first, second}}
	telemetry := &mockTelemetry{snap: &models.VehicleSnapshot{
		VIN: testVIN, Soc: 60, RemainingRangeKm: 243, IsCharging: true, LockStatus: models.LockStatusLocked,
	}}
	eng := newTestEngine(repo, telemetry, &mockTripRepo{}, nil)

	stats, err := eng.Tick(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if stats.Processed != 2 {
		t.Errorf("expected 2 processed, got %d", stats.Processed)
	}
	if telemetry.fetchCalls != 1 {
		t.Errorf("expected 1 telemetry call, got %d", telemetry.fetchCalls)
	}
}

func TestTickInferenceFailureTerminates(t *testing.T) {
	repo := &mockTaskRepo{tasks: []*models.ChargeTask{
		activeTask(models.TaskStatusPending, 20, 32, time.Hour),
	}}
	telemetry := &mockTelemetry{snap: &models.VehicleSnapshot{
		VIN: testVIN, Soc: 0, RemainingRangeKm: 0, IsCharging: true,
	}}
	eng := newTestEngine(repo, telemetry, &mockTripRepo{}, nil)

	if _, err := eng.Tick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	up, ok := repo.lastUpdate()
	if !ok || up.status != models.TaskStatusError {
		t.Errorf("unexpected update: %+v", up)
	}
	if !strings.Contains(up.message, "无法推断电池档案") {
		t.Errorf("unexpected message: %s", up.message)
	}
}

func TestTickReadyStartsCharging(t *testing.T) {
	repo := &mockTaskRepo{tasks: []*models.ChargeTask{
		activeTask(models.TaskStatusReady, 20, 32, time.Minute),
	}}
	telemetry := &mockTelemetry{snap: &models.VehicleSnapshot{
		VIN: testVIN, Soc: 50, RemainingRangeKm: 202, IsCharging: true, LockStatus: models.LockStatusLocked,
	}}
	// 充电开始时存在一条近零里程的未完成行程，应被丢弃
	trips := &mockTripRepo{open: &models.TripRecord{ID: 4, VIN: testVIN, StartMileage: 1000}}
	eng := newTestEngine(repo, telemetry, trips, nil)

	if _, err := eng.Tick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	up, ok := repo.lastUpdate()
	if !ok || up.status != models.TaskStatusPending {
		t.Errorf("unexpected update: %+v", up)
	}
	if len(trips.deleted) != 1 {
		t.Errorf("expected open trip discarded on charging start, got %v", trips.deleted)
	}
}

func TestTickTargetReachedStopsCharging(t *testing.T) {
	repo := &mockTaskRepo{tasks: []*models.ChargeTask{
		activeTask(models.TaskStatusPending, 20.8, 32.8, time.Hour),
	}}
	// soc=80, 续航324 -> 405档, 41*0.8=32.8 >= 目标
	telemetry := &mockTelemetry{snap: &models.VehicleSnapshot{
		VIN: testVIN, Soc: 80, RemainingRangeKm: 324, IsCharging: true, LockStatus: models.LockStatusLocked,
	}}
	notifier := &mockNotifier{}
	eng := newTestEngine(repo, telemetry, &mockTripRepo{}, notifier)

	stats, err := eng.Tick(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	up, ok := repo.lastUpdate()
	if !ok || up.status != models.TaskStatusDone || !up.finish {
		t.Errorf("unexpected update: %+v", up)
	}
	if up.charged == nil || math.Abs(*up.charged-12.0) > 0.01 {
		t.Errorf("expected charged ≈12.0 kWh, got %v", up.charged)
	}
	if telemetry.stopCalls != 1 {
		t.Errorf("expected remote stop issued once, got %d", telemetry.stopCalls)
	}
	if stats.Completed != 1 {
		t.Errorf("expected 1 completed, got %d", stats.Completed)
	}
	if len(notifier.sends) != 1 || notifier.sends[0] != models.TaskStatusDone {
		t.Errorf("unexpected pushes: %v", notifier.sends)
	}
}

func TestTickManualStopSkipsRemoteStop(t *testing.T) {
	repo := &mockTaskRepo{tasks: []*models.ChargeTask{
		activeTask(models.TaskStatusPending, 20, 32, time.Hour),
	}}
	telemetry := &mockTelemetry{snap: &models.VehicleSnapshot{
		VIN: testVIN, Soc: 60, RemainingRangeKm: 243, IsCharging: false, LockStatus: models.LockStatusLocked,
	}}
	eng := newTestEngine(repo, telemetry, &mockTripRepo{}, nil)

	if _, err := eng.Tick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	up, ok := repo.lastUpdate()
	if !ok || up.status != models.TaskStatusDone {
		t.Errorf("unexpected update: %+v", up)
	}
	// 充电早已结束，不应再下发停充指令
	if telemetry.stopCalls != 0 {
		t.Errorf("manual stop must not issue remote stop, got %d calls", telemetry.stopCalls)
	}
}

func TestTickStopChargeFailureDoesNotBlockDone(t *testing.T) {
	repo := &mockTaskRepo{tasks: []*models.ChargeTask{
		activeTask(models.TaskStatusPending, 20.8, 32.8, time.Hour),
	}}
	telemetry := &mockTelemetry{
		snap: &models.VehicleSnapshot{
			VIN: testVIN, Soc: 80, RemainingRangeKm: 324, IsCharging: true, LockStatus: models.LockStatusLocked,
		},
		stopErr: errors.New("vendor unavailable"),
	}
	eng := newTestEngine(repo, telemetry, &mockTripRepo{}, nil)

	stats, err := eng.Tick(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	up, ok := repo.lastUpdate()
	if !ok || up.status != models.TaskStatusDone {
		t.Errorf("stop failure must not block completion: %+v", up)
	}
	if stats.Completed != 1 {
		t.Errorf("expected 1 completed, got %d", stats.Completed)
	}
}

func TestTickPersistFailureSkipsPush(t *testing.T) {
	repo := &mockTaskRepo{
		tasks: []*models.ChargeTask{
			activeTask(models.TaskStatusPending, 20, 32, time.Hour),
		},
		updateErr: errors.New("db down"),
	}
	telemetry := &mockTelemetry{snap: &models.VehicleSnapshot{
		VIN: testVIN, Soc: 60, RemainingRangeKm: 243, IsCharging: true, LockStatus: models.LockStatusLocked,
	}}
	notifier := &mockNotifier{}
	eng := newTestEngine(repo, telemetry, &mockTripRepo{}, notifier)

	if _, err := eng.Tick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(notifier.sends) != 0 {
		t.Errorf("persist failure must skip push, got %d sends", len(notifier.sends))
	}
}

func TestTickProgressUpdate(t *testing.T) {
	repo := &mockTaskRepo{tasks: []*models.ChargeTask{
		activeTask(models.TaskStatusPending, 20, 32, time.Hour),
	}}
	// soc=60, 续航243 -> 405档, 41*0.6=24.6
	telemetry := &mockTelemetry{snap: &models.VehicleSnapshot{
		VIN: testVIN, Soc: 60, RemainingRangeKm: 243, IsCharging: true, LockStatus: models.LockStatusLocked,
	}}
	eng := newTestEngine(repo, telemetry, &mockTripRepo{}, nil)

	stats, err := eng.Tick(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	up, ok := repo.lastUpdate()
	if !ok || up.status != models.TaskStatusPending || up.finish {
		t.Errorf("unexpected update: %+v", up)
	}
	if up.charged == nil || math.Abs(*up.charged-4.6) > 0.01 {
		t.Errorf("expected charged ≈4.6 kWh, got %v", up.charged)
	}
	if stats.Completed != 0 || stats.Errored != 0 {
		t.Errorf("self-loop must not count as completed/errored: %+v", stats)
	}
}
