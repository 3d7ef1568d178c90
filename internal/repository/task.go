package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/langchou/panwatch/internal/models"
)

const taskColumns = `id, vin, token, push_token, initial_kwh, target_kwh, charged_kwh,
	initial_km, target_km, status, message, create_time, update_time, finish_time`

// TaskRepository 充电任务仓库
type TaskRepository struct {
	db *DB
}

// NewTaskRepository 创建充电任务仓库
func NewTaskRepository(db *DB) *TaskRepository {
	return &TaskRepository{db: db}
}

// Create 创建充电任务
func (r *TaskRepository) Create(ctx context.Context, task *models.ChargeTask) error {
	query := `
		INSERT INTO charge_tasks (vin, token, push_token, initial_kwh, target_kwh, initial_km, target_km, status, message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, create_time, update_time
	`
	err := r.db.Pool.QueryRow(ctx, query,
		task.VIN,
		task.Token,
		task.PushToken,
		task.InitialKwh,
		task.TargetKwh,
		task.InitialKm,
		task.TargetKm,
		task.Status,
		task.Message,
	).Scan(&task.ID, &task.CreateTime, &task.UpdateTime)

	if err != nil {
		return fmt.Errorf("insert charge task: %w", err)
	}
	return nil
}

// scanTask 扫描单行任务
func scanTask(row pgx.Row) (*models.ChargeTask, error) {
	task := &models.ChargeTask{}
	err := row.Scan(
		&task.ID,
		&task.VIN,
		&task.Token,
		&task.PushToken,
		&task.InitialKwh,
		&task.TargetKwh,
		&task.ChargedKwh,
		&task.InitialKm,
		&task.TargetKm,
		&task.Status,
		&task.Message,
		&task.CreateTime,
		&task.UpdateTime,
		&task.FinishTime,
	)
	if err != nil {
		return nil, err
	}
	return task, nil
}

// ListActive 装载全部未终结任务，创建时间升序
func (r *TaskRepository) ListActive(ctx context.Context) ([]*models.ChargeTask, error) {
	query := `SELECT ` + taskColumns + `
		FROM charge_tasks WHERE status IN ($1, $2) ORDER BY create_time ASC`

	rows, err := r.db.Pool.Query(ctx, query, models.TaskStatusPending, models.TaskStatusReady)
	if err != nil {
		return nil, fmt.Errorf("list active tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.ChargeTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan charge task: %w", err)
		}
		tasks = append(tasks, task)
	}

	return tasks, rows.Err()
}

// GetByID 获取任务
func (r *TaskRepository) GetByID(ctx context.Context, id int64) (*models.ChargeTask, error) {
	query := `SELECT ` + taskColumns + ` FROM charge_tasks WHERE id = $1`

	task, err := scanTask(r.db.Pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("get charge task: %w", err)
	}
	return task, nil
}

// GetLatestByVIN 获取该VIN最近一条任务，不存在返回 (nil, nil)
func (r *TaskRepository) GetLatestByVIN(ctx context.Context, vin string) (*models.ChargeTask, error) {
	query := `SELECT ` + taskColumns + `
		FROM charge_tasks WHERE vin = $1 ORDER BY create_time DESC LIMIT 1`

	task, err := scanTask(r.db.Pool.QueryRow(ctx, query, vin))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get latest task: %w", err)
	}
	return task, nil
}

// GetActiveByVIN 获取该VIN最近一条未终结任务，不存在返回 (nil, nil)
func (r *TaskRepository) GetActiveByVIN(ctx context.Context, vin string) (*models.ChargeTask, error) {
	query := `SELECT ` + taskColumns + `
		FROM charge_tasks WHERE vin = $1 AND status IN ($2, $3) ORDER BY create_time DESC LIMIT 1`

	task, err := scanTask(r.db.Pool.QueryRow(ctx, query, vin, models.TaskStatusPending, models.TaskStatusReady))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get active task: %w", err)
	}
	return task, nil
}

// ExistsPending 该VIN是否已有充电中的任务
func (r *TaskRepository) ExistsPending(ctx context.Context, vin string) (bool, error) {
	var exists bool
	err := r.db.Pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM charge_tasks WHERE vin = $1 AND status = $2)`,
		vin, models.TaskStatusPending,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check pending task: %w", err)
	}
	return exists, nil
}

// UpdateState 单语句更新任务状态。status/message/charged_kwh/finish_time
// 在同一条 UPDATE 中落库，保证行级事务性。
// charged_kwh 单调不减，迟到的旧读数不会让进度倒退
func (r *TaskRepository) UpdateState(ctx context.Context, id int64, status, message string, chargedKwh *float64, finish bool) error {
	query := `
		UPDATE charge_tasks SET
			status = $2,
			message = $3,
			charged_kwh = GREATEST(charged_kwh, COALESCE($4, charged_kwh)),
			finish_time = CASE WHEN $5 THEN NOW() ELSE finish_time END,
			update_time = NOW()
		WHERE id = $1
	`
	_, err := r.db.Pool.Exec(ctx, query, id, status, message, chargedKwh, finish)
	if err != nil {
		return fmt.Errorf("update task state: %w", err)
	}
	return nil
}

// UpdateTokens 刷新凭证。push_token 为空串时保留原值
func (r *TaskRepository) UpdateTokens(ctx context.Context, id int64, token, pushToken string) error {
	query := `
		UPDATE charge_tasks SET
			token = $2,
			push_token = COALESCE(NULLIF($3, ''), push_token),
			update_time = NOW()
		WHERE id = $1
	`
	_, err := r.db.Pool.Exec(ctx, query, id, token, pushToken)
	if err != nil {
		return fmt.Errorf("update task tokens: %w", err)
	}
	return nil
}

// CancelActive 取消该VIN的未终结任务，返回被取消的任务ID，无任务返回 (0, nil)。
// 取消是外部请求触发的迁移，不走遥测评估
func (r *TaskRepository) CancelActive(ctx context.Context, vin, message string) (int64, error) {
	query := `
		UPDATE charge_tasks SET
			status = $3,
			message = $4,
			finish_time = NOW(),
			update_time = NOW()
		WHERE vin = $1 AND status IN ($2, $5)
		RETURNING id
	`
	var id int64
	err := r.db.Pool.QueryRow(ctx, query,
		vin, models.TaskStatusPending, models.TaskStatusCancelled, message, models.TaskStatusReady,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("cancel task: %w", err)
	}
	return id, nil
}

// ListFinished 获取该VIN的历史任务列表
func (r *TaskRepository) ListFinished(ctx context.Context, vin string, limit, offset int) ([]*models.ChargeTask, error) {
	query := `SELECT ` + taskColumns + `
		FROM charge_tasks WHERE vin = $1 AND finish_time IS NOT NULL
		ORDER BY create_time DESC LIMIT $2 OFFSET $3`

	rows, err := r.db.Pool.Query(ctx, query, vin, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list finished tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.ChargeTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan charge task: %w", err)
		}
		tasks = append(tasks, task)
	}

	return tasks, rows.Err()
}

// CountFinished 统计该VIN的历史任务数
func (r *TaskRepository) CountFinished(ctx context.Context, vin string) (int64, error) {
	var count int64
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM charge_tasks WHERE vin = $1 AND finish_time IS NOT NULL`, vin,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count finished tasks: %w", err)
	}
	return count, nil
}
