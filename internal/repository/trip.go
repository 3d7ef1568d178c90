package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/langchou/panwatch/internal/models"
)

const tripColumns = `id, vin, start_time, end_time, start_location, end_location,
	start_latlng, end_latlng, start_mileage, end_mileage, start_range, end_range, start_soc, end_soc`

// TripRepository 行程记录仓库
type TripRepository struct {
	db *DB
}

// NewTripRepository 创建行程仓库
func NewTripRepository(db *DB) *TripRepository {
	return &TripRepository{db: db}
}

// scanTrip 扫描单行行程
func scanTrip(row pgx.Row) (*models.TripRecord, error) {
	trip := &models.TripRecord{}
	err := row.Scan(
		&trip.ID,
		&trip.VIN,
		&trip.StartTime,
		&trip.EndTime,
		&trip.StartLocation,
		&trip.EndLocation,
		&trip.StartLatLng,
		&trip.EndLatLng,
		&trip.StartMileage,
		&trip.EndMileage,
		&trip.StartRange,
		&trip.EndRange,
		&trip.StartSoc,
		&trip.EndSoc,
	)
	if err != nil {
		return nil, err
	}
	return trip, nil
}

// Create 创建行程
func (r *TripRepository) Create(ctx context.Context, trip *models.TripRecord) error {
	query := `
		INSERT INTO trip_records (vin, start_time, start_location, start_latlng, start_mileage, start_range, start_soc)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`
	err := r.db.Pool.QueryRow(ctx, query,
		trip.VIN,
		trip.StartTime,
		trip.StartLocation,
		trip.StartLatLng,
		trip.StartMileage,
		trip.StartRange,
		trip.StartSoc,
	).Scan(&trip.ID)

	if err != nil {
		return fmt.Errorf("insert trip record: %w", err)
	}
	return nil
}

// GetOpenTrip 获取该VIN最近一条未结束行程，不存在返回 (nil, nil)
func (r *TripRepository) GetOpenTrip(ctx context.Context, vin string) (*models.TripRecord, error) {
	query := `SELECT ` + tripColumns + `
		FROM trip_records WHERE vin = $1 AND end_time IS NULL ORDER BY start_time DESC LIMIT 1`

	trip, err := scanTrip(r.db.Pool.QueryRow(ctx, query, vin))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get open trip: %w", err)
	}
	return trip, nil
}

// Close 结束行程，写入完整的结束元组
func (r *TripRepository) Close(ctx context.Context, trip *models.TripRecord) error {
	query := `
		UPDATE trip_records SET
			end_time = $2,
			end_location = $3,
			end_latlng = $4,
			end_mileage = $5,
			end_range = $6,
			end_soc = $7
		WHERE id = $1 AND end_time IS NULL
	`
	_, err := r.db.Pool.Exec(ctx, query,
		trip.ID,
		trip.EndTime,
		trip.EndLocation,
		trip.EndLatLng,
		trip.EndMileage,
		trip.EndRange,
		trip.EndSoc,
	)
	if err != nil {
		return fmt.Errorf("close trip: %w", err)
	}
	return nil
}

// Delete 删除行程（丢弃不足阈值的无效行程）
func (r *TripRepository) Delete(ctx context.Context, id int64) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM trip_records WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete trip: %w", err)
	}
	return nil
}

// ListClosed 获取该VIN的已结束行程列表
func (r *TripRepository) ListClosed(ctx context.Context, vin string, limit, offset int) ([]*models.TripRecord, error) {
	query := `SELECT ` + tripColumns + `
		FROM trip_records WHERE vin = $1 AND end_time IS NOT NULL
		ORDER BY start_time DESC LIMIT $2 OFFSET $3`

	rows, err := r.db.Pool.Query(ctx, query, vin, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list closed trips: %w", err)
	}
	defer rows.Close()

	var trips []*models.TripRecord
	for rows.Next() {
		trip, err := scanTrip(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trip record: %w", err)
		}
		trips = append(trips, trip)
	}

	return trips, rows.Err()
}

// CountClosed 统计该VIN的已结束行程数
func (r *TripRepository) CountClosed(ctx context.Context, vin string) (int64, error) {
	var count int64
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM trip_records WHERE vin = $1 AND end_time IS NOT NULL`, vin,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count closed trips: %w", err)
	}
	return count, nil
}
