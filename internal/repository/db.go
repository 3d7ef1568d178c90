package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB 数据库连接池封装
type DB struct {
	Pool *pgxpool.Pool
}

// New 创建数据库连接
func New(ctx context.Context, databaseURL string) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	// 连接池配置
	config.MaxConns = 10
	config.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	// 测试连接
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close 关闭连接池
func (db *DB) Close() {
	db.Pool.Close()
}

// Migrate 执行数据库迁移
func (db *DB) Migrate(ctx context.Context) error {
	migrations := []string{
		migrationCreateChargeTasks,
		migrationCreateTripRecords,
	}

	for _, m := range migrations {
		if _, err := db.Pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}

	return nil
}

// 数据库迁移 SQL
const migrationCreateChargeTasks = `
CREATE TABLE IF NOT EXISTS charge_tasks (
    id BIGSERIAL PRIMARY KEY,
    vin VARCHAR(17) NOT NULL,
    token TEXT NOT NULL,
    push_token TEXT DEFAULT '',
    initial_kwh DOUBLE PRECISION NOT NULL,
    target_kwh DOUBLE PRECISION NOT NULL,
    charged_kwh DOUBLE PRECISION DEFAULT 0,
    initial_km DOUBLE PRECISION DEFAULT 0,
    target_km DOUBLE PRECISION DEFAULT 0,
    status VARCHAR(20) NOT NULL DEFAULT 'ready',
    message TEXT DEFAULT '',
    create_time TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
    update_time TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
    finish_time TIMESTAMP WITH TIME ZONE
);
CREATE INDEX IF NOT EXISTS idx_charge_tasks_vin ON charge_tasks(vin);
CREATE INDEX IF NOT EXISTS idx_charge_tasks_status ON charge_tasks(status);
CREATE INDEX IF NOT EXISTS idx_charge_tasks_create_time ON charge_tasks(create_time);
`

const migrationCreateTripRecords = `
CREATE TABLE IF NOT EXISTS trip_records (
    id BIGSERIAL PRIMARY KEY,
    vin VARCHAR(17) NOT NULL,
    start_time TIMESTAMP WITH TIME ZONE NOT NULL,
    end_time TIMESTAMP WITH TIME ZONE,
    start_location TEXT DEFAULT '',
    end_location TEXT DEFAULT '',
    start_latlng VARCHAR(64) DEFAULT '',
    end_latlng VARCHAR(64) DEFAULT '',
    start_mileage DOUBLE PRECISION NOT NULL,
    end_mileage DOUBLE PRECISION,
    start_range DOUBLE PRECISION DEFAULT 0,
    end_range DOUBLE PRECISION,
    start_soc INT DEFAULT 0,
    end_soc INT
);
CREATE INDEX IF NOT EXISTS idx_trip_records_vin ON trip_records(vin);
CREATE INDEX IF NOT EXISTS idx_trip_records_start_time ON trip_records(start_time);
`
