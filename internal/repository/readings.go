package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"gluco-circle/internal/models"

	"go.uber.org/zap"
)

// ReadingsRepository 血糖读数仓库
type ReadingsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewReadingsRepository 创建血糖读数仓库
func NewReadingsRepository(db *sql.DB, logger *zap.Logger) *ReadingsRepository {
	return &ReadingsRepository{
		db:     db,
		logger: logger,
	}
}

const readingColumns = `
			reading_id,
			owner_id,
			value,
			trend,
			source,
			timestamp,
			notes,
			created_at`

// scanReading 扫描单行读数
func scanReading(scanner interface {
	Scan(dest ...interface{}) error
}) (*models.Reading, error) {
	var reading models.Reading
	var notes sql.NullString

	err := scanner.Scan(
		&reading.ReadingID,
		&reading.OwnerID,
		&reading.Value,
		&reading.Trend,
		&reading.Source,
		&reading.Timestamp,
		&notes,
		&reading.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if notes.Valid {
		reading.Notes = &notes.String
	}

	return &reading, nil
}

// InsertReading 插入读数
func (r *ReadingsRepository) InsertReading(ctx context.Context, reading *models.Reading) error {
	if reading == nil {
		return fmt.Errorf("reading is required")
	}
	if reading.OwnerID == "" {
		return fmt.Errorf("owner_id is required")
	}

	query := `
		INSERT INTO glucose_readings (
			reading_id, owner_id, value, trend, source, timestamp, notes, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.db.ExecContext(ctx, query,
		reading.ReadingID,
		reading.OwnerID,
		reading.Value,
		reading.Trend,
		reading.Source,
		reading.Timestamp,
		reading.Notes,
		reading.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert reading: %w", err)
	}

	return nil
}

// FindBucket 按去重桶查找已有读数
// 桶规则：同一 owner、时间差在 window 内、值差在 tolerance 内
func (r *ReadingsRepository) FindBucket(ctx context.Context, ownerID string, ts time.Time, value int, window time.Duration, tolerance int) (*models.Reading, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("owner_id is required")
	}

	query := `
		SELECT` + readingColumns + `
		FROM glucose_readings
		WHERE owner_id = $1
		  AND timestamp > $2
		  AND timestamp < $3
		  AND ABS(value - $4) <= $5
		ORDER BY ABS(EXTRACT(EPOCH FROM (timestamp - $6::timestamptz)))
		LIMIT 1
	`

	row := r.db.QueryRowContext(ctx, query,
		ownerID,
		ts.Add(-window),
		ts.Add(window),
		value,
		tolerance,
		ts,
	)

	reading, err := scanReading(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query reading bucket: %w", err)
	}

	return reading, nil
}

// FindOverlapping 查找时间重叠（不看值）的读数，用于冲突裁决
func (r *ReadingsRepository) FindOverlapping(ctx context.Context, ownerID string, ts time.Time, window time.Duration) (*models.Reading, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("owner_id is required")
	}

	query := `
		SELECT` + readingColumns + `
		FROM glucose_readings
		WHERE owner_id = $1
		  AND timestamp > $2
		  AND timestamp < $3
		ORDER BY ABS(EXTRACT(EPOCH FROM (timestamp - $4::timestamptz)))
		LIMIT 1
	`

	row := r.db.QueryRowContext(ctx, query,
		ownerID,
		ts.Add(-window),
		ts.Add(window),
		ts,
	)

	reading, err := scanReading(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query overlapping reading: %w", err)
	}

	return reading, nil
}

// SupersedeReading 用 OAuth 源的读数覆盖同桶内 Share 源的读数
// 时间线对外只保留每桶一条；OAuth 源裁决获胜时改写该行
func (r *ReadingsRepository) SupersedeReading(ctx context.Context, readingID string, value int, trend models.Trend, source models.ReadingSource, ts time.Time) error {
	if readingID == "" {
		return fmt.Errorf("reading_id is required")
	}

	query := `
		UPDATE glucose_readings
		SET value = $1, trend = $2, source = $3, timestamp = $4
		WHERE reading_id = $5
	`

	result, err := r.db.ExecContext(ctx, query, value, trend, source, ts, readingID)
	if err != nil {
		return fmt.Errorf("failed to supersede reading: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("reading not found: reading_id=%s", readingID)
	}

	return nil
}

// ListReadings 按时间窗口查询读数（升序）
func (r *ReadingsRepository) ListReadings(ctx context.Context, ownerID string, from, to time.Time) ([]*models.Reading, error) {
	if ownerID == "" {
		return []*models.Reading{}, nil
	}

	query := `
		SELECT` + readingColumns + `
		FROM glucose_readings
		WHERE owner_id = $1
		  AND timestamp >= $2
		  AND timestamp <= $3
		ORDER BY timestamp ASC
	`

	rows, err := r.db.QueryContext(ctx, query, ownerID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	defer rows.Close()

	readings := []*models.Reading{}
	for rows.Next() {
		reading, err := scanReading(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		readings = append(readings, reading)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate readings: %w", err)
	}

	return readings, nil
}

// LatestReadings 获取最近 N 条读数（降序）
func (r *ReadingsRepository) LatestReadings(ctx context.Context, ownerID string, limit int) ([]*models.Reading, error) {
	if ownerID == "" {
		return []*models.Reading{}, nil
	}
	if limit <= 0 {
		limit = 12
	}

	query := `
		SELECT` + readingColumns + `
		FROM glucose_readings
		WHERE owner_id = $1
		ORDER BY timestamp DESC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest readings: %w", err)
	}
	defer rows.Close()

	readings := []*models.Reading{}
	for rows.Next() {
		reading, err := scanReading(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		readings = append(readings, reading)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate readings: %w", err)
	}

	return readings, nil
}

// LatestReading 获取最近一条读数
func (r *ReadingsRepository) LatestReading(ctx context.Context, ownerID string) (*models.Reading, error) {
	readings, err := r.LatestReadings(ctx, ownerID, 1)
	if err != nil {
		return nil, err
	}
	if len(readings) == 0 {
		return nil, nil
	}
	return readings[0], nil
}
