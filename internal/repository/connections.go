package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"gluco-circle/internal/models"

	"go.uber.org/zap"
)

// ConnectionsRepository CGM 连接仓库
type ConnectionsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewConnectionsRepository 创建 CGM 连接仓库
func NewConnectionsRepository(db *sql.DB, logger *zap.Logger) *ConnectionsRepository {
	return &ConnectionsRepository{
		db:     db,
		logger: logger,
	}
}

const connectionColumns = `
			connection_id,
			owner_id,
			connection_type,
			sealed_credential,
			region,
			last_sync_at,
			connected,
			created_at,
			updated_at`

// scanConnection 扫描单行连接
func scanConnection(scanner interface {
	Scan(dest ...interface{}) error
}) (*models.CGMConnection, error) {
	var conn models.CGMConnection
	var lastSyncAt sql.NullTime

	err := scanner.Scan(
		&conn.ConnectionID,
		&conn.OwnerID,
		&conn.Type,
		&conn.SealedCredential,
		&conn.Region,
		&lastSyncAt,
		&conn.Connected,
		&conn.CreatedAt,
		&conn.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if lastSyncAt.Valid {
		conn.LastSyncAt = &lastSyncAt.Time
	}

	return &conn, nil
}

// UpsertConnection 创建或替换连接（每 owner 每类型至多一条）
func (r *ConnectionsRepository) UpsertConnection(ctx context.Context, conn *models.CGMConnection) error {
	if conn == nil {
		return fmt.Errorf("connection is required")
	}
	if conn.OwnerID == "" {
		return fmt.Errorf("owner_id is required")
	}
	if !conn.Type.Valid() {
		return models.ValidationErrorf("invalid connection type: %s", conn.Type)
	}

	query := `
		INSERT INTO cgm_connections (
			connection_id, owner_id, connection_type, sealed_credential,
			region, last_sync_at, connected, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (owner_id, connection_type) DO UPDATE SET
			sealed_credential = EXCLUDED.sealed_credential,
			region = EXCLUDED.region,
			connected = EXCLUDED.connected,
			updated_at = EXCLUDED.updated_at
	`

	_, err := r.db.ExecContext(ctx, query,
		conn.ConnectionID,
		conn.OwnerID,
		conn.Type,
		conn.SealedCredential,
		conn.Region,
		conn.LastSyncAt,
		conn.Connected,
		conn.CreatedAt,
		conn.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert connection: %w", err)
	}

	return nil
}

// GetConnection 获取指定类型的连接
func (r *ConnectionsRepository) GetConnection(ctx context.Context, ownerID string, connType models.ConnectionType) (*models.CGMConnection, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("owner_id is required")
	}

	query := `
		SELECT` + connectionColumns + `
		FROM cgm_connections
		WHERE owner_id = $1 AND connection_type = $2
	`

	conn, err := scanConnection(r.db.QueryRowContext(ctx, query, ownerID, connType))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}

	return conn, nil
}

// ListConnections 获取 owner 的所有连接
func (r *ConnectionsRepository) ListConnections(ctx context.Context, ownerID string) ([]*models.CGMConnection, error) {
	if ownerID == "" {
		return []*models.CGMConnection{}, nil
	}

	query := `
		SELECT` + connectionColumns + `
		FROM cgm_connections
		WHERE owner_id = $1
		ORDER BY connection_type ASC
	`

	rows, err := r.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query connections: %w", err)
	}
	defer rows.Close()

	conns := []*models.CGMConnection{}
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		conns = append(conns, conn)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate connections: %w", err)
	}

	return conns, nil
}

// ListAllConnected 获取所有在线连接（定时同步和 no_data 巡检用）
func (r *ConnectionsRepository) ListAllConnected(ctx context.Context) ([]*models.CGMConnection, error) {
	query := `
		SELECT` + connectionColumns + `
		FROM cgm_connections
		WHERE connected = TRUE
		ORDER BY owner_id ASC, connection_type ASC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query connected connections: %w", err)
	}
	defer rows.Close()

	conns := []*models.CGMConnection{}
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		conns = append(conns, conn)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate connections: %w", err)
	}

	return conns, nil
}

// UpdateLastSync 更新最近同步时间
func (r *ConnectionsRepository) UpdateLastSync(ctx context.Context, connectionID string, at time.Time) error {
	if connectionID == "" {
		return fmt.Errorf("connection_id is required")
	}

	query := `
		UPDATE cgm_connections
		SET last_sync_at = $1, updated_at = CURRENT_TIMESTAMP
		WHERE connection_id = $2
	`

	if _, err := r.db.ExecContext(ctx, query, at, connectionID); err != nil {
		return fmt.Errorf("failed to update last sync: %w", err)
	}

	return nil
}

// UpdateCredential 更新加密凭证（OAuth token 轮换后落盘）
func (r *ConnectionsRepository) UpdateCredential(ctx context.Context, connectionID, sealedCredential string) error {
	if connectionID == "" {
		return fmt.Errorf("connection_id is required")
	}

	query := `
		UPDATE cgm_connections
		SET sealed_credential = $1, updated_at = CURRENT_TIMESTAMP
		WHERE connection_id = $2
	`

	if _, err := r.db.ExecContext(ctx, query, sealedCredential, connectionID); err != nil {
		return fmt.Errorf("failed to update credential: %w", err)
	}

	return nil
}

// MarkDisconnected 标记连接断开（认证失败后不再静默重试）
func (r *ConnectionsRepository) MarkDisconnected(ctx context.Context, connectionID string) error {
	if connectionID == "" {
		return fmt.Errorf("connection_id is required")
	}

	query := `
		UPDATE cgm_connections
		SET connected = FALSE, updated_at = CURRENT_TIMESTAMP
		WHERE connection_id = $1
	`

	if _, err := r.db.ExecContext(ctx, query, connectionID); err != nil {
		return fmt.Errorf("failed to mark disconnected: %w", err)
	}

	return nil
}

// DeleteConnection 删除连接（断开操作；已入库的读数保留）
func (r *ConnectionsRepository) DeleteConnection(ctx context.Context, ownerID string, connType models.ConnectionType) error {
	if ownerID == "" {
		return fmt.Errorf("owner_id is required")
	}

	query := `DELETE FROM cgm_connections WHERE owner_id = $1 AND connection_type = $2`

	result, err := r.db.ExecContext(ctx, query, ownerID, connType)
	if err != nil {
		return fmt.Errorf("failed to delete connection: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return models.ErrNotFound
	}

	return nil
}
