package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"gluco-circle/internal/models"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// AlertsRepository 报警仓库
// 状态机的持久化与并发裁决都在这里：
// - 去重不变量由 uq_alerts_open_per_type 部分唯一索引保证（与创建原子）
// - acknowledge/resolve 在事务内 FOR UPDATE 串行化同一报警的并发变更
type AlertsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAlertsRepository 创建报警仓库
func NewAlertsRepository(db *sql.DB, logger *zap.Logger) *AlertsRepository {
	return &AlertsRepository{
		db:     db,
		logger: logger,
	}
}

const alertColumns = `
			alert_id,
			owner_id,
			alert_type,
			severity,
			glucose_value,
			alert_status,
			created_at,
			resolved_at,
			updated_at`

// isUniqueViolation 判断是否为唯一约束冲突
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// scanAlert 扫描单行报警
func scanAlert(scanner interface {
	Scan(dest ...interface{}) error
}) (*models.Alert, error) {
	var alert models.Alert
	var resolvedAt sql.NullTime

	err := scanner.Scan(
		&alert.AlertID,
		&alert.OwnerID,
		&alert.Type,
		&alert.Severity,
		&alert.GlucoseValue,
		&alert.Status,
		&alert.CreatedAt,
		&resolvedAt,
		&alert.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if resolvedAt.Valid {
		alert.ResolvedAt = &resolvedAt.Time
	}

	return &alert, nil
}

// CreateAlert 创建报警（active 状态）
// 若同 owner 同规范类型已有未终结报警，唯一索引冲突映射为 ErrDuplicateActive
func (r *AlertsRepository) CreateAlert(ctx context.Context, alert *models.Alert) error {
	if alert == nil {
		return fmt.Errorf("alert is required")
	}
	if alert.OwnerID == "" {
		return fmt.Errorf("owner_id is required")
	}

	query := `
		INSERT INTO alerts (
			alert_id, owner_id, alert_type, canonical_type, severity,
			glucose_value, alert_status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := r.db.ExecContext(ctx, query,
		alert.AlertID,
		alert.OwnerID,
		alert.Type,
		alert.Type.CanonicalType(),
		alert.Severity,
		alert.GlucoseValue,
		alert.Status,
		alert.CreatedAt,
		alert.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return models.ErrDuplicateActive
		}
		return fmt.Errorf("failed to create alert: %w", err)
	}

	return nil
}

// GetAlert 获取单个报警（含确认列表）
func (r *AlertsRepository) GetAlert(ctx context.Context, alertID string) (*models.Alert, error) {
	if alertID == "" {
		return nil, fmt.Errorf("alert_id is required")
	}

	query := `
		SELECT` + alertColumns + `
		FROM alerts
		WHERE alert_id = $1
	`

	alert, err := scanAlert(r.db.QueryRowContext(ctx, query, alertID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}

	acks, err := r.ListAcknowledgments(ctx, alertID)
	if err != nil {
		return nil, err
	}
	alert.Acknowledgments = acks

	return alert, nil
}

// GetOpenAlertByType 查询 owner 的某规范类型未终结报警
func (r *AlertsRepository) GetOpenAlertByType(ctx context.Context, ownerID string, canonicalType models.AlertType) (*models.Alert, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("owner_id is required")
	}

	query := `
		SELECT` + alertColumns + `
		FROM alerts
		WHERE owner_id = $1
		  AND canonical_type = $2
		  AND alert_status IN ('active', 'acknowledged')
		LIMIT 1
	`

	alert, err := scanAlert(r.db.QueryRowContext(ctx, query, ownerID, canonicalType))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query open alert: %w", err)
	}

	return alert, nil
}

// ListAlerts 按状态查询 owner 的报警（降序、分页）
func (r *AlertsRepository) ListAlerts(ctx context.Context, ownerID string, statuses []models.AlertStatus, page, size int) ([]*models.Alert, int, error) {
	if ownerID == "" {
		return []*models.Alert{}, 0, nil
	}

	args := []interface{}{ownerID}
	where := []string{"owner_id = $1"}
	argN := 2

	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i := range statuses {
			placeholders[i] = fmt.Sprintf("$%d", argN)
			args = append(args, statuses[i])
			argN++
		}
		where = append(where, fmt.Sprintf("alert_status IN (%s)", strings.Join(placeholders, ", ")))
	}

	whereClause := "WHERE " + strings.Join(where, " AND ")

	var total int
	queryCount := fmt.Sprintf(`SELECT COUNT(*) FROM alerts %s`, whereClause)
	if err := r.db.QueryRowContext(ctx, queryCount, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count alerts: %w", err)
	}

	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf(`
		SELECT %s
		FROM alerts
		%s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d
	`, alertColumns, whereClause, argN, argN+1)
	args = append(args, size, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	alerts := []*models.Alert{}
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, alert)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate alerts: %w", err)
	}

	return alerts, total, nil
}

// Escalate 就地升级未终结报警的类型/级别（low → urgent_low 等）
// 状态不变；只接受级别上升方向
func (r *AlertsRepository) Escalate(ctx context.Context, alertID string, newType models.AlertType, newSeverity models.AlertSeverity, glucoseValue int) error {
	if alertID == "" {
		return fmt.Errorf("alert_id is required")
	}

	query := `
		UPDATE alerts
		SET alert_type = $1,
		    severity = $2,
		    glucose_value = $3,
		    updated_at = CURRENT_TIMESTAMP
		WHERE alert_id = $4
		  AND alert_status IN ('active', 'acknowledged')
	`

	result, err := r.db.ExecContext(ctx, query, newType, newSeverity, glucoseValue, alertID)
	if err != nil {
		return fmt.Errorf("failed to escalate alert: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return models.ErrAlreadyResolved
	}

	return nil
}

// Acknowledge 确认报警（事务）
// 锁定报警行 → 终结则拒绝 → 追加确认（重复确认由主键拦截）→ active 则推进到 acknowledged → 回读账本
func (r *AlertsRepository) Acknowledge(ctx context.Context, alertID, userID string, message *string, at time.Time) (*models.Alert, error) {
	if alertID == "" {
		return nil, fmt.Errorf("alert_id is required")
	}
	if userID == "" {
		return nil, fmt.Errorf("user_id is required")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	lockQuery := `
		SELECT` + alertColumns + `
		FROM alerts
		WHERE alert_id = $1
		FOR UPDATE
	`

	alert, err := scanAlert(tx.QueryRowContext(ctx, lockQuery, alertID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to lock alert: %w", err)
	}

	if alert.Status == models.AlertStatusResolved {
		return nil, models.ErrAlreadyResolved
	}

	insertAck := `
		INSERT INTO alert_acknowledgments (alert_id, user_id, message, acknowledged_at)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := tx.ExecContext(ctx, insertAck, alertID, userID, message, at); err != nil {
		if isUniqueViolation(err) {
			return nil, models.ErrDuplicateAcknowledgment
		}
		return nil, fmt.Errorf("failed to append acknowledgment: %w", err)
	}

	if alert.Status == models.AlertStatusActive {
		updateStatus := `
			UPDATE alerts
			SET alert_status = 'acknowledged', updated_at = CURRENT_TIMESTAMP
			WHERE alert_id = $1
		`
		if _, err := tx.ExecContext(ctx, updateStatus, alertID); err != nil {
			return nil, fmt.Errorf("failed to update alert status: %w", err)
		}
		alert.Status = models.AlertStatusAcknowledged
	}

	// 事务内回读账本，返回值带上刚追加的确认
	acks, err := listAcknowledgments(ctx, tx, alertID)
	if err != nil {
		return nil, err
	}
	alert.Acknowledgments = acks

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit acknowledgment: %w", err)
	}

	return alert, nil
}

// Resolve 解除报警（事务）
// 提交时报警必须未终结；竞争中输掉的一方得到 ErrAlreadyResolved
func (r *AlertsRepository) Resolve(ctx context.Context, alertID string, at time.Time) (*models.Alert, error) {
	if alertID == "" {
		return nil, fmt.Errorf("alert_id is required")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	lockQuery := `
		SELECT` + alertColumns + `
		FROM alerts
		WHERE alert_id = $1
		FOR UPDATE
	`

	alert, err := scanAlert(tx.QueryRowContext(ctx, lockQuery, alertID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to lock alert: %w", err)
	}

	if alert.Status == models.AlertStatusResolved {
		return nil, models.ErrAlreadyResolved
	}

	updateStatus := `
		UPDATE alerts
		SET alert_status = 'resolved', resolved_at = $1, updated_at = CURRENT_TIMESTAMP
		WHERE alert_id = $2
	`
	if _, err := tx.ExecContext(ctx, updateStatus, at, alertID); err != nil {
		return nil, fmt.Errorf("failed to resolve alert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit resolution: %w", err)
	}

	alert.Status = models.AlertStatusResolved
	alert.ResolvedAt = &at

	return alert, nil
}

// ResolveRecovered 批量解除 owner 已恢复槽位的未终结报警
// 血糖回到区间内（或数据恢复）即视为该槽位的报警周期结束，
// 之后再次越界开的是新报警，而不是撞上去重索引被抑制
func (r *AlertsRepository) ResolveRecovered(ctx context.Context, ownerID string, canonicalTypes []models.AlertType, at time.Time) ([]*models.Alert, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("owner_id is required")
	}
	if len(canonicalTypes) == 0 {
		return []*models.Alert{}, nil
	}

	types := make([]string, len(canonicalTypes))
	for i, ct := range canonicalTypes {
		types[i] = string(ct)
	}

	query := `
		UPDATE alerts
		SET alert_status = 'resolved', resolved_at = $1, updated_at = CURRENT_TIMESTAMP
		WHERE owner_id = $2
		  AND canonical_type = ANY($3)
		  AND alert_status IN ('active', 'acknowledged')
		RETURNING` + alertColumns + `
	`

	rows, err := r.db.QueryContext(ctx, query, at, ownerID, pq.Array(types))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve recovered alerts: %w", err)
	}
	defer rows.Close()

	resolved := []*models.Alert{}
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resolved alert: %w", err)
		}
		resolved = append(resolved, alert)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate resolved alerts: %w", err)
	}

	return resolved, nil
}

// ============================================
// 确认账本
// ============================================

// rowQuerier 让账本查询在 *sql.DB 和事务内共用
type rowQuerier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// ListAcknowledgments 获取报警的确认列表（按时间升序）
func (r *AlertsRepository) ListAcknowledgments(ctx context.Context, alertID string) ([]models.Acknowledgment, error) {
	return listAcknowledgments(ctx, r.db, alertID)
}

func listAcknowledgments(ctx context.Context, q rowQuerier, alertID string) ([]models.Acknowledgment, error) {
	if alertID == "" {
		return nil, fmt.Errorf("alert_id is required")
	}

	query := `
		SELECT alert_id, user_id, message, acknowledged_at
		FROM alert_acknowledgments
		WHERE alert_id = $1
		ORDER BY acknowledged_at ASC
	`

	rows, err := q.QueryContext(ctx, query, alertID)
	if err != nil {
		return nil, fmt.Errorf("failed to query acknowledgments: %w", err)
	}
	defer rows.Close()

	acks := []models.Acknowledgment{}
	for rows.Next() {
		var ack models.Acknowledgment
		var message sql.NullString
		if err := rows.Scan(&ack.AlertID, &ack.UserID, &message, &ack.AcknowledgedAt); err != nil {
			return nil, fmt.Errorf("failed to scan acknowledgment: %w", err)
		}
		if message.Valid {
			ack.Message = &message.String
		}
		acks = append(acks, ack)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate acknowledgments: %w", err)
	}

	return acks, nil
}

// HasAcknowledged 查询账户是否已确认过该报警
func (r *AlertsRepository) HasAcknowledged(ctx context.Context, alertID, userID string) (bool, error) {
	if alertID == "" || userID == "" {
		return false, fmt.Errorf("alert_id and user_id are required")
	}

	var count int
	query := `SELECT COUNT(*) FROM alert_acknowledgments WHERE alert_id = $1 AND user_id = $2`
	if err := r.db.QueryRowContext(ctx, query, alertID, userID).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check acknowledgment: %w", err)
	}

	return count > 0, nil
}

// CountAcknowledgments 统计报警的确认数
func (r *AlertsRepository) CountAcknowledgments(ctx context.Context, alertID string) (int, error) {
	if alertID == "" {
		return 0, fmt.Errorf("alert_id is required")
	}

	var count int
	query := `SELECT COUNT(*) FROM alert_acknowledgments WHERE alert_id = $1`
	if err := r.db.QueryRowContext(ctx, query, alertID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count acknowledgments: %w", err)
	}

	return count, nil
}
