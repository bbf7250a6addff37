package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"gluco-circle/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MembershipsRepository 关爱圈成员关系仓库
type MembershipsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewMembershipsRepository 创建成员关系仓库
func NewMembershipsRepository(db *sql.DB, logger *zap.Logger) *MembershipsRepository {
	return &MembershipsRepository{
		db:     db,
		logger: logger,
	}
}

const membershipColumns = `
			membership_id,
			primary_id,
			member_id,
			view_glucose,
			receive_low_alerts,
			receive_high_alerts,
			status,
			created_at,
			updated_at`

// scanMembership 扫描单行成员关系
func scanMembership(scanner interface {
	Scan(dest ...interface{}) error
}) (*models.CircleMembership, error) {
	var m models.CircleMembership
	err := scanner.Scan(
		&m.MembershipID,
		&m.PrimaryID,
		&m.MemberID,
		&m.ViewGlucose,
		&m.ReceiveLowAlerts,
		&m.ReceiveHighAlerts,
		&m.Status,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// RedeemInviteCode 兑换邀请码（事务）
// 标记邀请码已兑换并创建 pending 状态的成员关系；已兑换或过期的码拒绝
func (r *MembershipsRepository) RedeemInviteCode(ctx context.Context, code, memberID string) (*models.CircleMembership, error) {
	if code == "" {
		return nil, models.ValidationErrorf("invite code is required")
	}
	if memberID == "" {
		return nil, fmt.Errorf("member_id is required")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var primaryID string
	var expiresAt time.Time
	var redeemedAt sql.NullTime
	err = tx.QueryRowContext(ctx,
		`SELECT primary_id, expires_at, redeemed_at FROM invite_codes WHERE code = $1 FOR UPDATE`,
		code,
	).Scan(&primaryID, &expiresAt, &redeemedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, models.ValidationErrorf("invite code not found")
		}
		return nil, fmt.Errorf("failed to query invite code: %w", err)
	}

	if redeemedAt.Valid {
		return nil, models.ValidationErrorf("invite code already redeemed")
	}
	if time.Now().After(expiresAt) {
		return nil, models.ValidationErrorf("invite code expired")
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE invite_codes SET redeemed_at = CURRENT_TIMESTAMP WHERE code = $1`,
		code,
	); err != nil {
		return nil, fmt.Errorf("failed to mark invite code redeemed: %w", err)
	}

	now := time.Now()
	membership := &models.CircleMembership{
		MembershipID:      uuid.NewString(),
		PrimaryID:         primaryID,
		MemberID:          memberID,
		ViewGlucose:       true,
		ReceiveLowAlerts:  true,
		ReceiveHighAlerts: true,
		Status:            models.MembershipPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	insert := `
		INSERT INTO circle_memberships (
			membership_id, primary_id, member_id, view_glucose,
			receive_low_alerts, receive_high_alerts, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	if _, err := tx.ExecContext(ctx, insert,
		membership.MembershipID,
		membership.PrimaryID,
		membership.MemberID,
		membership.ViewGlucose,
		membership.ReceiveLowAlerts,
		membership.ReceiveHighAlerts,
		membership.Status,
		membership.CreatedAt,
		membership.UpdatedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return nil, models.ValidationErrorf("member already in circle")
		}
		return nil, fmt.Errorf("failed to create membership: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit redemption: %w", err)
	}

	return membership, nil
}

// CreateInviteCode 生成邀请码
func (r *MembershipsRepository) CreateInviteCode(ctx context.Context, primaryID string, ttl time.Duration) (string, error) {
	if primaryID == "" {
		return "", fmt.Errorf("primary_id is required")
	}

	code := uuid.NewString()[:8]
	query := `
		INSERT INTO invite_codes (code, primary_id, expires_at, created_at)
		VALUES ($1, $2, $3, CURRENT_TIMESTAMP)
	`
	if _, err := r.db.ExecContext(ctx, query, code, primaryID, time.Now().Add(ttl)); err != nil {
		return "", fmt.Errorf("failed to create invite code: %w", err)
	}

	return code, nil
}

// ActivateMembership 将 pending 成员关系激活
func (r *MembershipsRepository) ActivateMembership(ctx context.Context, primaryID, memberID string) error {
	if primaryID == "" || memberID == "" {
		return fmt.Errorf("primary_id and member_id are required")
	}

	query := `
		UPDATE circle_memberships
		SET status = 'active', updated_at = CURRENT_TIMESTAMP
		WHERE primary_id = $1 AND member_id = $2 AND status = 'pending'
	`

	result, err := r.db.ExecContext(ctx, query, primaryID, memberID)
	if err != nil {
		return fmt.Errorf("failed to activate membership: %w", err)
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

// RemoveMembership 移除成员（立即撤销可见性；重新加入需要新邀请码）
func (r *MembershipsRepository) RemoveMembership(ctx context.Context, primaryID, memberID string) error {
	if primaryID == "" || memberID == "" {
		return fmt.Errorf("primary_id and member_id are required")
	}

	query := `DELETE FROM circle_memberships WHERE primary_id = $1 AND member_id = $2`

	result, err := r.db.ExecContext(ctx, query, primaryID, memberID)
	if err != nil {
		return fmt.Errorf("failed to remove membership: %w", err)
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

// GetMembership 获取成员关系
func (r *MembershipsRepository) GetMembership(ctx context.Context, primaryID, memberID string) (*models.CircleMembership, error) {
	if primaryID == "" || memberID == "" {
		return nil, fmt.Errorf("primary_id and member_id are required")
	}

	query := `
		SELECT` + membershipColumns + `
		FROM circle_memberships
		WHERE primary_id = $1 AND member_id = $2
	`

	m, err := scanMembership(r.db.QueryRowContext(ctx, query, primaryID, memberID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get membership: %w", err)
	}

	return m, nil
}

// ListActiveMembers 获取 primary 账户的 active 成员关系
func (r *MembershipsRepository) ListActiveMembers(ctx context.Context, primaryID string) ([]*models.CircleMembership, error) {
	if primaryID == "" {
		return []*models.CircleMembership{}, nil
	}

	query := `
		SELECT` + membershipColumns + `
		FROM circle_memberships
		WHERE primary_id = $1 AND status = 'active'
		ORDER BY created_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query, primaryID)
	if err != nil {
		return nil, fmt.Errorf("failed to query memberships: %w", err)
	}
	defer rows.Close()

	memberships := []*models.CircleMembership{}
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		memberships = append(memberships, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate memberships: %w", err)
	}

	return memberships, nil
}

// IsActiveMember 查询账户是否是 primary 的 active 成员
func (r *MembershipsRepository) IsActiveMember(ctx context.Context, primaryID, memberID string) (bool, error) {
	if primaryID == "" || memberID == "" {
		return false, fmt.Errorf("primary_id and member_id are required")
	}

	var count int
	query := `
		SELECT COUNT(*) FROM circle_memberships
		WHERE primary_id = $1 AND member_id = $2 AND status = 'active'
	`
	if err := r.db.QueryRowContext(ctx, query, primaryID, memberID).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check membership: %w", err)
	}

	return count > 0, nil
}
