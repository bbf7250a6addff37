package repository

import (
	"context"
	"database/sql"
	"fmt"

	"gluco-circle/internal/models"

	"go.uber.org/zap"
)

// AccountsRepository 账户仓库
type AccountsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAccountsRepository 创建账户仓库
func NewAccountsRepository(db *sql.DB, logger *zap.Logger) *AccountsRepository {
	return &AccountsRepository{
		db:     db,
		logger: logger,
	}
}

const accountColumns = `
			account_id,
			role,
			nickname,
			primary_id,
			paused,
			low_threshold,
			high_threshold,
			high_alert_delay_minutes,
			pref_low_alerts,
			pref_high_alerts,
			pref_acknowledgments,
			pref_alert_resolved,
			created_at,
			updated_at`

// scanAccount 扫描单行账户
func scanAccount(scanner interface {
	Scan(dest ...interface{}) error
}) (*models.Account, error) {
	var account models.Account
	var primaryID sql.NullString

	err := scanner.Scan(
		&account.AccountID,
		&account.Role,
		&account.Nickname,
		&primaryID,
		&account.Paused,
		&account.Settings.LowThreshold,
		&account.Settings.HighThreshold,
		&account.Settings.HighAlertDelayMinutes,
		&account.Preferences.LowAlerts,
		&account.Preferences.HighAlerts,
		&account.Preferences.Acknowledgments,
		&account.Preferences.AlertResolved,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if primaryID.Valid {
		account.PrimaryID = &primaryID.String
	}

	return &account, nil
}

// GetAccount 获取账户
func (r *AccountsRepository) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	if accountID == "" {
		return nil, fmt.Errorf("account_id is required")
	}

	query := `
		SELECT` + accountColumns + `
		FROM accounts
		WHERE account_id = $1
	`

	account, err := scanAccount(r.db.QueryRowContext(ctx, query, accountID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	return account, nil
}

// UpdateAlertSettings 更新账户报警设置（阈值约束由调用方先校验，这里再拦一次）
func (r *AccountsRepository) UpdateAlertSettings(ctx context.Context, accountID string, settings models.AlertSettings) error {
	if accountID == "" {
		return fmt.Errorf("account_id is required")
	}
	if err := settings.Validate(); err != nil {
		return err
	}

	query := `
		UPDATE accounts
		SET low_threshold = $1,
		    high_threshold = $2,
		    high_alert_delay_minutes = $3,
		    updated_at = CURRENT_TIMESTAMP
		WHERE account_id = $4
	`

	result, err := r.db.ExecContext(ctx, query,
		settings.LowThreshold,
		settings.HighThreshold,
		settings.HighAlertDelayMinutes,
		accountID,
	)
	if err != nil {
		return fmt.Errorf("failed to update alert settings: %w", err)
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

// UpdatePreferences 更新通知偏好
func (r *AccountsRepository) UpdatePreferences(ctx context.Context, accountID string, prefs models.NotificationPreferences) error {
	if accountID == "" {
		return fmt.Errorf("account_id is required")
	}

	query := `
		UPDATE accounts
		SET pref_low_alerts = $1,
		    pref_high_alerts = $2,
		    pref_acknowledgments = $3,
		    pref_alert_resolved = $4,
		    updated_at = CURRENT_TIMESTAMP
		WHERE account_id = $5
	`

	result, err := r.db.ExecContext(ctx, query,
		prefs.LowAlerts,
		prefs.HighAlerts,
		prefs.Acknowledgments,
		prefs.AlertResolved,
		accountID,
	)
	if err != nil {
		return fmt.Errorf("failed to update preferences: %w", err)
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

// SetPaused 设置成员的通知暂停标记（member 角色专用，不影响报警创建）
func (r *AccountsRepository) SetPaused(ctx context.Context, accountID string, paused bool) error {
	if accountID == "" {
		return fmt.Errorf("account_id is required")
	}

	query := `
		UPDATE accounts
		SET paused = $1, updated_at = CURRENT_TIMESTAMP
		WHERE account_id = $2 AND role = 'member'
	`

	result, err := r.db.ExecContext(ctx, query, paused, accountID)
	if err != nil {
		return fmt.Errorf("failed to set paused: %w", err)
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
