package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"gluco-circle/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func sampleAlertRows(alertID, ownerID string, status models.AlertStatus) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"alert_id", "owner_id", "alert_type", "severity", "glucose_value",
		"alert_status", "created_at", "resolved_at", "updated_at",
	}).AddRow(alertID, ownerID, models.AlertTypeLow, models.SeverityWarning, 64, status, now, nil, now)
}

func TestCreateAlert(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewAlertsRepository(db, zap.NewNop())

	now := time.Now()
	alert := &models.Alert{
		AlertID:      "alert-1",
		OwnerID:      "owner-1",
		Type:         models.AlertTypeLow,
		Severity:     models.SeverityWarning,
		GlucoseValue: 64,
		Status:       models.AlertStatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	mock.ExpectExec("INSERT INTO alerts").
		WithArgs("alert-1", "owner-1", models.AlertTypeLow, models.AlertTypeLow,
			models.SeverityWarning, 64, models.AlertStatusActive, now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.CreateAlert(context.Background(), alert)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateAlertDuplicateActive(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewAlertsRepository(db, zap.NewNop())

	// 部分唯一索引保证同 canonical 类型只有一条未终结报警
	mock.ExpectExec("INSERT INTO alerts").
		WillReturnError(&pq.Error{Code: "23505"})

	now := time.Now()
	err := repo.CreateAlert(context.Background(), &models.Alert{
		AlertID: "alert-2", OwnerID: "owner-1",
		Type: models.AlertTypeLow, Severity: models.SeverityWarning,
		GlucoseValue: 63, Status: models.AlertStatusActive,
		CreatedAt: now, UpdatedAt: now,
	})
	assert.True(t, errors.Is(err, models.ErrDuplicateActive))
}

func TestGetAlertIncludesAcknowledgments(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewAlertsRepository(db, zap.NewNop())

	ackAt := time.Now()
	mock.ExpectQuery("FROM alerts").
		WithArgs("alert-1").
		WillReturnRows(sampleAlertRows("alert-1", "owner-1", models.AlertStatusAcknowledged))
	mock.ExpectQuery("FROM alert_acknowledgments").
		WithArgs("alert-1").
		WillReturnRows(sqlmock.NewRows([]string{"alert_id", "user_id", "message", "acknowledged_at"}).
			AddRow("alert-1", "member-1", "on my way", ackAt))

	alert, err := repo.GetAlert(context.Background(), "alert-1")
	require.NoError(t, err)
	require.Len(t, alert.Acknowledgments, 1)
	assert.Equal(t, "member-1", alert.Acknowledgments[0].UserID)
	require.NotNil(t, alert.Acknowledgments[0].Message)
	assert.Equal(t, "on my way", *alert.Acknowledgments[0].Message)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAlertNotFound(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewAlertsRepository(db, zap.NewNop())

	mock.ExpectQuery("FROM alerts").
		WillReturnRows(sqlmock.NewRows([]string{
			"alert_id", "owner_id", "alert_type", "severity", "glucose_value",
			"alert_status", "created_at", "resolved_at", "updated_at",
		}))

	_, err := repo.GetAlert(context.Background(), "missing")
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestListAlertsWithStatusFilter(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewAlertsRepository(db, zap.NewNop())

	mock.ExpectQuery("SELECT COUNT").
		WithArgs("owner-1", models.AlertStatusActive).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("FROM alerts").
		WithArgs("owner-1", models.AlertStatusActive, 20, 0).
		WillReturnRows(sampleAlertRows("alert-1", "owner-1", models.AlertStatusActive))

	alerts, total, err := repo.ListAlerts(context.Background(), "owner-1",
		[]models.AlertStatus{models.AlertStatusActive}, 1, 20)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, alerts, 1)
	assert.Equal(t, "alert-1", alerts[0].AlertID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAcknowledgeActivatesLedgerAndFlipsStatus(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewAlertsRepository(db, zap.NewNop())

	at := time.Now()
	msg := "checking in"

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs("alert-1").
		WillReturnRows(sampleAlertRows("alert-1", "owner-1", models.AlertStatusActive))
	mock.ExpectExec("INSERT INTO alert_acknowledgments").
		WithArgs("alert-1", "member-1", &msg, at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE alerts").
		WithArgs("alert-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FROM alert_acknowledgments").
		WithArgs("alert-1").
		WillReturnRows(sqlmock.NewRows([]string{"alert_id", "user_id", "message", "acknowledged_at"}).
			AddRow("alert-1", "member-1", msg, at))
	mock.ExpectCommit()

	alert, err := repo.Acknowledge(context.Background(), "alert-1", "member-1", &msg, at)
	require.NoError(t, err)
	assert.Equal(t, models.AlertStatusAcknowledged, alert.Status)
	// 返回值带上刚写入的确认
	require.Len(t, alert.Acknowledgments, 1)
	assert.Equal(t, "member-1", alert.Acknowledgments[0].UserID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAcknowledgeAlreadyAcknowledgedKeepsStatus(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewAlertsRepository(db, zap.NewNop())

	at := time.Now()

	// 已是 acknowledged 的报警只追加账本，不再更新状态
	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WillReturnRows(sampleAlertRows("alert-1", "owner-1", models.AlertStatusAcknowledged))
	mock.ExpectExec("INSERT INTO alert_acknowledgments").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FROM alert_acknowledgments").
		WillReturnRows(sqlmock.NewRows([]string{"alert_id", "user_id", "message", "acknowledged_at"}).
			AddRow("alert-1", "member-1", "on it", at.Add(-time.Minute)).
			AddRow("alert-1", "member-2", nil, at))
	mock.ExpectCommit()

	alert, err := repo.Acknowledge(context.Background(), "alert-1", "member-2", nil, at)
	require.NoError(t, err)
	assert.Equal(t, models.AlertStatusAcknowledged, alert.Status)
	// 账本按时间升序，含先前成员的确认
	require.Len(t, alert.Acknowledgments, 2)
	assert.Equal(t, "member-1", alert.Acknowledgments[0].UserID)
	assert.Equal(t, "member-2", alert.Acknowledgments[1].UserID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAcknowledgeDuplicatePerUser(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewAlertsRepository(db, zap.NewNop())

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WillReturnRows(sampleAlertRows("alert-1", "owner-1", models.AlertStatusAcknowledged))
	mock.ExpectExec("INSERT INTO alert_acknowledgments").
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	_, err := repo.Acknowledge(context.Background(), "alert-1", "member-1", nil, time.Now())
	assert.True(t, errors.Is(err, models.ErrDuplicateAcknowledgment))
}

func TestAcknowledgeResolvedAlert(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewAlertsRepository(db, zap.NewNop())

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WillReturnRows(sampleAlertRows("alert-1", "owner-1", models.AlertStatusResolved))
	mock.ExpectRollback()

	_, err := repo.Acknowledge(context.Background(), "alert-1", "member-1", nil, time.Now())
	assert.True(t, errors.Is(err, models.ErrAlreadyResolved))
}

func TestResolveAlert(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewAlertsRepository(db, zap.NewNop())

	at := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WillReturnRows(sampleAlertRows("alert-1", "owner-1", models.AlertStatusAcknowledged))
	mock.ExpectExec("UPDATE alerts").
		WithArgs(at, "alert-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	alert, err := repo.Resolve(context.Background(), "alert-1", at)
	require.NoError(t, err)
	assert.Equal(t, models.AlertStatusResolved, alert.Status)
	require.NotNil(t, alert.ResolvedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveAlreadyResolved(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewAlertsRepository(db, zap.NewNop())

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WillReturnRows(sampleAlertRows("alert-1", "owner-1", models.AlertStatusResolved))
	mock.ExpectRollback()

	_, err := repo.Resolve(context.Background(), "alert-1", time.Now())
	assert.True(t, errors.Is(err, models.ErrAlreadyResolved))
}

func TestResolveRecoveredReleasesOpenSlot(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewAlertsRepository(db, zap.NewNop())

	at := time.Now()
	mock.ExpectQuery("UPDATE alerts").
		WithArgs(at, "owner-1", pq.Array([]string{"low", "no_data"})).
		WillReturnRows(sampleAlertRows("alert-1", "owner-1", models.AlertStatusResolved))

	resolved, err := repo.ResolveRecovered(context.Background(), "owner-1",
		[]models.AlertType{models.AlertTypeLow, models.AlertTypeNoData}, at)
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, "alert-1", resolved[0].AlertID)
	assert.Equal(t, models.AlertStatusResolved, resolved[0].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveRecoveredNothingOpen(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewAlertsRepository(db, zap.NewNop())

	mock.ExpectQuery("UPDATE alerts").
		WillReturnRows(sqlmock.NewRows([]string{
			"alert_id", "owner_id", "alert_type", "severity", "glucose_value",
			"alert_status", "created_at", "resolved_at", "updated_at",
		}))

	resolved, err := repo.ResolveRecovered(context.Background(), "owner-1",
		[]models.AlertType{models.AlertTypeHigh}, time.Now())
	require.NoError(t, err)
	assert.Empty(t, resolved)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEscalateAlert(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewAlertsRepository(db, zap.NewNop())

	mock.ExpectExec("UPDATE alerts").
		WithArgs(models.AlertTypeUrgentLow, models.SeverityUrgent, 49, "alert-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Escalate(context.Background(), "alert-1", models.AlertTypeUrgentLow, models.SeverityUrgent, 49)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
