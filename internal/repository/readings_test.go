package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"gluco-circle/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func sampleReadingRows(ownerID string, values ...int) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"reading_id", "owner_id", "value", "trend", "source", "timestamp", "notes", "created_at",
	})
	now := time.Now()
	for i, v := range values {
		rows.AddRow("reading-"+string(rune('1'+i)), ownerID, v, "stable", "dexcom_share",
			now.Add(time.Duration(-5*i)*time.Minute), nil, now)
	}
	return rows
}

func TestInsertReading(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewReadingsRepository(db, zap.NewNop())

	now := time.Now()
	reading := &models.Reading{
		ReadingID: "reading-1",
		OwnerID:   "owner-1",
		Value:     112,
		Trend:     models.TrendStable,
		Source:    models.SourceManual,
		Timestamp: now,
		CreatedAt: now,
	}

	mock.ExpectExec("INSERT INTO glucose_readings").
		WithArgs("reading-1", "owner-1", 112, models.TrendStable, models.SourceManual, now, nil, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.InsertReading(context.Background(), reading)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertReadingRequiresOwner(t *testing.T) {
	db, _ := setupMockDB(t)
	repo := NewReadingsRepository(db, zap.NewNop())

	err := repo.InsertReading(context.Background(), &models.Reading{ReadingID: "reading-1"})
	assert.Error(t, err)
}

func TestFindBucketHit(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewReadingsRepository(db, zap.NewNop())

	mock.ExpectQuery("FROM glucose_readings").
		WillReturnRows(sampleReadingRows("owner-1", 120))

	reading, err := repo.FindBucket(context.Background(), "owner-1", time.Now(), 122, 2*time.Minute, 5)
	require.NoError(t, err)
	require.NotNil(t, reading)
	assert.Equal(t, 120, reading.Value)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindBucketMissReturnsNil(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewReadingsRepository(db, zap.NewNop())

	mock.ExpectQuery("FROM glucose_readings").
		WillReturnRows(sampleReadingRows("owner-1"))

	reading, err := repo.FindBucket(context.Background(), "owner-1", time.Now(), 122, 2*time.Minute, 5)
	require.NoError(t, err)
	assert.Nil(t, reading)
}

func TestSupersedeReading(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewReadingsRepository(db, zap.NewNop())

	ts := time.Now()
	mock.ExpectExec("UPDATE glucose_readings").
		WithArgs(118, models.TrendRising, models.SourceDexcomOAuth, ts, "reading-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.SupersedeReading(context.Background(), "reading-1", 118, models.TrendRising, models.SourceDexcomOAuth, ts)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSupersedeReadingMissingRow(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewReadingsRepository(db, zap.NewNop())

	mock.ExpectExec("UPDATE glucose_readings").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.SupersedeReading(context.Background(), "gone", 118, models.TrendRising, models.SourceDexcomOAuth, time.Now())
	assert.Error(t, err)
}

func TestListReadingsWindow(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewReadingsRepository(db, zap.NewNop())

	from := time.Now().Add(-1 * time.Hour)
	to := time.Now()

	mock.ExpectQuery("FROM glucose_readings").
		WithArgs("owner-1", from, to).
		WillReturnRows(sampleReadingRows("owner-1", 100, 105, 110))

	readings, err := repo.ListReadings(context.Background(), "owner-1", from, to)
	require.NoError(t, err)
	assert.Len(t, readings, 3)
	assert.Equal(t, 100, readings[0].Value)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestReadingsDefaultLimit(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewReadingsRepository(db, zap.NewNop())

	// limit <= 0 回落到默认值
	mock.ExpectQuery("FROM glucose_readings").
		WithArgs("owner-1", 12).
		WillReturnRows(sampleReadingRows("owner-1", 100))

	readings, err := repo.LatestReadings(context.Background(), "owner-1", 0)
	require.NoError(t, err)
	assert.Len(t, readings, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}
