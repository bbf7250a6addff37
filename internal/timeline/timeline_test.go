package timeline

import (
	"context"
	"testing"
	"time"

	"gluco-circle/internal/config"
	"gluco-circle/internal/models"
	"gluco-circle/internal/repository"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestTimeline(t *testing.T) (*Timeline, sqlmock.Sqlmock, *miniredis.Miniredis) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { redisClient.Close() })

	cfg := &config.Config{}
	cfg.Alarm.Cache.LastReadingPrefix = "gluco:last-reading:"

	logger := zap.NewNop()
	readings := repository.NewReadingsRepository(db, logger)

	return NewTimeline(cfg, readings, redisClient, logger), mock, mr
}

func readingColumns() []string {
	return []string{"reading_id", "owner_id", "value", "trend", "source", "timestamp", "notes", "created_at"}
}

func TestIngest_StoresNewReading(t *testing.T) {
	tl, mock, mr := newTestTimeline(t)

	mock.ExpectQuery("FROM glucose_readings").
		WillReturnRows(sqlmock.NewRows(readingColumns()))
	mock.ExpectExec("INSERT INTO glucose_readings").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ts := time.Now()
	reading := &models.Reading{
		OwnerID:   "owner-1",
		Value:     120,
		Trend:     models.TrendStable,
		Source:    models.SourceManual,
		Timestamp: ts,
	}

	result, err := tl.Ingest(context.Background(), reading)
	require.NoError(t, err)
	assert.Equal(t, Stored, result)
	assert.NotEmpty(t, reading.ReadingID)
	assert.NoError(t, mock.ExpectationsWereMet())

	cached, err := mr.Get("gluco:last-reading:owner-1")
	require.NoError(t, err)
	assert.Equal(t, ts.Format(time.RFC3339), cached)
}

func TestIngest_DuplicateDropped(t *testing.T) {
	tl, mock, _ := newTestTimeline(t)

	ts := time.Now()
	mock.ExpectQuery("FROM glucose_readings").
		WillReturnRows(sqlmock.NewRows(readingColumns()).
			AddRow("r-1", "owner-1", 121, "stable", "dexcom_share", ts.Add(-time.Minute), nil, ts))

	reading := &models.Reading{
		OwnerID:   "owner-1",
		Value:     120,
		Trend:     models.TrendStable,
		Source:    models.SourceDexcomShare,
		Timestamp: ts,
	}

	result, err := tl.Ingest(context.Background(), reading)
	require.NoError(t, err)
	assert.Equal(t, DuplicateDropped, result)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIngest_OAuthRetagsShareDuplicate(t *testing.T) {
	tl, mock, _ := newTestTimeline(t)

	ts := time.Now()
	mock.ExpectQuery("FROM glucose_readings").
		WillReturnRows(sqlmock.NewRows(readingColumns()).
			AddRow("r-1", "owner-1", 140, "stable", "dexcom_share", ts.Add(-30*time.Second), nil, ts))
	mock.ExpectExec("UPDATE glucose_readings").
		WillReturnResult(sqlmock.NewResult(0, 1))

	reading := &models.Reading{
		OwnerID:   "owner-1",
		Value:     140,
		Trend:     models.TrendStable,
		Source:    models.SourceDexcomOAuth,
		Timestamp: ts,
	}

	result, err := tl.Ingest(context.Background(), reading)
	require.NoError(t, err)
	assert.Equal(t, Superseded, result)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIngest_ShareLosesConflictToOAuth(t *testing.T) {
	tl, mock, _ := newTestTimeline(t)

	ts := time.Now()
	// 值不匹配，去重桶未命中
	mock.ExpectQuery("FROM glucose_readings").
		WillReturnRows(sqlmock.NewRows(readingColumns()))
	// 时间重叠查询命中 OAuth 读数
	mock.ExpectQuery("FROM glucose_readings").
		WillReturnRows(sqlmock.NewRows(readingColumns()).
			AddRow("r-1", "owner-1", 155, "stable", "dexcom_oauth", ts.Add(-time.Minute), nil, ts))

	reading := &models.Reading{
		OwnerID:   "owner-1",
		Value:     130,
		Trend:     models.TrendStable,
		Source:    models.SourceDexcomShare,
		Timestamp: ts,
	}

	result, err := tl.Ingest(context.Background(), reading)
	require.NoError(t, err)
	assert.Equal(t, DuplicateDropped, result)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIngest_OAuthOverwritesConflictingShare(t *testing.T) {
	tl, mock, _ := newTestTimeline(t)

	ts := time.Now()
	mock.ExpectQuery("FROM glucose_readings").
		WillReturnRows(sqlmock.NewRows(readingColumns()))
	mock.ExpectQuery("FROM glucose_readings").
		WillReturnRows(sqlmock.NewRows(readingColumns()).
			AddRow("r-1", "owner-1", 130, "stable", "dexcom_share", ts.Add(-time.Minute), nil, ts))
	mock.ExpectExec("UPDATE glucose_readings").
		WillReturnResult(sqlmock.NewResult(0, 1))

	reading := &models.Reading{
		OwnerID:   "owner-1",
		Value:     155,
		Trend:     models.TrendFalling,
		Source:    models.SourceDexcomOAuth,
		Timestamp: ts,
	}

	result, err := tl.Ingest(context.Background(), reading)
	require.NoError(t, err)
	assert.Equal(t, Superseded, result)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIngest_RejectsOutOfRangeValue(t *testing.T) {
	tl, _, _ := newTestTimeline(t)

	reading := &models.Reading{
		OwnerID:   "owner-1",
		Value:     700,
		Trend:     models.TrendStable,
		Source:    models.SourceManual,
		Timestamp: time.Now(),
	}

	_, err := tl.Ingest(context.Background(), reading)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestIngest_RejectsInvalidTrend(t *testing.T) {
	tl, _, _ := newTestTimeline(t)

	reading := &models.Reading{
		OwnerID:   "owner-1",
		Value:     120,
		Trend:     models.Trend("sideways"),
		Source:    models.SourceManual,
		Timestamp: time.Now(),
	}

	_, err := tl.Ingest(context.Background(), reading)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestComputeStats(t *testing.T) {
	settings := models.DefaultAlertSettings()
	now := time.Now()

	values := []int{65, 62, 100, 190, 195, 150, 60}
	readings := make([]*models.Reading, 0, len(values))
	for i, v := range values {
		readings = append(readings, &models.Reading{
			Value:     v,
			Timestamp: now.Add(time.Duration(i*5) * time.Minute),
		})
	}

	stats := ComputeStats(readings, &settings, now, now.Add(time.Hour))

	assert.Equal(t, 7, stats.ReadingCount)
	assert.InDelta(t, 117.43, stats.AverageGlucose, 0.01)
	assert.Equal(t, 2, stats.LowEvents)
	assert.Equal(t, 1, stats.HighEvents)
	assert.InDelta(t, 2.0/7.0*100, stats.TimeInRange, 0.01)
	assert.InDelta(t, 3.0/7.0*100, stats.TimeBelowRange, 0.01)
	assert.InDelta(t, 2.0/7.0*100, stats.TimeAboveRange, 0.01)
}

func TestComputeStats_Empty(t *testing.T) {
	settings := models.DefaultAlertSettings()
	now := time.Now()

	stats := ComputeStats(nil, &settings, now, now.Add(time.Hour))

	assert.Equal(t, 0, stats.ReadingCount)
	assert.Zero(t, stats.AverageGlucose)
	assert.Zero(t, stats.TimeInRange)
}
