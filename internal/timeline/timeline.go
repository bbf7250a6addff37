package timeline

import (
	"context"
	"fmt"
	"time"

	"gluco-circle/internal/config"
	"gluco-circle/internal/models"
	"gluco-circle/internal/repository"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// 去重桶参数：同一 owner、时间差 2 分钟内、值差 5 mg/dL 内视为同一读数
const (
	DuplicateWindow = 2 * time.Minute
	ValueTolerance  = 5
)

// IngestResult 读数合并结果
type IngestResult int

const (
	// Stored 新读数已入库
	Stored IngestResult = iota
	// DuplicateDropped 命中去重桶，读数被丢弃
	DuplicateDropped
	// Superseded OAuth 源裁决获胜，覆盖了同桶的 Share 读数
	Superseded
)

// Timeline 血糖时间线
// 每个 primary 账户一条只追加的读数序列；两路 CGM 源和手动录入都经这里合并，
// 幂等：同一时间窗重复灌入不会产生重复读数
type Timeline struct {
	config      *config.Config
	readings    *repository.ReadingsRepository
	redisClient *redis.Client
	logger      *zap.Logger
}

// NewTimeline 创建时间线
func NewTimeline(
	cfg *config.Config,
	readings *repository.ReadingsRepository,
	redisClient *redis.Client,
	logger *zap.Logger,
) *Timeline {
	return &Timeline{
		config:      cfg,
		readings:    readings,
		redisClient: redisClient,
		logger:      logger,
	}
}

// Ingest 合并一条读数
// 冲突裁决：时间重叠、值不匹配时 OAuth 源获胜，Share 源被丢弃
func (t *Timeline) Ingest(ctx context.Context, reading *models.Reading) (IngestResult, error) {
	if reading == nil {
		return DuplicateDropped, fmt.Errorf("reading is required")
	}
	if err := models.ValidateReadingValue(reading.Value); err != nil {
		return DuplicateDropped, err
	}
	if !reading.Trend.Valid() {
		return DuplicateDropped, models.ValidationErrorf("invalid trend: %s", reading.Trend)
	}
	if reading.Timestamp.IsZero() {
		return DuplicateDropped, models.ValidationErrorf("timestamp is required")
	}

	// 值匹配的去重桶命中
	existing, err := t.readings.FindBucket(ctx, reading.OwnerID, reading.Timestamp,
		reading.Value, DuplicateWindow, ValueTolerance)
	if err != nil {
		return DuplicateDropped, err
	}
	if existing != nil {
		// 同值读数：Share 行被 OAuth 重新标记，其余一律丢弃
		if reading.Source == models.SourceDexcomOAuth && existing.Source == models.SourceDexcomShare {
			if err := t.readings.SupersedeReading(ctx, existing.ReadingID,
				reading.Value, reading.Trend, reading.Source, reading.Timestamp); err != nil {
				return DuplicateDropped, err
			}
			t.touchLastReading(ctx, reading.OwnerID, reading.Timestamp)
			return Superseded, nil
		}
		return DuplicateDropped, nil
	}

	// 跨源冲突裁决（时间重叠、值不匹配）
	if reading.Source == models.SourceDexcomShare || reading.Source == models.SourceDexcomOAuth {
		conflict, err := t.readings.FindOverlapping(ctx, reading.OwnerID, reading.Timestamp, DuplicateWindow)
		if err != nil {
			return DuplicateDropped, err
		}
		if conflict != nil {
			if reading.Source == models.SourceDexcomShare && conflict.Source == models.SourceDexcomOAuth {
				// OAuth 已占桶，Share 值丢弃
				return DuplicateDropped, nil
			}
			if reading.Source == models.SourceDexcomOAuth && conflict.Source == models.SourceDexcomShare {
				if err := t.readings.SupersedeReading(ctx, conflict.ReadingID,
					reading.Value, reading.Trend, reading.Source, reading.Timestamp); err != nil {
					return DuplicateDropped, err
				}
				t.touchLastReading(ctx, reading.OwnerID, reading.Timestamp)
				t.logger.Debug("Share reading superseded by OAuth value",
					zap.String("owner_id", reading.OwnerID),
					zap.String("reading_id", conflict.ReadingID),
				)
				return Superseded, nil
			}
		}
	}

	if reading.ReadingID == "" {
		reading.ReadingID = uuid.New().String()
	}
	if reading.CreatedAt.IsZero() {
		reading.CreatedAt = time.Now()
	}

	if err := t.readings.InsertReading(ctx, reading); err != nil {
		return DuplicateDropped, err
	}
	t.touchLastReading(ctx, reading.OwnerID, reading.Timestamp)

	return Stored, nil
}

// AddManual 手动录入读数
func (t *Timeline) AddManual(ctx context.Context, ownerID string, value int, trend models.Trend, notes string) (*models.Reading, error) {
	if err := models.ValidateReadingValue(value); err != nil {
		return nil, err
	}
	if trend == "" {
		trend = models.TrendStable
	}
	if !trend.Valid() {
		return nil, models.ValidationErrorf("invalid trend: %s", trend)
	}

	reading := &models.Reading{
		ReadingID: uuid.New().String(),
		OwnerID:   ownerID,
		Value:     value,
		Trend:     trend,
		Source:    models.SourceManual,
		Timestamp: time.Now(),
		CreatedAt: time.Now(),
	}
	if notes != "" {
		reading.Notes = &notes
	}

	result, err := t.Ingest(ctx, reading)
	if err != nil {
		return nil, err
	}
	if result == DuplicateDropped {
		// 手动读数撞上去重桶：按幂等处理，返回已存在的读数
		existing, err := t.readings.FindBucket(ctx, ownerID, reading.Timestamp,
			value, DuplicateWindow, ValueTolerance)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	return reading, nil
}

// Window 查询时间窗口内的读数
func (t *Timeline) Window(ctx context.Context, ownerID string, from, to time.Time) ([]*models.Reading, error) {
	return t.readings.ListReadings(ctx, ownerID, from, to)
}

// Recent 获取最近 N 条读数（降序）
func (t *Timeline) Recent(ctx context.Context, ownerID string, limit int) ([]*models.Reading, error) {
	return t.readings.LatestReadings(ctx, ownerID, limit)
}

// LastReadingAt 查询最近一次读数时间（no_data 巡检用）
// 优先读 Redis，缓存缺失时回源数据库
func (t *Timeline) LastReadingAt(ctx context.Context, ownerID string) (*time.Time, error) {
	key := t.config.Alarm.Cache.LastReadingPrefix + ownerID

	val, err := t.redisClient.Get(ctx, key).Result()
	if err == nil {
		if ts, parseErr := time.Parse(time.RFC3339, val); parseErr == nil {
			return &ts, nil
		}
	} else if err != redis.Nil {
		t.logger.Warn("Failed to read last-reading cache, falling back to database",
			zap.String("owner_id", ownerID),
			zap.Error(err),
		)
	}

	reading, err := t.readings.LatestReading(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if reading == nil {
		return nil, nil
	}
	return &reading.Timestamp, nil
}

// touchLastReading 刷新最近读数时间缓存
// 缓存失败只记日志：时间线写入是权威的，缓存是加速器
func (t *Timeline) touchLastReading(ctx context.Context, ownerID string, ts time.Time) {
	key := t.config.Alarm.Cache.LastReadingPrefix + ownerID

	err := t.redisClient.Set(ctx, key, ts.Format(time.RFC3339), 24*time.Hour).Err()
	if err != nil {
		t.logger.Warn("Failed to update last-reading cache",
			zap.String("owner_id", ownerID),
			zap.Error(err),
		)
	}
}
