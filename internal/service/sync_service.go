package service

import (
	"context"
	"errors"
	"time"

	"gluco-circle/internal/config"
	"gluco-circle/internal/evaluator"
	"gluco-circle/internal/feed"
	"gluco-circle/internal/models"
	"gluco-circle/internal/repository"
	"gluco-circle/internal/timeline"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// ErrSyncInProgress 同一连接的同步正在进行，本次调用直接返回
var ErrSyncInProgress = errors.New("sync already in progress")

// SyncService CGM 同步调度
// 定时拉取所有已连接数据源；同一连接的同步用 Redis SETNX 串行化，
// 不同账户的同步互不影响
type SyncService struct {
	config       *config.Config
	connections  *repository.ConnectionsRepository
	reconciler   *feed.Reconciler
	alertService *AlertService
	timeline     *timeline.Timeline
	redisClient  *redis.Client
	logger       *zap.Logger
}

// NewSyncService 创建同步服务
func NewSyncService(
	cfg *config.Config,
	connections *repository.ConnectionsRepository,
	reconciler *feed.Reconciler,
	alertService *AlertService,
	tl *timeline.Timeline,
	redisClient *redis.Client,
	logger *zap.Logger,
) *SyncService {
	return &SyncService{
		config:       cfg,
		connections:  connections,
		reconciler:   reconciler,
		alertService: alertService,
		timeline:     tl,
		redisClient:  redisClient,
		logger:       logger,
	}
}

// SyncNow 立刻同步一条连接（手动触发和定时任务共用）
func (s *SyncService) SyncNow(ctx context.Context, ownerID string, connType models.ConnectionType) (*feed.SyncReport, error) {
	conn, err := s.connections.GetConnection(ctx, ownerID, connType)
	if err != nil {
		return nil, err
	}
	if !conn.Connected {
		return nil, models.ErrReauthRequired
	}

	return s.syncLocked(ctx, conn)
}

// syncLocked 持锁执行同步
func (s *SyncService) syncLocked(ctx context.Context, conn *models.CGMConnection) (*feed.SyncReport, error) {
	lockKey := s.config.Alarm.Cache.SyncLockPrefix + conn.ConnectionID
	lockTTL := time.Duration(s.config.Alarm.Cache.SyncLockTTL) * time.Second

	acquired, err := s.redisClient.SetNX(ctx, lockKey, "1", lockTTL).Result()
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, ErrSyncInProgress
	}
	defer s.redisClient.Del(ctx, lockKey)

	report, err := s.reconciler.Sync(ctx, conn)
	if err != nil {
		return report, err
	}

	// 本轮灌入了新读数才需要重新评估
	if report.Stored > 0 || report.Superseded > 0 {
		latest, err := s.timeline.Recent(ctx, conn.OwnerID, 1)
		if err == nil && len(latest) > 0 {
			if evalErr := s.alertService.ProcessReading(ctx, latest[0]); evalErr != nil {
				s.logger.Error("Failed to evaluate synced readings",
					zap.String("owner_id", conn.OwnerID),
					zap.Error(evalErr),
				)
			}
		}
	}

	return report, nil
}

// Run 启动定时同步与无数据巡检，阻塞到 ctx 取消
func (s *SyncService) Run(ctx context.Context) {
	syncTicker := time.NewTicker(time.Duration(s.config.Dexcom.SyncIntervalSeconds) * time.Second)
	watchdogTicker := time.NewTicker(time.Duration(s.config.Alarm.WatchdogIntervalSeconds) * time.Second)
	defer syncTicker.Stop()
	defer watchdogTicker.Stop()

	s.logger.Info("Sync scheduler started",
		zap.Int("sync_interval_seconds", s.config.Dexcom.SyncIntervalSeconds),
		zap.Int("watchdog_interval_seconds", s.config.Alarm.WatchdogIntervalSeconds),
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Sync scheduler stopped")
			return
		case <-syncTicker.C:
			s.syncAll(ctx)
		case <-watchdogTicker.C:
			s.checkStaleness(ctx)
		}
	}
}

// syncAll 同步所有已连接数据源，每条连接独立 goroutine
func (s *SyncService) syncAll(ctx context.Context) {
	conns, err := s.connections.ListAllConnected(ctx)
	if err != nil {
		s.logger.Error("Failed to list connected feeds", zap.Error(err))
		return
	}

	for _, conn := range conns {
		go func(conn *models.CGMConnection) {
			_, err := s.syncLocked(ctx, conn)
			if err != nil && !errors.Is(err, ErrSyncInProgress) {
				s.logger.Warn("Scheduled sync failed",
					zap.String("owner_id", conn.OwnerID),
					zap.String("connection_type", string(conn.Type)),
					zap.Error(err),
				)
			}
		}(conn)
	}
}

// checkStaleness 无数据巡检
// 对每个有连接的 owner 检查最近读数时间，超窗触发 no_data 报警
func (s *SyncService) checkStaleness(ctx context.Context) {
	conns, err := s.connections.ListAllConnected(ctx)
	if err != nil {
		s.logger.Error("Failed to list connected feeds for staleness check", zap.Error(err))
		return
	}

	staleness := time.Duration(s.config.Alarm.StalenessWindowMinutes) * time.Minute
	now := time.Now()

	seen := map[string]bool{}
	for _, conn := range conns {
		if seen[conn.OwnerID] {
			continue
		}
		seen[conn.OwnerID] = true

		lastAt, err := s.timeline.LastReadingAt(ctx, conn.OwnerID)
		if err != nil {
			s.logger.Warn("Failed to resolve last reading time",
				zap.String("owner_id", conn.OwnerID),
				zap.Error(err),
			)
			continue
		}

		if verdict := evaluator.EvaluateNoData(lastAt, now, staleness); verdict != nil {
			if err := s.alertService.RaiseNoData(ctx, conn.OwnerID); err != nil {
				s.logger.Error("Failed to raise no-data alert",
					zap.String("owner_id", conn.OwnerID),
					zap.Error(err),
				)
			}
		}
	}
}
