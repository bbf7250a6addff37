package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gluco-circle/internal/config"
	"gluco-circle/internal/evaluator"
	"gluco-circle/internal/models"
	"gluco-circle/internal/notifier"
	"gluco-circle/internal/repository"
	"gluco-circle/internal/timeline"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// 评估高血糖延迟需要的历史深度：两小时足够覆盖 120 分钟的最大延迟
const recentHistoryDepth = 24

// AlertService 报警生命周期服务
// 读数落账后评估、开报警/就地升级、确认、解除都经这里；
// 通知分发对状态转移是 fire-and-forget
type AlertService struct {
	config      *config.Config
	alerts      *repository.AlertsRepository
	accounts    *repository.AccountsRepository
	memberships *repository.MembershipsRepository
	timeline    *timeline.Timeline
	evaluator   *evaluator.Evaluator
	dispatcher  *notifier.Dispatcher
	redisClient *redis.Client
	logger      *zap.Logger
}

// NewAlertService 创建报警服务
func NewAlertService(
	cfg *config.Config,
	alerts *repository.AlertsRepository,
	accounts *repository.AccountsRepository,
	memberships *repository.MembershipsRepository,
	tl *timeline.Timeline,
	ev *evaluator.Evaluator,
	dispatcher *notifier.Dispatcher,
	redisClient *redis.Client,
	logger *zap.Logger,
) *AlertService {
	return &AlertService{
		config:      cfg,
		alerts:      alerts,
		accounts:    accounts,
		memberships: memberships,
		timeline:    tl,
		evaluator:   ev,
		dispatcher:  dispatcher,
		redisClient: redisClient,
		logger:      logger,
	}
}

// SubmitManualReading 手动录入读数并立即评估
// 只有 primary 账户本人可以录入自己的读数
func (s *AlertService) SubmitManualReading(ctx context.Context, actorID, ownerID string, value int, trend models.Trend, notes string) (*models.Reading, error) {
	if actorID != ownerID {
		return nil, models.ErrNotAuthorized
	}

	owner, err := s.accounts.GetAccount(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if owner.Role != models.RolePrimary {
		return nil, fmt.Errorf("%w: only primary accounts have a glucose timeline", models.ErrNotAuthorized)
	}

	reading, err := s.timeline.AddManual(ctx, ownerID, value, trend, notes)
	if err != nil {
		return nil, err
	}

	if err := s.ProcessReading(ctx, reading); err != nil {
		// 读数已落账，评估失败单独上报
		s.logger.Error("Failed to evaluate manual reading",
			zap.String("owner_id", ownerID),
			zap.Error(err),
		)
	}

	return reading, nil
}

// ProcessReading 对一条已落账读数跑完整评估流程
func (s *AlertService) ProcessReading(ctx context.Context, reading *models.Reading) error {
	contexts, err := s.buildContexts(ctx, reading.OwnerID)
	if err != nil {
		return err
	}

	recent, err := s.timeline.Recent(ctx, reading.OwnerID, recentHistoryDepth)
	if err != nil {
		return err
	}
	// 历史里剔除当前读数本身
	filtered := recent[:0]
	for _, r := range recent {
		if r.ReadingID != reading.ReadingID {
			filtered = append(filtered, r)
		}
	}

	verdicts := s.evaluator.Evaluate(reading, contexts, filtered)

	if err := s.resolveRecovered(ctx, reading, contexts, verdicts); err != nil {
		return err
	}

	for _, verdict := range verdicts {
		if err := s.openOrEscalate(ctx, reading.OwnerID, verdict, reading.Value); err != nil {
			return err
		}
	}

	return nil
}

// RaiseNoData 无数据巡检触发 no_data 报警（SyncService 调用）
func (s *AlertService) RaiseNoData(ctx context.Context, ownerID string) error {
	return s.openOrEscalate(ctx, ownerID, evaluator.Verdict{
		Type:     models.AlertTypeNoData,
		Severity: models.SeverityWarning,
	}, 0)
}

// buildContexts 组装评估上下文：owner 设置 + 各接收报警的 active 成员设置
func (s *AlertService) buildContexts(ctx context.Context, ownerID string) ([]evaluator.EvaluationContext, error) {
	owner, err := s.accounts.GetAccount(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	contexts := []evaluator.EvaluationContext{{
		AccountID: ownerID,
		Settings:  owner.Settings,
	}}

	members, err := s.memberships.ListActiveMembers(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	for _, m := range members {
		if !m.ReceiveLowAlerts && !m.ReceiveHighAlerts {
			continue
		}
		account, err := s.accounts.GetAccount(ctx, m.MemberID)
		if err != nil {
			s.logger.Warn("Skipping member context after account lookup failure",
				zap.String("member_id", m.MemberID),
				zap.Error(err),
			)
			continue
		}
		contexts = append(contexts, evaluator.EvaluationContext{
			AccountID: m.MemberID,
			Settings:  account.Settings,
		})
	}

	return contexts, nil
}

// resolveRecovered 释放已恢复槽位的去重占位
// 血糖重新回到所有上下文的阈值区间内时，自动解除该槽位的未终结报警；
// 新读数到达本身即是 no_data 槽位的恢复信号
func (s *AlertService) resolveRecovered(ctx context.Context, reading *models.Reading, contexts []evaluator.EvaluationContext, verdicts []evaluator.Verdict) error {
	fired := map[models.AlertType]bool{}
	for _, v := range verdicts {
		fired[v.Type.CanonicalType()] = true
	}

	lowClear, highClear := true, true
	for _, c := range contexts {
		if reading.Value < c.Settings.LowThreshold {
			lowClear = false
		}
		if reading.Value > c.Settings.HighThreshold {
			highClear = false
		}
	}

	slots := []models.AlertType{models.AlertTypeNoData}
	if lowClear {
		slots = append(slots, models.AlertTypeLow)
	}
	if highClear {
		slots = append(slots, models.AlertTypeHigh)
	}
	if !fired[models.AlertTypeRapidDrop] {
		slots = append(slots, models.AlertTypeRapidDrop)
	}
	if !fired[models.AlertTypeRapidRise] {
		slots = append(slots, models.AlertTypeRapidRise)
	}

	resolved, err := s.alerts.ResolveRecovered(ctx, reading.OwnerID, slots, time.Now())
	if err != nil {
		return err
	}
	if len(resolved) == 0 {
		return nil
	}

	s.invalidateAlertCache(ctx, reading.OwnerID)
	for _, alert := range resolved {
		s.logger.Info("Alert auto-resolved after recovery",
			zap.String("alert_id", alert.AlertID),
			zap.String("owner_id", reading.OwnerID),
			zap.String("alert_type", string(alert.Type)),
		)
		s.dispatchAsync(&models.NotificationEvent{
			OwnerID:      reading.OwnerID,
			AlertID:      alert.AlertID,
			AlertType:    alert.Type,
			AlertStatus:  models.AlertStatusResolved,
			Severity:     alert.Severity,
			Category:     models.NotifyAlertResolved,
			GlucoseValue: reading.Value,
		})
	}

	return nil
}

// openOrEscalate 开新报警，同槽位已有未终结报警时按级别决定就地升级或抑制
func (s *AlertService) openOrEscalate(ctx context.Context, ownerID string, verdict evaluator.Verdict, glucoseValue int) error {
	alert := evaluator.BuildAlert(ownerID, verdict, glucoseValue)

	err := s.alerts.CreateAlert(ctx, alert)
	if err == nil {
		s.invalidateAlertCache(ctx, ownerID)
		s.dispatchAsync(&models.NotificationEvent{
			OwnerID:      ownerID,
			AlertID:      alert.AlertID,
			AlertType:    alert.Type,
			AlertStatus:  alert.Status,
			Severity:     alert.Severity,
			Category:     models.CategoryForAlertType(alert.Type),
			GlucoseValue: glucoseValue,
		})
		return nil
	}

	if !errors.Is(err, models.ErrDuplicateActive) {
		return err
	}

	existing, err := s.alerts.GetOpenAlertByType(ctx, ownerID, verdict.Type.CanonicalType())
	if err != nil {
		return err
	}
	if existing == nil {
		// 与并发 resolve 撞线，这一轮放弃，下一条读数会重新评估
		return nil
	}

	if verdict.Severity.Rank() <= existing.Severity.Rank() {
		// 同类型抑制
		return nil
	}

	// 就地升级：active/acknowledged 状态不变，类型和级别上调
	if err := s.alerts.Escalate(ctx, existing.AlertID, verdict.Type, verdict.Severity, glucoseValue); err != nil {
		if errors.Is(err, models.ErrAlreadyResolved) {
			return nil
		}
		return err
	}

	s.logger.Info("Alert escalated in place",
		zap.String("alert_id", existing.AlertID),
		zap.String("owner_id", ownerID),
		zap.String("from_type", string(existing.Type)),
		zap.String("to_type", string(verdict.Type)),
	)

	s.invalidateAlertCache(ctx, ownerID)
	s.dispatchAsync(&models.NotificationEvent{
		OwnerID:      ownerID,
		AlertID:      existing.AlertID,
		AlertType:    verdict.Type,
		AlertStatus:  existing.Status,
		Severity:     verdict.Severity,
		Category:     models.CategoryForAlertType(verdict.Type),
		GlucoseValue: glucoseValue,
	})

	return nil
}

// Acknowledge 成员确认报警
// 活跃成员或 owner 本人可确认；每个账户对同一报警至多一条确认
func (s *AlertService) Acknowledge(ctx context.Context, alertID, actorID string, message *string) (*models.Alert, error) {
	if message != nil {
		if err := models.ValidateAcknowledgmentMessage(*message); err != nil {
			return nil, err
		}
	}

	alert, err := s.alerts.GetAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}

	if actorID != alert.OwnerID {
		isMember, err := s.memberships.IsActiveMember(ctx, alert.OwnerID, actorID)
		if err != nil {
			return nil, err
		}
		if !isMember {
			return nil, models.ErrNotAuthorized
		}
	}

	updated, err := s.alerts.Acknowledge(ctx, alertID, actorID, message, time.Now())
	if err != nil {
		return nil, err
	}

	actor, err := s.accounts.GetAccount(ctx, actorID)
	actorName := actorID
	if err == nil {
		actorName = actor.Nickname
	}

	var msg string
	if message != nil {
		msg = *message
	}

	s.invalidateAlertCache(ctx, alert.OwnerID)
	s.dispatchAsync(&models.NotificationEvent{
		OwnerID:      alert.OwnerID,
		AlertID:      alertID,
		AlertType:    updated.Type,
		AlertStatus:  updated.Status,
		Severity:     updated.Severity,
		Category:     models.NotifyAcknowledged,
		GlucoseValue: updated.GlucoseValue,
		ActorID:      actorID,
		ActorName:    actorName,
		Message:      msg,
	})

	return updated, nil
}

// Resolve 解除报警
// 只有 owner 本人可解除；已终结的报警返回 AlreadyResolved
func (s *AlertService) Resolve(ctx context.Context, alertID, actorID string) (*models.Alert, error) {
	alert, err := s.alerts.GetAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if actorID != alert.OwnerID {
		return nil, models.ErrNotAuthorized
	}

	updated, err := s.alerts.Resolve(ctx, alertID, time.Now())
	if err != nil {
		return nil, err
	}

	s.invalidateAlertCache(ctx, alert.OwnerID)
	s.dispatchAsync(&models.NotificationEvent{
		OwnerID:      alert.OwnerID,
		AlertID:      alertID,
		AlertType:    updated.Type,
		AlertStatus:  updated.Status,
		Severity:     updated.Severity,
		Category:     models.NotifyAlertResolved,
		GlucoseValue: updated.GlucoseValue,
		ActorID:      actorID,
	})

	return updated, nil
}

// GetAlert 查询单条报警（含确认列表）
// 调用方负责可见性校验
func (s *AlertService) GetAlert(ctx context.Context, alertID string) (*models.Alert, error) {
	return s.alerts.GetAlert(ctx, alertID)
}

// defaultAlertPageSize 报警列表默认页大小，与仓库层的回落值一致
const defaultAlertPageSize = 20

// ListAlerts 查询报警列表，优先读缓存
func (s *AlertService) ListAlerts(ctx context.Context, ownerID string, statuses []models.AlertStatus, page, size int) ([]*models.Alert, int, error) {
	// 缓存键不区分分页参数，只有无过滤、默认页大小的第一页走缓存
	cacheable := len(statuses) == 0 && page == 1 && (size <= 0 || size == defaultAlertPageSize)

	if cacheable {
		if alerts, total, ok := s.readAlertCache(ctx, ownerID); ok {
			return alerts, total, nil
		}
	}

	alerts, total, err := s.alerts.ListAlerts(ctx, ownerID, statuses, page, size)
	if err != nil {
		return nil, 0, err
	}

	if cacheable {
		s.writeAlertCache(ctx, ownerID, alerts, total)
	}

	return alerts, total, nil
}

// CanViewTimeline 判定 actor 是否可见 owner 的血糖数据
func (s *AlertService) CanViewTimeline(ctx context.Context, ownerID, actorID string) (bool, error) {
	if ownerID == actorID {
		return true, nil
	}
	m, err := s.memberships.GetMembership(ctx, ownerID, actorID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return m.Status == models.MembershipActive && m.ViewGlucose, nil
}

func (s *AlertService) alertCacheKey(ownerID string) string {
	return s.config.Alarm.Cache.AlertKeyPrefix + ownerID + s.config.Alarm.Cache.AlertSuffix
}

type cachedAlertPage struct {
	Alerts []*models.Alert `json:"alerts"`
	Total  int             `json:"total"`
}

func (s *AlertService) readAlertCache(ctx context.Context, ownerID string) ([]*models.Alert, int, bool) {
	raw, err := s.redisClient.Get(ctx, s.alertCacheKey(ownerID)).Result()
	if err != nil {
		return nil, 0, false
	}
	var page cachedAlertPage
	if err := json.Unmarshal([]byte(raw), &page); err != nil {
		return nil, 0, false
	}
	return page.Alerts, page.Total, true
}

func (s *AlertService) writeAlertCache(ctx context.Context, ownerID string, alerts []*models.Alert, total int) {
	raw, err := json.Marshal(cachedAlertPage{Alerts: alerts, Total: total})
	if err != nil {
		return
	}
	ttl := time.Duration(s.config.Alarm.Cache.AlertTTL) * time.Second
	if err := s.redisClient.Set(ctx, s.alertCacheKey(ownerID), raw, ttl).Err(); err != nil {
		s.logger.Warn("Failed to write alert cache",
			zap.String("owner_id", ownerID),
			zap.Error(err),
		)
	}
}

func (s *AlertService) invalidateAlertCache(ctx context.Context, ownerID string) {
	if err := s.redisClient.Del(ctx, s.alertCacheKey(ownerID)).Err(); err != nil {
		s.logger.Warn("Failed to invalidate alert cache",
			zap.String("owner_id", ownerID),
			zap.Error(err),
		)
	}
}

// dispatchAsync 通知分发不阻塞状态转移
func (s *AlertService) dispatchAsync(event *models.NotificationEvent) {
	go s.dispatcher.Dispatch(context.Background(), event)
}
