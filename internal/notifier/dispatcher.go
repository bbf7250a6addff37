package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gluco-circle/internal/config"
	"gluco-circle/internal/models"
	"gluco-circle/internal/mqtt"
	"gluco-circle/internal/redisx"
	"gluco-circle/internal/repository"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Dispatcher 通知分发器
// 按成员权限和偏好扇出状态机事件；投递是尽力而为，失败只记日志，
// 绝不回滚触发它的状态转移
type Dispatcher struct {
	config      *config.Config
	memberships *repository.MembershipsRepository
	accounts    *repository.AccountsRepository
	redisClient *redis.Client
	mqttClient  *mqtt.Client // 未配置 broker 时为 nil
	logger      *zap.Logger
}

// NewDispatcher 创建分发器
func NewDispatcher(
	cfg *config.Config,
	memberships *repository.MembershipsRepository,
	accounts *repository.AccountsRepository,
	redisClient *redis.Client,
	mqttClient *mqtt.Client,
	logger *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		config:      cfg,
		memberships: memberships,
		accounts:    accounts,
		redisClient: redisClient,
		mqttClient:  mqttClient,
		logger:      logger,
	}
}

// Dispatch 把事件扇出到报警所有者的关爱圈
// 收件人 = 所有者 + 所有 active 成员，事件发起者本人除外
func (d *Dispatcher) Dispatch(ctx context.Context, event *models.NotificationEvent) {
	if event == nil {
		return
	}
	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	recipients, err := d.resolveRecipients(ctx, event)
	if err != nil {
		d.logger.Error("Failed to resolve notification recipients",
			zap.String("event_id", event.EventID),
			zap.String("alert_id", event.AlertID),
			zap.Error(err),
		)
		return
	}

	delivered := 0
	for _, recipientID := range recipients {
		if d.deliver(ctx, recipientID, event) {
			delivered++
		}
	}

	d.logger.Info("Notification dispatched",
		zap.String("event_id", event.EventID),
		zap.String("alert_id", event.AlertID),
		zap.String("category", string(event.Category)),
		zap.Int("recipients", len(recipients)),
		zap.Int("delivered", delivered),
	)
}

// resolveRecipients 按权限和偏好过滤出实际收件人
func (d *Dispatcher) resolveRecipients(ctx context.Context, event *models.NotificationEvent) ([]string, error) {
	members, err := d.memberships.ListActiveMembers(ctx, event.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list circle members: %w", err)
	}

	recipients := make([]string, 0, len(members)+1)

	// 所有者收到自己名下的全部事件（自己发起的确认/解除除外）
	if event.ActorID != event.OwnerID {
		recipients = append(recipients, event.OwnerID)
	}

	for _, m := range members {
		if m.MemberID == event.ActorID {
			continue
		}

		allowed, err := d.memberAllowed(ctx, m, event)
		if err != nil {
			d.logger.Warn("Skipping recipient after lookup failure",
				zap.String("member_id", m.MemberID),
				zap.Error(err),
			)
			continue
		}
		if allowed {
			recipients = append(recipients, m.MemberID)
		}
	}

	return recipients, nil
}

// memberAllowed 判定单个成员是否应收到该事件
// 暂停只抑制报警类通知；确认/解除回执不受暂停影响，只看偏好开关
func (d *Dispatcher) memberAllowed(ctx context.Context, m *models.CircleMembership, event *models.NotificationEvent) (bool, error) {
	account, err := d.accounts.GetAccount(ctx, m.MemberID)
	if err != nil {
		return false, err
	}

	switch event.Category {
	case models.NotifyLowAlert:
		return m.ReceiveLowAlerts && !account.Paused && account.Preferences.LowAlerts, nil
	case models.NotifyHighAlert:
		return m.ReceiveHighAlerts && !account.Paused && account.Preferences.HighAlerts, nil
	case models.NotifyRapidChange, models.NotifyNoData:
		// 速变和断流没有独立权限位，持有任一报警权限即可收到
		return (m.ReceiveLowAlerts || m.ReceiveHighAlerts) && !account.Paused, nil
	case models.NotifyAcknowledged:
		return account.Preferences.Acknowledgments, nil
	case models.NotifyAlertResolved:
		return account.Preferences.AlertResolved, nil
	}

	return false, nil
}

// deliver 向单个收件人投递：Redis Stream 落账 + MQTT 主题推送
func (d *Dispatcher) deliver(ctx context.Context, recipientID string, event *models.NotificationEvent) bool {
	envelope := struct {
		RecipientID string `json:"recipient_id"`
		*models.NotificationEvent
	}{
		RecipientID:       recipientID,
		NotificationEvent: event,
	}

	ok := true

	if _, err := redisx.PublishJSONToStream(ctx, d.redisClient, d.config.Alarm.NotifyStream, envelope); err != nil {
		d.logger.Error("Failed to publish notification to stream",
			zap.String("event_id", event.EventID),
			zap.String("recipient_id", recipientID),
			zap.Error(err),
		)
		ok = false
	}

	if d.mqttClient != nil {
		payload, err := json.Marshal(envelope)
		if err == nil {
			topic := d.config.Alarm.NotifyTopic + "/" + recipientID
			if err := d.mqttClient.Publish(topic, d.config.MQTT.QoS, false, payload); err != nil {
				d.logger.Error("Failed to publish notification to MQTT",
					zap.String("event_id", event.EventID),
					zap.String("topic", topic),
					zap.Error(err),
				)
				ok = false
			}
		}
	}

	return ok
}
