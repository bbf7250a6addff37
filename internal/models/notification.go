package models

import (
	"time"
)

// NotificationCategory 通知类别（对应成员的偏好开关）
type NotificationCategory string

const (
	NotifyLowAlert      NotificationCategory = "low_alert"
	NotifyHighAlert     NotificationCategory = "high_alert"
	NotifyRapidChange   NotificationCategory = "rapid_change"
	NotifyNoData        NotificationCategory = "no_data"
	NotifyAcknowledged  NotificationCategory = "acknowledged"
	NotifyAlertResolved NotificationCategory = "alert_resolved"
)

// CategoryForAlertType 报警类型对应的通知类别
func CategoryForAlertType(t AlertType) NotificationCategory {
	switch t {
	case AlertTypeLow, AlertTypeUrgentLow:
		return NotifyLowAlert
	case AlertTypeHigh, AlertTypeUrgentHigh:
		return NotifyHighAlert
	case AlertTypeRapidDrop, AlertTypeRapidRise:
		return NotifyRapidChange
	case AlertTypeNoData:
		return NotifyNoData
	}
	return NotifyHighAlert
}

// NotificationEvent 状态机转移产生的逻辑通知事件
// 投递由外部协作方负责；引擎只负责按偏好/权限扇出
type NotificationEvent struct {
	EventID      string               `json:"event_id"`
	OwnerID      string               `json:"owner_id"`
	AlertID      string               `json:"alert_id"`
	AlertType    AlertType            `json:"alert_type"`
	AlertStatus  AlertStatus          `json:"alert_status"`
	Severity     AlertSeverity        `json:"severity"`
	Category     NotificationCategory `json:"category"`
	GlucoseValue int                  `json:"glucose_value"`
	ActorID      string               `json:"actor_id,omitempty"`   // 确认/解除操作的发起账户
	ActorName    string               `json:"actor_name,omitempty"` // 发起账户昵称
	Message      string               `json:"message,omitempty"`    // 确认留言
	CreatedAt    time.Time            `json:"created_at"`
}
