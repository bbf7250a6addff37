package models

import (
	"time"
)

// AlertType 报警类型
type AlertType string

const (
	AlertTypeLow        AlertType = "low"
	AlertTypeHigh       AlertType = "high"
	AlertTypeUrgentLow  AlertType = "urgent_low"
	AlertTypeUrgentHigh AlertType = "urgent_high"
	AlertTypeRapidDrop  AlertType = "rapid_drop"
	AlertTypeRapidRise  AlertType = "rapid_rise"
	AlertTypeNoData     AlertType = "no_data"
)

// AlertSeverity 报警级别
type AlertSeverity string

const (
	SeverityWarning  AlertSeverity = "warning"
	SeverityUrgent   AlertSeverity = "urgent"
	SeverityCritical AlertSeverity = "critical"
)

// Rank 报警级别排序（用于升级判断：数值越大越严重）
func (s AlertSeverity) Rank() int {
	switch s {
	case SeverityWarning:
		return 1
	case SeverityUrgent:
		return 2
	case SeverityCritical:
		return 3
	}
	return 0
}

// AlertStatus 报警状态
// 状态只能前进：active → acknowledged → resolved，或 active → resolved
type AlertStatus string

const (
	AlertStatusActive       AlertStatus = "active"
	AlertStatusAcknowledged AlertStatus = "acknowledged"
	AlertStatusResolved     AlertStatus = "resolved"
)

// CanonicalType 去重用的规范类型
// low/urgent_low 共享一个去重槽位，high/urgent_high 同理：
// 同一槽位内级别上升时在原报警上就地升级，而不是开第二条
func (t AlertType) CanonicalType() AlertType {
	switch t {
	case AlertTypeUrgentLow:
		return AlertTypeLow
	case AlertTypeUrgentHigh:
		return AlertTypeHigh
	}
	return t
}

// MaxAcknowledgmentMessageLen 确认留言最大长度
const MaxAcknowledgmentMessageLen = 200

// Alert 报警聚合（对应 alerts 表）
// 历史记录永不删除；acknowledgments 只追加、且每个账户至多一条
type Alert struct {
	AlertID         string           `json:"alert_id" db:"alert_id"`
	OwnerID         string           `json:"owner_id" db:"owner_id"`
	Type            AlertType        `json:"alert_type" db:"alert_type"`
	Severity        AlertSeverity    `json:"severity" db:"severity"`
	GlucoseValue    int              `json:"glucose_value" db:"glucose_value"`
	Status          AlertStatus      `json:"alert_status" db:"alert_status"`
	CreatedAt       time.Time        `json:"created_at" db:"created_at"`
	ResolvedAt      *time.Time       `json:"resolved_at,omitempty" db:"resolved_at"`
	UpdatedAt       time.Time        `json:"updated_at" db:"updated_at"`
	Acknowledgments []Acknowledgment `json:"acknowledgments"`
}

// Acknowledgment 成员确认记录（对应 alert_acknowledgments 表，追加后不可修改）
type Acknowledgment struct {
	AlertID        string    `json:"alert_id" db:"alert_id"`
	UserID         string    `json:"user_id" db:"user_id"`
	Message        *string   `json:"message,omitempty" db:"message"`
	AcknowledgedAt time.Time `json:"acknowledged_at" db:"acknowledged_at"`
}

// ValidateAcknowledgmentMessage 校验确认留言长度
func ValidateAcknowledgmentMessage(message string) error {
	if len([]rune(message)) > MaxAcknowledgmentMessageLen {
		return ValidationErrorf("acknowledgment message exceeds %d characters", MaxAcknowledgmentMessageLen)
	}
	return nil
}
