package models

import (
	"time"
)

// AccountRole 账户角色
type AccountRole string

const (
	RolePrimary AccountRole = "primary"
	RoleMember  AccountRole = "member"
)

// 阈值取值范围（mg/dL）与延迟范围（分钟）
const (
	MinLowThreshold   = 40
	MaxHighThreshold  = 400
	MaxHighAlertDelay = 120

	DefaultLowThreshold  = 70
	DefaultHighThreshold = 180
)

// AlertSettings 账户报警设置
type AlertSettings struct {
	LowThreshold          int `json:"low_threshold" db:"low_threshold"`
	HighThreshold         int `json:"high_threshold" db:"high_threshold"`
	HighAlertDelayMinutes int `json:"high_alert_delay_minutes" db:"high_alert_delay_minutes"`
}

// DefaultAlertSettings 默认设置：低 70、高 180、高血糖无延迟
func DefaultAlertSettings() AlertSettings {
	return AlertSettings{
		LowThreshold:          DefaultLowThreshold,
		HighThreshold:         DefaultHighThreshold,
		HighAlertDelayMinutes: 0,
	}
}

// Validate 校验阈值约束：40 ≤ low < high ≤ 400，0 ≤ delay ≤ 120
func (s AlertSettings) Validate() error {
	if s.LowThreshold < MinLowThreshold {
		return ValidationErrorf("low threshold %d below minimum %d", s.LowThreshold, MinLowThreshold)
	}
	if s.HighThreshold > MaxHighThreshold {
		return ValidationErrorf("high threshold %d above maximum %d", s.HighThreshold, MaxHighThreshold)
	}
	if s.LowThreshold >= s.HighThreshold {
		return ValidationErrorf("low threshold %d must be below high threshold %d", s.LowThreshold, s.HighThreshold)
	}
	if s.HighAlertDelayMinutes < 0 || s.HighAlertDelayMinutes > MaxHighAlertDelay {
		return ValidationErrorf("high alert delay %d out of range [0, %d]", s.HighAlertDelayMinutes, MaxHighAlertDelay)
	}
	return nil
}

// NotificationPreferences 按通知类别的开关
type NotificationPreferences struct {
	LowAlerts       bool `json:"low_alerts" db:"pref_low_alerts"`
	HighAlerts      bool `json:"high_alerts" db:"pref_high_alerts"`
	Acknowledgments bool `json:"acknowledgments" db:"pref_acknowledgments"`
	AlertResolved   bool `json:"alert_resolved" db:"pref_alert_resolved"`
}

// Account 账户（对应 accounts 表）
// member 角色可关联一个 primary 账户；Paused 只抑制通知，不抑制报警创建
type Account struct {
	AccountID   string                  `json:"account_id" db:"account_id"`
	Role        AccountRole             `json:"role" db:"role"`
	Nickname    string                  `json:"nickname" db:"nickname"`
	PrimaryID   *string                 `json:"primary_id,omitempty" db:"primary_id"`
	Paused      bool                    `json:"paused" db:"paused"`
	Settings    AlertSettings           `json:"settings"`
	Preferences NotificationPreferences `json:"preferences"`
	CreatedAt   time.Time               `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time               `json:"updated_at" db:"updated_at"`
}
