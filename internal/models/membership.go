package models

import (
	"time"
)

// MembershipStatus 成员关系状态
type MembershipStatus string

const (
	MembershipPending MembershipStatus = "pending"
	MembershipActive  MembershipStatus = "active"
)

// CircleMembership 关爱圈成员关系（对应 circle_memberships 表）
// 通过邀请码创建，移除即刻撤销可见性；重新加入需要新邀请码
type CircleMembership struct {
	MembershipID      string           `json:"membership_id" db:"membership_id"`
	PrimaryID         string           `json:"primary_id" db:"primary_id"`
	MemberID          string           `json:"member_id" db:"member_id"`
	ViewGlucose       bool             `json:"view_glucose" db:"view_glucose"`
	ReceiveLowAlerts  bool             `json:"receive_low_alerts" db:"receive_low_alerts"`
	ReceiveHighAlerts bool             `json:"receive_high_alerts" db:"receive_high_alerts"`
	Status            MembershipStatus `json:"status" db:"status"`
	CreatedAt         time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at" db:"updated_at"`
}
