package models

import (
	"time"
)

// ConnectionType CGM 数据源类型
type ConnectionType string

const (
	ConnectionOAuth ConnectionType = "dexcom_oauth"
	ConnectionShare ConnectionType = "dexcom_share"
)

// Valid 检查连接类型是否合法
func (t ConnectionType) Valid() bool {
	return t == ConnectionOAuth || t == ConnectionShare
}

// ShareRegion Share 源服务区域
type ShareRegion string

const (
	RegionUS  ShareRegion = "us"
	RegionOUS ShareRegion = "ous"
)

// CGMConnection CGM 连接（对应 cgm_connections 表）
// 每个 primary 账户每种类型至多一条；断开连接时已入库的读数保留
type CGMConnection struct {
	ConnectionID     string         `json:"connection_id" db:"connection_id"`
	OwnerID          string         `json:"owner_id" db:"owner_id"`
	Type             ConnectionType `json:"connection_type" db:"connection_type"`
	SealedCredential string         `json:"-" db:"sealed_credential"` // 加密后的凭证/token，不对外暴露
	Region           ShareRegion    `json:"region,omitempty" db:"region"`
	LastSyncAt       *time.Time     `json:"last_sync_at,omitempty" db:"last_sync_at"`
	Connected        bool           `json:"connected" db:"connected"`
	CreatedAt        time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at" db:"updated_at"`
}

// ConnectionStatus 对外暴露的连接状态视图
type ConnectionStatus struct {
	Type       ConnectionType `json:"connection_type"`
	Connected  bool           `json:"connected"`
	Region     ShareRegion    `json:"region,omitempty"`
	LastSyncAt *time.Time     `json:"last_sync_at,omitempty"`
}
