package models

import (
	"time"
)

// 血糖读数取值范围（mg/dL），超出范围的读数在进入时间线之前被拒绝
const (
	MinReadingValue = 20
	MaxReadingValue = 600
)

// Trend 血糖趋势
type Trend string

const (
	TrendRisingFast  Trend = "rising_fast"
	TrendRising      Trend = "rising"
	TrendStable      Trend = "stable"
	TrendFalling     Trend = "falling"
	TrendFallingFast Trend = "falling_fast"
)

// Valid 检查趋势值是否合法
func (t Trend) Valid() bool {
	switch t {
	case TrendRisingFast, TrendRising, TrendStable, TrendFalling, TrendFallingFast:
		return true
	}
	return false
}

// ReadingSource 读数来源
type ReadingSource string

const (
	SourceManual      ReadingSource = "manual"
	SourceDexcomOAuth ReadingSource = "dexcom_oauth"
	SourceDexcomShare ReadingSource = "dexcom_share"
)

// Reading 血糖读数（对应 glucose_readings 表）
// 读数一旦入库不再修改，修正以新读数的形式追加
type Reading struct {
	ReadingID string        `json:"reading_id" db:"reading_id"`
	OwnerID   string        `json:"owner_id" db:"owner_id"`
	Value     int           `json:"value" db:"value"`
	Trend     Trend         `json:"trend" db:"trend"`
	Source    ReadingSource `json:"source" db:"source"`
	Timestamp time.Time     `json:"timestamp" db:"timestamp"`
	Notes     *string       `json:"notes,omitempty" db:"notes"`
	CreatedAt time.Time     `json:"created_at" db:"created_at"`
}

// ValidateReadingValue 校验读数值是否在可信范围内
func ValidateReadingValue(value int) error {
	if value < MinReadingValue || value > MaxReadingValue {
		return ValidationErrorf("reading value %d out of range [%d, %d]",
			value, MinReadingValue, MaxReadingValue)
	}
	return nil
}

// TimelineStats 时间线统计（按调用方指定的时间窗口计算）
type TimelineStats struct {
	From           time.Time `json:"from"`
	To             time.Time `json:"to"`
	ReadingCount   int       `json:"reading_count"`
	AverageGlucose float64   `json:"average_glucose"`
	TimeInRange    float64   `json:"time_in_range"`    // 百分比，范围按账户阈值
	TimeBelowRange float64   `json:"time_below_range"` // 百分比 < lowThreshold
	TimeAboveRange float64   `json:"time_above_range"` // 百分比 > highThreshold
	HighEvents     int       `json:"high_events"`      // 高血糖事件段数
	LowEvents      int       `json:"low_events"`       // 低血糖事件段数
}
