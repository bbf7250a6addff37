package timeline

import (
	"context"
	"time"

	"gluco-circle/internal/models"
)

// Stats 计算时间窗口内的血糖统计
// 范围边界取账户自己的阈值设置，不用固定的 70/180
func (t *Timeline) Stats(ctx context.Context, ownerID string, settings *models.AlertSettings, from, to time.Time) (*models.TimelineStats, error) {
	readings, err := t.readings.ListReadings(ctx, ownerID, from, to)
	if err != nil {
		return nil, err
	}
	return ComputeStats(readings, settings, from, to), nil
}

// ComputeStats 从读数序列计算统计
// 事件段计数：连续越界读数算一段，回到范围内才结束
func ComputeStats(readings []*models.Reading, settings *models.AlertSettings, from, to time.Time) *models.TimelineStats {
	stats := &models.TimelineStats{
		From:         from,
		To:           to,
		ReadingCount: len(readings),
	}
	if len(readings) == 0 {
		return stats
	}

	var sum int
	var inRange, belowRange, aboveRange int
	var inLowEvent, inHighEvent bool

	for _, r := range readings {
		sum += r.Value

		switch {
		case r.Value < settings.LowThreshold:
			belowRange++
			if !inLowEvent {
				stats.LowEvents++
				inLowEvent = true
			}
			inHighEvent = false
		case r.Value > settings.HighThreshold:
			aboveRange++
			if !inHighEvent {
				stats.HighEvents++
				inHighEvent = true
			}
			inLowEvent = false
		default:
			inRange++
			inLowEvent = false
			inHighEvent = false
		}
	}

	total := float64(len(readings))
	stats.AverageGlucose = float64(sum) / total
	stats.TimeInRange = float64(inRange) / total * 100
	stats.TimeBelowRange = float64(belowRange) / total * 100
	stats.TimeAboveRange = float64(aboveRange) / total * 100

	return stats
}
