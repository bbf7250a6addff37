package evaluator

import (
	"time"

	"gluco-circle/internal/models"
)

// 高血糖紧急线：highThreshold + 70，越线立即触发、不等延迟
const urgentHighOffset = 70

// HighRuleEvaluator 高血糖规则
// 普通高血糖要求读数持续越线满 highAlertDelayMinutes 才触发（0 表示立即）
type HighRuleEvaluator struct {
	evaluator *Evaluator
}

// NewHighRuleEvaluator 创建高血糖规则评估器
func NewHighRuleEvaluator(evaluator *Evaluator) *HighRuleEvaluator {
	return &HighRuleEvaluator{
		evaluator: evaluator,
	}
}

// UrgentHighCeiling 计算紧急高血糖线
func UrgentHighCeiling(settings models.AlertSettings) int {
	return settings.HighThreshold + urgentHighOffset
}

// Evaluate 评估高血糖
// recent: 近期读数（降序，不含当前读数）
func (r *HighRuleEvaluator) Evaluate(reading *models.Reading, settings models.AlertSettings, recent []*models.Reading) *Verdict {
	if reading.Value <= settings.HighThreshold {
		return nil
	}

	if reading.Value > UrgentHighCeiling(settings) {
		return &Verdict{
			Type:     models.AlertTypeUrgentHigh,
			Severity: models.SeverityCritical,
		}
	}

	if settings.HighAlertDelayMinutes <= 0 {
		return &Verdict{
			Type:     models.AlertTypeHigh,
			Severity: models.SeverityWarning,
		}
	}

	// 延迟判定：从当前读数往回走，找出连续越线段的起点
	// 回到阈值内的读数即打断连续性
	runStart := reading.Timestamp
	for _, prev := range recent {
		if prev.Timestamp.After(reading.Timestamp) {
			continue
		}
		if prev.Value <= settings.HighThreshold {
			break
		}
		runStart = prev.Timestamp
	}

	delay := time.Duration(settings.HighAlertDelayMinutes) * time.Minute
	if reading.Timestamp.Sub(runStart) < delay {
		return nil
	}

	return &Verdict{
		Type:     models.AlertTypeHigh,
		Severity: models.SeverityWarning,
	}
}
