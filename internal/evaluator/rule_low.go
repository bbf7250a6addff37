package evaluator

import (
	"gluco-circle/internal/models"
)

// 低血糖紧急线：lowThreshold − 15，但不低于 40 mg/dL
const (
	urgentLowOffset = 15
	urgentLowFloor  = 40
)

// LowRuleEvaluator 低血糖规则
// 低血糖立即触发，不适用任何延迟
type LowRuleEvaluator struct {
	evaluator *Evaluator
}

// NewLowRuleEvaluator 创建低血糖规则评估器
func NewLowRuleEvaluator(evaluator *Evaluator) *LowRuleEvaluator {
	return &LowRuleEvaluator{
		evaluator: evaluator,
	}
}

// UrgentLowFloor 计算紧急低血糖线
func UrgentLowFloor(settings models.AlertSettings) int {
	floor := settings.LowThreshold - urgentLowOffset
	if floor < urgentLowFloor {
		floor = urgentLowFloor
	}
	return floor
}

// Evaluate 评估低血糖
func (r *LowRuleEvaluator) Evaluate(reading *models.Reading, settings models.AlertSettings) *Verdict {
	if reading.Value >= settings.LowThreshold {
		return nil
	}

	if reading.Value < UrgentLowFloor(settings) {
		return &Verdict{
			Type:     models.AlertTypeUrgentLow,
			Severity: models.SeverityCritical,
		}
	}

	return &Verdict{
		Type:     models.AlertTypeLow,
		Severity: models.SeverityWarning,
	}
}
