package evaluator

import (
	"time"

	"gluco-circle/internal/models"
)

// 速变判定只看最近两条读数；间隔超过该值时不外推斜率
const maxSlopeGap = 15 * time.Minute

// RateRuleEvaluator 速变规则
// 最近两条读数折算的斜率超过配置阈值（mg/dL 每 5 分钟）时触发，
// 与绝对血糖值无关
type RateRuleEvaluator struct {
	evaluator *Evaluator
}

// NewRateRuleEvaluator 创建速变规则评估器
func NewRateRuleEvaluator(evaluator *Evaluator) *RateRuleEvaluator {
	return &RateRuleEvaluator{
		evaluator: evaluator,
	}
}

// Evaluate 评估速变
// recent: 近期读数（降序，不含当前读数）
func (r *RateRuleEvaluator) Evaluate(reading *models.Reading, recent []*models.Reading) *Verdict {
	if len(recent) == 0 {
		return nil
	}

	prev := recent[0]
	gap := reading.Timestamp.Sub(prev.Timestamp)
	if gap <= 0 || gap > maxSlopeGap {
		return nil
	}

	// 折算为 mg/dL 每 5 分钟
	slope := float64(reading.Value-prev.Value) / gap.Minutes() * 5

	threshold := float64(r.evaluator.config.Alarm.RapidSlopeThreshold)
	if slope <= -threshold {
		return &Verdict{
			Type:     models.AlertTypeRapidDrop,
			Severity: models.SeverityUrgent,
		}
	}
	if slope >= threshold {
		return &Verdict{
			Type:     models.AlertTypeRapidRise,
			Severity: models.SeverityUrgent,
		}
	}

	return nil
}
