package evaluator

import (
	"time"

	"gluco-circle/internal/config"
	"gluco-circle/internal/models"

	"go.uber.org/zap"
)

// Verdict 评估结论：应触发的报警类型与级别
type Verdict struct {
	Type     models.AlertType
	Severity models.AlertSeverity
}

// EvaluationContext 评估上下文
// 成员可以配置与 primary 不同的阈值，评估按上下文扇出而不是单一全局规则
type EvaluationContext struct {
	AccountID string
	Settings  models.AlertSettings
}

// Evaluator 阈值评估器
// 纯函数式：给定读数、上下文与近期历史，产出应触发的报警结论
// 去重（同类型未终结不重复触发）由状态机在创建时原子校验，评估器不落库
type Evaluator struct {
	config *config.Config
	logger *zap.Logger

	ruleLow  *LowRuleEvaluator
	ruleHigh *HighRuleEvaluator
	ruleRate *RateRuleEvaluator
}

// NewEvaluator 创建评估器
func NewEvaluator(cfg *config.Config, logger *zap.Logger) *Evaluator {
	e := &Evaluator{
		config: cfg,
		logger: logger,
	}

	e.ruleLow = NewLowRuleEvaluator(e)
	e.ruleHigh = NewHighRuleEvaluator(e)
	e.ruleRate = NewRateRuleEvaluator(e)

	return e
}

// Evaluate 对一条新读数做全量评估
// contexts: owner 设置 + 各接收报警成员的设置；recent: 该 owner 的近期读数（降序，不含当前）
// 返回按规范类型合并后的结论（同槽位保留级别最高者）
func (e *Evaluator) Evaluate(reading *models.Reading, contexts []EvaluationContext, recent []*models.Reading) []Verdict {
	merged := map[models.AlertType]Verdict{}

	apply := func(v *Verdict) {
		if v == nil {
			return
		}
		key := v.Type.CanonicalType()
		if existing, ok := merged[key]; !ok || v.Severity.Rank() > existing.Severity.Rank() {
			merged[key] = *v
		}
	}

	for _, ctx := range contexts {
		apply(e.ruleLow.Evaluate(reading, ctx.Settings))
		apply(e.ruleHigh.Evaluate(reading, ctx.Settings, recent))
	}

	// 速变规则与绝对阈值无关，只评估一次
	apply(e.ruleRate.Evaluate(reading, recent))

	verdicts := make([]Verdict, 0, len(merged))
	for _, v := range merged {
		verdicts = append(verdicts, v)
	}

	if len(verdicts) > 0 {
		e.logger.Debug("Reading evaluated",
			zap.String("owner_id", reading.OwnerID),
			zap.Int("value", reading.Value),
			zap.Int("verdict_count", len(verdicts)),
		)
	}

	return verdicts
}

// EvaluateNoData 无数据巡检：窗口内没有任何读数且存在连接时触发 no_data
func EvaluateNoData(lastReadingAt *time.Time, now time.Time, staleness time.Duration) *Verdict {
	if lastReadingAt != nil && now.Sub(*lastReadingAt) < staleness {
		return nil
	}
	return &Verdict{
		Type:     models.AlertTypeNoData,
		Severity: models.SeverityWarning,
	}
}
