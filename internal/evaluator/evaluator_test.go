package evaluator

import (
	"testing"
	"time"

	"gluco-circle/internal/config"
	"gluco-circle/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestEvaluator(t *testing.T) *Evaluator {
	cfg, err := config.Load()
	require.NoError(t, err)
	return NewEvaluator(cfg, zap.NewNop())
}

func makeReading(value int, ts time.Time) *models.Reading {
	return &models.Reading{
		ReadingID: "reading-1",
		OwnerID:   "owner-1",
		Value:     value,
		Trend:     models.TrendStable,
		Source:    models.SourceDexcomOAuth,
		Timestamp: ts,
	}
}

func defaultContexts() []EvaluationContext {
	return []EvaluationContext{
		{AccountID: "owner-1", Settings: models.DefaultAlertSettings()},
	}
}

func TestEvaluate_LowAlert(t *testing.T) {
	e := newTestEvaluator(t)
	now := time.Now()

	verdicts := e.Evaluate(makeReading(65, now), defaultContexts(), nil)

	require.Len(t, verdicts, 1)
	assert.Equal(t, models.AlertTypeLow, verdicts[0].Type)
	assert.Equal(t, models.SeverityWarning, verdicts[0].Severity)
}

func TestEvaluate_UrgentLow(t *testing.T) {
	e := newTestEvaluator(t)
	now := time.Now()

	// 默认低阈值 70，紧急线 55
	verdicts := e.Evaluate(makeReading(50, now), defaultContexts(), nil)

	require.Len(t, verdicts, 1)
	assert.Equal(t, models.AlertTypeUrgentLow, verdicts[0].Type)
	assert.Equal(t, models.SeverityCritical, verdicts[0].Severity)
}

func TestEvaluate_LowBoundary(t *testing.T) {
	e := newTestEvaluator(t)
	now := time.Now()

	// 恰好等于阈值不触发
	verdicts := e.Evaluate(makeReading(70, now), defaultContexts(), nil)
	assert.Empty(t, verdicts)

	// 恰好在紧急线上仍是普通 low
	verdicts = e.Evaluate(makeReading(55, now), defaultContexts(), nil)
	require.Len(t, verdicts, 1)
	assert.Equal(t, models.AlertTypeLow, verdicts[0].Type)
}

func TestUrgentLowFloor_Minimum(t *testing.T) {
	// low=45 时紧急线钳到 40，而不是 30
	settings := models.AlertSettings{LowThreshold: 45, HighThreshold: 180}
	assert.Equal(t, 40, UrgentLowFloor(settings))

	settings.LowThreshold = 70
	assert.Equal(t, 55, UrgentLowFloor(settings))
}

func TestEvaluate_HighImmediate(t *testing.T) {
	e := newTestEvaluator(t)
	now := time.Now()

	// 默认延迟 0：越线立即触发
	verdicts := e.Evaluate(makeReading(190, now), defaultContexts(), nil)

	require.Len(t, verdicts, 1)
	assert.Equal(t, models.AlertTypeHigh, verdicts[0].Type)
	assert.Equal(t, models.SeverityWarning, verdicts[0].Severity)
}

func TestEvaluate_HighDelay(t *testing.T) {
	e := newTestEvaluator(t)
	now := time.Now()

	contexts := []EvaluationContext{
		{AccountID: "owner-1", Settings: models.AlertSettings{
			LowThreshold:          70,
			HighThreshold:         180,
			HighAlertDelayMinutes: 15,
		}},
	}

	// 越线 10 分钟：不触发
	recent := []*models.Reading{
		makeReading(185, now.Add(-5*time.Minute)),
		makeReading(182, now.Add(-10*time.Minute)),
		makeReading(175, now.Add(-15*time.Minute)),
	}
	verdicts := e.Evaluate(makeReading(188, now), contexts, recent)
	assert.Empty(t, verdicts)

	// 越线 16 分钟：触发 high/warning
	recent = []*models.Reading{
		makeReading(185, now.Add(-5*time.Minute)),
		makeReading(182, now.Add(-11*time.Minute)),
		makeReading(181, now.Add(-16*time.Minute)),
		makeReading(175, now.Add(-21*time.Minute)),
	}
	verdicts = e.Evaluate(makeReading(188, now), contexts, recent)
	require.Len(t, verdicts, 1)
	assert.Equal(t, models.AlertTypeHigh, verdicts[0].Type)
}

func TestEvaluate_HighDelayBrokenRun(t *testing.T) {
	e := newTestEvaluator(t)
	now := time.Now()

	contexts := []EvaluationContext{
		{AccountID: "owner-1", Settings: models.AlertSettings{
			LowThreshold:          70,
			HighThreshold:         180,
			HighAlertDelayMinutes: 15,
		}},
	}

	// 中途回到范围内：连续性被打断，不触发
	recent := []*models.Reading{
		makeReading(185, now.Add(-5*time.Minute)),
		makeReading(178, now.Add(-10*time.Minute)),
		makeReading(190, now.Add(-20*time.Minute)),
	}
	verdicts := e.Evaluate(makeReading(188, now), contexts, recent)
	assert.Empty(t, verdicts)
}

func TestEvaluate_UrgentHighIgnoresDelay(t *testing.T) {
	e := newTestEvaluator(t)
	now := time.Now()

	contexts := []EvaluationContext{
		{AccountID: "owner-1", Settings: models.AlertSettings{
			LowThreshold:          70,
			HighThreshold:         180,
			HighAlertDelayMinutes: 120,
		}},
	}

	// 180+70=250 紧急线：无视延迟立即触发
	verdicts := e.Evaluate(makeReading(260, now), contexts, nil)

	require.Len(t, verdicts, 1)
	assert.Equal(t, models.AlertTypeUrgentHigh, verdicts[0].Type)
	assert.Equal(t, models.SeverityCritical, verdicts[0].Severity)
}

func TestEvaluate_RapidDrop(t *testing.T) {
	e := newTestEvaluator(t)
	now := time.Now()

	// 5 分钟内下降 20 mg/dL，超过默认阈值 15
	recent := []*models.Reading{
		makeReading(140, now.Add(-5 * time.Minute)),
	}
	verdicts := e.Evaluate(makeReading(120, now), defaultContexts(), recent)

	require.Len(t, verdicts, 1)
	assert.Equal(t, models.AlertTypeRapidDrop, verdicts[0].Type)
	assert.Equal(t, models.SeverityUrgent, verdicts[0].Severity)
}

func TestEvaluate_RapidRise(t *testing.T) {
	e := newTestEvaluator(t)
	now := time.Now()

	recent := []*models.Reading{
		makeReading(120, now.Add(-5 * time.Minute)),
	}
	verdicts := e.Evaluate(makeReading(140, now), defaultContexts(), recent)

	require.Len(t, verdicts, 1)
	assert.Equal(t, models.AlertTypeRapidRise, verdicts[0].Type)
}

func TestEvaluate_RapidChange_GapTooWide(t *testing.T) {
	e := newTestEvaluator(t)
	now := time.Now()

	// 间隔 20 分钟：不外推斜率
	recent := []*models.Reading{
		makeReading(100, now.Add(-20 * time.Minute)),
	}
	verdicts := e.Evaluate(makeReading(150, now), defaultContexts(), recent)
	assert.Empty(t, verdicts)
}

func TestEvaluate_ContextFanOut(t *testing.T) {
	e := newTestEvaluator(t)
	now := time.Now()

	// 成员阈值更严格（low=100）：按成员上下文触发 low
	contexts := []EvaluationContext{
		{AccountID: "owner-1", Settings: models.DefaultAlertSettings()},
		{AccountID: "member-1", Settings: models.AlertSettings{
			LowThreshold:  100,
			HighThreshold: 180,
		}},
	}

	verdicts := e.Evaluate(makeReading(90, now), contexts, nil)

	require.Len(t, verdicts, 1)
	assert.Equal(t, models.AlertTypeLow, verdicts[0].Type)
}

func TestEvaluate_MergeKeepsHighestSeverity(t *testing.T) {
	e := newTestEvaluator(t)
	now := time.Now()

	// owner 判 low/warning，成员（low=70 但值 50 低于其紧急线）判 urgent_low/critical
	// 同槽位合并保留 critical
	contexts := []EvaluationContext{
		{AccountID: "owner-1", Settings: models.AlertSettings{LowThreshold: 55, HighThreshold: 180}},
		{AccountID: "member-1", Settings: models.DefaultAlertSettings()},
	}

	verdicts := e.Evaluate(makeReading(50, now), contexts, nil)

	require.Len(t, verdicts, 1)
	assert.Equal(t, models.AlertTypeUrgentLow, verdicts[0].Type)
	assert.Equal(t, models.SeverityCritical, verdicts[0].Severity)
}

func TestEvaluateNoData(t *testing.T) {
	now := time.Now()
	staleness := 30 * time.Minute

	// 最近读数在窗口内：不触发
	recentTime := now.Add(-10 * time.Minute)
	assert.Nil(t, EvaluateNoData(&recentTime, now, staleness))

	// 超窗：触发 no_data/warning
	staleTime := now.Add(-45 * time.Minute)
	verdict := EvaluateNoData(&staleTime, now, staleness)
	require.NotNil(t, verdict)
	assert.Equal(t, models.AlertTypeNoData, verdict.Type)
	assert.Equal(t, models.SeverityWarning, verdict.Severity)

	// 从未有读数：触发
	assert.NotNil(t, EvaluateNoData(nil, now, staleness))
}

func TestBuildAlert(t *testing.T) {
	verdict := Verdict{Type: models.AlertTypeLow, Severity: models.SeverityWarning}
	alert := BuildAlert("owner-1", verdict, 65)

	assert.NotEmpty(t, alert.AlertID)
	assert.Equal(t, "owner-1", alert.OwnerID)
	assert.Equal(t, models.AlertTypeLow, alert.Type)
	assert.Equal(t, models.SeverityWarning, alert.Severity)
	assert.Equal(t, 65, alert.GlucoseValue)
	assert.Equal(t, models.AlertStatusActive, alert.Status)
	assert.Empty(t, alert.Acknowledgments)
}
