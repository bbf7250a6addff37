package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"gluco-circle/internal/models"
	"gluco-circle/internal/service"
	"gluco-circle/internal/timeline"

	"go.uber.org/zap"
)

// ReadingsHandler 血糖读数与统计
type ReadingsHandler struct {
	alertService *service.AlertService
	statsService *service.StatsService
	timeline     *timeline.Timeline
	logger       *zap.Logger
}

// NewReadingsHandler 创建读数 Handler
func NewReadingsHandler(
	alertService *service.AlertService,
	statsService *service.StatsService,
	tl *timeline.Timeline,
	logger *zap.Logger,
) *ReadingsHandler {
	return &ReadingsHandler{
		alertService: alertService,
		statsService: statsService,
		timeline:     tl,
		logger:       logger,
	}
}

// resolveOwner 确定目标 owner 并校验可见性
// 缺省看自己；成员带 owner_id 查看他人时要求 active 关系且有 view_glucose 权限
func (h *ReadingsHandler) resolveOwner(w http.ResponseWriter, r *http.Request, actorID string) (string, bool) {
	ownerID := r.URL.Query().Get("owner_id")
	if ownerID == "" {
		ownerID = actorID
	}

	canView, err := h.alertService.CanViewTimeline(r.Context(), ownerID, actorID)
	if err != nil {
		writeError(w, err)
		return "", false
	}
	if !canView {
		writeError(w, models.ErrNotAuthorized)
		return "", false
	}

	return ownerID, true
}

// Submit POST /api/v1/readings 手动录入
func (h *ReadingsHandler) Submit(w http.ResponseWriter, r *http.Request) {
	actorID, _, ok := identityFromReq(w, r)
	if !ok {
		return
	}

	var body struct {
		Value int          `json:"value"`
		Trend models.Trend `json:"trend"`
		Notes string       `json:"notes"`
	}
	if err := readBodyJSON(r, 1<<16, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid body"))
		return
	}

	reading, err := h.alertService.SubmitManualReading(r.Context(), actorID, actorID, body.Value, body.Trend, body.Notes)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, Ok(reading))
}

// List GET /api/v1/readings 时间窗口查询
func (h *ReadingsHandler) List(w http.ResponseWriter, r *http.Request) {
	actorID, _, ok := identityFromReq(w, r)
	if !ok {
		return
	}
	ownerID, ok := h.resolveOwner(w, r, actorID)
	if !ok {
		return
	}

	from, to, err := parseTimeRange(r)
	if err != nil {
		writeError(w, err)
		return
	}

	readings, err := h.timeline.Window(r.Context(), ownerID, from, to)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"items": readings,
		"total": len(readings),
	}))
}

// Stats GET /api/v1/readings/stats 统计
func (h *ReadingsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	actorID, _, ok := identityFromReq(w, r)
	if !ok {
		return
	}
	ownerID, ok := h.resolveOwner(w, r, actorID)
	if !ok {
		return
	}

	from, to, err := parseTimeRange(r)
	if err != nil {
		writeError(w, err)
		return
	}

	stats, err := h.statsService.Stats(r.Context(), ownerID, from, to)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, Ok(stats))
}

// Export GET /api/v1/readings/export 历史导出
func (h *ReadingsHandler) Export(w http.ResponseWriter, r *http.Request) {
	actorID, _, ok := identityFromReq(w, r)
	if !ok {
		return
	}
	ownerID, ok := h.resolveOwner(w, r, actorID)
	if !ok {
		return
	}

	from, to, err := parseTimeRange(r)
	if err != nil {
		writeError(w, err)
		return
	}

	data, err := h.statsService.ExportHistory(r.Context(), ownerID, from, to)
	if err != nil {
		writeError(w, err)
		return
	}

	filename := fmt.Sprintf("glucose_history_%s.xlsx", time.Now().Format("20060102_150405"))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	_, _ = w.Write(data)
}
