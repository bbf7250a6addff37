package httpapi

import (
	"net/http"
	"strings"

	"gluco-circle/internal/models"
	"gluco-circle/internal/service"

	"go.uber.org/zap"
)

// AlertsHandler 报警查询、确认与解除
type AlertsHandler struct {
	alertService *service.AlertService
	logger       *zap.Logger
}

// NewAlertsHandler 创建报警 Handler
func NewAlertsHandler(alertService *service.AlertService, logger *zap.Logger) *AlertsHandler {
	return &AlertsHandler{
		alertService: alertService,
		logger:       logger,
	}
}

// List GET /api/v1/alerts
func (h *AlertsHandler) List(w http.ResponseWriter, r *http.Request) {
	actorID, _, ok := identityFromReq(w, r)
	if !ok {
		return
	}

	ownerID := r.URL.Query().Get("owner_id")
	if ownerID == "" {
		ownerID = actorID
	}

	canView, err := h.alertService.CanViewTimeline(r.Context(), ownerID, actorID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !canView {
		writeError(w, models.ErrNotAuthorized)
		return
	}

	var statuses []models.AlertStatus
	if s := r.URL.Query().Get("status"); s != "" {
		for _, part := range strings.Split(s, ",") {
			statuses = append(statuses, models.AlertStatus(strings.TrimSpace(part)))
		}
	}

	page := parseInt(r.URL.Query().Get("page"), 1)
	size := parseInt(r.URL.Query().Get("size"), 20)

	alerts, total, err := h.alertService.ListAlerts(r.Context(), ownerID, statuses, page, size)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"items": alerts,
		"total": total,
	}))
}

// Get GET /api/v1/alerts/{id} 单条报警（含确认列表）
func (h *AlertsHandler) Get(w http.ResponseWriter, r *http.Request, alertID string) {
	actorID, _, ok := identityFromReq(w, r)
	if !ok {
		return
	}

	alert, err := h.alertService.GetAlert(r.Context(), alertID)
	if err != nil {
		writeError(w, err)
		return
	}

	canView, err := h.alertService.CanViewTimeline(r.Context(), alert.OwnerID, actorID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !canView {
		writeError(w, models.ErrNotAuthorized)
		return
	}

	writeJSON(w, http.StatusOK, Ok(alert))
}

// Acknowledge POST /api/v1/alerts/{id}/acknowledge
func (h *AlertsHandler) Acknowledge(w http.ResponseWriter, r *http.Request, alertID string) {
	actorID, _, ok := identityFromReq(w, r)
	if !ok {
		return
	}

	var body struct {
		Message *string `json:"message"`
	}
	if err := readBodyJSON(r, 1<<16, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid body"))
		return
	}

	alert, err := h.alertService.Acknowledge(r.Context(), alertID, actorID, body.Message)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, Ok(alert))
}

// Resolve POST /api/v1/alerts/{id}/resolve
func (h *AlertsHandler) Resolve(w http.ResponseWriter, r *http.Request, alertID string) {
	actorID, _, ok := identityFromReq(w, r)
	if !ok {
		return
	}

	alert, err := h.alertService.Resolve(r.Context(), alertID, actorID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, Ok(alert))
}
