package httpapi

import (
	"net/http"

	"gluco-circle/internal/models"
	"gluco-circle/internal/service"

	"go.uber.org/zap"
)

// CircleHandler 关爱圈成员与账户设置
type CircleHandler struct {
	circleService *service.CircleService
	logger        *zap.Logger
}

// NewCircleHandler 创建成员 Handler
func NewCircleHandler(circleService *service.CircleService, logger *zap.Logger) *CircleHandler {
	return &CircleHandler{
		circleService: circleService,
		logger:        logger,
	}
}

// Invite POST /api/v1/circle/invite 生成邀请码
func (h *CircleHandler) Invite(w http.ResponseWriter, r *http.Request) {
	actorID, _, ok := identityFromReq(w, r)
	if !ok {
		return
	}

	code, err := h.circleService.CreateInvite(r.Context(), actorID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, Ok(map[string]string{"invite_code": code}))
}

// Redeem POST /api/v1/circle/redeem 兑换邀请码
func (h *CircleHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	actorID, _, ok := identityFromReq(w, r)
	if !ok {
		return
	}

	var body struct {
		Code string `json:"code"`
	}
	if err := readBodyJSON(r, 1<<16, &body); err != nil || body.Code == "" {
		writeJSON(w, http.StatusBadRequest, Fail("invite code is required"))
		return
	}

	membership, err := h.circleService.Redeem(r.Context(), body.Code, actorID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, Ok(membership))
}

// Approve POST /api/v1/circle/{memberId}/approve 批准 pending 成员
func (h *CircleHandler) Approve(w http.ResponseWriter, r *http.Request, memberID string) {
	actorID, _, ok := identityFromReq(w, r)
	if !ok {
		return
	}

	if err := h.circleService.Approve(r.Context(), actorID, memberID); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, Ok(map[string]any{"approved": true}))
}

// Remove POST /api/v1/circle/{memberId}/remove 移除成员
func (h *CircleHandler) Remove(w http.ResponseWriter, r *http.Request, memberID string) {
	actorID, role, ok := identityFromReq(w, r)
	if !ok {
		return
	}

	// primary 移除自己圈里的成员；member 只能移除自己（传自己的 id 退出）
	primaryID := actorID
	if role == models.RoleMember {
		primaryID = r.URL.Query().Get("primary_id")
		if primaryID == "" {
			writeJSON(w, http.StatusBadRequest, Fail("primary_id is required"))
			return
		}
	}

	if err := h.circleService.Remove(r.Context(), primaryID, memberID, actorID); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, Ok(map[string]any{"removed": true}))
}

// Roster GET /api/v1/circle 成员列表
func (h *CircleHandler) Roster(w http.ResponseWriter, r *http.Request) {
	actorID, _, ok := identityFromReq(w, r)
	if !ok {
		return
	}

	members, err := h.circleService.Roster(r.Context(), actorID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"items": members,
		"total": len(members),
	}))
}

// UpdateSettings PUT /api/v1/settings 报警阈值
func (h *CircleHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	actorID, _, ok := identityFromReq(w, r)
	if !ok {
		return
	}

	var settings models.AlertSettings
	if err := readBodyJSON(r, 1<<16, &settings); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid body"))
		return
	}

	if err := h.circleService.UpdateSettings(r.Context(), actorID, settings); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, Ok(settings))
}

// UpdatePreferences PUT /api/v1/preferences 通知偏好
func (h *CircleHandler) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	actorID, _, ok := identityFromReq(w, r)
	if !ok {
		return
	}

	var prefs models.NotificationPreferences
	if err := readBodyJSON(r, 1<<16, &prefs); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid body"))
		return
	}

	if err := h.circleService.UpdatePreferences(r.Context(), actorID, prefs); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, Ok(prefs))
}

// SetPause POST /api/v1/pause 暂停/恢复通知（member 角色）
func (h *CircleHandler) SetPause(w http.ResponseWriter, r *http.Request) {
	actorID, _, ok := identityFromReq(w, r)
	if !ok {
		return
	}

	var body struct {
		Paused bool `json:"paused"`
	}
	if err := readBodyJSON(r, 1<<16, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid body"))
		return
	}

	if err := h.circleService.SetPaused(r.Context(), actorID, body.Paused); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, Ok(map[string]any{"paused": body.Paused}))
}
