package httpapi

import (
	"net/http"

	"gluco-circle/internal/models"
	"gluco-circle/internal/service"

	"go.uber.org/zap"
)

// CGMHandler CGM 连接管理与手动同步
type CGMHandler struct {
	connectionService *service.ConnectionService
	syncService       *service.SyncService
	logger            *zap.Logger
}

// NewCGMHandler 创建 CGM Handler
func NewCGMHandler(
	connectionService *service.ConnectionService,
	syncService *service.SyncService,
	logger *zap.Logger,
) *CGMHandler {
	return &CGMHandler{
		connectionService: connectionService,
		syncService:       syncService,
		logger:            logger,
	}
}

// AuthorizeURL GET /api/v1/cgm/oauth/authorize
func (h *CGMHandler) AuthorizeURL(w http.ResponseWriter, r *http.Request) {
	actorID, _, ok := identityFromReq(w, r)
	if !ok {
		return
	}

	url, err := h.connectionService.OAuthAuthorizeURL(r.Context(), actorID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, Ok(map[string]string{"authorize_url": url}))
}

// Connect POST /api/v1/cgm/{oauth|share}/connect
func (h *CGMHandler) Connect(w http.ResponseWriter, r *http.Request, connType models.ConnectionType) {
	actorID, _, ok := identityFromReq(w, r)
	if !ok {
		return
	}

	var body struct {
		Code     string             `json:"code"`
		Username string             `json:"username"`
		Password string             `json:"password"`
		Region   models.ShareRegion `json:"region"`
	}
	if err := readBodyJSON(r, 1<<16, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid body"))
		return
	}

	var status *models.ConnectionStatus
	var err error
	switch connType {
	case models.ConnectionOAuth:
		status, err = h.connectionService.ConnectOAuth(r.Context(), actorID, body.Code)
	case models.ConnectionShare:
		status, err = h.connectionService.ConnectShare(r.Context(), actorID, body.Username, body.Password, body.Region)
	default:
		writeJSON(w, http.StatusNotFound, Fail("unknown connection type"))
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, Ok(status))
}

// Sync POST /api/v1/cgm/{oauth|share}/sync 手动触发同步
func (h *CGMHandler) Sync(w http.ResponseWriter, r *http.Request, connType models.ConnectionType) {
	actorID, _, ok := identityFromReq(w, r)
	if !ok {
		return
	}

	report, err := h.syncService.SyncNow(r.Context(), actorID, connType)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, Ok(report))
}

// Disconnect POST /api/v1/cgm/{oauth|share}/disconnect
func (h *CGMHandler) Disconnect(w http.ResponseWriter, r *http.Request, connType models.ConnectionType) {
	actorID, _, ok := identityFromReq(w, r)
	if !ok {
		return
	}

	if err := h.connectionService.Disconnect(r.Context(), actorID, connType); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, Ok(map[string]any{"disconnected": true}))
}

// Status GET /api/v1/cgm/status
func (h *CGMHandler) Status(w http.ResponseWriter, r *http.Request) {
	actorID, _, ok := identityFromReq(w, r)
	if !ok {
		return
	}

	statuses, err := h.connectionService.Status(r.Context(), actorID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, Ok(statuses))
}
