package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"gluco-circle/internal/models"
	"gluco-circle/internal/service"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError 按错误分类映射 HTTP 状态码
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, models.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrNotAuthorized):
		status = http.StatusForbidden
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrDuplicateActive),
		errors.Is(err, models.ErrDuplicateAcknowledgment),
		errors.Is(err, models.ErrAlreadyResolved),
		errors.Is(err, service.ErrSyncInProgress):
		status = http.StatusConflict
	case errors.Is(err, models.ErrReauthRequired),
		errors.Is(err, models.ErrInvalidCredentials):
		status = http.StatusUnauthorized
	case errors.Is(err, models.ErrFollowerRequired):
		status = http.StatusUnprocessableEntity
	}

	writeJSON(w, status, Fail(err.Error()))
}

func parseInt(s string, def int) int {
	if s == "" {
		return def
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return i
}

// parseTimeRange 解析 from/to 查询参数（RFC3339），缺省为最近 24 小时
func parseTimeRange(r *http.Request) (time.Time, time.Time, error) {
	now := time.Now()
	from := now.Add(-24 * time.Hour)
	to := now

	if s := r.URL.Query().Get("from"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return from, to, models.ValidationErrorf("invalid from: %s", s)
		}
		from = t
	}
	if s := r.URL.Query().Get("to"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return from, to, models.ValidationErrorf("invalid to: %s", s)
		}
		to = t
	}

	return from, to, nil
}

func readBodyJSON(r *http.Request, maxBytes int64, out any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBytes))
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

// identityFromReq 从身份协作方注入的请求头提取账户身份
// 身份校验在上游完成，这里只消费结果
func identityFromReq(w http.ResponseWriter, r *http.Request) (string, models.AccountRole, bool) {
	accountID := r.Header.Get("X-Account-ID")
	role := models.AccountRole(r.Header.Get("X-Account-Role"))

	if accountID == "" || (role != models.RolePrimary && role != models.RoleMember) {
		writeJSON(w, http.StatusUnauthorized, Fail("missing or invalid identity headers"))
		return "", "", false
	}

	return accountID, role, true
}
