package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gluco-circle/internal/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// ShareCredential Share 源凭证（加密后落库）
type ShareCredential struct {
	Username string             `json:"username"`
	Password string             `json:"password"`
	Region   models.ShareRegion `json:"region"`
}

// MarshalSealed 序列化凭证供加密落库
func (c *ShareCredential) MarshalSealed() ([]byte, error) {
	return json.Marshal(c)
}

// shareError Share 服务错误响应
type shareError struct {
	Code    string `json:"Code"`
	Message string `json:"Message"`
}

// shareGlucoseValue Share 服务血糖记录
type shareGlucoseValue struct {
	WT    string `json:"WT"` // 形如 "/Date(1693401600000)/"
	Value int    `json:"Value"`
	Trend any    `json:"Trend"` // 新接口返回字符串，旧接口返回 1-7 数字
}

// ShareClient Dexcom Share 服务客户端
// 会话过期后调用方用存储的账号密码重新登录
type ShareClient struct {
	usClient  *resty.Client
	ousClient *resty.Client
	appID     string
	logger    *zap.Logger
}

// NewShareClient 创建 Share 客户端
func NewShareClient(usBaseURL, ousBaseURL, appID string, retryCount int, logger *zap.Logger) *ShareClient {
	newClient := func(baseURL string) *resty.Client {
		return resty.New().
			SetBaseURL(baseURL).
			SetTimeout(15 * time.Second).
			SetRetryCount(retryCount).
			SetRetryWaitTime(1 * time.Second).
			SetRetryMaxWaitTime(8 * time.Second).
			SetHeader("Content-Type", "application/json").
			SetHeader("Accept", "application/json")
	}

	return &ShareClient{
		usClient:  newClient(usBaseURL),
		ousClient: newClient(ousBaseURL),
		appID:     appID,
		logger:    logger,
	}
}

func (c *ShareClient) client(region models.ShareRegion) *resty.Client {
	if region == models.RegionOUS {
		return c.ousClient
	}
	return c.usClient
}

// Login 用账号密码换取会话
// 账号或密码错误映射为 ErrInvalidCredentials
func (c *ShareClient) Login(ctx context.Context, cred *ShareCredential) (string, error) {
	accountID, err := c.authenticate(ctx, cred)
	if err != nil {
		return "", err
	}

	resp, err := c.client(cred.Region).R().
		SetContext(ctx).
		SetBody(map[string]string{
			"accountId":     accountID,
			"password":      cred.Password,
			"applicationId": c.appID,
		}).
		Post("/ShareWebServices/Services/General/LoginPublisherAccountById")

	if err != nil {
		return "", fmt.Errorf("failed to call Share login endpoint: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", c.mapShareError(resp)
	}

	sessionID := strings.Trim(resp.String(), `"`)
	if sessionID == "" || sessionID == "00000000-0000-0000-0000-000000000000" {
		return "", models.ErrInvalidCredentials
	}

	return sessionID, nil
}

func (c *ShareClient) authenticate(ctx context.Context, cred *ShareCredential) (string, error) {
	resp, err := c.client(cred.Region).R().
		SetContext(ctx).
		SetBody(map[string]string{
			"accountName":   cred.Username,
			"password":      cred.Password,
			"applicationId": c.appID,
		}).
		Post("/ShareWebServices/Services/General/AuthenticatePublisherAccount")

	if err != nil {
		return "", fmt.Errorf("failed to call Share auth endpoint: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", c.mapShareError(resp)
	}

	return strings.Trim(resp.String(), `"`), nil
}

// FetchReadings 拉取最近 minutes 分钟内的读数
// 会话失效返回 ErrReauthRequired（上层重新 Login 后再试一次）
// 上游没有任何 follower 时 Share 不输出数据，映射为 ErrFollowerRequired
func (c *ShareClient) FetchReadings(ctx context.Context, region models.ShareRegion, sessionID string, minutes, maxCount int) ([]*models.Reading, error) {
	var values []shareGlucoseValue
	resp, err := c.client(region).R().
		SetContext(ctx).
		SetQueryParam("sessionId", sessionID).
		SetQueryParam("minutes", strconv.Itoa(minutes)).
		SetQueryParam("maxCount", strconv.Itoa(maxCount)).
		SetResult(&values).
		Post("/ShareWebServices/Services/Publisher/ReadPublisherLatestGlucoseValues")

	if err != nil {
		return nil, fmt.Errorf("failed to call Share glucose endpoint: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, c.mapShareError(resp)
	}

	readings := make([]*models.Reading, 0, len(values))
	for _, v := range values {
		ts, err := parseShareTimestamp(v.WT)
		if err != nil {
			c.logger.Warn("Skipping Share record with unparseable timestamp",
				zap.String("wt", v.WT),
			)
			continue
		}
		readings = append(readings, &models.Reading{
			Value:     v.Value,
			Trend:     mapShareTrend(v.Trend),
			Source:    models.SourceDexcomShare,
			Timestamp: ts,
		})
	}

	c.logger.Debug("Fetched readings from Dexcom Share feed",
		zap.Int("count", len(readings)),
	)

	return readings, nil
}

// mapShareError 按 Share 错误码分类
func (c *ShareClient) mapShareError(resp *resty.Response) error {
	var se shareError
	if err := json.Unmarshal(resp.Body(), &se); err == nil && se.Code != "" {
		switch se.Code {
		case "SSO_AuthenticateAccountNotFound", "SSO_AuthenticatePasswordInvalid", "AccountPasswordInvalid":
			return models.ErrInvalidCredentials
		case "SessionIdNotFound", "SessionNotValid":
			return fmt.Errorf("%w: share session expired", models.ErrReauthRequired)
		case "MonitoringSessionNotActive", "MonitoredReceiverNotAssigned":
			return models.ErrFollowerRequired
		}
		return fmt.Errorf("Share API error: %s (%s)", se.Message, se.Code)
	}

	if resp.StatusCode() == http.StatusUnauthorized {
		return fmt.Errorf("%w: share session expired", models.ErrReauthRequired)
	}
	return fmt.Errorf("Share API error: status %d", resp.StatusCode())
}

var shareDatePattern = regexp.MustCompile(`Date\((\d+)`)

// parseShareTimestamp 解析 "/Date(毫秒时间戳)/" 格式
func parseShareTimestamp(wt string) (time.Time, error) {
	matches := shareDatePattern.FindStringSubmatch(wt)
	if len(matches) != 2 {
		return time.Time{}, fmt.Errorf("unexpected timestamp format: %s", wt)
	}
	millis, err := strconv.ParseInt(matches[1], 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(millis).UTC(), nil
}

// mapShareTrend 映射 Share 趋势（字符串或 1-7 数字）到内部趋势
func mapShareTrend(trend any) models.Trend {
	switch v := trend.(type) {
	case string:
		switch v {
		case "DoubleUp", "SingleUp":
			return models.TrendRisingFast
		case "FortyFiveUp":
			return models.TrendRising
		case "Flat":
			return models.TrendStable
		case "FortyFiveDown":
			return models.TrendFalling
		case "SingleDown", "DoubleDown":
			return models.TrendFallingFast
		}
	case float64:
		switch int(v) {
		case 1, 2:
			return models.TrendRisingFast
		case 3:
			return models.TrendRising
		case 4:
			return models.TrendStable
		case 5:
			return models.TrendFalling
		case 6, 7:
			return models.TrendFallingFast
		}
	}
	return models.TrendStable
}
