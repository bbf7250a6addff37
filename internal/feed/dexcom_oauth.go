package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"gluco-circle/internal/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// OAuthCredential OAuth 源凭证（加密后落库）
type OAuthCredential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// MarshalSealed 序列化凭证供加密落库
func (c *OAuthCredential) MarshalSealed() ([]byte, error) {
	return json.Marshal(c)
}

// tokenResponse Dexcom token 端点响应
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// egvRecord Dexcom EGV 记录
type egvRecord struct {
	SystemTime string `json:"systemTime"`
	Value      int    `json:"value"`
	Trend      string `json:"trend"`
}

// egvResponse Dexcom EGV 端点响应
type egvResponse struct {
	Records []egvRecord `json:"records"`
}

// OAuthClient Dexcom OAuth API 客户端
type OAuthClient struct {
	httpClient   *resty.Client
	clientID     string
	clientSecret string
	redirectURI  string
	logger       *zap.Logger
}

// NewOAuthClient 创建 OAuth 客户端
func NewOAuthClient(baseURL, clientID, clientSecret, redirectURI string, retryCount int, logger *zap.Logger) *OAuthClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(retryCount).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(8 * time.Second).
		SetHeader("Accept", "application/json")

	return &OAuthClient{
		httpClient:   client,
		clientID:     clientID,
		clientSecret: clientSecret,
		redirectURI:  redirectURI,
		logger:       logger,
	}
}

// AuthorizeURL 生成授权跳转地址
func (c *OAuthClient) AuthorizeURL(state string) string {
	params := url.Values{}
	params.Set("client_id", c.clientID)
	params.Set("redirect_uri", c.redirectURI)
	params.Set("response_type", "code")
	params.Set("scope", "offline_access")
	params.Set("state", state)

	return c.httpClient.BaseURL + "/v2/oauth2/login?" + params.Encode()
}

// ExchangeCode 用授权码换取 token
func (c *OAuthClient) ExchangeCode(ctx context.Context, code string) (*OAuthCredential, error) {
	return c.requestToken(ctx, map[string]string{
		"grant_type":    "authorization_code",
		"code":          code,
		"client_id":     c.clientID,
		"client_secret": c.clientSecret,
		"redirect_uri":  c.redirectURI,
	})
}

// Refresh 刷新 token
// 刷新被拒即视为授权失效，调用方据此断开连接
func (c *OAuthClient) Refresh(ctx context.Context, refreshToken string) (*OAuthCredential, error) {
	cred, err := c.requestToken(ctx, map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
		"client_id":     c.clientID,
		"client_secret": c.clientSecret,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrReauthRequired, err)
	}
	return cred, nil
}

func (c *OAuthClient) requestToken(ctx context.Context, form map[string]string) (*OAuthCredential, error) {
	var token tokenResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetFormData(form).
		SetResult(&token).
		Post("/v2/oauth2/token")

	if err != nil {
		return nil, fmt.Errorf("failed to call Dexcom token endpoint: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		c.logger.Error("Dexcom token endpoint returned error",
			zap.Int("status_code", resp.StatusCode()),
			zap.String("body", resp.String()),
		)
		return nil, fmt.Errorf("Dexcom token endpoint error: status %d", resp.StatusCode())
	}

	return &OAuthCredential{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(token.ExpiresIn) * time.Second),
	}, nil
}

// FetchReadings 拉取时间窗口内的血糖值
// 401 返回 ErrReauthRequired，由上层决定先刷新再重试还是断开连接
func (c *OAuthClient) FetchReadings(ctx context.Context, cred *OAuthCredential, from, to time.Time) ([]*models.Reading, error) {
	var egvs egvResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetAuthToken(cred.AccessToken).
		SetQueryParam("startDate", from.UTC().Format("2006-01-02T15:04:05")).
		SetQueryParam("endDate", to.UTC().Format("2006-01-02T15:04:05")).
		SetResult(&egvs).
		Get("/v3/users/self/egvs")

	if err != nil {
		return nil, fmt.Errorf("failed to call Dexcom EGV endpoint: %w", err)
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		return nil, models.ErrReauthRequired
	}
	if resp.StatusCode() != http.StatusOK {
		c.logger.Error("Dexcom EGV endpoint returned error",
			zap.Int("status_code", resp.StatusCode()),
			zap.String("body", resp.String()),
		)
		return nil, fmt.Errorf("Dexcom EGV endpoint error: status %d", resp.StatusCode())
	}

	readings := make([]*models.Reading, 0, len(egvs.Records))
	for _, record := range egvs.Records {
		ts, err := time.Parse("2006-01-02T15:04:05", record.SystemTime)
		if err != nil {
			c.logger.Warn("Skipping EGV record with unparseable timestamp",
				zap.String("system_time", record.SystemTime),
			)
			continue
		}
		readings = append(readings, &models.Reading{
			Value:     record.Value,
			Trend:     mapOAuthTrend(record.Trend),
			Source:    models.SourceDexcomOAuth,
			Timestamp: ts.UTC(),
		})
	}

	c.logger.Debug("Fetched readings from Dexcom OAuth feed",
		zap.Int("count", len(readings)),
	)

	return readings, nil
}

// mapOAuthTrend 映射 Dexcom 趋势命名到内部趋势
func mapOAuthTrend(trend string) models.Trend {
	switch trend {
	case "doubleUp", "singleUp":
		return models.TrendRisingFast
	case "fortyFiveUp":
		return models.TrendRising
	case "flat":
		return models.TrendStable
	case "fortyFiveDown":
		return models.TrendFalling
	case "singleDown", "doubleDown":
		return models.TrendFallingFast
	default:
		return models.TrendStable
	}
}
