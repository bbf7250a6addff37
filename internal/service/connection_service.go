package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gluco-circle/internal/config"
	"gluco-circle/internal/feed"
	"gluco-circle/internal/models"
	"gluco-circle/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ConnectionService CGM 连接管理
// 建立/断开连接都是 owner 本人的操作；断开只标记状态，已入库的读数保留
type ConnectionService struct {
	config      *config.Config
	connections *repository.ConnectionsRepository
	accounts    *repository.AccountsRepository
	oauthClient *feed.OAuthClient
	shareClient *feed.ShareClient
	sealer      *feed.CredentialSealer
	logger      *zap.Logger
}

// NewConnectionService 创建连接服务
func NewConnectionService(
	cfg *config.Config,
	connections *repository.ConnectionsRepository,
	accounts *repository.AccountsRepository,
	oauthClient *feed.OAuthClient,
	shareClient *feed.ShareClient,
	sealer *feed.CredentialSealer,
	logger *zap.Logger,
) *ConnectionService {
	return &ConnectionService{
		config:      cfg,
		connections: connections,
		accounts:    accounts,
		oauthClient: oauthClient,
		shareClient: shareClient,
		sealer:      sealer,
		logger:      logger,
	}
}

// requirePrimary 连接操作只对 primary 账户开放
func (s *ConnectionService) requirePrimary(ctx context.Context, accountID string) error {
	account, err := s.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if account.Role != models.RolePrimary {
		return fmt.Errorf("%w: only primary accounts connect CGM feeds", models.ErrNotAuthorized)
	}
	return nil
}

// OAuthAuthorizeURL 生成 OAuth 授权跳转地址
func (s *ConnectionService) OAuthAuthorizeURL(ctx context.Context, ownerID string) (string, error) {
	if err := s.requirePrimary(ctx, ownerID); err != nil {
		return "", err
	}
	return s.oauthClient.AuthorizeURL(ownerID), nil
}

// ConnectOAuth 用授权码建立 OAuth 连接
func (s *ConnectionService) ConnectOAuth(ctx context.Context, ownerID, code string) (*models.ConnectionStatus, error) {
	if err := s.requirePrimary(ctx, ownerID); err != nil {
		return nil, err
	}
	if code == "" {
		return nil, models.ValidationErrorf("authorization code is required")
	}

	cred, err := s.oauthClient.ExchangeCode(ctx, code)
	if err != nil {
		return nil, err
	}

	sealed, err := feed.SealOAuthCredential(s.sealer, cred)
	if err != nil {
		return nil, err
	}

	conn := &models.CGMConnection{
		ConnectionID:     uuid.New().String(),
		OwnerID:          ownerID,
		Type:             models.ConnectionOAuth,
		SealedCredential: sealed,
		Connected:        true,
		CreatedAt:        time.Now(),
		UpdatedAt:        time.Now(),
	}
	if err := s.connections.UpsertConnection(ctx, conn); err != nil {
		return nil, err
	}

	s.logger.Info("OAuth feed connected", zap.String("owner_id", ownerID))

	return &models.ConnectionStatus{Type: models.ConnectionOAuth, Connected: true}, nil
}

// ConnectShare 用账号密码建立 Share 连接
// 先登录验证凭证，再做一次探测拉取：上游没配 follower 时立刻暴露 FollowerRequired
func (s *ConnectionService) ConnectShare(ctx context.Context, ownerID, username, password string, region models.ShareRegion) (*models.ConnectionStatus, error) {
	if err := s.requirePrimary(ctx, ownerID); err != nil {
		return nil, err
	}
	if username == "" || password == "" {
		return nil, models.ValidationErrorf("share username and password are required")
	}
	if region != models.RegionUS && region != models.RegionOUS {
		region = models.RegionUS
	}

	cred := &feed.ShareCredential{
		Username: username,
		Password: password,
		Region:   region,
	}

	sessionID, err := s.shareClient.Login(ctx, cred)
	if err != nil {
		return nil, err
	}

	if _, err := s.shareClient.FetchReadings(ctx, region, sessionID, 60, 1); err != nil {
		if errors.Is(err, models.ErrFollowerRequired) {
			return nil, err
		}
		// 探测失败不挡连接建立，正式同步还会再试
		s.logger.Warn("Share probe fetch failed",
			zap.String("owner_id", ownerID),
			zap.Error(err),
		)
	}

	sealed, err := feed.SealShareCredential(s.sealer, cred)
	if err != nil {
		return nil, err
	}

	conn := &models.CGMConnection{
		ConnectionID:     uuid.New().String(),
		OwnerID:          ownerID,
		Type:             models.ConnectionShare,
		SealedCredential: sealed,
		Region:           region,
		Connected:        true,
		CreatedAt:        time.Now(),
		UpdatedAt:        time.Now(),
	}
	if err := s.connections.UpsertConnection(ctx, conn); err != nil {
		return nil, err
	}

	s.logger.Info("Share feed connected",
		zap.String("owner_id", ownerID),
		zap.String("region", string(region)),
	)

	return &models.ConnectionStatus{Type: models.ConnectionShare, Connected: true, Region: region}, nil
}

// Disconnect 断开连接
// 已入库的读数保留，时间线是历史记录
func (s *ConnectionService) Disconnect(ctx context.Context, ownerID string, connType models.ConnectionType) error {
	if !connType.Valid() {
		return models.ValidationErrorf("invalid connection type: %s", connType)
	}

	conn, err := s.connections.GetConnection(ctx, ownerID, connType)
	if err != nil {
		return err
	}

	if err := s.connections.MarkDisconnected(ctx, conn.ConnectionID); err != nil {
		return err
	}

	s.logger.Info("CGM feed disconnected",
		zap.String("owner_id", ownerID),
		zap.String("connection_type", string(connType)),
	)

	return nil
}

// Status 查询连接状态视图
func (s *ConnectionService) Status(ctx context.Context, ownerID string) ([]models.ConnectionStatus, error) {
	conns, err := s.connections.ListConnections(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	statuses := make([]models.ConnectionStatus, 0, len(conns))
	for _, conn := range conns {
		statuses = append(statuses, models.ConnectionStatus{
			Type:       conn.Type,
			Connected:  conn.Connected,
			Region:     conn.Region,
			LastSyncAt: conn.LastSyncAt,
		})
	}

	return statuses, nil
}
