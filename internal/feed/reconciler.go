package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gluco-circle/internal/config"
	"gluco-circle/internal/models"
	"gluco-circle/internal/repository"
	"gluco-circle/internal/timeline"

	"go.uber.org/zap"
)

// 拉取窗口上限：lastSync 太久远或缺失时最多回补 24 小时
const maxBackfillWindow = 24 * time.Hour

// SyncReport 一次同步的结果
type SyncReport struct {
	Fetched    int `json:"fetched"`
	Stored     int `json:"stored"`
	Duplicates int `json:"duplicates"`
	Superseded int `json:"superseded"`
	Invalid    int `json:"invalid"`
}

// Reconciler CGM 数据源调和器
// 从 OAuth / Share 两路拉取读数灌入时间线，时间线的去重桶保证幂等；
// 失败不回滚已入库的读数，部分成功向上传 SyncFailedError
type Reconciler struct {
	config      *config.Config
	connections *repository.ConnectionsRepository
	timeline    *timeline.Timeline
	oauthClient *OAuthClient
	shareClient *ShareClient
	sealer      *CredentialSealer
	logger      *zap.Logger
}

// NewReconciler 创建调和器
func NewReconciler(
	cfg *config.Config,
	connections *repository.ConnectionsRepository,
	tl *timeline.Timeline,
	oauthClient *OAuthClient,
	shareClient *ShareClient,
	sealer *CredentialSealer,
	logger *zap.Logger,
) *Reconciler {
	return &Reconciler{
		config:      cfg,
		connections: connections,
		timeline:    tl,
		oauthClient: oauthClient,
		shareClient: shareClient,
		sealer:      sealer,
		logger:      logger,
	}
}

// Sync 同步一条 CGM 连接
// OAuth 源 401 时先刷新 token 重试一次，刷新失败则断开连接并返回 ErrReauthRequired
func (r *Reconciler) Sync(ctx context.Context, conn *models.CGMConnection) (*SyncReport, error) {
	if conn == nil || !conn.Connected {
		return nil, fmt.Errorf("connection is not active")
	}

	switch conn.Type {
	case models.ConnectionOAuth:
		return r.syncOAuth(ctx, conn)
	case models.ConnectionShare:
		return r.syncShare(ctx, conn)
	default:
		return nil, fmt.Errorf("unknown connection type: %s", conn.Type)
	}
}

func (r *Reconciler) syncOAuth(ctx context.Context, conn *models.CGMConnection) (*SyncReport, error) {
	raw, err := r.sealer.Open(conn.SealedCredential)
	if err != nil {
		return nil, fmt.Errorf("failed to open oauth credential: %w", err)
	}
	var cred OAuthCredential
	if err := json.Unmarshal(raw, &cred); err != nil {
		return nil, fmt.Errorf("failed to decode oauth credential: %w", err)
	}

	// token 即将过期时主动刷新，少一次 401 往返
	if time.Until(cred.ExpiresAt) < time.Minute {
		if err := r.refreshOAuth(ctx, conn, &cred); err != nil {
			return nil, err
		}
	}

	from, to := r.syncWindow(conn)

	readings, err := r.oauthClient.FetchReadings(ctx, &cred, from, to)
	if errors.Is(err, models.ErrReauthRequired) {
		if refreshErr := r.refreshOAuth(ctx, conn, &cred); refreshErr != nil {
			return nil, refreshErr
		}
		readings, err = r.oauthClient.FetchReadings(ctx, &cred, from, to)
	}
	if err != nil {
		return nil, &models.SyncFailedError{Cause: err}
	}

	return r.ingestBatch(ctx, conn, readings)
}

// refreshOAuth 刷新 token 并重新加密落库
// 刷新失败意味着授权被撤销，连接断开等待用户重新授权
func (r *Reconciler) refreshOAuth(ctx context.Context, conn *models.CGMConnection, cred *OAuthCredential) error {
	refreshed, err := r.oauthClient.Refresh(ctx, cred.RefreshToken)
	if err != nil {
		r.logger.Warn("OAuth token refresh failed, disconnecting feed",
			zap.String("owner_id", conn.OwnerID),
			zap.Error(err),
		)
		if markErr := r.connections.MarkDisconnected(ctx, conn.ConnectionID); markErr != nil {
			r.logger.Error("Failed to mark connection disconnected",
				zap.String("connection_id", conn.ConnectionID),
				zap.Error(markErr),
			)
		}
		return err
	}

	*cred = *refreshed

	sealed, err := sealCredential(r.sealer, refreshed)
	if err != nil {
		return err
	}
	if err := r.connections.UpdateCredential(ctx, conn.ConnectionID, sealed); err != nil {
		return err
	}
	conn.SealedCredential = sealed

	return nil
}

func (r *Reconciler) syncShare(ctx context.Context, conn *models.CGMConnection) (*SyncReport, error) {
	raw, err := r.sealer.Open(conn.SealedCredential)
	if err != nil {
		return nil, fmt.Errorf("failed to open share credential: %w", err)
	}
	var cred ShareCredential
	if err := json.Unmarshal(raw, &cred); err != nil {
		return nil, fmt.Errorf("failed to decode share credential: %w", err)
	}

	sessionID, err := r.shareClient.Login(ctx, &cred)
	if err != nil {
		if errors.Is(err, models.ErrInvalidCredentials) {
			r.logger.Warn("Share credentials rejected, disconnecting feed",
				zap.String("owner_id", conn.OwnerID),
			)
			if markErr := r.connections.MarkDisconnected(ctx, conn.ConnectionID); markErr != nil {
				r.logger.Error("Failed to mark connection disconnected",
					zap.String("connection_id", conn.ConnectionID),
					zap.Error(markErr),
				)
			}
			return nil, err
		}
		return nil, &models.SyncFailedError{Cause: err}
	}

	from, _ := r.syncWindow(conn)
	minutes := int(time.Since(from).Minutes()) + 1

	readings, err := r.shareClient.FetchReadings(ctx, cred.Region, sessionID, minutes, 288)
	if err != nil {
		if errors.Is(err, models.ErrFollowerRequired) {
			return nil, err
		}
		return nil, &models.SyncFailedError{Cause: err}
	}

	return r.ingestBatch(ctx, conn, readings)
}

// ingestBatch 把拉到的读数逐条灌入时间线
// 中途失败保留已入库部分，把计数带在 SyncFailedError 里
func (r *Reconciler) ingestBatch(ctx context.Context, conn *models.CGMConnection, readings []*models.Reading) (*SyncReport, error) {
	report := &SyncReport{Fetched: len(readings)}

	for _, reading := range readings {
		reading.OwnerID = conn.OwnerID

		result, err := r.timeline.Ingest(ctx, reading)
		if err != nil {
			if errors.Is(err, models.ErrValidation) {
				// 越界读数只丢弃这一条，不中断批次
				r.logger.Warn("Dropping out-of-range reading from feed",
					zap.String("owner_id", conn.OwnerID),
					zap.Int("value", reading.Value),
					zap.Error(err),
				)
				report.Invalid++
				continue
			}
			return report, &models.SyncFailedError{Ingested: report.Stored, Cause: err}
		}

		switch result {
		case timeline.Stored:
			report.Stored++
		case timeline.Superseded:
			report.Superseded++
		default:
			report.Duplicates++
		}
	}

	now := time.Now()
	if err := r.connections.UpdateLastSync(ctx, conn.ConnectionID, now); err != nil {
		r.logger.Error("Failed to update last sync time",
			zap.String("connection_id", conn.ConnectionID),
			zap.Error(err),
		)
	}
	conn.LastSyncAt = &now

	r.logger.Info("CGM sync completed",
		zap.String("owner_id", conn.OwnerID),
		zap.String("connection_type", string(conn.Type)),
		zap.Int("fetched", report.Fetched),
		zap.Int("stored", report.Stored),
		zap.Int("duplicates", report.Duplicates),
		zap.Int("superseded", report.Superseded),
	)

	return report, nil
}

// syncWindow 计算本次拉取的时间窗口
func (r *Reconciler) syncWindow(conn *models.CGMConnection) (time.Time, time.Time) {
	now := time.Now()
	from := now.Add(-maxBackfillWindow)
	if conn.LastSyncAt != nil && conn.LastSyncAt.After(from) {
		// 往回多取一个同步周期，边界上的读数靠去重桶兜底
		from = conn.LastSyncAt.Add(-time.Duration(r.config.Dexcom.SyncIntervalSeconds) * time.Second)
	}
	return from, now
}

// sealCredential 加密任意可序列化凭证
func sealCredential(sealer *CredentialSealer, cred interface{ MarshalSealed() ([]byte, error) }) (string, error) {
	raw, err := cred.MarshalSealed()
	if err != nil {
		return "", fmt.Errorf("failed to encode credential: %w", err)
	}
	return sealer.Seal(raw)
}

// SealOAuthCredential 加密 OAuth 凭证（连接建立时用）
func SealOAuthCredential(sealer *CredentialSealer, cred *OAuthCredential) (string, error) {
	return sealCredential(sealer, cred)
}

// SealShareCredential 加密 Share 凭证（连接建立时用）
func SealShareCredential(sealer *CredentialSealer, cred *ShareCredential) (string, error) {
	return sealCredential(sealer, cred)
}
