package service

import (
	"context"
	"fmt"
	"time"

	"gluco-circle/internal/models"
	"gluco-circle/internal/repository"

	"go.uber.org/zap"
)

// 邀请码有效期
const inviteCodeTTL = 72 * time.Hour

// CircleService 关爱圈成员管理
// primary 发码、member 兑换成 pending、primary 批准后激活；
// 移除立即生效，重新加入需要新邀请码
type CircleService struct {
	memberships *repository.MembershipsRepository
	accounts    *repository.AccountsRepository
	logger      *zap.Logger
}

// NewCircleService 创建成员服务
func NewCircleService(
	memberships *repository.MembershipsRepository,
	accounts *repository.AccountsRepository,
	logger *zap.Logger,
) *CircleService {
	return &CircleService{
		memberships: memberships,
		accounts:    accounts,
		logger:      logger,
	}
}

// CreateInvite 生成邀请码（仅 primary）
func (s *CircleService) CreateInvite(ctx context.Context, primaryID string) (string, error) {
	account, err := s.accounts.GetAccount(ctx, primaryID)
	if err != nil {
		return "", err
	}
	if account.Role != models.RolePrimary {
		return "", fmt.Errorf("%w: only primary accounts issue invites", models.ErrNotAuthorized)
	}

	code, err := s.memberships.CreateInviteCode(ctx, primaryID, inviteCodeTTL)
	if err != nil {
		return "", err
	}

	s.logger.Info("Invite code created", zap.String("primary_id", primaryID))

	return code, nil
}

// Redeem 兑换邀请码，产生 pending 成员关系
func (s *CircleService) Redeem(ctx context.Context, code, memberID string) (*models.CircleMembership, error) {
	account, err := s.accounts.GetAccount(ctx, memberID)
	if err != nil {
		return nil, err
	}
	if account.Role != models.RoleMember {
		return nil, fmt.Errorf("%w: only member accounts join circles", models.ErrNotAuthorized)
	}

	membership, err := s.memberships.RedeemInviteCode(ctx, code, memberID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Invite code redeemed",
		zap.String("primary_id", membership.PrimaryID),
		zap.String("member_id", memberID),
	)

	return membership, nil
}

// Approve primary 批准 pending 成员，关系转为 active
func (s *CircleService) Approve(ctx context.Context, primaryID, memberID string) error {
	if err := s.memberships.ActivateMembership(ctx, primaryID, memberID); err != nil {
		return err
	}

	s.logger.Info("Membership activated",
		zap.String("primary_id", primaryID),
		zap.String("member_id", memberID),
	)

	return nil
}

// Remove 移除成员关系
// primary 移除任何成员，成员可以自行退出；可见性即刻撤销
func (s *CircleService) Remove(ctx context.Context, primaryID, memberID, actorID string) error {
	if actorID != primaryID && actorID != memberID {
		return models.ErrNotAuthorized
	}

	if err := s.memberships.RemoveMembership(ctx, primaryID, memberID); err != nil {
		return err
	}

	s.logger.Info("Membership removed",
		zap.String("primary_id", primaryID),
		zap.String("member_id", memberID),
		zap.String("actor_id", actorID),
	)

	return nil
}

// Roster 查询 active 成员列表
func (s *CircleService) Roster(ctx context.Context, primaryID string) ([]*models.CircleMembership, error) {
	return s.memberships.ListActiveMembers(ctx, primaryID)
}

// UpdateSettings 更新账户报警阈值
func (s *CircleService) UpdateSettings(ctx context.Context, accountID string, settings models.AlertSettings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	return s.accounts.UpdateAlertSettings(ctx, accountID, settings)
}

// UpdatePreferences 更新通知类别偏好
func (s *CircleService) UpdatePreferences(ctx context.Context, accountID string, prefs models.NotificationPreferences) error {
	return s.accounts.UpdatePreferences(ctx, accountID, prefs)
}

// SetPaused 暂停/恢复通知（仅 member 角色，报警创建不受影响）
func (s *CircleService) SetPaused(ctx context.Context, accountID string, paused bool) error {
	return s.accounts.SetPaused(ctx, accountID, paused)
}
