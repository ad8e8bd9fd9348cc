// Package catalog is the engine's view of the collaborator-owned domain:
// resource pricing and gating, domain record creation on settlement, and
// payee aggregate totals.
package catalog

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fanvault/pointpay/internal/models"
	"github.com/fanvault/pointpay/pkg/payerr"
	"github.com/fanvault/pointpay/pkg/tool"
	"github.com/fanvault/pointpay/pkg/types"
)

type Service struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

func NewService(db *gorm.DB, log *zap.SugaredLogger) *Service {
	return &Service{db: db, log: log}
}

// Resource is the priced, gated view of a purchasable thing. For creators
// (tips) Price is zero: the tip amount is caller-chosen.
type Resource struct {
	Type      types.ResourceType
	ID        string
	CreatorID string
	Price     int64
	Adult     bool
}

// Resolve loads a resource and inherits the adult flag from the owning
// creator when the item itself carries none.
func (s *Service) Resolve(ctx context.Context, rtype types.ResourceType, id string) (*Resource, error) {
	if id == "" || !rtype.Valid() {
		return nil, fmt.Errorf("%w: bad resource reference %s/%s", payerr.ErrValidation, rtype, id)
	}

	switch rtype {
	case types.ResourceTypePost:
		var post models.Post
		if err := s.first(ctx, &post, "id = ?", id); err != nil {
			return nil, err
		}
		creator, err := s.getCreator(ctx, post.CreatorID)
		if err != nil {
			return nil, err
		}
		return &Resource{
			Type:      rtype,
			ID:        post.ID,
			CreatorID: post.CreatorID,
			Price:     post.PointsPrice,
			Adult:     post.IsAdult || creator.IsAdult,
		}, nil

	case types.ResourceTypePlan:
		var plan models.Plan
		if err := s.first(ctx, &plan, "id = ?", id); err != nil {
			return nil, err
		}
		creator, err := s.getCreator(ctx, plan.CreatorID)
		if err != nil {
			return nil, err
		}
		return &Resource{
			Type:      rtype,
			ID:        plan.ID,
			CreatorID: plan.CreatorID,
			Price:     plan.PointsPrice,
			Adult:     creator.IsAdult,
		}, nil

	case types.ResourceTypeCreator:
		creator, err := s.getCreator(ctx, id)
		if err != nil {
			return nil, err
		}
		return &Resource{
			Type:      rtype,
			ID:        creator.ID,
			CreatorID: creator.ID,
			Adult:     creator.IsAdult,
		}, nil
	}
	return nil, fmt.Errorf("%w: resource type %q", payerr.ErrValidation, rtype)
}

func (s *Service) GetPlan(ctx context.Context, id string) (*models.Plan, error) {
	var plan models.Plan
	if err := s.first(ctx, &plan, "id = ?", id); err != nil {
		return nil, err
	}
	return &plan, nil
}

func (s *Service) HasPurchase(ctx context.Context, userID, postID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Purchase{}).
		Where("user_id = ? AND post_id = ?", userID, postID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check purchase: %w", err)
	}
	return count > 0, nil
}

func (s *Service) HasActiveSubscription(ctx context.Context, userID, planID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("user_id = ? AND plan_id = ? AND status = ?", userID, planID, types.SubscriptionStatusActive).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check subscription: %w", err)
	}
	return count > 0, nil
}

func (s *Service) CreatePurchase(ctx context.Context, tx *gorm.DB, p *models.Purchase) (*models.Purchase, error) {
	if p.ID == "" {
		p.ID = tool.GenerateUUIDV7()
	}
	if err := tx.WithContext(ctx).Create(p).Error; err != nil {
		return nil, fmt.Errorf("failed to create purchase: %w", err)
	}
	return p, nil
}

func (s *Service) CreateTip(ctx context.Context, tx *gorm.DB, t *models.Tip) (*models.Tip, error) {
	if t.ID == "" {
		t.ID = tool.GenerateUUIDV7()
	}
	if err := tx.WithContext(ctx).Create(t).Error; err != nil {
		return nil, fmt.Errorf("failed to create tip: %w", err)
	}
	return t, nil
}

func (s *Service) CreateSubscription(ctx context.Context, tx *gorm.DB, sub *models.Subscription) (*models.Subscription, error) {
	if sub.ID == "" {
		sub.ID = tool.GenerateUUIDV7()
	}
	if err := tx.WithContext(ctx).Create(sub).Error; err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}
	return sub, nil
}

// CreditPayeeTotal bumps the creator's running earnings atomically with the
// surrounding transaction.
func (s *Service) CreditPayeeTotal(ctx context.Context, tx *gorm.DB, creatorID string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: payee credit must be positive", payerr.ErrValidation)
	}
	res := tx.WithContext(ctx).Model(&models.Creator{}).
		Where("id = ?", creatorID).
		Update("earned_total", gorm.Expr("earned_total + ?", amount))
	if res.Error != nil {
		return fmt.Errorf("failed to credit payee total: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: creator %s", payerr.ErrNotFound, creatorID)
	}
	return nil
}

// AdjustPlanSubscribers moves the subscriber counter by delta, clamped at
// zero on the way down.
func (s *Service) AdjustPlanSubscribers(ctx context.Context, tx *gorm.DB, planID string, delta int64) error {
	q := tx.WithContext(ctx).Model(&models.Plan{}).Where("id = ?", planID)
	if delta < 0 {
		q = q.Where("subscriber_count >= ?", -delta)
	}
	res := q.Update("subscriber_count", gorm.Expr("subscriber_count + ?", delta))
	if res.Error != nil {
		return fmt.Errorf("failed to adjust plan subscribers: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: plan %s", payerr.ErrNotFound, planID)
	}
	return nil
}

func (s *Service) getCreator(ctx context.Context, id string) (*models.Creator, error) {
	var creator models.Creator
	if err := s.first(ctx, &creator, "id = ?", id); err != nil {
		return nil, err
	}
	return &creator, nil
}

func (s *Service) first(ctx context.Context, dest any, query string, args ...any) error {
	err := s.db.WithContext(ctx).Where(query, args...).First(dest).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s %v", payerr.ErrNotFound, query, args)
		}
		return fmt.Errorf("failed to load record: %w", err)
	}
	return nil
}
