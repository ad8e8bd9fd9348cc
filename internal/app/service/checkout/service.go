// Package checkout is the split-payment orchestrator. It decides the
// points/external split for a price, executes fully-points operations
// synchronously, and opens external checkout sessions for everything else.
// The deferred points debit of a hybrid operation is settled by the webhook
// reconciler, never here.
package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fanvault/pointpay/internal/app/service/auditlog"
	"github.com/fanvault/pointpay/internal/app/service/catalog"
	"github.com/fanvault/pointpay/internal/app/service/idempotency"
	"github.com/fanvault/pointpay/internal/app/service/ledger"
	"github.com/fanvault/pointpay/internal/models"
	"github.com/fanvault/pointpay/internal/platform/gateway"
	"github.com/fanvault/pointpay/internal/platform/mq"
	cfgpkg "github.com/fanvault/pointpay/pkg/config"
	"github.com/fanvault/pointpay/pkg/logctx"
	"github.com/fanvault/pointpay/pkg/metrics"
	"github.com/fanvault/pointpay/pkg/payerr"
	"github.com/fanvault/pointpay/pkg/types"
)

type Service struct {
	cfg      *cfgpkg.Config
	log      *zap.SugaredLogger
	db       *gorm.DB
	ledger   *ledger.Service
	idem     *idempotency.Service
	audit    *auditlog.Service
	catalog  *catalog.Service
	gateway  gateway.Gateway
	notifier mq.Notifier
}

func NewService(
	cfg *cfgpkg.Config,
	log *zap.SugaredLogger,
	db *gorm.DB,
	ledgerSvc *ledger.Service,
	idem *idempotency.Service,
	audit *auditlog.Service,
	cat *catalog.Service,
	gw gateway.Gateway,
	notifier mq.Notifier,
) *Service {
	return &Service{
		cfg:      cfg,
		log:      log,
		db:       db,
		ledger:   ledgerSvc,
		idem:     idem,
		audit:    audit,
		catalog:  cat,
		gateway:  gw,
		notifier: notifier,
	}
}

type PayWithPointsRequest struct {
	UserID       string             `json:"-"`
	ResourceType types.ResourceType `json:"resource_type"`
	ResourceID   string             `json:"resource_id"`
	// PointsAmount is the tip amount for creator tips. For posts and plans
	// the price is authoritative; a non-zero value must match it.
	PointsAmount   int64  `json:"points_amount"`
	TipMessage     string `json:"tip_message"`
	IdempotencyKey string `json:"idempotency_key"`
}

type PayWithPointsResult struct {
	Success        bool                `json:"success"`
	DomainRecordID string              `json:"domain_record_id"`
	AuditLogID     string              `json:"audit_log_id,omitempty"`
	NewBalance     int64               `json:"new_balance"`
	PaymentMethod  types.PaymentMethod `json:"payment_method"`
}

// PayWithPoints executes a fully points-funded operation synchronously:
// debit, domain record, payee total, and audit-log completion commit as one
// unit.
func (s *Service) PayWithPoints(ctx context.Context, req *PayWithPointsRequest) (*PayWithPointsResult, error) {
	if req == nil || req.UserID == "" {
		return nil, fmt.Errorf("%w: missing user", payerr.ErrValidation)
	}

	res, err := s.catalog.Resolve(ctx, req.ResourceType, req.ResourceID)
	if err != nil {
		return nil, err
	}

	op, price, err := s.pointsPlan(req, res)
	if err != nil {
		return nil, err
	}

	if price == 0 {
		// Free resources bypass payment entirely: domain record only, no
		// audit log.
		return s.grantFree(ctx, req.UserID, res)
	}

	if err := s.rejectDuplicate(ctx, req.UserID, res); err != nil {
		return nil, err
	}

	key := req.IdempotencyKey
	if key == "" {
		key = idempotency.DefaultKey(op, req.UserID, string(res.Type), res.ID)
	}

	payload, err := s.idem.Run(ctx, key, op, req.UserID, func(ctx context.Context) (any, error) {
		return s.executePointsPayment(ctx, req, res, op, price, key)
	})
	if err != nil {
		return nil, err
	}

	var out PayWithPointsResult
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("failed to decode payment result: %w", err)
	}
	return &out, nil
}

// pointsPlan validates the request shape and picks the operation and price
// for the points-only path.
func (s *Service) pointsPlan(req *PayWithPointsRequest, res *catalog.Resource) (types.PaymentOperation, int64, error) {
	switch res.Type {
	case types.ResourceTypePost:
		if req.PointsAmount != 0 && req.PointsAmount != res.Price {
			return "", 0, fmt.Errorf("%w: points amount %d does not match price %d", payerr.ErrValidation, req.PointsAmount, res.Price)
		}
		return types.OperationPurchase, res.Price, nil
	case types.ResourceTypePlan:
		if req.PointsAmount != 0 && req.PointsAmount != res.Price {
			return "", 0, fmt.Errorf("%w: points amount %d does not match plan price %d", payerr.ErrValidation, req.PointsAmount, res.Price)
		}
		return types.OperationSubscription, res.Price, nil
	case types.ResourceTypeCreator:
		if req.PointsAmount <= 0 {
			return "", 0, fmt.Errorf("%w: tip amount must be positive", payerr.ErrValidation)
		}
		return types.OperationTip, req.PointsAmount, nil
	}
	return "", 0, fmt.Errorf("%w: resource type %q", payerr.ErrValidation, res.Type)
}

func (s *Service) rejectDuplicate(ctx context.Context, userID string, res *catalog.Resource) error {
	switch res.Type {
	case types.ResourceTypePost:
		owned, err := s.catalog.HasPurchase(ctx, userID, res.ID)
		if err != nil {
			return err
		}
		if owned {
			return fmt.Errorf("%w: post %s", payerr.ErrAlreadyPurchased, res.ID)
		}
	case types.ResourceTypePlan:
		active, err := s.catalog.HasActiveSubscription(ctx, userID, res.ID)
		if err != nil {
			return err
		}
		if active {
			return fmt.Errorf("%w: plan %s", payerr.ErrDuplicateSubscription, res.ID)
		}
	}
	return nil
}

func (s *Service) grantFree(ctx context.Context, userID string, res *catalog.Resource) (*PayWithPointsResult, error) {
	if res.Type != types.ResourceTypePost {
		return nil, fmt.Errorf("%w: %s has no price", payerr.ErrValidation, res.Type)
	}

	// Re-granting a free post is a no-op returning the existing record.
	var existing models.Purchase
	created := &existing
	err := s.db.WithContext(ctx).Where("user_id = ? AND post_id = ?", userID, res.ID).
		First(&existing).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("failed to check free purchase: %w", err)
		}
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var txErr error
			created, txErr = s.catalog.CreatePurchase(ctx, tx, &models.Purchase{
				UserID:        userID,
				PostID:        res.ID,
				CreatorID:     res.CreatorID,
				PaymentMethod: types.PaymentMethodFree,
			})
			return txErr
		})
		if err != nil {
			return nil, err
		}
	}

	bal, err := s.ledger.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &PayWithPointsResult{
		Success:        true,
		DomainRecordID: created.ID,
		NewBalance:     bal.Balance,
		PaymentMethod:  types.PaymentMethodFree,
	}, nil
}

// executePointsPayment runs the one-transaction synchronous path. A rollback
// removes the audit log together with everything else, so a failed attempt
// leaves nothing pending.
func (s *Service) executePointsPayment(ctx context.Context, req *PayWithPointsRequest, res *catalog.Resource, op types.PaymentOperation, price int64, key string) (*PayWithPointsResult, error) {
	var out PayWithPointsResult

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry, err := s.audit.Create(ctx, tx, &models.PaymentAuditLog{
			OperationType:  op,
			UserID:         req.UserID,
			CreatorID:      res.CreatorID,
			TotalAmount:    price,
			PointsAmount:   price,
			StripeAmount:   0,
			IdempotencyKey: key,
		})
		if err != nil {
			return err
		}
		if err := s.audit.MarkProcessing(ctx, tx, entry.ID); err != nil {
			return err
		}

		kind := types.PointTransactionTypeSpend
		txn, err := s.ledger.Debit(ctx, tx, req.UserID, price, kind, entry.ID, fmt.Sprintf("%s %s/%s", op, res.Type, res.ID))
		if err != nil {
			return err
		}

		refType, refID, err := s.createDomainRecord(ctx, tx, req, res, op, price, entry.ID)
		if err != nil {
			return err
		}

		if err := s.catalog.CreditPayeeTotal(ctx, tx, res.CreatorID, price); err != nil {
			return err
		}
		if err := s.audit.Complete(ctx, tx, entry.ID, refType, refID, auditlog.ExternalIDs{}); err != nil {
			return err
		}

		out = PayWithPointsResult{
			Success:        true,
			DomainRecordID: refID,
			AuditLogID:     entry.ID,
			NewBalance:     txn.BalanceAfter,
			PaymentMethod:  types.PaymentMethodPoints,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.PaymentOps.WithLabelValues(string(op), "completed").Inc()
	s.notifier.Notify(ctx, &mq.PaymentEvent{
		Type:        mq.EventPaymentCompleted,
		Operation:   op,
		AuditLogID:  out.AuditLogID,
		UserID:      req.UserID,
		CreatorID:   res.CreatorID,
		TotalAmount: price,
	})
	logctx.FromCtx(ctx, s.log).Infow("points_payment_completed",
		"operation", op, "audit_log_id", out.AuditLogID, "user_id", req.UserID, "amount", price)
	return &out, nil
}

func (s *Service) createDomainRecord(ctx context.Context, tx *gorm.DB, req *PayWithPointsRequest, res *catalog.Resource, op types.PaymentOperation, price int64, auditLogID string) (string, string, error) {
	switch res.Type {
	case types.ResourceTypePost:
		p, err := s.catalog.CreatePurchase(ctx, tx, &models.Purchase{
			UserID:        req.UserID,
			PostID:        res.ID,
			CreatorID:     res.CreatorID,
			PaymentMethod: types.PaymentMethodPoints,
			TotalAmount:   price,
			PointsUsed:    price,
			AuditLogID:    &auditLogID,
		})
		if err != nil {
			return "", "", err
		}
		return "purchase", p.ID, nil

	case types.ResourceTypePlan:
		sub, err := s.catalog.CreateSubscription(ctx, tx, &models.Subscription{
			UserID:        req.UserID,
			PlanID:        res.ID,
			CreatorID:     res.CreatorID,
			Status:        types.SubscriptionStatusActive,
			PaymentMethod: types.PaymentMethodPoints,
			PointsPrice:   price,
			NextBillingAt: time.Now().AddDate(0, 1, 0),
			AuditLogID:    &auditLogID,
		})
		if err != nil {
			return "", "", err
		}
		if err := s.catalog.AdjustPlanSubscribers(ctx, tx, res.ID, 1); err != nil {
			return "", "", err
		}
		return "subscription", sub.ID, nil

	case types.ResourceTypeCreator:
		var msg *string
		if req.TipMessage != "" {
			m := req.TipMessage
			msg = &m
		}
		t, err := s.catalog.CreateTip(ctx, tx, &models.Tip{
			UserID:        req.UserID,
			CreatorID:     res.CreatorID,
			PaymentMethod: types.PaymentMethodPoints,
			TotalAmount:   price,
			PointsUsed:    price,
			Message:       msg,
			AuditLogID:    &auditLogID,
		})
		if err != nil {
			return "", "", err
		}
		return "tip", t.ID, nil
	}
	return "", "", fmt.Errorf("%w: resource type %q", payerr.ErrValidation, res.Type)
}
