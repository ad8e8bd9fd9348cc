// Package reconciler settles hybrid and point-purchase operations when the
// gateway confirms a checkout session. Confirmations may arrive more than
// once and out of order with admin actions; every path here must converge to
// the same terminal state no matter how often it runs.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fanvault/pointpay/internal/app/service/auditlog"
	"github.com/fanvault/pointpay/internal/app/service/catalog"
	"github.com/fanvault/pointpay/internal/app/service/ledger"
	"github.com/fanvault/pointpay/internal/models"
	"github.com/fanvault/pointpay/internal/platform/gateway"
	"github.com/fanvault/pointpay/internal/platform/lock"
	"github.com/fanvault/pointpay/internal/platform/mq"
	"github.com/fanvault/pointpay/pkg/logctx"
	"github.com/fanvault/pointpay/pkg/metrics"
	"github.com/fanvault/pointpay/pkg/payerr"
	"github.com/fanvault/pointpay/pkg/types"
)

// reconcileLockTTL bounds how long a crashed worker can block redelivery.
const reconcileLockTTL = 30 * time.Second

type Service struct {
	log      *zap.SugaredLogger
	db       *gorm.DB
	ledger   *ledger.Service
	audit    *auditlog.Service
	catalog  *catalog.Service
	locks    *lock.Manager
	notifier mq.Notifier
}

func NewService(
	log *zap.SugaredLogger,
	db *gorm.DB,
	ledgerSvc *ledger.Service,
	audit *auditlog.Service,
	cat *catalog.Service,
	locks *lock.Manager,
	notifier mq.Notifier,
) *Service {
	return &Service{
		log:      log,
		db:       db,
		ledger:   ledgerSvc,
		audit:    audit,
		catalog:  cat,
		locks:    locks,
		notifier: notifier,
	}
}

// ProcessConfirmation settles a verified checkout confirmation.
//
// Returning nil means the event is consumed and must be acked, including the
// cases where nothing was done (already settled) and where the failure was
// recorded for manual recovery (a retry cannot fix it). Returned errors are
// transient; the caller answers non-2xx so the gateway redelivers.
func (s *Service) ProcessConfirmation(ctx context.Context, conf *gateway.Confirmation) error {
	if conf == nil {
		return fmt.Errorf("%w: nil confirmation", payerr.ErrValidation)
	}
	l := logctx.FromCtx(ctx, s.log)

	meta, err := gateway.DecodeMetadata(conf.Metadata)
	if err != nil {
		// The money already moved but we cannot attribute it. Flag the log
		// by session id if we can find it; either way ack, redelivery
		// carries the same broken metadata.
		l.Errorw("confirmation_metadata_invalid", "session_id", conf.SessionID, "err", err)
		if entry, lookupErr := s.audit.GetByStripeSession(ctx, conf.SessionID); lookupErr == nil {
			if markErr := s.audit.MarkForRecovery(ctx, entry.ID, "metadata_invalid", err.Error()); markErr != nil {
				return markErr
			}
			metrics.RecoveryFlagged.Inc()
		}
		return nil
	}

	return s.locks.WithLock(ctx, "reconcile:"+meta.AuditLogID, reconcileLockTTL, func() error {
		return s.settle(ctx, conf, meta)
	})
}

func (s *Service) settle(ctx context.Context, conf *gateway.Confirmation, meta *gateway.CheckoutMetadata) error {
	l := logctx.FromCtx(ctx, s.log)

	entry, err := s.audit.Get(ctx, meta.AuditLogID)
	if err != nil {
		return err
	}
	if !entry.Open() {
		// Completed, failed, refunded or recovered: a duplicate delivery.
		l.Infow("confirmation_duplicate", "audit_log_id", entry.ID, "status", entry.Status)
		return nil
	}
	if entry.UserID != meta.UserID || entry.OperationType != meta.Operation {
		// Metadata was tampered with or crossed sessions; do not settle.
		if err := s.audit.MarkForRecovery(ctx, entry.ID, "metadata_mismatch",
			fmt.Sprintf("metadata user=%s op=%s, log user=%s op=%s",
				meta.UserID, meta.Operation, entry.UserID, entry.OperationType)); err != nil {
			return err
		}
		metrics.RecoveryFlagged.Inc()
		return nil
	}

	ext := auditlog.ExternalIDs{
		SessionID:       conf.SessionID,
		PaymentIntentID: conf.PaymentIntentID,
		SubscriptionID:  conf.SubscriptionID,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.audit.MarkProcessing(ctx, tx, entry.ID); err != nil {
			return err
		}
		refType, refID, err := s.apply(ctx, tx, entry, meta)
		if err != nil {
			return err
		}
		return s.audit.Complete(ctx, tx, entry.ID, refType, refID, ext)
	})

	switch {
	case err == nil:
		metrics.PaymentOps.WithLabelValues(string(entry.OperationType), "completed").Inc()
		s.notifier.Notify(ctx, &mq.PaymentEvent{
			Type:        mq.EventPaymentCompleted,
			Operation:   entry.OperationType,
			AuditLogID:  entry.ID,
			UserID:      entry.UserID,
			CreatorID:   entry.CreatorID,
			TotalAmount: entry.TotalAmount,
		})
		l.Infow("confirmation_settled", "audit_log_id", entry.ID, "operation", entry.OperationType)
		return nil

	case errors.Is(err, payerr.ErrConflict):
		// Another worker settled between our status read and the update.
		l.Infow("confirmation_lost_race", "audit_log_id", entry.ID)
		return nil

	default:
		if rec, ok := payerr.IsRecoverable(err); ok {
			// The card leg is already captured but the deferred points leg
			// cannot be. Retrying will not conjure points; record it for an
			// operator and ack.
			return s.flagShortfall(ctx, entry, ext, rec)
		}
		return err
	}
}

// apply performs the operation-specific settlement work inside tx and returns
// the domain record reference for the audit log.
func (s *Service) apply(ctx context.Context, tx *gorm.DB, entry *models.PaymentAuditLog, meta *gateway.CheckoutMetadata) (string, string, error) {
	switch entry.OperationType {
	case types.OperationPointPurchase:
		txn, err := s.ledger.Credit(ctx, tx, entry.UserID, meta.PointsGranted,
			types.PointTransactionTypePurchase, entry.ID,
			fmt.Sprintf("purchased %d points", meta.PointsGranted))
		if err != nil {
			return "", "", err
		}
		return "point_transaction", txn.ID, nil

	case types.OperationPurchase, types.OperationHybridPurchase:
		if err := s.debitPointsLeg(ctx, tx, entry, meta); err != nil {
			return "", "", err
		}
		p, err := s.catalog.CreatePurchase(ctx, tx, &models.Purchase{
			UserID:        entry.UserID,
			PostID:        meta.ResourceID,
			CreatorID:     entry.CreatorID,
			PaymentMethod: types.MethodFor(entry.PointsAmount, entry.StripeAmount),
			TotalAmount:   entry.TotalAmount,
			PointsUsed:    entry.PointsAmount,
			StripeAmount:  entry.StripeAmount,
			AuditLogID:    &entry.ID,
		})
		if err != nil {
			return "", "", err
		}
		if err := s.catalog.CreditPayeeTotal(ctx, tx, entry.CreatorID, entry.TotalAmount); err != nil {
			return "", "", err
		}
		return "purchase", p.ID, nil

	case types.OperationTip, types.OperationHybridTip:
		if err := s.debitPointsLeg(ctx, tx, entry, meta); err != nil {
			return "", "", err
		}
		var msg *string
		if meta.TipMessage != "" {
			m := meta.TipMessage
			msg = &m
		}
		t, err := s.catalog.CreateTip(ctx, tx, &models.Tip{
			UserID:        entry.UserID,
			CreatorID:     entry.CreatorID,
			PaymentMethod: types.MethodFor(entry.PointsAmount, entry.StripeAmount),
			TotalAmount:   entry.TotalAmount,
			PointsUsed:    entry.PointsAmount,
			StripeAmount:  entry.StripeAmount,
			Message:       msg,
			AuditLogID:    &entry.ID,
		})
		if err != nil {
			return "", "", err
		}
		if err := s.catalog.CreditPayeeTotal(ctx, tx, entry.CreatorID, entry.TotalAmount); err != nil {
			return "", "", err
		}
		return "tip", t.ID, nil

	case types.OperationSubscription:
		if err := s.debitPointsLeg(ctx, tx, entry, meta); err != nil {
			return "", "", err
		}
		sub, err := s.catalog.CreateSubscription(ctx, tx, &models.Subscription{
			UserID:        entry.UserID,
			PlanID:        meta.ResourceID,
			CreatorID:     entry.CreatorID,
			Status:        types.SubscriptionStatusActive,
			PaymentMethod: types.MethodFor(entry.PointsAmount, entry.StripeAmount),
			PointsPrice:   entry.TotalAmount,
			NextBillingAt: time.Now().AddDate(0, 1, 0),
			AuditLogID:    &entry.ID,
		})
		if err != nil {
			return "", "", err
		}
		if err := s.catalog.AdjustPlanSubscribers(ctx, tx, meta.ResourceID, 1); err != nil {
			return "", "", err
		}
		if err := s.catalog.CreditPayeeTotal(ctx, tx, entry.CreatorID, entry.TotalAmount); err != nil {
			return "", "", err
		}
		return "subscription", sub.ID, nil
	}

	return "", "", fmt.Errorf("%w: operation %q", payerr.ErrValidation, entry.OperationType)
}

func (s *Service) debitPointsLeg(ctx context.Context, tx *gorm.DB, entry *models.PaymentAuditLog, meta *gateway.CheckoutMetadata) error {
	if entry.PointsAmount <= 0 {
		return nil
	}
	_, err := s.ledger.Debit(ctx, tx, entry.UserID, entry.PointsAmount,
		types.PointTransactionTypeSpend, entry.ID,
		fmt.Sprintf("%s %s/%s points leg", entry.OperationType, meta.ResourceType, meta.ResourceID))
	if errors.Is(err, payerr.ErrInsufficientBalance) {
		return payerr.Reconciliation(entry.ID, "insufficient_points_at_confirmation",
			"deferred points leg cannot be covered", err)
	}
	return err
}

// flagShortfall closes the log as failed with the recovery flag set. The
// settlement transaction has rolled back, so the failed write happens on a
// fresh one.
func (s *Service) flagShortfall(ctx context.Context, entry *models.PaymentAuditLog, ext auditlog.ExternalIDs, cause *payerr.ReconciliationError) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.audit.Fail(ctx, tx, entry.ID, cause.Code, cause.Message,
			map[string]any{
				"stripe_session_id": ext.SessionID,
				"points_amount":     entry.PointsAmount,
				"stripe_amount":     entry.StripeAmount,
			}, true)
	})
	if err != nil {
		if errors.Is(err, payerr.ErrConflict) {
			return nil
		}
		return err
	}

	metrics.PaymentOps.WithLabelValues(string(entry.OperationType), "failed").Inc()
	metrics.RecoveryFlagged.Inc()
	s.notifier.Notify(ctx, &mq.PaymentEvent{
		Type:        mq.EventRecoveryFlagged,
		Operation:   entry.OperationType,
		AuditLogID:  entry.ID,
		UserID:      entry.UserID,
		CreatorID:   entry.CreatorID,
		TotalAmount: entry.TotalAmount,
	})
	logctx.FromCtx(ctx, s.log).Errorw("confirmation_points_shortfall",
		"audit_log_id", entry.ID, "user_id", entry.UserID,
		"points_amount", entry.PointsAmount, "stripe_amount", entry.StripeAmount)
	return nil
}
