// Package job hosts the periodic workers: points-funded subscription renewal
// and the stale-pending audit sweep. Both run on tickers under the fx
// lifecycle and are written as RunOnce batches so a run can be invoked
// directly.
package job

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
	"github.com/fanvault/pointpay/internal/platform/mq"
	cfgpkg "github.com/fanvault/pointpay/pkg/config"
	"github.com/fanvault/pointpay/pkg/metrics"
	"github.com/fanvault/pointpay/pkg/payerr"
	"github.com/fanvault/pointpay/pkg/types"
)

// RenewalJob charges due points-funded subscriptions. A failed charge starts
// the grace window; a charge still failing once the window has elapsed
// cancels the subscription. No partial renewals.
type RenewalJob struct {
	cfg      *cfgpkg.Config
	log      *zap.SugaredLogger
	db       *gorm.DB
	ledger   *ledger.Service
	audit    *auditlog.Service
	catalog  *catalog.Service
	notifier mq.Notifier

	stopCh chan struct{}
}

func NewRenewalJob(
	cfg *cfgpkg.Config,
	log *zap.SugaredLogger,
	db *gorm.DB,
	ledgerSvc *ledger.Service,
	audit *auditlog.Service,
	cat *catalog.Service,
	notifier mq.Notifier,
) *RenewalJob {
	return &RenewalJob{
		cfg:      cfg,
		log:      log,
		db:       db,
		ledger:   ledgerSvc,
		audit:    audit,
		catalog:  cat,
		notifier: notifier,
		stopCh:   make(chan struct{}),
	}
}

type RenewalStats struct {
	Scanned      int
	Renewed      int
	GraceStarted int
	Cancelled    int
	Errors       int
}

// RunOnce processes one batch of subscriptions due at now. Failures on one
// subscription never stop the batch.
func (j *RenewalJob) RunOnce(ctx context.Context, now time.Time) (RenewalStats, error) {
	var stats RenewalStats

	batch := j.cfg.Jobs.RenewalBatchSize
	if batch <= 0 {
		batch = 200
	}

	var due []*models.Subscription
	err := j.db.WithContext(ctx).
		Where("status = ? AND next_billing_at <= ?", types.SubscriptionStatusActive, now).
		Order("next_billing_at asc").
		Limit(batch).
		Find(&due).Error
	if err != nil {
		return stats, fmt.Errorf("failed to scan due subscriptions: %w", err)
	}
	stats.Scanned = len(due)

	for _, sub := range due {
		outcome, err := j.renewOne(ctx, now, sub)
		switch {
		case err == nil && outcome == outcomeRenewed:
			stats.Renewed++
		case err == nil && outcome == outcomeGraceStarted:
			stats.GraceStarted++
		case err == nil && outcome == outcomeGraceContinues:
			// Waiting out the window; nothing to count.
		case err == nil && outcome == outcomeCancelled:
			stats.Cancelled++
		default:
			stats.Errors++
			j.log.Errorw("subscription_renewal_failed", "subscription_id", sub.ID, "err", err)
		}
		if outcome != "" {
			metrics.RenewalOutcomes.WithLabelValues(string(outcome)).Inc()
		}
	}

	if stats.Scanned > 0 {
		j.log.Infow("renewal_run_finished",
			"scanned", stats.Scanned, "renewed", stats.Renewed,
			"grace_started", stats.GraceStarted, "cancelled", stats.Cancelled, "errors", stats.Errors)
	}
	return stats, nil
}

type renewalOutcome string

const (
	outcomeRenewed        renewalOutcome = "renewed"
	outcomeGraceStarted   renewalOutcome = "grace_started"
	outcomeGraceContinues renewalOutcome = "grace_continues"
	outcomeCancelled      renewalOutcome = "cancelled"
	outcomeError          renewalOutcome = "error"
)

func (j *RenewalJob) renewOne(ctx context.Context, now time.Time, sub *models.Subscription) (renewalOutcome, error) {
	var auditLogID string

	err := j.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry, err := j.audit.Create(ctx, tx, &models.PaymentAuditLog{
			OperationType: types.OperationSubscription,
			UserID:        sub.UserID,
			CreatorID:     sub.CreatorID,
			TotalAmount:   sub.PointsPrice,
			PointsAmount:  sub.PointsPrice,
			StripeAmount:  0,
		})
		if err != nil {
			return err
		}
		if err := j.audit.MarkProcessing(ctx, tx, entry.ID); err != nil {
			return err
		}
		auditLogID = entry.ID

		_, err = j.ledger.Debit(ctx, tx, sub.UserID, sub.PointsPrice,
			types.PointTransactionTypeRenewal, entry.ID,
			fmt.Sprintf("renewal of subscription %s to plan %s", sub.ID, sub.PlanID))
		if err != nil {
			return err
		}

		// Advance from the previous billing date, not from now, so a late
		// run does not shift the user's billing day.
		updates := map[string]interface{}{
			"next_billing_at":        sub.NextBillingAt.AddDate(0, 1, 0),
			"point_deduct_failed_at": nil,
			"updated_at":             now,
		}
		res := tx.WithContext(ctx).Model(&models.Subscription{}).
			Where("id = ? AND status = ?", sub.ID, types.SubscriptionStatusActive).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("failed to advance billing date: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: subscription %s changed underneath renewal", payerr.ErrConflict, sub.ID)
		}

		if err := j.catalog.CreditPayeeTotal(ctx, tx, sub.CreatorID, sub.PointsPrice); err != nil {
			return err
		}
		return j.audit.Complete(ctx, tx, entry.ID, "subscription", sub.ID, auditlog.ExternalIDs{})
	})

	if err == nil {
		j.notifier.Notify(ctx, &mq.PaymentEvent{
			Type:        mq.EventSubscriptionRenewed,
			Operation:   types.OperationSubscription,
			AuditLogID:  auditLogID,
			UserID:      sub.UserID,
			CreatorID:   sub.CreatorID,
			TotalAmount: sub.PointsPrice,
		})
		return outcomeRenewed, nil
	}

	if !errors.Is(err, payerr.ErrInsufficientBalance) {
		return outcomeError, err
	}
	return j.handleShortfall(ctx, now, sub)
}

// handleShortfall applies the grace policy after a failed charge: first
// failure stamps the window start, later failures cancel once the full grace
// period has elapsed at the time of the attempt.
func (j *RenewalJob) handleShortfall(ctx context.Context, now time.Time, sub *models.Subscription) (renewalOutcome, error) {
	if sub.PointDeductFailedAt == nil {
		res := j.db.WithContext(ctx).Model(&models.Subscription{}).
			Where("id = ? AND point_deduct_failed_at IS NULL", sub.ID).
			Update("point_deduct_failed_at", now)
		if res.Error != nil {
			return outcomeError, fmt.Errorf("failed to start grace window: %w", res.Error)
		}
		j.log.Warnw("renewal_grace_started", "subscription_id", sub.ID, "user_id", sub.UserID)
		return outcomeGraceStarted, nil
	}

	if now.Sub(*sub.PointDeductFailedAt) < j.cfg.Jobs.GracePeriod() {
		return outcomeGraceContinues, nil
	}

	err := j.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Subscription{}).
			Where("id = ? AND status = ?", sub.ID, types.SubscriptionStatusActive).
			Updates(map[string]interface{}{
				"status":       types.SubscriptionStatusCancelled,
				"cancelled_at": now,
				"updated_at":   now,
			})
		if res.Error != nil {
			return fmt.Errorf("failed to cancel subscription: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: subscription %s changed underneath cancellation", payerr.ErrConflict, sub.ID)
		}
		return j.catalog.AdjustPlanSubscribers(ctx, tx, sub.PlanID, -1)
	})
	if err != nil {
		return outcomeError, err
	}

	j.notifier.Notify(ctx, &mq.PaymentEvent{
		Type:        mq.EventSubscriptionCancelled,
		Operation:   types.OperationSubscription,
		UserID:      sub.UserID,
		CreatorID:   sub.CreatorID,
		TotalAmount: sub.PointsPrice,
	})
	j.log.Warnw("subscription_cancelled_after_grace",
		"subscription_id", sub.ID, "user_id", sub.UserID,
		"grace_started_at", sub.PointDeductFailedAt)
	return outcomeCancelled, nil
}

// Start launches the ticker loop. Stop is idempotent through the lifecycle.
func (j *RenewalJob) Start() {
	interval := j.cfg.Jobs.RenewalInterval
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-j.stopCh:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				if _, err := j.RunOnce(ctx, time.Now()); err != nil {
					j.log.Errorw("renewal_run_error", "err", err)
				}
				cancel()
			}
		}
	}()
}

func (j *RenewalJob) Stop() {
	close(j.stopCh)
}
