// Package admin implements the operator surface: the recovery queue, manual
// resolution and refunds, and point grants. Every action is attributed to an
// operator id.
package admin

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fanvault/pointpay/internal/app/service/auditlog"
	"github.com/fanvault/pointpay/internal/app/service/ledger"
	"github.com/fanvault/pointpay/internal/models"
	"github.com/fanvault/pointpay/pkg/payerr"
	"github.com/fanvault/pointpay/pkg/types"
)

type Service struct {
	log    *zap.SugaredLogger
	db     *gorm.DB
	ledger *ledger.Service
	audit  *auditlog.Service
}

func NewService(log *zap.SugaredLogger, db *gorm.DB, ledgerSvc *ledger.Service, audit *auditlog.Service) *Service {
	return &Service{log: log, db: db, ledger: ledgerSvc, audit: audit}
}

func (s *Service) ListAuditLogs(ctx context.Context, req *auditlog.ScanRequest) (*auditlog.ScanResponse, error) {
	return s.audit.Scan(ctx, req)
}

func (s *Service) GetAuditLog(ctx context.Context, id string) (*models.PaymentAuditLog, error) {
	return s.audit.Get(ctx, id)
}

// ListRecoveryQueue returns logs awaiting manual recovery, oldest first.
func (s *Service) ListRecoveryQueue(ctx context.Context, limit, offset int) ([]*models.PaymentAuditLog, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	var rows []*models.PaymentAuditLog
	err := s.db.WithContext(ctx).
		Where("requires_recovery = ?", true).
		Order("created_at asc").
		Limit(limit).Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list recovery queue: %w", err)
	}
	return rows, nil
}

// Resolve closes a recovery-queue entry after the operator has compensated
// out of band. The row is kept with the note attached.
func (s *Service) Resolve(ctx context.Context, auditLogID, operatorID, note string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.audit.MarkRecovered(ctx, tx, auditLogID, operatorID, note)
	})
	if err != nil {
		return err
	}
	s.log.Infow("recovery_resolved", "audit_log_id", auditLogID, "operator_id", operatorID)
	return nil
}

// Refund moves a completed or failed log to refunded and returns any debited
// points to the user. Card-leg refunds happen gateway-side; this records the
// decision and makes the ledger whole.
func (s *Service) Refund(ctx context.Context, auditLogID, operatorID, note string) error {
	if operatorID == "" {
		return fmt.Errorf("%w: refund requires operator", payerr.ErrValidation)
	}
	entry, err := s.audit.Get(ctx, auditLogID)
	if err != nil {
		return err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.audit.MarkRefunded(ctx, tx, entry.ID, operatorID, note); err != nil {
			return err
		}
		// Points only ever left the balance on a completed settlement.
		if entry.Status == types.AuditStatusCompleted && entry.PointsAmount > 0 {
			_, err := s.ledger.Credit(ctx, tx, entry.UserID, entry.PointsAmount,
				types.PointTransactionTypeRefund, entry.ID,
				fmt.Sprintf("refund of %s by %s", entry.ID, operatorID))
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.log.Infow("audit_log_refunded",
		"audit_log_id", entry.ID, "operator_id", operatorID, "points_returned", entry.PointsAmount)
	return nil
}

// GrantPoints credits a user outside any payment, attributed to the operator.
func (s *Service) GrantPoints(ctx context.Context, userID string, amount int64, operatorID, note string) (*models.PointTransaction, error) {
	if userID == "" || operatorID == "" {
		return nil, fmt.Errorf("%w: grant requires user and operator", payerr.ErrValidation)
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: grant amount must be positive", payerr.ErrValidation)
	}

	var txn *models.PointTransaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		desc := note
		if desc == "" {
			desc = fmt.Sprintf("granted by %s", operatorID)
		}
		txn, err = s.ledger.Credit(ctx, tx, userID, amount,
			types.PointTransactionTypeAdminGrant, operatorID, desc)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.Infow("points_granted", "user_id", userID, "amount", amount, "operator_id", operatorID)
	return txn, nil
}
