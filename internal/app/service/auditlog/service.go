// Package auditlog maintains the payment audit log, the authoritative state
// machine for every money-moving operation. Transitions are guarded by
// conditional updates on the current status so replays and races degrade to
// no-ops instead of double-applies.
package auditlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"gorm.io/datatypes"
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

// ExternalIDs carries the gateway-side identifiers attached on completion.
type ExternalIDs struct {
	SessionID       string
	PaymentIntentID string
	SubscriptionID  string
}

// Create inserts a pending audit log and returns it as the correlation
// handle threaded through synchronous execution and session metadata.
func (s *Service) Create(ctx context.Context, tx *gorm.DB, entry *models.PaymentAuditLog) (*models.PaymentAuditLog, error) {
	if entry == nil || entry.UserID == "" {
		return nil, fmt.Errorf("%w: audit log requires a user", payerr.ErrValidation)
	}
	if !entry.OperationType.Valid() {
		return nil, fmt.Errorf("%w: unknown operation type %q", payerr.ErrValidation, entry.OperationType)
	}
	if entry.PointsAmount < 0 || entry.StripeAmount < 0 || entry.PointsAmount+entry.StripeAmount != entry.TotalAmount {
		return nil, fmt.Errorf("%w: split %d+%d does not equal total %d",
			payerr.ErrValidation, entry.PointsAmount, entry.StripeAmount, entry.TotalAmount)
	}

	entry.ID = tool.GenerateUUIDV7()
	entry.Status = types.AuditStatusPending
	if err := tx.WithContext(ctx).Create(entry).Error; err != nil {
		return nil, fmt.Errorf("failed to create audit log: %w", err)
	}
	return entry, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.PaymentAuditLog, error) {
	var entry models.PaymentAuditLog
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: audit log %s", payerr.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to load audit log: %w", err)
	}
	return &entry, nil
}

func (s *Service) GetByStripeSession(ctx context.Context, sessionID string) (*models.PaymentAuditLog, error) {
	var entry models.PaymentAuditLog
	err := s.db.WithContext(ctx).Where("stripe_session_id = ?", sessionID).First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: audit log for session %s", payerr.ErrNotFound, sessionID)
		}
		return nil, fmt.Errorf("failed to load audit log: %w", err)
	}
	return &entry, nil
}

// MarkProcessing moves pending -> processing. A zero row count means another
// worker already took the log past pending; callers treat that as Conflict.
func (s *Service) MarkProcessing(ctx context.Context, tx *gorm.DB, id string) error {
	res := tx.WithContext(ctx).Model(&models.PaymentAuditLog{}).
		Where("id = ? AND status = ?", id, types.AuditStatusPending).
		Update("status", types.AuditStatusProcessing)
	if res.Error != nil {
		return fmt.Errorf("failed to mark audit log processing: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: audit log %s not pending", payerr.ErrConflict, id)
	}
	return nil
}

// Complete finalizes the log with the link to the created domain record.
// Completion also clears any stale recovery flag set by the pending sweep.
func (s *Service) Complete(ctx context.Context, tx *gorm.DB, id, referenceType, referenceID string, ext ExternalIDs) error {
	updates := map[string]interface{}{
		"status":            types.AuditStatusCompleted,
		"reference_type":    referenceType,
		"reference_id":      referenceID,
		"requires_recovery": false,
		"completed_at":      time.Now(),
	}
	if ext.SessionID != "" {
		updates["stripe_session_id"] = ext.SessionID
	}
	if ext.PaymentIntentID != "" {
		updates["stripe_payment_intent_id"] = ext.PaymentIntentID
	}
	if ext.SubscriptionID != "" {
		updates["stripe_subscription_id"] = ext.SubscriptionID
	}

	res := tx.WithContext(ctx).Model(&models.PaymentAuditLog{}).
		Where("id = ? AND status IN ?", id, []types.AuditStatus{types.AuditStatusPending, types.AuditStatusProcessing}).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to complete audit log: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: audit log %s not open", payerr.ErrConflict, id)
	}
	return nil
}

// Fail records a failed operation. requiresRecovery marks the case where one
// rail already moved money and the paired step did not.
func (s *Service) Fail(ctx context.Context, tx *gorm.DB, id, code, message string, details map[string]any, requiresRecovery bool) error {
	updates := map[string]interface{}{
		"status":            types.AuditStatusFailed,
		"error_code":        code,
		"error_message":     message,
		"requires_recovery": requiresRecovery,
	}
	if details != nil {
		raw, err := json.Marshal(details)
		if err == nil {
			updates["error_details"] = datatypes.JSON(raw)
		}
	}
	res := tx.WithContext(ctx).Model(&models.PaymentAuditLog{}).
		Where("id = ? AND status IN ?", id, []types.AuditStatus{types.AuditStatusPending, types.AuditStatusProcessing}).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to fail audit log: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: audit log %s not open", payerr.ErrConflict, id)
	}
	return nil
}

// MarkForRecovery flags an open log for the administrative queue without
// changing its status. Used by the stale-pending sweep.
func (s *Service) MarkForRecovery(ctx context.Context, id, code, message string) error {
	res := s.db.WithContext(ctx).Model(&models.PaymentAuditLog{}).
		Where("id = ? AND requires_recovery = ?", id, false).
		Updates(map[string]interface{}{
			"requires_recovery": true,
			"error_code":        code,
			"error_message":     message,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to mark audit log for recovery: %w", res.Error)
	}
	return nil
}

// MarkRecovered resolves a recovery-queue entry with an attributed note.
// The row is never deleted.
func (s *Service) MarkRecovered(ctx context.Context, tx *gorm.DB, id, operatorID, note string) error {
	if operatorID == "" || note == "" {
		return fmt.Errorf("%w: recovery resolution requires operator and note", payerr.ErrValidation)
	}
	res := tx.WithContext(ctx).Model(&models.PaymentAuditLog{}).
		Where("id = ? AND requires_recovery = ?", id, true).
		Updates(map[string]interface{}{
			"status":            types.AuditStatusRecovered,
			"requires_recovery": false,
			"recovered_by":      operatorID,
			"recovered_at":      time.Now(),
			"admin_note":        note,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to mark audit log recovered: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: audit log %s is not in the recovery queue", payerr.ErrNotFound, id)
	}
	return nil
}

// MarkRefunded moves a completed or failed log to refunded.
func (s *Service) MarkRefunded(ctx context.Context, tx *gorm.DB, id, operatorID, note string) error {
	if operatorID == "" {
		return fmt.Errorf("%w: refund requires operator", payerr.ErrValidation)
	}
	updates := map[string]interface{}{
		"status":            types.AuditStatusRefunded,
		"requires_recovery": false,
		"recovered_by":      operatorID,
		"recovered_at":      time.Now(),
	}
	if note != "" {
		updates["admin_note"] = note
	}
	res := tx.WithContext(ctx).Model(&models.PaymentAuditLog{}).
		Where("id = ? AND status IN ?", id, []types.AuditStatus{types.AuditStatusCompleted, types.AuditStatusFailed}).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to mark audit log refunded: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: audit log %s not refundable", payerr.ErrConflict, id)
	}
	return nil
}

func (s *Service) IncrementRecoveryAttempts(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Model(&models.PaymentAuditLog{}).
		Where("id = ?", id).
		Update("recovery_attempts", gorm.Expr("recovery_attempts + 1")).Error
	if err != nil {
		return fmt.Errorf("failed to increment recovery attempts: %w", err)
	}
	return nil
}

// SweepStalePending flags pending logs with an external leg that have waited
// longer than olderThan. Their checkout sessions have most likely expired
// gateway-side, so no webhook will ever arrive; an operator needs to look.
func (s *Service) SweepStalePending(ctx context.Context, olderThan time.Duration, batch int) (int, error) {
	if batch <= 0 {
		batch = 100
	}
	cutoff := time.Now().Add(-olderThan)

	var stale []*models.PaymentAuditLog
	err := s.db.WithContext(ctx).
		Where("status = ? AND stripe_amount > 0 AND requires_recovery = ? AND created_at < ?",
			types.AuditStatusPending, false, cutoff).
		Limit(batch).
		Find(&stale).Error
	if err != nil {
		return 0, fmt.Errorf("failed to scan stale pending logs: %w", err)
	}

	flagged := 0
	for _, entry := range stale {
		msg := fmt.Sprintf("pending since %s with no gateway confirmation", entry.CreatedAt.UTC().Format(time.RFC3339))
		if err := s.MarkForRecovery(ctx, entry.ID, "checkout_stale", msg); err != nil {
			s.log.Errorw("sweep_mark_recovery_failed", "audit_log_id", entry.ID, "err", err)
			continue
		}
		flagged++
	}
	return flagged, nil
}

// SetStripeSession attaches the created session id to a pending log.
func (s *Service) SetStripeSession(ctx context.Context, id, sessionID string) error {
	err := s.db.WithContext(ctx).Model(&models.PaymentAuditLog{}).
		Where("id = ?", id).
		Update("stripe_session_id", lo.ToPtr(sessionID)).Error
	if err != nil {
		return fmt.Errorf("failed to set stripe session: %w", err)
	}
	return nil
}
