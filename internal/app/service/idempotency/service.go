// Package idempotency is a generic "run exactly once" wrapper. A key is
// claimed with an insert-or-nothing, the operation runs, and its JSON result
// is cached for replay. Keys expire after 24h and are then reclaimed in
// place.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fanvault/pointpay/internal/models"
	"github.com/fanvault/pointpay/pkg/payerr"
	"github.com/fanvault/pointpay/pkg/types"
)

// TTL after which a key is treated as absent, enabling a retry.
const TTL = 24 * time.Hour

type Service struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

func NewService(db *gorm.DB, log *zap.SugaredLogger) *Service {
	return &Service{db: db, log: log}
}

// DefaultKey derives a key from the operation identity plus the current unix
// second. Callers needing sub-second uniqueness must supply their own key.
func DefaultKey(op types.PaymentOperation, userID string, parts ...string) string {
	elems := append([]string{string(op), userID}, parts...)
	elems = append(elems, fmt.Sprintf("%d", time.Now().Unix()))
	return strings.Join(elems, ":")
}

// Run executes fn at most once for the given key.
//   - absent key: claim it, run fn, cache the JSON result as completed.
//   - pending: fail fast with ErrConflict rather than waiting on the
//     in-flight attempt.
//   - completed: return the cached result without re-running fn.
//   - failed or expired: reclaim and retry.
func (s *Service) Run(ctx context.Context, key string, op types.PaymentOperation, userID string, fn func(ctx context.Context) (any, error)) (datatypes.JSON, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: empty idempotency key", payerr.ErrValidation)
	}

	claimed, cached, err := s.claim(ctx, key, op, userID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return cached, nil
	}

	result, err := fn(ctx)
	if err != nil {
		if markErr := s.setStatus(ctx, key, models.IdempotencyStatusFailed, nil); markErr != nil {
			s.log.Errorw("idempotency_mark_failed_error", "key", key, "err", markErr)
		}
		return nil, err
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal idempotent result: %w", err)
	}
	if err := s.setStatus(ctx, key, models.IdempotencyStatusCompleted, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// claim returns (true, nil, nil) when the caller owns the key and must run
// fn, or (false, cachedResult, nil) when a completed result can be replayed.
func (s *Service) claim(ctx context.Context, key string, op types.PaymentOperation, userID string) (bool, datatypes.JSON, error) {
	now := time.Now()
	row := &models.IdempotencyKey{
		Key:           key,
		OperationType: string(op),
		UserID:        userID,
		Status:        models.IdempotencyStatusPending,
		ExpiresAt:     now.Add(TTL),
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoNothing: true,
		}).
		Create(row)
	if res.Error != nil {
		return false, nil, fmt.Errorf("failed to insert idempotency key: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return true, nil, nil
	}

	var existing models.IdempotencyKey
	if err := s.db.WithContext(ctx).Where("key = ?", key).First(&existing).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Raced with a concurrent cleanup; treat as in flight.
			return false, nil, fmt.Errorf("%w: key %s", payerr.ErrConflict, key)
		}
		return false, nil, fmt.Errorf("failed to load idempotency key: %w", err)
	}

	switch {
	case existing.Expired(now):
		return s.reclaim(ctx, key, "expires_at <= ?", now)
	case existing.Status == models.IdempotencyStatusCompleted:
		return false, existing.ResultData, nil
	case existing.Status == models.IdempotencyStatusFailed:
		return s.reclaim(ctx, key, "status = ?", models.IdempotencyStatusFailed)
	default:
		return false, nil, fmt.Errorf("%w: key %s", payerr.ErrConflict, key)
	}
}

// reclaim flips an expired or failed row back to pending. The conditional
// update makes sure only one of several racing retries wins.
func (s *Service) reclaim(ctx context.Context, key, cond string, condArg any) (bool, datatypes.JSON, error) {
	res := s.db.WithContext(ctx).Model(&models.IdempotencyKey{}).
		Where("key = ?", key).Where(cond, condArg).
		Updates(map[string]interface{}{
			"status":      models.IdempotencyStatusPending,
			"result_data": nil,
			"expires_at":  time.Now().Add(TTL),
		})
	if res.Error != nil {
		return false, nil, fmt.Errorf("failed to reclaim idempotency key: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil, fmt.Errorf("%w: key %s", payerr.ErrConflict, key)
	}
	return true, nil, nil
}

func (s *Service) setStatus(ctx context.Context, key string, status models.IdempotencyStatus, result datatypes.JSON) error {
	updates := map[string]interface{}{"status": status}
	if result != nil {
		updates["result_data"] = result
	}
	err := s.db.WithContext(ctx).Model(&models.IdempotencyKey{}).
		Where("key = ?", key).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("failed to update idempotency key: %w", err)
	}
	return nil
}
