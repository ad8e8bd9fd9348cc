// Package ledger owns the per-user point balance and its append-only
// transaction log. Balances never go negative and are mutated only here.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

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

// GetBalance returns the user's balance record, or a zero-valued one if the
// user has no row yet. The row itself is only created on first credit.
func (s *Service) GetBalance(ctx context.Context, userID string) (*models.PointBalance, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: empty user id", payerr.ErrValidation)
	}
	var bal models.PointBalance
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&bal).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &models.PointBalance{UserID: userID}, nil
		}
		return nil, fmt.Errorf("failed to load balance: %w", err)
	}
	return &bal, nil
}

// Credit adds amount to the user's balance and appends a +amount transaction.
// It runs on the caller's tx so it can commit atomically with audit-log and
// domain-record writes.
func (s *Service) Credit(ctx context.Context, tx *gorm.DB, userID string, amount int64, kind types.PointTransactionType, referenceID, description string) (*models.PointTransaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: credit amount must be positive, got %d", payerr.ErrValidation, amount)
	}
	if err := s.getOrCreate(ctx, tx, userID); err != nil {
		return nil, err
	}

	res := tx.WithContext(ctx).Model(&models.PointBalance{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"balance":         gorm.Expr("balance + ?", amount),
			"total_purchased": gorm.Expr("total_purchased + ?", amount),
			"updated_at":      time.Now(),
		})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to credit balance: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: balance row for user %s", payerr.ErrNotFound, userID)
	}

	return s.appendTransaction(ctx, tx, userID, amount, kind, referenceID, description)
}

// Debit subtracts amount from the user's balance with a single conditional
// update: the balance check and the write are one atomic statement, so two
// concurrent debits can never both pass a stale check.
func (s *Service) Debit(ctx context.Context, tx *gorm.DB, userID string, amount int64, kind types.PointTransactionType, referenceID, description string) (*models.PointTransaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: debit amount must be positive, got %d", payerr.ErrValidation, amount)
	}

	res := tx.WithContext(ctx).Model(&models.PointBalance{}).
		Where("user_id = ? AND balance >= ?", userID, amount).
		Updates(map[string]interface{}{
			"balance":     gorm.Expr("balance - ?", amount),
			"total_spent": gorm.Expr("total_spent + ?", amount),
			"updated_at":  time.Now(),
		})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to debit balance: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// Either no row exists or the balance was too low; both mean the
		// user cannot cover the amount.
		return nil, fmt.Errorf("%w: need %d points", payerr.ErrInsufficientBalance, amount)
	}

	return s.appendTransaction(ctx, tx, userID, -amount, kind, referenceID, description)
}

func (s *Service) ListTransactions(ctx context.Context, userID string, limit, offset int) ([]*models.PointTransaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	var items []*models.PointTransaction
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc, id desc").
		Limit(limit).Offset(offset).
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return items, nil
}

func (s *Service) getOrCreate(ctx context.Context, tx *gorm.DB, userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: empty user id", payerr.ErrValidation)
	}
	err := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(&models.PointBalance{UserID: userID}).Error
	if err != nil {
		return fmt.Errorf("failed to ensure balance row: %w", err)
	}
	return nil
}

// appendTransaction re-reads the balance inside the same tx so BalanceAfter
// matches the write exactly.
func (s *Service) appendTransaction(ctx context.Context, tx *gorm.DB, userID string, amount int64, kind types.PointTransactionType, referenceID, description string) (*models.PointTransaction, error) {
	var bal models.PointBalance
	if err := tx.WithContext(ctx).Where("user_id = ?", userID).First(&bal).Error; err != nil {
		return nil, fmt.Errorf("failed to reload balance: %w", err)
	}

	txn := &models.PointTransaction{
		ID:           tool.GenerateUUIDV7(),
		UserID:       userID,
		Type:         kind,
		Amount:       amount,
		BalanceAfter: bal.Balance,
		ReferenceID:  referenceID,
		Description:  description,
	}
	if err := tx.WithContext(ctx).Create(txn).Error; err != nil {
		return nil, fmt.Errorf("failed to append point transaction: %w", err)
	}
	return txn, nil
}
