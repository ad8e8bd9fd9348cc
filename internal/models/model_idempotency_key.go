package models

import (
	"time"

	"gorm.io/datatypes"
)

type IdempotencyStatus string

const (
	IdempotencyStatusPending   IdempotencyStatus = "pending"
	IdempotencyStatusCompleted IdempotencyStatus = "completed"
	IdempotencyStatusFailed    IdempotencyStatus = "failed"
)

// IdempotencyKey records one logical operation so duplicate requests replay
// the cached result instead of re-running side effects. Expired rows are
// treated as absent and reclaimed in place.
type IdempotencyKey struct {
	Key           string            `gorm:"column:key;type:varchar(255);primary_key" json:"key"`
	OperationType string            `gorm:"column:operation_type;type:varchar(64);not null" json:"operation_type"`
	UserID        string            `gorm:"column:user_id;type:varchar(64);not null;index" json:"user_id"`
	Status        IdempotencyStatus `gorm:"column:status;type:varchar(16);not null" json:"status"`
	ResultData    datatypes.JSON    `gorm:"column:result_data;type:jsonb" json:"result_data"`
	ExpiresAt     time.Time         `gorm:"column:expires_at;not null;index" json:"expires_at"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

func (IdempotencyKey) TableName() string {
	return "idempotency_key"
}

func (k *IdempotencyKey) Expired(now time.Time) bool {
	return !k.ExpiresAt.After(now)
}
