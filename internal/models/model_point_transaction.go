package models

import (
	"time"

	"github.com/fanvault/pointpay/pkg/types"
)

// PointTransaction is the append-only change log of a user's point balance.
// Amount is signed: positive credits, negative debits. The running sum of
// amounts for a user equals the current balance.
type PointTransaction struct {
	ID           string                     `gorm:"column:id;primary_key;type:uuid;index:idx_pt_user_id_id,priority:2,sort:desc" json:"id"`
	UserID       string                     `gorm:"column:user_id;type:varchar(64);not null;index:idx_pt_user_id_id,priority:1" json:"user_id"`
	Type         types.PointTransactionType `gorm:"column:type;type:varchar(32);not null" json:"type"`
	Amount       int64                      `gorm:"column:amount;type:bigint;not null" json:"amount"`
	BalanceAfter int64                      `gorm:"column:balance_after;type:bigint;not null" json:"balance_after"`
	// ReferenceID links back to the audit log (or admin action) that caused
	// this entry.
	ReferenceID string    `gorm:"column:reference_id;type:varchar(64);index" json:"reference_id"`
	Description string    `gorm:"column:description;type:varchar(255)" json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

func (PointTransaction) TableName() string {
	return "point_transaction"
}
