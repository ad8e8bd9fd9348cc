package models

import "time"

// PointBalance is the per-user spendable balance. It is mutated only through
// the ledger service's credit/debit, never written directly, and holds the
// invariant balance == total_purchased - total_spent.
type PointBalance struct {
	UserID         string    `gorm:"column:user_id;type:varchar(64);primary_key" json:"user_id"`
	Balance        int64     `gorm:"column:balance;type:bigint;not null;default:0" json:"balance"`
	TotalPurchased int64     `gorm:"column:total_purchased;type:bigint;not null;default:0" json:"total_purchased"`
	TotalSpent     int64     `gorm:"column:total_spent;type:bigint;not null;default:0" json:"total_spent"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (PointBalance) TableName() string {
	return "point_balance"
}
