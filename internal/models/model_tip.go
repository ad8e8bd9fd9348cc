package models

import (
	"time"

	"github.com/fanvault/pointpay/pkg/types"
)

// Tip is the domain record of a settled tip to a creator.
type Tip struct {
	ID            string              `gorm:"column:id;primary_key;type:uuid" json:"id"`
	UserID        string              `gorm:"column:user_id;type:varchar(64);not null;index" json:"user_id"`
	CreatorID     string              `gorm:"column:creator_id;type:varchar(64);not null;index" json:"creator_id"`
	PaymentMethod types.PaymentMethod `gorm:"column:payment_method;type:varchar(16);not null" json:"payment_method"`
	TotalAmount   int64               `gorm:"column:total_amount;type:bigint;not null" json:"total_amount"`
	PointsUsed    int64               `gorm:"column:points_used;type:bigint;not null;default:0" json:"points_used"`
	StripeAmount  int64               `gorm:"column:stripe_amount;type:bigint;not null;default:0" json:"stripe_amount"`
	Message       *string             `gorm:"column:message;type:varchar(512)" json:"message"`

	StripePaymentIntentID *string `gorm:"column:stripe_payment_intent_id;type:varchar(255)" json:"stripe_payment_intent_id"`
	AuditLogID            *string `gorm:"column:audit_log_id;type:uuid" json:"audit_log_id"`

	CreatedAt time.Time `json:"created_at"`
}

func (Tip) TableName() string {
	return "tip"
}
