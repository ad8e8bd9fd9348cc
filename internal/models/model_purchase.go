package models

import (
	"time"

	"github.com/fanvault/pointpay/pkg/types"
)

// Purchase is the domain record granting a user access to a post. Created
// only once payment settled (or immediately for free posts).
type Purchase struct {
	ID            string              `gorm:"column:id;primary_key;type:uuid" json:"id"`
	UserID        string              `gorm:"column:user_id;type:varchar(64);not null;uniqueIndex:uq_purchase_user_post,priority:1" json:"user_id"`
	PostID        string              `gorm:"column:post_id;type:varchar(64);not null;uniqueIndex:uq_purchase_user_post,priority:2" json:"post_id"`
	CreatorID     string              `gorm:"column:creator_id;type:varchar(64);not null;index" json:"creator_id"`
	PaymentMethod types.PaymentMethod `gorm:"column:payment_method;type:varchar(16);not null" json:"payment_method"`
	TotalAmount   int64               `gorm:"column:total_amount;type:bigint;not null" json:"total_amount"`
	PointsUsed    int64               `gorm:"column:points_used;type:bigint;not null;default:0" json:"points_used"`
	StripeAmount  int64               `gorm:"column:stripe_amount;type:bigint;not null;default:0" json:"stripe_amount"`

	StripePaymentIntentID *string `gorm:"column:stripe_payment_intent_id;type:varchar(255)" json:"stripe_payment_intent_id"`
	AuditLogID            *string `gorm:"column:audit_log_id;type:uuid" json:"audit_log_id"`

	CreatedAt time.Time `json:"created_at"`
}

func (Purchase) TableName() string {
	return "purchase"
}
