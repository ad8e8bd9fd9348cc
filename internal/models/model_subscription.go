package models

import (
	"time"

	"github.com/fanvault/pointpay/pkg/types"
)

// Subscription is a user's membership to a creator plan. Points-funded
// subscriptions are renewed by the renewal job; PointDeductFailedAt marks the
// start of the grace window after the first failed renewal.
type Subscription struct {
	ID            string                   `gorm:"column:id;primary_key;type:uuid" json:"id"`
	// Uniqueness covers active rows only: a cancelled subscription must not
	// block the user from subscribing to the same plan again.
	UserID        string                   `gorm:"column:user_id;type:varchar(64);not null;uniqueIndex:uq_sub_user_plan_active,priority:1,where:status = 'active'" json:"user_id"`
	PlanID        string                   `gorm:"column:plan_id;type:varchar(64);not null;uniqueIndex:uq_sub_user_plan_active,priority:2" json:"plan_id"`
	CreatorID     string                   `gorm:"column:creator_id;type:varchar(64);not null;index" json:"creator_id"`
	Status        types.SubscriptionStatus `gorm:"column:status;type:varchar(16);not null;index" json:"status"`
	PaymentMethod types.PaymentMethod      `gorm:"column:payment_method;type:varchar(16);not null" json:"payment_method"`
	PointsPrice   int64                    `gorm:"column:points_price;type:bigint;not null" json:"points_price"`

	// NextBillingAt advances one calendar month from its previous value on
	// each successful renewal so billing dates do not drift.
	NextBillingAt       time.Time  `gorm:"column:next_billing_at;not null;index" json:"next_billing_at"`
	PointDeductFailedAt *time.Time `gorm:"column:point_deduct_failed_at" json:"point_deduct_failed_at"`
	CancelledAt         *time.Time `gorm:"column:cancelled_at" json:"cancelled_at"`

	StripeSubscriptionID *string `gorm:"column:stripe_subscription_id;type:varchar(255)" json:"stripe_subscription_id"`
	AuditLogID           *string `gorm:"column:audit_log_id;type:uuid" json:"audit_log_id"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Subscription) TableName() string {
	return "subscription"
}

func (s *Subscription) Active() bool {
	return s != nil && s.Status == types.SubscriptionStatusActive
}

// InGrace reports whether the subscription has a failed renewal inside the
// grace window at the given time.
func (s *Subscription) InGrace(now time.Time, grace time.Duration) bool {
	return s != nil && s.PointDeductFailedAt != nil && now.Sub(*s.PointDeductFailedAt) < grace
}
