package models

import (
	"time"

	"gorm.io/datatypes"

	"github.com/fanvault/pointpay/pkg/types"
)

// PaymentAuditLog is the authoritative end-to-end record of one money-moving
// operation, rail-agnostic. It is the source of truth for "did this operation
// settle". Rows flagged requires_recovery are never deleted, only resolved by
// an operator with an attributed note.
type PaymentAuditLog struct {
	ID            string                 `gorm:"column:id;primary_key;type:uuid;index:idx_pal_user_id_id,priority:2,sort:desc" json:"id"`
	OperationType types.PaymentOperation `gorm:"column:operation_type;type:varchar(32);not null;index" json:"operation_type"`
	Status        types.AuditStatus      `gorm:"column:status;type:varchar(16);not null;index" json:"status"`
	UserID        string                 `gorm:"column:user_id;type:varchar(64);not null;index:idx_pal_user_id_id,priority:1" json:"user_id"`
	CreatorID     string                 `gorm:"column:creator_id;type:varchar(64)" json:"creator_id"`

	// Split amounts in minor units. points_amount + stripe_amount ==
	// total_amount always holds.
	TotalAmount  int64 `gorm:"column:total_amount;type:bigint;not null" json:"total_amount"`
	PointsAmount int64 `gorm:"column:points_amount;type:bigint;not null" json:"points_amount"`
	StripeAmount int64 `gorm:"column:stripe_amount;type:bigint;not null" json:"stripe_amount"`

	IdempotencyKey string `gorm:"column:idempotency_key;type:varchar(255)" json:"idempotency_key"`

	StripeSessionID       *string `gorm:"column:stripe_session_id;type:varchar(255);index" json:"stripe_session_id"`
	StripePaymentIntentID *string `gorm:"column:stripe_payment_intent_id;type:varchar(255)" json:"stripe_payment_intent_id"`
	StripeSubscriptionID  *string `gorm:"column:stripe_subscription_id;type:varchar(255)" json:"stripe_subscription_id"`

	// Link to the domain record created on completion.
	ReferenceType *string `gorm:"column:reference_type;type:varchar(32)" json:"reference_type"`
	ReferenceID   *string `gorm:"column:reference_id;type:varchar(64)" json:"reference_id"`

	ErrorCode    *string        `gorm:"column:error_code;type:varchar(64)" json:"error_code"`
	ErrorMessage *string        `gorm:"column:error_message;type:varchar(512)" json:"error_message"`
	ErrorDetails datatypes.JSON `gorm:"column:error_details;type:jsonb" json:"error_details"`

	// RequiresRecovery marks the failure mode where money moved on one rail
	// without value granted on the other.
	RequiresRecovery bool       `gorm:"column:requires_recovery;not null;default:false;index" json:"requires_recovery"`
	RecoveryAttempts int        `gorm:"column:recovery_attempts;not null;default:0" json:"recovery_attempts"`
	RecoveredBy      *string    `gorm:"column:recovered_by;type:varchar(64)" json:"recovered_by"`
	RecoveredAt      *time.Time `gorm:"column:recovered_at" json:"recovered_at"`
	AdminNote        *string    `gorm:"column:admin_note;type:varchar(1024)" json:"admin_note"`

	CompletedAt *time.Time `gorm:"column:completed_at" json:"completed_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (PaymentAuditLog) TableName() string {
	return "payment_audit_log"
}

// Settled reports whether the log reached a terminal successful state.
func (l *PaymentAuditLog) Settled() bool {
	return l != nil && l.Status == types.AuditStatusCompleted
}

// Open reports whether the log still accepts reconciliation.
func (l *PaymentAuditLog) Open() bool {
	return l != nil && (l.Status == types.AuditStatusPending || l.Status == types.AuditStatusProcessing)
}
