package types

// PaymentOperation tags one money-moving operation end to end. The webhook
// reconciler dispatches on it exhaustively; adding a value here requires a
// matching branch there.
type PaymentOperation string

const (
	// OperationPointPurchase buys platform points with an external charge.
	OperationPointPurchase PaymentOperation = "point_purchase"
	// OperationPurchase unlocks a post, funded by points only or by an
	// external charge only.
	OperationPurchase PaymentOperation = "purchase"
	// OperationHybridPurchase unlocks a post funded partly by points and
	// partly by an external charge.
	OperationHybridPurchase PaymentOperation = "hybrid_purchase"
	// OperationSubscription activates or renews a plan subscription.
	OperationSubscription PaymentOperation = "subscription"
	// OperationTip sends a tip to a creator.
	OperationTip PaymentOperation = "tip"
	// OperationHybridTip sends a tip funded partly by points.
	OperationHybridTip PaymentOperation = "hybrid_tip"
)

func (o PaymentOperation) Valid() bool {
	switch o {
	case OperationPointPurchase, OperationPurchase, OperationHybridPurchase,
		OperationSubscription, OperationTip, OperationHybridTip:
		return true
	}
	return false
}

// Hybrid reports whether the operation carries a deferred points debit that
// must be settled at webhook confirmation time.
func (o PaymentOperation) Hybrid() bool {
	return o == OperationHybridPurchase || o == OperationHybridTip
}

type PaymentMethod string

const (
	PaymentMethodFree   PaymentMethod = "free"
	PaymentMethodPoints PaymentMethod = "points"
	PaymentMethodStripe PaymentMethod = "stripe"
	PaymentMethodHybrid PaymentMethod = "hybrid"
)

// MethodFor derives the payment method from the split amounts.
func MethodFor(pointsAmount, stripeAmount int64) PaymentMethod {
	switch {
	case pointsAmount == 0 && stripeAmount == 0:
		return PaymentMethodFree
	case stripeAmount == 0:
		return PaymentMethodPoints
	case pointsAmount == 0:
		return PaymentMethodStripe
	default:
		return PaymentMethodHybrid
	}
}

// AuditStatus is the payment audit log state machine.
// pending -> processing -> {completed|failed};
// failed -> {refunded|recovered} and completed -> refunded via admin ops.
type AuditStatus string

const (
	AuditStatusPending    AuditStatus = "pending"
	AuditStatusProcessing AuditStatus = "processing"
	AuditStatusCompleted  AuditStatus = "completed"
	AuditStatusFailed     AuditStatus = "failed"
	AuditStatusRefunded   AuditStatus = "refunded"
	AuditStatusCancelled  AuditStatus = "cancelled"
	AuditStatusRecovered  AuditStatus = "recovered"
)

type ResourceType string

const (
	ResourceTypePost    ResourceType = "post"
	ResourceTypePlan    ResourceType = "plan"
	ResourceTypeCreator ResourceType = "creator"
)

func (r ResourceType) Valid() bool {
	switch r {
	case ResourceTypePost, ResourceTypePlan, ResourceTypeCreator:
		return true
	}
	return false
}

// PointTransactionType classifies ledger entries. Sign lives on the
// transaction amount, not on the type.
type PointTransactionType string

const (
	PointTransactionTypePurchase     PointTransactionType = "point_purchase"
	PointTransactionTypeSpend        PointTransactionType = "spend"
	PointTransactionTypeRenewal      PointTransactionType = "renewal"
	PointTransactionTypeRefund       PointTransactionType = "refund"
	PointTransactionTypeAdminGrant   PointTransactionType = "admin_grant"
)

type SubscriptionStatus string

const (
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
)

// PointPackage is a configured point top-up offer (priced in minor units of
// the gateway currency). Packages live in config, mirroring payment items.
type PointPackage struct {
	ID       string `json:"id" mapstructure:"id"`
	Points   int64  `json:"points" mapstructure:"points"`
	Price    int64  `json:"price" mapstructure:"price"`
	Currency string `json:"currency" mapstructure:"currency"`
}
