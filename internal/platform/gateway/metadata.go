package gateway

import (
	"fmt"
	"strconv"

	"github.com/fanvault/pointpay/pkg/types"
)

// CheckoutMetadata is the correlation state embedded in an external checkout
// session. It is the only thing the reconciler trusts besides the signed
// payload itself; everything here is re-derived from it at confirmation time.
type CheckoutMetadata struct {
	AuditLogID    string
	UserID        string
	Operation     types.PaymentOperation
	ResourceType  types.ResourceType
	ResourceID    string
	PointsAmount  int64
	StripeAmount  int64
	PointsGranted int64
	TipMessage    string
}

const (
	metaKeyAuditLogID    = "audit_log_id"
	metaKeyUserID        = "user_id"
	metaKeyOperation     = "operation"
	metaKeyResourceType  = "resource_type"
	metaKeyResourceID    = "resource_id"
	metaKeyPointsAmount  = "points_amount"
	metaKeyStripeAmount  = "stripe_amount"
	metaKeyPointsGranted = "points_granted"
	metaKeyTipMessage    = "tip_message"
)

func (m *CheckoutMetadata) Validate() error {
	if m.AuditLogID == "" {
		return fmt.Errorf("metadata missing audit_log_id")
	}
	if m.UserID == "" {
		return fmt.Errorf("metadata missing user_id")
	}
	if !m.Operation.Valid() {
		return fmt.Errorf("metadata has unknown operation %q", m.Operation)
	}
	if m.PointsAmount < 0 || m.StripeAmount <= 0 {
		return fmt.Errorf("metadata has invalid amounts points=%d stripe=%d", m.PointsAmount, m.StripeAmount)
	}
	if m.Operation == types.OperationPointPurchase {
		if m.PointsGranted <= 0 {
			return fmt.Errorf("point purchase metadata missing points_granted")
		}
	} else if m.ResourceID == "" || !m.ResourceType.Valid() {
		return fmt.Errorf("metadata missing resource reference")
	}
	return nil
}

func (m *CheckoutMetadata) Encode() map[string]string {
	out := map[string]string{
		metaKeyAuditLogID:   m.AuditLogID,
		metaKeyUserID:       m.UserID,
		metaKeyOperation:    string(m.Operation),
		metaKeyPointsAmount: strconv.FormatInt(m.PointsAmount, 10),
		metaKeyStripeAmount: strconv.FormatInt(m.StripeAmount, 10),
	}
	if m.ResourceID != "" {
		out[metaKeyResourceType] = string(m.ResourceType)
		out[metaKeyResourceID] = m.ResourceID
	}
	if m.PointsGranted > 0 {
		out[metaKeyPointsGranted] = strconv.FormatInt(m.PointsGranted, 10)
	}
	if m.TipMessage != "" {
		out[metaKeyTipMessage] = m.TipMessage
	}
	return out
}

// DecodeMetadata turns the untyped gateway key/value bag back into a
// validated struct. The raw map never travels past this boundary.
func DecodeMetadata(raw map[string]string) (*CheckoutMetadata, error) {
	m := &CheckoutMetadata{
		AuditLogID:   raw[metaKeyAuditLogID],
		UserID:       raw[metaKeyUserID],
		Operation:    types.PaymentOperation(raw[metaKeyOperation]),
		ResourceType: types.ResourceType(raw[metaKeyResourceType]),
		ResourceID:   raw[metaKeyResourceID],
		TipMessage:   raw[metaKeyTipMessage],
	}
	var err error
	if m.PointsAmount, err = parseAmount(raw[metaKeyPointsAmount]); err != nil {
		return nil, fmt.Errorf("metadata points_amount: %w", err)
	}
	if m.StripeAmount, err = parseAmount(raw[metaKeyStripeAmount]); err != nil {
		return nil, fmt.Errorf("metadata stripe_amount: %w", err)
	}
	if v := raw[metaKeyPointsGranted]; v != "" {
		if m.PointsGranted, err = parseAmount(v); err != nil {
			return nil, fmt.Errorf("metadata points_granted: %w", err)
		}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func parseAmount(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}
