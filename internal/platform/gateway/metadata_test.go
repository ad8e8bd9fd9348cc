package gateway

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fanvault/pointpay/pkg/types"
)

func TestMetadataRoundTrip(t *testing.T) {
	in := &CheckoutMetadata{
		AuditLogID:   "log-1",
		UserID:       "user-1",
		Operation:    types.OperationHybridPurchase,
		ResourceType: types.ResourceTypePost,
		ResourceID:   "post-1",
		PointsAmount: 200,
		StripeAmount: 300,
		TipMessage:   "msg",
	}

	out, err := DecodeMetadata(in.Encode())
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestMetadataRoundTripPointPurchase(t *testing.T) {
	in := &CheckoutMetadata{
		AuditLogID:    "log-1",
		UserID:        "user-1",
		Operation:     types.OperationPointPurchase,
		StripeAmount:  500,
		PointsGranted: 500,
	}

	out, err := DecodeMetadata(in.Encode())
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestDecodeMetadataRejectsBrokenBags(t *testing.T) {
	base := func() *CheckoutMetadata {
		return &CheckoutMetadata{
			AuditLogID:   "log-1",
			UserID:       "user-1",
			Operation:    types.OperationHybridTip,
			ResourceType: types.ResourceTypeCreator,
			ResourceID:   "creator-1",
			PointsAmount: 100,
			StripeAmount: 200,
		}
	}

	missingLog := base().Encode()
	delete(missingLog, "audit_log_id")
	_, err := DecodeMetadata(missingLog)
	require.Error(t, err)

	badOp := base().Encode()
	badOp["operation"] = "teleport"
	_, err = DecodeMetadata(badOp)
	require.Error(t, err)

	badAmount := base().Encode()
	badAmount["stripe_amount"] = "lots"
	_, err = DecodeMetadata(badAmount)
	require.Error(t, err)

	missingResource := base().Encode()
	delete(missingResource, "resource_id")
	delete(missingResource, "resource_type")
	_, err = DecodeMetadata(missingResource)
	require.Error(t, err)

	noGrant := (&CheckoutMetadata{
		AuditLogID:   "log-1",
		UserID:       "user-1",
		Operation:    types.OperationPointPurchase,
		StripeAmount: 500,
	}).Encode()
	_, err = DecodeMetadata(noGrant)
	require.Error(t, err)
}
