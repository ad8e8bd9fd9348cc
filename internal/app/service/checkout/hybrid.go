package checkout

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/gorm"

	"github.com/fanvault/pointpay/internal/app/service/catalog"
	"github.com/fanvault/pointpay/internal/app/service/idempotency"
	"github.com/fanvault/pointpay/internal/models"
	"github.com/fanvault/pointpay/internal/platform/gateway"
	"github.com/fanvault/pointpay/pkg/logctx"
	"github.com/fanvault/pointpay/pkg/payerr"
	"github.com/fanvault/pointpay/pkg/types"
)

type HybridCheckoutRequest struct {
	UserID       string             `json:"-"`
	ResourceType types.ResourceType `json:"resource_type"`
	ResourceID   string             `json:"resource_id"`
	// PointsToUse is the points leg Q, 0 <= Q <= price. Q equal to the price
	// collapses to the synchronous points-only path.
	PointsToUse int64 `json:"points_to_use"`
	// TotalAmount is caller-chosen for tips and ignored for priced resources.
	TotalAmount    int64  `json:"total_amount"`
	TipMessage     string `json:"tip_message"`
	SuccessURL     string `json:"success_url"`
	CancelURL      string `json:"cancel_url"`
	IdempotencyKey string `json:"idempotency_key"`
}

type HybridCheckoutResult struct {
	Success        bool                `json:"success"`
	RequiresStripe bool                `json:"requires_stripe"`
	CheckoutURL    string              `json:"checkout_url,omitempty"`
	AuditLogID     string              `json:"audit_log_id,omitempty"`
	DomainRecordID string              `json:"domain_record_id,omitempty"`
	NewBalance     *int64              `json:"new_balance,omitempty"`
	PaymentMethod  types.PaymentMethod `json:"payment_method,omitempty"`
}

// CreateHybridCheckout opens an external checkout session for the card leg of
// a split payment. Points are NOT debited here; the deduction is deferred to
// webhook confirmation so an abandoned session costs the user nothing.
func (s *Service) CreateHybridCheckout(ctx context.Context, req *HybridCheckoutRequest) (*HybridCheckoutResult, error) {
	if req == nil || req.UserID == "" {
		return nil, fmt.Errorf("%w: missing user", payerr.ErrValidation)
	}
	if req.SuccessURL == "" || req.CancelURL == "" {
		return nil, fmt.Errorf("%w: success and cancel URLs are required", payerr.ErrValidation)
	}
	if req.PointsToUse < 0 {
		return nil, fmt.Errorf("%w: negative points", payerr.ErrValidation)
	}

	res, err := s.catalog.Resolve(ctx, req.ResourceType, req.ResourceID)
	if err != nil {
		return nil, err
	}

	price := res.Price
	if res.Type == types.ResourceTypeCreator {
		price = req.TotalAmount
		if price <= 0 {
			return nil, fmt.Errorf("%w: tip amount must be positive", payerr.ErrValidation)
		}
	}
	if price == 0 {
		return nil, fmt.Errorf("%w: %s/%s", payerr.ErrResourceFree, res.Type, res.ID)
	}

	if req.PointsToUse == price {
		return s.payFully(ctx, req, price)
	}

	// Adult-gated resources cannot take the external rail; only a full
	// points payment is allowed for them.
	if res.Adult {
		return nil, fmt.Errorf("%w: %s/%s", payerr.ErrAdultRestriction, res.Type, res.ID)
	}

	if err := s.rejectDuplicate(ctx, req.UserID, res); err != nil {
		return nil, err
	}

	if req.PointsToUse > price {
		return nil, fmt.Errorf("%w: points %d exceed price %d", payerr.ErrValidation, req.PointsToUse, price)
	}

	// The points leg is only reserved logically: verified now, debited at
	// confirmation. The reconciler re-checks and flags recovery on shortfall.
	if req.PointsToUse > 0 {
		bal, err := s.ledger.GetBalance(ctx, req.UserID)
		if err != nil {
			return nil, err
		}
		if bal.Balance < req.PointsToUse {
			return nil, fmt.Errorf("%w: have %d, need %d", payerr.ErrInsufficientBalance, bal.Balance, req.PointsToUse)
		}
	}

	op := hybridOperation(res.Type, req.PointsToUse)
	stripeAmount := price - req.PointsToUse

	key := req.IdempotencyKey
	if key == "" {
		key = idempotency.DefaultKey(op, req.UserID, string(res.Type), res.ID)
	}

	payload, err := s.idem.Run(ctx, key, op, req.UserID, func(ctx context.Context) (any, error) {
		return s.openSession(ctx, &models.PaymentAuditLog{
			OperationType:  op,
			UserID:         req.UserID,
			CreatorID:      res.CreatorID,
			TotalAmount:    price,
			PointsAmount:   req.PointsToUse,
			StripeAmount:   stripeAmount,
			IdempotencyKey: key,
		}, &gateway.CheckoutMetadata{
			UserID:       req.UserID,
			Operation:    op,
			ResourceType: res.Type,
			ResourceID:   res.ID,
			PointsAmount: req.PointsToUse,
			StripeAmount: stripeAmount,
			TipMessage:   req.TipMessage,
		}, sessionDescription(op, res), req.SuccessURL, req.CancelURL)
	})
	if err != nil {
		return nil, err
	}

	var out HybridCheckoutResult
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("failed to decode checkout result: %w", err)
	}
	return &out, nil
}

type PointPurchaseRequest struct {
	UserID         string `json:"-"`
	PackageID      string `json:"package_id"`
	SuccessURL     string `json:"success_url"`
	CancelURL      string `json:"cancel_url"`
	IdempotencyKey string `json:"idempotency_key"`
}

// CreatePointPurchaseSession opens a checkout session for buying a point
// package. Points are granted only on webhook confirmation.
func (s *Service) CreatePointPurchaseSession(ctx context.Context, req *PointPurchaseRequest) (*HybridCheckoutResult, error) {
	if req == nil || req.UserID == "" {
		return nil, fmt.Errorf("%w: missing user", payerr.ErrValidation)
	}
	if req.SuccessURL == "" || req.CancelURL == "" {
		return nil, fmt.Errorf("%w: success and cancel URLs are required", payerr.ErrValidation)
	}

	pkg := s.cfg.GetPointPackageByID(req.PackageID)
	if pkg == nil {
		return nil, fmt.Errorf("%w: point package %q", payerr.ErrNotFound, req.PackageID)
	}

	key := req.IdempotencyKey
	if key == "" {
		key = idempotency.DefaultKey(types.OperationPointPurchase, req.UserID, pkg.ID)
	}

	payload, err := s.idem.Run(ctx, key, types.OperationPointPurchase, req.UserID, func(ctx context.Context) (any, error) {
		return s.openSession(ctx, &models.PaymentAuditLog{
			OperationType:  types.OperationPointPurchase,
			UserID:         req.UserID,
			TotalAmount:    pkg.Price,
			PointsAmount:   0,
			StripeAmount:   pkg.Price,
			IdempotencyKey: key,
		}, &gateway.CheckoutMetadata{
			UserID:        req.UserID,
			Operation:     types.OperationPointPurchase,
			StripeAmount:  pkg.Price,
			PointsGranted: pkg.Points,
		}, fmt.Sprintf("%d points", pkg.Points), req.SuccessURL, req.CancelURL)
	})
	if err != nil {
		return nil, err
	}

	var out HybridCheckoutResult
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("failed to decode checkout result: %w", err)
	}
	return &out, nil
}

// openSession writes the pending audit log, creates the gateway session with
// the log's id in the metadata, and links the session id back onto the log.
// A session create failure closes the log as failed with no recovery flag:
// nothing moved on either rail.
func (s *Service) openSession(ctx context.Context, entry *models.PaymentAuditLog, meta *gateway.CheckoutMetadata, description, successURL, cancelURL string) (*HybridCheckoutResult, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, err := s.audit.Create(ctx, tx, entry)
		return err
	})
	if err != nil {
		return nil, err
	}
	meta.AuditLogID = entry.ID

	sess, err := s.gateway.CreateCheckoutSession(ctx, &gateway.CreateSessionParams{
		Amount:      entry.StripeAmount,
		Description: description,
		SuccessURL:  successURL,
		CancelURL:   cancelURL,
		Metadata:    meta,
	})
	if err != nil {
		failErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return s.audit.Fail(ctx, tx, entry.ID, "gateway_session_failed", err.Error(), nil, false)
		})
		if failErr != nil {
			logctx.FromCtx(ctx, s.log).Errorw("audit_fail_after_session_error",
				"audit_log_id", entry.ID, "err", failErr)
		}
		return nil, err
	}

	if err := s.audit.SetStripeSession(ctx, entry.ID, sess.ID); err != nil {
		return nil, err
	}

	logctx.FromCtx(ctx, s.log).Infow("checkout_session_opened",
		"operation", entry.OperationType, "audit_log_id", entry.ID,
		"user_id", entry.UserID, "stripe_amount", entry.StripeAmount, "session_id", sess.ID)

	return &HybridCheckoutResult{
		Success:        true,
		RequiresStripe: true,
		CheckoutURL:    sess.URL,
		AuditLogID:     entry.ID,
	}, nil
}

// payFully handles the Q == P degenerate case of a hybrid request by
// delegating to the synchronous points path.
func (s *Service) payFully(ctx context.Context, req *HybridCheckoutRequest, price int64) (*HybridCheckoutResult, error) {
	amount := int64(0)
	if req.ResourceType == types.ResourceTypeCreator {
		amount = price
	}
	res, err := s.PayWithPoints(ctx, &PayWithPointsRequest{
		UserID:         req.UserID,
		ResourceType:   req.ResourceType,
		ResourceID:     req.ResourceID,
		PointsAmount:   amount,
		TipMessage:     req.TipMessage,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return nil, err
	}
	bal := res.NewBalance
	return &HybridCheckoutResult{
		Success:        res.Success,
		RequiresStripe: false,
		AuditLogID:     res.AuditLogID,
		DomainRecordID: res.DomainRecordID,
		NewBalance:     &bal,
		PaymentMethod:  res.PaymentMethod,
	}, nil
}

func hybridOperation(rtype types.ResourceType, pointsToUse int64) types.PaymentOperation {
	switch rtype {
	case types.ResourceTypePlan:
		return types.OperationSubscription
	case types.ResourceTypeCreator:
		if pointsToUse > 0 {
			return types.OperationHybridTip
		}
		return types.OperationTip
	default:
		if pointsToUse > 0 {
			return types.OperationHybridPurchase
		}
		return types.OperationPurchase
	}
}

func sessionDescription(op types.PaymentOperation, res *catalog.Resource) string {
	switch op {
	case types.OperationTip, types.OperationHybridTip:
		return fmt.Sprintf("Tip for creator %s", res.CreatorID)
	case types.OperationSubscription:
		return fmt.Sprintf("Subscription to plan %s", res.ID)
	default:
		return fmt.Sprintf("Purchase of post %s", res.ID)
	}
}
