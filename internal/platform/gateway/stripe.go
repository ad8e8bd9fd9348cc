package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	stripe "github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"github.com/stripe/stripe-go/v79/webhook"
	"go.uber.org/fx"
	"go.uber.org/zap"

	cfgpkg "github.com/fanvault/pointpay/pkg/config"
	"github.com/fanvault/pointpay/pkg/payerr"
)

// ErrIgnoredEvent marks webhook events the engine does not consume. The
// handler acks them so the gateway stops redelivering.
var ErrIgnoredEvent = errors.New("ignored webhook event type")

type CreateSessionParams struct {
	Amount      int64
	Description string
	SuccessURL  string
	CancelURL   string
	Metadata    *CheckoutMetadata
}

type Session struct {
	ID  string
	URL string
}

// Confirmation is a verified, normalized "checkout completed" event.
type Confirmation struct {
	EventID         string
	SessionID       string
	PaymentIntentID string
	SubscriptionID  string
	Metadata        map[string]string
}

// Gateway is the external card rail. Implementations must verify webhook
// signatures before returning a Confirmation.
type Gateway interface {
	CreateCheckoutSession(ctx context.Context, p *CreateSessionParams) (*Session, error)
	VerifyWebhook(payload []byte, signature string) (*Confirmation, error)
}

type stripeGateway struct {
	api           *client.API
	currency      string
	webhookSecret string
	log           *zap.SugaredLogger
}

func NewStripeGateway(l *zap.SugaredLogger, cfg *cfgpkg.Config) Gateway {
	api := &client.API{}
	api.Init(cfg.Stripe.SecretKey, nil)
	return &stripeGateway{
		api:           api,
		currency:      cfg.Stripe.Currency,
		webhookSecret: cfg.Stripe.WebhookSecret,
		log:           l,
	}
}

func (g *stripeGateway) CreateCheckoutSession(ctx context.Context, p *CreateSessionParams) (*Session, error) {
	if p.Amount <= 0 {
		return nil, fmt.Errorf("%w: non-positive session amount %d", payerr.ErrValidation, p.Amount)
	}
	if p.Metadata == nil {
		return nil, fmt.Errorf("%w: session metadata required", payerr.ErrValidation)
	}
	if err := p.Metadata.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", payerr.ErrValidation, err)
	}

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(p.SuccessURL),
		CancelURL:  stripe.String(p.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(g.currency),
				UnitAmount: stripe.Int64(p.Amount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(p.Description),
				},
			},
			Quantity: stripe.Int64(1),
		}},
	}
	params.Context = ctx
	for k, v := range p.Metadata.Encode() {
		params.AddMetadata(k, v)
	}

	sess, err := g.api.CheckoutSessions.New(params)
	if err != nil {
		g.log.Errorw("stripe_session_create_failed", "err", err, "audit_log_id", p.Metadata.AuditLogID)
		return nil, fmt.Errorf("%w: create checkout session: %v", payerr.ErrGateway, err)
	}
	return &Session{ID: sess.ID, URL: sess.URL}, nil
}

func (g *stripeGateway) VerifyWebhook(payload []byte, signature string) (*Confirmation, error) {
	event, err := webhook.ConstructEvent(payload, signature, g.webhookSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: webhook signature verification: %v", payerr.ErrForbidden, err)
	}

	if event.Type != "checkout.session.completed" {
		return nil, fmt.Errorf("%w: %s", ErrIgnoredEvent, event.Type)
	}

	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return nil, fmt.Errorf("decode checkout session payload: %w", err)
	}

	conf := &Confirmation{
		EventID:   event.ID,
		SessionID: sess.ID,
		Metadata:  sess.Metadata,
	}
	if sess.PaymentIntent != nil {
		conf.PaymentIntentID = sess.PaymentIntent.ID
	}
	if sess.Subscription != nil {
		conf.SubscriptionID = sess.Subscription.ID
	}
	return conf, nil
}

var Module = fx.Options(
	fx.Provide(NewStripeGateway),
)
