package mq

import (
	"context"
	"encoding/json"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/fx"
	"go.uber.org/zap"

	cfgpkg "github.com/fanvault/pointpay/pkg/config"
	"github.com/fanvault/pointpay/pkg/types"
)

// PaymentEvent is the best-effort notification emitted after a payment
// operation reaches a terminal state. Consumers (feeds, emails, analytics)
// must tolerate loss; no payment path ever depends on delivery.
type PaymentEvent struct {
	Type        string                 `json:"type"`
	Operation   types.PaymentOperation `json:"operation"`
	AuditLogID  string                 `json:"audit_log_id"`
	UserID      string                 `json:"user_id"`
	CreatorID   string                 `json:"creator_id,omitempty"`
	TotalAmount int64                  `json:"total_amount"`
	OccurredAt  time.Time              `json:"occurred_at"`
}

const (
	EventPaymentCompleted      = "payment.completed"
	EventPaymentFailed         = "payment.failed"
	EventRecoveryFlagged       = "payment.recovery_flagged"
	EventSubscriptionRenewed   = "subscription.renewed"
	EventSubscriptionCancelled = "subscription.cancelled"
)

// Notifier publishes payment events. Implementations swallow errors after
// logging them.
type Notifier interface {
	Notify(ctx context.Context, ev *PaymentEvent)
}

type kafkaNotifier struct {
	producer sarama.SyncProducer
	topic    string
	log      *zap.SugaredLogger
}

// NewNotifier builds a kafka-backed notifier, or a no-op one when no brokers
// are configured.
func NewNotifier(lc fx.Lifecycle, l *zap.SugaredLogger, cfg *cfgpkg.Config) (Notifier, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		l.Warnw("kafka brokers not configured, payment events disabled")
		return nopNotifier{}, nil
	}

	sc := sarama.NewConfig()
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = 3
	sc.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, sc)
	if err != nil {
		l.Errorf("failed to create kafka producer: %v", err)
		return nil, err
	}
	l.Infow("kafka producer created", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return producer.Close()
		},
	})

	return &kafkaNotifier{producer: producer, topic: cfg.Kafka.Topic, log: l}, nil
}

func (n *kafkaNotifier) Notify(ctx context.Context, ev *PaymentEvent) {
	if ev == nil {
		return
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		n.log.Errorw("payment_event_marshal_failed", "err", err, "type", ev.Type)
		return
	}
	msg := &sarama.ProducerMessage{
		Topic: n.topic,
		// Key by user so one user's events stay ordered within a partition.
		Key:   sarama.StringEncoder(ev.UserID),
		Value: sarama.ByteEncoder(payload),
	}
	if _, _, err := n.producer.SendMessage(msg); err != nil {
		n.log.Errorw("payment_event_publish_failed", "err", err, "type", ev.Type, "audit_log_id", ev.AuditLogID)
	}
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, *PaymentEvent) {}

var Module = fx.Options(
	fx.Provide(NewNotifier),
)
