package reconciler

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	glogger "gorm.io/gorm/logger"

	"github.com/fanvault/pointpay/internal/app/service/auditlog"
	"github.com/fanvault/pointpay/internal/app/service/catalog"
	"github.com/fanvault/pointpay/internal/app/service/ledger"
	"github.com/fanvault/pointpay/internal/models"
	"github.com/fanvault/pointpay/internal/platform/gateway"
	"github.com/fanvault/pointpay/internal/platform/lock"
	"github.com/fanvault/pointpay/internal/platform/mq"
	"github.com/fanvault/pointpay/pkg/types"
)

type fakeNotifier struct {
	events []*mq.PaymentEvent
}

func (f *fakeNotifier) Notify(_ context.Context, ev *mq.PaymentEvent) {
	f.events = append(f.events, ev)
}

type fixture struct {
	svc      *Service
	db       *gorm.DB
	ledger   *ledger.Service
	audit    *auditlog.Service
	notifier *fakeNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: glogger.Default.LogMode(glogger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.PointBalance{}, &models.PointTransaction{}, &models.PaymentAuditLog{},
		&models.Purchase{}, &models.Tip{}, &models.Subscription{},
		&models.Post{}, &models.Plan{}, &models.Creator{},
	))

	log := zap.NewNop().Sugar()
	ledgerSvc := ledger.NewService(db, log)
	auditSvc := auditlog.NewService(db, log)
	nt := &fakeNotifier{}

	svc := NewService(log, db, ledgerSvc, auditSvc,
		catalog.NewService(db, log), lock.NewManager(nil), nt)

	require.NoError(t, db.Create(&models.Creator{ID: "creator-1", DisplayName: "creator-1"}).Error)
	require.NoError(t, db.Create(&models.Post{ID: "post-1", CreatorID: "creator-1", PointsPrice: 500}).Error)
	require.NoError(t, db.Create(&models.Plan{ID: "plan-1", CreatorID: "creator-1", PointsPrice: 300}).Error)

	return &fixture{svc: svc, db: db, ledger: ledgerSvc, audit: auditSvc, notifier: nt}
}

func (f *fixture) credit(t *testing.T, userID string, amount int64) {
	t.Helper()
	_, err := f.ledger.Credit(context.Background(), f.db, userID, amount, types.PointTransactionTypePurchase, "seed", "")
	require.NoError(t, err)
}

// openEntry writes a pending audit log with a linked session, the state a
// hybrid checkout leaves behind.
func (f *fixture) openEntry(t *testing.T, entry *models.PaymentAuditLog, sessionID string) *models.PaymentAuditLog {
	t.Helper()
	ctx := context.Background()
	created, err := f.audit.Create(ctx, f.db, entry)
	require.NoError(t, err)
	require.NoError(t, f.audit.SetStripeSession(ctx, created.ID, sessionID))
	return created
}

func confirmationFor(entry *models.PaymentAuditLog, meta *gateway.CheckoutMetadata) *gateway.Confirmation {
	return &gateway.Confirmation{
		EventID:         "evt_1",
		SessionID:       "cs_1",
		PaymentIntentID: "pi_1",
		Metadata:        meta.Encode(),
	}
}

func hybridPurchaseEntry(f *fixture, t *testing.T) (*models.PaymentAuditLog, *gateway.CheckoutMetadata) {
	entry := f.openEntry(t, &models.PaymentAuditLog{
		OperationType: types.OperationHybridPurchase,
		UserID:        "user-1",
		CreatorID:     "creator-1",
		TotalAmount:   500,
		PointsAmount:  200,
		StripeAmount:  300,
	}, "cs_1")
	meta := &gateway.CheckoutMetadata{
		AuditLogID:   entry.ID,
		UserID:       "user-1",
		Operation:    types.OperationHybridPurchase,
		ResourceType: types.ResourceTypePost,
		ResourceID:   "post-1",
		PointsAmount: 200,
		StripeAmount: 300,
	}
	return entry, meta
}

func TestConfirmationSettlesHybridPurchase(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.credit(t, "user-1", 300)
	entry, meta := hybridPurchaseEntry(f, t)

	require.NoError(t, f.svc.ProcessConfirmation(ctx, confirmationFor(entry, meta)))

	got, err := f.audit.Get(ctx, entry.ID)
	require.NoError(t, err)
	require.Equal(t, types.AuditStatusCompleted, got.Status)
	require.Equal(t, "purchase", *got.ReferenceType)
	require.Equal(t, "pi_1", *got.StripePaymentIntentID)

	// The deferred points leg is debited at confirmation.
	bal, err := f.ledger.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(100), bal.Balance)

	var purchase models.Purchase
	require.NoError(t, f.db.First(&purchase, "user_id = ? AND post_id = ?", "user-1", "post-1").Error)
	require.Equal(t, types.MethodFor(200, 300), purchase.PaymentMethod)
	require.Equal(t, int64(200), purchase.PointsUsed)
	require.Equal(t, int64(300), purchase.StripeAmount)

	var creator models.Creator
	require.NoError(t, f.db.First(&creator, "id = ?", "creator-1").Error)
	require.Equal(t, int64(500), creator.EarnedTotal)

	require.Len(t, f.notifier.events, 1)
	require.Equal(t, mq.EventPaymentCompleted, f.notifier.events[0].Type)
}

func TestConfirmationShortfallGoesToRecoveryQueue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.credit(t, "user-1", 50)
	entry, meta := hybridPurchaseEntry(f, t)

	// The charge is captured but the points leg cannot be covered. Nil means
	// ack: a redelivery cannot fix this.
	require.NoError(t, f.svc.ProcessConfirmation(ctx, confirmationFor(entry, meta)))

	got, err := f.audit.Get(ctx, entry.ID)
	require.NoError(t, err)
	require.Equal(t, types.AuditStatusFailed, got.Status)
	require.True(t, got.RequiresRecovery)
	require.Equal(t, "insufficient_points_at_confirmation", *got.ErrorCode)

	// No value granted, balance untouched.
	var purchaseCount int64
	require.NoError(t, f.db.Model(&models.Purchase{}).Count(&purchaseCount).Error)
	require.Zero(t, purchaseCount)
	bal, err := f.ledger.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(50), bal.Balance)

	require.Len(t, f.notifier.events, 1)
	require.Equal(t, mq.EventRecoveryFlagged, f.notifier.events[0].Type)
}

func TestConfirmationDuplicateIsNoOp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.credit(t, "user-1", 300)
	entry, meta := hybridPurchaseEntry(f, t)
	conf := confirmationFor(entry, meta)

	require.NoError(t, f.svc.ProcessConfirmation(ctx, conf))
	require.NoError(t, f.svc.ProcessConfirmation(ctx, conf))

	var purchaseCount int64
	require.NoError(t, f.db.Model(&models.Purchase{}).Count(&purchaseCount).Error)
	require.Equal(t, int64(1), purchaseCount)

	bal, err := f.ledger.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(100), bal.Balance)

	require.Len(t, f.notifier.events, 1)
}

func TestConfirmationPointPurchaseCreditsPackage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	entry := f.openEntry(t, &models.PaymentAuditLog{
		OperationType: types.OperationPointPurchase,
		UserID:        "user-1",
		TotalAmount:   500,
		StripeAmount:  500,
	}, "cs_1")
	meta := &gateway.CheckoutMetadata{
		AuditLogID:    entry.ID,
		UserID:        "user-1",
		Operation:     types.OperationPointPurchase,
		StripeAmount:  500,
		PointsGranted: 500,
	}

	require.NoError(t, f.svc.ProcessConfirmation(ctx, confirmationFor(entry, meta)))

	bal, err := f.ledger.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(500), bal.Balance)
	require.Equal(t, int64(500), bal.TotalPurchased)

	got, err := f.audit.Get(ctx, entry.ID)
	require.NoError(t, err)
	require.Equal(t, types.AuditStatusCompleted, got.Status)
	require.Equal(t, "point_transaction", *got.ReferenceType)
}

func TestConfirmationSettlesSubscription(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.credit(t, "user-1", 100)
	entry := f.openEntry(t, &models.PaymentAuditLog{
		OperationType: types.OperationSubscription,
		UserID:        "user-1",
		CreatorID:     "creator-1",
		TotalAmount:   300,
		PointsAmount:  100,
		StripeAmount:  200,
	}, "cs_1")
	meta := &gateway.CheckoutMetadata{
		AuditLogID:   entry.ID,
		UserID:       "user-1",
		Operation:    types.OperationSubscription,
		ResourceType: types.ResourceTypePlan,
		ResourceID:   "plan-1",
		PointsAmount: 100,
		StripeAmount: 200,
	}

	require.NoError(t, f.svc.ProcessConfirmation(ctx, confirmationFor(entry, meta)))

	var sub models.Subscription
	require.NoError(t, f.db.First(&sub, "user_id = ? AND plan_id = ?", "user-1", "plan-1").Error)
	require.Equal(t, types.SubscriptionStatusActive, sub.Status)

	var plan models.Plan
	require.NoError(t, f.db.First(&plan, "id = ?", "plan-1").Error)
	require.Equal(t, int64(1), plan.SubscriberCount)
}

func TestConfirmationMetadataMismatchFlagsWithoutSettling(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.credit(t, "user-1", 300)
	entry, meta := hybridPurchaseEntry(f, t)
	meta.UserID = "someone-else"

	require.NoError(t, f.svc.ProcessConfirmation(ctx, confirmationFor(entry, meta)))

	got, err := f.audit.Get(ctx, entry.ID)
	require.NoError(t, err)
	require.True(t, got.RequiresRecovery)
	require.Equal(t, "metadata_mismatch", *got.ErrorCode)

	bal, err := f.ledger.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(300), bal.Balance)
}

func TestConfirmationBrokenMetadataFlagsBySession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	entry, _ := hybridPurchaseEntry(f, t)

	conf := &gateway.Confirmation{
		EventID:   "evt_1",
		SessionID: "cs_1",
		Metadata:  map[string]string{"unrelated": "junk"},
	}
	require.NoError(t, f.svc.ProcessConfirmation(ctx, conf))

	got, err := f.audit.Get(ctx, entry.ID)
	require.NoError(t, err)
	require.True(t, got.RequiresRecovery)
	require.Equal(t, "metadata_invalid", *got.ErrorCode)
}

func TestConfirmationUnknownLogIsTransient(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	meta := &gateway.CheckoutMetadata{
		AuditLogID:   "no-such-log",
		UserID:       "user-1",
		Operation:    types.OperationHybridPurchase,
		ResourceType: types.ResourceTypePost,
		ResourceID:   "post-1",
		PointsAmount: 1,
		StripeAmount: 1,
	}
	conf := &gateway.Confirmation{EventID: "evt_1", SessionID: "cs_x", Metadata: meta.Encode()}

	// An unknown id may be replication lag; error so the gateway redelivers.
	require.Error(t, f.svc.ProcessConfirmation(ctx, conf))
}
