package admin

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
	"github.com/fanvault/pointpay/internal/app/service/ledger"
	"github.com/fanvault/pointpay/internal/models"
	"github.com/fanvault/pointpay/pkg/payerr"
	"github.com/fanvault/pointpay/pkg/types"
)

type fixture struct {
	svc    *Service
	db     *gorm.DB
	ledger *ledger.Service
	audit  *auditlog.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: glogger.Default.LogMode(glogger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.PointBalance{}, &models.PointTransaction{}, &models.PaymentAuditLog{},
	))

	log := zap.NewNop().Sugar()
	ledgerSvc := ledger.NewService(db, log)
	auditSvc := auditlog.NewService(db, log)
	return &fixture{
		svc:    NewService(log, db, ledgerSvc, auditSvc),
		db:     db,
		ledger: ledgerSvc,
		audit:  auditSvc,
	}
}

func (f *fixture) flaggedEntry(t *testing.T, userID string) *models.PaymentAuditLog {
	t.Helper()
	ctx := context.Background()
	entry, err := f.audit.Create(ctx, f.db, &models.PaymentAuditLog{
		OperationType: types.OperationHybridPurchase,
		UserID:        userID,
		CreatorID:     "creator-1",
		TotalAmount:   500,
		PointsAmount:  200,
		StripeAmount:  300,
	})
	require.NoError(t, err)
	require.NoError(t, f.audit.MarkProcessing(ctx, f.db, entry.ID))
	require.NoError(t, f.audit.Fail(ctx, f.db, entry.ID, "insufficient_points_at_confirmation", "need 200", nil, true))
	return entry
}

func TestListRecoveryQueueOldestFirst(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	first := f.flaggedEntry(t, "user-1")
	second := f.flaggedEntry(t, "user-2")

	// A failed log without the flag stays out of the queue.
	plain, err := f.audit.Create(ctx, f.db, &models.PaymentAuditLog{
		OperationType: types.OperationPurchase,
		UserID:        "user-3",
		CreatorID:     "creator-1",
		TotalAmount:   100,
		PointsAmount:  100,
	})
	require.NoError(t, err)
	require.NoError(t, f.audit.MarkProcessing(ctx, f.db, plain.ID))
	require.NoError(t, f.audit.Fail(ctx, f.db, plain.ID, "gateway_session_failed", "down", nil, false))

	rows, err := f.svc.ListRecoveryQueue(ctx, 50, 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, first.ID, rows[0].ID)
	require.Equal(t, second.ID, rows[1].ID)
}

func TestResolveRemovesFromQueue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	entry := f.flaggedEntry(t, "user-1")

	require.ErrorIs(t, f.svc.Resolve(ctx, entry.ID, "", "note"), payerr.ErrValidation)
	require.ErrorIs(t, f.svc.Resolve(ctx, entry.ID, "op-1", ""), payerr.ErrValidation)

	require.NoError(t, f.svc.Resolve(ctx, entry.ID, "op-1", "granted access manually"))

	rows, err := f.svc.ListRecoveryQueue(ctx, 50, 0)
	require.NoError(t, err)
	require.Empty(t, rows)

	got, err := f.svc.GetAuditLog(ctx, entry.ID)
	require.NoError(t, err)
	require.Equal(t, types.AuditStatusRecovered, got.Status)
	require.Equal(t, "op-1", *got.RecoveredBy)
}

func TestRefundCompletedReturnsPoints(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	entry, err := f.audit.Create(ctx, f.db, &models.PaymentAuditLog{
		OperationType: types.OperationPurchase,
		UserID:        "user-1",
		CreatorID:     "creator-1",
		TotalAmount:   500,
		PointsAmount:  500,
	})
	require.NoError(t, err)
	require.NoError(t, f.audit.MarkProcessing(ctx, f.db, entry.ID))
	require.NoError(t, f.audit.Complete(ctx, f.db, entry.ID, "purchase", "p-1", auditlog.ExternalIDs{}))

	require.NoError(t, f.svc.Refund(ctx, entry.ID, "op-1", "user complaint"))

	got, err := f.svc.GetAuditLog(ctx, entry.ID)
	require.NoError(t, err)
	require.Equal(t, types.AuditStatusRefunded, got.Status)

	bal, err := f.ledger.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(500), bal.Balance)

	var txn models.PointTransaction
	require.NoError(t, f.db.First(&txn, "reference_id = ?", entry.ID).Error)
	require.Equal(t, types.PointTransactionTypeRefund, txn.Type)
}

func TestRefundFailedDoesNotCredit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	entry := f.flaggedEntry(t, "user-1")

	// Failed logs never debited; a refund records the decision only.
	require.NoError(t, f.svc.Refund(ctx, entry.ID, "op-1", "card refunded via dashboard"))

	bal, err := f.ledger.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	require.Zero(t, bal.Balance)

	got, err := f.svc.GetAuditLog(ctx, entry.ID)
	require.NoError(t, err)
	require.Equal(t, types.AuditStatusRefunded, got.Status)
}

func TestRefundRequiresOperator(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	entry := f.flaggedEntry(t, "user-1")

	require.ErrorIs(t, f.svc.Refund(ctx, entry.ID, "", "note"), payerr.ErrValidation)
}

func TestGrantPoints(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.GrantPoints(ctx, "user-1", 0, "op-1", "")
	require.ErrorIs(t, err, payerr.ErrValidation)
	_, err = f.svc.GrantPoints(ctx, "user-1", 100, "", "")
	require.ErrorIs(t, err, payerr.ErrValidation)

	txn, err := f.svc.GrantPoints(ctx, "user-1", 100, "op-1", "goodwill")
	require.NoError(t, err)
	require.Equal(t, types.PointTransactionTypeAdminGrant, txn.Type)
	require.Equal(t, "op-1", txn.ReferenceID)

	bal, err := f.ledger.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(100), bal.Balance)
}
