package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	glogger "gorm.io/gorm/logger"

	"github.com/fanvault/pointpay/internal/models"
	"github.com/fanvault/pointpay/pkg/payerr"
	"github.com/fanvault/pointpay/pkg/types"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: glogger.Default.LogMode(glogger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.IdempotencyKey{}))
	return NewService(db, zap.NewNop().Sugar()), db
}

func TestRunExecutesOnce(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	calls := 0
	fn := func(ctx context.Context) (any, error) {
		calls++
		return map[string]int{"n": calls}, nil
	}

	first, err := svc.Run(ctx, "k1", types.OperationPurchase, "user-1", fn)
	require.NoError(t, err)
	second, err := svc.Run(ctx, "k1", types.OperationPurchase, "user-1", fn)
	require.NoError(t, err)

	require.Equal(t, 1, calls)
	require.JSONEq(t, string(first), string(second))

	var out map[string]int
	require.NoError(t, json.Unmarshal(second, &out))
	require.Equal(t, 1, out["n"])
}

func TestRunPendingKeyConflicts(t *testing.T) {
	ctx := context.Background()
	svc, db := newTestService(t)

	// Simulate an in-flight attempt left by another worker.
	require.NoError(t, db.Create(&models.IdempotencyKey{
		Key:           "k1",
		OperationType: string(types.OperationPurchase),
		UserID:        "user-1",
		Status:        models.IdempotencyStatusPending,
		ExpiresAt:     time.Now().Add(time.Hour),
	}).Error)

	_, err := svc.Run(ctx, "k1", types.OperationPurchase, "user-1", func(ctx context.Context) (any, error) {
		t.Fatal("fn must not run while key is pending")
		return nil, nil
	})
	require.ErrorIs(t, err, payerr.ErrConflict)
}

func TestRunFailedKeyIsRetried(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	boom := errors.New("boom")
	_, err := svc.Run(ctx, "k1", types.OperationTip, "user-1", func(ctx context.Context) (any, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)

	res, err := svc.Run(ctx, "k1", types.OperationTip, "user-1", func(ctx context.Context) (any, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	require.JSONEq(t, `"ok"`, string(res))
}

func TestRunExpiredKeyIsReclaimed(t *testing.T) {
	ctx := context.Background()
	svc, db := newTestService(t)

	require.NoError(t, db.Create(&models.IdempotencyKey{
		Key:           "k1",
		OperationType: string(types.OperationPurchase),
		UserID:        "user-1",
		Status:        models.IdempotencyStatusCompleted,
		ResultData:    []byte(`"stale"`),
		ExpiresAt:     time.Now().Add(-time.Minute),
	}).Error)

	res, err := svc.Run(ctx, "k1", types.OperationPurchase, "user-1", func(ctx context.Context) (any, error) {
		return "fresh", nil
	})
	require.NoError(t, err)
	require.JSONEq(t, `"fresh"`, string(res))
}

func TestRunEmptyKeyRejected(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.Run(ctx, "", types.OperationPurchase, "user-1", func(ctx context.Context) (any, error) {
		return nil, nil
	})
	require.ErrorIs(t, err, payerr.ErrValidation)
}

func TestDefaultKeyShape(t *testing.T) {
	key := DefaultKey(types.OperationPurchase, "user-1", "post", "p-9")
	require.True(t, strings.HasPrefix(key, "purchase:user-1:post:p-9:"))
}
