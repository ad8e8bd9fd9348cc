package job

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	glogger "gorm.io/gorm/logger"

	"github.com/fanvault/pointpay/internal/app/service/auditlog"
	"github.com/fanvault/pointpay/internal/models"
	cfgpkg "github.com/fanvault/pointpay/pkg/config"
	"github.com/fanvault/pointpay/pkg/types"
)

func TestPendingSweepFlagsStaleExternalLogs(t *testing.T) {
	ctx := context.Background()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: glogger.Default.LogMode(glogger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.PaymentAuditLog{}))

	log := zap.NewNop().Sugar()
	audit := auditlog.NewService(db, log)
	job := NewPendingSweepJob(&cfgpkg.Config{
		Jobs: cfgpkg.JobsConfig{StalePendingAfter: 48 * time.Hour, SweepBatchSize: 100},
	}, log, audit)

	stale, err := audit.Create(ctx, db, &models.PaymentAuditLog{
		OperationType: types.OperationHybridPurchase,
		UserID:        "user-1",
		CreatorID:     "creator-1",
		TotalAmount:   500,
		PointsAmount:  200,
		StripeAmount:  300,
	})
	require.NoError(t, err)
	require.NoError(t, db.Model(&models.PaymentAuditLog{}).Where("id = ?", stale.ID).
		Update("created_at", time.Now().Add(-72*time.Hour)).Error)

	fresh, err := audit.Create(ctx, db, &models.PaymentAuditLog{
		OperationType: types.OperationHybridPurchase,
		UserID:        "user-2",
		CreatorID:     "creator-1",
		TotalAmount:   500,
		StripeAmount:  500,
	})
	require.NoError(t, err)

	flagged, err := job.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, flagged)

	got, err := audit.Get(ctx, stale.ID)
	require.NoError(t, err)
	require.True(t, got.RequiresRecovery)

	got, err = audit.Get(ctx, fresh.ID)
	require.NoError(t, err)
	require.False(t, got.RequiresRecovery)

	// A second sweep finds nothing new.
	flagged, err = job.RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, flagged)
}
