package app

import (
	"time"

	"go.uber.org/fx"

	"github.com/fanvault/pointpay/internal/app/api/server"
	"github.com/fanvault/pointpay/internal/app/job"
	"github.com/fanvault/pointpay/internal/app/service/admin"
	"github.com/fanvault/pointpay/internal/app/service/auditlog"
	"github.com/fanvault/pointpay/internal/app/service/catalog"
	"github.com/fanvault/pointpay/internal/app/service/checkout"
	"github.com/fanvault/pointpay/internal/app/service/idempotency"
	"github.com/fanvault/pointpay/internal/app/service/ledger"
	"github.com/fanvault/pointpay/internal/app/service/reconciler"
	"github.com/fanvault/pointpay/internal/platform/cache"
	"github.com/fanvault/pointpay/internal/platform/db"
	"github.com/fanvault/pointpay/internal/platform/gateway"
	"github.com/fanvault/pointpay/internal/platform/lock"
	"github.com/fanvault/pointpay/internal/platform/mq"
	"github.com/fanvault/pointpay/pkg/config"
	"github.com/fanvault/pointpay/pkg/logger"
)

const (
	DefaultStartTimeout = 15 * time.Second
	DefaultStopTimeout  = 10 * time.Second
)

var Module = fx.Options(
	logger.Module,
	config.Module,
	db.Module,
	cache.Module,
	lock.Module,
	mq.Module,
	gateway.Module,
	ledger.Module,
	idempotency.Module,
	auditlog.Module,
	catalog.Module,
	checkout.Module,
	reconciler.Module,
	admin.Module,
	job.Module,
	server.Module,
)
