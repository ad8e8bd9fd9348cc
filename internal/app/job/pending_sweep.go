package job

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fanvault/pointpay/internal/app/service/auditlog"
	cfgpkg "github.com/fanvault/pointpay/pkg/config"
	"github.com/fanvault/pointpay/pkg/metrics"
)

// PendingSweepJob flags audit logs whose external checkout never confirmed.
// The gateway expires sessions after 24h, so anything pending past the
// configured window will not settle on its own.
type PendingSweepJob struct {
	cfg   *cfgpkg.Config
	log   *zap.SugaredLogger
	audit *auditlog.Service

	stopCh chan struct{}
}

func NewPendingSweepJob(cfg *cfgpkg.Config, log *zap.SugaredLogger, audit *auditlog.Service) *PendingSweepJob {
	return &PendingSweepJob{
		cfg:    cfg,
		log:    log,
		audit:  audit,
		stopCh: make(chan struct{}),
	}
}

func (j *PendingSweepJob) RunOnce(ctx context.Context) (int, error) {
	olderThan := j.cfg.Jobs.StalePendingAfter
	if olderThan <= 0 {
		olderThan = 48 * time.Hour
	}

	flagged, err := j.audit.SweepStalePending(ctx, olderThan, j.cfg.Jobs.SweepBatchSize)
	if err != nil {
		return 0, err
	}
	if flagged > 0 {
		metrics.RecoveryFlagged.Add(float64(flagged))
		j.log.Warnw("stale_pending_swept", "flagged", flagged, "older_than", olderThan)
	}
	return flagged, nil
}

func (j *PendingSweepJob) Start() {
	interval := j.cfg.Jobs.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-j.stopCh:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				if _, err := j.RunOnce(ctx); err != nil {
					j.log.Errorw("pending_sweep_error", "err", err)
				}
				cancel()
			}
		}
	}()
}

func (j *PendingSweepJob) Stop() {
	close(j.stopCh)
}
