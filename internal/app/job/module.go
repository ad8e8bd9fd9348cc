package job

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Options(
	fx.Provide(NewRenewalJob),
	fx.Provide(NewPendingSweepJob),
	fx.Invoke(registerJobs),
)

func registerJobs(lc fx.Lifecycle, renewal *RenewalJob, sweep *PendingSweepJob) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			renewal.Start()
			sweep.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			renewal.Stop()
			sweep.Stop()
			return nil
		},
	})
}
