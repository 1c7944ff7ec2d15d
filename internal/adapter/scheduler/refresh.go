package scheduler

import (
	"context"
	"errors"
	"log/slog"

	"descfetch/internal/shared"
	"descfetch/internal/store"
)

// RefreshJob is the name of the job registered by RegisterRefresh.
const RefreshJob = "refresh-descriptions"

// Starter starts a fetch campaign. *campaign.Manager implements it.
type Starter interface {
	Start(url string) (store.Record, error)
}

// RegisterRefresh adds a job starting a campaign for every url on schedule.
// URLs that already have a campaign running are skipped.
func RegisterRefresh(s *Scheduler, starter Starter, urls []string, schedule string) error {
	log := s.log.With("job", RefreshJob)
	return s.Add(Job{
		Name:     RefreshJob,
		Schedule: schedule,
		Overlap:  SkipIfRunning,
		Run: func(ctx context.Context) error {
			var errs []error
			started := 0
			for _, u := range urls {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				rec, err := starter.Start(u)
				switch {
				case shared.IsConflict(err):
					log.Debug("refresh already running", slog.String("url", u))
				case err != nil:
					errs = append(errs, err)
				default:
					started++
					log.Debug("refresh started", slog.String("url", u), slog.String("id", rec.ID))
				}
			}
			log.Info("refresh scheduled", slog.Int("started", started), slog.Int("urls", len(urls)))
			return errors.Join(errs...)
		},
	})
}
