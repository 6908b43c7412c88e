package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/harun/coworker/pkg/session"
)

const statsSchedule = "@every 1m"

// newScheduler registers the periodic maintenance jobs.
func (d *Daemon) newScheduler() (*cron.Cron, error) {
	c := cron.New()
	if spec := d.config.Session.SweepSchedule; spec != "" {
		if _, err := c.AddFunc(spec, d.sweep); err != nil {
			return nil, fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
		}
	}
	if _, err := c.AddFunc(statsSchedule, d.logStats); err != nil {
		return nil, err
	}
	return c, nil
}

// sweep expires idle sessions on drivers without native TTLs and forgets
// rate-limit state for idle users.
func (d *Daemon) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if exp, ok := d.store.(session.Expirer); ok && d.config.Session.IdleTTL > 0 {
		n, err := exp.ExpireIdle(ctx, d.config.Session.IdleTTL)
		if err != nil {
			d.logger.Warn().Err(err).Msg("Idle session sweep failed")
		} else if n > 0 {
			d.logger.Info().Int("expired", n).Msg("Expired idle sessions")
		}
	}

	if n := d.gateway.SweepLimits(); n > 0 {
		d.logger.Debug().Int("users", n).Msg("Cleared idle rate limits")
	}
}

func (d *Daemon) logStats() {
	stats := d.queue.Stats()
	if stats.Pending == 0 && stats.Dropped == 0 {
		return
	}
	d.logger.Debug().
		Int("pending", stats.Pending).
		Int("in_flight", stats.InFlight).
		Int("lanes", stats.Lanes).
		Uint64("dropped", stats.Dropped).
		Uint64("failed", stats.Failed).
		Msg("Turn queue stats")
}
