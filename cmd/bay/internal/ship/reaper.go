package ship

import (
	"context"
	"time"
)

// RunReaper periodically stops expired ships, reconciles database state
// with backend liveness, and (when a grace period is configured) purges
// long-stopped ships.
func (s *Service) RunReaper(ctx context.Context) error {
	log := s.log.WithField("component", "reaper")
	ticker := time.NewTicker(s.cfg.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := s.reapExpired(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Warn("expiry sweep failed")
		}
		if err := s.reconcileLiveness(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Warn("liveness sweep failed")
		}
		if s.cfg.StaleShipGracePeriod > 0 {
			if err := s.purgeStale(ctx); err != nil && ctx.Err() == nil {
				log.WithError(err).Warn("stale purge failed")
			}
		}
	}
}

// reapExpired stops every running ship whose lease has run out and removes
// its session bindings. Failures are retried on the next tick.
func (s *Service) reapExpired(ctx context.Context) error {
	expired, err := s.store.ExpiredShips(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	for i := range expired {
		ship := &expired[i]
		log := s.log.WithField("ship_id", ship.ID)
		if err := s.driver.Stop(ctx, ship.ID); err != nil {
			log.WithError(err).Warn("stopping expired ship, will retry")
			continue
		}
		if err := s.markStopped(ctx, ship); err != nil {
			log.WithError(err).Warn("marking expired ship stopped")
			continue
		}
		if err := s.store.DeleteSessionsForShip(ctx, ship.ID); err != nil {
			log.WithError(err).Warn("removing sessions of expired ship")
		}
		s.metrics.ShipsReaped.Add(ctx, 1)
		s.waiters.signal()
		log.Info("expired ship reaped")
	}
	return nil
}

// reconcileLiveness downgrades ships the backend no longer runs.
func (s *Service) reconcileLiveness(ctx context.Context) error {
	running, err := s.store.RunningShips(ctx)
	if err != nil {
		return err
	}
	for i := range running {
		ship := &running[i]
		alive, err := s.driver.IsRunning(ctx, ship.ID)
		if err != nil {
			// Backend unreachable; do not mass-stop on a flaky sweep.
			return err
		}
		if alive {
			continue
		}
		if err := s.markStopped(ctx, ship); err != nil {
			s.log.WithError(err).WithField("ship_id", ship.ID).Warn("reconciling dead ship")
			continue
		}
		s.waiters.signal()
		s.log.WithField("ship_id", ship.ID).Warn("backend lost container, ship marked stopped")
	}
	return nil
}

// purgeStale permanently deletes ships stopped longer than the grace
// period. Host data directories stay on disk.
func (s *Service) purgeStale(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.cfg.StaleShipGracePeriod)
	stale, err := s.store.StaleStoppedShips(ctx, cutoff)
	if err != nil {
		return err
	}
	for i := range stale {
		ship := &stale[i]
		if err := s.store.DeleteSessionsForShip(ctx, ship.ID); err != nil {
			s.log.WithError(err).WithField("ship_id", ship.ID).Warn("purging sessions of stale ship")
			continue
		}
		if err := s.store.DeleteShip(ctx, ship.ID); err != nil {
			s.log.WithError(err).WithField("ship_id", ship.ID).Warn("purging stale ship")
			continue
		}
		s.log.WithField("ship_id", ship.ID).Info("stale stopped ship purged")
	}
	return nil
}

// ReapOnce runs one combined sweep; exposed for startup reconciliation.
func (s *Service) ReapOnce(ctx context.Context) error {
	if err := s.reapExpired(ctx); err != nil {
		return err
	}
	return s.reconcileLiveness(ctx)
}
