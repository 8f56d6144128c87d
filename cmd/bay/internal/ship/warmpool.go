package ship

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// RunWarmPool keeps the pool of unbound running ships between min_size and
// max_size. The count it reads is advisory; claims race freely against it
// and are settled by the store's atomic claim.
func (s *Service) RunWarmPool(ctx context.Context) error {
	if !s.cfg.WarmPoolEnabled {
		return nil
	}
	log := s.log.WithField("component", "warmpool")
	ticker := time.NewTicker(s.cfg.WarmPoolReplenishInterval)
	defer ticker.Stop()

	for {
		if err := s.replenishPool(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Warn("pool replenish failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Service) replenishPool(ctx context.Context) error {
	n, err := s.store.CountWarmShips(ctx)
	if err != nil {
		return err
	}

	if n < s.cfg.WarmPoolMinSize {
		total, err := s.store.CountActiveShips(ctx)
		if err != nil {
			return err
		}
		want := lo.Min([]int{s.cfg.WarmPoolMaxSize - n, s.cfg.MaxShipNum - total})
		for i := 0; i < want; i++ {
			ship, err := s.createShip(ctx, uuid.NewString(), AcquireRequest{
				TTL:    s.cfg.WarmPoolTTL,
				CPUs:   s.cfg.DefaultShipCPUs,
				Memory: s.cfg.DefaultShipMemory,
			}, true)
			if err != nil {
				// Cap races are expected; everything else is worth a log line.
				if err != errCapReached {
					s.log.WithError(err).Warn("warm ship creation failed")
				}
				break
			}
			s.log.WithField("ship_id", ship.ID).Info("warm ship added to pool")
		}
	}

	if n > s.cfg.WarmPoolMaxSize {
		victims, err := s.store.OldestWarmShips(ctx, n-s.cfg.WarmPoolMaxSize)
		if err != nil {
			return err
		}
		for _, victim := range victims {
			// A claim may win the race for this ship; ownership is settled
			// by the same conditional UPDATE claims go through.
			owned, err := s.store.TakeFromPool(ctx, victim.ID)
			if err != nil || !owned {
				continue
			}
			if err := s.driver.Stop(ctx, victim.ID); err != nil {
				s.log.WithError(err).WithField("ship_id", victim.ID).Warn("evicting warm ship")
				continue
			}
			if err := s.store.DeleteShip(ctx, victim.ID); err != nil {
				s.log.WithError(err).WithField("ship_id", victim.ID).Warn("deleting evicted warm ship")
				continue
			}
			s.waiters.signal()
			s.log.WithField("ship_id", victim.ID).Info("warm ship evicted")
		}
	}
	return nil
}
