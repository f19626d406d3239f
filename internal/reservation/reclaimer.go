package reservation

import (
	"context"
	"time"

	"github.com/labstack/gommon/log"
)

// Lease gives one process the right to run a sweep.  Acquire reports false
// when another holder owns it.
type Lease interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Reclaimer expires HELD bookings whose deadline has passed and returns
// their seats to the trip.  Each booking is expired in its own transaction
// through Engine.ExpireBooking, never by deleting rows.
type Reclaimer struct {
	engine   *Engine
	interval time.Duration
	batch    int
	lease    Lease
	log      *log.Logger
}

// NewReclaimer returns a Reclaimer sweeping every interval, batch bookings
// per query.  lease may be nil, in which case every instance sweeps.
func NewReclaimer(engine *Engine, interval time.Duration, batch int, lease Lease) *Reclaimer {
	if batch < 1 {
		batch = 100
	}
	return &Reclaimer{
		engine:   engine,
		interval: interval,
		batch:    batch,
		lease:    lease,
		log:      log.New("reclaimer"),
	}
}

// Run sweeps immediately and then on every tick until ctx is cancelled.
func (r *Reclaimer) Run(ctx context.Context) {
	r.log.Infof("started, interval=%s batch=%d", r.interval, r.batch)
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		if n, err := r.Sweep(ctx); err != nil {
			r.log.Errorf("sweep failed after %d expirations: %v", n, err)
		} else if n > 0 {
			r.log.Infof("expired %d bookings", n)
		}
		select {
		case <-ctx.Done():
			r.log.Info("stopped")
			return
		case <-t.C:
		}
	}
}

// Sweep expires every overdue hold and returns how many bookings it expired.
// A sweep that cannot get the lease does nothing.
func (r *Reclaimer) Sweep(ctx context.Context) (int, error) {
	if r.lease != nil {
		ok, err := r.lease.Acquire(ctx)
		switch {
		case err != nil:
			// Without the lease coordinator every instance sweeps; the row
			// locks keep that correct.
			r.log.Warnf("lease unavailable, sweeping anyway: %v", err)
		case !ok:
			return 0, nil
		default:
			defer func() {
				if err := r.lease.Release(context.Background()); err != nil {
					r.log.Warnf("lease release: %v", err)
				}
			}()
		}
	}

	// skip collects ids this sweep could not expire, so a stuck booking at the
	// head of the queue does not hide the overdue ones behind it.
	skip := make(map[string]bool)
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		limit := r.batch + len(skip)
		ids, err := r.engine.store.ListExpiredHolds(ctx, r.engine.clock(), limit)
		if err != nil {
			return total, err
		}
		pending := 0
		for _, id := range ids {
			if skip[id] {
				continue
			}
			pending++
			ok, err := r.engine.ExpireBooking(ctx, id)
			if err != nil {
				r.log.Errorf("expire booking %s: %v", id, err)
				skip[id] = true
				continue
			}
			if ok {
				total++
			} else {
				skip[id] = true
			}
		}
		// A short page means the backlog is drained.
		if pending == 0 || len(ids) < limit {
			return total, nil
		}
	}
}
