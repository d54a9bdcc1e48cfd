package generate

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/omnichat/backend/internal/eventlog"
)

// SweepStore lists open cycles with no recent event, so they can be
// closed out. Both log backends implement it.
type SweepStore interface {
	StaleCycles(ctx context.Context, cutoff time.Time) ([]eventlog.CycleRef, error)
}

// idlePurger is implemented by the database-backed store; the redis
// backend expires logs through key TTLs instead.
type idlePurger interface {
	PurgeIdleChats(ctx context.Context, cutoff time.Time) (int, error)
}

// Supervisor closes generation cycles whose worker died mid-stream: any
// open cycle with no new event inside the liveness window gets a synthetic
// error event, so no reader waits on it forever. It also expires whole
// chat logs past the retention period.
type Supervisor struct {
	store   SweepStore
	journal *Journal

	interval  time.Duration
	window    time.Duration
	retention time.Duration
}

func NewSupervisor(store SweepStore, journal *Journal, interval, window, retention time.Duration) *Supervisor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if window <= 0 {
		window = 45 * time.Second
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &Supervisor{
		store:     store,
		journal:   journal,
		interval:  interval,
		window:    window,
		retention: retention,
	}
}

// Run sweeps until ctx is cancelled. Meant to be launched as a goroutine;
// run one instance per deployment, the stale-offset guard keeps extra
// instances harmless.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	lastPurge := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
			if time.Since(lastPurge) >= time.Hour {
				lastPurge = time.Now()
				s.purge(ctx)
			}
		}
	}
}

// Sweep closes every stale cycle found right now. Safe to call from tests
// and from multiple processes.
func (s *Supervisor) Sweep(ctx context.Context) {
	refs, err := s.store.StaleCycles(ctx, time.Now().Add(-s.window))
	if err != nil {
		log.Printf("supervisor sweep failed err=%v", err)
		return
	}

	for _, ref := range refs {
		err := s.journal.FailIfLatest(ctx, ref, "generation worker stopped responding")
		switch {
		case errors.Is(err, eventlog.ErrWriteConflict):
			// the cycle moved since we looked, leave it alone
		case err != nil:
			log.Printf("supervisor close failed chat=%s job=%s err=%v", ref.ChatID, ref.JobID, err)
		default:
			log.Printf("supervisor closed stale cycle chat=%s job=%s", ref.ChatID, ref.JobID)
		}
	}
}

func (s *Supervisor) purge(ctx context.Context) {
	p, ok := s.store.(idlePurger)
	if !ok {
		return
	}
	n, err := p.PurgeIdleChats(ctx, time.Now().Add(-s.retention))
	if err != nil {
		log.Printf("supervisor retention purge failed err=%v", err)
		return
	}
	if n > 0 {
		log.Printf("supervisor purged idle chat logs count=%d", n)
	}
}
