package chaos

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Killer terminates random backends of the current database, excluding its
// own, so service transactions die mid-flight.
type Killer struct {
	Every  time.Duration
	OneIn  int
	killed atomic.Int64
}

func (k *Killer) Killed() int64 { return k.killed.Load() }

func (k *Killer) Run(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) {
	every, oneIn := k.Every, k.OneIn
	if every <= 0 {
		every = 2 * time.Second
	}
	if oneIn <= 0 {
		oneIn = 5
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(oneIn) != 0 {
				continue
			}
			var n int64
			err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM (
                SELECT pg_terminate_backend(pid) FROM pg_stat_activity
                WHERE datname = current_database() AND pid <> pg_backend_pid() AND state <> 'idle'
                ORDER BY random() LIMIT 1) t`).Scan(&n)
			if err == nil {
				k.killed.Add(n)
			}
		}
	}
}
