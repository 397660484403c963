package retention

import (
	"context"
	"log"
	"time"

	"driftline/api/internal/store"
)

const sweepBatchSize = 500

// SweepStore is the storage surface the sweeper needs.
type SweepStore interface {
	ListExpiredOperations(ctx context.Context, before time.Time, limit int) ([]store.SyncOperation, error)
	DeleteOperations(ctx context.Context, ids []int64) error
	DeleteExpiredTombstones(ctx context.Context, before time.Time) (int64, error)
}

// Archiver stores an expired batch before it is deleted. A nil Archiver
// disables archival and expired rows are dropped directly.
type Archiver interface {
	StoreBatch(ctx context.Context, sweptAt time.Time, ops []store.SyncOperation) (string, error)
}

// IndexCleaner drops deleted audit rows from the search index.
type IndexCleaner interface {
	RemoveOperations(ids []int64)
}

// Sweeper periodically enforces the audit and tombstone retention
// windows.
type Sweeper struct {
	store              SweepStore
	archive            Archiver
	index              IndexCleaner
	auditRetention     time.Duration
	tombstoneRetention time.Duration
	interval           time.Duration
	now                func() time.Time
}

func NewSweeper(st SweepStore, archive Archiver, index IndexCleaner, auditRetention, tombstoneRetention, interval time.Duration) *Sweeper {
	return &Sweeper{
		store:              st,
		archive:            archive,
		index:              index,
		auditRetention:     auditRetention,
		tombstoneRetention: tombstoneRetention,
		interval:           interval,
		now:                time.Now,
	}
}

// Run sweeps on a fixed interval until the context is cancelled. One
// sweep runs immediately on startup.
func (s *Sweeper) Run(ctx context.Context) {
	s.sweepAndLog(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepAndLog(ctx)
		}
	}
}

func (s *Sweeper) sweepAndLog(ctx context.Context) {
	archived, tombstones, err := s.Sweep(ctx)
	if err != nil {
		log.Printf("retention: sweep failed: %v", err)
		return
	}
	if archived > 0 || tombstones > 0 {
		log.Printf("retention: swept %d audit rows, %d tombstones", archived, tombstones)
	}
}

// Sweep archives and deletes audit rows past the retention window in
// batches, then drops expired tombstones. It returns the number of
// audit rows and tombstones removed.
func (s *Sweeper) Sweep(ctx context.Context) (int, int64, error) {
	sweptAt := s.now().UTC()
	auditCutoff := sweptAt.Add(-s.auditRetention)

	removed := 0
	for {
		ops, err := s.store.ListExpiredOperations(ctx, auditCutoff, sweepBatchSize)
		if err != nil {
			return removed, 0, err
		}
		if len(ops) == 0 {
			break
		}

		if s.archive != nil {
			if _, err := s.archive.StoreBatch(ctx, sweptAt, ops); err != nil {
				// Never delete rows that failed to archive.
				return removed, 0, err
			}
		}

		ids := make([]int64, 0, len(ops))
		for _, op := range ops {
			ids = append(ids, op.ID)
		}
		if err := s.store.DeleteOperations(ctx, ids); err != nil {
			return removed, 0, err
		}
		if s.index != nil {
			s.index.RemoveOperations(ids)
		}
		removed += len(ids)

		if len(ops) < sweepBatchSize {
			break
		}
	}

	tombstones, err := s.store.DeleteExpiredTombstones(ctx, sweptAt.Add(-s.tombstoneRetention))
	if err != nil {
		return removed, 0, err
	}
	return removed, tombstones, nil
}
