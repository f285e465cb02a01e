package activitypub

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"hash/fnv"
	"sync"
	"time"

	"github.com/deemkeen/fedcore/db"
	"github.com/deemkeen/fedcore/domain"
	"go.uber.org/zap"
)

var (
	_ Ledger = (*MemoryLedger)(nil)
	_ Ledger = (*db.Ledger)(nil)
)

// Ledger remembers which inbound activity ids were already admitted.
// Admit returns true for exactly one of any number of concurrent callers.
type Ledger interface {
	Admit(ctx context.Context, activityID, payloadHash string) (bool, error)
	// Lookup returns nil when the id is unknown.
	Lookup(ctx context.Context, activityID string) (*domain.LedgerEntry, error)
	Release(ctx context.Context, activityID string) error
	Purge(ctx context.Context, olderThan time.Time) (int, error)
}

// PayloadHash fingerprints an activity body for replay comparison.
func PayloadHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

const ledgerShards = 32

type ledgerShard struct {
	mu      sync.Mutex
	entries map[string]domain.LedgerEntry
}

// MemoryLedger is a process local Ledger split into independently locked
// shards.
type MemoryLedger struct {
	shards    [ledgerShards]ledgerShard
	retention time.Duration
	now       func() time.Time
}

func NewMemoryLedger(retention time.Duration) *MemoryLedger {
	l := &MemoryLedger{retention: retention, now: time.Now}
	for i := range l.shards {
		l.shards[i].entries = make(map[string]domain.LedgerEntry)
	}
	return l
}

func (l *MemoryLedger) shard(id string) *ledgerShard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &l.shards[h.Sum32()%ledgerShards]
}

func (l *MemoryLedger) Admit(_ context.Context, activityID, payloadHash string) (bool, error) {
	now := l.now()
	s := l.shard(activityID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[activityID]; ok && now.Sub(e.SeenAt) < l.retention {
		return false, nil
	}
	s.entries[activityID] = domain.LedgerEntry{ActivityURI: activityID, PayloadHash: payloadHash, SeenAt: now}
	return true, nil
}

func (l *MemoryLedger) Lookup(_ context.Context, activityID string) (*domain.LedgerEntry, error) {
	s := l.shard(activityID)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[activityID]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (l *MemoryLedger) Release(_ context.Context, activityID string) error {
	s := l.shard(activityID)
	s.mu.Lock()
	delete(s.entries, activityID)
	s.mu.Unlock()
	return nil
}

func (l *MemoryLedger) Purge(_ context.Context, olderThan time.Time) (int, error) {
	purged := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		for id, e := range s.entries {
			if e.SeenAt.Before(olderThan) {
				delete(s.entries, id)
				purged++
			}
		}
		s.mu.Unlock()
	}
	return purged, nil
}

// SweepLedger purges entries older than retention every interval until ctx
// is cancelled.
func SweepLedger(ctx context.Context, l Ledger, interval, retention time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := l.Purge(ctx, now.Add(-retention))
			if err != nil {
				log.Error("Ledger purge failed", zap.Error(err))
				continue
			}
			if n > 0 {
				ledgerPurged.Add(float64(n))
				log.Debug("Purged ledger entries", zap.Int("count", n))
			}
		}
	}
}
