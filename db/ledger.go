package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/deemkeen/fedcore/domain"
)

// Ledger queries
const (
	// An entry older than the retention cutoff counts as unseen and is
	// replaced in the same statement, so admission stays a single atomic write.
	sqlAdmitActivity = `INSERT INTO seen_activities(activity_uri, payload_hash, seen_at) VALUES (?, ?, ?)
		ON CONFLICT(activity_uri) DO UPDATE SET payload_hash = excluded.payload_hash, seen_at = excluded.seen_at
		WHERE seen_activities.seen_at < ?`
	sqlSelectSeenActivity = `SELECT activity_uri, payload_hash, seen_at FROM seen_activities WHERE activity_uri = ?`
	sqlDeleteSeenActivity = `DELETE FROM seen_activities WHERE activity_uri = ?`
	sqlPurgeSeenActivity  = `DELETE FROM seen_activities WHERE seen_at < ?`
)

// Ledger is the sqlite backed deduplication ledger. Admission relies on the
// primary key, so concurrent admissions of one id yield exactly one winner.
type Ledger struct {
	db        *DB
	retention time.Duration
	now       func() time.Time
}

func (db *DB) Ledger(retention time.Duration) *Ledger {
	return &Ledger{db: db, retention: retention, now: time.Now}
}

func (l *Ledger) Admit(ctx context.Context, activityURI, payloadHash string) (bool, error) {
	now := l.now()
	cutoff := now.Add(-l.retention)

	var admitted bool
	err := l.db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlAdmitActivity, activityURI, payloadHash, now.UnixNano(), cutoff.UnixNano())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		admitted = n == 1
		return nil
	})
	return admitted, err
}

// Lookup returns the recorded entry, or nil when the id was never admitted.
func (l *Ledger) Lookup(ctx context.Context, activityURI string) (*domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	var seen int64
	err := l.db.db.QueryRowContext(ctx, sqlSelectSeenActivity, activityURI).Scan(&e.ActivityURI, &e.PayloadHash, &seen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.SeenAt = fromNanos(seen)
	return &e, nil
}

func (l *Ledger) Release(ctx context.Context, activityURI string) error {
	return l.db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlDeleteSeenActivity, activityURI)
		return err
	})
}

func (l *Ledger) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	var purged int64
	err := l.db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlPurgeSeenActivity, olderThan.UnixNano())
		if err != nil {
			return err
		}
		purged, err = res.RowsAffected()
		return err
	})
	return int(purged), err
}
