package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/deemkeen/fedcore/domain"
	"github.com/google/uuid"
)

// Delivery queries
const (
	sqlInsertOutboundActivity = `INSERT INTO outbound_activities(activity_uri, actor_uri, raw_json, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(activity_uri) DO NOTHING`
	sqlSelectOutboundActivity = `SELECT activity_uri, actor_uri, raw_json, created_at FROM outbound_activities WHERE activity_uri = ?`

	sqlTaskColumns   = `id, batch_id, activity_uri, inbox_uri, attempts, next_attempt_at, state, last_error, created_at, updated_at`
	sqlInsertTask    = `INSERT INTO delivery_tasks(` + sqlTaskColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlUpdateTask    = `UPDATE delivery_tasks SET attempts = ?, next_attempt_at = ?, state = ?, last_error = ?, updated_at = ? WHERE id = ?`
	sqlSelectPending = `SELECT ` + sqlTaskColumns + ` FROM delivery_tasks WHERE state = 'pending' ORDER BY next_attempt_at ASC, created_at ASC`
	sqlSelectByBatch = `SELECT ` + sqlTaskColumns + ` FROM delivery_tasks WHERE batch_id = ? ORDER BY created_at ASC`
	sqlDeleteTasks   = `DELETE FROM delivery_tasks WHERE state != 'pending' AND updated_at < ?`
)

func (db *DB) SaveOutboundActivity(ctx context.Context, a *domain.OutboundActivity) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertOutboundActivity, a.ActivityURI, a.ActorURI, a.RawJSON, toNanos(a.CreatedAt))
		return err
	})
}

func (db *DB) ReadOutboundActivity(ctx context.Context, activityURI string) (*domain.OutboundActivity, error) {
	var a domain.OutboundActivity
	var created int64
	err := db.db.QueryRowContext(ctx, sqlSelectOutboundActivity, activityURI).Scan(&a.ActivityURI, &a.ActorURI, &a.RawJSON, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.CreatedAt = fromNanos(created)
	return &a, nil
}

// SaveTasks inserts freshly created delivery tasks in one transaction.
func (db *DB) SaveTasks(ctx context.Context, tasks []*domain.DeliveryTask) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		for _, t := range tasks {
			if t.Id == uuid.Nil {
				t.Id = uuid.New()
			}
			_, err := tx.ExecContext(ctx, sqlInsertTask,
				t.Id.String(), t.BatchId, t.ActivityURI, t.InboxURI, t.Attempts,
				toNanos(t.NextAttemptAt), string(t.State), t.LastError, toNanos(t.CreatedAt), toNanos(t.UpdatedAt))
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *DB) UpdateTask(ctx context.Context, t *domain.DeliveryTask) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpdateTask,
			t.Attempts, toNanos(t.NextAttemptAt), string(t.State), t.LastError, toNanos(t.UpdatedAt), t.Id.String())
		return err
	})
}

func scanTasks(rows *sql.Rows) ([]*domain.DeliveryTask, error) {
	defer rows.Close()

	var tasks []*domain.DeliveryTask
	for rows.Next() {
		var t domain.DeliveryTask
		var idStr, state string
		var next, created, updated int64
		if err := rows.Scan(&idStr, &t.BatchId, &t.ActivityURI, &t.InboxURI, &t.Attempts, &next, &state, &t.LastError, &created, &updated); err != nil {
			return nil, err
		}
		t.Id, _ = uuid.Parse(idStr)
		t.State = domain.DeliveryState(state)
		t.NextAttemptAt = fromNanos(next)
		t.CreatedAt = fromNanos(created)
		t.UpdatedAt = fromNanos(updated)
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}

// ReadPendingTasks returns every unfinished task, earliest due first.
func (db *DB) ReadPendingTasks(ctx context.Context) ([]*domain.DeliveryTask, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectPending)
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
}

func (db *DB) ReadTasksByBatch(ctx context.Context, batchID string) ([]*domain.DeliveryTask, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectByBatch, batchID)
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
}

// DeleteFinishedTasks drops terminal tasks last touched before olderThan.
func (db *DB) DeleteFinishedTasks(ctx context.Context, olderThan time.Time) (int, error) {
	var n int64
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlDeleteTasks, olderThan.UnixNano())
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}
