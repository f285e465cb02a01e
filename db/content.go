package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/deemkeen/fedcore/domain"
	"github.com/google/uuid"
)

// Post queries
const (
	sqlPostColumns = `id, object_uri, community_uri, creator_uri, name, content, removed, removed_reason, deleted, local, published, updated`

	sqlInsertPost = `INSERT INTO posts(` + sqlPostColumns + `) VALUES (?, ?, ?, ?, ?, ?, 0, '', 0, ?, ?, 0)
		ON CONFLICT(object_uri) DO NOTHING`
	sqlSelectPostByURI = `SELECT ` + sqlPostColumns + ` FROM posts WHERE object_uri = ?`
	sqlUpdatePost      = `UPDATE posts SET name = ?, content = ?, updated = ? WHERE object_uri = ? AND deleted = 0`
	sqlTombstonePost   = `UPDATE posts SET deleted = 1, name = '', content = '', updated = ? WHERE object_uri = ?`
	sqlInsertTombstone = `INSERT INTO posts(id, object_uri, community_uri, creator_uri, deleted, updated) VALUES (?, ?, ?, ?, 1, ?)
		ON CONFLICT(object_uri) DO NOTHING`
	sqlRemovePost         = `UPDATE posts SET removed = ?, removed_reason = ? WHERE object_uri = ?`
	sqlInsertPurgeLog     = `INSERT INTO admin_purge_post(id, admin_uri, community_uri, reason, created_at) VALUES (?, ?, ?, ?, ?)`
	sqlSelectPurgeLogByAd = `SELECT id, admin_uri, community_uri, reason, created_at FROM admin_purge_post WHERE admin_uri = ? ORDER BY created_at ASC`
)

// Follow and vote queries
const (
	sqlUpsertFollow = `INSERT INTO follows(id, follower_uri, target_uri, activity_uri, inbox_uri, accepted, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(follower_uri, target_uri) DO UPDATE SET
			activity_uri = excluded.activity_uri,
			inbox_uri = excluded.inbox_uri,
			accepted = excluded.accepted`
	sqlDeleteFollow          = `DELETE FROM follows WHERE follower_uri = ? AND target_uri = ?`
	sqlAcceptFollowByURI     = `UPDATE follows SET accepted = 1 WHERE activity_uri = ?`
	sqlSelectFollowersByURI  = `SELECT id, follower_uri, target_uri, activity_uri, inbox_uri, accepted, created_at FROM follows WHERE target_uri = ? AND accepted = 1 ORDER BY created_at ASC`
	sqlSelectFollow          = `SELECT id, follower_uri, target_uri, activity_uri, inbox_uri, accepted, created_at FROM follows WHERE follower_uri = ? AND target_uri = ?`
	sqlUpsertVote            = `INSERT INTO votes(actor_uri, object_uri, activity_uri, score, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(actor_uri, object_uri) DO UPDATE SET activity_uri = excluded.activity_uri, score = excluded.score`
	sqlDeleteVote            = `DELETE FROM votes WHERE actor_uri = ? AND object_uri = ?`
	sqlSelectScoreByObject   = `SELECT COALESCE(SUM(score), 0) FROM votes WHERE object_uri = ?`
)

func scanPost(row rowScanner) (*domain.Post, error) {
	var p domain.Post
	var idStr string
	var published, updated int64
	err := row.Scan(&idStr, &p.ObjectURI, &p.CommunityURI, &p.CreatorURI, &p.Name, &p.Content,
		&p.Removed, &p.RemovedReason, &p.Deleted, &p.Local, &published, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Id, _ = uuid.Parse(idStr)
	p.Published = fromNanos(published)
	if updated != 0 {
		u := fromNanos(updated)
		p.Updated = &u
	}
	return &p, nil
}

// CreatePost inserts a post. It returns ErrTombstoned when the object was
// deleted earlier and ErrAlreadyExists when a live copy is already stored;
// neither changes stored state.
func (db *DB) CreatePost(ctx context.Context, p *domain.Post) error {
	if p.Id == uuid.Nil {
		p.Id = uuid.New()
	}
	if p.Published.IsZero() {
		p.Published = time.Now()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlInsertPost,
			p.Id.String(), p.ObjectURI, p.CommunityURI, p.CreatorURI, p.Name, p.Content,
			boolToInt(p.Local), toNanos(p.Published))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 1 {
			return nil
		}

		existing, err := scanPost(tx.QueryRowContext(ctx, sqlSelectPostByURI, p.ObjectURI))
		if err != nil {
			return err
		}
		if existing.Deleted {
			return ErrTombstoned
		}
		return ErrAlreadyExists
	})
}

func (db *DB) ReadPostByURI(ctx context.Context, uri string) (*domain.Post, error) {
	return scanPost(db.db.QueryRowContext(ctx, sqlSelectPostByURI, uri))
}

// UpdatePost edits a live post.
func (db *DB) UpdatePost(ctx context.Context, uri, name, content string, updated time.Time) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlUpdatePost, name, content, toNanos(updated), uri)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return nil
		}
		existing, err := scanPost(tx.QueryRowContext(ctx, sqlSelectPostByURI, uri))
		if err != nil {
			return err
		}
		if existing.Deleted {
			return ErrTombstoned
		}
		return fmt.Errorf("update post %s: no rows changed", uri)
	})
}

// DeletePost turns a post into a tombstone. Deleting an unknown object stores
// a tombstone too, so a Create arriving later is ignored.
func (db *DB) DeletePost(ctx context.Context, uri, communityURI, creatorURI string) error {
	now := time.Now().UnixNano()
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlTombstonePost, now, uri)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return nil
		}
		_, err = tx.ExecContext(ctx, sqlInsertTombstone, uuid.New().String(), uri, communityURI, creatorURI, now)
		return err
	})
}

// RemovePost sets or clears the moderator removal flag.
func (db *DB) RemovePost(ctx context.Context, uri string, removed bool, reason string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlRemovePost, boolToInt(removed), reason, uri)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// PurgePost wipes a post down to its tombstone and writes the moderation log
// entry in the same transaction.
func (db *DB) PurgePost(ctx context.Context, uri string, entry *domain.AdminPurgePost) error {
	if entry.Id == uuid.Nil {
		entry.Id = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlTombstonePost, entry.CreatedAt.UnixNano(), uri)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		_, err = tx.ExecContext(ctx, sqlInsertPurgeLog,
			entry.Id.String(), entry.AdminURI, entry.CommunityURI, entry.Reason, entry.CreatedAt.UnixNano())
		return err
	})
}

func (db *DB) ReadPurgeLog(ctx context.Context, adminURI string) ([]domain.AdminPurgePost, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectPurgeLogByAd, adminURI)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.AdminPurgePost
	for rows.Next() {
		var e domain.AdminPurgePost
		var idStr string
		var created int64
		if err := rows.Scan(&idStr, &e.AdminURI, &e.CommunityURI, &e.Reason, &created); err != nil {
			return nil, err
		}
		e.Id, _ = uuid.Parse(idStr)
		e.CreatedAt = fromNanos(created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (db *DB) UpsertFollow(ctx context.Context, f *domain.Follow) error {
	if f.Id == uuid.Nil {
		f.Id = uuid.New()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpsertFollow,
			f.Id.String(), f.FollowerURI, f.TargetURI, f.ActivityURI, f.InboxURI, boolToInt(f.Accepted), toNanos(f.CreatedAt))
		return err
	})
}

func (db *DB) DeleteFollow(ctx context.Context, followerURI, targetURI string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlDeleteFollow, followerURI, targetURI)
		return err
	})
}

// AcceptFollowByURI marks the follow created by the given Follow activity as accepted.
func (db *DB) AcceptFollowByURI(ctx context.Context, activityURI string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlAcceptFollowByURI, activityURI)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func scanFollow(row rowScanner) (*domain.Follow, error) {
	var f domain.Follow
	var idStr string
	var created int64
	err := row.Scan(&idStr, &f.FollowerURI, &f.TargetURI, &f.ActivityURI, &f.InboxURI, &f.Accepted, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	f.Id, _ = uuid.Parse(idStr)
	f.CreatedAt = fromNanos(created)
	return &f, nil
}

func (db *DB) ReadFollow(ctx context.Context, followerURI, targetURI string) (*domain.Follow, error) {
	return scanFollow(db.db.QueryRowContext(ctx, sqlSelectFollow, followerURI, targetURI))
}

// ReadFollowers returns the accepted followers of targetURI.
func (db *DB) ReadFollowers(ctx context.Context, targetURI string) ([]domain.Follow, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectFollowersByURI, targetURI)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var followers []domain.Follow
	for rows.Next() {
		f, err := scanFollow(rows)
		if err != nil {
			return nil, err
		}
		followers = append(followers, *f)
	}
	return followers, rows.Err()
}

func (db *DB) SetVote(ctx context.Context, v *domain.Vote) error {
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpsertVote, v.ActorURI, v.ObjectURI, v.ActivityURI, v.Score, toNanos(v.CreatedAt))
		return err
	})
}

func (db *DB) DeleteVote(ctx context.Context, actorURI, objectURI string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlDeleteVote, actorURI, objectURI)
		return err
	})
}

func (db *DB) ReadScore(ctx context.Context, objectURI string) (int, error) {
	var score int
	err := db.db.QueryRowContext(ctx, sqlSelectScoreByObject, objectURI).Scan(&score)
	return score, err
}
