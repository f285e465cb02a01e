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

// Actor queries
const (
	sqlActorColumns = `id, actor_uri, kind, username, domain, display_name, inbox_uri, shared_inbox_uri, moderators_uri, public_key_pem, private_key_pem, local, deleted, banned, last_fetched_at`

	sqlUpsertActor = `INSERT INTO actors(` + sqlActorColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(actor_uri) DO UPDATE SET
			kind = excluded.kind,
			username = excluded.username,
			domain = excluded.domain,
			display_name = excluded.display_name,
			inbox_uri = excluded.inbox_uri,
			shared_inbox_uri = excluded.shared_inbox_uri,
			moderators_uri = excluded.moderators_uri,
			public_key_pem = excluded.public_key_pem,
			deleted = excluded.deleted,
			last_fetched_at = excluded.last_fetched_at
		WHERE actors.local = 0`
	sqlInsertLocalActor       = `INSERT INTO actors(` + sqlActorColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, 0, 0, ?)`
	sqlSelectActorByURI       = `SELECT ` + sqlActorColumns + ` FROM actors WHERE actor_uri = ?`
	sqlSelectLocalActor       = `SELECT ` + sqlActorColumns + ` FROM actors WHERE local = 1 AND kind = ? AND username = ?`
	sqlMarkActorDeleted       = `UPDATE actors SET deleted = 1 WHERE actor_uri = ?`
	sqlSetActorBanned         = `UPDATE actors SET banned = ? WHERE actor_uri = ?`
	sqlInsertModerator        = `INSERT INTO community_moderators(community_uri, actor_uri, created_at) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`
	sqlDeleteModerator        = `DELETE FROM community_moderators WHERE community_uri = ? AND actor_uri = ?`
	sqlSelectModerators       = `SELECT actor_uri FROM community_moderators WHERE community_uri = ? ORDER BY created_at ASC`
	sqlInsertCommunityBan     = `INSERT INTO community_bans(community_uri, actor_uri, created_at) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`
	sqlSelectCommunityBan     = `SELECT 1 FROM community_bans WHERE community_uri = ? AND actor_uri = ?`
	sqlInsertSiteAdmin        = `INSERT INTO site_admins(actor_uri, appointed_at) VALUES (?, ?) ON CONFLICT(actor_uri) DO NOTHING`
	sqlSelectSiteAdminAppoint = `SELECT appointed_at FROM site_admins WHERE actor_uri = ?`
)

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanActor(row rowScanner) (*domain.Actor, error) {
	var acc domain.Actor
	var idStr, kind string
	var fetched int64
	err := row.Scan(
		&idStr,
		&acc.ActorURI,
		&kind,
		&acc.Username,
		&acc.Domain,
		&acc.DisplayName,
		&acc.InboxURI,
		&acc.SharedInboxURI,
		&acc.ModeratorsURI,
		&acc.PublicKeyPem,
		&acc.PrivateKeyPem,
		&acc.Local,
		&acc.Deleted,
		&acc.Banned,
		&fetched,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	acc.Id, _ = uuid.Parse(idStr)
	acc.Kind = domain.ActorKind(kind)
	acc.LastFetchedAt = fromNanos(fetched)
	return &acc, nil
}

// UpsertActor stores a fetched remote actor, refreshing an existing cache
// entry. Local actors are never overwritten by remote data.
func (db *DB) UpsertActor(ctx context.Context, acc *domain.Actor) error {
	if acc.Id == uuid.Nil {
		acc.Id = uuid.New()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpsertActor,
			acc.Id.String(),
			acc.ActorURI,
			string(acc.Kind),
			acc.Username,
			acc.Domain,
			acc.DisplayName,
			acc.InboxURI,
			acc.SharedInboxURI,
			acc.ModeratorsURI,
			acc.PublicKeyPem,
			"",
			0,
			boolToInt(acc.Deleted),
			0,
			toNanos(acc.LastFetchedAt),
		)
		return err
	})
}

// CreateLocalActor stores an actor hosted by this server together with its
// private key.
func (db *DB) CreateLocalActor(ctx context.Context, acc *domain.Actor) error {
	if acc.Id == uuid.Nil {
		acc.Id = uuid.New()
	}
	acc.Local = true
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertLocalActor,
			acc.Id.String(),
			acc.ActorURI,
			string(acc.Kind),
			acc.Username,
			acc.Domain,
			acc.DisplayName,
			acc.InboxURI,
			acc.SharedInboxURI,
			acc.ModeratorsURI,
			acc.PublicKeyPem,
			acc.PrivateKeyPem,
			time.Now().UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("insert local actor %s: %w", acc.ActorURI, err)
		}
		return nil
	})
}

func (db *DB) ReadActorByURI(ctx context.Context, uri string) (*domain.Actor, error) {
	return scanActor(db.db.QueryRowContext(ctx, sqlSelectActorByURI, uri))
}

func (db *DB) ReadLocalActor(ctx context.Context, kind domain.ActorKind, username string) (*domain.Actor, error) {
	return scanActor(db.db.QueryRowContext(ctx, sqlSelectLocalActor, string(kind), username))
}

func (db *DB) MarkActorDeleted(ctx context.Context, uri string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlMarkActorDeleted, uri)
		return err
	})
}

func (db *DB) SetActorBanned(ctx context.Context, uri string, banned bool) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlSetActorBanned, boolToInt(banned), uri)
		return err
	})
}

func (db *DB) AddModerator(ctx context.Context, communityURI, actorURI string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertModerator, communityURI, actorURI, time.Now().UnixNano())
		return err
	})
}

func (db *DB) RemoveModerator(ctx context.Context, communityURI, actorURI string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlDeleteModerator, communityURI, actorURI)
		return err
	})
}

func (db *DB) ReadModerators(ctx context.Context, communityURI string) (domain.URISet, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectModerators, communityURI)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var mods domain.URISet
	for rows.Next() {
		var uri string
		if err := rows.Scan(&uri); err != nil {
			return nil, err
		}
		mods = mods.Add(uri)
	}
	return mods, rows.Err()
}

func (db *DB) BanFromCommunity(ctx context.Context, communityURI, actorURI string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertCommunityBan, communityURI, actorURI, time.Now().UnixNano())
		return err
	})
}

func (db *DB) IsBannedFromCommunity(ctx context.Context, communityURI, actorURI string) (bool, error) {
	var one int
	err := db.db.QueryRowContext(ctx, sqlSelectCommunityBan, communityURI, actorURI).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// AddSiteAdmin appoints an admin. Appointment time ranks admins: the earlier
// appointed admin outranks the later one.
func (db *DB) AddSiteAdmin(ctx context.Context, actorURI string, appointedAt time.Time) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertSiteAdmin, actorURI, appointedAt.UnixNano())
		return err
	})
}

// ReadAdminAppointedAt returns when actorURI became admin, and false if it
// is not an admin.
func (db *DB) ReadAdminAppointedAt(ctx context.Context, actorURI string) (time.Time, bool, error) {
	var n int64
	err := db.db.QueryRowContext(ctx, sqlSelectSiteAdminAppoint, actorURI).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.Unix(0, n), true, nil
}
