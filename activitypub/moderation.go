package activitypub

import (
	"context"
	"fmt"
	"time"

	"github.com/deemkeen/fedcore/domain"
	"go.uber.org/zap"
)

// ModerationStore is the state site admin actions touch.
type ModerationStore interface {
	ReadAdminAppointedAt(ctx context.Context, actorURI string) (time.Time, bool, error)
	ReadPostByURI(ctx context.Context, uri string) (*domain.Post, error)
	PurgePost(ctx context.Context, uri string, entry *domain.AdminPurgePost) error
}

// Moderation implements site admin actions that federate.
type Moderation struct {
	store     ModerationStore
	submitter ActivitySubmitter
	log       *zap.Logger
}

func NewModeration(store ModerationStore, submitter ActivitySubmitter, log *zap.Logger) *Moderation {
	return &Moderation{store: store, submitter: submitter, log: log.Named("moderation")}
}

// PurgePost wipes a post, records the action in the mod log and tells the
// community's followers it was removed. Purging another admin's post needs
// an admin appointed earlier than them.
func (m *Moderation) PurgePost(ctx context.Context, admin *domain.Actor, postURI, reason string) error {
	appointed, isAdmin, err := m.store.ReadAdminAppointedAt(ctx, admin.ActorURI)
	if err != nil {
		return err
	}
	if !isAdmin {
		return fmt.Errorf("%w: %s is not an admin", ErrUnauthorized, admin.ActorURI)
	}

	post, err := m.store.ReadPostByURI(ctx, postURI)
	if err != nil {
		return fmt.Errorf("read post %s: %w", postURI, err)
	}

	if post.CreatorURI != admin.ActorURI {
		creatorAppointed, creatorIsAdmin, err := m.store.ReadAdminAppointedAt(ctx, post.CreatorURI)
		if err != nil {
			return err
		}
		if creatorIsAdmin && !appointed.Before(creatorAppointed) {
			return fmt.Errorf("%w: %s does not outrank admin %s", ErrUnauthorized, admin.ActorURI, post.CreatorURI)
		}
	}

	entry := &domain.AdminPurgePost{
		AdminURI:     admin.ActorURI,
		CommunityURI: post.CommunityURI,
		Reason:       reason,
	}
	if err := m.store.PurgePost(ctx, post.ObjectURI, entry); err != nil {
		return fmt.Errorf("purge post %s: %w", post.ObjectURI, err)
	}

	m.log.Info("Purged post",
		zap.String("post", post.ObjectURI),
		zap.String("admin", admin.ActorURI),
		zap.String("reason", reason))

	m.submitter.SubmitActivity(RemovePost{Post: post, Moderator: admin, Reason: reason, Removed: true})
	return nil
}
