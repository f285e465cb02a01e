package activitypub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/deemkeen/fedcore/db"
	"github.com/deemkeen/fedcore/domain"
	"go.uber.org/zap"
)

// ContentStore is the mutation side of the content store.
type ContentStore interface {
	ReadActorByURI(ctx context.Context, uri string) (*domain.Actor, error)
	ReadPostByURI(ctx context.Context, uri string) (*domain.Post, error)
	CreatePost(ctx context.Context, p *domain.Post) error
	UpdatePost(ctx context.Context, uri, name, content string, updated time.Time) error
	DeletePost(ctx context.Context, uri, communityURI, creatorURI string) error
	RemovePost(ctx context.Context, uri string, removed bool, reason string) error
	UpsertFollow(ctx context.Context, f *domain.Follow) error
	DeleteFollow(ctx context.Context, followerURI, targetURI string) error
	AcceptFollowByURI(ctx context.Context, activityURI string) error
	SetVote(ctx context.Context, v *domain.Vote) error
	DeleteVote(ctx context.Context, actorURI, objectURI string) error
}

// ProfileResolver lets handlers react to actor level activities.
type ProfileResolver interface {
	Resolve(ctx context.Context, actorID string) (*domain.Actor, error)
	Refresh(ctx context.Context, actorID string) (*domain.Actor, error)
	MarkDeleted(ctx context.Context, actorID string) error
}

// ActivitySubmitter queues locally produced activities for delivery.
type ActivitySubmitter interface {
	SubmitActivity(data SendActivityData)
}

// Handlers applies authorized inbound activities to the content store.
type Handlers struct {
	store     ContentStore
	resolver  ProfileResolver
	submitter ActivitySubmitter
	log       *zap.Logger
	now       func() time.Time
}

func NewHandlers(store ContentStore, resolver ProfileResolver, submitter ActivitySubmitter, log *zap.Logger) *Handlers {
	return &Handlers{
		store:     store,
		resolver:  resolver,
		submitter: submitter,
		log:       log.Named("handlers"),
		now:       time.Now,
	}
}

func (h *Handlers) Apply(ctx context.Context, act *domain.Activity, community *domain.CommunityContext) error {
	switch act.Type {
	case domain.TypeCreate:
		return h.handleCreate(ctx, act, community)
	case domain.TypeUpdate:
		return h.handleUpdate(ctx, act, community)
	case domain.TypeDelete:
		return h.handleDelete(ctx, act, community)
	case domain.TypeRemove:
		return h.handleRemove(ctx, act, community)
	case domain.TypeFollow:
		return h.handleFollow(ctx, act, community)
	case domain.TypeAccept:
		return h.handleAccept(ctx, act)
	case domain.TypeUndo:
		return h.handleUndo(ctx, act, community)
	case domain.TypeLike:
		return h.handleVote(ctx, act, 1)
	case domain.TypeDislike:
		return h.handleVote(ctx, act, -1)
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedType, act.Type)
}

func (h *Handlers) handleCreate(ctx context.Context, act *domain.Activity, community *domain.CommunityContext) error {
	var obj domain.PageObject
	if err := act.Object.Decode(&obj); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	post := &domain.Post{
		ObjectURI:    obj.ID,
		CommunityURI: community.CommunityURI,
		CreatorURI:   act.Actor,
		Name:         obj.Name,
		Content:      obj.Content,
	}
	if obj.Published != nil {
		post.Published = *obj.Published
	}

	err := h.store.CreatePost(ctx, post)
	switch {
	case errors.Is(err, db.ErrTombstoned):
		h.log.Info("Ignoring create of deleted object", zap.String("object", obj.ID))
		return nil
	case errors.Is(err, db.ErrAlreadyExists):
		h.log.Debug("Object already stored", zap.String("object", obj.ID))
		return nil
	case err != nil:
		return fmt.Errorf("create post %s: %w", obj.ID, err)
	}
	return nil
}

func (h *Handlers) handleUpdate(ctx context.Context, act *domain.Activity, community *domain.CommunityContext) error {
	if community.Self {
		if _, err := h.resolver.Refresh(ctx, act.Actor); err != nil {
			return fmt.Errorf("refresh actor %s: %w", act.Actor, err)
		}
		return nil
	}

	var obj domain.PageObject
	if err := act.Object.Decode(&obj); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := h.requireInCommunity(ctx, obj.ID, community); err != nil {
		return err
	}
	updated := h.now()
	if obj.Updated != nil {
		updated = *obj.Updated
	}

	err := h.store.UpdatePost(ctx, obj.ID, obj.Name, obj.Content, updated)
	if errors.Is(err, db.ErrTombstoned) {
		h.log.Info("Ignoring update of deleted object", zap.String("object", obj.ID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("update post %s: %w", obj.ID, err)
	}
	return nil
}

func (h *Handlers) handleDelete(ctx context.Context, act *domain.Activity, community *domain.CommunityContext) error {
	if community.Self {
		if err := h.resolver.MarkDeleted(ctx, act.Actor); err != nil {
			return fmt.Errorf("mark actor %s deleted: %w", act.Actor, err)
		}
		return nil
	}

	if err := h.requireInCommunity(ctx, act.Object.ID, community); err != nil {
		return err
	}
	if err := h.store.DeletePost(ctx, act.Object.ID, community.CommunityURI, act.Actor); err != nil {
		return fmt.Errorf("delete post %s: %w", act.Object.ID, err)
	}
	return nil
}

func (h *Handlers) handleRemove(ctx context.Context, act *domain.Activity, community *domain.CommunityContext) error {
	if err := h.requireInCommunity(ctx, act.Object.ID, community); err != nil {
		return err
	}
	if err := h.store.RemovePost(ctx, act.Object.ID, true, act.Summary); err != nil {
		return fmt.Errorf("remove post %s: %w", act.Object.ID, err)
	}
	return nil
}

func (h *Handlers) handleFollow(ctx context.Context, act *domain.Activity, community *domain.CommunityContext) error {
	if !community.Local {
		h.log.Debug("Ignoring follow of remote community", zap.String("community", community.CommunityURI))
		return nil
	}

	follower, err := h.resolver.Resolve(ctx, act.Actor)
	if err != nil {
		return fmt.Errorf("resolve follower %s: %w", act.Actor, err)
	}
	group, err := h.store.ReadActorByURI(ctx, community.CommunityURI)
	if err != nil {
		return fmt.Errorf("read community %s: %w", community.CommunityURI, err)
	}

	follow := &domain.Follow{
		FollowerURI: follower.ActorURI,
		TargetURI:   group.ActorURI,
		ActivityURI: act.ID,
		InboxURI:    follower.DeliveryInbox(),
		Accepted:    true,
	}
	if err := h.store.UpsertFollow(ctx, follow); err != nil {
		return fmt.Errorf("store follow: %w", err)
	}

	if h.submitter != nil {
		h.submitter.SubmitActivity(AcceptFollow{Community: group, Follower: follower, Follow: act})
	}
	return nil
}

func (h *Handlers) handleAccept(ctx context.Context, act *domain.Activity) error {
	// The object is our Follow, embedded or by id.
	if err := h.store.AcceptFollowByURI(ctx, act.Object.ID); err != nil {
		return fmt.Errorf("accept follow %s: %w", act.Object.ID, err)
	}
	return nil
}

func (h *Handlers) handleUndo(ctx context.Context, act *domain.Activity, community *domain.CommunityContext) error {
	inner, err := act.Inner()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch inner.Type {
	case domain.TypeFollow:
		err = h.store.DeleteFollow(ctx, act.Actor, inner.Object.ID)
	case domain.TypeRemove:
		if err := h.requireInCommunity(ctx, inner.Object.ID, community); err != nil {
			return err
		}
		err = h.store.RemovePost(ctx, inner.Object.ID, false, "")
	case domain.TypeLike, domain.TypeDislike:
		err = h.store.DeleteVote(ctx, act.Actor, inner.Object.ID)
	default:
		return fmt.Errorf("%w: undo of %s", ErrUnsupportedType, inner.Type)
	}
	if err != nil {
		return fmt.Errorf("undo %s of %s: %w", inner.Type, inner.Object.ID, err)
	}
	return nil
}

func (h *Handlers) handleVote(ctx context.Context, act *domain.Activity, score int) error {
	vote := &domain.Vote{
		ActorURI:    act.Actor,
		ObjectURI:   act.Object.ID,
		ActivityURI: act.ID,
		Score:       score,
	}
	if err := h.store.SetVote(ctx, vote); err != nil {
		return fmt.Errorf("store vote: %w", err)
	}
	return nil
}

// requireInCommunity rejects a moderation or edit of a stored post that lives
// in another community than the one the activity was authorized in. Unknown
// objects pass.
func (h *Handlers) requireInCommunity(ctx context.Context, objectURI string, community *domain.CommunityContext) error {
	post, err := h.store.ReadPostByURI(ctx, objectURI)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read post %s: %w", objectURI, err)
	}
	if post.CommunityURI != community.CommunityURI {
		return fmt.Errorf("%w: %s belongs to %s, not %s", ErrUnauthorized, objectURI, post.CommunityURI, community.CommunityURI)
	}
	return nil
}
