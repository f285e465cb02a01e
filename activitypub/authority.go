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

// CommunityStore is the read side of the content store the Authority
// consults.
type CommunityStore interface {
	ReadPostByURI(ctx context.Context, uri string) (*domain.Post, error)
	ReadActorByURI(ctx context.Context, uri string) (*domain.Actor, error)
	ReadModerators(ctx context.Context, communityURI string) (domain.URISet, error)
	IsBannedFromCommunity(ctx context.Context, communityURI, actorURI string) (bool, error)
	ReadAdminAppointedAt(ctx context.Context, actorURI string) (time.Time, bool, error)
}

// ActorResolver is the part of the Resolver the Authority needs.
type ActorResolver interface {
	Resolve(ctx context.Context, actorID string) (*domain.Actor, error)
	FetchCollection(ctx context.Context, uri string) (domain.URISet, error)
	FetchObject(ctx context.Context, uri string) (*domain.PageObject, error)
}

// Authority decides whether an actor may perform an activity in the
// community the activity pertains to. It does not mutate state.
type Authority struct {
	store    CommunityStore
	resolver ActorResolver
	log      *zap.Logger
}

func NewAuthority(store CommunityStore, resolver ActorResolver, log *zap.Logger) *Authority {
	return &Authority{store: store, resolver: resolver, log: log.Named("authority")}
}

// Authorize derives the community of act, classifies the acting actor in it
// and applies the per-type policy.
func (a *Authority) Authorize(ctx context.Context, act *domain.Activity) (*domain.CommunityContext, error) {
	subject := act
	if act.Type == domain.TypeUndo {
		inner, err := act.Inner()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if inner.Actor != "" && inner.Actor != act.Actor {
			return nil, fmt.Errorf("%w: %s cannot undo an activity of %s", ErrUnauthorized, act.Actor, inner.Actor)
		}
		subject = inner
	}

	if isSelfActivity(subject, act.Actor) {
		return &domain.CommunityContext{Self: true, Role: domain.RoleMember}, nil
	}

	communityURI, err := a.deriveCommunity(ctx, act, subject)
	if err != nil {
		return nil, err
	}
	if communityURI == "" {
		return nil, fmt.Errorf("%w: no community for %s", ErrUnknownCommunity, act.ID)
	}

	community, err := a.loadCommunity(ctx, communityURI)
	if err != nil {
		return nil, err
	}

	role, err := a.classify(ctx, community, act.Actor)
	if err != nil {
		return nil, err
	}
	community.Role = role

	required, err := a.requiredRole(ctx, subject, act.Actor)
	if err != nil {
		return nil, err
	}
	if !role.AtLeast(required) {
		return nil, fmt.Errorf("%w: %s is %s in %s, %s requires %s",
			ErrUnauthorized, act.Actor, role, community.CommunityURI, subject.Type, required)
	}
	return community, nil
}

// isSelfActivity matches an actor deleting or updating its own profile.
func isSelfActivity(subject *domain.Activity, actorURI string) bool {
	switch subject.Type {
	case domain.TypeDelete, domain.TypeUpdate:
		return subject.Object.ID == actorURI
	}
	return false
}

// claimedAudiences lists the communities the sender names for act.
func claimedAudiences(act, subject *domain.Activity) domain.URISet {
	claims := domain.NewURISet(act.Audience, subject.Audience)
	if subject.Object.Embedded() {
		var obj struct {
			Audience string `json:"audience"`
		}
		if err := subject.Object.Decode(&obj); err == nil {
			claims = claims.Add(obj.Audience)
		}
	}
	return claims
}

// deriveCommunity finds the community act pertains to. A stored post's
// community is authoritative and an audience naming another community is
// rejected.
func (a *Authority) deriveCommunity(ctx context.Context, act, subject *domain.Activity) (string, error) {
	claims := claimedAudiences(act, subject)

	post, err := a.store.ReadPostByURI(ctx, subject.Object.ID)
	switch {
	case err == nil && post.CommunityURI != "":
		for _, claim := range claims {
			if claim != post.CommunityURI {
				return "", fmt.Errorf("%w: %s belongs to %s, not %s",
					ErrUnauthorized, subject.Object.ID, post.CommunityURI, claim)
			}
		}
		return post.CommunityURI, nil
	case err != nil && !errors.Is(err, db.ErrNotFound):
		return "", fmt.Errorf("read post %s: %w", subject.Object.ID, err)
	}

	if len(claims) > 0 {
		return claims[0], nil
	}

	switch subject.Type {
	case domain.TypeFollow:
		return subject.Object.ID, nil
	case domain.TypeAccept:
		return subject.Actor, nil
	}

	if !subject.Object.Embedded() {
		obj, err := a.resolver.FetchObject(ctx, subject.Object.ID)
		if err == nil && obj.Audience != "" {
			return obj.Audience, nil
		}
		if err != nil {
			a.log.Debug("Object fetch for community lookup failed", zap.String("object", subject.Object.ID), zap.Error(err))
		}
	}

	recipients := act.Recipients()
	for _, uri := range subject.Recipients() {
		recipients = recipients.Add(uri)
	}
	for _, uri := range recipients {
		if uri == domain.PublicCollection {
			continue
		}
		acc, err := a.store.ReadActorByURI(ctx, uri)
		if err == nil && acc.Kind == domain.ActorGroup {
			return acc.ActorURI, nil
		}
	}
	return "", nil
}

func (a *Authority) loadCommunity(ctx context.Context, uri string) (*domain.CommunityContext, error) {
	acc, err := a.resolver.Resolve(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrUnknownCommunity, uri, err)
	}
	if acc.Kind != domain.ActorGroup {
		return nil, fmt.Errorf("%w: %s is not a community", ErrUnknownCommunity, uri)
	}

	mods, err := a.store.ReadModerators(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("read moderators of %s: %w", uri, err)
	}
	if !acc.Local && acc.ModeratorsURI != "" {
		remote, err := a.resolver.FetchCollection(ctx, acc.ModeratorsURI)
		if err != nil {
			a.log.Warn("Failed to fetch moderators", zap.String("community", uri), zap.Error(err))
		}
		for _, m := range remote {
			mods = mods.Add(m)
		}
	}

	return &domain.CommunityContext{
		CommunityURI:   acc.ActorURI,
		InboxURI:       acc.InboxURI,
		SharedInboxURI: acc.SharedInboxURI,
		Moderators:     mods,
		Local:          acc.Local,
	}, nil
}

func (a *Authority) classify(ctx context.Context, community *domain.CommunityContext, actorURI string) (domain.Role, error) {
	// A community acting in its own name (Accept, Remove) has moderator standing.
	if actorURI == community.CommunityURI {
		return domain.RoleModerator, nil
	}

	if _, err := a.resolver.Resolve(ctx, actorURI); err != nil {
		if errors.Is(err, ErrDeletedActor) {
			return domain.RoleNone, nil
		}
		return domain.RoleNone, fmt.Errorf("%w: %w", ErrUnknownActor, err)
	}

	_, isAdmin, err := a.store.ReadAdminAppointedAt(ctx, actorURI)
	if err != nil {
		return domain.RoleNone, err
	}
	if isAdmin {
		return domain.RoleAdmin, nil
	}

	banned, err := a.store.IsBannedFromCommunity(ctx, community.CommunityURI, actorURI)
	if err != nil {
		return domain.RoleNone, err
	}
	if banned {
		return domain.RoleNone, nil
	}

	if community.IsModerator(actorURI) {
		return domain.RoleModerator, nil
	}
	return domain.RoleMember, nil
}

// requiredRole is the closed policy table.
func (a *Authority) requiredRole(ctx context.Context, subject *domain.Activity, actorURI string) (domain.Role, error) {
	switch subject.Type {
	case domain.TypeCreate, domain.TypeLike, domain.TypeDislike, domain.TypeFollow, domain.TypeAccept:
		return domain.RoleMember, nil
	case domain.TypeUpdate, domain.TypeDelete:
		owner, err := a.owns(ctx, subject, actorURI)
		if err != nil {
			return domain.RoleNone, err
		}
		if owner {
			return domain.RoleMember, nil
		}
		return domain.RoleModerator, nil
	case domain.TypeRemove:
		return domain.RoleModerator, nil
	default:
		return domain.RoleNone, fmt.Errorf("%w: %s", ErrUnsupportedType, subject.Type)
	}
}

// owns reports whether actorURI created the object. Stored posts are
// authoritative; unknown objects fall back to attributedTo and then origin.
func (a *Authority) owns(ctx context.Context, subject *domain.Activity, actorURI string) (bool, error) {
	post, err := a.store.ReadPostByURI(ctx, subject.Object.ID)
	if err == nil {
		return post.CreatorURI == actorURI, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return false, err
	}

	if subject.Object.Embedded() {
		var obj domain.PageObject
		if err := subject.Object.Decode(&obj); err == nil && obj.AttributedTo != "" {
			return obj.AttributedTo == actorURI, nil
		}
	}
	return sameOrigin(subject.Object.ID, actorURI), nil
}
