package activitypub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/deemkeen/fedcore/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SendKind names an outbound activity variant. It is also the path segment
// of the activity id.
type SendKind string

const (
	SendCreatePost      SendKind = "create"
	SendUpdatePost      SendKind = "update"
	SendDeletePost      SendKind = "delete"
	SendRemovePost      SendKind = "remove"
	SendFollowCommunity SendKind = "follow"
	SendAcceptFollow    SendKind = "accept"
)

// SendActivityData is the closed set of activities local code can submit.
type SendActivityData interface {
	Kind() SendKind
	sendActivityData()
}

type CreatePost struct {
	Post    *domain.Post
	Creator *domain.Actor
}

type UpdatePost struct {
	Post    *domain.Post
	Creator *domain.Actor
}

type DeletePost struct {
	Post    *domain.Post
	Creator *domain.Actor
}

// RemovePost removes a post as moderator, or restores it when Removed is
// false.
type RemovePost struct {
	Post      *domain.Post
	Moderator *domain.Actor
	Reason    string
	Removed   bool
}

type FollowCommunity struct {
	Follower  *domain.Actor
	Community *domain.Actor
}

type AcceptFollow struct {
	Community *domain.Actor
	Follower  *domain.Actor
	Follow    *domain.Activity
}

func (CreatePost) Kind() SendKind      { return SendCreatePost }
func (UpdatePost) Kind() SendKind      { return SendUpdatePost }
func (DeletePost) Kind() SendKind      { return SendDeletePost }
func (RemovePost) Kind() SendKind      { return SendRemovePost }
func (FollowCommunity) Kind() SendKind { return SendFollowCommunity }
func (AcceptFollow) Kind() SendKind    { return SendAcceptFollow }

func (CreatePost) sendActivityData()      {}
func (UpdatePost) sendActivityData()      {}
func (DeletePost) sendActivityData()      {}
func (RemovePost) sendActivityData()      {}
func (FollowCommunity) sendActivityData() {}
func (AcceptFollow) sendActivityData()    {}

// SubmitStore is what the Submitter reads and records.
type SubmitStore interface {
	ReadActorByURI(ctx context.Context, uri string) (*domain.Actor, error)
	ReadFollowers(ctx context.Context, targetURI string) ([]domain.Follow, error)
	UpsertFollow(ctx context.Context, f *domain.Follow) error
}

// Enqueuer hands activities to the delivery queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, act *domain.Activity, recipients []*domain.Actor) (*DeliveryHandle, error)
}

// RecipientResolver resolves follower ids to actors.
type RecipientResolver interface {
	Resolve(ctx context.Context, actorID string) (*domain.Actor, error)
}

// resolveParallelism bounds concurrent follower resolutions per submission.
const resolveParallelism = 8

// Submitter builds activities from local actions and hands them to the
// delivery queue.
type Submitter struct {
	urls     LocalURLs
	store    SubmitStore
	resolver RecipientResolver
	queue    Enqueuer
	log      *zap.Logger
	timeout  time.Duration
	wg       sync.WaitGroup
}

func NewSubmitter(urls LocalURLs, store SubmitStore, resolver RecipientResolver, queue Enqueuer, log *zap.Logger) *Submitter {
	return &Submitter{
		urls:     urls,
		store:    store,
		resolver: resolver,
		queue:    queue,
		log:      log.Named("outbox"),
		timeout:  time.Minute,
	}
}

// SubmitActivity builds and enqueues data in the background. Errors are
// logged, never returned to the caller.
func (s *Submitter) SubmitActivity(data SendActivityData) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()

		if _, err := s.Submit(ctx, data); err != nil {
			s.log.Error("Failed to submit activity", zap.String("kind", string(data.Kind())), zap.Error(err))
		}
	}()
}

// Wait blocks until every background submission has finished.
func (s *Submitter) Wait() {
	s.wg.Wait()
}

// Submit builds and enqueues data, returning the delivery handle.
func (s *Submitter) Submit(ctx context.Context, data SendActivityData) (*DeliveryHandle, error) {
	id, err := s.urls.Activity(data.Kind())
	if err != nil {
		return nil, err
	}

	act, recipients, err := s.build(ctx, id, data)
	if err != nil {
		return nil, fmt.Errorf("build %s activity: %w", data.Kind(), err)
	}

	handle, err := s.queue.Enqueue(ctx, act, recipients)
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", act.ID, err)
	}

	s.log.Info("Submitted activity",
		zap.String("activity", act.ID),
		zap.String("type", string(act.Type)),
		zap.Int("inboxes", handle.Tasks))
	return handle, nil
}

func (s *Submitter) build(ctx context.Context, id string, data SendActivityData) (*domain.Activity, []*domain.Actor, error) {
	now := time.Now().UTC()

	switch d := data.(type) {
	case CreatePost:
		act, err := s.postActivity(id, domain.TypeCreate, d.Post, d.Creator, &now)
		if err != nil {
			return nil, nil, err
		}
		recipients, err := s.communityAudience(ctx, d.Post.CommunityURI)
		return act, recipients, err

	case UpdatePost:
		act, err := s.postActivity(id, domain.TypeUpdate, d.Post, d.Creator, &now)
		if err != nil {
			return nil, nil, err
		}
		recipients, err := s.communityAudience(ctx, d.Post.CommunityURI)
		return act, recipients, err

	case DeletePost:
		act := s.baseActivity(id, domain.TypeDelete, d.Creator.ActorURI, d.Post.CommunityURI, &now)
		act.Object = domain.RefURI(d.Post.ObjectURI)
		recipients, err := s.communityAudience(ctx, d.Post.CommunityURI)
		return act, recipients, err

	case RemovePost:
		remove := s.baseActivity(id, domain.TypeRemove, d.Moderator.ActorURI, d.Post.CommunityURI, &now)
		remove.Object = domain.RefURI(d.Post.ObjectURI)
		remove.Target = d.Post.CommunityURI
		remove.Summary = d.Reason

		act := remove
		if !d.Removed {
			undoID, err := s.urls.Activity("undo")
			if err != nil {
				return nil, nil, err
			}
			remove.Context = nil
			inner, err := domain.RefObject(remove)
			if err != nil {
				return nil, nil, err
			}
			act = s.baseActivity(undoID, domain.TypeUndo, d.Moderator.ActorURI, d.Post.CommunityURI, &now)
			act.Object = inner
		}
		recipients, err := s.communityAudience(ctx, d.Post.CommunityURI)
		return act, recipients, err

	case FollowCommunity:
		act := s.baseActivity(id, domain.TypeFollow, d.Follower.ActorURI, "", &now)
		act.Object = domain.RefURI(d.Community.ActorURI)
		act.To = domain.NewURISet(d.Community.ActorURI)

		pending := &domain.Follow{
			FollowerURI: d.Follower.ActorURI,
			TargetURI:   d.Community.ActorURI,
			ActivityURI: act.ID,
			InboxURI:    d.Community.DeliveryInbox(),
		}
		if err := s.store.UpsertFollow(ctx, pending); err != nil {
			return nil, nil, fmt.Errorf("store pending follow: %w", err)
		}
		return act, []*domain.Actor{d.Community}, nil

	case AcceptFollow:
		follow := *d.Follow
		follow.Context = nil
		inner, err := domain.RefObject(follow)
		if err != nil {
			return nil, nil, err
		}
		act := s.baseActivity(id, domain.TypeAccept, d.Community.ActorURI, "", &now)
		act.Object = inner
		act.To = domain.NewURISet(d.Follower.ActorURI)
		return act, []*domain.Actor{d.Follower}, nil
	}

	return nil, nil, fmt.Errorf("unknown activity kind %s", data.Kind())
}

func (s *Submitter) baseActivity(id string, typ domain.ActivityType, actorURI, communityURI string, published *time.Time) *domain.Activity {
	act := &domain.Activity{
		Context:   domain.ActivityStreamsContext,
		ID:        id,
		Type:      typ,
		Actor:     actorURI,
		Audience:  communityURI,
		Published: published,
	}
	if communityURI != "" {
		act.To = domain.NewURISet(communityURI, domain.PublicCollection)
	}
	return act
}

func (s *Submitter) postActivity(id string, typ domain.ActivityType, post *domain.Post, creator *domain.Actor, now *time.Time) (*domain.Activity, error) {
	published := post.Published
	page := domain.PageObject{
		ID:           post.ObjectURI,
		Type:         "Page",
		AttributedTo: creator.ActorURI,
		Name:         post.Name,
		Content:      post.Content,
		Audience:     post.CommunityURI,
		To:           domain.NewURISet(post.CommunityURI, domain.PublicCollection),
		Published:    &published,
	}
	if typ == domain.TypeUpdate {
		page.Updated = now
	}

	obj, err := domain.RefObject(page)
	if err != nil {
		return nil, err
	}
	act := s.baseActivity(id, typ, creator.ActorURI, post.CommunityURI, now)
	act.Object = obj
	return act, nil
}

// communityAudience collects the recipients of a post activity: the
// community itself when it is remote, and every accepted follower.
func (s *Submitter) communityAudience(ctx context.Context, communityURI string) ([]*domain.Actor, error) {
	community, err := s.store.ReadActorByURI(ctx, communityURI)
	if err != nil {
		return nil, fmt.Errorf("read community %s: %w", communityURI, err)
	}

	followers, err := s.store.ReadFollowers(ctx, communityURI)
	if err != nil {
		return nil, fmt.Errorf("read followers of %s: %w", communityURI, err)
	}

	recipients := make([]*domain.Actor, len(followers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(resolveParallelism)
	for i, f := range followers {
		g.Go(func() error {
			acc, err := s.resolver.Resolve(gctx, f.FollowerURI)
			if errors.Is(err, ErrDeletedActor) {
				return nil
			}
			if err != nil {
				// The inbox recorded with the follow still works.
				s.log.Debug("Using stored follower inbox", zap.String("follower", f.FollowerURI), zap.Error(err))
				acc = &domain.Actor{ActorURI: f.FollowerURI, InboxURI: f.InboxURI}
			}
			recipients[i] = acc
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if !community.Local {
		recipients = append(recipients, community)
	}
	return recipients, nil
}
