package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/deemkeen/fedcore/db"
	"github.com/deemkeen/fedcore/domain"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// maxDocumentBytes caps fetched remote documents.
const maxDocumentBytes = 1 << 20

const activityJSON = "application/activity+json"

// ActorStore is the actor cache the Resolver reads and refreshes.
type ActorStore interface {
	ReadActorByURI(ctx context.Context, uri string) (*domain.Actor, error)
	UpsertActor(ctx context.Context, acc *domain.Actor) error
	MarkActorDeleted(ctx context.Context, uri string) error
}

type ResolverConfig struct {
	// TTL is how long a fetched actor is served from cache.
	TTL       time.Duration
	UserAgent string
	Client    *http.Client
}

// Resolver maps actor ids to actors, fetching and caching remote documents.
// Concurrent resolutions of one id share a single fetch.
type Resolver struct {
	store     ActorStore
	client    *http.Client
	ttl       time.Duration
	userAgent string
	validate  *validator.Validate
	group     singleflight.Group
	log       *zap.Logger
	now       func() time.Time
}

func NewResolver(store ActorStore, cfg ResolverConfig, log *zap.Logger) *Resolver {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Resolver{
		store:     store,
		client:    client,
		ttl:       ttl,
		userAgent: cfg.UserAgent,
		validate:  validator.New(),
		log:       log.Named("resolver"),
		now:       time.Now,
	}
}

// Resolve returns the actor for actorID from cache, fetching it when missing
// or stale. Deleted and banned actors fail with ErrDeletedActor.
func (r *Resolver) Resolve(ctx context.Context, actorID string) (*domain.Actor, error) {
	cached, err := r.store.ReadActorByURI(ctx, actorID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: read actor cache: %v", ErrFetch, err)
	}

	if cached != nil {
		if !cached.Alive() {
			return nil, fmt.Errorf("%w: %s", ErrDeletedActor, actorID)
		}
		if !cached.Stale(r.ttl, r.now()) {
			return cached, nil
		}
	}

	acc, err := r.fetchShared(ctx, actorID)
	if err != nil {
		// A stale copy beats no copy while the peer is unreachable.
		if cached != nil && !errors.Is(err, ErrDeletedActor) {
			r.log.Warn("Serving stale actor", zap.String("actor", actorID), zap.Error(err))
			return cached, nil
		}
		return nil, err
	}
	return acc, nil
}

// Refresh refetches actorID regardless of cache freshness.
func (r *Resolver) Refresh(ctx context.Context, actorID string) (*domain.Actor, error) {
	return r.fetchShared(ctx, actorID)
}

// ResolveKey resolves the owner of a key id such as
// https://example.com/u/alice#main-key.
func (r *Resolver) ResolveKey(ctx context.Context, keyID string) (*domain.Actor, error) {
	return r.Resolve(ctx, keyOwner(keyID))
}

// MarkDeleted records that an actor deleted itself.
func (r *Resolver) MarkDeleted(ctx context.Context, actorID string) error {
	r.group.Forget(actorID)
	return r.store.MarkActorDeleted(ctx, actorID)
}

// fetchShared runs one fetch per actor id for all concurrent callers. The
// fetch is bounded by the client timeout, not by the caller that started it,
// so a cancelled request does not fail the others waiting on it.
func (r *Resolver) fetchShared(ctx context.Context, actorID string) (*domain.Actor, error) {
	fetchCtx := context.WithoutCancel(ctx)
	ch := r.group.DoChan(actorID, func() (interface{}, error) {
		return r.fetchActor(fetchCtx, actorID)
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: %v", ErrFetch, actorID, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*domain.Actor), nil
	}
}

func (r *Resolver) fetchActor(ctx context.Context, actorID string) (*domain.Actor, error) {
	body, status, err := r.get(ctx, actorID)
	if err != nil {
		actorFetches.WithLabelValues("error").Inc()
		return nil, err
	}

	if status == http.StatusGone {
		actorFetches.WithLabelValues("gone").Inc()
		if err := r.store.MarkActorDeleted(ctx, actorID); err != nil {
			r.log.Error("Failed to mark actor deleted", zap.String("actor", actorID), zap.Error(err))
		}
		return nil, fmt.Errorf("%w: %s returned 410", ErrDeletedActor, actorID)
	}
	if status != http.StatusOK {
		actorFetches.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: actor fetch %s failed with status: %d", ErrFetch, actorID, status)
	}

	var doc ActorDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		actorFetches.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("%w: failed to parse actor JSON: %v", ErrFetch, err)
	}
	if err := r.checkActorDocument(&doc, actorID); err != nil {
		actorFetches.WithLabelValues("invalid").Inc()
		return nil, err
	}

	domainName, err := extractDomain(doc.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}

	kind := domain.ActorPerson
	if doc.Type == string(domain.ActorGroup) {
		kind = domain.ActorGroup
	}

	acc := &domain.Actor{
		ActorURI:       doc.ID,
		Kind:           kind,
		Username:       doc.PreferredUsername,
		Domain:         domainName,
		DisplayName:    doc.Name,
		InboxURI:       doc.Inbox,
		SharedInboxURI: doc.sharedInbox(),
		PublicKeyPem:   doc.PublicKey.PublicKeyPem,
		LastFetchedAt:  r.now(),
	}
	if kind == domain.ActorGroup {
		acc.ModeratorsURI = doc.moderatorsURI()
	}

	if err := r.store.UpsertActor(ctx, acc); err != nil {
		return nil, fmt.Errorf("failed to store remote actor: %w", err)
	}
	actorFetches.WithLabelValues("ok").Inc()
	r.log.Debug("Fetched actor", zap.String("actor", acc.ActorURI), zap.String("kind", string(acc.Kind)))
	return acc, nil
}

func (r *Resolver) checkActorDocument(doc *ActorDocument, actorID string) error {
	if err := r.validate.Struct(doc); err != nil {
		return fmt.Errorf("%w: actor document: %v", ErrFetch, err)
	}
	if doc.ID != actorID {
		return fmt.Errorf("%w: actor document id %q does not match %q", ErrFetch, doc.ID, actorID)
	}
	if doc.PublicKey.Owner != doc.ID {
		return fmt.Errorf("%w: key owner %q is not %q", ErrFetch, doc.PublicKey.Owner, doc.ID)
	}
	if _, err := ParsePublicKey(doc.PublicKey.PublicKeyPem); err != nil {
		return fmt.Errorf("%w: %v", ErrFetch, err)
	}
	return nil
}

// FetchCollection reads an OrderedCollection and returns the ids it lists.
func (r *Resolver) FetchCollection(ctx context.Context, uri string) (domain.URISet, error) {
	body, status, err := r.get(ctx, uri)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("%w: collection fetch %s failed with status: %d", ErrFetch, uri, status)
	}

	var coll CollectionDocument
	if err := json.Unmarshal(body, &coll); err != nil {
		return nil, fmt.Errorf("%w: failed to parse collection JSON: %v", ErrFetch, err)
	}
	return coll.uris(), nil
}

// FetchObject reads a remote object document such as a post.
func (r *Resolver) FetchObject(ctx context.Context, uri string) (*domain.PageObject, error) {
	body, status, err := r.get(ctx, uri)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("%w: object fetch %s failed with status: %d", ErrFetch, uri, status)
	}

	var obj domain.PageObject
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("%w: failed to parse object JSON: %v", ErrFetch, err)
	}
	if obj.ID != uri {
		return nil, fmt.Errorf("%w: object id %q does not match %q", ErrFetch, obj.ID, uri)
	}
	return &obj, nil
}

func (r *Resolver) get(ctx context.Context, uri string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: failed to create request: %v", ErrFetch, err)
	}
	req.Header.Set("Accept", activityJSON)
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: request failed: %v", ErrFetch, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: failed to read response: %v", ErrFetch, err)
	}
	return body, resp.StatusCode, nil
}

// extractDomain extracts the domain from an actor URI
// Example: "https://lemmy.example/u/alice" -> "lemmy.example"
func extractDomain(actorURI string) (string, error) {
	parsed, err := url.Parse(actorURI)
	if err != nil {
		return "", fmt.Errorf("invalid actor URI: %w", err)
	}

	return parsed.Host, nil
}
