package activitypub

import (
	"github.com/deemkeen/fedcore/domain"
)

// ActorDocument is the JSON representation of a person or group actor, used
// both to parse fetched actors and to publish local ones.
type ActorDocument struct {
	Context           interface{}   `json:"@context,omitempty"`
	ID                string        `json:"id" validate:"required,url"`
	Type              string        `json:"type" validate:"required,oneof=Person Group Service Application Organization"`
	PreferredUsername string        `json:"preferredUsername,omitempty"`
	Name              string        `json:"name,omitempty"`
	Inbox             string        `json:"inbox" validate:"required,url"`
	Outbox            string        `json:"outbox,omitempty" validate:"omitempty,url"`
	Followers         string        `json:"followers,omitempty" validate:"omitempty,url"`
	Moderators        string        `json:"moderators,omitempty" validate:"omitempty,url"`
	AttributedTo      domain.URISet `json:"attributedTo,omitempty"`
	Endpoints         *Endpoints    `json:"endpoints,omitempty"`
	PublicKey         PublicKey     `json:"publicKey"`
}

type Endpoints struct {
	SharedInbox string `json:"sharedInbox,omitempty" validate:"omitempty,url"`
}

type PublicKey struct {
	ID           string `json:"id" validate:"required"`
	Owner        string `json:"owner" validate:"required,url"`
	PublicKeyPem string `json:"publicKeyPem" validate:"required"`
}

// moderatorsURI returns the group's moderators collection. Lemmy publishes it
// as attributedTo, older servers as moderators.
func (d *ActorDocument) moderatorsURI() string {
	if d.Moderators != "" {
		return d.Moderators
	}
	if len(d.AttributedTo) > 0 {
		return d.AttributedTo[0]
	}
	return ""
}

func (d *ActorDocument) sharedInbox() string {
	if d.Endpoints == nil {
		return ""
	}
	return d.Endpoints.SharedInbox
}

// NewActorDocument renders a local actor for peers. The private key never
// leaves the server.
func NewActorDocument(acc *domain.Actor, urls LocalURLs) ActorDocument {
	doc := ActorDocument{
		Context:           []string{domain.ActivityStreamsContext, "https://w3id.org/security/v1"},
		ID:                acc.ActorURI,
		Type:              string(acc.Kind),
		PreferredUsername: acc.Username,
		Name:              acc.DisplayName,
		Inbox:             acc.InboxURI,
		Followers:         urls.Followers(acc.Kind, acc.Username),
		PublicKey: PublicKey{
			ID:           acc.KeyID(),
			Owner:        acc.ActorURI,
			PublicKeyPem: acc.PublicKeyPem,
		},
	}
	if acc.SharedInboxURI != "" {
		doc.Endpoints = &Endpoints{SharedInbox: acc.SharedInboxURI}
	}
	if acc.Kind == domain.ActorGroup {
		doc.Moderators = acc.ModeratorsURI
		doc.AttributedTo = domain.NewURISet(acc.ModeratorsURI)
	}
	return doc
}

// CollectionDocument is an OrderedCollection of object references.
type CollectionDocument struct {
	Context      interface{}        `json:"@context,omitempty"`
	ID           string             `json:"id"`
	Type         string             `json:"type"`
	TotalItems   int                `json:"totalItems"`
	OrderedItems []domain.ObjectRef `json:"orderedItems"`
	Items        []domain.ObjectRef `json:"items,omitempty"`
}

// NewCollectionDocument renders uris as an OrderedCollection.
func NewCollectionDocument(id string, uris domain.URISet) CollectionDocument {
	items := make([]domain.ObjectRef, 0, len(uris))
	for _, u := range uris {
		items = append(items, domain.RefURI(u))
	}
	return CollectionDocument{
		Context:      domain.ActivityStreamsContext,
		ID:           id,
		Type:         "OrderedCollection",
		TotalItems:   len(items),
		OrderedItems: items,
	}
}

func (c *CollectionDocument) uris() domain.URISet {
	var out domain.URISet
	for _, ref := range c.OrderedItems {
		out = out.Add(ref.ID)
	}
	for _, ref := range c.Items {
		out = out.Add(ref.ID)
	}
	return out
}
