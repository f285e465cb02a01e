package activitypub

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/deemkeen/fedcore/domain"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// LocalURLs builds the public URIs of objects hosted on this server.
type LocalURLs struct {
	Domain string
}

func (u LocalURLs) Base() string {
	return "https://" + u.Domain
}

func actorPathPrefix(kind domain.ActorKind) string {
	if kind == domain.ActorGroup {
		return "c"
	}
	return "u"
}

// Actor returns /u/<name> for persons and /c/<name> for communities.
func (u LocalURLs) Actor(kind domain.ActorKind, name string) string {
	return fmt.Sprintf("%s/%s/%s", u.Base(), actorPathPrefix(kind), name)
}

func (u LocalURLs) Inbox(kind domain.ActorKind, name string) string {
	return u.Actor(kind, name) + "/inbox"
}

func (u LocalURLs) SharedInbox() string {
	return u.Base() + "/inbox"
}

func (u LocalURLs) Followers(kind domain.ActorKind, name string) string {
	return u.Actor(kind, name) + "/followers"
}

func (u LocalURLs) Moderators(name string) string {
	return u.Actor(domain.ActorGroup, name) + "/moderators"
}

func (u LocalURLs) Post(id string) string {
	return u.Base() + "/post/" + id
}

// Activity mints a fresh activity id: https://<domain>/activities/<kind>/<nanoid>
func (u LocalURLs) Activity(kind SendKind) (string, error) {
	slug, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("generate activity id: %w", err)
	}
	return fmt.Sprintf("%s/activities/%s/%s", u.Base(), kind, slug), nil
}

// IsLocal reports whether uri is hosted on this server.
func (u LocalURLs) IsLocal(uri string) bool {
	parsed, err := url.Parse(uri)
	if err != nil {
		return false
	}
	return strings.EqualFold(parsed.Host, u.Domain)
}

// NewLocalActor builds a local person or community with its URIs filled in.
// The caller supplies the key pair.
func (u LocalURLs) NewLocalActor(kind domain.ActorKind, name, publicKeyPem, privateKeyPem string) *domain.Actor {
	acc := &domain.Actor{
		ActorURI:       u.Actor(kind, name),
		Kind:           kind,
		Username:       name,
		Domain:         u.Domain,
		InboxURI:       u.Inbox(kind, name),
		SharedInboxURI: u.SharedInbox(),
		PublicKeyPem:   publicKeyPem,
		PrivateKeyPem:  privateKeyPem,
		Local:          true,
	}
	if kind == domain.ActorGroup {
		acc.ModeratorsURI = u.Moderators(name)
	}
	return acc
}

// sameOrigin reports whether a and b are served by the same host.
func sameOrigin(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil || ua.Host == "" {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	return strings.EqualFold(ua.Host, ub.Host)
}
