package domain

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

type ActorKind string

const (
	ActorPerson ActorKind = "Person"
	ActorGroup  ActorKind = "Group"
)

// Actor is a person or community, local or cached from a remote server.
type Actor struct {
	Id             uuid.UUID
	ActorURI       string
	Kind           ActorKind
	Username       string
	Domain         string
	DisplayName    string
	InboxURI       string
	SharedInboxURI string
	ModeratorsURI  string // groups only
	PublicKeyPem   string
	PrivateKeyPem  string // local actors only
	Local          bool
	Deleted        bool
	Banned         bool
	LastFetchedAt  time.Time
}

// KeyID is the id of the actor's main key as published in its document.
func (a *Actor) KeyID() string {
	return a.ActorURI + "#main-key"
}

// DeliveryInbox prefers the shared inbox so one server receives one copy.
func (a *Actor) DeliveryInbox() string {
	if a.SharedInboxURI != "" {
		return a.SharedInboxURI
	}
	return a.InboxURI
}

func (a *Actor) Alive() bool {
	return !a.Deleted && !a.Banned
}

// Stale reports whether a cached remote actor should be refetched.
func (a *Actor) Stale(ttl time.Duration, now time.Time) bool {
	if a.Local {
		return false
	}
	return now.Sub(a.LastFetchedAt) >= ttl
}

var usernamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// ValidateUsername checks a local actor name. Names end up in URLs and
// webfinger handles, so they are lowercase ASCII.
func ValidateUsername(name string) error {
	if !usernamePattern.MatchString(name) {
		return fmt.Errorf("invalid username %q: use 1-64 lowercase letters, digits or _", name)
	}
	return nil
}
