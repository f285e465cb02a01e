package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"
)

const ActivityStreamsContext = "https://www.w3.org/ns/activitystreams"
const PublicCollection = "https://www.w3.org/ns/activitystreams#Public"

// ActivityType is the closed set of activity types this server understands.
type ActivityType string

const (
	TypeCreate  ActivityType = "Create"
	TypeUpdate  ActivityType = "Update"
	TypeDelete  ActivityType = "Delete"
	TypeRemove  ActivityType = "Remove"
	TypeFollow  ActivityType = "Follow"
	TypeAccept  ActivityType = "Accept"
	TypeUndo    ActivityType = "Undo"
	TypeLike    ActivityType = "Like"
	TypeDislike ActivityType = "Dislike"
)

var knownTypes = map[ActivityType]struct{}{
	TypeCreate:  {},
	TypeUpdate:  {},
	TypeDelete:  {},
	TypeRemove:  {},
	TypeFollow:  {},
	TypeAccept:  {},
	TypeUndo:    {},
	TypeLike:    {},
	TypeDislike: {},
}

// Known reports whether t is one of the supported activity types.
func (t ActivityType) Known() bool {
	_, ok := knownTypes[t]
	return ok
}

// URISet is an ordered list of URIs with set semantics. Duplicates collapse
// on decode and on Add; ActivityPub allows both a single string and an array.
type URISet []string

func NewURISet(uris ...string) URISet {
	var s URISet
	for _, u := range uris {
		s = s.Add(u)
	}
	return s
}

func (s URISet) Contains(uri string) bool {
	for _, u := range s {
		if u == uri {
			return true
		}
	}
	return false
}

// Add appends uri unless it is empty or already present.
func (s URISet) Add(uri string) URISet {
	if uri == "" || s.Contains(uri) {
		return s
	}
	return append(s, uri)
}

func (s *URISet) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*s = nil
		return nil
	}

	if len(b) > 0 && b[0] == '"' {
		var one string
		if err := json.Unmarshal(b, &one); err != nil {
			return err
		}
		*s = NewURISet(one)
		return nil
	}

	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return fmt.Errorf("uri set: %w", err)
	}
	*s = NewURISet(many...)
	return nil
}

// ObjectRef is an activity's object: either a bare URI or an embedded
// document that carries its own id.
type ObjectRef struct {
	ID  string
	Raw json.RawMessage
}

func RefURI(uri string) ObjectRef {
	return ObjectRef{ID: uri}
}

// RefObject embeds v as the object, taking the id from the encoded document.
func RefObject(v interface{}) (ObjectRef, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return ObjectRef{}, err
	}
	var ref ObjectRef
	if err := ref.UnmarshalJSON(raw); err != nil {
		return ObjectRef{}, err
	}
	return ref, nil
}

func (o ObjectRef) Embedded() bool {
	return len(o.Raw) > 0
}

// Type returns the embedded object's type, or "" for bare references.
func (o ObjectRef) Type() string {
	if !o.Embedded() {
		return ""
	}
	var head struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(o.Raw, &head)
	return head.Type
}

// Decode unmarshals the embedded document into v.
func (o ObjectRef) Decode(v interface{}) error {
	if !o.Embedded() {
		return fmt.Errorf("object %s is a reference, not an embedded document", o.ID)
	}
	return json.Unmarshal(o.Raw, v)
}

func (o *ObjectRef) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*o = ObjectRef{}
		return nil
	}

	if b[0] == '"' {
		var id string
		if err := json.Unmarshal(b, &id); err != nil {
			return err
		}
		*o = ObjectRef{ID: id}
		return nil
	}

	var head struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return fmt.Errorf("object: %w", err)
	}
	raw := make(json.RawMessage, len(b))
	copy(raw, b)
	*o = ObjectRef{ID: head.ID, Raw: raw}
	return nil
}

func (o ObjectRef) MarshalJSON() ([]byte, error) {
	if o.Embedded() {
		return o.Raw, nil
	}
	return json.Marshal(o.ID)
}

// Activity is the unit of federation exchange.
type Activity struct {
	Context   interface{}  `json:"@context,omitempty"`
	ID        string       `json:"id"`
	Type      ActivityType `json:"type"`
	Actor     string       `json:"actor"`
	Object    ObjectRef    `json:"object"`
	Target    string       `json:"target,omitempty"`
	To        URISet       `json:"to,omitempty"`
	Cc        URISet       `json:"cc,omitempty"`
	Audience  string       `json:"audience,omitempty"`
	Summary   string       `json:"summary,omitempty"`
	Published *time.Time   `json:"published,omitempty"`
}

var ErrInvalidActivity = errors.New("invalid activity")

// ParseActivity decodes and structurally validates an activity document.
func ParseActivity(body []byte) (*Activity, error) {
	var a Activity
	if err := json.Unmarshal(body, &a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidActivity, err)
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return &a, nil
}

func (a *Activity) Validate() error {
	if !isAbsoluteURI(a.ID) {
		return fmt.Errorf("%w: id %q is not an absolute URI", ErrInvalidActivity, a.ID)
	}
	if !isAbsoluteURI(a.Actor) {
		return fmt.Errorf("%w: actor %q is not an absolute URI", ErrInvalidActivity, a.Actor)
	}
	if a.Type == "" {
		return fmt.Errorf("%w: missing type", ErrInvalidActivity)
	}
	if a.Object.ID == "" {
		return fmt.Errorf("%w: object without id", ErrInvalidActivity)
	}
	return nil
}

// Inner decodes the embedded object as an activity (Undo, Accept).
func (a *Activity) Inner() (*Activity, error) {
	var inner Activity
	if err := a.Object.Decode(&inner); err != nil {
		return nil, fmt.Errorf("%w: inner activity: %v", ErrInvalidActivity, err)
	}
	if inner.Type == "" || inner.Object.ID == "" {
		return nil, fmt.Errorf("%w: inner activity incomplete", ErrInvalidActivity)
	}
	return &inner, nil
}

// ObjectKey is the identifier activities are serialized on: the object for
// plain activities, the inner activity's object for Undo.
func (a *Activity) ObjectKey() string {
	if a.Type == TypeUndo && a.Object.Embedded() {
		if inner, err := a.Inner(); err == nil {
			return inner.ObjectKey()
		}
	}
	return a.Object.ID
}

// Recipients is the union of to and cc.
func (a *Activity) Recipients() URISet {
	out := NewURISet(a.To...)
	for _, u := range a.Cc {
		out = out.Add(u)
	}
	return out
}

// PageObject is the minimal shape of a Page/Note that the core needs.
type PageObject struct {
	Context      interface{} `json:"@context,omitempty"`
	ID           string      `json:"id"`
	Type         string      `json:"type"`
	AttributedTo string      `json:"attributedTo"`
	Name         string      `json:"name,omitempty"`
	Content      string      `json:"content,omitempty"`
	Audience     string      `json:"audience,omitempty"`
	To           URISet      `json:"to,omitempty"`
	Cc           URISet      `json:"cc,omitempty"`
	Published    *time.Time  `json:"published,omitempty"`
	Updated      *time.Time  `json:"updated,omitempty"`
}

func isAbsoluteURI(s string) bool {
	if s == "" {
		return false
	}
	u, err := url.Parse(s)
	return err == nil && u.Scheme != "" && u.Host != ""
}
