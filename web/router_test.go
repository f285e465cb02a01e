package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/deemkeen/fedcore/activitypub"
	"github.com/deemkeen/fedcore/db"
	"github.com/deemkeen/fedcore/domain"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const testDomain = "home.example"

// stubDispatcher returns a fixed error and records the bodies it saw.
type stubDispatcher struct {
	mu     sync.Mutex
	err    error
	bodies []string
}

func (d *stubDispatcher) Dispatch(_ context.Context, _ *http.Request, body []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bodies = append(d.bodies, string(body))
	return d.err
}

func (d *stubDispatcher) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.bodies)
}

type testServer struct {
	*Server
	db         *db.DB
	dispatcher *stubDispatcher
	urls       activitypub.LocalURLs
	alice      *domain.Actor
	gophers    *domain.Actor
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	ctx := context.Background()
	urls := activitypub.LocalURLs{Domain: testDomain}
	ts := &testServer{db: database, dispatcher: &stubDispatcher{}, urls: urls}

	ts.alice = urls.NewLocalActor(domain.ActorPerson, "alice", "PUBLIC KEY", "PRIVATE KEY")
	ts.gophers = urls.NewLocalActor(domain.ActorGroup, "gophers", "PUBLIC KEY", "PRIVATE KEY")
	for _, acc := range []*domain.Actor{ts.alice, ts.gophers} {
		if err := database.CreateLocalActor(ctx, acc); err != nil {
			t.Fatalf("create actor: %v", err)
		}
	}
	if err := database.AddModerator(ctx, ts.gophers.ActorURI, ts.alice.ActorURI); err != nil {
		t.Fatalf("add moderator: %v", err)
	}
	follow := &domain.Follow{FollowerURI: "https://remote.example/u/bob", TargetURI: ts.gophers.ActorURI, InboxURI: "https://remote.example/inbox", Accepted: true}
	if err := database.UpsertFollow(ctx, follow); err != nil {
		t.Fatalf("follow: %v", err)
	}

	ts.Server = NewServer(urls, database, ts.dispatcher, 1024, zap.NewNop())
	return ts
}

func (ts *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "192.0.2.1:4444"
	ts.Handler().ServeHTTP(w, req)
	return w
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusAccepted},
		{&activitypub.DispatchError{Stage: activitypub.StageSignature, Err: activitypub.ErrSignatureMismatch}, http.StatusUnauthorized},
		{fmt.Errorf("%w: gone", activitypub.ErrUnknownActor), http.StatusUnauthorized},
		{&activitypub.DispatchError{Stage: activitypub.StageAuthority, Err: activitypub.ErrUnauthorized}, http.StatusForbidden},
		{&activitypub.DispatchError{Stage: activitypub.StageAdmission, Err: activitypub.ErrConflictingReplay}, http.StatusConflict},
		{activitypub.ErrMalformed, http.StatusBadRequest},
		{activitypub.ErrUnsupportedType, http.StatusBadRequest},
		{activitypub.ErrUnknownCommunity, http.StatusBadRequest},
		{&activitypub.DispatchError{Stage: activitypub.StageApply, Err: activitypub.ErrApplicationFailed}, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := StatusFor(tt.err); got != tt.want {
			t.Errorf("StatusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestInboxDispatches(t *testing.T) {
	ts := newTestServer(t)

	for _, path := range []string{"/inbox", "/u/alice/inbox", "/c/gophers/inbox"} {
		w := ts.do("POST", path, `{"id":"x"}`)
		if w.Code != http.StatusAccepted {
			t.Errorf("POST %s: expected 202, got %d", path, w.Code)
		}
	}
	if ts.dispatcher.calls() != 3 {
		t.Errorf("Expected 3 dispatches, got %d", ts.dispatcher.calls())
	}
	if ts.dispatcher.bodies[0] != `{"id":"x"}` {
		t.Errorf("Dispatcher got body %q", ts.dispatcher.bodies[0])
	}
}

func TestInboxRejection(t *testing.T) {
	ts := newTestServer(t)
	ts.dispatcher.err = &activitypub.DispatchError{Stage: activitypub.StageAuthority, Err: activitypub.ErrUnauthorized}

	w := ts.do("POST", "/inbox", `{"id":"x"}`)
	if w.Code != http.StatusForbidden {
		t.Fatalf("Expected 403, got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "authority") {
		t.Errorf("Response leaks dispatch details: %s", w.Body.String())
	}
}

func TestInboxUnknownActor(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do("POST", "/u/nobody/inbox", `{}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
	// alice is a person, not a community
	w = ts.do("POST", "/c/alice/inbox", `{}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
	if ts.dispatcher.calls() != 0 {
		t.Errorf("Dispatcher should not be called, got %d calls", ts.dispatcher.calls())
	}
}

func TestInboxBodyTooLarge(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do("POST", "/inbox", strings.Repeat("x", 2048))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("Expected 413, got %d", w.Code)
	}
	if ts.dispatcher.calls() != 0 {
		t.Errorf("Dispatcher should not be called, got %d calls", ts.dispatcher.calls())
	}
}

func TestActorDocuments(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do("GET", "/c/gophers", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/activity+json") {
		t.Errorf("Expected activity+json content type, got %s", ct)
	}
	if strings.Contains(w.Body.String(), "PRIVATE KEY") {
		t.Fatal("Actor document leaks the private key")
	}

	var doc activitypub.ActorDocument
	if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if doc.ID != ts.gophers.ActorURI || doc.Type != "Group" {
		t.Errorf("Unexpected document id=%s type=%s", doc.ID, doc.Type)
	}
	if doc.Moderators != ts.urls.Moderators("gophers") {
		t.Errorf("Expected moderators collection, got %s", doc.Moderators)
	}
	if doc.PublicKey.Owner != ts.gophers.ActorURI {
		t.Errorf("Key owner should be the actor, got %s", doc.PublicKey.Owner)
	}

	if w := ts.do("GET", "/u/gophers", ""); w.Code != http.StatusNotFound {
		t.Errorf("Person lookup of a community: expected 404, got %d", w.Code)
	}
}

func TestDeletedActorIsGone(t *testing.T) {
	ts := newTestServer(t)
	if err := ts.db.MarkActorDeleted(context.Background(), ts.alice.ActorURI); err != nil {
		t.Fatal(err)
	}

	if w := ts.do("GET", "/u/alice", ""); w.Code != http.StatusGone {
		t.Errorf("Expected 410, got %d", w.Code)
	}
}

func TestCollections(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		path string
		want string
	}{
		{"/c/gophers/moderators", ts.alice.ActorURI},
		{"/c/gophers/followers", "https://remote.example/u/bob"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := ts.do("GET", tt.path, "")
			if w.Code != http.StatusOK {
				t.Fatalf("Expected 200, got %d", w.Code)
			}
			var coll activitypub.CollectionDocument
			if err := json.Unmarshal(w.Body.Bytes(), &coll); err != nil {
				t.Fatalf("Invalid JSON: %v", err)
			}
			if coll.TotalItems != 1 || coll.OrderedItems[0].ID != tt.want {
				t.Errorf("Unexpected collection %+v", coll)
			}
		})
	}
}

func TestPostObject(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	live := &domain.Post{ObjectURI: ts.urls.Post("1"), CommunityURI: ts.gophers.ActorURI, CreatorURI: ts.alice.ActorURI, Name: "hello", Local: true, Published: time.Now()}
	if err := ts.db.CreatePost(ctx, live); err != nil {
		t.Fatal(err)
	}
	if err := ts.db.DeletePost(ctx, ts.urls.Post("2"), ts.gophers.ActorURI, ts.alice.ActorURI); err != nil {
		t.Fatal(err)
	}

	w := ts.do("GET", "/post/1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var page domain.PageObject
	if err := json.Unmarshal(w.Body.Bytes(), &page); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if page.ID != live.ObjectURI || page.AttributedTo != ts.alice.ActorURI || page.Audience != ts.gophers.ActorURI {
		t.Errorf("Unexpected page %+v", page)
	}

	if w := ts.do("GET", "/post/2", ""); w.Code != http.StatusGone {
		t.Errorf("Deleted post: expected 410, got %d", w.Code)
	}
	if w := ts.do("GET", "/post/3", ""); w.Code != http.StatusNotFound {
		t.Errorf("Unknown post: expected 404, got %d", w.Code)
	}
}

func TestMetricsAndHealth(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do("GET", "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "go_goroutines") {
		t.Error("Metrics output should contain runtime metrics")
	}

	if w := ts.do("GET", "/healthz", ""); w.Code != http.StatusNoContent {
		t.Errorf("Expected 204, got %d", w.Code)
	}
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	ts := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- ts.ListenAndServe(ctx, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Server did not stop")
	}
}
