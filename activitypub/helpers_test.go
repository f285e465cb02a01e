package activitypub

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/deemkeen/fedcore/db"
	"github.com/deemkeen/fedcore/domain"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testDomain = "home.example"

var (
	testKeysOnce sync.Once
	testKeyPool  []*rsa.PrivateKey
)

// testKey returns one of a few RSA keys generated once per test binary.
func testKey(t *testing.T, i int) *rsa.PrivateKey {
	t.Helper()
	testKeysOnce.Do(func() {
		for n := 0; n < 3; n++ {
			key, _, err := generateTestKeyPair()
			if err != nil {
				panic(err)
			}
			testKeyPool = append(testKeyPool, key)
		}
	})
	return testKeyPool[i%len(testKeyPool)]
}

func testKeyPEMs(t *testing.T, i int) (string, string) {
	t.Helper()
	key := testKey(t, i)
	pub, err := publicKeyToPEM(&key.PublicKey)
	require.NoError(t, err)
	return pub, privateKeyToPEM(key)
}

func newTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

// testPeer is a remote server publishing actor and object documents.
type testPeer struct {
	*httptest.Server
	key         *rsa.PrivateKey
	sharedInbox bool

	mu     sync.Mutex
	docs   map[string][]byte
	status map[string]int
	hits   map[string]int
	delay  time.Duration
}

func newTestPeer(t *testing.T, keyIndex int) *testPeer {
	t.Helper()
	p := &testPeer{
		key:    testKey(t, keyIndex),
		docs:   make(map[string][]byte),
		status: make(map[string]int),
		hits:   make(map[string]int),
	}
	p.Server = httptest.NewServer(http.HandlerFunc(p.serve))
	t.Cleanup(p.Close)
	return p
}

func (p *testPeer) serve(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.hits[r.URL.Path]++
	status, forced := p.status[r.URL.Path]
	doc, ok := p.docs[r.URL.Path]
	delay := p.delay
	p.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if r.Method == http.MethodPost {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if forced {
		w.WriteHeader(status)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", activityJSON)
	w.Write(doc)
}

func (p *testPeer) setDoc(t *testing.T, path string, doc interface{}) {
	t.Helper()
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	p.mu.Lock()
	p.docs[path] = raw
	p.mu.Unlock()
}

func (p *testPeer) setStatus(path string, code int) {
	p.mu.Lock()
	p.status[path] = code
	p.mu.Unlock()
}

func (p *testPeer) hitCount(path string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hits[path]
}

// addActor publishes an actor signed with the peer key and returns its id.
func (p *testPeer) addActor(t *testing.T, kind domain.ActorKind, name string) string {
	t.Helper()
	prefix := "/u/"
	if kind == domain.ActorGroup {
		prefix = "/c/"
	}
	path := prefix + name
	id := p.URL + path

	pub, err := publicKeyToPEM(&p.key.PublicKey)
	require.NoError(t, err)

	doc := ActorDocument{
		Context:           domain.ActivityStreamsContext,
		ID:                id,
		Type:              string(kind),
		PreferredUsername: name,
		Inbox:             id + "/inbox",
		PublicKey:         PublicKey{ID: id + "#main-key", Owner: id, PublicKeyPem: pub},
	}
	if p.sharedInbox {
		doc.Endpoints = &Endpoints{SharedInbox: p.URL + "/inbox"}
	}
	if kind == domain.ActorGroup {
		doc.Moderators = id + "/moderators"
		p.setDoc(t, path+"/moderators", NewCollectionDocument(doc.Moderators, nil))
	}
	p.setDoc(t, path, doc)
	return id
}

// sign builds an inbound request to our shared inbox signed by actorURI.
func (p *testPeer) sign(t *testing.T, actorURI string, body []byte) *http.Request {
	t.Helper()
	return signedInboxRequest(t, p.key, actorURI+"#main-key", body)
}

func signedInboxRequest(t *testing.T, key *rsa.PrivateKey, keyID string, body []byte) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "https://"+testDomain+"/inbox", bytes.NewReader(body))
	req.Header.Set("Content-Type", activityJSON)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", testDomain)
	req.Header.Set("Digest", Digest(body))
	require.NoError(t, SignRequest(req, key, keyID))
	return req
}

// recordingSubmitter captures submitted activities instead of delivering them.
type recordingSubmitter struct {
	mu   sync.Mutex
	sent []SendActivityData
}

func (r *recordingSubmitter) SubmitActivity(data SendActivityData) {
	r.mu.Lock()
	r.sent = append(r.sent, data)
	r.mu.Unlock()
}

func (r *recordingSubmitter) submitted() []SendActivityData {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SendActivityData(nil), r.sent...)
}

// countingApplier counts applications reaching the wrapped Applier.
type countingApplier struct {
	Applier
	mu sync.Mutex
	n  int
}

func (c *countingApplier) Apply(ctx context.Context, act *domain.Activity, community *domain.CommunityContext) error {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
	return c.Applier.Apply(ctx, act, community)
}

func (c *countingApplier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// fixture is a local server hosting the community "gophers", with a remote
// peer whose actors interact with it.
type fixture struct {
	db         *db.DB
	urls       LocalURLs
	resolver   *Resolver
	authority  *Authority
	handlers   *Handlers
	applier    *countingApplier
	submitter  *recordingSubmitter
	ledger     *db.Ledger
	dispatcher *Dispatcher
	community  *domain.Actor
	admin      *domain.Actor
	peer       *testPeer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	log := zap.NewNop()

	f := &fixture{
		db:        newTestDB(t),
		urls:      LocalURLs{Domain: testDomain},
		submitter: &recordingSubmitter{},
		peer:      newTestPeer(t, 1),
	}

	pub, priv := testKeyPEMs(t, 0)
	f.community = f.urls.NewLocalActor(domain.ActorGroup, "gophers", pub, priv)
	require.NoError(t, f.db.CreateLocalActor(ctx, f.community))
	f.admin = f.urls.NewLocalActor(domain.ActorPerson, "root", pub, priv)
	require.NoError(t, f.db.CreateLocalActor(ctx, f.admin))
	require.NoError(t, f.db.AddSiteAdmin(ctx, f.admin.ActorURI, time.Now().Add(-time.Hour)))

	f.resolver = NewResolver(f.db, ResolverConfig{TTL: time.Hour}, log)
	f.authority = NewAuthority(f.db, f.resolver, log)
	f.handlers = NewHandlers(f.db, f.resolver, f.submitter, log)
	f.applier = &countingApplier{Applier: f.handlers}
	f.ledger = f.db.Ledger(time.Hour)
	f.dispatcher = NewDispatcher(NewVerifier(f.resolver), f.ledger, f.authority, f.applier, log)
	return f
}

func (f *fixture) dispatch(t *testing.T, actorURI string, act *domain.Activity) error {
	t.Helper()
	body := mustJSON(t, act)
	return f.dispatcher.Dispatch(context.Background(), f.peer.sign(t, actorURI, body), body)
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func activityID(actorURI, slug string) string {
	base := actorURI[:strings.Index(actorURI[len("http://"):], "/")+len("http://")]
	return base + "/activities/" + slug
}

// pageActivity builds a Create or Update carrying a Page.
func pageActivity(t *testing.T, typ domain.ActivityType, id, actorURI, objectID, community, content string) *domain.Activity {
	t.Helper()
	obj, err := domain.RefObject(domain.PageObject{
		ID:           objectID,
		Type:         "Page",
		AttributedTo: actorURI,
		Name:         "title",
		Content:      content,
		Audience:     community,
	})
	require.NoError(t, err)
	return &domain.Activity{
		Context:  domain.ActivityStreamsContext,
		ID:       id,
		Type:     typ,
		Actor:    actorURI,
		Object:   obj,
		Audience: community,
		To:       domain.NewURISet(community, domain.PublicCollection),
	}
}

func refActivity(id string, typ domain.ActivityType, actorURI, objectID, community string) *domain.Activity {
	return &domain.Activity{
		Context:  domain.ActivityStreamsContext,
		ID:       id,
		Type:     typ,
		Actor:    actorURI,
		Object:   domain.RefURI(objectID),
		Audience: community,
	}
}

func undoActivity(t *testing.T, id string, inner *domain.Activity) *domain.Activity {
	t.Helper()
	copied := *inner
	copied.Context = nil
	obj, err := domain.RefObject(copied)
	require.NoError(t, err)
	return &domain.Activity{
		Context:  domain.ActivityStreamsContext,
		ID:       id,
		Type:     domain.TypeUndo,
		Actor:    inner.Actor,
		Object:   obj,
		Audience: inner.Audience,
	}
}
