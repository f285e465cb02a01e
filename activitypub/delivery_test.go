package activitypub

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/deemkeen/fedcore/db"
	"github.com/deemkeen/fedcore/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// inboxServer is a remote inbox that checks signatures and answers with a
// scripted sequence of status codes; the last one repeats.
type inboxServer struct {
	*httptest.Server
	pub *rsa.PublicKey

	mu       sync.Mutex
	statuses []int
	requests int
	bodies   [][]byte
	badSigs  int
}

func newInboxServer(t *testing.T, pub *rsa.PublicKey, statuses ...int) *inboxServer {
	t.Helper()
	s := &inboxServer{pub: pub, statuses: statuses}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

func (s *inboxServer) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	req := r.Clone(r.Context())
	req.Header.Set("Host", r.Host)
	sigErr := verifySignature(req, s.pub)
	digestErr := checkDigest(r.Header.Get("Digest"), body)

	s.mu.Lock()
	s.requests++
	s.bodies = append(s.bodies, body)
	if sigErr != nil || digestErr != nil {
		s.badSigs++
	}
	status := http.StatusAccepted
	if len(s.statuses) > 0 {
		status = s.statuses[0]
		if len(s.statuses) > 1 {
			s.statuses = s.statuses[1:]
		}
	}
	s.mu.Unlock()

	w.WriteHeader(status)
}

func (s *inboxServer) body(i int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bodies[i]
}

func (s *inboxServer) counts() (requests, badSigs int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests, s.badSigs
}

type recordingSink struct {
	mu    sync.Mutex
	tasks []domain.DeliveryTask
}

func (s *recordingSink) DeliveryAbandoned(task domain.DeliveryTask) {
	s.mu.Lock()
	s.tasks = append(s.tasks, task)
	s.mu.Unlock()
}

func (s *recordingSink) abandoned() []domain.DeliveryTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.DeliveryTask(nil), s.tasks...)
}

type queueFixture struct {
	db     *db.DB
	sender *domain.Actor
	urls   LocalURLs
}

func newQueueFixture(t *testing.T) *queueFixture {
	t.Helper()
	f := &queueFixture{db: newTestDB(t), urls: LocalURLs{Domain: testDomain}}
	pub, priv := testKeyPEMs(t, 0)
	f.sender = f.urls.NewLocalActor(domain.ActorGroup, "gophers", pub, priv)
	require.NoError(t, f.db.CreateLocalActor(context.Background(), f.sender))
	return f
}

func (f *queueFixture) queue(t *testing.T, cfg QueueConfig) *Queue {
	t.Helper()
	if cfg.Store == nil {
		cfg.Store = f.db
	}
	if cfg.BaseBackoff == 0 {
		cfg.BaseBackoff = time.Millisecond
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	q := NewQueue(f.db, cfg, zap.NewNop())
	t.Cleanup(q.Stop)
	return q
}

func (f *queueFixture) activity(t *testing.T) *domain.Activity {
	t.Helper()
	id, err := f.urls.Activity(SendAcceptFollow)
	require.NoError(t, err)
	return &domain.Activity{
		Context: domain.ActivityStreamsContext,
		ID:      id,
		Type:    domain.TypeAccept,
		Actor:   f.sender.ActorURI,
		Object:  domain.RefURI("https://remote.example/activities/follow/1"),
	}
}

func remoteRecipient(name, inbox, sharedInbox string) *domain.Actor {
	return &domain.Actor{
		ActorURI:       "https://remote.example/u/" + name,
		Kind:           domain.ActorPerson,
		InboxURI:       inbox,
		SharedInboxURI: sharedInbox,
	}
}

func waitForState(t *testing.T, q *Queue, handle *DeliveryHandle, state domain.DeliveryState) []domain.DeliveryTask {
	t.Helper()
	var tasks []domain.DeliveryTask
	require.Eventually(t, func() bool {
		var err error
		tasks, err = q.Status(context.Background(), handle)
		if err != nil || len(tasks) == 0 {
			return false
		}
		for _, task := range tasks {
			if task.State != state {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)
	return tasks
}

func TestQueueDeliversSignedActivity(t *testing.T) {
	f := newQueueFixture(t)
	inbox := newInboxServer(t, &testKey(t, 0).PublicKey)
	q := f.queue(t, QueueConfig{Workers: 2})
	require.NoError(t, q.Start(context.Background()))

	act := f.activity(t)
	handle, err := q.Enqueue(context.Background(), act, []*domain.Actor{remoteRecipient("bob", inbox.URL+"/u/bob/inbox", "")})
	require.NoError(t, err)
	assert.Equal(t, 1, handle.Tasks)

	tasks := waitForState(t, q, handle, domain.DeliveryDelivered)
	assert.Equal(t, 1, tasks[0].Attempts)

	requests, badSigs := inbox.counts()
	assert.Equal(t, 1, requests)
	assert.Equal(t, 0, badSigs)
	assert.JSONEq(t, string(mustJSON(t, act)), string(inbox.body(0)))

	stored, err := f.db.ReadTasksByBatch(context.Background(), handle.BatchID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, domain.DeliveryDelivered, stored[0].State)
}

func TestQueueRetriesTransientFailuresUntilAbandoned(t *testing.T) {
	f := newQueueFixture(t)
	inbox := newInboxServer(t, &testKey(t, 0).PublicKey, http.StatusServiceUnavailable)
	sink := &recordingSink{}
	q := f.queue(t, QueueConfig{Workers: 1, MaxAttempts: 3, Sink: sink})
	require.NoError(t, q.Start(context.Background()))

	handle, err := q.Enqueue(context.Background(), f.activity(t), []*domain.Actor{remoteRecipient("bob", inbox.URL+"/inbox", "")})
	require.NoError(t, err)

	tasks := waitForState(t, q, handle, domain.DeliveryAbandoned)
	assert.Equal(t, 3, tasks[0].Attempts)
	assert.Contains(t, tasks[0].LastError, "503")

	requests, badSigs := inbox.counts()
	assert.Equal(t, 3, requests)
	assert.Equal(t, 0, badSigs)

	require.Eventually(t, func() bool { return len(sink.abandoned()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, tasks[0].Id, sink.abandoned()[0].Id)
}

func TestQueueRetryThenSuccess(t *testing.T) {
	f := newQueueFixture(t)
	inbox := newInboxServer(t, &testKey(t, 0).PublicKey, http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusOK)
	q := f.queue(t, QueueConfig{Workers: 1, MaxAttempts: 5})
	require.NoError(t, q.Start(context.Background()))

	handle, err := q.Enqueue(context.Background(), f.activity(t), []*domain.Actor{remoteRecipient("bob", inbox.URL+"/inbox", "")})
	require.NoError(t, err)

	tasks := waitForState(t, q, handle, domain.DeliveryDelivered)
	assert.Equal(t, 3, tasks[0].Attempts)
}

func TestQueuePermanentFailureAbandonsImmediately(t *testing.T) {
	f := newQueueFixture(t)
	inbox := newInboxServer(t, &testKey(t, 0).PublicKey, http.StatusForbidden)
	sink := &recordingSink{}
	q := f.queue(t, QueueConfig{Workers: 1, MaxAttempts: 5, Sink: sink})
	require.NoError(t, q.Start(context.Background()))

	handle, err := q.Enqueue(context.Background(), f.activity(t), []*domain.Actor{remoteRecipient("bob", inbox.URL+"/inbox", "")})
	require.NoError(t, err)

	tasks := waitForState(t, q, handle, domain.DeliveryAbandoned)
	assert.Equal(t, 1, tasks[0].Attempts)
	requests, _ := inbox.counts()
	assert.Equal(t, 1, requests)
}

func TestQueueCollapsesSharedInboxes(t *testing.T) {
	f := newQueueFixture(t)
	q := f.queue(t, QueueConfig{})

	dead := remoteRecipient("dead", "https://b.example/u/dead/inbox", "")
	dead.Deleted = true
	local := remoteRecipient("local", f.urls.Inbox(domain.ActorPerson, "local"), f.urls.SharedInbox())
	local.Local = true

	recipients := []*domain.Actor{
		remoteRecipient("a1", "https://a.example/u/a1/inbox", "https://a.example/inbox"),
		remoteRecipient("a2", "https://a.example/u/a2/inbox", "https://a.example/inbox"),
		remoteRecipient("a3", "https://a.example/u/a3/inbox", "https://a.example/inbox"),
		remoteRecipient("b1", "https://b.example/u/b1/inbox", ""),
		dead,
		local,
		nil,
	}

	handle, err := q.Enqueue(context.Background(), f.activity(t), recipients)
	require.NoError(t, err)
	assert.Equal(t, 2, handle.Tasks)
	assert.Equal(t, 2, q.Pending())

	tasks, err := q.Status(context.Background(), handle)
	require.NoError(t, err)
	var inboxes []string
	for _, task := range tasks {
		assert.Equal(t, domain.DeliveryPending, task.State)
		inboxes = append(inboxes, task.InboxURI)
	}
	assert.ElementsMatch(t, []string{"https://a.example/inbox", "https://b.example/u/b1/inbox"}, inboxes)
}

func TestQueueEnqueueWithoutRecipients(t *testing.T) {
	f := newQueueFixture(t)
	q := f.queue(t, QueueConfig{})

	handle, err := q.Enqueue(context.Background(), f.activity(t), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, handle.Tasks)

	tasks, err := q.Status(context.Background(), handle)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestQueueCancel(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()
	q := f.queue(t, QueueConfig{})

	handle, err := q.Enqueue(ctx, f.activity(t), []*domain.Actor{
		remoteRecipient("a", "https://a.example/inbox", ""),
		remoteRecipient("b", "https://b.example/inbox", ""),
	})
	require.NoError(t, err)
	require.NoError(t, q.Cancel(ctx, handle))

	assert.Equal(t, 0, q.Pending())
	tasks, err := q.Status(ctx, handle)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	for _, task := range tasks {
		assert.Equal(t, domain.DeliveryCancelled, task.State)
		assert.Equal(t, 0, task.Attempts)
	}

	pending, err := f.db.ReadPendingTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	assert.ErrorIs(t, q.Cancel(ctx, &DeliveryHandle{BatchID: "nope"}), ErrUnknownBatch)
}

func TestQueueRecoversPendingTasks(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()
	inbox := newInboxServer(t, &testKey(t, 0).PublicKey)

	// The first queue never starts, as if the process died after Enqueue.
	first := f.queue(t, QueueConfig{})
	handle, err := first.Enqueue(ctx, f.activity(t), []*domain.Actor{remoteRecipient("bob", inbox.URL+"/inbox", "")})
	require.NoError(t, err)

	second := f.queue(t, QueueConfig{Workers: 1})
	require.NoError(t, second.Start(ctx))

	waitForState(t, second, handle, domain.DeliveryDelivered)
	requests, badSigs := inbox.counts()
	assert.Equal(t, 1, requests)
	assert.Equal(t, 0, badSigs)
}

func TestQueueStatusFromStore(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()

	first := f.queue(t, QueueConfig{})
	handle, err := first.Enqueue(ctx, f.activity(t), []*domain.Actor{remoteRecipient("bob", "https://b.example/inbox", "")})
	require.NoError(t, err)

	// A queue that never held the batch answers from the store.
	other := f.queue(t, QueueConfig{})
	tasks, err := other.Status(ctx, handle)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, domain.DeliveryPending, tasks[0].State)

	_, err = other.Status(ctx, &DeliveryHandle{BatchID: "nope"})
	assert.ErrorIs(t, err, ErrUnknownBatch)
}

func TestQueueRequiresLocalSigner(t *testing.T) {
	f := newQueueFixture(t)
	q := f.queue(t, QueueConfig{})

	act := f.activity(t)
	act.Actor = "https://remote.example/u/someone"
	_, err := q.Enqueue(context.Background(), act, []*domain.Actor{remoteRecipient("bob", "https://b.example/inbox", "")})
	require.Error(t, err)
	assert.Equal(t, 0, q.Pending())
}

func TestQueueStartTwice(t *testing.T) {
	f := newQueueFixture(t)
	q := f.queue(t, QueueConfig{Workers: 1})
	require.NoError(t, q.Start(context.Background()))
	require.Error(t, q.Start(context.Background()))
}

func TestQueueOneRequestPerInboxAtATime(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()

	var (
		mu      sync.Mutex
		active  int
		maxSeen int
		order   []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ID string `json:"id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)

		mu.Lock()
		active++
		if active > maxSeen {
			maxSeen = active
		}
		order = append(order, body.ID)
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		active--
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(srv.Close)

	q := f.queue(t, QueueConfig{Workers: 4})
	recipients := []*domain.Actor{remoteRecipient("bob", srv.URL+"/inbox", "")}

	// Everything is due before the workers start, so all of it is eligible
	// in the first scheduling round.
	var ids []string
	var handles []*DeliveryHandle
	for i := 0; i < 4; i++ {
		act := f.activity(t)
		handle, err := q.Enqueue(ctx, act, recipients)
		require.NoError(t, err)
		ids = append(ids, act.ID)
		handles = append(handles, handle)
	}

	require.NoError(t, q.Start(ctx))
	for _, handle := range handles {
		waitForState(t, q, handle, domain.DeliveryDelivered)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxSeen)
	assert.Equal(t, ids, order)
}
