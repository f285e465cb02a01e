package activitypub

import (
	"bytes"
	"container/heap"
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/deemkeen/fedcore/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultWorkers        = 8
	defaultMaxAttempts    = 10
	defaultBaseBackoff    = time.Minute
	defaultRequestTimeout = 30 * time.Second

	// finishedBatchTTL is how long a completed batch stays answerable from
	// memory.
	finishedBatchTTL = 10 * time.Minute
	idleWait         = time.Hour
)

var ErrUnknownBatch = errors.New("unknown delivery batch")

// TaskStore persists delivery tasks so pending work survives a restart.
type TaskStore interface {
	SaveOutboundActivity(ctx context.Context, a *domain.OutboundActivity) error
	ReadOutboundActivity(ctx context.Context, activityURI string) (*domain.OutboundActivity, error)
	SaveTasks(ctx context.Context, tasks []*domain.DeliveryTask) error
	UpdateTask(ctx context.Context, t *domain.DeliveryTask) error
	ReadPendingTasks(ctx context.Context) ([]*domain.DeliveryTask, error)
	ReadTasksByBatch(ctx context.Context, batchID string) ([]*domain.DeliveryTask, error)
}

// SigningKeys looks up the local actor whose key signs an activity.
type SigningKeys interface {
	ReadActorByURI(ctx context.Context, uri string) (*domain.Actor, error)
}

type QueueConfig struct {
	Workers        int
	MaxAttempts    int
	BaseBackoff    time.Duration
	RequestTimeout time.Duration
	UserAgent      string
	Client         *http.Client

	// Store is optional; without it pending tasks live in memory only.
	Store TaskStore
	Sink  FailureSink
}

// DeliveryHandle identifies the tasks created by one Enqueue call.
type DeliveryHandle struct {
	BatchID string
	Tasks   int
}

// signedPayload is the body and digest of one activity, computed once and
// shared by all of its tasks.
type signedPayload struct {
	activityURI string
	body        []byte
	digest      string
	key         *rsa.PrivateKey
	keyID       string
	refs        int
}

type queuedTask struct {
	task    domain.DeliveryTask
	payload *signedPayload
	seq     uint64 // submission order, breaks ties between equal times
	index   int    // position in the heap, -1 while in flight or finished
}

type batch struct {
	tasks     []*queuedTask
	open      int
	cancelled bool
}

// taskHeap orders tasks by next attempt time.
type taskHeap []*queuedTask

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].task.NextAttemptAt.Equal(h[j].task.NextAttemptAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].task.NextAttemptAt.Before(h[j].task.NextAttemptAt)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x interface{}) {
	t := x.(*queuedTask)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Queue delivers signed activities to remote inboxes. Tasks wait in a heap
// keyed by their next attempt time; a scheduler feeds due tasks to a fixed
// pool of workers. A task is in the heap or in flight, never both, and at
// most one task per inbox is in flight so a peer sees activities in order.
type Queue struct {
	cfg     QueueConfig
	client  *http.Client
	keys    SigningKeys
	store   TaskStore
	sink    FailureSink
	backoff Backoff
	log     *zap.Logger
	now     func() time.Time

	mu       sync.Mutex
	pending  taskHeap
	batches  map[string]*batch
	payloads map[string]*signedPayload
	inflight map[string]bool
	seq      uint64
	running  bool

	wake chan struct{}
	work chan *queuedTask
	stop context.CancelFunc
	wg   sync.WaitGroup
}

func NewQueue(keys SigningKeys, cfg QueueConfig, log *zap.Logger) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = defaultBaseBackoff
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	log = log.Named("delivery")
	sink := cfg.Sink
	if sink == nil {
		sink = NewLogSink(log)
	}

	return &Queue{
		cfg:      cfg,
		client:   client,
		keys:     keys,
		store:    cfg.Store,
		sink:     sink,
		backoff:  NewBackoff(cfg.BaseBackoff),
		log:      log,
		now:      time.Now,
		batches:  make(map[string]*batch),
		payloads: make(map[string]*signedPayload),
		inflight: make(map[string]bool),
		wake:     make(chan struct{}, 1),
		work:     make(chan *queuedTask),
	}
}

// Enqueue creates one pending task per distinct destination inbox of
// recipients and returns without waiting for delivery. Shared inboxes
// collapse recipients on the same server; local and dead actors are skipped.
func (q *Queue) Enqueue(ctx context.Context, act *domain.Activity, recipients []*domain.Actor) (*DeliveryHandle, error) {
	inboxes := deliveryInboxes(recipients)
	handle := &DeliveryHandle{BatchID: uuid.NewString(), Tasks: len(inboxes)}

	if len(inboxes) == 0 {
		q.mu.Lock()
		q.batches[handle.BatchID] = &batch{}
		q.mu.Unlock()
		q.forgetBatchLater(handle.BatchID)
		return handle, nil
	}

	body, err := json.Marshal(act)
	if err != nil {
		return nil, fmt.Errorf("marshal activity: %w", err)
	}
	payload, err := q.newPayload(ctx, act.Actor, act.ID, body)
	if err != nil {
		return nil, err
	}

	now := q.now()
	tasks := make([]*domain.DeliveryTask, 0, len(inboxes))
	for _, inbox := range inboxes {
		tasks = append(tasks, &domain.DeliveryTask{
			Id:            uuid.New(),
			BatchId:       handle.BatchID,
			ActivityURI:   act.ID,
			InboxURI:      inbox,
			NextAttemptAt: now,
			State:         domain.DeliveryPending,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}

	if q.store != nil {
		rec := &domain.OutboundActivity{ActivityURI: act.ID, ActorURI: act.Actor, RawJSON: string(body), CreatedAt: now}
		if err := q.store.SaveOutboundActivity(ctx, rec); err != nil {
			return nil, fmt.Errorf("save outbound activity: %w", err)
		}
		if err := q.store.SaveTasks(ctx, tasks); err != nil {
			return nil, fmt.Errorf("save delivery tasks: %w", err)
		}
	}

	q.mu.Lock()
	for _, t := range tasks {
		q.addLocked(payload, t)
	}
	q.mu.Unlock()
	q.signal()

	q.log.Debug("Enqueued activity",
		zap.String("activity", act.ID),
		zap.String("batch", handle.BatchID),
		zap.Int("inboxes", len(inboxes)))
	return handle, nil
}

func deliveryInboxes(recipients []*domain.Actor) domain.URISet {
	var inboxes domain.URISet
	for _, r := range recipients {
		if r == nil || r.Local || !r.Alive() {
			continue
		}
		inboxes = inboxes.Add(r.DeliveryInbox())
	}
	return inboxes
}

func (q *Queue) newPayload(ctx context.Context, actorURI, activityURI string, body []byte) (*signedPayload, error) {
	signer, err := q.keys.ReadActorByURI(ctx, actorURI)
	if err != nil {
		return nil, fmt.Errorf("read signing actor %s: %w", actorURI, err)
	}
	if !signer.Local || signer.PrivateKeyPem == "" {
		return nil, fmt.Errorf("actor %s has no local signing key", actorURI)
	}
	key, err := ParsePrivateKey(signer.PrivateKeyPem)
	if err != nil {
		return nil, fmt.Errorf("parse key of %s: %w", actorURI, err)
	}
	return &signedPayload{
		activityURI: activityURI,
		body:        body,
		digest:      Digest(body),
		key:         key,
		keyID:       signer.KeyID(),
	}, nil
}

// addLocked registers t in its batch and pushes it onto the heap.
func (q *Queue) addLocked(p *signedPayload, t *domain.DeliveryTask) {
	if shared, ok := q.payloads[p.activityURI]; ok {
		p = shared
	} else {
		q.payloads[p.activityURI] = p
	}
	p.refs++

	b := q.batches[t.BatchId]
	if b == nil {
		b = &batch{}
		q.batches[t.BatchId] = b
	}
	q.seq++
	qt := &queuedTask{task: *t, payload: p, seq: q.seq, index: -1}
	b.tasks = append(b.tasks, qt)
	b.open++

	heap.Push(&q.pending, qt)
	deliveryQueued.Inc()
}

// finishLocked moves t into a terminal state.
func (q *Queue) finishLocked(t *queuedTask, state domain.DeliveryState, lastErr string) {
	t.task.State = state
	if lastErr != "" {
		t.task.LastError = lastErr
	}
	t.task.UpdatedAt = q.now()

	t.payload.refs--
	if t.payload.refs == 0 {
		delete(q.payloads, t.payload.activityURI)
	}

	if b := q.batches[t.task.BatchId]; b != nil {
		b.open--
		if b.open == 0 {
			q.forgetBatchLater(t.task.BatchId)
		}
	}
}

func (q *Queue) forgetBatchLater(batchID string) {
	time.AfterFunc(finishedBatchTTL, func() {
		q.mu.Lock()
		if b := q.batches[batchID]; b != nil && b.open == 0 {
			delete(q.batches, batchID)
		}
		q.mu.Unlock()
	})
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Start restores pending tasks from the store and launches the scheduler
// and workers.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return errors.New("delivery queue already started")
	}
	q.running = true
	q.mu.Unlock()

	if err := q.recoverTasks(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	q.stop = cancel

	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(runCtx)
	}
	q.wg.Add(1)
	go q.schedule(runCtx)

	q.log.Info("Delivery queue started", zap.Int("workers", q.cfg.Workers), zap.Int("pending", q.Pending()))
	return nil
}

// Stop halts scheduling and waits for in-flight deliveries to finish.
func (q *Queue) Stop() {
	if q.stop != nil {
		q.stop()
	}
	q.wg.Wait()
}

func (q *Queue) recoverTasks(ctx context.Context) error {
	if q.store == nil {
		return nil
	}

	tasks, err := q.store.ReadPendingTasks(ctx)
	if err != nil {
		return fmt.Errorf("read pending deliveries: %w", err)
	}

	payloads := make(map[string]*signedPayload)
	restored := 0
	for _, t := range tasks {
		p, seen := payloads[t.ActivityURI]
		if !seen {
			p, err = q.loadPayload(ctx, t.ActivityURI)
			if err != nil {
				q.log.Error("Cannot restore activity", zap.String("activity", t.ActivityURI), zap.Error(err))
			}
			payloads[t.ActivityURI] = p
		}

		if p == nil {
			t.State = domain.DeliveryAbandoned
			t.LastError = "activity could not be restored"
			t.UpdatedAt = q.now()
			q.persist(ctx, *t)
			q.sink.DeliveryAbandoned(*t)
			continue
		}

		q.mu.Lock()
		q.addLocked(p, t)
		q.mu.Unlock()
		restored++
	}

	if restored > 0 {
		q.log.Info("Restored pending deliveries", zap.Int("tasks", restored))
	}
	return nil
}

func (q *Queue) loadPayload(ctx context.Context, activityURI string) (*signedPayload, error) {
	rec, err := q.store.ReadOutboundActivity(ctx, activityURI)
	if err != nil {
		return nil, err
	}
	return q.newPayload(ctx, rec.ActorURI, rec.ActivityURI, []byte(rec.RawJSON))
}

func (q *Queue) schedule(ctx context.Context) {
	defer q.wg.Done()

	timer := time.NewTimer(idleWait)
	defer timer.Stop()

	for {
		due, wait := q.popDue()
		for i, t := range due {
			select {
			case q.work <- t:
			case <-ctx.Done():
				q.requeue(due[i:])
				return
			}
		}

		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		case <-timer.C:
		}
	}
}

// popDue removes every task whose time has come and reports how long until
// the next one is due. Tasks for an inbox that already has a request in
// flight stay in the heap; releasing the inbox wakes the scheduler.
func (q *Queue) popDue() ([]*queuedTask, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	wait := idleWait
	var due, held []*queuedTask
	for q.pending.Len() > 0 {
		next := q.pending[0]
		if next.task.NextAttemptAt.After(now) {
			wait = next.task.NextAttemptAt.Sub(now)
			break
		}
		heap.Pop(&q.pending)
		if q.inflight[next.task.InboxURI] {
			held = append(held, next)
			continue
		}
		q.inflight[next.task.InboxURI] = true
		deliveryQueued.Dec()
		due = append(due, next)
	}
	for _, t := range held {
		heap.Push(&q.pending, t)
	}
	return due, wait
}

func (q *Queue) requeue(tasks []*queuedTask) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range tasks {
		delete(q.inflight, t.task.InboxURI)
		heap.Push(&q.pending, t)
		deliveryQueued.Inc()
	}
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()

	// Attempts run to completion even when the queue is stopping.
	attemptCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-q.work:
			q.attempt(attemptCtx, t)
		}
	}
}

type deliveryResult int

const (
	deliveryOK deliveryResult = iota
	deliveryTransient
	deliveryPermanent
)

func (r deliveryResult) String() string {
	switch r {
	case deliveryOK:
		return "delivered"
	case deliveryTransient:
		return "transient"
	default:
		return "permanent"
	}
}

func (q *Queue) attempt(ctx context.Context, t *queuedTask) {
	q.mu.Lock()
	b := q.batches[t.task.BatchId]
	if b != nil && b.cancelled {
		q.finishLocked(t, domain.DeliveryCancelled, "")
		delete(q.inflight, t.task.InboxURI)
		snapshot := t.task
		q.mu.Unlock()
		q.signal()
		q.persist(ctx, snapshot)
		return
	}
	t.task.Attempts++
	attempt := t.task.Attempts
	inbox := t.task.InboxURI
	q.mu.Unlock()

	result, err := q.post(ctx, t.payload, inbox)
	deliveryAttempts.WithLabelValues(result.String()).Inc()

	q.mu.Lock()
	requeued, abandoned := false, false
	switch result {
	case deliveryOK:
		q.finishLocked(t, domain.DeliveryDelivered, "")
	case deliveryPermanent:
		q.finishLocked(t, domain.DeliveryAbandoned, err.Error())
		abandoned = true
	default:
		switch {
		case attempt >= q.cfg.MaxAttempts:
			q.finishLocked(t, domain.DeliveryAbandoned, err.Error())
			abandoned = true
		case b != nil && b.cancelled:
			q.finishLocked(t, domain.DeliveryCancelled, err.Error())
		default:
			now := q.now()
			t.task.LastError = err.Error()
			t.task.UpdatedAt = now
			t.task.NextAttemptAt = now.Add(q.backoff.Delay(attempt))
			heap.Push(&q.pending, t)
			deliveryQueued.Inc()
			requeued = true
		}
	}
	delete(q.inflight, inbox)
	snapshot := t.task
	q.mu.Unlock()
	q.signal()

	if requeued {
		q.log.Info("Delivery failed, will retry",
			zap.String("inbox", inbox),
			zap.Int("attempt", attempt),
			zap.Time("next", snapshot.NextAttemptAt),
			zap.Error(err))
	} else if result == deliveryOK {
		q.log.Debug("Delivered activity", zap.String("activity", snapshot.ActivityURI), zap.String("inbox", inbox))
	}

	q.persist(ctx, snapshot)
	if abandoned {
		q.sink.DeliveryAbandoned(snapshot)
	}
}

// post sends one signed request and classifies the outcome.
func (q *Queue) post(ctx context.Context, p *signedPayload, inbox string) (deliveryResult, error) {
	ctx, cancel := context.WithTimeout(ctx, q.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inbox, bytes.NewReader(p.body))
	if err != nil {
		return deliveryPermanent, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", activityJSON)
	req.Header.Set("Accept", activityJSON)
	if q.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", q.cfg.UserAgent)
	}
	req.Header.Set("Date", q.now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)
	req.Header.Set("Digest", p.digest)

	if err := SignRequest(req, p.key, p.keyID); err != nil {
		return deliveryPermanent, fmt.Errorf("failed to sign request: %w", err)
	}

	resp, err := q.client.Do(req)
	if err != nil {
		return deliveryTransient, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		return deliveryOK, nil
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return deliveryTransient, fmt.Errorf("remote server returned status: %d", code)
	default:
		return deliveryPermanent, fmt.Errorf("remote server returned status: %d", code)
	}
}

func (q *Queue) persist(ctx context.Context, t domain.DeliveryTask) {
	if q.store == nil {
		return
	}
	if err := q.store.UpdateTask(ctx, &t); err != nil {
		q.log.Error("Failed to persist delivery task", zap.String("task", t.Id.String()), zap.Error(err))
	}
}

// Cancel stops further attempts for every task of the batch. Requests
// already in flight complete.
func (q *Queue) Cancel(ctx context.Context, handle *DeliveryHandle) error {
	q.mu.Lock()
	b := q.batches[handle.BatchID]
	if b == nil {
		q.mu.Unlock()
		return ErrUnknownBatch
	}
	b.cancelled = true

	var changed []domain.DeliveryTask
	for _, t := range b.tasks {
		if t.index < 0 {
			continue
		}
		heap.Remove(&q.pending, t.index)
		deliveryQueued.Dec()
		q.finishLocked(t, domain.DeliveryCancelled, "")
		changed = append(changed, t.task)
	}
	q.mu.Unlock()

	for _, t := range changed {
		q.persist(ctx, t)
	}
	return nil
}

// Status snapshots the tasks of a batch.
func (q *Queue) Status(ctx context.Context, handle *DeliveryHandle) ([]domain.DeliveryTask, error) {
	q.mu.Lock()
	if b := q.batches[handle.BatchID]; b != nil {
		out := make([]domain.DeliveryTask, 0, len(b.tasks))
		for _, t := range b.tasks {
			out = append(out, t.task)
		}
		q.mu.Unlock()
		return out, nil
	}
	q.mu.Unlock()

	if q.store == nil {
		return nil, ErrUnknownBatch
	}
	stored, err := q.store.ReadTasksByBatch(ctx, handle.BatchID)
	if err != nil {
		return nil, err
	}
	if len(stored) == 0 {
		return nil, ErrUnknownBatch
	}
	out := make([]domain.DeliveryTask, 0, len(stored))
	for _, t := range stored {
		out = append(out, *t)
	}
	return out, nil
}

// Pending is the number of tasks waiting in the heap.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}
