package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/deemkeen/fedcore/activitypub"
	"github.com/deemkeen/fedcore/util"
	"github.com/deemkeen/fedcore/web"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const taskSweepInterval = time.Hour

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the federation server",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup()
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, rt)
		},
	}
}

// federation holds the wired pipelines shared by serve and the admin
// commands.
type federation struct {
	resolver  *activitypub.Resolver
	queue     *activitypub.Queue
	submitter *activitypub.Submitter
	nc        *nats.Conn
	stopOnce  sync.Once
}

func newFederation(rt *runtime) (*federation, error) {
	fed := rt.conf.Federation
	userAgent := util.UserAgent(rt.urls.Domain)

	resolver := activitypub.NewResolver(rt.db, activitypub.ResolverConfig{
		TTL:       fed.ActorTTLDuration(),
		UserAgent: userAgent,
		Client:    &http.Client{Timeout: fed.FetchTimeoutDuration()},
	}, rt.log)

	sinks := activitypub.Sinks{activitypub.NewLogSink(rt.log)}
	var nc *nats.Conn
	if rt.conf.Nats.Url != "" {
		var err error
		nc, err = nats.Connect(rt.conf.Nats.Url, nats.Name(util.GetNameAndVersion()))
		if err != nil {
			return nil, fmt.Errorf("connect nats %s: %w", rt.conf.Nats.Url, err)
		}
		sinks = append(sinks, activitypub.NewNATSSink(nc, rt.conf.Nats.Subject, rt.log))
	}

	queue := activitypub.NewQueue(rt.db, activitypub.QueueConfig{
		Workers:        fed.Workers,
		MaxAttempts:    fed.MaxAttempts,
		BaseBackoff:    fed.BaseBackoffDuration(),
		RequestTimeout: fed.DeliveryTimeoutDuration(),
		UserAgent:      userAgent,
		Store:          rt.db,
		Sink:           sinks,
	}, rt.log)

	return &federation{
		resolver:  resolver,
		queue:     queue,
		submitter: activitypub.NewSubmitter(rt.urls, rt.db, resolver, queue, rt.log),
		nc:        nc,
	}, nil
}

// shutdown lets queued submissions reach the queue, then stops delivery.
func (f *federation) shutdown() {
	f.stopOnce.Do(func() {
		f.submitter.Wait()
		f.queue.Stop()
		if f.nc != nil {
			_ = f.nc.Drain()
		}
	})
}

func serve(ctx context.Context, rt *runtime) error {
	fed, err := newFederation(rt)
	if err != nil {
		return err
	}
	return runFederation(ctx, rt, fed)
}

// runFederation starts delivery and serves inboxes until ctx is done. fed is
// shut down on every return path.
func runFederation(ctx context.Context, rt *runtime, fed *federation) error {
	conf := rt.conf.Federation

	rt.log.Info("Starting "+util.GetNameAndVersion(),
		zap.String("domain", rt.urls.Domain),
		zap.Int("workers", conf.Workers))

	defer fed.shutdown()
	if err := fed.queue.Start(ctx); err != nil {
		return err
	}

	ledger, err := newLedger(rt)
	if err != nil {
		return err
	}
	go activitypub.SweepLedger(ctx, ledger, conf.LedgerSweepDuration(), conf.LedgerRetentionDuration(), rt.log)
	go sweepFinishedTasks(ctx, rt, conf.LedgerRetentionDuration())

	dispatcher := activitypub.NewDispatcher(
		activitypub.NewVerifier(fed.resolver),
		ledger,
		activitypub.NewAuthority(rt.db, fed.resolver, rt.log),
		activitypub.NewHandlers(rt.db, fed.resolver, fed.submitter, rt.log),
		rt.log,
	)

	server := web.NewServer(rt.urls, rt.db, dispatcher, conf.MaxBodyBytes, rt.log)
	return server.ListenAndServe(ctx, fmt.Sprintf("%s:%d", rt.conf.Conf.Host, rt.conf.Conf.HttpPort))
}

// newLedger builds the configured dedup ledger. The memory ledger forgets
// seen activities on restart.
func newLedger(rt *runtime) (activitypub.Ledger, error) {
	conf := rt.conf.Federation
	backend, err := conf.LedgerBackend()
	if err != nil {
		return nil, err
	}
	if backend == util.LedgerMemory {
		rt.log.Info("Using in-memory dedup ledger")
		return activitypub.NewMemoryLedger(conf.LedgerRetentionDuration()), nil
	}
	return rt.db.Ledger(conf.LedgerRetentionDuration()), nil
}

// sweepFinishedTasks drops delivered and abandoned tasks once they are older
// than retention.
func sweepFinishedTasks(ctx context.Context, rt *runtime, retention time.Duration) {
	ticker := time.NewTicker(taskSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := rt.db.DeleteFinishedTasks(ctx, now.Add(-retention))
			if err != nil {
				rt.log.Error("Delivery task sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				rt.log.Debug("Deleted finished delivery tasks", zap.Int("count", n))
			}
		}
	}
}
