package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/deemkeen/fedcore/activitypub"
	"github.com/deemkeen/fedcore/domain"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	activityContentType = "application/activity+json; charset=utf-8"
	defaultMaxBodyBytes = 1 << 20
	shutdownTimeout     = 30 * time.Second
)

// Store is the read side of the database the HTTP surface publishes.
type Store interface {
	ReadLocalActor(ctx context.Context, kind domain.ActorKind, username string) (*domain.Actor, error)
	ReadModerators(ctx context.Context, communityURI string) (domain.URISet, error)
	ReadFollowers(ctx context.Context, targetURI string) ([]domain.Follow, error)
	ReadPostByURI(ctx context.Context, uri string) (*domain.Post, error)
}

// InboxDispatcher processes one signed inbound activity.
type InboxDispatcher interface {
	Dispatch(ctx context.Context, r *http.Request, body []byte) error
}

// Server is the federation HTTP surface: inboxes, actor documents,
// webfinger and metrics.
type Server struct {
	urls         activitypub.LocalURLs
	store        Store
	inbox        InboxDispatcher
	maxBodyBytes int64
	log          *zap.Logger
	engine       *gin.Engine
}

func NewServer(urls activitypub.LocalURLs, store Store, inbox InboxDispatcher, maxBodyBytes int64, log *zap.Logger) *Server {
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
	}
	s := &Server{
		urls:         urls,
		store:        store,
		inbox:        inbox,
		maxBodyBytes: maxBodyBytes,
		log:          log.Named("http"),
	}
	s.engine = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	g := gin.New()
	g.Use(gin.Recovery(), RequestLogger(s.log))
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	// Global rate limiter: 10 requests per second per IP, burst of 20
	globalLimiter := NewRateLimiter(rate.Limit(10), 20)
	g.Use(RateLimitMiddleware(globalLimiter))

	// Inboxes get their own budget: peers deliver in bursts after an outage
	inboxLimiter := NewRateLimiter(rate.Limit(20), 100)
	maxBody := MaxBytesMiddleware(s.maxBodyBytes)

	g.POST("/inbox", RateLimitMiddleware(inboxLimiter), maxBody, s.handleInbox(""))
	g.POST("/u/:name/inbox", RateLimitMiddleware(inboxLimiter), maxBody, s.handleInbox(domain.ActorPerson))
	g.POST("/c/:name/inbox", RateLimitMiddleware(inboxLimiter), maxBody, s.handleInbox(domain.ActorGroup))

	g.GET("/u/:name", s.handleActor(domain.ActorPerson))
	g.GET("/c/:name", s.handleActor(domain.ActorGroup))
	g.GET("/u/:name/followers", s.handleFollowers(domain.ActorPerson))
	g.GET("/c/:name/followers", s.handleFollowers(domain.ActorGroup))
	g.GET("/c/:name/moderators", s.handleModerators)
	g.GET("/post/:id", s.handlePost)

	g.GET("/.well-known/webfinger", s.handleWebfinger)
	g.GET("/metrics", gin.WrapH(promhttp.Handler()))
	g.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	return g
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe serves on addr until ctx is cancelled, then drains open
// requests.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Starting HTTP server", zap.String("addr", addr), zap.String("domain", s.urls.Domain))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info("Stopping HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
