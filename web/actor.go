package web

import (
	"errors"
	"net/http"
	"time"

	"github.com/deemkeen/fedcore/activitypub"
	"github.com/deemkeen/fedcore/db"
	"github.com/deemkeen/fedcore/domain"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (s *Server) notFoundOr500(c *gin.Context, what string, err error) {
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": what + " not found"})
		return
	}
	s.log.Error("Failed to read "+what, zap.String("path", c.Request.URL.Path), zap.Error(err))
	c.Status(http.StatusInternalServerError)
}

func (s *Server) readLiveActor(c *gin.Context, kind domain.ActorKind) (*domain.Actor, bool) {
	acc, err := s.store.ReadLocalActor(c.Request.Context(), kind, c.Param("name"))
	if err != nil {
		s.notFoundOr500(c, "Actor", err)
		return nil, false
	}
	if acc.Deleted {
		c.JSON(http.StatusGone, gin.H{"error": "Actor deleted"})
		return nil, false
	}
	return acc, true
}

func (s *Server) handleActor(kind domain.ActorKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		acc, ok := s.readLiveActor(c, kind)
		if !ok {
			return
		}
		c.Header("Content-Type", activityContentType)
		c.JSON(http.StatusOK, activitypub.NewActorDocument(acc, s.urls))
	}
}

func (s *Server) handleFollowers(kind domain.ActorKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		acc, ok := s.readLiveActor(c, kind)
		if !ok {
			return
		}
		follows, err := s.store.ReadFollowers(c.Request.Context(), acc.ActorURI)
		if err != nil {
			s.notFoundOr500(c, "Followers", err)
			return
		}

		var uris domain.URISet
		for _, f := range follows {
			uris = uris.Add(f.FollowerURI)
		}
		c.Header("Content-Type", activityContentType)
		c.JSON(http.StatusOK, activitypub.NewCollectionDocument(s.urls.Followers(kind, acc.Username), uris))
	}
}

func (s *Server) handleModerators(c *gin.Context) {
	acc, ok := s.readLiveActor(c, domain.ActorGroup)
	if !ok {
		return
	}
	mods, err := s.store.ReadModerators(c.Request.Context(), acc.ActorURI)
	if err != nil {
		s.notFoundOr500(c, "Moderators", err)
		return
	}
	c.Header("Content-Type", activityContentType)
	c.JSON(http.StatusOK, activitypub.NewCollectionDocument(s.urls.Moderators(acc.Username), mods))
}

// handlePost serves a local post as a Page. Deleted posts answer 410 so
// peers drop their copies.
func (s *Server) handlePost(c *gin.Context) {
	post, err := s.store.ReadPostByURI(c.Request.Context(), s.urls.Post(c.Param("id")))
	if err != nil {
		s.notFoundOr500(c, "Post", err)
		return
	}
	if post.Deleted {
		c.JSON(http.StatusGone, gin.H{"error": "Post deleted"})
		return
	}

	published := post.Published.UTC().Truncate(time.Second)
	page := domain.PageObject{
		Context:      domain.ActivityStreamsContext,
		ID:           post.ObjectURI,
		Type:         "Page",
		AttributedTo: post.CreatorURI,
		Name:         post.Name,
		Content:      post.Content,
		Audience:     post.CommunityURI,
		To:           domain.NewURISet(post.CommunityURI, domain.PublicCollection),
		Published:    &published,
		Updated:      post.Updated,
	}
	c.Header("Content-Type", activityContentType)
	c.JSON(http.StatusOK, page)
}
