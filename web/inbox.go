package web

import (
	"errors"
	"net/http"

	"github.com/deemkeen/fedcore/activitypub"
	"github.com/deemkeen/fedcore/db"
	"github.com/deemkeen/fedcore/domain"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// StatusFor maps a dispatch outcome to the HTTP status returned to the peer.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusAccepted
	case errors.Is(err, activitypub.ErrConflictingReplay):
		return http.StatusConflict
	case errors.Is(err, activitypub.ErrSignatureMismatch), errors.Is(err, activitypub.ErrUnknownActor):
		return http.StatusUnauthorized
	case errors.Is(err, activitypub.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, activitypub.ErrMalformed),
		errors.Is(err, activitypub.ErrUnsupportedType),
		errors.Is(err, activitypub.ErrUnknownCommunity):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// handleInbox accepts activities for the shared inbox (kind "") or the inbox
// of one local actor. Routing does not depend on which inbox was used.
func (s *Server) handleInbox(kind domain.ActorKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		if kind != "" {
			_, err := s.store.ReadLocalActor(c.Request.Context(), kind, c.Param("name"))
			if errors.Is(err, db.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "Actor not found"})
				return
			}
			if err != nil {
				s.log.Error("Failed to read inbox owner", zap.String("name", c.Param("name")), zap.Error(err))
				c.Status(http.StatusInternalServerError)
				return
			}
		}

		body, err := c.GetRawData()
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Request body too large"})
				return
			}
			c.Status(http.StatusBadRequest)
			return
		}

		err = s.inbox.Dispatch(c.Request.Context(), c.Request, body)
		status := StatusFor(err)
		if err != nil {
			c.JSON(status, gin.H{"error": http.StatusText(status)})
			return
		}
		c.Status(status)
	}
}
