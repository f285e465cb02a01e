package web

import (
	"net/http"
	"strings"

	"github.com/deemkeen/fedcore/domain"
	"github.com/gin-gonic/gin"
)

type WebfingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
	Href string `json:"href"`
}

type WebfingerResponse struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases,omitempty"`
	Links   []WebfingerLink `json:"links"`
}

func GetWebFingerNotFound() gin.H {
	return gin.H{"detail": "Not Found"}
}

// handleWebfinger resolves acct:name@domain to a local person, or to a
// community when no person has that name.
func (s *Server) handleWebfinger(c *gin.Context) {
	name, ok := s.parseResource(c.Query("resource"))
	if !ok {
		c.JSON(http.StatusNotFound, GetWebFingerNotFound())
		return
	}

	var acc *domain.Actor
	for _, kind := range []domain.ActorKind{domain.ActorPerson, domain.ActorGroup} {
		found, err := s.store.ReadLocalActor(c.Request.Context(), kind, name)
		if err == nil && !found.Deleted {
			acc = found
			break
		}
	}
	if acc == nil {
		c.JSON(http.StatusNotFound, GetWebFingerNotFound())
		return
	}

	c.Header("Content-Type", "application/jrd+json; charset=utf-8")
	c.JSON(http.StatusOK, WebfingerResponse{
		Subject: "acct:" + acc.Username + "@" + s.urls.Domain,
		Aliases: []string{acc.ActorURI},
		Links: []WebfingerLink{
			{Rel: "self", Type: "application/activity+json", Href: acc.ActorURI},
		},
	})
}

// parseResource accepts acct:name@domain for this domain. The leading ! some
// servers use for communities is ignored.
func (s *Server) parseResource(resource string) (string, bool) {
	if !strings.HasPrefix(resource, "acct:") {
		return "", false
	}
	resource = strings.TrimPrefix(resource, "acct:")
	resource = strings.TrimPrefix(resource, "!")

	name, host, found := strings.Cut(resource, "@")
	if !found || name == "" || !strings.EqualFold(host, s.urls.Domain) {
		return "", false
	}
	return name, true
}
