package domain

import (
	"time"

	"github.com/google/uuid"
)

// Post is the content entity that federated activities mutate. Deleted posts
// stay behind as tombstones so a late Create cannot bring them back.
type Post struct {
	Id            uuid.UUID
	ObjectURI     string
	CommunityURI  string
	CreatorURI    string
	Name          string
	Content       string
	Removed       bool
	RemovedReason string
	Deleted       bool
	Local         bool
	Published     time.Time
	Updated       *time.Time
}

// Follow represents a follow relationship
type Follow struct {
	Id          uuid.UUID
	FollowerURI string
	TargetURI   string
	ActivityURI string // the Follow activity id
	InboxURI    string // where the follower wants deliveries
	Accepted    bool
	CreatedAt   time.Time
}

// Vote is a Like (+1) or Dislike (-1) on an object.
type Vote struct {
	ActorURI    string
	ObjectURI   string
	ActivityURI string
	Score       int
	CreatedAt   time.Time
}

// AdminPurgePost is the moderation log entry written when an admin purges a post.
type AdminPurgePost struct {
	Id           uuid.UUID
	AdminURI     string
	CommunityURI string
	Reason       string
	CreatedAt    time.Time
}
