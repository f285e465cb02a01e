package domain

// Role is an actor's standing inside one community.
type Role int

const (
	RoleNone Role = iota
	RoleMember
	RoleModerator
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleMember:
		return "member"
	case RoleModerator:
		return "moderator"
	case RoleAdmin:
		return "admin"
	default:
		return "none"
	}
}

// AtLeast compares standings: admin > moderator > member > none.
func (r Role) AtLeast(min Role) bool {
	return r >= min
}

// CommunityContext is the community an activity pertains to, with the
// moderator set as of resolution time.
type CommunityContext struct {
	CommunityURI   string
	InboxURI       string
	SharedInboxURI string
	Moderators     URISet
	Local          bool

	// Self marks actor-scoped activities (an actor deleting itself) that
	// have no community.
	Self bool

	// Role is the acting actor's classified standing.
	Role Role
}

func (c *CommunityContext) IsModerator(actorURI string) bool {
	return c.Moderators.Contains(actorURI)
}
