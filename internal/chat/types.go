package chat

// ID uniquely identifies a chat for the lifetime of the account.
type ID string

// Kind discriminates the two chat variants. A chat's kind is immutable
// for the lifetime of its ID.
type Kind string

const (
	KindDirect Kind = "direct"
	KindGroup  Kind = "group"
)

// Role is a participant's role within a group chat.
type Role string

const (
	RoleOwner    Role = "owner"
	RoleAdmin    Role = "admin"
	RoleStandard Role = "standard"
)

// Participant is a member of a group chat.
type Participant struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
}

// GroupInfo holds the group-only fields of a Summary. Participant order is
// meaningful and preserved across merges.
type GroupInfo struct {
	Name         string        `json:"name"`
	Description  string        `json:"description"`
	Public       bool          `json:"public"`
	Participants []Participant `json:"participants"`
}

// Summary is the client's view of one chat. Group is non-nil iff
// Kind == KindGroup.
type Summary struct {
	ID   ID   `json:"id"`
	Kind Kind `json:"kind"`
	// PeerID is the other party of a direct chat; empty for groups.
	PeerID           string     `json:"peer_id,omitempty"`
	LastUpdated      int64      `json:"last_updated"` // unix ms, server clock
	LatestEventIndex uint64     `json:"latest_event_index"`
	LatestMessage    *Message   `json:"latest_message,omitempty"`
	ReadUpToByMe     uint64     `json:"read_up_to_by_me"`
	ReadUpToByThem   uint64     `json:"read_up_to_by_them"`
	Group            *GroupInfo `json:"group,omitempty"`
}

// Clone returns a deep copy of the summary. Merges never mutate an input
// summary in place.
func (s Summary) Clone() Summary {
	out := s
	if s.LatestMessage != nil {
		m := *s.LatestMessage
		out.LatestMessage = &m
	}
	if s.Group != nil {
		g := *s.Group
		g.Participants = append([]Participant(nil), s.Group.Participants...)
		out.Group = &g
	}
	return out
}

// User is an entry in the local user directory.
type User struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	LastSeen int64  `json:"last_seen"` // unix ms
}
