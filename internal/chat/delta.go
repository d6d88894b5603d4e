package chat

// Delta is a server-computed diff of the chat list since a given timestamp.
type Delta struct {
	Added     []Summary
	Removed   map[ID]struct{}
	Updated   []Update
	Timestamp int64 // server clock at delta computation
}

// Update describes per-chat changes. Pointer fields distinguish "absent from
// the delta" from a zero value; absent fields leave the stored value alone.
// The participant fields apply to group chats only.
type Update struct {
	ID   ID
	Kind Kind

	LastUpdated      *int64
	LatestEventIndex *uint64
	LatestMessage    *Message
	ReadUpToByMe     *uint64
	ReadUpToByThem   *uint64

	Name        *string
	Description *string
	Public      *bool

	ParticipantsAdded   []Participant
	ParticipantsUpdated []Participant
	ParticipantsRemoved []string
}
