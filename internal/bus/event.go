package bus

import "time"

// Event is a notification published on the bus. Kind uses dotted namespaces
// so subscribers can filter by prefix.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the sync core.
const (
	KindChatsUpdated    = "chat.updated"
	KindMessageUpserted = "message.upserted"
	KindSendAck         = "message.send_ack"
	KindSendFailed      = "message.send_failed"
	KindUsersLoaded     = "users.loaded"
	KindSyncCompleted   = "sync.completed"
	KindSyncFailed      = "sync.failed"
	KindStatusChanged   = "session.status_changed"
)
