package statusserver

import "github.com/afk-relay/afk-supervisor/internal/store"

// MessageType tags the payload carried by a WSMessage.
type MessageType string

const (
	MsgSnapshot MessageType = "snapshot"
	MsgDelta    MessageType = "delta"
	MsgError    MessageType = "error"
)

// WSMessage is the single envelope every frame on /ws uses.
type WSMessage struct {
	Type    MessageType `json:"type"`
	Seq     uint64      `json:"seq"`
	Payload any         `json:"payload"`
}

// SnapshotPayload carries every known session, sent on connect and on the
// periodic full-resync tick.
type SnapshotPayload struct {
	Sessions []*store.Session `json:"sessions"`
}

// DeltaPayload carries only sessions that changed since the last tick,
// plus ids that were deleted.
type DeltaPayload struct {
	Updated []*store.Session `json:"updated"`
	Removed []string         `json:"removed,omitempty"`
}
