package models

import (
	"crypto/rand"
	"encoding/hex"
)

// VisitorIdentity is the client-owned durable identity, persisted across
// process restarts. Identity is self-asserted and unauthenticated.
type VisitorIdentity struct {
	// VisitorID is empty until the first action that requires one
	// (joining chat or dropping a pin) lazily mints it.
	VisitorID string `json:"visitorId"`
	Nickname  string `json:"nickname"`
	// JoinedChat gates outbound message sends.
	JoinedChat bool `json:"hasJoinedChat"`
	// DroppedPin records that this identity has published coordinates at
	// least once; on reconnect the join is re-emitted unconditionally.
	DroppedPin bool `json:"hasDroppedPin"`
}

// NewVisitorID mints a random 16-byte hex identifier.
func NewVisitorID() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
