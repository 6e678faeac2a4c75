package models

import "fmt"

// Message is one chat message as broadcast to all clients. Timestamps are
// assigned server-side in Unix milliseconds; client clocks are not trusted.
type Message struct {
	VisitorID string `json:"visitorId" db:"visitor_id"`
	Nickname  string `json:"nickname" db:"nickname"`
	Text      string `json:"text" db:"text"`
	Timestamp int64  `json:"timestamp" db:"timestamp"`
}

// Key returns the uniqueness key used to deduplicate at-least-once delivery.
func (m Message) Key() string {
	return fmt.Sprintf("%s/%d", m.VisitorID, m.Timestamp)
}
