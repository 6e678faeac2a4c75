package store

import (
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/waypost-io/waypost/pkg/models"
)

// MessageStore provides database operations for the message history.
type MessageStore interface {
	// Append stores a message. A duplicate (visitor_id, timestamp) key is
	// ignored so at-least-once delivery cannot create duplicate rows.
	Append(m *models.Message) error
	// GetRecent retrieves up to limit messages, oldest first.
	GetRecent(limit int) ([]*models.Message, error)
	// Prune deletes all but the newest keep messages.
	Prune(keep int) error
}

type sqliteMessageStore struct {
	db *sqlx.DB
}

// NewMessages creates a new message store.
func NewMessages(dbconn *sqlx.DB) MessageStore {
	return &sqliteMessageStore{db: dbconn}
}

// Append stores a message, ignoring duplicates of the uniqueness key.
func (s *sqliteMessageStore) Append(m *models.Message) error {
	stmt := `
	INSERT INTO messages (visitor_id, nickname, text, timestamp)
	VALUES (:visitor_id, :nickname, :text, :timestamp)
	ON CONFLICT (visitor_id, timestamp) DO NOTHING;`

	_, err := s.db.NamedExec(stmt, m)
	return err
}

// GetRecent retrieves up to limit messages, oldest first.
func (s *sqliteMessageStore) GetRecent(limit int) ([]*models.Message, error) {
	query := `
	SELECT visitor_id, nickname, text, timestamp FROM (
		SELECT * FROM messages ORDER BY timestamp DESC LIMIT ?
	) ORDER BY timestamp;`

	messages := []*models.Message{}
	err := s.db.Select(&messages, query, limit)
	if err == sql.ErrNoRows {
		return []*models.Message{}, nil
	}
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// Prune deletes all but the newest keep messages.
func (s *sqliteMessageStore) Prune(keep int) error {
	stmt := `
	DELETE FROM messages WHERE (visitor_id, timestamp) NOT IN (
		SELECT visitor_id, timestamp FROM messages ORDER BY timestamp DESC LIMIT ?
	);`

	_, err := s.db.Exec(stmt, keep)
	return err
}
