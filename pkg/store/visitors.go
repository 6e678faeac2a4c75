package store

import (
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/waypost-io/waypost/pkg/models"
)

var selectVisitors = `SELECT * FROM visitors`

// VisitorStore provides database operations for the visitor registry.
type VisitorStore interface {
	// GetByID retrieves a visitor by its stable identifier.
	GetByID(visitorID string) (*models.Visitor, error)
	// Upsert inserts or updates a visitor keyed by visitor_id.
	Upsert(v *models.Visitor) error
	// UpdateNickname updates the nickname only, leaving coordinates and
	// last_seen untouched.
	UpdateNickname(visitorID, nickname string) error
	// GetAll retrieves every known visitor.
	GetAll() ([]*models.Visitor, error)
}

type sqliteVisitorStore struct {
	db *sqlx.DB
}

// NewVisitors creates a new visitor store.
func NewVisitors(dbconn *sqlx.DB) VisitorStore {
	return &sqliteVisitorStore{db: dbconn}
}

type visitorRow struct {
	VisitorID  string  `db:"visitor_id"`
	Nickname   string  `db:"nickname"`
	Longitude  float64 `db:"longitude"`
	Latitude   float64 `db:"latitude"`
	FirstVisit int64   `db:"first_visit"`
	LastSeen   int64   `db:"last_seen"`
}

func (r visitorRow) toModel() *models.Visitor {
	return &models.Visitor{
		VisitorID:   r.VisitorID,
		Nickname:    r.Nickname,
		Coordinates: models.Coordinates{Lng: r.Longitude, Lat: r.Latitude},
		FirstVisit:  time.UnixMilli(r.FirstVisit).UTC(),
		LastSeen:    time.UnixMilli(r.LastSeen).UTC(),
	}
}

func toRow(v *models.Visitor) visitorRow {
	return visitorRow{
		VisitorID:  v.VisitorID,
		Nickname:   v.Nickname,
		Longitude:  v.Coordinates.Lng,
		Latitude:   v.Coordinates.Lat,
		FirstVisit: v.FirstVisit.UnixMilli(),
		LastSeen:   v.LastSeen.UnixMilli(),
	}
}

// GetByID retrieves a visitor by its stable identifier.
func (s *sqliteVisitorStore) GetByID(visitorID string) (*models.Visitor, error) {
	query := selectVisitors + " WHERE visitor_id = ?;"
	var row visitorRow
	err := s.db.Get(&row, query, visitorID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

// Upsert inserts or updates a visitor keyed by visitor_id.
func (s *sqliteVisitorStore) Upsert(v *models.Visitor) error {
	stmt := `
	INSERT INTO visitors (visitor_id, nickname, longitude, latitude, first_visit, last_seen)
	VALUES (:visitor_id, :nickname, :longitude, :latitude, :first_visit, :last_seen)
	ON CONFLICT (visitor_id)
	DO UPDATE SET
		nickname = :nickname,
		longitude = :longitude,
		latitude = :latitude,
		last_seen = :last_seen
	;`

	_, err := s.db.NamedExec(stmt, toRow(v))
	return err
}

// UpdateNickname updates the nickname only.
func (s *sqliteVisitorStore) UpdateNickname(visitorID, nickname string) error {
	query := `UPDATE visitors SET nickname = ? WHERE visitor_id = ?;`
	_, err := s.db.Exec(query, nickname, visitorID)
	return err
}

// GetAll retrieves every known visitor.
func (s *sqliteVisitorStore) GetAll() ([]*models.Visitor, error) {
	query := selectVisitors + " ORDER BY first_visit;"
	rows := []visitorRow{}
	err := s.db.Select(&rows, query)
	if err == sql.ErrNoRows {
		return []*models.Visitor{}, nil
	}
	if err != nil {
		return nil, err
	}
	visitors := make([]*models.Visitor, len(rows))
	for i, r := range rows {
		visitors[i] = r.toModel()
	}
	return visitors, nil
}
