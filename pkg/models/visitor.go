package models

import (
	"fmt"
	"math"
	"time"
)

// Coordinates is a WGS84 longitude/latitude pair.
type Coordinates struct {
	Lng float64 `json:"lng"`
	Lat float64 `json:"lat"`
}

// Validate rejects coordinates that are not finite numbers within the valid
// longitude/latitude ranges. Every path that stores coordinates goes through
// this check; malformed input from one peer must never reach another peer's view.
func (c Coordinates) Validate() error {
	if math.IsNaN(c.Lng) || math.IsInf(c.Lng, 0) {
		return fmt.Errorf("longitude is not a finite number")
	}
	if math.IsNaN(c.Lat) || math.IsInf(c.Lat, 0) {
		return fmt.Errorf("latitude is not a finite number")
	}
	if c.Lng < -180 || c.Lng > 180 {
		return fmt.Errorf("longitude %v out of range [-180, 180]", c.Lng)
	}
	if c.Lat < -90 || c.Lat > 90 {
		return fmt.Errorf("latitude %v out of range [-90, 90]", c.Lat)
	}
	return nil
}

// Visitor is a registry entity: one identity that has dropped a pin at least
// once. Visitors are never hard-deleted; going offline is an online-set
// membership fact, not entity deletion.
type Visitor struct {
	// VisitorID is the opaque stable identifier minted by the client.
	VisitorID string `json:"visitorId"`
	// Nickname is the self-asserted display name.
	Nickname string `json:"nickname"`
	// Coordinates is the last pin position reported by the visitor.
	Coordinates Coordinates `json:"coordinates"`
	// FirstVisit is when this visitor first dropped a pin.
	FirstVisit time.Time `json:"firstVisit"`
	// LastSeen is updated on every successful join; monotonically non-decreasing.
	LastSeen time.Time `json:"lastSeen"`
}
