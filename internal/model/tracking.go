package model

import (
	"time"
)

// LocationSample is one position report from a courier, append-only.
type LocationSample struct {
	ID         string     `json:"id" db:"id"`
	DeliveryID string     `json:"delivery_id" db:"delivery_id"`
	CourierID  string     `json:"courier_id" db:"courier_id"`
	Latitude   float64    `json:"latitude" db:"latitude"`
	Longitude  float64    `json:"longitude" db:"longitude"`
	Speed      *float64   `json:"speed,omitempty" db:"speed"`
	Heading    *float64   `json:"heading,omitempty" db:"heading"`
	Accuracy   *float64   `json:"accuracy,omitempty" db:"accuracy"`
	RecordedAt time.Time  `json:"recorded_at" db:"recorded_at"`
}

// Validate checks coordinate and optional field ranges.
func (s *LocationSample) Validate() bool {
	if s.Latitude < -90 || s.Latitude > 90 {
		return false
	}
	if s.Longitude < -180 || s.Longitude > 180 {
		return false
	}
	if s.Speed != nil && *s.Speed < 0 {
		return false
	}
	if s.Heading != nil && (*s.Heading < 0 || *s.Heading > 360) {
		return false
	}
	if s.Accuracy != nil && *s.Accuracy < 0 {
		return false
	}
	return true
}
