package team

import "time"

// Profile mirrors the teams table.
type Profile struct {
	ID        string
	Name      string
	Plan      string
	CreatedAt time.Time
}
