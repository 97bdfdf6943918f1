package domain

import "time"

// Profile is the directory record linked to a requester or agent.
type Profile struct {
	ID        string
	FullName  string
	Email     string
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}
