package domain

import "time"

// Group represents an operator group tickets are assigned to.
type Group struct {
	ID          string
	Name        string
	Description string
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
