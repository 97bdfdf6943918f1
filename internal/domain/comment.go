package domain

import "time"

// CommentAuthorType indicates who authored a comment.
type CommentAuthorType string

const (
	AuthorTypeRequester CommentAuthorType = "requester"
	AuthorTypeAgent     CommentAuthorType = "agent"
	AuthorTypeSystem    CommentAuthorType = "system"
)

// CommentSource differentiates where a comment was written.
type CommentSource string

const (
	CommentSourceEmail      CommentSource = "email"
	CommentSourcePortal     CommentSource = "portal"
	CommentSourceAutomation CommentSource = "automation"
)

// Comment is a single entry in a ticket thread. Internal comments are
// hidden from the requester.
type Comment struct {
	ID          string
	TicketID    string
	AuthorType  CommentAuthorType
	AuthorID    *string
	AuthorEmail *string
	Body        string
	IsInternal  bool
	Source      CommentSource
	CreatedAt   time.Time
}
