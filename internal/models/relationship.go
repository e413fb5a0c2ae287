package models

import "time"

// RelationshipStatus is the state of a directed like/pass edge.
type RelationshipStatus string

const (
	StatusPending  RelationshipStatus = "PENDING"
	StatusAccepted RelationshipStatus = "ACCEPTED"
	StatusRejected RelationshipStatus = "REJECTED"
	StatusBlocked  RelationshipStatus = "BLOCKED"
)

// ExcludedStatuses are the edge states the candidate query filters out.
// REJECTED is deliberately absent: passed users are excluded only through
// the cache/buffer exclusion list and may resurface once it is cleared.
var ExcludedStatuses = []RelationshipStatus{StatusAccepted, StatusBlocked, StatusPending}

// Relationship is a directed edge between two users.
type Relationship struct {
	ID         string             `json:"id"`
	SenderID   string             `json:"senderId"`
	ReceiverID string             `json:"receiverId"`
	Status     RelationshipStatus `json:"status"`
	CreatedAt  time.Time          `json:"createdAt"`
	UpdatedAt  time.Time          `json:"updatedAt"`
}
