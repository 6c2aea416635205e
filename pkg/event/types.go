package event

import (
	"time"

	"github.com/google/uuid"

	"github.com/getrelayd/relayd/pkg/store"
)

// Type names a kind of domain event. The set is closed.
type Type string

// The closed set of domain events.
const (
	TypeUserCreated Type = "user.created"
	TypeUserUpdated Type = "user.updated"
	TypeUserDeleted Type = "user.deleted"
	TypeMessageSent Type = "message.sent"
)

// Event is a typed record emitted by a business operation. Exactly the
// fields belonging to its Type are set: User for user.created, UserID and
// Changes for user.updated, UserID for user.deleted, Message for
// message.sent.
type Event struct {
	ID            string    `json:"eventId"`
	Type          Type      `json:"eventType"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlationId,omitempty"`

	User    *store.User    `json:"user,omitempty"`
	UserID  string         `json:"userId,omitempty"`
	Changes map[string]any `json:"changes,omitempty"`
	Message *store.Message `json:"message,omitempty"`
}

func newEvent(typ Type) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      typ,
		Timestamp: time.Now(),
	}
}

// NewUserCreated builds a user.created event.
func NewUserCreated(u *store.User) Event {
	ev := newEvent(TypeUserCreated)
	ev.User = u
	if u != nil {
		ev.UserID = u.ID
	}
	return ev
}

// NewUserUpdated builds a user.updated event carrying the changed fields.
func NewUserUpdated(userID string, changes map[string]any) Event {
	ev := newEvent(TypeUserUpdated)
	ev.UserID = userID
	ev.Changes = changes
	return ev
}

// NewUserDeleted builds a user.deleted event.
func NewUserDeleted(userID string) Event {
	ev := newEvent(TypeUserDeleted)
	ev.UserID = userID
	return ev
}

// NewMessageSent builds a message.sent event.
func NewMessageSent(m *store.Message) Event {
	ev := newEvent(TypeMessageSent)
	ev.Message = m
	return ev
}
