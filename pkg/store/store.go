package store

import (
	"context"
	"time"
)

// Error is a simple error type for store errors.
// It allows defining sentinel errors as constants.
type Error string

// Error implements the error interface.
func (e Error) Error() string { return string(e) }

// Sentinel errors for repository operations.
var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = Error("record not found")

	// ErrDuplicate is returned when creating a record whose ID or unique
	// key already exists.
	ErrDuplicate = Error("record already exists")

	// ErrMissingID is returned when a record has no ID.
	ErrMissingID = Error("record ID is required")
)

// User is a registered account.
type User struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	Email       string    `json:"email,omitempty"`
	DisplayName string    `json:"displayName,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Message is a persisted chat message. Exactly one of ChannelID or
// RecipientID is normally set: channel messages fan out to a channel topic,
// direct messages to the recipient's user topic.
type Message struct {
	ID          string    `json:"id"`
	SenderID    string    `json:"senderId"`
	ChannelID   string    `json:"channelId,omitempty"`
	RecipientID string    `json:"recipientId,omitempty"`
	Content     any       `json:"content"`
	SentAt      time.Time `json:"sentAt"`
}

// UserRepository is the persistence contract for users. The server core
// consumes this interface; backends are pluggable.
type UserRepository interface {
	Create(ctx context.Context, u *User) error
	FindByID(ctx context.Context, id string) (*User, error)
	FindByUsername(ctx context.Context, username string) (*User, error)
	Update(ctx context.Context, u *User) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*User, error)
}

// MessageRepository is the persistence contract for messages.
type MessageRepository interface {
	Create(ctx context.Context, m *Message) error
	FindByID(ctx context.Context, id string) (*Message, error)
	ListByChannel(ctx context.Context, channelID string, limit int) ([]*Message, error)
	ListByRecipient(ctx context.Context, recipientID string, limit int) ([]*Message, error)
}
