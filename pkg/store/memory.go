package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/getrelayd/relayd/internal/id"
)

// Interface compliance checks.
var (
	_ UserRepository    = (*MemoryUserRepository)(nil)
	_ MessageRepository = (*MemoryMessageRepository)(nil)
)

// MemoryUserRepository is an in-memory UserRepository. Safe for concurrent
// use. Intended for development and tests; production deployments plug in a
// relational backend behind the same interface.
type MemoryUserRepository struct {
	mu         sync.RWMutex
	byID       map[string]*User
	byUsername map[string]string // username -> id
}

// NewMemoryUserRepository creates an empty in-memory user repository.
func NewMemoryUserRepository() *MemoryUserRepository {
	return &MemoryUserRepository{
		byID:       make(map[string]*User),
		byUsername: make(map[string]string),
	}
}

// Create stores a new user. A missing ID is assigned. Duplicate IDs or
// usernames fail with ErrDuplicate.
func (r *MemoryUserRepository) Create(ctx context.Context, u *User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if u.ID == "" {
		u.ID = id.UUID()
	}
	if _, exists := r.byID[u.ID]; exists {
		return ErrDuplicate
	}
	if u.Username != "" {
		if _, exists := r.byUsername[u.Username]; exists {
			return ErrDuplicate
		}
	}

	now := time.Now()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now

	cp := *u
	r.byID[u.ID] = &cp
	if u.Username != "" {
		r.byUsername[u.Username] = u.ID
	}
	return nil
}

// FindByID returns the user with the given ID, or ErrNotFound.
func (r *MemoryUserRepository) FindByID(ctx context.Context, userID string) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.byID[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

// FindByUsername returns the user with the given username, or ErrNotFound.
func (r *MemoryUserRepository) FindByUsername(ctx context.Context, username string) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	userID, ok := r.byUsername[username]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r.byID[userID]
	return &cp, nil
}

// Update replaces a stored user. Fails with ErrNotFound for unknown IDs.
func (r *MemoryUserRepository) Update(ctx context.Context, u *User) error {
	if u.ID == "" {
		return ErrMissingID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	old, ok := r.byID[u.ID]
	if !ok {
		return ErrNotFound
	}
	if old.Username != u.Username {
		delete(r.byUsername, old.Username)
		if u.Username != "" {
			r.byUsername[u.Username] = u.ID
		}
	}

	u.CreatedAt = old.CreatedAt
	u.UpdatedAt = time.Now()
	cp := *u
	r.byID[u.ID] = &cp
	return nil
}

// Delete removes a user. Fails with ErrNotFound for unknown IDs.
func (r *MemoryUserRepository) Delete(ctx context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.byID[userID]
	if !ok {
		return ErrNotFound
	}
	delete(r.byUsername, u.Username)
	delete(r.byID, userID)
	return nil
}

// List returns all users sorted by creation time.
func (r *MemoryUserRepository) List(ctx context.Context) ([]*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]*User, 0, len(r.byID))
	for _, u := range r.byID {
		cp := *u
		users = append(users, &cp)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].CreatedAt.Before(users[j].CreatedAt) })
	return users, nil
}

// MemoryMessageRepository is an in-memory MessageRepository. Safe for
// concurrent use.
type MemoryMessageRepository struct {
	mu   sync.RWMutex
	byID map[string]*Message
	// insertion order, newest last
	order []string
}

// NewMemoryMessageRepository creates an empty in-memory message repository.
func NewMemoryMessageRepository() *MemoryMessageRepository {
	return &MemoryMessageRepository{byID: make(map[string]*Message)}
}

// Create stores a new message. A missing ID is assigned.
func (r *MemoryMessageRepository) Create(ctx context.Context, m *Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m.ID == "" {
		m.ID = id.UUID()
	}
	if _, exists := r.byID[m.ID]; exists {
		return ErrDuplicate
	}
	if m.SentAt.IsZero() {
		m.SentAt = time.Now()
	}

	cp := *m
	r.byID[m.ID] = &cp
	r.order = append(r.order, m.ID)
	return nil
}

// FindByID returns the message with the given ID, or ErrNotFound.
func (r *MemoryMessageRepository) FindByID(ctx context.Context, msgID string) (*Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.byID[msgID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

// ListByChannel returns the most recent messages for a channel, newest last.
// A non-positive limit returns all.
func (r *MemoryMessageRepository) ListByChannel(ctx context.Context, channelID string, limit int) ([]*Message, error) {
	return r.listWhere(func(m *Message) bool { return m.ChannelID == channelID }, limit), nil
}

// ListByRecipient returns the most recent direct messages for a recipient,
// newest last. A non-positive limit returns all.
func (r *MemoryMessageRepository) ListByRecipient(ctx context.Context, recipientID string, limit int) ([]*Message, error) {
	return r.listWhere(func(m *Message) bool { return m.RecipientID == recipientID }, limit), nil
}

func (r *MemoryMessageRepository) listWhere(keep func(*Message) bool, limit int) []*Message {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Message
	for _, msgID := range r.order {
		if m := r.byID[msgID]; keep(m) {
			cp := *m
			out = append(out, &cp)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
