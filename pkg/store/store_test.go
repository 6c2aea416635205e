package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserRepositoryCRUD(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryUserRepository()

	u := &User{Username: "alice", Email: "alice@example.com"}
	require.NoError(t, repo.Create(ctx, u))
	require.NotEmpty(t, u.ID)

	got, err := repo.FindByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)

	byName, err := repo.FindByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, u.ID, byName.ID)

	got.DisplayName = "Alice"
	require.NoError(t, repo.Update(ctx, got))

	updated, err := repo.FindByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "Alice", updated.DisplayName)

	require.NoError(t, repo.Delete(ctx, u.ID))
	_, err = repo.FindByID(ctx, u.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = repo.FindByUsername(ctx, "alice")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUserRepositoryDuplicates(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryUserRepository()

	require.NoError(t, repo.Create(ctx, &User{ID: "u1", Username: "bob"}))
	assert.ErrorIs(t, repo.Create(ctx, &User{ID: "u1", Username: "other"}), ErrDuplicate)
	assert.ErrorIs(t, repo.Create(ctx, &User{ID: "u2", Username: "bob"}), ErrDuplicate)
}

func TestUserRepositoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryUserRepository()
	require.NoError(t, repo.Create(ctx, &User{ID: "u1", Username: "carol"}))

	got, err := repo.FindByID(ctx, "u1")
	require.NoError(t, err)
	got.Username = "mutated"

	again, err := repo.FindByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "carol", again.Username)
}

func TestMessageRepositoryListFilters(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryMessageRepository()

	require.NoError(t, repo.Create(ctx, &Message{SenderID: "u1", ChannelID: "general", Content: "one"}))
	require.NoError(t, repo.Create(ctx, &Message{SenderID: "u2", ChannelID: "general", Content: "two"}))
	require.NoError(t, repo.Create(ctx, &Message{SenderID: "u1", RecipientID: "u3", Content: "dm"}))

	channel, err := repo.ListByChannel(ctx, "general", 0)
	require.NoError(t, err)
	require.Len(t, channel, 2)
	assert.Equal(t, "one", channel[0].Content)
	assert.Equal(t, "two", channel[1].Content)

	limited, err := repo.ListByChannel(ctx, "general", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "two", limited[0].Content)

	dms, err := repo.ListByRecipient(ctx, "u3", 10)
	require.NoError(t, err)
	require.Len(t, dms, 1)
	assert.Equal(t, "dm", dms[0].Content)
}
