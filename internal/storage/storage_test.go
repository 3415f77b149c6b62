package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	err := store.Set(ctx, &Credential{
		Sub:          "106839298489238234823",
		RefreshToken: "1//refresh-abc",
		Email:        "user@example.com",
		Scopes:       []string{"openid", "email"},
	})
	require.NoError(t, err)

	cred, err := store.Get(ctx, "106839298489238234823")
	require.NoError(t, err)
	assert.Equal(t, "1//refresh-abc", cred.RefreshToken)
	assert.Equal(t, "user@example.com", cred.Email)
	assert.Equal(t, []string{"openid", "email"}, cred.Scopes)
	assert.False(t, cred.UpdatedAt.IsZero())
}

func TestMemoryStoreNotFound(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.Get(context.Background(), "does-not-exist")
	assert.ErrorIs(t, err, ErrCredentialNotFound)
}

func TestMemoryStoreLastWriteWins(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	sub := "106839298489238234823"

	require.NoError(t, store.Set(ctx, &Credential{Sub: sub, RefreshToken: "first"}))
	require.NoError(t, store.Set(ctx, &Credential{Sub: sub, RefreshToken: "second"}))

	cred, err := store.Get(ctx, sub)
	require.NoError(t, err)
	assert.Equal(t, "second", cred.RefreshToken)
}

func TestMemoryStoreDeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	sub := "106839298489238234823"

	require.NoError(t, store.Set(ctx, &Credential{Sub: sub, RefreshToken: "tok"}))
	require.NoError(t, store.Delete(ctx, sub))
	require.NoError(t, store.Delete(ctx, sub))

	_, err := store.Get(ctx, sub)
	assert.ErrorIs(t, err, ErrCredentialNotFound)
}

func TestMemoryStoreSetLeavesArgumentUntouched(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	cred := &Credential{Sub: "106839298489238234823", RefreshToken: "tok"}
	require.NoError(t, store.Set(ctx, cred))

	assert.True(t, cred.UpdatedAt.IsZero())

	stored, err := store.Get(ctx, cred.Sub)
	require.NoError(t, err)
	assert.False(t, stored.UpdatedAt.IsZero())
}

func TestMemoryStoreGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	sub := "106839298489238234823"

	require.NoError(t, store.Set(ctx, &Credential{Sub: sub, RefreshToken: "tok"}))

	cred, err := store.Get(ctx, sub)
	require.NoError(t, err)
	cred.RefreshToken = "mutated"

	again, err := store.Get(ctx, sub)
	require.NoError(t, err)
	assert.Equal(t, "tok", again.RefreshToken)
}
