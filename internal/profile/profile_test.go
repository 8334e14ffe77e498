// ABOUTME: Tests for the profile directory and its cache
// ABOUTME: Uses MockStore and an in-memory Cache fake

package profile

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/pairchat/internal/store"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"+1 555-0100", "+15550100"},
		{" 555 0100 ", "5550100"},
		{"(555) 0100", "5550100"},
		{"1+555", "1555"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizePhone(tt.in))
		})
	}
}

func TestDirectory_CreateAndLookup(t *testing.T) {
	ctx := t.Context()
	dir := NewDirectory(store.NewMockStore(), nil)

	u, err := dir.Create(ctx, "+1 555-0100", "  Alice ", "avatars/alice.png")
	require.NoError(t, err)
	assert.Equal(t, "+15550100", u.Phone)
	assert.Equal(t, "Alice", u.Name)

	byPhone, err := dir.GetByPhone(ctx, "+1 (555) 0100")
	require.NoError(t, err)
	assert.Equal(t, u.ID, byPhone.ID)

	p, err := dir.GetProfile(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, Profile{UserID: u.ID, Name: "Alice", AvatarRef: "avatars/alice.png"}, p)
}

func TestDirectory_CreateRejects(t *testing.T) {
	ctx := t.Context()
	dir := NewDirectory(store.NewMockStore(), nil)

	_, err := dir.Create(ctx, "12", "Bob", "")
	assert.ErrorIs(t, err, store.ErrInvalidArgument)

	_, err = dir.Create(ctx, "+15550100", "   ", "")
	assert.ErrorIs(t, err, store.ErrInvalidArgument)

	_, err = dir.Create(ctx, "+15550100", strings.Repeat("x", MaxNameLength+1), "")
	assert.ErrorIs(t, err, store.ErrInvalidArgument)

	_, err = dir.Create(ctx, "+15550100", "Bob", "")
	require.NoError(t, err)
	_, err = dir.Create(ctx, "+1 555 0100", "Bobby", "")
	assert.ErrorIs(t, err, store.ErrDuplicate)
}

func TestDirectory_Update(t *testing.T) {
	ctx := t.Context()
	dir := NewDirectory(store.NewMockStore(), nil)
	u, err := dir.Create(ctx, "+15550100", "Alice", "a.png")
	require.NoError(t, err)

	name := "Alicia"
	updated, err := dir.Update(ctx, u.ID, Update{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "Alicia", updated.Name)
	assert.Equal(t, "a.png", updated.AvatarRef, "nil fields are left alone")

	_, err = dir.Update(ctx, "nobody", Update{Name: &name})
	assert.ErrorIs(t, err, store.ErrNotFound)

	empty := ""
	_, err = dir.Update(ctx, u.ID, Update{Name: &empty})
	assert.ErrorIs(t, err, store.ErrInvalidArgument)
}

// memCache is an in-memory Cache that counts reads and can be made to fail.
type memCache struct {
	mu     sync.Mutex
	data   map[string]string
	hits   int
	failed error
}

func newMemCache() *memCache {
	return &memCache{data: make(map[string]string)}
}

func (m *memCache) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failed != nil {
		return "", m.failed
	}
	v, ok := m.data[key]
	if !ok {
		return "", ErrMiss
	}
	m.hits++
	return v, nil
}

func (m *memCache) Set(_ context.Context, key, value string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failed != nil {
		return m.failed
	}
	m.data[key] = value
	return nil
}

func (m *memCache) Del(_ context.Context, keys ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := m.data[k]; ok {
			delete(m.data, k)
			n++
		}
	}
	return n, nil
}

func (m *memCache) Ping(context.Context) error { return nil }
func (m *memCache) Close() error               { return nil }

func TestCachedDirectory_ReadThroughAndInvalidate(t *testing.T) {
	ctx := t.Context()
	cache := newMemCache()
	dir := NewCachedDirectory(NewDirectory(store.NewMockStore(), nil), cache, time.Minute, nil)

	u, err := dir.Create(ctx, "+15550100", "Alice", "")
	require.NoError(t, err)

	p, err := dir.GetProfile(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "Alice", p.Name)
	assert.Equal(t, 0, cache.hits)

	p, err = dir.GetProfile(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "Alice", p.Name)
	assert.Equal(t, 1, cache.hits)

	name := "Alicia"
	_, err = dir.Update(ctx, u.ID, Update{Name: &name})
	require.NoError(t, err)

	p, err = dir.GetProfile(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "Alicia", p.Name, "update drops the stale entry")
}

func TestCachedDirectory_CacheOutageFallsBack(t *testing.T) {
	ctx := t.Context()
	cache := newMemCache()
	dir := NewCachedDirectory(NewDirectory(store.NewMockStore(), nil), cache, 0, nil)
	u, err := dir.Create(ctx, "+15550100", "Alice", "")
	require.NoError(t, err)

	cache.failed = errors.New("connection refused")
	p, err := dir.GetProfile(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "Alice", p.Name)
}

func TestCachedDirectory_MissingUser(t *testing.T) {
	dir := NewCachedDirectory(NewDirectory(store.NewMockStore(), nil), newMemCache(), 0, nil)
	_, err := dir.GetProfile(t.Context(), "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
