// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 neoai.nvim Contributors

package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/kernitus/neoai.nvim-sub001/internal/store"
	neoerr "github.com/kernitus/neoai.nvim-sub001/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_SessionLifecycle(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, ms.CreateSession(ctx, &store.Session{ID: "a", Title: "a", CreatedAt: base}))
	require.NoError(t, ms.CreateSession(ctx, &store.Session{ID: "b", Title: "b", CreatedAt: base.Add(time.Second)}))

	err := ms.CreateSession(ctx, &store.Session{ID: "a", CreatedAt: base})
	assert.True(t, neoerr.IsConflict(err))

	list, err := ms.ListSessions(ctx, store.ListOpts{})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].ID)

	require.NoError(t, ms.AppendTurn(ctx, &store.Turn{SessionID: "a", Kind: store.TurnUserMessage,
		CreatedAt: base.Add(time.Minute)}))
	list, err = ms.ListSessions(ctx, store.ListOpts{})
	require.NoError(t, err)
	assert.Equal(t, "a", list[0].ID, "activity reorders the list")

	require.NoError(t, ms.UpdateSession(ctx, &store.Session{ID: "b", Title: "renamed"}))
	got, err := ms.GetSession(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Title)

	require.NoError(t, ms.DeleteSession(ctx, "a"))
	_, err = ms.ListTurns(ctx, "a")
	assert.True(t, neoerr.IsNotFound(err))
}

func TestMemoryStore_TurnsAreCopies(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	require.NoError(t, ms.CreateSession(ctx, &store.Session{ID: "s", CreatedAt: time.Now()}))

	turn := &store.Turn{SessionID: "s", Kind: store.TurnUserMessage, Text: "original"}
	require.NoError(t, ms.AppendTurn(ctx, turn))
	assert.Equal(t, int64(1), turn.Seq)
	turn.Text = "mutated"

	got, err := ms.ListTurns(ctx, "s")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "original", got[0].Text)
}

func TestMemoryStore_Pagination(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	base := time.Now()
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, ms.CreateSession(ctx, &store.Session{ID: id, CreatedAt: base.Add(time.Duration(i) * time.Second)}))
	}
	page, err := ms.ListSessions(ctx, store.ListOpts{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "b", page[0].ID)

	page, err = ms.ListSessions(ctx, store.ListOpts{Offset: 5})
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := store.Open(store.StorageConfig{Backend: "unknown"}, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown")
	assert.True(t, neoerr.HasCode(err, neoerr.CodeStoreBackendUnsupported))
}

func TestOpenMemoryBackend(t *testing.T) {
	ss, err := store.Open(store.StorageConfig{Backend: "memory"}, "")
	require.NoError(t, err)
	assert.IsType(t, &store.MemoryStore{}, ss)
	assert.Contains(t, store.Backends(), "memory")
}
