package presence

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tandemlab/tandem/internal/store"
)

func newRegistry(t *testing.T) (*Registry, *store.Memory) {
	t.Helper()
	kv := store.NewMemory(nil)
	return New(kv, "p1", "Ada", clockwork.NewFakeClock()), kv
}

func readRecord(t *testing.T, kv *store.Memory, key string) Record {
	t.Helper()
	entry, err := kv.Get(context.Background(), key)
	require.NoError(t, err)
	var rec Record
	require.NoError(t, json.Unmarshal(entry.Value, &rec))
	return rec
}

func TestRegisterWritesOnlineAndCloseFlipsOffline(t *testing.T) {
	ctx := context.Background()
	r, kv := newRegistry(t)

	require.NoError(t, r.Register(ctx))
	rec := readRecord(t, kv, "presence.p1")
	assert.True(t, rec.Online)
	assert.Equal(t, "Ada", rec.DisplayName)

	r.Close(ctx)
	rec = readRecord(t, kv, "presence.p1")
	assert.False(t, rec.Online)
}

func TestHooksRunOnceInOrder(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t)

	var ran []string
	r.OnDisconnect(func(context.Context) { ran = append(ran, "first") })
	r.OnDisconnect(func(context.Context) { ran = append(ran, "second") })

	r.Close(ctx)
	r.Close(ctx) // reentrant close must not re-run hooks
	assert.Equal(t, []string{"first", "second"}, ran)
}

func TestRemovedHookDoesNotRun(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t)

	ran := false
	handle := r.OnDisconnect(func(context.Context) { ran = true })
	r.RemoveHook(handle)

	r.Close(ctx)
	assert.False(t, ran)
}

func TestSetStatus(t *testing.T) {
	ctx := context.Background()
	r, kv := newRegistry(t)

	require.NoError(t, r.SetStatus(ctx, StatusSearching, "lobby"))

	entry, err := kv.Get(ctx, "userstatus.p1")
	require.NoError(t, err)
	var rec StatusRecord
	require.NoError(t, json.Unmarshal(entry.Value, &rec))
	assert.Equal(t, StatusSearching, rec.Status)
	assert.Equal(t, "lobby", rec.CurrentScreen)
}
