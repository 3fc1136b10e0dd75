package agent

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySessionStoreRoundTrip(t *testing.T) {
	store := NewMemorySessionStore(time.Minute)
	ctx := context.Background()

	missing, err := store.Get(ctx, "+525512345678")
	require.NoError(t, err)
	assert.Nil(t, missing)

	sess := &Session{Phone: "+525512345678"}
	sess.Append(RoleUser, "quiero una cita", 20)
	require.NoError(t, store.Put(ctx, sess))

	// Lookup normalizes the phone to digits.
	got, err := store.Get(ctx, "52 55 1234 5678")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Len(t, got.History, 1)
	assert.Equal(t, "quiero una cita", got.History[0].Text)

	require.NoError(t, store.Delete(ctx, "+525512345678"))
	got, err = store.Get(ctx, "+525512345678")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemorySessionStoreExpiry(t *testing.T) {
	store := NewMemorySessionStore(10 * time.Millisecond)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, &Session{Phone: "+525512345678"}))
	time.Sleep(25 * time.Millisecond)

	got, err := store.Get(ctx, "+525512345678")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSessionAppendCapsHistory(t *testing.T) {
	sess := &Session{Phone: "+52"}
	for i := 0; i < 6; i++ {
		sess.Append(RoleUser, "turno", 4)
	}
	assert.Len(t, sess.History, 4)
}

func TestRedisSessionStoreRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisSessionStore(client, time.Minute)
	ctx := context.Background()

	missing, err := store.Get(ctx, "+525512345678")
	require.NoError(t, err)
	assert.Nil(t, missing)

	sess := &Session{Phone: "+525512345678"}
	sess.Append(RoleUser, "hola", 20)
	sess.Append(RoleModel, "¡Hola! ¿Con qué doctor quieres tu cita?", 20)
	require.NoError(t, store.Put(ctx, sess))

	got, err := store.Get(ctx, "+525512345678")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Len(t, got.History, 2)
	assert.Equal(t, RoleModel, got.History[1].Role)

	// The key expires with the inactivity timeout.
	mr.FastForward(2 * time.Minute)
	got, err = store.Get(ctx, "+525512345678")
	require.NoError(t, err)
	assert.Nil(t, got)
}
