package tests

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/code-payments/purchases-go/kv"
)

func RunStoreTests(t *testing.T, s kv.Store, teardown func()) {
	for _, tf := range []func(t *testing.T, s kv.Store){
		testRoundTrip,
		testSetIfAbsent,
		testDelete,
		testKeysWithPrefix,
	} {
		tf(t, s)
		teardown()
	}
}

func testRoundTrip(t *testing.T, s kv.Store) {
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	require.ErrorIs(t, err, kv.ErrNotFound)

	require.NoError(t, s.Set(ctx, "k", []byte("v1")))

	value, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), value)

	// Overwrite replaces the value wholesale.
	require.NoError(t, s.Set(ctx, "k", []byte("v2")))

	value, err = s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), value)

	// Mutating the returned slice must not affect the stored value.
	value[0] = 'x'
	value, err = s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), value)
}

func testSetIfAbsent(t *testing.T, s kv.Store) {
	ctx := context.Background()

	require.NoError(t, s.SetIfAbsent(ctx, "k", []byte("first")))
	require.ErrorIs(t, s.SetIfAbsent(ctx, "k", []byte("second")), kv.ErrExists)

	value, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("first"), value)
}

func testDelete(t *testing.T, s kv.Store) {
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v")))
	require.NoError(t, s.Delete(ctx, "k"))

	_, err := s.Get(ctx, "k")
	require.ErrorIs(t, err, kv.ErrNotFound)

	// Deleting an absent key is a no-op.
	require.NoError(t, s.Delete(ctx, "k"))
}

func testKeysWithPrefix(t *testing.T, s kv.Store) {
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Set(ctx, fmt.Sprintf("sdk.attributes.user%d", i), []byte("a")))
	}
	require.NoError(t, s.Set(ctx, "sdk.appUserID", []byte("user0")))

	keys, err := s.KeysWithPrefix(ctx, "sdk.attributes.")
	require.NoError(t, err)
	require.Len(t, keys, 5)

	keys, err = s.KeysWithPrefix(ctx, "other.")
	require.NoError(t, err)
	require.Empty(t, keys)
}
