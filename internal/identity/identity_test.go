package identity

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"go.klb.dev/meshclip/internal/kvstore"
)

func TestGetGeneratesAndPersists(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemStore()
	clock := clockwork.NewFakeClock()
	svc := New(store, clock)

	id1, err := svc.Get(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, id1.DeviceID)
	require.NotEmpty(t, id1.PrivateKey)

	// A fresh Service reading the same store rehydrates the identical identity.
	svc2 := New(store, clock)
	id2, err := svc2.Get(ctx)
	require.NoError(t, err)
	if diff := cmp.Diff(id1, id2); diff != "" {
		t.Errorf("rehydrated identity differs from the original (-want +got):\n%s", diff)
	}
}

func TestDeviceIDStableAcrossRestarts(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemStore()
	clock := clockwork.NewFakeClock()

	id, err := New(store, clock).Get(ctx)
	require.NoError(t, err)

	derived, err := DeviceIDFromPublicKey(id.PublicKey)
	require.NoError(t, err)
	require.Equal(t, id.DeviceID, derived)

	derivedAgain, err := DeviceIDFromPublicKey(id.PublicKey)
	require.NoError(t, err)
	require.Equal(t, derived, derivedAgain)
}

func TestDistinctKeysYieldDistinctDeviceIDs(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()

	idA, err := New(kvstore.NewMemStore(), clock).Get(ctx)
	require.NoError(t, err)
	idB, err := New(kvstore.NewMemStore(), clock).Get(ctx)
	require.NoError(t, err)

	require.NotEqual(t, idA.DeviceID, idB.DeviceID)
}

func TestRenameAndUpdateMultiaddrs(t *testing.T) {
	ctx := context.Background()
	svc := New(kvstore.NewMemStore(), clockwork.NewFakeClock())
	_, err := svc.Get(ctx)
	require.NoError(t, err)

	require.NoError(t, svc.Rename(ctx, "laptop"))
	id, err := svc.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, "laptop", id.DeviceName)

	require.NoError(t, svc.UpdateMultiaddrs(ctx, []string{"/ip4/1.2.3.4/tcp/4001/p2p/" + id.DeviceID}))
	id, err = svc.Get(ctx)
	require.NoError(t, err)
	require.Len(t, id.Multiaddrs, 1)
}

func TestPublicViewStripsPrivateKey(t *testing.T) {
	ctx := context.Background()
	svc := New(kvstore.NewMemStore(), clockwork.NewFakeClock())
	id, err := svc.Get(ctx)
	require.NoError(t, err)

	pub := PublicView(id)
	require.Equal(t, id.DeviceID, pub.DeviceID)
	require.Equal(t, id.PublicKey, pub.PublicKey)
}

func TestMismatchedStoredPublicKeyIsReconciled(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemStore()
	clock := clockwork.NewFakeClock()

	id, err := New(store, clock).Get(ctx)
	require.NoError(t, err)

	// Corrupt the stored DeviceID/PublicKey but keep the private key intact;
	// the derived value from PrivateKey must win on next load.
	corrupted := id
	corrupted.DeviceID = "bogus"
	corrupted.PublicKey = []byte("bogus")
	raw, err := json.Marshal(corrupted)
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, StateKey, raw))

	reloaded, err := New(store, clock).Get(ctx)
	require.NoError(t, err)
	require.Equal(t, id.DeviceID, reloaded.DeviceID)
	require.Equal(t, id.PublicKey, reloaded.PublicKey)
}
