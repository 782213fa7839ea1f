package e2ee

import (
	"context"
	"encoding/base64"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) (*InboundRegistry, *fakeProvider, *MemoryStore) {
	t.Helper()
	provider := newFakeProvider(t)
	store := NewMemoryStore()
	registry, err := NewInboundRegistry(discardLogger(), provider, store)
	require.NoError(t, err)
	return registry, provider, store
}

func groupCiphertext(sessionID string, index uint, body string) []byte {
	return fmt.Appendf(nil, "%s|%d|%s", sessionID, index,
		base64.RawStdEncoding.EncodeToString([]byte(body)))
}

func TestHolderRejectsReusedChainIndex(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	senderKey := randomCurveKey(t)
	holder, err := registry.Receive(context.Background(), testRoomID, senderKey, "claimed", []byte("sk|S1|0"))
	require.NoError(t, err)

	plaintext, index, err := holder.Decrypt(context.Background(), groupCiphertext("S1", 1, "hello"), "$first")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), plaintext)
	assert.Equal(t, uint(1), index)

	// Same event replayed: fine.
	_, _, err = holder.Decrypt(context.Background(), groupCiphertext("S1", 1, "hello"), "$first")
	assert.NoError(t, err)

	// Same index under a different event: rejected.
	_, _, err = holder.Decrypt(context.Background(), groupCiphertext("S1", 1, "forged"), "$second")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already used")
}

func TestReceiveKeepsExistingHolder(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	senderKey := randomCurveKey(t)

	first, err := registry.Receive(context.Background(), testRoomID, senderKey, "claimed", []byte("sk|S1|0"))
	require.NoError(t, err)
	second, err := registry.Receive(context.Background(), testRoomID, senderKey, "claimed", []byte("sk|S1|0"))
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestGetUnknownSession(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	holder, err := registry.Get(context.Background(), randomCurveKey(t), "nope")
	require.NoError(t, err)
	assert.Nil(t, holder)
}

func TestGetHydratesFromStore(t *testing.T) {
	registry, provider, store := newTestRegistry(t)
	senderKey := randomCurveKey(t)
	_, err := registry.Receive(context.Background(), testRoomID, senderKey, "claimed", []byte("sk|S1|3"))
	require.NoError(t, err)

	// A new registry over the same store sees the pickled session.
	restarted, err := NewInboundRegistry(discardLogger(), provider, store)
	require.NoError(t, err)
	holder, err := restarted.Get(context.Background(), senderKey, "S1")
	require.NoError(t, err)
	require.NotNil(t, holder)
	assert.Equal(t, testRoomID, holder.RoomID)
	assert.Equal(t, "claimed", string(holder.SenderClaimedKey))
	assert.Equal(t, uint32(3), holder.FirstKnownIndex())
}

func TestReplayDetectionSurvivesRehydration(t *testing.T) {
	registry, provider, store := newTestRegistry(t)
	senderKey := randomCurveKey(t)
	holder, err := registry.Receive(context.Background(), testRoomID, senderKey, "claimed", []byte("sk|S1|0"))
	require.NoError(t, err)

	_, _, err = holder.Decrypt(context.Background(), groupCiphertext("S1", 1, "hello"), "$first")
	require.NoError(t, err)

	// A holder minted fresh from the store, as after an eviction or restart,
	// still knows which chain indices were spent.
	restarted, err := NewInboundRegistry(discardLogger(), provider, store)
	require.NoError(t, err)
	rehydrated, err := restarted.Get(context.Background(), senderKey, "S1")
	require.NoError(t, err)
	require.NotNil(t, rehydrated)

	_, _, err = rehydrated.Decrypt(context.Background(), groupCiphertext("S1", 1, "forged"), "$second")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already used")
}

func TestImportStartsMidChain(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	senderKey := randomCurveKey(t)
	holder, err := registry.Import(context.Background(), testRoomID, senderKey, "claimed", []byte("exp|S9|7"))
	require.NoError(t, err)
	assert.Equal(t, uint32(7), holder.FirstKnownIndex())
}
