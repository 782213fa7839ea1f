package e2ee

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"
)

func newTestOlmManager(t *testing.T) (*OlmSessionManager, *fakeProvider, *fakeTransport) {
	t.Helper()
	provider := newFakeProvider(t)
	transport := newFakeTransport()
	manager := NewOlmSessionManager(discardLogger(), provider, transport, NewMemoryStore())
	return manager, provider, transport
}

func TestEnsureCreatesSessionOnce(t *testing.T) {
	manager, provider, transport := newTestOlmManager(t)
	dev := newTestDevice(t, "@alice:example.org", "ALPHA")
	transport.addOneTimeKey(dev.identity.UserID, dev.identity.DeviceID, dev.oneTimeKey(t))

	request := map[id.UserID][]*DeviceIdentity{dev.identity.UserID: {dev.identity}}

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results, err := manager.Ensure(context.Background(), request, false)
			assert.NoError(t, err)
			result, ok := results.Get(dev.identity.UserID, dev.identity.DeviceID)
			assert.True(t, ok)
			assert.NotNil(t, result.Session)
		}()
	}
	wg.Wait()

	pairwise, _, _ := provider.counts()
	assert.Equal(t, 1, pairwise, "concurrent Ensure calls must share one session")
	assert.Equal(t, 1, transport.claimCalls, "only the first caller may claim")
}

func TestEnsureRejectsBadOneTimeKeySignature(t *testing.T) {
	manager, provider, transport := newTestOlmManager(t)
	dev := newTestDevice(t, "@alice:example.org", "ALPHA")
	imposter := newTestDevice(t, "@alice:example.org", "ALPHA")
	// A key signed by a different device key must never produce a session.
	transport.addOneTimeKey(dev.identity.UserID, dev.identity.DeviceID, imposter.oneTimeKey(t))

	results, err := manager.Ensure(context.Background(), map[id.UserID][]*DeviceIdentity{
		dev.identity.UserID: {dev.identity},
	}, false)
	require.NoError(t, err)

	result, ok := results.Get(dev.identity.UserID, dev.identity.DeviceID)
	require.True(t, ok)
	assert.Nil(t, result.Session)
	pairwise, _, _ := provider.counts()
	assert.Zero(t, pairwise)
}

func TestEnsureUsesFallbackKeyWithoutClaim(t *testing.T) {
	manager, _, transport := newTestOlmManager(t)
	dev := newTestDevice(t, "@alice:example.org", "ALPHA")
	dev.identity.FallbackKey = dev.fallbackKey(t)

	results, err := manager.Ensure(context.Background(), map[id.UserID][]*DeviceIdentity{
		dev.identity.UserID: {dev.identity},
	}, false)
	require.NoError(t, err)

	result, ok := results.Get(dev.identity.UserID, dev.identity.DeviceID)
	require.True(t, ok)
	assert.NotNil(t, result.Session)
	assert.Zero(t, transport.claimCalls)
}

func TestEnsureRetriesClaim(t *testing.T) {
	manager, _, transport := newTestOlmManager(t)
	dev := newTestDevice(t, "@alice:example.org", "ALPHA")
	transport.addOneTimeKey(dev.identity.UserID, dev.identity.DeviceID, dev.oneTimeKey(t))
	transport.claimErrs = []error{errors.New("boom"), errors.New("boom")}

	results, err := manager.Ensure(context.Background(), map[id.UserID][]*DeviceIdentity{
		dev.identity.UserID: {dev.identity},
	}, false)
	require.NoError(t, err)
	assert.Equal(t, 3, transport.claimCalls)

	result, _ := results.Get(dev.identity.UserID, dev.identity.DeviceID)
	assert.NotNil(t, result.Session)
}

func TestEnsureFailsWhenClaimExhausted(t *testing.T) {
	manager, _, transport := newTestOlmManager(t)
	dev := newTestDevice(t, "@alice:example.org", "ALPHA")
	transport.addOneTimeKey(dev.identity.UserID, dev.identity.DeviceID, dev.oneTimeKey(t))
	boom := errors.New("boom")
	transport.claimErrs = []error{boom, boom, boom}

	_, err := manager.Ensure(context.Background(), map[id.UserID][]*DeviceIdentity{
		dev.identity.UserID: {dev.identity},
	}, false)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 3, transport.claimCalls)
}

func TestEnsureSkipsDeviceWithoutIdentityKey(t *testing.T) {
	manager, provider, _ := newTestOlmManager(t)
	dev := newTestDevice(t, "@alice:example.org", "ALPHA")
	dev.identity.IdentityKey = ""

	results, err := manager.Ensure(context.Background(), map[id.UserID][]*DeviceIdentity{
		dev.identity.UserID: {dev.identity},
	}, false)
	require.NoError(t, err)

	result, ok := results.Get(dev.identity.UserID, dev.identity.DeviceID)
	require.True(t, ok)
	assert.Nil(t, result.Session)
	pairwise, _, _ := provider.counts()
	assert.Zero(t, pairwise)
}

func TestDecryptPreKeyCreatesInboundSession(t *testing.T) {
	manager, provider, _ := newTestOlmManager(t)
	senderKey := randomCurveKey(t)

	plaintext, err := manager.Decrypt(context.Background(), senderKey, id.OlmMsgTypePreKey, "hello")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), plaintext)

	_, inbound, _ := provider.counts()
	assert.Equal(t, 1, inbound)

	// The session sticks around for subsequent normal messages.
	plaintext, err = manager.Decrypt(context.Background(), senderKey, id.OlmMsgTypeMsg, "again")
	require.NoError(t, err)
	assert.Equal(t, []byte("again"), plaintext)
	_, inbound, _ = provider.counts()
	assert.Equal(t, 1, inbound)
}

func TestDecryptNormalMessageWithoutSession(t *testing.T) {
	manager, _, _ := newTestOlmManager(t)
	_, err := manager.Decrypt(context.Background(), randomCurveKey(t), id.OlmMsgTypeMsg, "hello")
	require.ErrorIs(t, err, ErrNoSessionForDevice)
}
