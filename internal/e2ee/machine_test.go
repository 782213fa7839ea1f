package e2ee

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

func newTestMachine(t *testing.T, userID id.UserID, deviceID id.DeviceID) (*Machine, *fakeProvider, *fakeTransport) {
	t.Helper()
	provider := newFakeProvider(t)
	transport := newFakeTransport()
	machine, err := NewMachine(discardLogger(), provider, transport, NewMemoryStore(),
		userID, deviceID, Config{RotationMaxMessages: 100})
	require.NoError(t, err)
	t.Cleanup(machine.Close)
	return machine, provider, transport
}

func TestEncryptAndDecryptAcrossMachines(t *testing.T) {
	ctx := context.Background()
	alice := id.UserID("@alice:example.org")
	bob := id.UserID("@bob:example.org")

	aliceMachine, _, aliceTransport := newTestMachine(t, alice, "ALPHA")
	bobMachine, bobProvider, _ := newTestMachine(t, bob, "BETA")

	// Alice's directory knows Bob's real device.
	bobDev := providerDevice(t, bobProvider, bob, "BETA")
	aliceTransport.addDevice(bobDev.identity)
	aliceTransport.addOneTimeKey(bob, "BETA", bobDev.oneTimeKey(t))

	encrypted, err := aliceMachine.EncryptEvent(ctx, testRoomID, event.EventMessage,
		map[string]any{"msgtype": "m.text", "body": "hi bob"}, []id.UserID{bob})
	require.NoError(t, err)

	// Deliver the room key the way sync would.
	batches := aliceTransport.sentOfType(event.ToDeviceEncrypted)
	require.Len(t, batches, 1)
	msg, ok := batches[0].messages.Get(bob, "BETA")
	require.True(t, ok)
	raw, err := json.Marshal(msg.Parsed)
	require.NoError(t, err)

	evtType, _, err := bobMachine.HandleEncryptedToDevice(ctx, alice, raw)
	require.NoError(t, err)
	assert.Equal(t, event.ToDeviceRoomKey, evtType)

	decrypted, err := bobMachine.DecryptEvent(ctx, testRoomID, "$event1", encrypted)
	require.NoError(t, err)
	assert.Equal(t, "m.room.message", decrypted.Type.Type)
	assert.JSONEq(t, `{"msgtype":"m.text","body":"hi bob"}`, string(decrypted.Content))
	assert.Equal(t, uint(0), decrypted.ChainIndex)

	// Same ciphertext under a different event ID is a replay.
	_, err = bobMachine.DecryptEvent(ctx, testRoomID, "$event2", encrypted)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already used")

	// The envelope binds the sender.
	_, _, err = bobMachine.HandleEncryptedToDevice(ctx, "@mallory:example.org", raw)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sender")
}

func TestDecryptEventWrongRoom(t *testing.T) {
	ctx := context.Background()
	machine, _, _ := newTestMachine(t, "@bob:example.org", "BETA")
	senderKey := randomCurveKey(t)
	require.NoError(t, machine.HandleRoomKey(ctx, senderKey, "claimed", mustMarshal(t, roomKeyContent{
		Algorithm:  id.AlgorithmMegolmV1,
		RoomID:     testRoomID,
		SessionID:  "S1",
		SessionKey: "sk|S1|0",
	})))

	content := &EncryptedEventContent{
		Algorithm:  id.AlgorithmMegolmV1,
		SenderKey:  senderKey,
		SessionID:  "S1",
		Ciphertext: string(groupCiphertext("S1", 0, "{}")),
	}
	_, err := machine.DecryptEvent(ctx, "!other:example.org", "$evt", content)
	assert.ErrorIs(t, err, ErrWrongRoom)
}

func TestDecryptEventUnknownSession(t *testing.T) {
	machine, _, _ := newTestMachine(t, "@bob:example.org", "BETA")
	content := &EncryptedEventContent{
		Algorithm:  id.AlgorithmMegolmV1,
		SenderKey:  randomCurveKey(t),
		SessionID:  "never-shared",
		Ciphertext: "whatever",
	}
	_, err := machine.DecryptEvent(context.Background(), testRoomID, "$evt", content)
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestHandleEncryptedToDeviceRejectsWrongAlgorithm(t *testing.T) {
	machine, _, _ := newTestMachine(t, "@bob:example.org", "BETA")
	raw := mustMarshal(t, olmEncryptedContent{Algorithm: id.AlgorithmMegolmV1})
	_, _, err := machine.HandleEncryptedToDevice(context.Background(), "@alice:example.org", raw)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "algorithm")
}

func TestHandleEncryptedToDeviceRequiresOwnCiphertext(t *testing.T) {
	machine, _, _ := newTestMachine(t, "@bob:example.org", "BETA")
	raw := mustMarshal(t, olmEncryptedContent{
		Algorithm: id.AlgorithmOlmV1,
		SenderKey: randomCurveKey(t),
		Ciphertext: map[id.Curve25519]olmCiphertext{
			randomCurveKey(t): {Type: id.OlmMsgTypePreKey, Body: "nope"},
		},
	})
	_, _, err := machine.HandleEncryptedToDevice(context.Background(), "@alice:example.org", raw)
	assert.ErrorIs(t, err, ErrNoSessionForDevice)
}

func TestHandleRoomKeyIgnoresUnknownAlgorithm(t *testing.T) {
	ctx := context.Background()
	machine, _, _ := newTestMachine(t, "@bob:example.org", "BETA")
	senderKey := randomCurveKey(t)
	require.NoError(t, machine.HandleRoomKey(ctx, senderKey, "claimed", mustMarshal(t, roomKeyContent{
		Algorithm:  id.AlgorithmOlmV1,
		RoomID:     testRoomID,
		SessionID:  "S1",
		SessionKey: "sk|S1|0",
	})))

	holder, err := machine.inbound.Get(ctx, senderKey, "S1")
	require.NoError(t, err)
	assert.Nil(t, holder, "non-megolm keys must not register sessions")
}

func TestHandleForwardedRoomKeyImportsMidChain(t *testing.T) {
	ctx := context.Background()
	machine, _, _ := newTestMachine(t, "@bob:example.org", "BETA")
	senderKey := randomCurveKey(t)
	require.NoError(t, machine.HandleForwardedRoomKey(ctx, mustMarshal(t, forwardedRoomKeyContent{
		Algorithm:        id.AlgorithmMegolmV1,
		RoomID:           testRoomID,
		SessionID:        "FWD-1",
		SessionKey:       "exp|FWD-1|3",
		SenderKey:        senderKey,
		SenderClaimedKey: "claimed",
		ChainIndex:       3,
	})))

	plaintext := mustMarshal(t, megolmPlaintext{
		RoomID:  testRoomID,
		Type:    "m.room.message",
		Content: json.RawMessage(`{"body":"from history"}`),
	})
	content := &EncryptedEventContent{
		Algorithm:  id.AlgorithmMegolmV1,
		SenderKey:  senderKey,
		SessionID:  "FWD-1",
		Ciphertext: string(groupCiphertext("FWD-1", 4, string(plaintext))),
	}
	decrypted, err := machine.DecryptEvent(ctx, testRoomID, "$old", content)
	require.NoError(t, err)
	assert.Equal(t, uint(4), decrypted.ChainIndex)
	assert.JSONEq(t, `{"body":"from history"}`, string(decrypted.Content))
}

func TestShareHistoryKeysUnknownSession(t *testing.T) {
	machine, _, _ := newTestMachine(t, "@alice:example.org", "ALPHA")
	dev := newTestDevice(t, "@bob:example.org", "BETA")
	err := machine.ShareHistoryKeys(context.Background(), testRoomID, randomCurveKey(t), "nope", dev.identity)
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func mustMarshal(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}
