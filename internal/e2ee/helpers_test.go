package e2ee

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/crypto/canonicaljson"
	"maunium.net/go/mautrix/crypto/signatures"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// signCanonical signs the canonical JSON of obj with signatures and unsigned
// stripped, matching what signature verification expects.
func signCanonical(priv ed25519.PrivateKey, obj any) (string, error) {
	raw, err := json.Marshal(obj)
	if err != nil {
		return "", err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", err
	}
	delete(m, "signatures")
	delete(m, "unsigned")
	clean, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	sig := ed25519.Sign(priv, canonicaljson.CanonicalJSONAssumeValid(clean))
	return base64.RawStdEncoding.EncodeToString(sig), nil
}

func mustSign(t *testing.T, priv ed25519.PrivateKey, obj any) string {
	t.Helper()
	sig, err := signCanonical(priv, obj)
	require.NoError(t, err)
	return sig
}

func randomCurveKey(t *testing.T) id.Curve25519 {
	t.Helper()
	buf := make([]byte, 32)
	_, err := rand.Read(buf)
	require.NoError(t, err)
	return id.Curve25519(base64.RawStdEncoding.EncodeToString(buf))
}

// testSigner is a CrossSigningSigner over a real Ed25519 key, so the trust
// chain checks exercise actual signature verification.
type testSigner struct {
	priv ed25519.PrivateKey
}

func newTestSigner(t *testing.T) *testSigner {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return &testSigner{priv: priv}
}

func (s *testSigner) PublicKey() id.Ed25519 {
	pub := s.priv.Public().(ed25519.PublicKey)
	return id.Ed25519(base64.RawStdEncoding.EncodeToString(pub))
}

func (s *testSigner) Seed() []byte { return s.priv.Seed() }

func (s *testSigner) SignJSON(obj any) (string, error) {
	return signCanonical(s.priv, obj)
}

// fakeProvider implements CryptoProvider with transparent sessions: group
// ciphertexts are "<session>|<index>|<base64 plaintext>" and pairwise
// ciphertexts are the plaintext itself, so two fake providers can exchange
// messages. The device Ed25519 key is real.
type fakeProvider struct {
	mu sync.Mutex

	devicePriv  ed25519.PrivateKey
	identityKey id.Curve25519

	pairwiseCreated int
	inboundCreated  int
	groupCreated    int
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return &fakeProvider{
		devicePriv:  priv,
		identityKey: randomCurveKey(t),
	}
}

func (p *fakeProvider) IdentityKeys() (id.Ed25519, id.Curve25519) {
	pub := p.devicePriv.Public().(ed25519.PublicKey)
	return id.Ed25519(base64.RawStdEncoding.EncodeToString(pub)), p.identityKey
}

func (p *fakeProvider) SignJSON(obj any) (string, error) {
	return signCanonical(p.devicePriv, obj)
}

func (p *fakeProvider) NewOutboundSession(_, _ id.Curve25519) (PairwiseSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pairwiseCreated++
	return &fakePairwiseSession{id: id.SessionID(fmt.Sprintf("OLM-%d", p.pairwiseCreated))}, nil
}

func (p *fakeProvider) NewInboundSession(_ id.Curve25519, _ string) (PairwiseSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inboundCreated++
	return &fakePairwiseSession{id: id.SessionID(fmt.Sprintf("OLM-IN-%d", p.inboundCreated))}, nil
}

func (p *fakeProvider) UnpickleSession(pickled []byte) (PairwiseSession, error) {
	sessionID, ok := strings.CutPrefix(string(pickled), "pw|")
	if !ok {
		return nil, fmt.Errorf("bad pairwise pickle %q", pickled)
	}
	return &fakePairwiseSession{id: id.SessionID(sessionID)}, nil
}

func (p *fakeProvider) NewOutboundGroupSession() (OutboundGroupSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.groupCreated++
	return &fakeOutboundGroupSession{id: id.SessionID(fmt.Sprintf("GROUP-%d", p.groupCreated))}, nil
}

func (p *fakeProvider) UnpickleOutboundGroupSession(pickled []byte) (OutboundGroupSession, error) {
	parts := strings.Split(string(pickled), "|")
	if len(parts) != 3 || parts[0] != "ogs" {
		return nil, fmt.Errorf("bad outbound group pickle %q", pickled)
	}
	idx, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil {
		return nil, err
	}
	return &fakeOutboundGroupSession{id: id.SessionID(parts[1]), idx: uint(idx)}, nil
}

func (p *fakeProvider) NewInboundGroupSession(sessionKey []byte) (InboundGroupSession, error) {
	return parseFakeInbound("sk", string(sessionKey))
}

func (p *fakeProvider) ImportInboundGroupSession(exported []byte) (InboundGroupSession, error) {
	return parseFakeInbound("exp", string(exported))
}

func (p *fakeProvider) UnpickleInboundGroupSession(pickled []byte) (InboundGroupSession, error) {
	return parseFakeInbound("igs", string(pickled))
}

func (p *fakeProvider) NewSigner() (CrossSigningSigner, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &testSigner{priv: priv}, nil
}

func (p *fakeProvider) SignerFromSeed(seed []byte) (CrossSigningSigner, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("bad seed length %d", len(seed))
	}
	return &testSigner{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

func (p *fakeProvider) counts() (pairwise, inbound, group int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pairwiseCreated, p.inboundCreated, p.groupCreated
}

type fakePairwiseSession struct {
	id id.SessionID
}

func (s *fakePairwiseSession) ID() id.SessionID { return s.id }

func (s *fakePairwiseSession) Encrypt(plaintext []byte) (id.OlmMsgType, []byte, error) {
	return id.OlmMsgTypePreKey, plaintext, nil
}

func (s *fakePairwiseSession) Decrypt(ciphertext string, _ id.OlmMsgType) ([]byte, error) {
	return []byte(ciphertext), nil
}

func (s *fakePairwiseSession) Pickle(_ []byte) ([]byte, error) {
	return []byte("pw|" + s.id), nil
}

type fakeOutboundGroupSession struct {
	id  id.SessionID
	idx uint
}

func (s *fakeOutboundGroupSession) ID() id.SessionID { return s.id }

func (s *fakeOutboundGroupSession) Encrypt(plaintext []byte) ([]byte, error) {
	ct := fmt.Sprintf("%s|%d|%s", s.id, s.idx, base64.RawStdEncoding.EncodeToString(plaintext))
	s.idx++
	return []byte(ct), nil
}

func (s *fakeOutboundGroupSession) SessionKey() string {
	return fmt.Sprintf("sk|%s|%d", s.id, s.idx)
}

func (s *fakeOutboundGroupSession) MessageIndex() uint { return s.idx }

func (s *fakeOutboundGroupSession) Pickle(_ []byte) ([]byte, error) {
	return []byte(fmt.Sprintf("ogs|%s|%d", s.id, s.idx)), nil
}

type fakeInboundGroupSession struct {
	id    id.SessionID
	first uint32
}

func parseFakeInbound(prefix, key string) (*fakeInboundGroupSession, error) {
	parts := strings.Split(key, "|")
	if len(parts) != 3 || parts[0] != prefix {
		return nil, fmt.Errorf("bad %s session key %q", prefix, key)
	}
	first, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil {
		return nil, err
	}
	return &fakeInboundGroupSession{id: id.SessionID(parts[1]), first: uint32(first)}, nil
}

func (s *fakeInboundGroupSession) ID() id.SessionID { return s.id }

func (s *fakeInboundGroupSession) Decrypt(ciphertext []byte) ([]byte, uint, error) {
	parts := strings.SplitN(string(ciphertext), "|", 3)
	if len(parts) != 3 || id.SessionID(parts[0]) != s.id {
		return nil, 0, fmt.Errorf("ciphertext not for session %s", s.id)
	}
	idx, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return nil, 0, err
	}
	plaintext, err := base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, 0, err
	}
	return plaintext, uint(idx), nil
}

func (s *fakeInboundGroupSession) FirstKnownIndex() uint32 { return s.first }

func (s *fakeInboundGroupSession) Export(chainIndex uint32) ([]byte, error) {
	return []byte(fmt.Sprintf("exp|%s|%d", s.id, chainIndex)), nil
}

func (s *fakeInboundGroupSession) Pickle(_ []byte) ([]byte, error) {
	return []byte(fmt.Sprintf("igs|%s|%d", s.id, s.first)), nil
}

// testDevice is a device identity with its real signing key, so fixtures can
// produce valid self-signatures and one-time keys.
type testDevice struct {
	identity *DeviceIdentity
	priv     ed25519.PrivateKey
}

func newTestDevice(t *testing.T, userID id.UserID, deviceID id.DeviceID) *testDevice {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	dev := &DeviceIdentity{
		UserID:      userID,
		DeviceID:    deviceID,
		IdentityKey: randomCurveKey(t),
		SigningKey:  id.Ed25519(base64.RawStdEncoding.EncodeToString(pub)),
		Algorithms:  []id.Algorithm{id.AlgorithmOlmV1, id.AlgorithmMegolmV1},
	}
	td := &testDevice{identity: dev, priv: priv}
	td.selfSign(t)
	return td
}

// providerDevice builds the device identity belonging to a fake provider, so
// messages it signs and sends verify against the published keys.
func providerDevice(t *testing.T, p *fakeProvider, userID id.UserID, deviceID id.DeviceID) *testDevice {
	t.Helper()
	signing, identity := p.IdentityKeys()
	dev := &DeviceIdentity{
		UserID:      userID,
		DeviceID:    deviceID,
		IdentityKey: identity,
		SigningKey:  signing,
		Algorithms:  []id.Algorithm{id.AlgorithmOlmV1, id.AlgorithmMegolmV1},
	}
	td := &testDevice{identity: dev, priv: p.devicePriv}
	td.selfSign(t)
	return td
}

func (d *testDevice) selfSign(t *testing.T) {
	t.Helper()
	d.identity.Signatures = nil
	sig := mustSign(t, d.priv, d.identity.signable())
	d.identity.Signatures = signatures.Signatures{
		d.identity.UserID: {
			id.NewKeyID(id.KeyAlgorithmEd25519, d.identity.DeviceID.String()): sig,
		},
	}
}

func (d *testDevice) oneTimeKey(t *testing.T) OneTimeKey {
	t.Helper()
	key := OneTimeKey{
		KeyID: id.NewKeyID(id.KeyAlgorithmSignedCurve25519, "AAAAAQ"),
		Key:   randomCurveKey(t),
	}
	sig := mustSign(t, d.priv, key)
	key.Signatures = signatures.Signatures{
		d.identity.UserID: {
			id.NewKeyID(id.KeyAlgorithmEd25519, d.identity.DeviceID.String()): sig,
		},
	}
	return key
}

func (d *testDevice) fallbackKey(t *testing.T) *OneTimeKey {
	t.Helper()
	key := OneTimeKey{
		KeyID:    id.NewKeyID(id.KeyAlgorithmSignedCurve25519, "AAAAAg"),
		Key:      randomCurveKey(t),
		Fallback: true,
	}
	sig := mustSign(t, d.priv, key)
	key.Signatures = signatures.Signatures{
		d.identity.UserID: {
			id.NewKeyID(id.KeyAlgorithmEd25519, d.identity.DeviceID.String()): sig,
		},
	}
	return &key
}

type sentBatch struct {
	eventType event.Type
	messages  *UsersDevicesMap[*event.Content]
}

// fakeTransport records every outgoing call and serves fixture data for the
// incoming ones.
type fakeTransport struct {
	mu sync.Mutex

	otks       map[id.UserID]map[id.DeviceID]OneTimeKey
	claimErrs  []error
	claimCalls int

	snapshot      DirectorySnapshot
	downloadCalls int

	sent    []sentBatch
	sendErr error

	sharedMaps map[string]map[id.UserID]map[id.DeviceID]uint32

	uploadedKeys *CrossSigningKeySet
	uploadedSigs []map[id.UserID]map[string]any
}

var _ Transport = (*fakeTransport)(nil)

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		otks: make(map[id.UserID]map[id.DeviceID]OneTimeKey),
		snapshot: DirectorySnapshot{
			Devices:      make(map[id.UserID]map[id.DeviceID]*DeviceIdentity),
			CrossSigning: make(map[id.UserID]*CrossSigningKeySet),
		},
		sharedMaps: make(map[string]map[id.UserID]map[id.DeviceID]uint32),
	}
}

func (f *fakeTransport) addDevice(dev *DeviceIdentity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snapshot.Devices[dev.UserID] == nil {
		f.snapshot.Devices[dev.UserID] = make(map[id.DeviceID]*DeviceIdentity)
	}
	f.snapshot.Devices[dev.UserID][dev.DeviceID] = dev
}

func (f *fakeTransport) addOneTimeKey(userID id.UserID, deviceID id.DeviceID, key OneTimeKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.otks[userID] == nil {
		f.otks[userID] = make(map[id.DeviceID]OneTimeKey)
	}
	f.otks[userID][deviceID] = key
}

func (f *fakeTransport) ClaimOneTimeKeys(
	_ context.Context,
	request map[id.UserID]map[id.DeviceID]id.KeyAlgorithm,
) (map[id.UserID]map[id.DeviceID]OneTimeKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claimCalls++
	if len(f.claimErrs) > 0 {
		err := f.claimErrs[0]
		f.claimErrs = f.claimErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	response := make(map[id.UserID]map[id.DeviceID]OneTimeKey)
	for userID, devices := range request {
		for deviceID := range devices {
			key, ok := f.otks[userID][deviceID]
			if !ok {
				continue
			}
			if response[userID] == nil {
				response[userID] = make(map[id.DeviceID]OneTimeKey)
			}
			response[userID][deviceID] = key
		}
	}
	return response, nil
}

func (f *fakeTransport) SendToDevice(_ context.Context, eventType event.Type, messages *UsersDevicesMap[*event.Content]) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentBatch{eventType: eventType, messages: messages})
	return nil
}

func (f *fakeTransport) DownloadKeys(_ context.Context, userIDs []id.UserID, _ bool) (*DirectorySnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloadCalls++

	out := &DirectorySnapshot{
		Devices:      make(map[id.UserID]map[id.DeviceID]*DeviceIdentity),
		CrossSigning: make(map[id.UserID]*CrossSigningKeySet),
	}
	for _, userID := range userIDs {
		devices := make(map[id.DeviceID]*DeviceIdentity, len(f.snapshot.Devices[userID]))
		for deviceID, device := range f.snapshot.Devices[userID] {
			clone := *device
			devices[deviceID] = &clone
		}
		out.Devices[userID] = devices
		if keys, ok := f.snapshot.CrossSigning[userID]; ok {
			out.CrossSigning[userID] = keys
		}
	}
	return out, nil
}

func (f *fakeTransport) GetSessionSharedMap(_ context.Context, roomID id.RoomID, sessionID id.SessionID) (map[id.UserID]map[id.DeviceID]uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sharedMaps[string(roomID)+"|"+string(sessionID)], nil
}

func (f *fakeTransport) PutSessionSharedMap(_ context.Context, roomID id.RoomID, sessionID id.SessionID, shared map[id.UserID]map[id.DeviceID]uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sharedMaps[string(roomID)+"|"+string(sessionID)] = shared
	return nil
}

func (f *fakeTransport) UploadCrossSigningKeys(_ context.Context, keys *CrossSigningKeySet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploadedKeys = keys
	return nil
}

func (f *fakeTransport) UploadSignatures(_ context.Context, sigs map[id.UserID]map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploadedSigs = append(f.uploadedSigs, sigs)
	return nil
}

// decodeOlmBody unwraps the fake pairwise ciphertext for one device, which is
// the olm payload JSON verbatim.
func decodeOlmBody(t *testing.T, content *olmEncryptedContent, identityKey id.Curve25519, out any) {
	t.Helper()
	ct, ok := content.Ciphertext[identityKey]
	require.True(t, ok, "no ciphertext addressed to device")
	require.NoError(t, json.Unmarshal([]byte(ct.Body), out))
}

func (f *fakeTransport) sentOfType(eventType event.Type) []sentBatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentBatch
	for _, batch := range f.sent {
		if batch.eventType == eventType {
			out = append(out, batch)
		}
	}
	return out
}
