package e2ee

import (
	"context"
	"sync"

	"maunium.net/go/mautrix/id"
)

type inboundSessionKey struct {
	senderKey id.Curve25519
	sessionID id.SessionID
}

type deviceKey struct {
	userID   id.UserID
	deviceID id.DeviceID
}

// MemoryStore is an ephemeral Store for clients that do not persist crypto
// state across restarts, and for tests.
type MemoryStore struct {
	mu sync.RWMutex

	account     []byte
	olmSessions map[id.Curve25519]struct {
		sessionID id.SessionID
		pickled   []byte
	}
	outboundSessions  map[id.RoomID]*OutboundSessionRecord
	inboundSessions   map[inboundSessionKey]*InboundSessionRecord
	devices           map[deviceKey]*DeviceIdentity
	crossSigningKeys  map[id.UserID]*CrossSigningKeySet
	crossSigningSeeds map[id.UserID]*CrossSigningSeeds
	roomFlags         map[id.RoomID]RoomFlags
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		olmSessions: make(map[id.Curve25519]struct {
			sessionID id.SessionID
			pickled   []byte
		}),
		outboundSessions:  make(map[id.RoomID]*OutboundSessionRecord),
		inboundSessions:   make(map[inboundSessionKey]*InboundSessionRecord),
		devices:           make(map[deviceKey]*DeviceIdentity),
		crossSigningKeys:  make(map[id.UserID]*CrossSigningKeySet),
		crossSigningSeeds: make(map[id.UserID]*CrossSigningSeeds),
		roomFlags:         make(map[id.RoomID]RoomFlags),
	}
}

func (s *MemoryStore) PutAccount(_ context.Context, pickled []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.account = pickled
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.account, nil
}

func (s *MemoryStore) PutOlmSession(_ context.Context, identityKey id.Curve25519, sessionID id.SessionID, pickled []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.olmSessions[identityKey] = struct {
		sessionID id.SessionID
		pickled   []byte
	}{sessionID, pickled}
	return nil
}

func (s *MemoryStore) GetOlmSession(_ context.Context, identityKey id.Curve25519) (id.SessionID, []byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.olmSessions[identityKey]
	if !ok {
		return "", nil, nil
	}
	return entry.sessionID, entry.pickled, nil
}

func (s *MemoryStore) PutOutboundGroupSession(_ context.Context, roomID id.RoomID, record *OutboundSessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outboundSessions[roomID] = record
	return nil
}

func (s *MemoryStore) GetOutboundGroupSession(_ context.Context, roomID id.RoomID) (*OutboundSessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.outboundSessions[roomID], nil
}

func (s *MemoryStore) DeleteOutboundGroupSession(_ context.Context, roomID id.RoomID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.outboundSessions, roomID)
	return nil
}

func (s *MemoryStore) PutInboundGroupSession(_ context.Context, senderKey id.Curve25519, sessionID id.SessionID, record *InboundSessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inboundSessions[inboundSessionKey{senderKey, sessionID}] = record
	return nil
}

func (s *MemoryStore) GetInboundGroupSession(_ context.Context, senderKey id.Curve25519, sessionID id.SessionID) (*InboundSessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inboundSessions[inboundSessionKey{senderKey, sessionID}], nil
}

func (s *MemoryStore) PutDevice(_ context.Context, device *DeviceIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[deviceKey{device.UserID, device.DeviceID}] = device
	return nil
}

func (s *MemoryStore) GetDevice(_ context.Context, userID id.UserID, deviceID id.DeviceID) (*DeviceIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.devices[deviceKey{userID, deviceID}], nil
}

func (s *MemoryStore) GetUserDevices(_ context.Context, userID id.UserID) ([]*DeviceIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var devices []*DeviceIdentity
	for key, device := range s.devices {
		if key.userID == userID {
			devices = append(devices, device)
		}
	}
	return devices, nil
}

func (s *MemoryStore) PutCrossSigningKeys(_ context.Context, userID id.UserID, keys *CrossSigningKeySet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.crossSigningKeys[userID] = keys
	return nil
}

func (s *MemoryStore) GetCrossSigningKeys(_ context.Context, userID id.UserID) (*CrossSigningKeySet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.crossSigningKeys[userID], nil
}

func (s *MemoryStore) PutCrossSigningSeeds(_ context.Context, userID id.UserID, seeds *CrossSigningSeeds) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.crossSigningSeeds[userID] = seeds
	return nil
}

func (s *MemoryStore) GetCrossSigningSeeds(_ context.Context, userID id.UserID) (*CrossSigningSeeds, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.crossSigningSeeds[userID], nil
}

func (s *MemoryStore) PutRoomFlags(_ context.Context, roomID id.RoomID, flags RoomFlags) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roomFlags[roomID] = flags
	return nil
}

func (s *MemoryStore) GetRoomFlags(_ context.Context, roomID id.RoomID) (RoomFlags, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roomFlags[roomID], nil
}
