package e2ee

import (
	"context"
	"time"

	"maunium.net/go/mautrix/id"
)

// OutboundSessionRecord is the persisted form of a room's outbound group
// session: the pickled session plus the bookkeeping the engine needs to
// restore it.
type OutboundSessionRecord struct {
	SessionID     id.SessionID                         `json:"session_id"`
	Pickled       []byte                               `json:"pickled"`
	SharedHistory bool                                 `json:"shared_history"`
	CreatedAt     time.Time                            `json:"created_at"`
	UseCount      int                                  `json:"use_count"`
	SharedWith    map[id.UserID]map[id.DeviceID]uint32 `json:"shared_with"`
}

// InboundSessionRecord is the persisted form of one received group session:
// the pickled ratchet plus the metadata needed to rebuild its holder after a
// restart or cache eviction.
type InboundSessionRecord struct {
	RoomID           id.RoomID           `json:"room_id"`
	SenderClaimedKey id.Ed25519          `json:"sender_claimed_key,omitempty"`
	Pickled          []byte              `json:"pickled"`
	SeenIndices      map[uint]id.EventID `json:"seen_indices,omitempty"`
}

// RoomFlags are the per-room encryption policy switches.
type RoomFlags struct {
	SharedHistory   bool `json:"shared_history"`
	BlockUnverified bool `json:"block_unverified"`
}

// Store is the persistence contract of the E2EE core. Lookups return the zero
// value and a nil error when nothing is stored; errors are reserved for the
// persistence engine itself failing.
type Store interface {
	PutAccount(ctx context.Context, pickled []byte) error
	GetAccount(ctx context.Context) ([]byte, error)

	PutOlmSession(ctx context.Context, identityKey id.Curve25519, sessionID id.SessionID, pickled []byte) error
	GetOlmSession(ctx context.Context, identityKey id.Curve25519) (id.SessionID, []byte, error)

	PutOutboundGroupSession(ctx context.Context, roomID id.RoomID, record *OutboundSessionRecord) error
	GetOutboundGroupSession(ctx context.Context, roomID id.RoomID) (*OutboundSessionRecord, error)
	DeleteOutboundGroupSession(ctx context.Context, roomID id.RoomID) error

	PutInboundGroupSession(ctx context.Context, senderKey id.Curve25519, sessionID id.SessionID, record *InboundSessionRecord) error
	GetInboundGroupSession(ctx context.Context, senderKey id.Curve25519, sessionID id.SessionID) (*InboundSessionRecord, error)

	PutDevice(ctx context.Context, device *DeviceIdentity) error
	GetDevice(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (*DeviceIdentity, error)
	GetUserDevices(ctx context.Context, userID id.UserID) ([]*DeviceIdentity, error)

	PutCrossSigningKeys(ctx context.Context, userID id.UserID, keys *CrossSigningKeySet) error
	GetCrossSigningKeys(ctx context.Context, userID id.UserID) (*CrossSigningKeySet, error)
	PutCrossSigningSeeds(ctx context.Context, userID id.UserID, seeds *CrossSigningSeeds) error
	GetCrossSigningSeeds(ctx context.Context, userID id.UserID) (*CrossSigningSeeds, error)

	PutRoomFlags(ctx context.Context, roomID id.RoomID, flags RoomFlags) error
	GetRoomFlags(ctx context.Context, roomID id.RoomID) (RoomFlags, error)
}

// CrossSigningSeeds are the locally known private halves of the hierarchy.
// Any of the three may be nil.
type CrossSigningSeeds struct {
	Master      []byte `json:"master,omitempty"`
	SelfSigning []byte `json:"self_signing,omitempty"`
	UserSigning []byte `json:"user_signing,omitempty"`
}
