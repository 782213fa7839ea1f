package e2ee

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"maunium.net/go/mautrix/id"
)

const inboundCacheSize = 512

// InboundSessionHolder wraps one inbound group session. Export and decrypt
// both walk the ratchet state, so every call goes through the holder's own
// lock; two holders never wrap the same session. The seen map is written
// through to the store so replay detection survives eviction and restarts.
type InboundSessionHolder struct {
	mu sync.Mutex

	RoomID           id.RoomID
	SenderKey        id.Curve25519
	SenderClaimedKey id.Ed25519

	logger  *slog.Logger
	store   Store
	session InboundGroupSession
	// chain index -> event id, for duplicate-index detection.
	seen map[uint]id.EventID
}

func (h *InboundSessionHolder) SessionID() id.SessionID {
	return h.session.ID()
}

func (h *InboundSessionHolder) FirstKnownIndex() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session.FirstKnownIndex()
}

// Decrypt decrypts one message and enforces that a chain index is never
// reused for a different event.
func (h *InboundSessionHolder) Decrypt(ctx context.Context, ciphertext []byte, eventID id.EventID) ([]byte, uint, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	plaintext, index, err := h.session.Decrypt(ciphertext)
	if err != nil {
		return nil, 0, err
	}

	if seenEvent, ok := h.seen[index]; ok {
		if seenEvent != eventID {
			return nil, 0, fmt.Errorf("chain index %d already used by %s", index, seenEvent)
		}
	} else {
		h.seen[index] = eventID
		h.persistLocked(ctx)
	}

	return plaintext, index, nil
}

// Export exports the session from the given chain index for forwarding.
func (h *InboundSessionHolder) Export(chainIndex uint32) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session.Export(chainIndex)
}

func (h *InboundSessionHolder) persist(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.persistErrLocked(ctx)
}

// persistLocked writes the current record back to the store, logging on
// failure. Used where decryption must not fail on a persistence hiccup.
func (h *InboundSessionHolder) persistLocked(ctx context.Context) {
	if err := h.persistErrLocked(ctx); err != nil {
		h.logger.Warn("failed to persist inbound group session",
			"room", h.RoomID,
			"session", h.session.ID(),
			"err", err,
		)
	}
}

func (h *InboundSessionHolder) persistErrLocked(ctx context.Context) error {
	pickled, err := h.session.Pickle(nil)
	if err != nil {
		return fmt.Errorf("pickle inbound group session: %w", err)
	}
	seen := make(map[uint]id.EventID, len(h.seen))
	for index, eventID := range h.seen {
		seen[index] = eventID
	}
	return h.store.PutInboundGroupSession(ctx, h.SenderKey, h.session.ID(), &InboundSessionRecord{
		RoomID:           h.RoomID,
		SenderClaimedKey: h.SenderClaimedKey,
		Pickled:          pickled,
		SeenIndices:      seen,
	})
}

// InboundRegistry owns all inbound group sessions, keyed by sender key and
// session id. A bounded cache keeps hot sessions in memory; the store backs
// everything. The registry hands out exactly one holder per session so the
// per-session lock actually serializes.
type InboundRegistry struct {
	mu sync.Mutex

	logger   *slog.Logger
	provider CryptoProvider
	store    Store

	holders *lru.Cache[string, *InboundSessionHolder]
}

func NewInboundRegistry(logger *slog.Logger, provider CryptoProvider, store Store) (*InboundRegistry, error) {
	holders, err := lru.New[string, *InboundSessionHolder](inboundCacheSize)
	if err != nil {
		return nil, err
	}
	return &InboundRegistry{
		logger:   logger,
		provider: provider,
		store:    store,
		holders:  holders,
	}, nil
}

func inboundKey(senderKey id.Curve25519, sessionID id.SessionID) string {
	return string(senderKey) + "|" + string(sessionID)
}

// Receive registers a session from a fresh m.room_key share.
func (r *InboundRegistry) Receive(
	ctx context.Context,
	roomID id.RoomID,
	senderKey id.Curve25519,
	senderClaimedKey id.Ed25519,
	sessionKey []byte,
) (*InboundSessionHolder, error) {
	session, err := r.provider.NewInboundGroupSession(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("create inbound group session: %w", err)
	}
	return r.register(ctx, roomID, senderKey, senderClaimedKey, session)
}

// Import registers a session from an m.forwarded_room_key export, which may
// begin partway through the chain.
func (r *InboundRegistry) Import(
	ctx context.Context,
	roomID id.RoomID,
	senderKey id.Curve25519,
	senderClaimedKey id.Ed25519,
	exported []byte,
) (*InboundSessionHolder, error) {
	session, err := r.provider.ImportInboundGroupSession(exported)
	if err != nil {
		return nil, fmt.Errorf("import inbound group session: %w", err)
	}
	return r.register(ctx, roomID, senderKey, senderClaimedKey, session)
}

func (r *InboundRegistry) register(
	ctx context.Context,
	roomID id.RoomID,
	senderKey id.Curve25519,
	senderClaimedKey id.Ed25519,
	session InboundGroupSession,
) (*InboundSessionHolder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := inboundKey(senderKey, session.ID())
	if existing, ok := r.holders.Get(key); ok {
		// Keep the holder we already handed out; a re-received key never
		// replaces a live session.
		return existing, nil
	}

	holder := &InboundSessionHolder{
		RoomID:           roomID,
		SenderKey:        senderKey,
		SenderClaimedKey: senderClaimedKey,
		logger:           r.logger,
		store:            r.store,
		session:          session,
		seen:             make(map[uint]id.EventID),
	}
	if err := holder.persist(ctx); err != nil {
		return nil, fmt.Errorf("persist inbound group session: %w", err)
	}
	r.holders.Add(key, holder)

	return holder, nil
}

// Get returns the live holder for a session, hydrating from the store when
// needed. A nil holder with nil error means the session is simply unknown.
func (r *InboundRegistry) Get(ctx context.Context, senderKey id.Curve25519, sessionID id.SessionID) (*InboundSessionHolder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := inboundKey(senderKey, sessionID)
	if holder, ok := r.holders.Get(key); ok {
		return holder, nil
	}

	record, err := r.store.GetInboundGroupSession(ctx, senderKey, sessionID)
	if err != nil {
		return nil, err
	}
	if record == nil || len(record.Pickled) == 0 {
		return nil, nil
	}

	session, err := r.provider.UnpickleInboundGroupSession(record.Pickled)
	if err != nil {
		r.logger.Warn("failed to unpickle inbound group session",
			"session", sessionID,
			"err", err,
		)
		return nil, nil
	}

	seen := make(map[uint]id.EventID, len(record.SeenIndices))
	for index, eventID := range record.SeenIndices {
		seen[index] = eventID
	}
	holder := &InboundSessionHolder{
		RoomID:           record.RoomID,
		SenderKey:        senderKey,
		SenderClaimedKey: record.SenderClaimedKey,
		logger:           r.logger,
		store:            r.store,
		session:          session,
		seen:             seen,
	}
	r.holders.Add(key, holder)
	return holder, nil
}
