package e2ee

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/puzpuzpuz/xsync/v4"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Machine ties the encryption subsystems of one logged-in identity together:
// the device directory, pairwise olm sessions, per-room group sessions, the
// trust engine, and inbound key handling. It is safe for concurrent use.
type Machine struct {
	logger    *slog.Logger
	provider  CryptoProvider
	transport Transport
	store     Store
	config    Config

	ownUserID      id.UserID
	ownDeviceID    id.DeviceID
	ownIdentityKey id.Curve25519
	ownSigningKey  id.Ed25519

	directory *DeviceDirectory
	olm       *OlmSessionManager
	trust     *TrustEngine
	inbound   *InboundRegistry
	notifier  *WithheldNotifier
	tasks     *TaskQueue

	keyBackupHook func(roomID id.RoomID, sessionID id.SessionID)

	encryptors *xsync.Map[id.RoomID, *RoomEncryptor]
}

func NewMachine(
	logger *slog.Logger,
	provider CryptoProvider,
	transport Transport,
	store Store,
	ownUserID id.UserID,
	ownDeviceID id.DeviceID,
	config Config,
) (*Machine, error) {
	signingKey, identityKey := provider.IdentityKeys()

	inbound, err := NewInboundRegistry(logger, provider, store)
	if err != nil {
		return nil, err
	}
	tasks := NewTaskQueue(logger)
	directory := NewDeviceDirectory(logger, transport, store)

	m := &Machine{
		logger:         logger,
		provider:       provider,
		transport:      transport,
		store:          store,
		config:         config,
		ownUserID:      ownUserID,
		ownDeviceID:    ownDeviceID,
		ownIdentityKey: identityKey,
		ownSigningKey:  signingKey,
		directory:      directory,
		olm:            NewOlmSessionManager(logger, provider, transport, store),
		trust:          NewTrustEngine(logger, provider, transport, store, directory, tasks, ownUserID, ownDeviceID),
		inbound:        inbound,
		notifier:       NewWithheldNotifier(logger, transport, identityKey, ownDeviceID),
		tasks:          tasks,
		encryptors:     xsync.NewMap[id.RoomID, *RoomEncryptor](),
	}
	return m, nil
}

// LoadMachine builds a Machine whose olm account lives in the store,
// creating and persisting a fresh account on first login.
func LoadMachine(
	ctx context.Context,
	logger *slog.Logger,
	transport Transport,
	store Store,
	pickleKey []byte,
	ownUserID id.UserID,
	ownDeviceID id.DeviceID,
	config Config,
) (*Machine, error) {
	pickled, err := store.GetAccount(ctx)
	if err != nil {
		return nil, err
	}

	var provider *OlmProvider
	if len(pickled) > 0 {
		if provider, err = OlmProviderFromPickled(pickled, pickleKey); err != nil {
			return nil, err
		}
	} else {
		if provider, err = NewOlmProvider(pickleKey); err != nil {
			return nil, err
		}
		fresh, err := provider.PickleAccount()
		if err != nil {
			return nil, err
		}
		if err := store.PutAccount(ctx, fresh); err != nil {
			return nil, err
		}
		logger.Info("created olm account", "user", ownUserID, "device", ownDeviceID)
	}

	m, err := NewMachine(logger, provider, transport, store, ownUserID, ownDeviceID, config)
	if err != nil {
		return nil, err
	}
	if err := m.trust.Load(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// SetKeyBackupHook registers a callback invoked once per freshly created
// outbound group session. Call before the first encryption.
func (m *Machine) SetKeyBackupHook(hook func(roomID id.RoomID, sessionID id.SessionID)) {
	m.keyBackupHook = hook
}

func (m *Machine) Trust() *TrustEngine         { return m.trust }
func (m *Machine) Directory() *DeviceDirectory { return m.directory }
func (m *Machine) IdentityKey() id.Curve25519  { return m.ownIdentityKey }
func (m *Machine) SigningKey() id.Ed25519      { return m.ownSigningKey }

func (m *Machine) encryptorFor(roomID id.RoomID) *RoomEncryptor {
	if enc, ok := m.encryptors.Load(roomID); ok {
		return enc
	}
	enc := &RoomEncryptor{
		roomID:         roomID,
		logger:         m.logger,
		provider:       m.provider,
		transport:      m.transport,
		store:          m.store,
		directory:      m.directory,
		olm:            m.olm,
		trust:          m.trust,
		inbound:        m.inbound,
		notifier:       m.notifier,
		config:         m.config,
		ownUserID:      m.ownUserID,
		ownDeviceID:    m.ownDeviceID,
		ownIdentityKey: m.ownIdentityKey,
		ownSigningKey:  m.ownSigningKey,
		keyBackupHook:  m.keyBackupHook,
	}
	actual, _ := m.encryptors.LoadOrStore(roomID, enc)
	return actual
}

// EncryptEvent encrypts a room event for the given member list, creating,
// rotating, and distributing the room's group session as needed.
func (m *Machine) EncryptEvent(
	ctx context.Context,
	roomID id.RoomID,
	eventType event.Type,
	content any,
	memberIDs []id.UserID,
) (*EncryptedEventContent, error) {
	return m.encryptorFor(roomID).EncryptEvent(ctx, eventType, content, memberIDs)
}

// PreshareKey distributes the room's current session key ahead of the first
// send.
func (m *Machine) PreshareKey(ctx context.Context, roomID id.RoomID, memberIDs []id.UserID) error {
	return m.encryptorFor(roomID).PreshareKey(ctx, memberIDs)
}

// DiscardSession drops the room's outbound session so the next encryption
// starts a fresh one. Use on membership changes that revoke access.
func (m *Machine) DiscardSession(ctx context.Context, roomID id.RoomID) error {
	return m.encryptorFor(roomID).DiscardSession(ctx)
}

// ReshareKey re-sends an outbound session key to a single device that
// provably received it before, for example after it lost local state.
func (m *Machine) ReshareKey(
	ctx context.Context,
	roomID id.RoomID,
	sessionID id.SessionID,
	userID id.UserID,
	deviceID id.DeviceID,
	senderKey id.Curve25519,
) (bool, error) {
	return m.encryptorFor(roomID).ReshareKey(ctx, sessionID, userID, deviceID, senderKey)
}

// ShareHistoryKeys forwards a decryptable inbound session to a device, if the
// room opted into shared history.
func (m *Machine) ShareHistoryKeys(
	ctx context.Context,
	roomID id.RoomID,
	senderKey id.Curve25519,
	sessionID id.SessionID,
	device *DeviceIdentity,
) error {
	holder, err := m.inbound.Get(ctx, senderKey, sessionID)
	if err != nil {
		return err
	}
	if holder == nil {
		return ErrUnknownSession
	}
	return m.encryptorFor(roomID).ShareHistoryKeys(ctx, holder, device)
}

// HandleEncryptedToDevice decrypts an m.room.encrypted to-device event and
// ingests any room key it carries. The decrypted inner type and content are
// returned to the caller after envelope validation.
func (m *Machine) HandleEncryptedToDevice(
	ctx context.Context,
	sender id.UserID,
	raw json.RawMessage,
) (event.Type, json.RawMessage, error) {
	var content olmEncryptedContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return event.Type{}, nil, fmt.Errorf("parse encrypted to-device event: %w", err)
	}
	if content.Algorithm != id.AlgorithmOlmV1 {
		return event.Type{}, nil, fmt.Errorf("unsupported to-device algorithm %q", content.Algorithm)
	}
	message, ok := content.Ciphertext[m.ownIdentityKey]
	if !ok {
		return event.Type{}, nil, fmt.Errorf("%w: no ciphertext for own identity key", ErrNoSessionForDevice)
	}

	plaintext, err := m.olm.Decrypt(ctx, content.SenderKey, message.Type, message.Body)
	if err != nil {
		return event.Type{}, nil, err
	}

	var payload olmPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return event.Type{}, nil, fmt.Errorf("parse olm payload: %w", err)
	}
	if payload.Sender != sender {
		return event.Type{}, nil, fmt.Errorf("olm payload sender %s does not match event sender %s", payload.Sender, sender)
	}
	if payload.Recipient != m.ownUserID {
		return event.Type{}, nil, fmt.Errorf("olm payload addressed to %s, not us", payload.Recipient)
	}
	if key := payload.RecipientKeys["ed25519"]; key != m.ownSigningKey {
		return event.Type{}, nil, fmt.Errorf("olm payload bound to signing key %s, not ours", key)
	}

	rawContent, err := json.Marshal(payload.Content)
	if err != nil {
		return event.Type{}, nil, err
	}
	switch payload.Type {
	case event.ToDeviceRoomKey:
		err = m.HandleRoomKey(ctx, content.SenderKey, payload.Keys["ed25519"], rawContent)
	case event.ToDeviceForwardedRoomKey:
		err = m.HandleForwardedRoomKey(ctx, rawContent)
	}
	return payload.Type, rawContent, err
}

// HandleRoomKey ingests an m.room_key received over a verified olm channel.
// senderKey and senderClaimedKey come from the olm envelope, not the content.
func (m *Machine) HandleRoomKey(
	ctx context.Context,
	senderKey id.Curve25519,
	senderClaimedKey id.Ed25519,
	raw json.RawMessage,
) error {
	var content roomKeyContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return fmt.Errorf("parse room key: %w", err)
	}
	if content.Algorithm != id.AlgorithmMegolmV1 {
		m.logger.Warn("ignoring room key with unsupported algorithm",
			"room", content.RoomID,
			"algorithm", content.Algorithm,
		)
		return nil
	}
	_, err := m.inbound.Receive(ctx, content.RoomID, senderKey, senderClaimedKey, []byte(content.SessionKey))
	if err != nil {
		return err
	}
	m.logger.Debug("received room key",
		"room", content.RoomID,
		"session", content.SessionID,
		"sender_key", senderKey,
	)
	return nil
}

// HandleForwardedRoomKey ingests an m.forwarded_room_key. The claimed sender
// keys come from the content and are only as trustworthy as the forwarder.
func (m *Machine) HandleForwardedRoomKey(ctx context.Context, raw json.RawMessage) error {
	var content forwardedRoomKeyContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return fmt.Errorf("parse forwarded room key: %w", err)
	}
	if content.Algorithm != id.AlgorithmMegolmV1 {
		m.logger.Warn("ignoring forwarded room key with unsupported algorithm",
			"room", content.RoomID,
			"algorithm", content.Algorithm,
		)
		return nil
	}
	_, err := m.inbound.Import(ctx, content.RoomID, content.SenderKey, content.SenderClaimedKey, []byte(content.SessionKey))
	if err != nil {
		return err
	}
	m.logger.Debug("imported forwarded room key",
		"room", content.RoomID,
		"session", content.SessionID,
		"sender_key", content.SenderKey,
	)
	return nil
}

// DecryptedEvent is the plaintext of one megolm-encrypted room event.
type DecryptedEvent struct {
	Type       event.Type
	Content    json.RawMessage
	ChainIndex uint
}

type megolmPlaintext struct {
	RoomID  id.RoomID       `json:"room_id"`
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

// DecryptEvent decrypts an m.room.encrypted room event. The event ID pins
// the chain index so a replayed index under a different event is rejected.
func (m *Machine) DecryptEvent(
	ctx context.Context,
	roomID id.RoomID,
	eventID id.EventID,
	content *EncryptedEventContent,
) (*DecryptedEvent, error) {
	if content.Algorithm != id.AlgorithmMegolmV1 {
		return nil, fmt.Errorf("unsupported algorithm %q", content.Algorithm)
	}

	holder, err := m.inbound.Get(ctx, content.SenderKey, content.SessionID)
	if err != nil {
		return nil, err
	}
	if holder == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, content.SessionID)
	}
	if holder.RoomID != roomID {
		return nil, fmt.Errorf("%w: session %s", ErrWrongRoom, content.SessionID)
	}

	plaintext, index, err := holder.Decrypt(ctx, []byte(content.Ciphertext), eventID)
	if err != nil {
		return nil, err
	}

	var payload megolmPlaintext
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fmt.Errorf("parse decrypted payload: %w", err)
	}
	if payload.RoomID != roomID {
		return nil, fmt.Errorf("%w: payload claims %s", ErrWrongRoom, payload.RoomID)
	}

	return &DecryptedEvent{
		Type:       event.NewEventType(payload.Type),
		Content:    payload.Content,
		ChainIndex: index,
	}, nil
}

// Close stops background work. Pending trust cascades are dropped.
func (m *Machine) Close() {
	m.tasks.Close()
}
