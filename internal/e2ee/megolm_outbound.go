package e2ee

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/btree"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// shareBatchSize bounds one to-device request, not concurrency: batches run
// sequentially because each batch's withholding list and shared-with
// bookkeeping feed the next.
const shareBatchSize = 100

// EncryptedEventContent is the m.room.encrypted room event payload.
type EncryptedEventContent struct {
	Algorithm  id.Algorithm  `json:"algorithm"`
	SenderKey  id.Curve25519 `json:"sender_key"`
	DeviceID   id.DeviceID   `json:"device_id,omitempty"`
	SessionID  id.SessionID  `json:"session_id"`
	Ciphertext string        `json:"ciphertext"`
}

type roomKeyContent struct {
	Algorithm     id.Algorithm `json:"algorithm"`
	RoomID        id.RoomID    `json:"room_id"`
	SessionID     id.SessionID `json:"session_id"`
	SessionKey    string       `json:"session_key"`
	ChainIndex    uint32       `json:"chain_index"`
	SharedHistory bool         `json:"org.matrix.msc3061.shared_history,omitempty"`
}

type forwardedRoomKeyContent struct {
	Algorithm          id.Algorithm  `json:"algorithm"`
	RoomID             id.RoomID     `json:"room_id"`
	SessionID          id.SessionID  `json:"session_id"`
	SessionKey         string        `json:"session_key"`
	SenderKey          id.Curve25519 `json:"sender_key"`
	SenderClaimedKey   id.Ed25519    `json:"sender_claimed_ed25519_key"`
	ForwardingKeyChain []string      `json:"forwarding_curve25519_key_chain"`
	ChainIndex         uint32        `json:"chain_index"`
	SharedHistory      bool          `json:"org.matrix.msc3061.shared_history,omitempty"`
}

type olmCiphertext struct {
	Type id.OlmMsgType `json:"type"`
	Body string        `json:"body"`
}

type olmEncryptedContent struct {
	Algorithm  id.Algorithm                    `json:"algorithm"`
	SenderKey  id.Curve25519                   `json:"sender_key"`
	Ciphertext map[id.Curve25519]olmCiphertext `json:"ciphertext"`
}

// olmPayload is the plaintext envelope inside a pairwise olm message.
type olmPayload struct {
	Type          event.Type            `json:"type"`
	Content       any                   `json:"content"`
	Sender        id.UserID             `json:"sender"`
	SenderDevice  id.DeviceID           `json:"sender_device"`
	Keys          map[string]id.Ed25519 `json:"keys"`
	Recipient     id.UserID             `json:"recipient"`
	RecipientKeys map[string]id.Ed25519 `json:"recipient_keys"`
}

// RoomEncryptor owns the outbound group session of one room: exactly one live
// session per room per process. All operations are serialized by its mutex.
type RoomEncryptor struct {
	mu sync.Mutex

	roomID    id.RoomID
	logger    *slog.Logger
	provider  CryptoProvider
	transport Transport
	store     Store
	directory *DeviceDirectory
	olm       *OlmSessionManager
	trust     *TrustEngine
	inbound   *InboundRegistry
	notifier  *WithheldNotifier
	config    Config

	ownUserID      id.UserID
	ownDeviceID    id.DeviceID
	ownIdentityKey id.Curve25519
	ownSigningKey  id.Ed25519

	// keyBackupHook is invoked once per freshly created session, so a backup
	// subsystem can pick it up. Optional.
	keyBackupHook func(roomID id.RoomID, sessionID id.SessionID)

	session        OutboundGroupSession
	sessionCreated time.Time
	useCount       int
	sharedHistory  bool
	sharedWith     btree.Map[string, uint32]
	sharedLoaded   bool
}

func sharedWithKey(userID id.UserID, deviceID id.DeviceID) string {
	return string(userID) + "|" + string(deviceID)
}

func splitSharedWithKey(key string) (id.UserID, id.DeviceID) {
	parts := strings.SplitN(key, "|", 2)
	return id.UserID(parts[0]), id.DeviceID(parts[1])
}

// EncryptEvent ensures the room's session is current and distributed, then
// encrypts the event content under it.
func (e *RoomEncryptor) EncryptEvent(
	ctx context.Context,
	eventType event.Type,
	content any,
	targetUserIDs []id.UserID,
) (*EncryptedEventContent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.shareLocked(ctx, eventType, targetUserIDs); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(map[string]any{
		"room_id": e.roomID,
		"type":    eventType.Type,
		"content": content,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}

	ciphertext, err := e.session.Encrypt(payload)
	if err != nil {
		return nil, fmt.Errorf("encrypt event: %w", err)
	}
	e.useCount++
	e.persistLocked(ctx)

	return &EncryptedEventContent{
		Algorithm:  id.AlgorithmMegolmV1,
		SenderKey:  e.ownIdentityKey,
		DeviceID:   e.ownDeviceID,
		SessionID:  e.session.ID(),
		Ciphertext: string(ciphertext),
	}, nil
}

// PreshareKey distributes the current session key without encrypting
// anything, so the first real send does not pay the claim latency.
func (e *RoomEncryptor) PreshareKey(ctx context.Context, targetUserIDs []id.UserID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.shareLocked(ctx, event.Type{}, targetUserIDs)
}

// DiscardSession drops the live outbound session. Only future encryptions
// are affected; nothing in flight is cancelled.
func (e *RoomEncryptor) DiscardSession(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dropSessionLocked()
	return e.store.DeleteOutboundGroupSession(ctx, e.roomID)
}

func (e *RoomEncryptor) dropSessionLocked() {
	e.session = nil
	e.useCount = 0
	e.sharedWith = btree.Map[string, uint32]{}
	e.sharedLoaded = false
}

func (e *RoomEncryptor) shareLocked(ctx context.Context, eventType event.Type, targetUserIDs []id.UserID) error {
	allowed, withheld, err := e.devicesInRoom(ctx, eventType, targetUserIDs)
	if err != nil {
		return err
	}

	if err := e.ensureCurrentSessionLocked(ctx); err != nil {
		return err
	}

	noOlm, err := e.distributeLocked(ctx, allowed)
	if err != nil {
		return err
	}
	withheld = append(withheld, noOlm...)

	e.notifier.Notify(ctx, e.roomID, e.session.ID(), withheld)
	return nil
}

// devicesInRoom partitions the target users' devices into allowed and
// withheld. Unknown devices abort the whole send when the warn policy is on.
func (e *RoomEncryptor) devicesInRoom(
	ctx context.Context,
	eventType event.Type,
	targetUserIDs []id.UserID,
) (map[id.UserID][]*DeviceIdentity, []withheldDevice, error) {
	snapshot, err := e.directory.Devices(ctx, targetUserIDs, false)
	if err != nil {
		return nil, nil, fmt.Errorf("download room devices: %w", err)
	}

	flags, err := e.store.GetRoomFlags(ctx, e.roomID)
	if err != nil {
		return nil, nil, err
	}
	verifiedOnly := e.config.BlockUnverifiedDevices || flags.BlockUnverified

	var unknowns []*DeviceIdentity
	allowed := make(map[id.UserID][]*DeviceIdentity)
	var withheld []withheldDevice

	for userID, devices := range snapshot {
		for _, device := range devices {
			switch {
			case device.IdentityKey == e.ownIdentityKey:
				// Never share with ourselves.
			case device.FirstSeen && e.config.WarnOnUnknownDevices:
				unknowns = append(unknowns, device)
			case device.Blocked:
				withheld = append(withheld, withheldDevice{device, event.RoomKeyWithheldBlacklisted})
			case verifiedOnly && !e.deviceVerified(ctx, device) && !isVerificationEvent(eventType):
				withheld = append(withheld, withheldDevice{device, event.RoomKeyWithheldUnverified})
			default:
				allowed[userID] = append(allowed[userID], device)
			}
		}
	}

	if len(unknowns) > 0 {
		// Drop the cached snapshots so the caller's re-invoke re-merges the
		// now-persisted devices instead of seeing first-seen flags again.
		for _, device := range unknowns {
			e.directory.Invalidate(device.UserID)
		}
		return nil, nil, &UnknownDevicesError{Devices: unknowns}
	}

	return allowed, withheld, nil
}

func (e *RoomEncryptor) deviceVerified(ctx context.Context, device *DeviceIdentity) bool {
	if device.Verified {
		return true
	}
	result := e.trust.CheckDeviceTrust(ctx, device)
	return result.Trusted() && result.CrossSigningVerified
}

func isVerificationEvent(eventType event.Type) bool {
	return strings.HasPrefix(eventType.Type, "m.key.verification.")
}

// ensureCurrentSessionLocked reuses the in-memory session, reloads a stored
// one, or creates a fresh one, honoring the rotation policy throughout.
func (e *RoomEncryptor) ensureCurrentSessionLocked(ctx context.Context) error {
	if e.session != nil {
		if !e.needsRotationLocked() {
			return nil
		}
		e.logger.Info("rotating outbound group session",
			"room", e.roomID,
			"session", e.session.ID(),
			"use_count", e.useCount,
		)
		e.dropSessionLocked()
	}

	if record, err := e.store.GetOutboundGroupSession(ctx, e.roomID); err != nil {
		return err
	} else if record != nil {
		if restored := e.restoreLocked(record); restored && !e.needsRotationLocked() {
			return nil
		}
		e.dropSessionLocked()
	}

	return e.createSessionLocked(ctx)
}

func (e *RoomEncryptor) needsRotationLocked() bool {
	if e.config.RotationMaxMessages > 0 && e.useCount >= e.config.RotationMaxMessages {
		return true
	}
	if e.config.RotationMaxAge > 0 && time.Since(e.sessionCreated) >= e.config.RotationMaxAge {
		return true
	}
	return false
}

func (e *RoomEncryptor) restoreLocked(record *OutboundSessionRecord) bool {
	session, err := e.provider.UnpickleOutboundGroupSession(record.Pickled)
	if err != nil {
		e.logger.Warn("failed to restore outbound group session",
			"room", e.roomID,
			"session", record.SessionID,
			"err", err,
		)
		return false
	}

	e.session = session
	e.sessionCreated = record.CreatedAt
	e.useCount = record.UseCount
	e.sharedHistory = record.SharedHistory
	e.sharedWith = btree.Map[string, uint32]{}
	for userID, devices := range record.SharedWith {
		for deviceID, index := range devices {
			e.sharedWith.Set(sharedWithKey(userID, deviceID), index)
		}
	}
	// The remote map may know about shares from another device era.
	e.sharedLoaded = false
	return true
}

func (e *RoomEncryptor) createSessionLocked(ctx context.Context) error {
	flags, err := e.store.GetRoomFlags(ctx, e.roomID)
	if err != nil {
		return err
	}

	session, err := e.provider.NewOutboundGroupSession()
	if err != nil {
		return fmt.Errorf("create outbound group session: %w", err)
	}

	e.session = session
	e.sessionCreated = time.Now()
	e.useCount = 0
	e.sharedHistory = flags.SharedHistory
	e.sharedWith = btree.Map[string, uint32]{}
	// A brand new session has never been shared anywhere.
	e.sharedLoaded = true

	// Register our own session inbound so we can decrypt our echoes and
	// answer re-share requests.
	if _, err := e.inbound.Receive(
		ctx, e.roomID, e.ownIdentityKey, e.ownSigningKey, []byte(session.SessionKey()),
	); err != nil {
		return fmt.Errorf("register own session inbound: %w", err)
	}

	e.persistLocked(ctx)

	if e.keyBackupHook != nil {
		e.keyBackupHook(e.roomID, session.ID())
	}

	e.logger.Info("created outbound group session",
		"room", e.roomID,
		"session", session.ID(),
	)
	return nil
}

// distributeLocked shares the current session key with the allowed devices
// that do not have it yet, in batches. Devices we cannot reach over olm come
// back as NO_OLM withholdings.
func (e *RoomEncryptor) distributeLocked(
	ctx context.Context,
	allowed map[id.UserID][]*DeviceIdentity,
) ([]withheldDevice, error) {
	e.loadRemoteSharedMapLocked(ctx)

	var delta []*DeviceIdentity
	for userID, devices := range allowed {
		for _, device := range devices {
			if _, ok := e.sharedWith.Get(sharedWithKey(userID, device.DeviceID)); !ok {
				delta = append(delta, device)
			}
		}
	}
	if len(delta) == 0 {
		return nil, nil
	}

	sort.Slice(delta, func(i, j int) bool {
		return sharedWithKey(delta[i].UserID, delta[i].DeviceID) <
			sharedWithKey(delta[j].UserID, delta[j].DeviceID)
	})

	var noOlm []withheldDevice
	for start := 0; start < len(delta); start += shareBatchSize {
		end := min(start+shareBatchSize, len(delta))
		batchNoOlm, err := e.shareBatchLocked(ctx, delta[start:end])
		if err != nil {
			return nil, err
		}
		noOlm = append(noOlm, batchNoOlm...)
	}

	e.persistLocked(ctx)
	e.putRemoteSharedMapLocked(ctx)

	return noOlm, nil
}

func (e *RoomEncryptor) shareBatchLocked(ctx context.Context, batch []*DeviceIdentity) ([]withheldDevice, error) {
	byUser := make(map[id.UserID][]*DeviceIdentity)
	for _, device := range batch {
		byUser[device.UserID] = append(byUser[device.UserID], device)
	}

	results, err := e.olm.Ensure(ctx, byUser, false)
	if err != nil {
		return nil, err
	}

	chainIndex := uint32(e.session.MessageIndex())
	keyContent := &roomKeyContent{
		Algorithm:     id.AlgorithmMegolmV1,
		RoomID:        e.roomID,
		SessionID:     e.session.ID(),
		SessionKey:    e.session.SessionKey(),
		ChainIndex:    chainIndex,
		SharedHistory: e.sharedHistory,
	}

	var noOlm []withheldDevice
	messages := NewUsersDevicesMap[*event.Content]()
	results.Range(func(userID id.UserID, deviceID id.DeviceID, result *OlmSessionResult) bool {
		if result.Session == nil {
			noOlm = append(noOlm, withheldDevice{result.Device, event.RoomKeyWithheldNoOlmSession})
			return true
		}

		encrypted, err := e.encryptOlm(ctx, result, event.ToDeviceRoomKey, keyContent)
		if err != nil {
			e.logger.Error("failed to encrypt room key for device",
				"user", userID,
				"device", deviceID,
				"err", err,
			)
			noOlm = append(noOlm, withheldDevice{result.Device, event.RoomKeyWithheldNoOlmSession})
			return true
		}

		messages.Set(userID, deviceID, &event.Content{Parsed: encrypted})
		// Optimistic: recorded before the send, never rolled back. A lost
		// message surfaces as a re-share request, not as double bookkeeping.
		e.sharedWith.Set(sharedWithKey(userID, deviceID), chainIndex)
		return true
	})

	if messages.Len() > 0 {
		if err := e.transport.SendToDevice(ctx, event.ToDeviceEncrypted, messages); err != nil {
			e.logger.Error("room key batch send failed",
				"room", e.roomID,
				"session", e.session.ID(),
				"devices", messages.Len(),
				"err", err,
			)
		}
	}

	return noOlm, nil
}

// encryptOlm wraps content in the olm envelope and encrypts it under the
// device's pairwise session.
func (e *RoomEncryptor) encryptOlm(
	ctx context.Context,
	result *OlmSessionResult,
	eventType event.Type,
	content any,
) (*olmEncryptedContent, error) {
	device := result.Device
	payload, err := json.Marshal(&olmPayload{
		Type:          eventType,
		Content:       content,
		Sender:        e.ownUserID,
		SenderDevice:  e.ownDeviceID,
		Keys:          map[string]id.Ed25519{"ed25519": e.ownSigningKey},
		Recipient:     device.UserID,
		RecipientKeys: map[string]id.Ed25519{"ed25519": device.SigningKey},
	})
	if err != nil {
		return nil, err
	}

	msgType, ciphertext, err := result.Session.Encrypt(payload)
	if err != nil {
		return nil, err
	}
	e.olm.UpdateSession(ctx, device.IdentityKey, result.Session)

	return &olmEncryptedContent{
		Algorithm: id.AlgorithmOlmV1,
		SenderKey: e.ownIdentityKey,
		Ciphertext: map[id.Curve25519]olmCiphertext{
			device.IdentityKey: {Type: msgType, Body: string(ciphertext)},
		},
	}, nil
}

func (e *RoomEncryptor) loadRemoteSharedMapLocked(ctx context.Context) {
	if e.sharedLoaded {
		return
	}
	remote, err := e.transport.GetSessionSharedMap(ctx, e.roomID, e.session.ID())
	if err != nil {
		e.logger.Warn("failed to load remote shared-with map",
			"room", e.roomID,
			"session", e.session.ID(),
			"err", err,
		)
		return
	}
	for userID, devices := range remote {
		for deviceID, index := range devices {
			if _, ok := e.sharedWith.Get(sharedWithKey(userID, deviceID)); !ok {
				e.sharedWith.Set(sharedWithKey(userID, deviceID), index)
			}
		}
	}
	e.sharedLoaded = true
}

func (e *RoomEncryptor) putRemoteSharedMapLocked(ctx context.Context) {
	if err := e.transport.PutSessionSharedMap(
		ctx, e.roomID, e.session.ID(), e.sharedWithFlatLocked(),
	); err != nil {
		e.logger.Warn("failed to update remote shared-with map",
			"room", e.roomID,
			"session", e.session.ID(),
			"err", err,
		)
	}
}

func (e *RoomEncryptor) sharedWithFlatLocked() map[id.UserID]map[id.DeviceID]uint32 {
	flat := make(map[id.UserID]map[id.DeviceID]uint32)
	e.sharedWith.Scan(func(key string, index uint32) bool {
		userID, deviceID := splitSharedWithKey(key)
		if flat[userID] == nil {
			flat[userID] = make(map[id.DeviceID]uint32)
		}
		flat[userID][deviceID] = index
		return true
	})
	return flat
}

func (e *RoomEncryptor) persistLocked(ctx context.Context) {
	pickled, err := e.session.Pickle(nil)
	if err != nil {
		e.logger.Warn("failed to pickle outbound group session",
			"room", e.roomID,
			"err", err,
		)
		return
	}
	record := &OutboundSessionRecord{
		SessionID:     e.session.ID(),
		Pickled:       pickled,
		SharedHistory: e.sharedHistory,
		CreatedAt:     e.sessionCreated,
		UseCount:      e.useCount,
		SharedWith:    e.sharedWithFlatLocked(),
	}
	if err := e.store.PutOutboundGroupSession(ctx, e.roomID, record); err != nil {
		e.logger.Warn("failed to persist outbound group session",
			"room", e.roomID,
			"err", err,
		)
	}
}

// ReshareKey re-sends an already-shared session to one device, as a forwarded
// export capped at the chain index originally shared. Returns false when the
// shared-with record does not prove the device ever had the session.
func (e *RoomEncryptor) ReshareKey(
	ctx context.Context,
	sessionID id.SessionID,
	userID id.UserID,
	deviceID id.DeviceID,
	senderKey id.Curve25519,
) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// The in-memory shared-with map tracks the live session only; consult it
	// for that session's ID alone, or an old session's reshare would be
	// approved by bookkeeping that belongs to its successor.
	var (
		recordedIndex uint32
		tracked       bool
	)
	if e.session != nil && e.session.ID() == sessionID {
		recordedIndex, tracked = e.sharedWith.Get(sharedWithKey(userID, deviceID))
	}
	if !tracked {
		if record, err := e.store.GetOutboundGroupSession(ctx, e.roomID); err == nil &&
			record != nil && record.SessionID == sessionID {
			recordedIndex, tracked = record.SharedWith[userID][deviceID]
		}
	}
	if !tracked {
		return false, nil
	}

	holder, err := e.inbound.Get(ctx, senderKey, sessionID)
	if err != nil || holder == nil {
		return false, err
	}

	devices, err := e.directory.UserDevices(ctx, userID)
	if err != nil {
		return false, err
	}
	device := devices[deviceID]
	if device == nil {
		return false, ErrDeviceNotFound
	}

	return true, e.forwardSession(ctx, holder, device, recordedIndex)
}

// ShareHistoryKeys exports a held inbound session to a device, used when a
// newly joined or newly trusted device should see history. Honors the room's
// shared-history flag.
func (e *RoomEncryptor) ShareHistoryKeys(
	ctx context.Context,
	holder *InboundSessionHolder,
	device *DeviceIdentity,
) error {
	flags, err := e.store.GetRoomFlags(ctx, e.roomID)
	if err != nil {
		return err
	}
	if !flags.SharedHistory {
		return nil
	}
	return e.forwardSession(ctx, holder, device, holder.FirstKnownIndex())
}

func (e *RoomEncryptor) forwardSession(
	ctx context.Context,
	holder *InboundSessionHolder,
	device *DeviceIdentity,
	chainIndex uint32,
) error {
	exported, err := holder.Export(chainIndex)
	if err != nil {
		return fmt.Errorf("export session: %w", err)
	}

	results, err := e.olm.Ensure(ctx, map[id.UserID][]*DeviceIdentity{
		device.UserID: {device},
	}, false)
	if err != nil {
		return err
	}
	result, _ := results.Get(device.UserID, device.DeviceID)
	if result == nil || result.Session == nil {
		return ErrNoSessionForDevice
	}

	content := &forwardedRoomKeyContent{
		Algorithm:          id.AlgorithmMegolmV1,
		RoomID:             holder.RoomID,
		SessionID:          holder.SessionID(),
		SessionKey:         string(exported),
		SenderKey:          holder.SenderKey,
		SenderClaimedKey:   holder.SenderClaimedKey,
		ForwardingKeyChain: []string{string(e.ownIdentityKey)},
		ChainIndex:         chainIndex,
		SharedHistory:      e.sharedHistory,
	}

	encrypted, err := e.encryptOlm(ctx, result, event.ToDeviceForwardedRoomKey, content)
	if err != nil {
		return err
	}

	messages := NewUsersDevicesMap[*event.Content]()
	messages.Set(device.UserID, device.DeviceID, &event.Content{Parsed: encrypted})
	if err := e.transport.SendToDevice(ctx, event.ToDeviceEncrypted, messages); err != nil {
		e.logger.Error("forwarded key send failed",
			"user", device.UserID,
			"device", device.DeviceID,
			"session", holder.SessionID(),
			"err", err,
		)
	}
	return nil
}
