package e2ee

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"maunium.net/go/mautrix/crypto/signatures"
	"maunium.net/go/mautrix/id"
)

const claimAttempts = 3

// OlmSessionManager guarantees a usable pairwise session with a target device
// before anything is sent to it. The whole Ensure call runs under one global
// lock: it interleaves a session-exists read with a claim-and-create write,
// and two concurrent callers targeting the same device must not both claim.
type OlmSessionManager struct {
	mu sync.Mutex

	logger    *slog.Logger
	provider  CryptoProvider
	transport Transport
	store     Store

	// live sessions by the peer's identity key; the store backs these across
	// restarts.
	sessions map[id.Curve25519]PairwiseSession
}

func NewOlmSessionManager(
	logger *slog.Logger,
	provider CryptoProvider,
	transport Transport,
	store Store,
) *OlmSessionManager {
	return &OlmSessionManager{
		logger:    logger,
		provider:  provider,
		transport: transport,
		store:     store,
		sessions:  make(map[id.Curve25519]PairwiseSession),
	}
}

// Ensure establishes or reuses a pairwise session per device. Devices that
// end up without a session are soft failures: their result carries a nil
// session and the rest of the batch is unaffected. Only an exhausted
// one-time-key claim fails the whole call.
func (m *OlmSessionManager) Ensure(
	ctx context.Context,
	devicesByUser map[id.UserID][]*DeviceIdentity,
	force bool,
) (*UsersDevicesMap[*OlmSessionResult], error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	results := NewUsersDevicesMap[*OlmSessionResult]()
	var awaiting []*DeviceIdentity
	claimRequest := make(map[id.UserID]map[id.DeviceID]id.KeyAlgorithm)

	for userID, devices := range devicesByUser {
		for _, device := range devices {
			if device.IdentityKey == "" {
				m.logger.Warn("device has no identity key, skipping",
					"user", userID,
					"device", device.DeviceID,
				)
				results.Set(userID, device.DeviceID, &OlmSessionResult{Device: device})
				continue
			}

			if !force {
				if session := m.existingSession(ctx, device.IdentityKey); session != nil {
					results.Set(userID, device.DeviceID, &OlmSessionResult{
						Device:  device,
						Session: session,
					})
					continue
				}
			}

			awaiting = append(awaiting, device)
			if device.FallbackKey == nil {
				if claimRequest[userID] == nil {
					claimRequest[userID] = make(map[id.DeviceID]id.KeyAlgorithm)
				}
				claimRequest[userID][device.DeviceID] = id.KeyAlgorithmSignedCurve25519
			}
		}
	}

	var claimed map[id.UserID]map[id.DeviceID]OneTimeKey
	if len(claimRequest) > 0 {
		var err error
		claimed, err = m.claimWithRetry(ctx, claimRequest)
		if err != nil {
			return nil, fmt.Errorf("claim one-time keys: %w", err)
		}
	}

	for _, device := range awaiting {
		results.Set(device.UserID, device.DeviceID, m.createSession(ctx, device, claimed))
	}

	return results, nil
}

func (m *OlmSessionManager) claimWithRetry(
	ctx context.Context,
	request map[id.UserID]map[id.DeviceID]id.KeyAlgorithm,
) (map[id.UserID]map[id.DeviceID]OneTimeKey, error) {
	var lastErr error
	for attempt := 1; attempt <= claimAttempts; attempt++ {
		claimed, err := m.transport.ClaimOneTimeKeys(ctx, request)
		if err == nil {
			return claimed, nil
		}
		lastErr = err
		m.logger.Warn("one-time key claim failed",
			"attempt", attempt,
			"err", err,
		)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

// createSession turns a claimed (or fallback) key into an outbound session.
// Every failure path returns an absent-session result instead of an error.
func (m *OlmSessionManager) createSession(
	ctx context.Context,
	device *DeviceIdentity,
	claimed map[id.UserID]map[id.DeviceID]OneTimeKey,
) *OlmSessionResult {
	absent := &OlmSessionResult{Device: device}

	var key *OneTimeKey
	if k, ok := claimed[device.UserID][device.DeviceID]; ok {
		key = &k
	} else if device.FallbackKey != nil {
		key = device.FallbackKey
	}
	if key == nil {
		m.logger.Warn("no one-time or fallback key for device",
			"user", device.UserID,
			"device", device.DeviceID,
		)
		return absent
	}

	verified, err := signatures.VerifySignatureJSON(
		key, device.UserID, device.DeviceID.String(), device.SigningKey,
	)
	if err != nil || !verified {
		m.logger.Error("one-time key signature verification failed",
			"user", device.UserID,
			"device", device.DeviceID,
			"key_id", key.KeyID,
			"err", err,
		)
		return absent
	}

	session, err := m.provider.NewOutboundSession(device.IdentityKey, key.Key)
	if err != nil {
		m.logger.Error("failed to create outbound olm session",
			"user", device.UserID,
			"device", device.DeviceID,
			"err", err,
		)
		return absent
	}

	m.sessions[device.IdentityKey] = session
	m.persistSession(ctx, device.IdentityKey, session)

	return &OlmSessionResult{Device: device, Session: session}
}

// existingSession checks memory first, then hydrates from the store.
func (m *OlmSessionManager) existingSession(ctx context.Context, identityKey id.Curve25519) PairwiseSession {
	if session, ok := m.sessions[identityKey]; ok {
		return session
	}

	sessionID, pickled, err := m.store.GetOlmSession(ctx, identityKey)
	if err != nil || len(pickled) == 0 {
		return nil
	}
	session, err := m.provider.UnpickleSession(pickled)
	if err != nil {
		m.logger.Warn("failed to unpickle stored olm session",
			"session", sessionID,
			"err", err,
		)
		return nil
	}
	m.sessions[identityKey] = session
	return session
}

func (m *OlmSessionManager) persistSession(ctx context.Context, identityKey id.Curve25519, session PairwiseSession) {
	pickled, err := session.Pickle(nil)
	if err != nil {
		m.logger.Warn("failed to pickle olm session",
			"session", session.ID(),
			"err", err,
		)
		return
	}
	if err := m.store.PutOlmSession(ctx, identityKey, session.ID(), pickled); err != nil {
		m.logger.Warn("failed to persist olm session",
			"session", session.ID(),
			"err", err,
		)
	}
}

// Decrypt decrypts one pairwise olm message from senderKey. A pre-key message
// may establish a fresh inbound session; a normal message requires an
// existing one.
func (m *OlmSessionManager) Decrypt(
	ctx context.Context,
	senderKey id.Curve25519,
	msgType id.OlmMsgType,
	ciphertext string,
) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if session := m.existingSession(ctx, senderKey); session != nil {
		plaintext, err := session.Decrypt(ciphertext, msgType)
		if err == nil {
			m.persistSession(ctx, senderKey, session)
			return plaintext, nil
		}
		if msgType != id.OlmMsgTypePreKey {
			return nil, fmt.Errorf("decrypt olm message: %w", err)
		}
		// A pre-key message that the existing session rejects starts a new
		// session; the peer may have lost our previous one.
	} else if msgType != id.OlmMsgTypePreKey {
		return nil, fmt.Errorf("%w: sender key %s", ErrNoSessionForDevice, senderKey)
	}

	session, err := m.provider.NewInboundSession(senderKey, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("create inbound olm session: %w", err)
	}
	plaintext, err := session.Decrypt(ciphertext, msgType)
	if err != nil {
		return nil, fmt.Errorf("decrypt pre-key message: %w", err)
	}
	m.sessions[senderKey] = session
	m.persistSession(ctx, senderKey, session)
	return plaintext, nil
}

// UpdateSession re-persists a session after its ratchet advanced (every olm
// encrypt mutates it).
func (m *OlmSessionManager) UpdateSession(ctx context.Context, identityKey id.Curve25519, session PairwiseSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persistSession(ctx, identityKey, session)
}
