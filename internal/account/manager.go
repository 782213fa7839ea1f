// Package account manages logged-in identities: one mautrix client, crypto
// store, and encryption machine per account.
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"sync"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/wren-im/wren/internal/config"
	"github.com/wren-im/wren/internal/credentials"
	"github.com/wren-im/wren/internal/logger"
)

var ErrNoSession = errors.New("no session for user")

type Manager struct {
	mu       sync.RWMutex
	sessions map[id.UserID]*Session

	logger *slog.Logger
	cfg    *config.Config
}

func NewManager(log *slog.Logger, cfg *config.Config) *Manager {
	return &Manager{
		sessions: make(map[id.UserID]*Session),
		logger:   log,
		cfg:      cfg,
	}
}

// Login authenticates against the homeserver with a password, stores the
// resulting credentials in the keyring, and starts a session.
func (m *Manager) Login(ctx context.Context, homeserver, username, password string) (*Session, error) {
	client, err := mautrix.NewClient(homeserver, "", "")
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}

	resp, err := client.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: username,
		},
		Password:                 password,
		InitialDeviceDisplayName: "wren",
		StoreCredentials:         true,
	})
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}

	meta := credentials.SessionMetadata{
		Homeserver: homeserver,
		UserID:     resp.UserID.String(),
		DeviceID:   resp.DeviceID.String(),
	}
	if err := credentials.StoreSession(meta, resp.AccessToken); err != nil {
		m.logger.Warn("failed to store session in keyring",
			"user", resp.UserID,
			"err", err,
		)
	}
	_ = credentials.AddKnownAccount(resp.UserID.String())

	return m.startSession(ctx, client)
}

// Resume restores a previously stored login from the keyring.
func (m *Manager) Resume(ctx context.Context, userID id.UserID) (*Session, error) {
	m.mu.RLock()
	if session, ok := m.sessions[userID]; ok {
		m.mu.RUnlock()
		return session, nil
	}
	m.mu.RUnlock()

	meta, token, err := credentials.LoadSession(userID.String())
	if err != nil {
		return nil, fmt.Errorf("resume %s: %w", userID, err)
	}

	client, err := mautrix.NewClient(meta.Homeserver, id.UserID(meta.UserID), token)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	client.DeviceID = id.DeviceID(meta.DeviceID)

	return m.startSession(ctx, client)
}

func (m *Manager) startSession(ctx context.Context, client *mautrix.Client) (*Session, error) {
	log := logger.ForAccount(m.logger, client.UserID.String(), client.DeviceID.String())

	dbPath := filepath.Join(m.cfg.CryptoDBPath, url.PathEscape(client.UserID.String()))
	session, err := newSession(ctx, log, m.cfg, client, dbPath)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if existing, ok := m.sessions[client.UserID]; ok {
		m.mu.Unlock()
		session.Close()
		return existing, nil
	}
	m.sessions[client.UserID] = session
	m.mu.Unlock()

	log.Info("session started")
	return session, nil
}

func (m *Manager) Get(userID id.UserID) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if session, ok := m.sessions[userID]; ok {
		return session, nil
	}
	return nil, ErrNoSession
}

// Logout invalidates the access token, wipes keyring entries, and tears the
// session down. The crypto database stays on disk.
func (m *Manager) Logout(ctx context.Context, userID id.UserID) error {
	m.mu.Lock()
	session, ok := m.sessions[userID]
	delete(m.sessions, userID)
	m.mu.Unlock()
	if !ok {
		return ErrNoSession
	}

	if _, err := session.Client().Logout(ctx); err != nil {
		m.logger.Warn("logout request failed", "user", userID, "err", err)
	}
	session.Close()

	credentials.DeleteSession(userID.String())
	credentials.DeletePickleKey(userID.String())
	_ = credentials.RemoveKnownAccount(userID.String())
	return nil
}

// Close tears down every active session.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[id.UserID]*Session)
	m.mu.Unlock()

	for _, session := range sessions {
		session.Close()
	}
}
