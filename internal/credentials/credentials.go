// Package credentials keeps per-account secrets in the OS keyring: access
// tokens and olm pickle keys never touch the crypto database on disk.
package credentials

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

const (
	serviceName    = "wren"
	keyAccessToken = "access_token"
	keyPickleKey   = "pickle_key"
)

var ErrNotFound = errors.New("credentials: not found")

type SessionMetadata struct {
	Homeserver string `json:"homeserver"`
	UserID     string `json:"user_id"`
	DeviceID   string `json:"device_id"`
}

func StoreSession(meta SessionMetadata, accessToken string) error {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal session metadata: %w", err)
	}

	if err := keyring.Set(serviceName, meta.UserID+":metadata", string(metaJSON)); err != nil {
		return fmt.Errorf("store metadata: %w", err)
	}

	if err := keyring.Set(serviceName, meta.UserID+":"+keyAccessToken, accessToken); err != nil {
		return fmt.Errorf("store access token: %w", err)
	}

	return nil
}

func LoadSession(userID string) (SessionMetadata, string, error) {
	metaRaw, err := keyring.Get(serviceName, userID+":metadata")
	if err != nil {
		return SessionMetadata{}, "", ErrNotFound
	}

	var meta SessionMetadata
	if err := json.Unmarshal([]byte(metaRaw), &meta); err != nil {
		return SessionMetadata{}, "", fmt.Errorf("unmarshal metadata: %w", err)
	}

	token, err := keyring.Get(serviceName, userID+":"+keyAccessToken)
	if err != nil {
		return SessionMetadata{}, "", fmt.Errorf("load access token: %w", err)
	}

	return meta, token, nil
}

func DeleteSession(userID string) {
	_ = keyring.Delete(serviceName, userID+":metadata")
	_ = keyring.Delete(serviceName, userID+":"+keyAccessToken)
}

// StorePickleKey stores the key protecting a user's pickled olm state.
func StorePickleKey(userID string, key []byte) error {
	return keyring.Set(serviceName, userID+":"+keyPickleKey, base64.StdEncoding.EncodeToString(key))
}

func LoadPickleKey(userID string) ([]byte, error) {
	val, err := keyring.Get(serviceName, userID+":"+keyPickleKey)
	if err != nil {
		return nil, ErrNotFound
	}
	key, err := base64.StdEncoding.DecodeString(val)
	if err != nil {
		return nil, fmt.Errorf("decode pickle key: %w", err)
	}
	return key, nil
}

func DeletePickleKey(userID string) {
	_ = keyring.Delete(serviceName, userID+":"+keyPickleKey)
}
