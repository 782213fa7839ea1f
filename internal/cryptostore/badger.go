// Package cryptostore persists encryption state in a local badger database.
package cryptostore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	badger "github.com/dgraph-io/badger/v4"
	"maunium.net/go/mautrix/id"

	"github.com/wren-im/wren/internal/e2ee"
)

// Key layout. Everything is JSON except the raw pickle blobs.
const (
	keyAccount         = "acct"
	prefixOlmSession   = "olm/"
	prefixOutbound     = "outb/"
	prefixInbound      = "inb/"
	prefixDevice       = "dev/"
	prefixCrossSigning = "xs/"
	prefixSigningSeeds = "xseed/"
	prefixRoomFlags    = "room/"
)

// BadgerStore implements e2ee.Store on a badger key-value database.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger
}

// Open opens (or creates) the database at dir. An empty dir opens an
// in-memory database, useful for tests and ephemeral sessions.
func Open(logger *slog.Logger, dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open crypto store: %w", err)
	}
	return &BadgerStore{db: db, logger: logger}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) set(key string, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

// get returns (nil, nil) when the key is absent.
func (s *BadgerStore) get(key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	return value, err
}

func (s *BadgerStore) setJSON(key string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.set(key, encoded)
}

// getJSON reports false with a nil error when the key is absent.
func (s *BadgerStore) getJSON(key string, out any) (bool, error) {
	value, err := s.get(key)
	if err != nil || value == nil {
		return false, err
	}
	return true, json.Unmarshal(value, out)
}

func (s *BadgerStore) PutAccount(ctx context.Context, pickled []byte) error {
	return s.set(keyAccount, pickled)
}

func (s *BadgerStore) GetAccount(ctx context.Context) ([]byte, error) {
	return s.get(keyAccount)
}

type olmSessionRecord struct {
	SessionID id.SessionID `json:"session_id"`
	Pickled   []byte       `json:"pickled"`
}

func (s *BadgerStore) PutOlmSession(ctx context.Context, identityKey id.Curve25519, sessionID id.SessionID, pickled []byte) error {
	return s.setJSON(prefixOlmSession+string(identityKey), olmSessionRecord{
		SessionID: sessionID,
		Pickled:   pickled,
	})
}

func (s *BadgerStore) GetOlmSession(ctx context.Context, identityKey id.Curve25519) (id.SessionID, []byte, error) {
	var record olmSessionRecord
	ok, err := s.getJSON(prefixOlmSession+string(identityKey), &record)
	if !ok {
		return "", nil, err
	}
	return record.SessionID, record.Pickled, nil
}

func (s *BadgerStore) PutOutboundGroupSession(ctx context.Context, roomID id.RoomID, record *e2ee.OutboundSessionRecord) error {
	return s.setJSON(prefixOutbound+string(roomID), record)
}

func (s *BadgerStore) GetOutboundGroupSession(ctx context.Context, roomID id.RoomID) (*e2ee.OutboundSessionRecord, error) {
	var record e2ee.OutboundSessionRecord
	ok, err := s.getJSON(prefixOutbound+string(roomID), &record)
	if !ok {
		return nil, err
	}
	return &record, nil
}

func (s *BadgerStore) DeleteOutboundGroupSession(ctx context.Context, roomID id.RoomID) error {
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(prefixOutbound + string(roomID)))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

func inboundSessionKey(senderKey id.Curve25519, sessionID id.SessionID) string {
	return prefixInbound + string(senderKey) + "/" + string(sessionID)
}

func (s *BadgerStore) PutInboundGroupSession(ctx context.Context, senderKey id.Curve25519, sessionID id.SessionID, record *e2ee.InboundSessionRecord) error {
	return s.setJSON(inboundSessionKey(senderKey, sessionID), record)
}

func (s *BadgerStore) GetInboundGroupSession(ctx context.Context, senderKey id.Curve25519, sessionID id.SessionID) (*e2ee.InboundSessionRecord, error) {
	var record e2ee.InboundSessionRecord
	ok, err := s.getJSON(inboundSessionKey(senderKey, sessionID), &record)
	if !ok {
		return nil, err
	}
	return &record, nil
}

func deviceKey(userID id.UserID, deviceID id.DeviceID) string {
	return prefixDevice + string(userID) + "/" + string(deviceID)
}

func (s *BadgerStore) PutDevice(ctx context.Context, device *e2ee.DeviceIdentity) error {
	return s.setJSON(deviceKey(device.UserID, device.DeviceID), device)
}

func (s *BadgerStore) GetDevice(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (*e2ee.DeviceIdentity, error) {
	var device e2ee.DeviceIdentity
	ok, err := s.getJSON(deviceKey(userID, deviceID), &device)
	if !ok {
		return nil, err
	}
	return &device, nil
}

func (s *BadgerStore) GetUserDevices(ctx context.Context, userID id.UserID) ([]*e2ee.DeviceIdentity, error) {
	prefix := []byte(prefixDevice + string(userID) + "/")
	var devices []*e2ee.DeviceIdentity
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var device e2ee.DeviceIdentity
			err := it.Item().Value(func(value []byte) error {
				return json.Unmarshal(value, &device)
			})
			if err != nil {
				return err
			}
			devices = append(devices, &device)
		}
		return nil
	})
	return devices, err
}

func (s *BadgerStore) PutCrossSigningKeys(ctx context.Context, userID id.UserID, keys *e2ee.CrossSigningKeySet) error {
	return s.setJSON(prefixCrossSigning+string(userID), keys)
}

func (s *BadgerStore) GetCrossSigningKeys(ctx context.Context, userID id.UserID) (*e2ee.CrossSigningKeySet, error) {
	var keys e2ee.CrossSigningKeySet
	ok, err := s.getJSON(prefixCrossSigning+string(userID), &keys)
	if !ok {
		return nil, err
	}
	return &keys, nil
}

func (s *BadgerStore) PutCrossSigningSeeds(ctx context.Context, userID id.UserID, seeds *e2ee.CrossSigningSeeds) error {
	return s.setJSON(prefixSigningSeeds+string(userID), seeds)
}

func (s *BadgerStore) GetCrossSigningSeeds(ctx context.Context, userID id.UserID) (*e2ee.CrossSigningSeeds, error) {
	var seeds e2ee.CrossSigningSeeds
	ok, err := s.getJSON(prefixSigningSeeds+string(userID), &seeds)
	if !ok {
		return nil, err
	}
	return &seeds, nil
}

func (s *BadgerStore) PutRoomFlags(ctx context.Context, roomID id.RoomID, flags e2ee.RoomFlags) error {
	return s.setJSON(prefixRoomFlags+string(roomID), flags)
}

func (s *BadgerStore) GetRoomFlags(ctx context.Context, roomID id.RoomID) (e2ee.RoomFlags, error) {
	var flags e2ee.RoomFlags
	_, err := s.getJSON(prefixRoomFlags+string(roomID), &flags)
	return flags, err
}

var _ e2ee.Store = (*BadgerStore)(nil)
