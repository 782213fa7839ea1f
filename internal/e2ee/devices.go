package e2ee

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sync/singleflight"
	"maunium.net/go/mautrix/crypto/signatures"
	"maunium.net/go/mautrix/id"

	"github.com/wren-im/wren/internal/cache"
)

const deviceCacheTTL = 10 * time.Minute

// DeviceDirectory resolves users to device identities. Downloads are deduped
// and cached; trust flags and first-seen state are merged in from the store,
// which stays the source of truth for them.
type DeviceDirectory struct {
	logger    *slog.Logger
	transport Transport
	store     Store

	snapshots *xsync.Map[string, cache.Entry[map[id.DeviceID]*DeviceIdentity]]
	sfg       singleflight.Group
}

func NewDeviceDirectory(logger *slog.Logger, transport Transport, store Store) *DeviceDirectory {
	return &DeviceDirectory{
		logger:    logger,
		transport: transport,
		store:     store,
		snapshots: xsync.NewMap[string, cache.Entry[map[id.DeviceID]*DeviceIdentity]](),
	}
}

// Devices returns the current device identities for each requested user,
// downloading whatever the cache does not cover. With forceFresh the cache is
// bypassed entirely.
func (d *DeviceDirectory) Devices(
	ctx context.Context,
	userIDs []id.UserID,
	forceFresh bool,
) (map[id.UserID]map[id.DeviceID]*DeviceIdentity, error) {
	result := make(map[id.UserID]map[id.DeviceID]*DeviceIdentity, len(userIDs))

	var missing []id.UserID
	for _, userID := range userIDs {
		if !forceFresh {
			if devices, ok := cache.Peek(d.snapshots, string(userID), deviceCacheTTL); ok {
				result[userID] = devices
				continue
			}
		}
		missing = append(missing, userID)
	}

	if len(missing) > 0 {
		key := batchKey(missing)
		fetched, err, _ := d.sfg.Do(key, func() (any, error) {
			return d.downloadAll(ctx, missing)
		})
		if err != nil {
			return nil, err
		}
		for userID, devices := range fetched.(map[id.UserID]map[id.DeviceID]*DeviceIdentity) {
			cache.Put(d.snapshots, string(userID), devices)
			result[userID] = devices
		}
	}

	return result, nil
}

// UserDevices is the single-user lookup. Unlike Devices it serves a stale
// snapshot immediately and refreshes past-TTL entries in the background,
// which suits callers resolving one device for a reshare or trust check.
func (d *DeviceDirectory) UserDevices(ctx context.Context, userID id.UserID) (map[id.DeviceID]*DeviceIdentity, error) {
	return cache.Fetch(d.snapshots, &d.sfg, string(userID), deviceCacheTTL,
		func() (map[id.DeviceID]*DeviceIdentity, error) {
			fetched, err := d.downloadAll(ctx, []id.UserID{userID})
			if err != nil {
				return nil, err
			}
			return fetched[userID], nil
		})
}

// Invalidate drops a user's cached snapshot, forcing the next lookup to hit
// the server. Called after trust flags change.
func (d *DeviceDirectory) Invalidate(userID id.UserID) {
	cache.Forget(d.snapshots, string(userID))
}

func (d *DeviceDirectory) downloadAll(ctx context.Context, userIDs []id.UserID) (map[id.UserID]map[id.DeviceID]*DeviceIdentity, error) {
	snapshot, err := d.transport.DownloadKeys(ctx, userIDs, false)
	if err != nil {
		return nil, err
	}

	result := make(map[id.UserID]map[id.DeviceID]*DeviceIdentity, len(userIDs))
	for _, userID := range userIDs {
		devices := make(map[id.DeviceID]*DeviceIdentity)
		for deviceID, device := range snapshot.Devices[userID] {
			merged, ok := d.mergeDevice(ctx, device)
			if !ok {
				continue
			}
			devices[deviceID] = merged
		}
		result[userID] = devices
	}

	for userID, keys := range snapshot.CrossSigning {
		if err := d.store.PutCrossSigningKeys(ctx, userID, keys); err != nil {
			d.logger.Warn("failed to persist cross-signing keys",
				"user", userID,
				"err", err,
			)
		}
	}

	return result, nil
}

// mergeDevice reconciles a downloaded identity with the stored one. Keys are
// immutable: a device re-announcing different keys keeps its stored identity.
func (d *DeviceDirectory) mergeDevice(ctx context.Context, device *DeviceIdentity) (*DeviceIdentity, bool) {
	if device.IdentityKey == "" || device.SigningKey == "" {
		d.logger.Warn("device published without identity or signing key",
			"user", device.UserID,
			"device", device.DeviceID,
		)
		return nil, false
	}

	keyName := id.NewKeyID(id.KeyAlgorithmEd25519, device.DeviceID.String()).String()
	ok, err := signatures.VerifySignatureJSON(
		device.signable(), device.UserID, device.DeviceID.String(), device.SigningKey,
	)
	if err != nil || !ok {
		d.logger.Warn("device keys failed self-signature check",
			"user", device.UserID,
			"device", device.DeviceID,
			"key", keyName,
			"err", err,
		)
		return nil, false
	}

	stored, err := d.store.GetDevice(ctx, device.UserID, device.DeviceID)
	if err != nil {
		return nil, false
	}

	if stored == nil {
		device.FirstSeen = true
		if err := d.store.PutDevice(ctx, device); err != nil {
			d.logger.Warn("failed to persist device",
				"user", device.UserID,
				"device", device.DeviceID,
				"err", err,
			)
		}
		return device, true
	}

	if stored.SigningKey != device.SigningKey || stored.IdentityKey != device.IdentityKey {
		d.logger.Warn("device re-announced with different keys, keeping stored identity",
			"user", device.UserID,
			"device", device.DeviceID,
		)
		return stored, true
	}

	// Signatures may have grown (e.g. a fresh self-signing signature).
	stored.Signatures = device.Signatures
	stored.Algorithms = device.Algorithms
	stored.FirstSeen = false
	return stored, true
}

// SetDeviceTrust flips the verified/blocked flags on a stored device.
func (d *DeviceDirectory) SetDeviceTrust(ctx context.Context, userID id.UserID, deviceID id.DeviceID, verified, blocked bool) error {
	device, err := d.store.GetDevice(ctx, userID, deviceID)
	if err != nil {
		return err
	}
	if device == nil {
		return ErrDeviceNotFound
	}
	device.Verified = verified
	device.Blocked = blocked
	if err := d.store.PutDevice(ctx, device); err != nil {
		return err
	}
	d.Invalidate(userID)
	return nil
}

func batchKey(userIDs []id.UserID) string {
	keys := make([]string, len(userIDs))
	for i, userID := range userIDs {
		keys[i] = string(userID)
	}
	sort.Strings(keys)
	return strings.Join(keys, "|")
}
