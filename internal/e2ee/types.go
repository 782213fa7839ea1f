package e2ee

import (
	"errors"
	"fmt"
	"strings"

	"maunium.net/go/mautrix/crypto/signatures"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

var (
	ErrDeviceNotFound     = errors.New("device not found")
	ErrNoSessionForDevice = errors.New("no pairwise session for device")
	ErrSessionNotShared   = errors.New("session was not shared with device")
	ErrNoCrossSigningKeys = errors.New("cross-signing keys not available")
	ErrUnknownSession     = errors.New("unknown inbound group session")
	ErrWrongRoom          = errors.New("session belongs to a different room")
)

// DeviceIdentity is a device as first observed through the device directory.
// Keys are immutable for the lifetime of the identity; a key rotation shows up
// as a new device, never as an update. Only the trust flags may change.
type DeviceIdentity struct {
	UserID      id.UserID
	DeviceID    id.DeviceID
	IdentityKey id.Curve25519
	SigningKey  id.Ed25519
	Algorithms  []id.Algorithm
	Signatures  signatures.Signatures

	// FallbackKey is a signed fallback key embedded in the directory response,
	// usable when the device has no one-time keys left to claim.
	FallbackKey *OneTimeKey

	Verified  bool
	Blocked   bool
	FirstSeen bool
}

// signable rebuilds the device-keys object whose canonical JSON the device and
// any cross-signing keys signed.
func (d *DeviceIdentity) signable() signableDeviceKeys {
	return signableDeviceKeys{
		UserID:     d.UserID,
		DeviceID:   d.DeviceID,
		Algorithms: d.Algorithms,
		Keys: map[id.KeyID]string{
			id.NewKeyID(id.KeyAlgorithmCurve25519, d.DeviceID.String()): string(d.IdentityKey),
			id.NewKeyID(id.KeyAlgorithmEd25519, d.DeviceID.String()):    string(d.SigningKey),
		},
		Signatures: d.Signatures,
	}
}

type signableDeviceKeys struct {
	UserID     id.UserID             `json:"user_id"`
	DeviceID   id.DeviceID           `json:"device_id"`
	Algorithms []id.Algorithm        `json:"algorithms"`
	Keys       map[id.KeyID]string   `json:"keys"`
	Signatures signatures.Signatures `json:"signatures,omitempty"`
}

// OneTimeKey is a claimed signed_curve25519 key, or the device's fallback key
// when no one-time key was available. The signed object covers key and the
// fallback flag.
type OneTimeKey struct {
	KeyID      id.KeyID              `json:"-"`
	Key        id.Curve25519         `json:"key"`
	Fallback   bool                  `json:"fallback,omitempty"`
	Signatures signatures.Signatures `json:"signatures,omitempty"`
}

// OlmSessionResult is the per-device outcome of an Ensure call. A nil Session
// means no pairwise session could be established for the device; that is a
// soft failure, not an error.
type OlmSessionResult struct {
	Device  *DeviceIdentity
	Session PairwiseSession
}

func (r OlmSessionResult) SessionID() id.SessionID {
	if r.Session == nil {
		return ""
	}
	return r.Session.ID()
}

// TrustStatus enumerates why a trust query holds or does not hold. Distrust is
// a value, never an error.
type TrustStatus int

const (
	TrustStatusSuccess TrustStatus = iota
	TrustStatusCrossSigningNotConfigured
	TrustStatusKeysNotTrusted
	TrustStatusKeyNotSigned
	TrustStatusInvalidSignature
	TrustStatusUnknownDevice
	TrustStatusMissingDeviceSignature
)

func (s TrustStatus) String() string {
	switch s {
	case TrustStatusSuccess:
		return "success"
	case TrustStatusCrossSigningNotConfigured:
		return "cross-signing not configured"
	case TrustStatusKeysNotTrusted:
		return "keys not trusted"
	case TrustStatusKeyNotSigned:
		return "key not signed"
	case TrustStatusInvalidSignature:
		return "invalid signature"
	case TrustStatusUnknownDevice:
		return "unknown device"
	case TrustStatusMissingDeviceSignature:
		return "missing device signature"
	default:
		return fmt.Sprintf("unknown status %d", int(s))
	}
}

// TrustResult is the outcome of a trust query. CrossSigningVerified is only
// meaningful on success; LocallyVerified reports the manual verification flag
// used by the graceful-degradation path when cross-signing data is absent.
type TrustResult struct {
	Status               TrustStatus
	CrossSigningVerified bool
	LocallyVerified      bool
}

func (r TrustResult) Trusted() bool {
	return r.Status == TrustStatusSuccess
}

// CrossSigningKey is one public key of the hierarchy together with the
// signatures observed on it, in its original signable shape.
type CrossSigningKey struct {
	UserID     id.UserID             `json:"user_id"`
	Usage      []string              `json:"usage"`
	Keys       map[id.KeyID]string   `json:"keys"`
	Signatures signatures.Signatures `json:"signatures,omitempty"`
}

// Key returns the single Ed25519 public key the entry carries.
func (k *CrossSigningKey) Key() id.Ed25519 {
	if k == nil {
		return ""
	}
	for _, key := range k.Keys {
		return id.Ed25519(key)
	}
	return ""
}

func newCrossSigningKey(userID id.UserID, usage string, pub id.Ed25519) *CrossSigningKey {
	return &CrossSigningKey{
		UserID: userID,
		Usage:  []string{usage},
		Keys: map[id.KeyID]string{
			id.NewKeyID(id.KeyAlgorithmEd25519, string(pub)): string(pub),
		},
	}
}

// CrossSigningKeySet holds the public halves of a user's three-key hierarchy.
// Private halves are optional; a user may only ever learn the public chain.
type CrossSigningKeySet struct {
	UserID      id.UserID        `json:"user_id"`
	Master      *CrossSigningKey `json:"master"`
	SelfSigning *CrossSigningKey `json:"self_signing"`
	UserSigning *CrossSigningKey `json:"user_signing"`
}

// UsersDevicesMap is a (user, device) keyed map in the shape the to-device
// endpoints take. It is not internally locked: mutation must stay confined to
// the caller holding the relevant component lock. Lock-free reads are fine
// for logging but never for a subsequent write decision.
type UsersDevicesMap[T any] struct {
	m map[id.UserID]map[id.DeviceID]T
}

func NewUsersDevicesMap[T any]() *UsersDevicesMap[T] {
	return &UsersDevicesMap[T]{m: make(map[id.UserID]map[id.DeviceID]T)}
}

func (u *UsersDevicesMap[T]) Get(userID id.UserID, deviceID id.DeviceID) (T, bool) {
	v, ok := u.m[userID][deviceID]
	return v, ok
}

func (u *UsersDevicesMap[T]) Set(userID id.UserID, deviceID id.DeviceID, value T) {
	devices, ok := u.m[userID]
	if !ok {
		devices = make(map[id.DeviceID]T)
		u.m[userID] = devices
	}
	devices[deviceID] = value
}

func (u *UsersDevicesMap[T]) Delete(userID id.UserID, deviceID id.DeviceID) {
	delete(u.m[userID], deviceID)
	if len(u.m[userID]) == 0 {
		delete(u.m, userID)
	}
}

func (u *UsersDevicesMap[T]) Len() int {
	n := 0
	for _, devices := range u.m {
		n += len(devices)
	}
	return n
}

func (u *UsersDevicesMap[T]) Range(fn func(userID id.UserID, deviceID id.DeviceID, value T) bool) {
	for userID, devices := range u.m {
		for deviceID, value := range devices {
			if !fn(userID, deviceID, value) {
				return
			}
		}
	}
}

// Flat returns the underlying map. Callers must respect the same confinement
// rules as for the map itself.
func (u *UsersDevicesMap[T]) Flat() map[id.UserID]map[id.DeviceID]T {
	return u.m
}

// withheldDevice pairs a device with the reason its key is being withheld.
type withheldDevice struct {
	device *DeviceIdentity
	code   event.RoomKeyWithheldCode
}

// UnknownDevicesError aborts a whole send when never-seen devices are present
// and the warn-on-unknown policy is on. The caller resolves the devices and
// re-invokes.
type UnknownDevicesError struct {
	Devices []*DeviceIdentity
}

func (e *UnknownDevicesError) Error() string {
	names := make([]string, len(e.Devices))
	for i, dev := range e.Devices {
		names[i] = fmt.Sprintf("%s/%s", dev.UserID, dev.DeviceID)
	}
	return "unknown devices: " + strings.Join(names, ", ")
}
