package e2ee

import (
	"context"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// DirectorySnapshot is one download of the key directory for a set of users:
// raw device identities (trust flags unset) plus any published cross-signing
// hierarchies.
type DirectorySnapshot struct {
	Devices      map[id.UserID]map[id.DeviceID]*DeviceIdentity
	CrossSigning map[id.UserID]*CrossSigningKeySet
}

// Transport is the HTTP plumbing this core depends on but does not implement.
// Every call suspends on the network; timeouts are the transport's problem.
type Transport interface {
	// ClaimOneTimeKeys claims one signed one-time key per requested device.
	// Devices that had no key to claim are simply absent from the response.
	ClaimOneTimeKeys(ctx context.Context, request map[id.UserID]map[id.DeviceID]id.KeyAlgorithm) (map[id.UserID]map[id.DeviceID]OneTimeKey, error)

	// SendToDevice delivers one payload per (user, device) under the given
	// to-device event type.
	SendToDevice(ctx context.Context, eventType event.Type, messages *UsersDevicesMap[*event.Content]) error

	// DownloadKeys fetches the current directory snapshot for the users.
	DownloadKeys(ctx context.Context, userIDs []id.UserID, forceFresh bool) (*DirectorySnapshot, error)

	// GetSessionSharedMap and PutSessionSharedMap read and write the remote
	// per-session record of which devices already hold the session key and at
	// which chain index.
	GetSessionSharedMap(ctx context.Context, roomID id.RoomID, sessionID id.SessionID) (map[id.UserID]map[id.DeviceID]uint32, error)
	PutSessionSharedMap(ctx context.Context, roomID id.RoomID, sessionID id.SessionID, shared map[id.UserID]map[id.DeviceID]uint32) error

	// UploadCrossSigningKeys publishes a freshly generated hierarchy.
	UploadCrossSigningKeys(ctx context.Context, keys *CrossSigningKeySet) error

	// UploadSignatures publishes signatures made with the local user-signing
	// or self-signing key. Keyed user -> target key/device id -> signed object.
	UploadSignatures(ctx context.Context, sigs map[id.UserID]map[string]any) error
}
