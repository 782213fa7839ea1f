package e2ee

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/signatures"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

const keyRequestTimeout = 10 * time.Second

// MatrixTransport implements Transport against a homeserver via the mautrix
// client, plus the sync service that tracks per-session shared-with maps
// across a user's own devices.
type MatrixTransport struct {
	logger *slog.Logger
	client *mautrix.Client
	http   *resty.Client

	// syncBase is the base URL of the shared-with sync service, typically the
	// homeserver itself with our vendor namespace.
	syncBase string
}

func NewMatrixTransport(logger *slog.Logger, client *mautrix.Client, syncBaseURL string) *MatrixTransport {
	if syncBaseURL == "" {
		syncBaseURL = strings.TrimRight(client.HomeserverURL.String(), "/") +
			"/_matrix/client/unstable/im.wren"
	}
	return &MatrixTransport{
		logger:   logger,
		client:   client,
		http:     resty.New().SetTimeout(30 * time.Second),
		syncBase: strings.TrimRight(syncBaseURL, "/"),
	}
}

func (t *MatrixTransport) req(ctx context.Context) *resty.Request {
	// The access token is read per request: it changes when the client
	// refreshes its login.
	return t.http.R().
		SetContext(ctx).
		SetAuthToken(t.client.AccessToken).
		SetHeader("Content-Type", "application/json")
}

func (t *MatrixTransport) ClaimOneTimeKeys(
	ctx context.Context,
	request map[id.UserID]map[id.DeviceID]id.KeyAlgorithm,
) (map[id.UserID]map[id.DeviceID]OneTimeKey, error) {
	resp, err := t.client.ClaimKeys(ctx, &mautrix.ReqClaimKeys{
		OneTimeKeys: request,
		Timeout:     keyRequestTimeout.Milliseconds(),
	})
	if err != nil {
		return nil, fmt.Errorf("claim keys: %w", err)
	}

	claimed := make(map[id.UserID]map[id.DeviceID]OneTimeKey)
	for userID, devices := range resp.OneTimeKeys {
		for deviceID, keys := range devices {
			for keyID, key := range keys {
				if claimed[userID] == nil {
					claimed[userID] = make(map[id.DeviceID]OneTimeKey)
				}
				claimed[userID][deviceID] = OneTimeKey{
					KeyID:      keyID,
					Key:        key.Key,
					Fallback:   key.Fallback,
					Signatures: signatures.Signatures(key.Signatures),
				}
				break
			}
		}
	}
	return claimed, nil
}

func (t *MatrixTransport) SendToDevice(
	ctx context.Context,
	eventType event.Type,
	messages *UsersDevicesMap[*event.Content],
) error {
	_, err := t.client.SendToDevice(ctx, eventType, &mautrix.ReqSendToDevice{
		Messages: messages.Flat(),
	})
	if err != nil {
		return fmt.Errorf("send to-device %s: %w", eventType.Type, err)
	}
	return nil
}

func (t *MatrixTransport) DownloadKeys(
	ctx context.Context,
	userIDs []id.UserID,
	forceFresh bool,
) (*DirectorySnapshot, error) {
	request := mautrix.DeviceKeysRequest{}
	for _, userID := range userIDs {
		request[userID] = mautrix.DeviceIDList{}
	}
	resp, err := t.client.QueryKeys(ctx, &mautrix.ReqQueryKeys{
		DeviceKeys: request,
		Timeout:    keyRequestTimeout.Milliseconds(),
	})
	if err != nil {
		return nil, fmt.Errorf("query keys: %w", err)
	}
	for server, reason := range resp.Failures {
		t.logger.Warn("key query partially failed", "server", server, "reason", reason)
	}

	snapshot := &DirectorySnapshot{
		Devices:      make(map[id.UserID]map[id.DeviceID]*DeviceIdentity),
		CrossSigning: make(map[id.UserID]*CrossSigningKeySet),
	}
	for userID, devices := range resp.DeviceKeys {
		snapshot.Devices[userID] = make(map[id.DeviceID]*DeviceIdentity, len(devices))
		for deviceID, keys := range devices {
			snapshot.Devices[userID][deviceID] = &DeviceIdentity{
				UserID:      userID,
				DeviceID:    deviceID,
				IdentityKey: keys.Keys.GetCurve25519(deviceID),
				SigningKey:  keys.Keys.GetEd25519(deviceID),
				Algorithms:  keys.Algorithms,
				Signatures:  signatures.Signatures(keys.Signatures),
			}
		}
	}

	for userID := range snapshot.Devices {
		keySet := &CrossSigningKeySet{UserID: userID}
		if master, ok := resp.MasterKeys[userID]; ok {
			keySet.Master = convertCrossSigningKey(userID, master)
		}
		if selfSigning, ok := resp.SelfSigningKeys[userID]; ok {
			keySet.SelfSigning = convertCrossSigningKey(userID, selfSigning)
		}
		if userSigning, ok := resp.UserSigningKeys[userID]; ok {
			keySet.UserSigning = convertCrossSigningKey(userID, userSigning)
		}
		if keySet.Master != nil {
			snapshot.CrossSigning[userID] = keySet
		}
	}
	return snapshot, nil
}

func convertCrossSigningKey(userID id.UserID, keys mautrix.CrossSigningKeys) *CrossSigningKey {
	usage := make([]string, len(keys.Usage))
	for i, u := range keys.Usage {
		usage[i] = string(u)
	}
	converted := &CrossSigningKey{
		UserID:     userID,
		Usage:      usage,
		Keys:       make(map[id.KeyID]string, len(keys.Keys)),
		Signatures: signatures.Signatures(keys.Signatures),
	}
	for keyID, key := range keys.Keys {
		converted.Keys[keyID] = string(key)
	}
	return converted
}

func (t *MatrixTransport) GetSessionSharedMap(
	ctx context.Context,
	roomID id.RoomID,
	sessionID id.SessionID,
) (map[id.UserID]map[id.DeviceID]uint32, error) {
	var shared map[id.UserID]map[id.DeviceID]uint32
	resp, err := t.req(ctx).
		SetResult(&shared).
		Get(t.sharedMapURL(roomID, sessionID))
	if err != nil {
		return nil, fmt.Errorf("get shared map: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, nil
	}
	if resp.IsError() {
		return nil, fmt.Errorf("get shared map: status %d", resp.StatusCode())
	}
	return shared, nil
}

func (t *MatrixTransport) PutSessionSharedMap(
	ctx context.Context,
	roomID id.RoomID,
	sessionID id.SessionID,
	shared map[id.UserID]map[id.DeviceID]uint32,
) error {
	resp, err := t.req(ctx).
		SetBody(shared).
		Put(t.sharedMapURL(roomID, sessionID))
	if err != nil {
		return fmt.Errorf("put shared map: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("put shared map: status %d", resp.StatusCode())
	}
	return nil
}

func (t *MatrixTransport) sharedMapURL(roomID id.RoomID, sessionID id.SessionID) string {
	return fmt.Sprintf("%s/rooms/%s/sessions/%s/shared_with", t.syncBase, roomID, sessionID)
}

func (t *MatrixTransport) UploadCrossSigningKeys(ctx context.Context, keys *CrossSigningKeySet) error {
	endpoint := strings.TrimRight(t.client.HomeserverURL.String(), "/") +
		"/_matrix/client/v3/keys/device_signing/upload"

	resp, err := t.req(ctx).
		SetBody(map[string]*CrossSigningKey{
			"master_key":       keys.Master,
			"self_signing_key": keys.SelfSigning,
			"user_signing_key": keys.UserSigning,
		}).
		Post(endpoint)
	if err != nil {
		return fmt.Errorf("upload cross-signing keys: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("upload cross-signing keys: status %d: %s",
			resp.StatusCode(), resp.String())
	}
	return nil
}

type signaturesUploadResponse struct {
	Failures map[id.UserID]map[string]json.RawMessage `json:"failures"`
}

func (t *MatrixTransport) UploadSignatures(ctx context.Context, sigs map[id.UserID]map[string]any) error {
	endpoint := strings.TrimRight(t.client.HomeserverURL.String(), "/") +
		"/_matrix/client/v3/keys/signatures/upload"

	var result signaturesUploadResponse
	resp, err := t.req(ctx).
		SetBody(sigs).
		SetResult(&result).
		Post(endpoint)
	if err != nil {
		return fmt.Errorf("upload signatures: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("upload signatures: status %d: %s",
			resp.StatusCode(), resp.String())
	}
	if len(result.Failures) > 0 {
		return fmt.Errorf("upload signatures: %d rejected", len(result.Failures))
	}
	return nil
}

var _ Transport = (*MatrixTransport)(nil)
