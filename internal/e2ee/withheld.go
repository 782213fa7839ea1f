package e2ee

import (
	"context"
	"log/slog"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// roomKeyWithheldContent is the m.room.key.withheld payload. Sent in the
// clear: the whole point is that no olm channel is required.
type roomKeyWithheldContent struct {
	RoomID     id.RoomID                 `json:"room_id,omitempty"`
	Algorithm  id.Algorithm              `json:"algorithm"`
	SessionID  id.SessionID              `json:"session_id,omitempty"`
	SenderKey  id.Curve25519             `json:"sender_key"`
	Code       event.RoomKeyWithheldCode `json:"code"`
	Reason     string                    `json:"reason,omitempty"`
	FromDevice id.DeviceID               `json:"from_device,omitempty"`
}

func withheldReason(code event.RoomKeyWithheldCode) string {
	switch code {
	case event.RoomKeyWithheldBlacklisted:
		return "The sender has blocked you"
	case event.RoomKeyWithheldUnverified:
		return "The sender has disabled encrypting to unverified devices"
	case event.RoomKeyWithheldUnauthorized:
		return "You are not authorised to receive the key"
	case event.RoomKeyWithheldNoOlmSession:
		return "Unable to establish a secure olm channel"
	default:
		return ""
	}
}

// WithheldNotifier tells excluded devices they will not be getting a session
// key, with a machine-readable reason. Delivery is best-effort and never
// retried: the recipients already lack the key either way.
type WithheldNotifier struct {
	logger     *slog.Logger
	transport  Transport
	senderKey  id.Curve25519
	fromDevice id.DeviceID
}

func NewWithheldNotifier(logger *slog.Logger, transport Transport, senderKey id.Curve25519, fromDevice id.DeviceID) *WithheldNotifier {
	return &WithheldNotifier{
		logger:     logger,
		transport:  transport,
		senderKey:  senderKey,
		fromDevice: fromDevice,
	}
}

func (n *WithheldNotifier) Notify(
	ctx context.Context,
	roomID id.RoomID,
	sessionID id.SessionID,
	devices []withheldDevice,
) {
	if len(devices) == 0 {
		return
	}

	messages := NewUsersDevicesMap[*event.Content]()
	for _, wd := range devices {
		content := &roomKeyWithheldContent{
			RoomID:     roomID,
			Algorithm:  id.AlgorithmMegolmV1,
			SessionID:  sessionID,
			SenderKey:  n.senderKey,
			Code:       wd.code,
			Reason:     withheldReason(wd.code),
			FromDevice: n.fromDevice,
		}
		messages.Set(wd.device.UserID, wd.device.DeviceID, &event.Content{Parsed: content})
	}

	if err := n.transport.SendToDevice(ctx, event.ToDeviceRoomKeyWithheld, messages); err != nil {
		n.logger.Warn("failed to deliver withheld notices",
			"room", roomID,
			"session", sessionID,
			"count", len(devices),
			"err", err,
		)
	}
}
