package account

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/wren-im/wren/internal/config"
	"github.com/wren-im/wren/internal/cryptostore"
	"github.com/wren-im/wren/internal/e2ee"
)

// Session is one running account: the sync loop, the crypto store, and the
// encryption machine.
type Session struct {
	logger  *slog.Logger
	cancel  context.CancelFunc
	client  *mautrix.Client
	store   *cryptostore.BadgerStore
	machine *e2ee.Machine
}

func newSession(
	ctx context.Context,
	log *slog.Logger,
	cfg *config.Config,
	client *mautrix.Client,
	dbPath string,
) (*Session, error) {
	store, err := cryptostore.Open(log, dbPath)
	if err != nil {
		return nil, err
	}

	pickleKey, err := config.PickleKey(client.UserID.String())
	if err != nil {
		store.Close()
		return nil, err
	}

	transport := e2ee.NewMatrixTransport(log, client, cfg.SyncBaseURL)
	machine, err := e2ee.LoadMachine(
		ctx, log, transport, store, pickleKey,
		client.UserID, client.DeviceID,
		e2ee.Config{
			WarnOnUnknownDevices:   cfg.WarnOnUnknownDevices,
			BlockUnverifiedDevices: cfg.BlockUnverifiedDevices,
			RotationMaxMessages:    cfg.RotationMaxMessages,
			RotationMaxAge:         cfg.RotationMaxAge,
		},
	)
	if err != nil {
		store.Close()
		return nil, err
	}

	syncCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		logger:  log,
		cancel:  cancel,
		client:  client,
		store:   store,
		machine: machine,
	}
	s.initSyncHandlers()

	go s.runSync(syncCtx)

	return s, nil
}

func (s *Session) Client() *mautrix.Client { return s.client }
func (s *Session) Machine() *e2ee.Machine  { return s.machine }

func (s *Session) initSyncHandlers() {
	syncer := s.client.Syncer.(*mautrix.DefaultSyncer)

	syncer.OnEventType(event.ToDeviceEncrypted, func(ctx context.Context, evt *event.Event) {
		evtType, _, err := s.machine.HandleEncryptedToDevice(ctx, evt.Sender, evt.Content.VeryRaw)
		if err != nil {
			s.logger.Warn("failed to handle encrypted to-device event",
				"sender", evt.Sender,
				"err", err,
			)
			return
		}
		s.logger.Debug("handled encrypted to-device event",
			"sender", evt.Sender,
			"type", evtType.Type,
		)
	})

	syncer.OnEventType(event.ToDeviceForwardedRoomKey, func(ctx context.Context, evt *event.Event) {
		// Forwarded keys should arrive olm-encrypted; a cleartext one is
		// dropped with a note, never ingested.
		s.logger.Warn("ignoring cleartext forwarded room key", "sender", evt.Sender)
	})
}

func (s *Session) runSync(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			err := s.client.SyncWithContext(ctx)
			if err != nil && ctx.Err() == nil {
				s.logger.Error("sync error", "err", err)
				if errors.Is(err, mautrix.MUnknownToken) {
					return
				}
				time.Sleep(5 * time.Second)
			}
		}
	}
}

// DecryptEvent decrypts a megolm room event received by the sync loop.
func (s *Session) DecryptEvent(ctx context.Context, evt *event.Event) (*e2ee.DecryptedEvent, error) {
	content, ok := evt.Content.Parsed.(*event.EncryptedEventContent)
	if !ok {
		if err := evt.Content.ParseRaw(evt.Type); err != nil {
			return nil, err
		}
		content = evt.Content.Parsed.(*event.EncryptedEventContent)
	}
	return s.machine.DecryptEvent(ctx, evt.RoomID, evt.ID, &e2ee.EncryptedEventContent{
		Algorithm:  content.Algorithm,
		SenderKey:  content.SenderKey,
		DeviceID:   content.DeviceID,
		SessionID:  content.SessionID,
		Ciphertext: string(content.MegolmCiphertext),
	})
}

// SendEncrypted encrypts and sends one room event to the room's current
// members.
func (s *Session) SendEncrypted(
	ctx context.Context,
	roomID id.RoomID,
	eventType event.Type,
	content any,
) (id.EventID, error) {
	members, err := s.client.JoinedMembers(ctx, roomID)
	if err != nil {
		return "", err
	}
	memberIDs := make([]id.UserID, 0, len(members.Joined))
	for userID := range members.Joined {
		memberIDs = append(memberIDs, userID)
	}

	encrypted, err := s.machine.EncryptEvent(ctx, roomID, eventType, content, memberIDs)
	if err != nil {
		return "", err
	}

	resp, err := s.client.SendMessageEvent(ctx, roomID, event.EventEncrypted, encrypted)
	if err != nil {
		return "", err
	}
	return resp.EventID, nil
}

func (s *Session) Close() {
	s.cancel()
	s.machine.Close()
	if err := s.store.Close(); err != nil {
		s.logger.Warn("failed to close crypto store", "err", err)
	}
}
