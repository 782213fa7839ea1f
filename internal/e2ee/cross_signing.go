package e2ee

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"maunium.net/go/mautrix/id"
)

const (
	usageMaster      = "master"
	usageSelfSigning = "self_signing"
	usageUserSigning = "user_signing"
)

// TrustEngine owns the cross-signing hierarchy for one logged-in identity and
// answers trust queries by walking signature chains. The key set is never
// mutated in place: (re)initialization replaces it wholesale.
type TrustEngine struct {
	mu sync.RWMutex

	logger    *slog.Logger
	provider  CryptoProvider
	transport Transport
	store     Store
	directory *DeviceDirectory
	tasks     *TaskQueue

	ownUserID   id.UserID
	ownDeviceID id.DeviceID

	// Private halves, nil when only the public chain is known.
	master      CrossSigningSigner
	selfSigning CrossSigningSigner
	userSigning CrossSigningSigner
}

func NewTrustEngine(
	logger *slog.Logger,
	provider CryptoProvider,
	transport Transport,
	store Store,
	directory *DeviceDirectory,
	tasks *TaskQueue,
	ownUserID id.UserID,
	ownDeviceID id.DeviceID,
) *TrustEngine {
	return &TrustEngine{
		logger:      logger,
		provider:    provider,
		transport:   transport,
		store:       store,
		directory:   directory,
		tasks:       tasks,
		ownUserID:   ownUserID,
		ownDeviceID: ownDeviceID,
	}
}

// Load restores locally stored private keys, if any.
func (t *TrustEngine) Load(ctx context.Context) error {
	seeds, err := t.store.GetCrossSigningSeeds(ctx, t.ownUserID)
	if err != nil {
		return err
	}
	if seeds == nil {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if len(seeds.Master) > 0 {
		if t.master, err = t.provider.SignerFromSeed(seeds.Master); err != nil {
			return fmt.Errorf("restore master key: %w", err)
		}
	}
	if len(seeds.SelfSigning) > 0 {
		if t.selfSigning, err = t.provider.SignerFromSeed(seeds.SelfSigning); err != nil {
			return fmt.Errorf("restore self-signing key: %w", err)
		}
	}
	if len(seeds.UserSigning) > 0 {
		if t.userSigning, err = t.provider.SignerFromSeed(seeds.UserSigning); err != nil {
			return fmt.Errorf("restore user-signing key: %w", err)
		}
	}
	return nil
}

// Initialize generates a fresh hierarchy: the master key signs the
// user-signing and self-signing keys, the public chain is published, the
// private halves are persisted locally, and our own device is marked
// verified.
func (t *TrustEngine) Initialize(ctx context.Context) error {
	master, err := t.provider.NewSigner()
	if err != nil {
		return fmt.Errorf("generate master key: %w", err)
	}
	selfSigning, err := t.provider.NewSigner()
	if err != nil {
		return fmt.Errorf("generate self-signing key: %w", err)
	}
	userSigning, err := t.provider.NewSigner()
	if err != nil {
		return fmt.Errorf("generate user-signing key: %w", err)
	}

	masterKey := newCrossSigningKey(t.ownUserID, usageMaster, master.PublicKey())
	selfKey := newCrossSigningKey(t.ownUserID, usageSelfSigning, selfSigning.PublicKey())
	userKey := newCrossSigningKey(t.ownUserID, usageUserSigning, userSigning.PublicKey())

	// The device vouches for the master key so other sessions can bootstrap
	// trust from a verified device.
	deviceSig, err := t.provider.SignJSON(masterKey)
	if err != nil {
		return fmt.Errorf("sign master key: %w", err)
	}
	masterKey.Signatures = signaturesOf(t.ownUserID, id.NewKeyID(id.KeyAlgorithmEd25519, t.ownDeviceID.String()), deviceSig)

	selfSig, err := master.SignJSON(selfKey)
	if err != nil {
		return fmt.Errorf("sign self-signing key: %w", err)
	}
	selfKey.Signatures = signaturesOf(t.ownUserID, crossSigningKeyID(master.PublicKey()), selfSig)

	userSig, err := master.SignJSON(userKey)
	if err != nil {
		return fmt.Errorf("sign user-signing key: %w", err)
	}
	userKey.Signatures = signaturesOf(t.ownUserID, crossSigningKeyID(master.PublicKey()), userSig)

	keySet := &CrossSigningKeySet{
		UserID:      t.ownUserID,
		Master:      masterKey,
		SelfSigning: selfKey,
		UserSigning: userKey,
	}

	if err := t.transport.UploadCrossSigningKeys(ctx, keySet); err != nil {
		return fmt.Errorf("publish cross-signing keys: %w", err)
	}

	if err := t.store.PutCrossSigningKeys(ctx, t.ownUserID, keySet); err != nil {
		return err
	}
	if err := t.store.PutCrossSigningSeeds(ctx, t.ownUserID, &CrossSigningSeeds{
		Master:      master.Seed(),
		SelfSigning: selfSigning.Seed(),
		UserSigning: userSigning.Seed(),
	}); err != nil {
		return err
	}

	t.mu.Lock()
	t.master = master
	t.selfSigning = selfSigning
	t.userSigning = userSigning
	t.mu.Unlock()

	if err := t.trustOwnDeviceLocally(ctx); err != nil {
		t.logger.Warn("failed to mark own device verified",
			"user", t.ownUserID,
			"device", t.ownDeviceID,
			"err", err,
		)
	}

	t.logger.Info("cross-signing initialized",
		"user", t.ownUserID,
		"master", master.PublicKey(),
	)
	return nil
}

func (t *TrustEngine) trustOwnDeviceLocally(ctx context.Context) error {
	device, err := t.store.GetDevice(ctx, t.ownUserID, t.ownDeviceID)
	if err != nil {
		return err
	}
	if device == nil {
		return nil
	}
	device.Verified = true
	return t.store.PutDevice(ctx, device)
}

// TrustUser signs another user's master key with our user-signing key,
// publishes the signature, and schedules a trust cascade for their devices.
// The signature upload is best-effort: the local trust decision stands even
// if it fails.
func (t *TrustEngine) TrustUser(ctx context.Context, otherUserID id.UserID) error {
	t.mu.RLock()
	userSigning := t.userSigning
	t.mu.RUnlock()
	if userSigning == nil {
		return ErrNoCrossSigningKeys
	}

	otherKeys, err := t.store.GetCrossSigningKeys(ctx, otherUserID)
	if err != nil {
		return err
	}
	if otherKeys == nil || otherKeys.Master == nil {
		return ErrNoCrossSigningKeys
	}

	// Sign a copy without foreign signatures; the canonical form excludes
	// them anyway but the uploaded object should be minimal.
	signable := newCrossSigningKey(otherUserID, usageMaster, otherKeys.Master.Key())
	sig, err := userSigning.SignJSON(signable)
	if err != nil {
		return fmt.Errorf("sign master key of %s: %w", otherUserID, err)
	}

	keyID := crossSigningKeyID(userSigning.PublicKey())
	if otherKeys.Master.Signatures == nil {
		otherKeys.Master.Signatures = make(map[id.UserID]map[id.KeyID]string)
	}
	if otherKeys.Master.Signatures[t.ownUserID] == nil {
		otherKeys.Master.Signatures[t.ownUserID] = make(map[id.KeyID]string)
	}
	otherKeys.Master.Signatures[t.ownUserID][keyID] = sig
	if err := t.store.PutCrossSigningKeys(ctx, otherUserID, otherKeys); err != nil {
		return err
	}

	signable.Signatures = signaturesOf(t.ownUserID, keyID, sig)
	t.uploadSignature(ctx, otherUserID, string(otherKeys.Master.Key()), signable)

	t.scheduleTrustCascade(otherUserID)
	return nil
}

// TrustDevice signs one of our own devices with the self-signing key, marks
// it verified locally, publishes the signature, and schedules a cascade.
func (t *TrustEngine) TrustDevice(ctx context.Context, deviceID id.DeviceID) error {
	t.mu.RLock()
	selfSigning := t.selfSigning
	t.mu.RUnlock()
	if selfSigning == nil {
		return ErrNoCrossSigningKeys
	}

	device, err := t.store.GetDevice(ctx, t.ownUserID, deviceID)
	if err != nil {
		return err
	}
	if device == nil {
		return ErrDeviceNotFound
	}

	signable := device.signable()
	signable.Signatures = nil
	sig, err := selfSigning.SignJSON(signable)
	if err != nil {
		return fmt.Errorf("sign device %s: %w", deviceID, err)
	}

	keyID := crossSigningKeyID(selfSigning.PublicKey())
	if device.Signatures == nil {
		device.Signatures = make(map[id.UserID]map[id.KeyID]string)
	}
	if device.Signatures[t.ownUserID] == nil {
		device.Signatures[t.ownUserID] = make(map[id.KeyID]string)
	}
	device.Signatures[t.ownUserID][keyID] = sig
	device.Verified = true
	if err := t.store.PutDevice(ctx, device); err != nil {
		return err
	}
	t.directory.Invalidate(t.ownUserID)

	signable.Signatures = signaturesOf(t.ownUserID, keyID, sig)
	t.uploadSignature(ctx, t.ownUserID, deviceID.String(), signable)

	t.scheduleTrustCascade(t.ownUserID)
	return nil
}

func (t *TrustEngine) uploadSignature(ctx context.Context, targetUser id.UserID, targetKey string, signed any) {
	err := t.transport.UploadSignatures(ctx, map[id.UserID]map[string]any{
		targetUser: {targetKey: signed},
	})
	if err != nil {
		t.logger.Warn("signature upload failed",
			"target_user", targetUser,
			"target_key", targetKey,
			"err", err,
		)
	}
}

// scheduleTrustCascade recomputes trust for the user's devices in the
// background. Signing a key can flip the shield state of every room shared
// with that user, so the fan-out never runs inline; repeat submissions for
// the same user collapse into the latest one.
func (t *TrustEngine) scheduleTrustCascade(userID id.UserID) {
	t.tasks.Submit("trust-update:"+string(userID), func(ctx context.Context) {
		t.directory.Invalidate(userID)
		devices, err := t.store.GetUserDevices(ctx, userID)
		if err != nil {
			t.logger.Warn("trust cascade failed to list devices",
				"user", userID,
				"err", err,
			)
			return
		}
		for _, device := range devices {
			result := t.CheckDeviceTrust(ctx, device)
			t.logger.Debug("trust recomputed",
				"user", userID,
				"device", device.DeviceID,
				"status", result.Status.String(),
				"cross_signed", result.CrossSigningVerified,
			)
		}
	})
}

func signaturesOf(userID id.UserID, keyID id.KeyID, sig string) map[id.UserID]map[id.KeyID]string {
	return map[id.UserID]map[id.KeyID]string{
		userID: {keyID: sig},
	}
}
