package e2ee

import (
	"context"

	"maunium.net/go/mautrix/crypto/signatures"
	"maunium.net/go/mautrix/id"
)

func crossSigningKeyID(pub id.Ed25519) id.KeyID {
	return id.NewKeyID(id.KeyAlgorithmEd25519, string(pub))
}

// CheckSelfTrust reports whether our own cross-signing hierarchy holds
// end to end: a trusted master key with valid master signatures on both the
// user-signing and self-signing keys.
func (t *TrustEngine) CheckSelfTrust(ctx context.Context) TrustResult {
	keys, err := t.store.GetCrossSigningKeys(ctx, t.ownUserID)
	if err != nil || keys == nil || keys.Master == nil {
		return TrustResult{Status: TrustStatusCrossSigningNotConfigured}
	}

	if !t.masterTrusted(ctx, keys) {
		return TrustResult{Status: TrustStatusKeysNotTrusted}
	}

	for _, subkey := range []*CrossSigningKey{keys.UserSigning, keys.SelfSigning} {
		if status := t.checkMasterSignature(keys, subkey); status != TrustStatusSuccess {
			return TrustResult{Status: status}
		}
	}

	return TrustResult{Status: TrustStatusSuccess, CrossSigningVerified: true}
}

// CheckUserTrust reports whether another user's identity is vouched for:
// our own master must be trusted and their master key must carry a valid
// signature from our user-signing key.
func (t *TrustEngine) CheckUserTrust(ctx context.Context, otherUserID id.UserID) TrustResult {
	if otherUserID == t.ownUserID {
		return t.CheckSelfTrust(ctx)
	}

	ownKeys, err := t.store.GetCrossSigningKeys(ctx, t.ownUserID)
	if err != nil || ownKeys == nil || ownKeys.Master == nil {
		return TrustResult{Status: TrustStatusCrossSigningNotConfigured}
	}
	if !t.masterTrusted(ctx, ownKeys) {
		return TrustResult{Status: TrustStatusKeysNotTrusted}
	}

	otherKeys, err := t.store.GetCrossSigningKeys(ctx, otherUserID)
	if err != nil || otherKeys == nil || otherKeys.Master == nil {
		return TrustResult{Status: TrustStatusCrossSigningNotConfigured}
	}

	uskPub := ownKeys.UserSigning.Key()
	if uskPub == "" {
		return TrustResult{Status: TrustStatusKeysNotTrusted}
	}

	sig := otherKeys.Master.Signatures[t.ownUserID][crossSigningKeyID(uskPub)]
	if sig == "" {
		return TrustResult{Status: TrustStatusKeyNotSigned}
	}

	ok, err := signatures.VerifySignatureJSON(
		otherKeys.Master, t.ownUserID, string(uskPub), uskPub,
	)
	if err != nil || !ok {
		return TrustResult{Status: TrustStatusInvalidSignature}
	}

	return TrustResult{Status: TrustStatusSuccess, CrossSigningVerified: true}
}

// CheckDeviceTrust reports whether a specific device is vouched for through
// the signature chain. When cross-signing data is absent on either side it
// degrades to the device's locally recorded verification flag.
func (t *TrustEngine) CheckDeviceTrust(ctx context.Context, device *DeviceIdentity) TrustResult {
	if device == nil {
		return TrustResult{Status: TrustStatusUnknownDevice}
	}

	ownKeys, err := t.store.GetCrossSigningKeys(ctx, t.ownUserID)
	if err != nil || ownKeys == nil || ownKeys.Master == nil {
		return t.localFallback(device)
	}

	targetKeys := ownKeys
	if device.UserID != t.ownUserID {
		userTrust := t.CheckUserTrust(ctx, device.UserID)
		if userTrust.Status == TrustStatusCrossSigningNotConfigured {
			return t.localFallback(device)
		}
		if !userTrust.Trusted() {
			return userTrust
		}
		targetKeys, err = t.store.GetCrossSigningKeys(ctx, device.UserID)
		if err != nil || targetKeys == nil {
			return t.localFallback(device)
		}
	} else {
		selfTrust := t.CheckSelfTrust(ctx)
		if !selfTrust.Trusted() {
			return selfTrust
		}
	}

	if status := t.checkMasterSignature(targetKeys, targetKeys.SelfSigning); status != TrustStatusSuccess {
		return TrustResult{Status: status}
	}

	sskPub := targetKeys.SelfSigning.Key()
	sig := device.Signatures[device.UserID][crossSigningKeyID(sskPub)]
	if sig == "" {
		return TrustResult{
			Status:          TrustStatusMissingDeviceSignature,
			LocallyVerified: device.Verified,
		}
	}

	ok, err := signatures.VerifySignatureJSON(
		device.signable(), device.UserID, string(sskPub), sskPub,
	)
	if err != nil || !ok {
		return TrustResult{Status: TrustStatusInvalidSignature}
	}

	return TrustResult{
		Status:               TrustStatusSuccess,
		CrossSigningVerified: true,
		LocallyVerified:      device.Verified,
	}
}

func (t *TrustEngine) localFallback(device *DeviceIdentity) TrustResult {
	if device.Verified {
		return TrustResult{Status: TrustStatusSuccess, LocallyVerified: true}
	}
	return TrustResult{Status: TrustStatusCrossSigningNotConfigured}
}

// masterTrusted holds when the local private master key matches the public
// one, or when a device we already verified manually has signed the master
// key.
func (t *TrustEngine) masterTrusted(ctx context.Context, keys *CrossSigningKeySet) bool {
	mskPub := keys.Master.Key()

	t.mu.RLock()
	master := t.master
	t.mu.RUnlock()
	if master != nil && master.PublicKey() == mskPub {
		return true
	}

	devices, err := t.store.GetUserDevices(ctx, keys.UserID)
	if err != nil {
		return false
	}
	for _, device := range devices {
		if !device.Verified {
			continue
		}
		sig := keys.Master.Signatures[keys.UserID][id.NewKeyID(id.KeyAlgorithmEd25519, device.DeviceID.String())]
		if sig == "" {
			continue
		}
		ok, err := signatures.VerifySignatureJSON(
			keys.Master, keys.UserID, device.DeviceID.String(), device.SigningKey,
		)
		if err == nil && ok {
			return true
		}
	}
	return false
}

// checkMasterSignature verifies the master key's signature on a subkey.
func (t *TrustEngine) checkMasterSignature(keys *CrossSigningKeySet, subkey *CrossSigningKey) TrustStatus {
	if subkey == nil {
		return TrustStatusKeysNotTrusted
	}
	mskPub := keys.Master.Key()

	sig := subkey.Signatures[keys.UserID][crossSigningKeyID(mskPub)]
	if sig == "" {
		return TrustStatusKeyNotSigned
	}

	ok, err := signatures.VerifySignatureJSON(subkey, keys.UserID, string(mskPub), mskPub)
	if err != nil || !ok {
		return TrustStatusInvalidSignature
	}
	return TrustStatusSuccess
}
