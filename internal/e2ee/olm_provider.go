package e2ee

import (
	"encoding/json"
	"fmt"

	"maunium.net/go/mautrix/crypto/canonicaljson"
	"maunium.net/go/mautrix/crypto/olm"
	"maunium.net/go/mautrix/id"
)

// OlmProvider backs CryptoProvider with the olm primitive library. The pickle
// key encrypts every serialized session it hands out.
type OlmProvider struct {
	account   olm.Account
	pickleKey []byte

	signingKey  id.Ed25519
	identityKey id.Curve25519
}

var _ CryptoProvider = (*OlmProvider)(nil)

func NewOlmProvider(pickleKey []byte) (*OlmProvider, error) {
	account, err := olm.NewAccount()
	if err != nil {
		return nil, fmt.Errorf("create olm account: %w", err)
	}
	return newOlmProvider(account, pickleKey)
}

func OlmProviderFromPickled(pickled []byte, pickleKey []byte) (*OlmProvider, error) {
	account, err := olm.AccountFromPickled(pickled, pickleKey)
	if err != nil {
		return nil, fmt.Errorf("unpickle olm account: %w", err)
	}
	return newOlmProvider(account, pickleKey)
}

func newOlmProvider(account olm.Account, pickleKey []byte) (*OlmProvider, error) {
	signingKey, identityKey, err := account.IdentityKeys()
	if err != nil {
		return nil, fmt.Errorf("get identity keys: %w", err)
	}
	return &OlmProvider{
		account:     account,
		pickleKey:   pickleKey,
		signingKey:  signingKey,
		identityKey: identityKey,
	}, nil
}

func (p *OlmProvider) IdentityKeys() (id.Ed25519, id.Curve25519) {
	return p.signingKey, p.identityKey
}

// PickleAccount serializes the underlying account for persistence.
func (p *OlmProvider) PickleAccount() ([]byte, error) {
	return p.account.Pickle(p.pickleKey)
}

func (p *OlmProvider) SignJSON(obj any) (string, error) {
	objJSON, err := json.Marshal(obj)
	if err != nil {
		return "", err
	}
	signature, err := p.account.Sign(canonicaljson.CanonicalJSONAssumeValid(objJSON))
	return string(signature), err
}

func (p *OlmProvider) NewOutboundSession(theirIdentityKey, theirOneTimeKey id.Curve25519) (PairwiseSession, error) {
	session, err := p.account.NewOutboundSession(theirIdentityKey, theirOneTimeKey)
	if err != nil {
		return nil, err
	}
	return &olmPairwiseSession{inner: session, pickleKey: p.pickleKey}, nil
}

func (p *OlmProvider) NewInboundSession(theirIdentityKey id.Curve25519, preKeyMessage string) (PairwiseSession, error) {
	session, err := p.account.NewInboundSessionFrom(&theirIdentityKey, preKeyMessage)
	if err != nil {
		return nil, err
	}
	return &olmPairwiseSession{inner: session, pickleKey: p.pickleKey}, nil
}

func (p *OlmProvider) UnpickleSession(pickled []byte) (PairwiseSession, error) {
	session, err := olm.SessionFromPickled(pickled, p.pickleKey)
	if err != nil {
		return nil, err
	}
	return &olmPairwiseSession{inner: session, pickleKey: p.pickleKey}, nil
}

func (p *OlmProvider) NewOutboundGroupSession() (OutboundGroupSession, error) {
	session, err := olm.NewOutboundGroupSession()
	if err != nil {
		return nil, err
	}
	return &olmOutboundGroupSession{inner: session, pickleKey: p.pickleKey}, nil
}

func (p *OlmProvider) UnpickleOutboundGroupSession(pickled []byte) (OutboundGroupSession, error) {
	session, err := olm.OutboundGroupSessionFromPickled(pickled, p.pickleKey)
	if err != nil {
		return nil, err
	}
	return &olmOutboundGroupSession{inner: session, pickleKey: p.pickleKey}, nil
}

func (p *OlmProvider) NewInboundGroupSession(sessionKey []byte) (InboundGroupSession, error) {
	session, err := olm.NewInboundGroupSession(sessionKey)
	if err != nil {
		return nil, err
	}
	return &olmInboundGroupSession{inner: session, pickleKey: p.pickleKey}, nil
}

func (p *OlmProvider) ImportInboundGroupSession(exported []byte) (InboundGroupSession, error) {
	session, err := olm.InboundGroupSessionImport(exported)
	if err != nil {
		return nil, err
	}
	return &olmInboundGroupSession{inner: session, pickleKey: p.pickleKey}, nil
}

func (p *OlmProvider) UnpickleInboundGroupSession(pickled []byte) (InboundGroupSession, error) {
	session, err := olm.InboundGroupSessionFromPickled(pickled, p.pickleKey)
	if err != nil {
		return nil, err
	}
	return &olmInboundGroupSession{inner: session, pickleKey: p.pickleKey}, nil
}

func (p *OlmProvider) NewSigner() (CrossSigningSigner, error) {
	signer, err := olm.NewPKSigning()
	if err != nil {
		return nil, err
	}
	return signer, nil
}

func (p *OlmProvider) SignerFromSeed(seed []byte) (CrossSigningSigner, error) {
	signer, err := olm.NewPKSigningFromSeed(seed)
	if err != nil {
		return nil, err
	}
	return signer, nil
}

type olmPairwiseSession struct {
	inner     olm.Session
	pickleKey []byte
}

func (s *olmPairwiseSession) ID() id.SessionID {
	return s.inner.ID()
}

func (s *olmPairwiseSession) Encrypt(plaintext []byte) (id.OlmMsgType, []byte, error) {
	return s.inner.Encrypt(plaintext)
}

func (s *olmPairwiseSession) Decrypt(ciphertext string, msgType id.OlmMsgType) ([]byte, error) {
	return s.inner.Decrypt(ciphertext, msgType)
}

func (s *olmPairwiseSession) Pickle(key []byte) ([]byte, error) {
	if key == nil {
		key = s.pickleKey
	}
	return s.inner.Pickle(key)
}

type olmOutboundGroupSession struct {
	inner     olm.OutboundGroupSession
	pickleKey []byte
}

func (s *olmOutboundGroupSession) ID() id.SessionID {
	return s.inner.ID()
}

func (s *olmOutboundGroupSession) Encrypt(plaintext []byte) ([]byte, error) {
	return s.inner.Encrypt(plaintext)
}

func (s *olmOutboundGroupSession) SessionKey() string {
	return s.inner.Key()
}

func (s *olmOutboundGroupSession) MessageIndex() uint {
	return s.inner.MessageIndex()
}

func (s *olmOutboundGroupSession) Pickle(key []byte) ([]byte, error) {
	if key == nil {
		key = s.pickleKey
	}
	return s.inner.Pickle(key)
}

type olmInboundGroupSession struct {
	inner     olm.InboundGroupSession
	pickleKey []byte
}

func (s *olmInboundGroupSession) ID() id.SessionID {
	return s.inner.ID()
}

func (s *olmInboundGroupSession) Decrypt(ciphertext []byte) ([]byte, uint, error) {
	return s.inner.Decrypt(ciphertext)
}

func (s *olmInboundGroupSession) FirstKnownIndex() uint32 {
	return s.inner.FirstKnownIndex()
}

func (s *olmInboundGroupSession) Export(chainIndex uint32) ([]byte, error) {
	return s.inner.Export(chainIndex)
}

func (s *olmInboundGroupSession) Pickle(key []byte) ([]byte, error) {
	if key == nil {
		key = s.pickleKey
	}
	return s.inner.Pickle(key)
}
