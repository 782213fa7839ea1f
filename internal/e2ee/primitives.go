package e2ee

import (
	"maunium.net/go/mautrix/id"
)

// The primitive double-ratchet/megolm/Ed25519 implementations live outside
// this package. Everything here talks to them through these interfaces so the
// core stays testable with instrumented fakes.

// PairwiseSession is an established olm channel with one specific device.
type PairwiseSession interface {
	ID() id.SessionID
	Encrypt(plaintext []byte) (id.OlmMsgType, []byte, error)
	Decrypt(ciphertext string, msgType id.OlmMsgType) ([]byte, error)
	Pickle(key []byte) ([]byte, error)
}

// OutboundGroupSession is the sender side of a ratchet session for one room.
type OutboundGroupSession interface {
	ID() id.SessionID
	// Encrypt advances the ratchet by one message.
	Encrypt(plaintext []byte) ([]byte, error)
	// SessionKey exports the key at the current chain index, suitable for an
	// m.room_key payload.
	SessionKey() string
	MessageIndex() uint
	Pickle(key []byte) ([]byte, error)
}

// InboundGroupSession is the receiver side, created from a session key or an
// exported session.
type InboundGroupSession interface {
	ID() id.SessionID
	Decrypt(ciphertext []byte) (plaintext []byte, chainIndex uint, err error)
	FirstKnownIndex() uint32
	Export(chainIndex uint32) ([]byte, error)
	Pickle(key []byte) ([]byte, error)
}

// CrossSigningSigner is one Ed25519 signing keypair of the cross-signing
// hierarchy with its private half available locally.
type CrossSigningSigner interface {
	PublicKey() id.Ed25519
	Seed() []byte
	SignJSON(obj any) (string, error)
}

// CryptoProvider is the primitive library surface this core consumes. One
// provider per logged-in identity; it owns the device's olm account.
type CryptoProvider interface {
	// IdentityKeys returns this device's long-lived signing and identity keys.
	IdentityKeys() (signing id.Ed25519, identity id.Curve25519)
	// SignJSON signs the canonical JSON of obj with the device's Ed25519 key.
	SignJSON(obj any) (string, error)

	NewOutboundSession(theirIdentityKey, theirOneTimeKey id.Curve25519) (PairwiseSession, error)
	// NewInboundSession consumes a pre-key message addressed to one of this
	// account's one-time keys.
	NewInboundSession(theirIdentityKey id.Curve25519, preKeyMessage string) (PairwiseSession, error)
	UnpickleSession(pickled []byte) (PairwiseSession, error)

	NewOutboundGroupSession() (OutboundGroupSession, error)
	UnpickleOutboundGroupSession(pickled []byte) (OutboundGroupSession, error)

	// NewInboundGroupSession creates an inbound session from a freshly shared
	// session key; ImportInboundGroupSession accepts an exported session which
	// may start at a nonzero chain index.
	NewInboundGroupSession(sessionKey []byte) (InboundGroupSession, error)
	ImportInboundGroupSession(exported []byte) (InboundGroupSession, error)
	UnpickleInboundGroupSession(pickled []byte) (InboundGroupSession, error)

	NewSigner() (CrossSigningSigner, error)
	SignerFromSeed(seed []byte) (CrossSigningSigner, error)
}
