// Package security defines the pluggable security surface: authentication
// of participants, topic-level access control, cryptographic protection of
// RTPS traffic, and tamper-evident audit logging. Reference software
// plugins ship alongside the interfaces; when security is disabled the
// permit implementations are installed so callers never branch on an
// "enabled" flag.
package security

import "errors"

// ErrDenied is the base error for every security refusal.
var ErrDenied = errors.New("security: denied")

// TopicOp is the operation checked against access control.
type TopicOp uint8

const (
	OpPublish TopicOp = iota
	OpSubscribe
)

func (op TopicOp) String() string {
	if op == OpPublish {
		return "publish"
	}
	return "subscribe"
}

// IdentityHandle references a validated identity.
type IdentityHandle uint64

// Authentication validates the local identity and authenticates remote
// participants from the identity token each side announces in SPDP. The
// exchange is one-shot: the announced token both proves knowledge of the
// shared credential and carries the key-agreement public value, so no
// additional handshake messages cross the wire.
type Authentication interface {
	// ValidateLocalIdentity checks local credentials at participant
	// construction and returns the handle embedded in announcements.
	ValidateLocalIdentity() (IdentityHandle, error)
	// IdentityToken renders the opaque token advertised in SPDP.
	IdentityToken() []byte
	// Authenticate verifies a remote participant's announced token and
	// returns the shared secret used for per-peer key derivation.
	Authenticate(remoteToken []byte) (secret []byte, err error)
}

// AccessControl makes create/publish/subscribe decisions. The model is
// deny-by-default: no matching rule means deny.
type AccessControl interface {
	CheckCreateParticipant(domainID int) error
	CheckTopic(topic string, op TopicOp) error
}

// Cryptographic protects RTPS traffic with symmetric AEAD, keyed per
// endpoint pair from the handshake secret.
type Cryptographic interface {
	// DeriveKeys installs the send/receive keys for a peer from the
	// handshake's shared secret.
	DeriveKeys(peer string, secret []byte) error
	// EncodeMessage seals a full RTPS message for a peer.
	EncodeMessage(peer string, plaintext []byte) ([]byte, error)
	// DecodeMessage opens a sealed message from a peer.
	DecodeMessage(peer string, ciphertext []byte) ([]byte, error)
}

// AuditLogger records security-relevant events append-only.
type AuditLogger interface {
	Log(event string, fields map[string]string)
}

// Plugins bundles the four slots. Nil slots behave as permit.
type Plugins struct {
	Auth   Authentication
	Access AccessControl
	Crypto Cryptographic
	Audit  AuditLogger
}

// Permit returns the plugin set used when security is disabled: every
// decision allows, crypto is pass-through, audit discards.
func Permit() Plugins {
	return Plugins{
		Auth:   permitAuth{},
		Access: permitAccess{},
		Crypto: passthroughCrypto{},
		Audit:  discardAudit{},
	}
}

// Normalize fills nil slots with their permit implementations.
func (p Plugins) Normalize() Plugins {
	permit := Permit()
	if p.Auth == nil {
		p.Auth = permit.Auth
	}
	if p.Access == nil {
		p.Access = permit.Access
	}
	if p.Crypto == nil {
		p.Crypto = permit.Crypto
	}
	if p.Audit == nil {
		p.Audit = permit.Audit
	}
	return p
}

type permitAuth struct{}

func (permitAuth) ValidateLocalIdentity() (IdentityHandle, error) { return 0, nil }
func (permitAuth) IdentityToken() []byte                          { return nil }
func (permitAuth) Authenticate([]byte) ([]byte, error)            { return nil, nil }

type permitAccess struct{}

func (permitAccess) CheckCreateParticipant(int) error    { return nil }
func (permitAccess) CheckTopic(string, TopicOp) error    { return nil }

type passthroughCrypto struct{}

func (passthroughCrypto) DeriveKeys(string, []byte) error { return nil }
func (passthroughCrypto) EncodeMessage(_ string, plaintext []byte) ([]byte, error) {
	return plaintext, nil
}
func (passthroughCrypto) DecodeMessage(_ string, ciphertext []byte) ([]byte, error) {
	return ciphertext, nil
}

type discardAudit struct{}

func (discardAudit) Log(string, map[string]string) {}
