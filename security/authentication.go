package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/crypto/curve25519"
)

// PSKAuthentication is the reference authentication plugin: participants
// share a pre-shared key, and the identity token announced in SPDP
// carries an X25519 public value plus an HMAC proving knowledge of the
// key. Verifying a peer's token authenticates it and yields the ECDH
// shared secret for per-peer key derivation in one shot.
type PSKAuthentication struct {
	psk     []byte
	private [32]byte
	public  [32]byte
}

// NewPSKAuthentication creates the plugin with the given pre-shared key.
func NewPSKAuthentication(psk []byte) (*PSKAuthentication, error) {
	if len(psk) == 0 {
		return nil, fmt.Errorf("%w: empty pre-shared key", ErrDenied)
	}
	a := &PSKAuthentication{psk: append([]byte(nil), psk...)}
	if _, err := rand.Read(a.private[:]); err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	pub, err := curve25519.X25519(a.private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	copy(a.public[:], pub)
	return a, nil
}

// ValidateLocalIdentity implements Authentication.
func (a *PSKAuthentication) ValidateLocalIdentity() (IdentityHandle, error) {
	sum := sha256.Sum256(append(a.public[:], a.psk...))
	var h IdentityHandle
	for i := 0; i < 8; i++ {
		h = h<<8 | IdentityHandle(sum[i])
	}
	return h, nil
}

// IdentityToken implements Authentication: the public key plus a MAC
// proving knowledge of the PSK.
func (a *PSKAuthentication) IdentityToken() []byte {
	mac := hmac.New(sha256.New, a.psk)
	mac.Write(a.public[:])
	return append(append([]byte(nil), a.public[:]...), mac.Sum(nil)...)
}

// verifyToken checks a remote token and extracts the remote public key.
func (a *PSKAuthentication) verifyToken(token []byte) ([32]byte, error) {
	var pub [32]byte
	if len(token) != 32+sha256.Size {
		return pub, fmt.Errorf("%w: malformed identity token", ErrDenied)
	}
	mac := hmac.New(sha256.New, a.psk)
	mac.Write(token[:32])
	if !hmac.Equal(mac.Sum(nil), token[32:]) {
		return pub, fmt.Errorf("%w: identity token mac mismatch", ErrDenied)
	}
	copy(pub[:], token[:32])
	return pub, nil
}

// Authenticate implements Authentication: a valid token yields the
// X25519 shared secret.
func (a *PSKAuthentication) Authenticate(remoteToken []byte) ([]byte, error) {
	remotePub, err := a.verifyToken(remoteToken)
	if err != nil {
		return nil, err
	}
	secret, err := curve25519.X25519(a.private[:], remotePub[:])
	if err != nil {
		return nil, fmt.Errorf("%w: ecdh failed: %v", ErrDenied, err)
	}
	return secret, nil
}

// AuthRetrySchedule returns the backoff applied between authentication
// attempts for a peer whose token failed verification: SPDP re-announces
// periodically, and without the schedule every announcement would redo
// the MAC and ECDH work for a peer that keeps failing.
func AuthRetrySchedule() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.Multiplier = 2
	return b
}
