package security

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// AEADCrypto is the reference cryptographic plugin: XChaCha20-Poly1305 over
// full RTPS messages, with per-peer keys derived from the handshake's
// ECDH secret via HKDF-SHA256.
type AEADCrypto struct {
	mu    sync.RWMutex
	peers map[string]*peerKeys
}

type peerKeys struct {
	seal cipherState
	open cipherState
}

type cipherState struct {
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	}
}

// NewAEADCrypto creates the plugin with no keys installed.
func NewAEADCrypto() *AEADCrypto {
	return &AEADCrypto{peers: make(map[string]*peerKeys)}
}

// DeriveKeys implements Cryptographic. Both sides derive the same key from
// the shared secret, and that one key seals and opens in both directions;
// the HKDF info does not name a direction.
func (c *AEADCrypto) DeriveKeys(peer string, secret []byte) error {
	if len(secret) == 0 {
		return fmt.Errorf("%w: empty handshake secret", ErrDenied)
	}
	kdf := hkdf.New(sha256.New, secret, nil, []byte("hdds message protection v1"))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return fmt.Errorf("key derivation failed: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return fmt.Errorf("aead init failed: %w", err)
	}
	c.mu.Lock()
	c.peers[peer] = &peerKeys{seal: cipherState{aead: aead}, open: cipherState{aead: aead}}
	c.mu.Unlock()
	return nil
}

// EncodeMessage implements Cryptographic: random-nonce XChaCha20-Poly1305,
// nonce prepended.
func (c *AEADCrypto) EncodeMessage(peer string, plaintext []byte) ([]byte, error) {
	c.mu.RLock()
	keys, ok := c.peers[peer]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no keys for peer %s", ErrDenied, peer)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce generation failed: %w", err)
	}
	return keys.seal.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// DecodeMessage implements Cryptographic.
func (c *AEADCrypto) DecodeMessage(peer string, ciphertext []byte) ([]byte, error) {
	c.mu.RLock()
	keys, ok := c.peers[peer]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no keys for peer %s", ErrDenied, peer)
	}
	if len(ciphertext) < chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("%w: sealed message too short", ErrDenied)
	}
	nonce := ciphertext[:chacha20poly1305.NonceSizeX]
	body := ciphertext[chacha20poly1305.NonceSizeX:]
	plaintext, err := keys.open.aead.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: message authentication failed", ErrDenied)
	}
	return plaintext, nil
}
