// Package crypto provides the node identity, key-agreement, and per-peer
// session primitives used to authenticate and protect clipboard sync
// traffic between mesh peers.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

const (
	// KeySize is the size of X25519 keys and derived AEAD keys in bytes.
	KeySize = 32

	// SigningSecretSize is the size of an Ed25519 seed in bytes.
	SigningSecretSize = 32

	// VerifyingKeySize is the size of an Ed25519 public key in bytes.
	VerifyingKeySize = 32

	// SignatureSize is the size of a detached Ed25519 signature in bytes.
	SignatureSize = 64

	// NonceSize is the size of a ChaCha20-Poly1305 nonce in bytes.
	NonceSize = 12

	// TagSize is the size of the Poly1305 authentication tag in bytes.
	TagSize = 16

	// aeadKeyTag is mixed into the BLAKE2s derivation so AEAD keys from
	// a future protocol version cannot be confused with this one.
	aeadKeyTag = "post-clipboard-v1"
)

// ErrCrypto is returned for every primitive failure: invalid key material,
// a failed ECDH, a bad signature, or anything else a caller should treat
// as a single opaque crypto failure rather than a distinguishable case.
var ErrCrypto = errors.New("crypto error")

func wrap(msg string) error {
	return fmt.Errorf("%w: %s", ErrCrypto, msg)
}

// IdentityKeypair is the long-lived Ed25519-equivalent keypair a node uses
// to sign every outbound envelope. It is generated fresh for each
// sync-engine construction; there is no persistence.
type IdentityKeypair struct {
	VerifyingKey  [VerifyingKeySize]byte
	SigningSecret [SigningSecretSize]byte // 32-byte seed, never the 64-byte expanded key
}

// GenerateIdentityKeypair creates a new Ed25519 identity keypair using the
// system CSPRNG.
func GenerateIdentityKeypair() (*IdentityKeypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, wrap("generate identity keypair")
	}

	kp := &IdentityKeypair{}
	copy(kp.VerifyingKey[:], pub)
	copy(kp.SigningSecret[:], priv.Seed())
	return kp, nil
}

// Zero wipes the signing secret from memory. Call this when the keypair
// falls out of use (e.g. on supervisor teardown).
func (kp *IdentityKeypair) Zero() {
	ZeroKey(&kp.SigningSecret)
}

// ExchangeKeypair is the long-lived X25519-equivalent keypair a node uses
// to derive per-peer shared secrets.
type ExchangeKeypair struct {
	Public [KeySize]byte
	Secret [KeySize]byte
}

// GenerateExchangeKeypair creates a new X25519 keypair using the system
// CSPRNG.
func GenerateExchangeKeypair() (*ExchangeKeypair, error) {
	var secret [KeySize]byte
	if _, err := io.ReadFull(rand.Reader, secret[:]); err != nil {
		return nil, wrap("generate exchange keypair")
	}

	// Clamp the private key per the X25519 spec.
	secret[0] &= 248
	secret[31] &= 127
	secret[31] |= 64

	var public [KeySize]byte
	curve25519.ScalarBaseMult(&public, &secret)

	return &ExchangeKeypair{Public: public, Secret: secret}, nil
}

// Zero wipes the exchange secret from memory.
func (kp *ExchangeKeypair) Zero() {
	ZeroKey(&kp.Secret)
}

// DeriveShared performs X25519 Diffie-Hellman and returns the raw shared
// secret. A remote public key of all zeros is rejected as a weak-key
// forgery, per the invariant that an exchange public key must not be the
// zero point.
func DeriveShared(localSecret, remotePublic [KeySize]byte) ([KeySize]byte, error) {
	var shared, zero [KeySize]byte

	if remotePublic == zero {
		return shared, wrap("remote exchange public key is zero")
	}

	curve25519.ScalarMult(&shared, &localSecret, &remotePublic)

	if shared == zero {
		return shared, wrap("ECDH produced a low-order shared secret")
	}

	return shared, nil
}

// DeriveAEADKey derives a per-peer AEAD key from an ECDH shared secret.
// The key is BLAKE2s-256 of a fixed protocol tag followed by the shared
// secret, so a different protocol version never cross-verifies with this
// one.
func DeriveAEADKey(shared [KeySize]byte) [KeySize]byte {
	h, err := blake2s.New256(nil)
	if err != nil {
		// blake2s.New256(nil) only fails for an invalid key length; nil
		// always succeeds.
		panic(fmt.Sprintf("blake2s.New256: %v", err))
	}
	h.Write([]byte(aeadKeyTag))
	h.Write(shared[:])

	var key [KeySize]byte
	copy(key[:], h.Sum(nil))
	return key
}

// Sign produces a detached Ed25519 signature over msg using the given
// signing secret (seed).
func Sign(secret [SigningSecretSize]byte, msg []byte) [SignatureSize]byte {
	priv := ed25519.NewKeyFromSeed(secret[:])
	sig := ed25519.Sign(priv, msg)

	var out [SignatureSize]byte
	copy(out[:], sig)
	return out
}

// Verify checks a detached Ed25519 signature over msg against a verifying
// key.
func Verify(verifyingKey [VerifyingKeySize]byte, msg []byte, sig [SignatureSize]byte) bool {
	return ed25519.Verify(ed25519.PublicKey(verifyingKey[:]), msg, sig[:])
}

// Session is a per-peer AEAD session derived from the ECDH shared secret
// between a local node and one peer. The nonce counter is guarded by a
// mutex that each Encrypt call holds while it advances the counter and
// builds its nonce; Decrypt takes the mutex only to read the key, since
// the nonce travels with the ciphertext.
type Session struct {
	mu      sync.Mutex
	key     [KeySize]byte
	counter uint64
}

// NewSession derives an AEAD session from a raw ECDH shared secret.
func NewSession(shared [KeySize]byte) *Session {
	return &Session{key: DeriveAEADKey(shared)}
}

// Encrypt seals plaintext under the session's AEAD key. The wire form is
// nonce(12) || ciphertext_and_tag. The counter increments (wrapping) under
// the session lock before each call, so nonces never repeat for the life
// of a session.
func (s *Session) Encrypt(plaintext []byte) ([]byte, error) {
	s.mu.Lock()
	s.counter++
	var nonce [NonceSize]byte
	putCounter(nonce[:], s.counter)
	key := s.key
	s.mu.Unlock()

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, wrap("create AEAD cipher")
	}

	out := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
	copy(out, nonce[:])
	out = aead.Seal(out, nonce[:], plaintext, nil)
	return out, nil
}

// Decrypt opens a ciphertext produced by Encrypt. The input must be at
// least NonceSize bytes and the authentication tag must verify.
func (s *Session) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < NonceSize {
		return nil, wrap("ciphertext shorter than nonce")
	}

	s.mu.Lock()
	key := s.key
	s.mu.Unlock()

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, wrap("create AEAD cipher")
	}

	nonce := ciphertext[:NonceSize]
	plaintext, err := aead.Open(nil, nonce, ciphertext[NonceSize:], nil)
	if err != nil {
		return nil, wrap("decrypt: authentication failed")
	}
	return plaintext, nil
}

// Zero wipes the session's AEAD key from memory. Call this when a peer is
// evicted from the registry.
func (s *Session) Zero() {
	s.mu.Lock()
	defer s.mu.Unlock()
	ZeroKey(&s.key)
}

func putCounter(nonce []byte, counter uint64) {
	// nonce = [0;4] || u64_le(counter)
	nonce[4] = byte(counter)
	nonce[5] = byte(counter >> 8)
	nonce[6] = byte(counter >> 16)
	nonce[7] = byte(counter >> 24)
	nonce[8] = byte(counter >> 32)
	nonce[9] = byte(counter >> 40)
	nonce[10] = byte(counter >> 48)
	nonce[11] = byte(counter >> 56)
}

// ZeroBytes zeroes a byte slice, used to scrub ephemeral copies of secret
// material after use.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ZeroKey zeroes a fixed-size key array.
func ZeroKey(k *[KeySize]byte) {
	for i := range k {
		k[i] = 0
	}
}
