package transform

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the size in bytes of every symmetric key in the relay.
const KeySize = chacha20poly1305.KeySize

// encryptedOverhead is the fixed per-payload overhead:
// 24-byte XChaCha20 nonce + 16-byte Poly1305 tag.
const encryptedOverhead = chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// hkdfInfoRotation is the HKDF domain-separation label for rotated
// keys. Changing it invalidates every key derived after a rotation.
var hkdfInfoRotation = []byte("tokenrelay.keyring.rotate.v1")

// ErrDecryption is returned when AEAD authentication fails: wrong key,
// truncated blob, or tampered ciphertext. Decode never returns
// unauthenticated plaintext.
var ErrDecryption = errors.New("transform: decryption failed")

// Keyring tracks encryption key epochs. Epoch 0 is the initial key;
// Rotate appends a fresh key and makes its epoch current. Retired keys
// are retained so batches sealed under earlier epochs stay decryptable
// until an operator trims the ring.
type Keyring struct {
	mu           sync.RWMutex
	keys         [][]byte
	lastRotation time.Time
	interval     time.Duration
}

// NewKeyring creates a keyring with the given initial key and rotation
// interval. The key must be exactly KeySize bytes.
func NewKeyring(initial []byte, interval time.Duration) (*Keyring, error) {
	if len(initial) != KeySize {
		return nil, fmt.Errorf("transform: key must be %d bytes, got %d", KeySize, len(initial))
	}
	key := make([]byte, KeySize)
	copy(key, initial)
	return &Keyring{
		keys:         [][]byte{key},
		lastRotation: time.Now(),
		interval:     interval,
	}, nil
}

// NewRandomKeyring creates a keyring with a random initial key.
func NewRandomKeyring(interval time.Duration) (*Keyring, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("transform: generating key: %w", err)
	}
	return NewKeyring(key, interval)
}

// CurrentEpoch returns the epoch new payloads are sealed under.
func (k *Keyring) CurrentEpoch() uint32 {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return uint32(len(k.keys) - 1)
}

// Key returns the key for an epoch, or an error for an unknown epoch
// (a batch sealed by a newer replica, or a trimmed ring).
func (k *Keyring) Key(epoch uint32) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if int(epoch) >= len(k.keys) {
		return nil, fmt.Errorf("transform: unknown key epoch %d", epoch)
	}
	return k.keys[epoch], nil
}

// ShouldRotate reports whether the rotation interval has elapsed since
// the last rotation. A zero interval disables rotation.
func (k *Keyring) ShouldRotate(now time.Time) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.interval > 0 && now.Sub(k.lastRotation) > k.interval
}

// Rotate derives a fresh key (HKDF over the current key plus random
// salt) and makes it current. Rotation is forward-looking only:
// nothing already flushed is re-encrypted.
func (k *Keyring) Rotate() (uint32, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	salt := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return 0, fmt.Errorf("transform: rotation salt: %w", err)
	}

	current := k.keys[len(k.keys)-1]
	reader := hkdf.New(sha256.New, current, salt, hkdfInfoRotation)
	next := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, next); err != nil {
		return 0, fmt.Errorf("transform: key derivation: %w", err)
	}

	k.keys = append(k.keys, next)
	k.lastRotation = time.Now()
	return uint32(len(k.keys) - 1), nil
}

// Encryptor seals and opens payloads with XChaCha20-Poly1305. The
// sealed format is nonce ‖ tag ‖ ciphertext. The key epoch is not part
// of the blob; callers record it alongside the payload (Chunk.KeyEpoch)
// and pass it back to Decode.
type Encryptor struct {
	keyring *Keyring
}

// NewEncryptor returns an encryptor over the given keyring.
func NewEncryptor(keyring *Keyring) *Encryptor {
	return &Encryptor{keyring: keyring}
}

// Keyring exposes the underlying keyring for rotation checks.
func (e *Encryptor) Keyring() *Keyring {
	return e.keyring
}

// Encode seals plaintext under the current epoch and returns the blob
// plus the epoch that sealed it. Rotation, when due, happens before
// sealing.
func (e *Encryptor) Encode(plaintext []byte) ([]byte, uint32, error) {
	if e.keyring.ShouldRotate(time.Now()) {
		if _, err := e.keyring.Rotate(); err != nil {
			return nil, 0, err
		}
	}

	epoch := e.keyring.CurrentEpoch()
	key, err := e.keyring.Key(epoch)
	if err != nil {
		return nil, 0, err
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, 0, fmt.Errorf("transform: cipher init: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, 0, fmt.Errorf("transform: nonce: %w", err)
	}

	// Seal appends ciphertext ‖ tag; the wire format wants
	// nonce ‖ tag ‖ ciphertext, so the tag is moved in front.
	sealed := aead.Seal(nil, nonce, plaintext, nil)
	tagStart := len(sealed) - chacha20poly1305.Overhead

	out := make([]byte, 0, chacha20poly1305.NonceSizeX+len(sealed))
	out = append(out, nonce...)
	out = append(out, sealed[tagStart:]...)
	out = append(out, sealed[:tagStart]...)
	return out, epoch, nil
}

// Decode opens a blob sealed under the given epoch. Authentication
// failure returns ErrDecryption.
func (e *Encryptor) Decode(blob []byte, epoch uint32) ([]byte, error) {
	if len(blob) < encryptedOverhead {
		return nil, fmt.Errorf("%w: blob is %d bytes, minimum is %d", ErrDecryption, len(blob), encryptedOverhead)
	}

	key, err := e.keyring.Key(epoch)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("transform: cipher init: %w", err)
	}

	nonce := blob[:chacha20poly1305.NonceSizeX]
	tag := blob[chacha20poly1305.NonceSizeX : chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead]
	ciphertext := blob[chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead:]

	// Restore the ciphertext ‖ tag layout Open expects.
	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	// A non-nil destination keeps empty plaintext empty rather than
	// nil, so Decode(Encode(x)) == x byte-for-byte including len 0.
	plaintext, err := aead.Open(make([]byte, 0), nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return plaintext, nil
}
