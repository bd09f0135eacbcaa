// Package cipher seals sensitive payloads with AES-256-GCM.
//
// Each key version's AES key is derived with HKDF-SHA256 from material supplied
// by a KeyProvider; material never leaves the process and is never stored next
// to ciphertext. A sealed blob is laid out as
//
//	0x01 | key version (uint32, big endian) | 12-byte nonce | ciphertext+tag
//
// The caller-supplied Context is bound as additional authenticated data, so a
// blob moved to another record fails to open.
package cipher

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/hkdf"

	dErrors "shepherd/pkg/domain-errors"
)

const (
	blobFormat     byte = 0x01
	headerSize          = 1 + 4
	nonceSize           = 12
	derivedKeySize      = 32

	// MinKeyMaterial is the minimum length of provider key material.
	MinKeyMaterial = 32
)

// KeyVersion identifies a key generation. Zero is never a valid version.
type KeyVersion uint32

// Key is raw key material for one version.
type Key struct {
	Version  KeyVersion
	Material []byte
}

// KeyProvider supplies key material. Current is the key new data is sealed
// with; Retained are older keys still needed to open existing data.
type KeyProvider interface {
	Current(ctx context.Context) (Key, error)
	Retained(ctx context.Context) ([]Key, error)
}

// Context binds a blob to the record it belongs to.
type Context struct {
	Purpose    string
	ResourceID string
}

func (c Context) aad() []byte {
	return []byte(c.Purpose + "\x00" + c.ResourceID)
}

// Envelope is a sealed blob plus the key version it was sealed with. Stores
// persist both.
type Envelope struct {
	KeyVersion KeyVersion
	Blob       []byte
}

type keyring struct {
	active  KeyVersion
	derived map[KeyVersion][]byte
	aeads   map[KeyVersion]cipher.AEAD
}

// Cipher encrypts and decrypts payloads. It is safe for concurrent use.
type Cipher struct {
	provider KeyProvider
	logger   *slog.Logger
	metrics  *Metrics
	random   io.Reader

	// rotateMu is held shared by Encrypt and exclusively by Rotate, so no
	// payload is sealed with a key that is being replaced. Decrypt only reads
	// the ring snapshot.
	rotateMu sync.RWMutex
	ring     atomic.Pointer[keyring]
}

// Option configures the Cipher.
type Option func(*Cipher)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Cipher) {
		c.logger = logger
	}
}

func WithMetrics(m *Metrics) Option {
	return func(c *Cipher) {
		c.metrics = m
	}
}

// WithRandom overrides the nonce source.
func WithRandom(r io.Reader) Option {
	return func(c *Cipher) {
		c.random = r
	}
}

// New loads the provider's keys and returns a ready Cipher.
func New(ctx context.Context, provider KeyProvider, opts ...Option) (*Cipher, error) {
	if provider == nil {
		return nil, errors.New("key provider is required")
	}
	c := &Cipher{
		provider: provider,
		logger:   slog.New(slog.DiscardHandler),
		random:   rand.Reader,
	}
	for _, opt := range opts {
		opt(c)
	}

	current, err := provider.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("load current key: %w", err)
	}
	retained, err := provider.Retained(ctx)
	if err != nil {
		return nil, fmt.Errorf("load retained keys: %w", err)
	}
	ring, err := buildRing(&keyring{derived: map[KeyVersion][]byte{}, aeads: map[KeyVersion]cipher.AEAD{}}, current, retained)
	if err != nil {
		return nil, err
	}
	c.ring.Store(ring)
	return c, nil
}

// ActiveVersion is the version new payloads are sealed with.
func (c *Cipher) ActiveVersion() KeyVersion {
	return c.ring.Load().active
}

// Versions lists every version that can currently be opened.
func (c *Cipher) Versions() []KeyVersion {
	versions := slices.Collect(maps.Keys(c.ring.Load().aeads))
	slices.Sort(versions)
	return versions
}

// Encrypt seals plaintext with the active key.
func (c *Cipher) Encrypt(ctx context.Context, plaintext []byte, ec Context) (Envelope, error) {
	c.rotateMu.RLock()
	defer c.rotateMu.RUnlock()

	start := time.Now()
	ring := c.ring.Load()
	aead := ring.aeads[ring.active]

	blob := make([]byte, headerSize+nonceSize, headerSize+nonceSize+len(plaintext)+aead.Overhead())
	blob[0] = blobFormat
	binary.BigEndian.PutUint32(blob[1:headerSize], uint32(ring.active))
	nonce := blob[headerSize : headerSize+nonceSize]
	if _, err := io.ReadFull(c.random, nonce); err != nil {
		c.metrics.ObserveOperation("encrypt", "error", time.Since(start))
		return Envelope{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to generate nonce")
	}
	blob = aead.Seal(blob, nonce, plaintext, ec.aad())

	c.metrics.ObserveOperation("encrypt", "ok", time.Since(start))
	return Envelope{KeyVersion: ring.active, Blob: blob}, nil
}

// Decrypt opens an envelope. Any failure yields *DecryptionError and never
// partial plaintext.
func (c *Cipher) Decrypt(ctx context.Context, env Envelope, ec Context) ([]byte, error) {
	start := time.Now()
	plaintext, reason := c.open(env, ec)
	if reason == "" {
		c.metrics.ObserveOperation("decrypt", "ok", time.Since(start))
		return plaintext, nil
	}

	c.metrics.ObserveOperation("decrypt", "error", time.Since(start))
	c.metrics.IncDecryptFailures(reason)
	c.logger.ErrorContext(ctx, "payload decryption failed",
		"resource_id", ec.ResourceID,
		"key_version", env.KeyVersion,
		"reason", reason,
	)
	return nil, &DecryptionError{ResourceID: ec.ResourceID, KeyVersion: env.KeyVersion, Reason: reason}
}

func (c *Cipher) open(env Envelope, ec Context) ([]byte, string) {
	blob := env.Blob
	if len(blob) < headerSize+nonceSize {
		return nil, "truncated"
	}
	if blob[0] != blobFormat {
		return nil, "unknown_format"
	}
	version := KeyVersion(binary.BigEndian.Uint32(blob[1:headerSize]))
	if env.KeyVersion != 0 && version != env.KeyVersion {
		return nil, "version_mismatch"
	}
	aead, ok := c.ring.Load().aeads[version]
	if !ok {
		return nil, "unknown_key_version"
	}
	nonce := blob[headerSize : headerSize+nonceSize]
	plaintext, err := aead.Open(nil, nonce, blob[headerSize+nonceSize:], ec.aad())
	if err != nil {
		return nil, "authentication_failed"
	}
	return plaintext, ""
}

// Rotate reloads keys from the provider and makes its current key active.
// Encrypts wait for the swap; decrypts keep using the previous snapshot.
// Versions already loaded stay available until retired.
func (c *Cipher) Rotate(ctx context.Context) (KeyVersion, error) {
	c.rotateMu.Lock()
	defer c.rotateMu.Unlock()

	current, err := c.provider.Current(ctx)
	if err != nil {
		return 0, fmt.Errorf("load current key: %w", err)
	}
	retained, err := c.provider.Retained(ctx)
	if err != nil {
		return 0, fmt.Errorf("load retained keys: %w", err)
	}

	previous := c.ring.Load()
	ring, err := buildRing(previous, current, retained)
	if err != nil {
		return 0, err
	}
	c.ring.Store(ring)

	if ring.active != previous.active {
		c.metrics.IncRotations()
		c.logger.InfoContext(ctx, "cipher key rotated",
			"previous_version", previous.active,
			"active_version", ring.active,
		)
	}
	return ring.active, nil
}

// Retire forgets a key version. Payloads sealed with it can no longer be
// opened, so callers re-key them first.
func (c *Cipher) Retire(ctx context.Context, version KeyVersion) error {
	c.rotateMu.Lock()
	defer c.rotateMu.Unlock()

	previous := c.ring.Load()
	if version == previous.active {
		return dErrors.New(dErrors.CodeInvariantViolation, "cannot retire the active key")
	}
	if _, ok := previous.aeads[version]; !ok {
		return dErrors.New(dErrors.CodeNotFound, "key version not loaded")
	}

	next := &keyring{
		active:  previous.active,
		derived: maps.Clone(previous.derived),
		aeads:   maps.Clone(previous.aeads),
	}
	delete(next.derived, version)
	delete(next.aeads, version)
	c.ring.Store(next)

	c.logger.InfoContext(ctx, "cipher key retired", "key_version", version)
	return nil
}

// buildRing copies base and adds current and retained keys. Reusing a version
// number with different material is refused.
func buildRing(base *keyring, current Key, retained []Key) (*keyring, error) {
	next := &keyring{
		active:  current.Version,
		derived: maps.Clone(base.derived),
		aeads:   maps.Clone(base.aeads),
	}
	for _, key := range append([]Key{current}, retained...) {
		if err := next.add(key); err != nil {
			return nil, err
		}
	}
	return next, nil
}

func (r *keyring) add(key Key) error {
	if key.Version == 0 {
		return dErrors.New(dErrors.CodeInvalidInput, "key version must be positive")
	}
	if len(key.Material) < MinKeyMaterial {
		return dErrors.New(dErrors.CodeInvalidInput, fmt.Sprintf("key version %d: material must be at least %d bytes", key.Version, MinKeyMaterial))
	}
	derived, err := deriveKey(key)
	if err != nil {
		return err
	}
	if existing, ok := r.derived[key.Version]; ok {
		if subtle.ConstantTimeCompare(existing, derived) != 1 {
			return dErrors.New(dErrors.CodeInvariantViolation, fmt.Sprintf("key version %d reused with different material", key.Version))
		}
		return nil
	}
	block, err := aes.NewCipher(derived)
	if err != nil {
		return fmt.Errorf("init aes: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("init gcm: %w", err)
	}
	r.derived[key.Version] = derived
	r.aeads[key.Version] = aead
	return nil
}

func deriveKey(key Key) ([]byte, error) {
	info := fmt.Appendf(nil, "shepherd/sensitive-field/v%d", key.Version)
	out := make([]byte, derivedKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key.Material, nil, info), out); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return out, nil
}
