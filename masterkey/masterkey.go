// SPDX-FileCopyrightText: © 2024 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package masterkey manages the single symmetric key under which every
// briefkasten record is encrypted at rest. The key has one of two origins:
// generated from device randomness and sealed under a passphrase-stretched
// KEK, or re-derived on every unlock from an authenticator's pseudo-random
// output. The raw key bytes are never persisted and never exported; the
// widest exposure is the AEAD handle handed to the channel key vault.
package masterkey

import (
	"context"
	"crypto/cipher"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/sync/singleflight"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/hpqc/rand"

	"github.com/katzenpost/katzenpost/core/log"
)

const (
	// KeySize is the size in bytes of the master key.
	KeySize = chacha20poly1305.KeySize

	// NonceSize is the size in bytes of the nonce prefixed to every
	// ciphertext produced by Encrypt.
	NonceSize = chacha20poly1305.NonceSize

	argon2SaltSize = 16
	hkdfSaltSize   = 32

	// argon2 parameters for the passphrase KEK.
	kekTime    = 3
	kekMemory  = 32 * 1024
	kekThreads = 4

	masterKeyInfo = "briefkasten-master-key-v1"

	originDevice  = "device"
	originDerived = "derived"

	metaOrigin     = "masterkey.origin"
	metaKEKSalt    = "masterkey.keksalt"
	metaSealedKey  = "masterkey.sealed"
	metaDeriveSalt = "masterkey.derivesalt"
)

var (
	// ErrNotInitialized is returned when Encrypt, Decrypt or Upgrade is
	// called before a successful Initialize.
	ErrNotInitialized = errors.New("masterkey: not initialized")

	// ErrAuthenticatorRequired is returned by Initialize when the stored
	// key origin is authenticator-derived but no authenticator secret
	// was supplied.
	ErrAuthenticatorRequired = errors.New("masterkey: authenticator secret required to derive key")

	// ErrPassphraseRequired is returned by Initialize when the stored
	// key origin is device-random but no passphrase was supplied to
	// unseal it.
	ErrPassphraseRequired = errors.New("masterkey: passphrase required to unseal key")
)

// DecryptionError is returned whenever an authentication tag check fails
// or a ciphertext is malformed. Callers treat the affected entry as
// absent or corrupt; it is never fatal.
type DecryptionError struct {
	Err error
}

// Error implements the error interface.
func (e *DecryptionError) Error() string {
	return fmt.Sprintf("masterkey: decryption failure: %v", e.Err)
}

// Unwrap returns the wrapped error.
func (e *DecryptionError) Unwrap() error {
	return e.Err
}

func newDecryptionError(f string, a ...interface{}) *DecryptionError {
	return &DecryptionError{Err: fmt.Errorf(f, a...)}
}

// IsDecryptionFailure reports whether err is a DecryptionError.
func IsDecryptionFailure(err error) bool {
	var d *DecryptionError
	return errors.As(err, &d)
}

// MetaStore is the persistence substrate for the sealed key material and
// the origin marker. It is implemented by the store's metadata bucket.
type MetaStore interface {
	// GetMeta returns the value stored under key, or nil if absent.
	GetMeta(key string) ([]byte, error)

	// PutMeta stores value under key.
	PutMeta(key string, value []byte) error
}

// ReencryptStore rewrites every stored record inside a single write
// transaction. It is implemented by the store and consumed by Upgrade.
type ReencryptStore interface {
	// ReencryptAll applies records to every ordinary encrypted record
	// and keys to every wrapped channel key, then applies the meta
	// updates (a nil value deletes), all in one transaction. Any error
	// rolls the entire transaction back.
	ReencryptAll(records func(value []byte) ([]byte, error), keys func(value []byte) ([]byte, error), meta map[string][]byte) error
}

// RewrapFunc re-wraps one stored channel key value from the old master
// AEAD to the new one. It is supplied by the key vault, which knows how
// to decode the historical on-disk key formats.
type RewrapFunc func(oldKey, newKey cipher.AEAD, value []byte) ([]byte, error)

// Credentials carries the secrets needed to unlock or create the master
// key. Both fields are wiped before Initialize returns.
type Credentials struct {
	// Passphrase seals and unseals a device-random key at rest.
	Passphrase []byte

	// AuthenticatorSecret is the authenticator's pseudo-random output,
	// required whenever the stored origin is derived.
	AuthenticatorSecret []byte
}

// Manager owns the master key for one store. All methods are safe for
// concurrent use. The zero value is not usable; call New.
type Manager struct {
	sync.RWMutex

	meta     MetaStore
	log      *logging.Logger
	inflight singleflight.Group

	key    *memguard.LockedBuffer
	aead   cipher.AEAD
	origin string

	upgradeMutex sync.Mutex
}

// New creates a Manager persisting through meta. The key is not loaded
// until Initialize is called.
func New(meta MetaStore, logBackend *log.Backend) *Manager {
	return &Manager{
		meta: meta,
		log:  logBackend.GetLogger("masterkey"),
	}
}

// Initialize loads the master key, creating a device-random one on first
// run. It is idempotent, and concurrent callers share a single in-flight
// initialization rather than re-entering it. The supplied credentials
// are wiped before Initialize returns; the shared initialization owns a
// private copy so that a caller timing out cannot wipe secrets out from
// under it.
func (m *Manager) Initialize(ctx context.Context, cred *Credentials) error {
	own := &Credentials{
		Passphrase:          append([]byte(nil), cred.Passphrase...),
		AuthenticatorSecret: append([]byte(nil), cred.AuthenticatorSecret...),
	}
	memguard.WipeBytes(cred.Passphrase)
	memguard.WipeBytes(cred.AuthenticatorSecret)

	ch := m.inflight.DoChan("initialize", func() (interface{}, error) {
		defer func() {
			memguard.WipeBytes(own.Passphrase)
			memguard.WipeBytes(own.AuthenticatorSecret)
		}()
		return nil, m.doInitialize(own)
	})
	select {
	case r := <-ch:
		return r.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) doInitialize(cred *Credentials) error {
	m.Lock()
	defer m.Unlock()
	if m.key != nil {
		return nil
	}

	origin, err := m.meta.GetMeta(metaOrigin)
	if err != nil {
		return err
	}
	switch string(origin) {
	case "":
		return m.createDeviceKey(cred)
	case originDevice:
		return m.unsealDeviceKey(cred)
	case originDerived:
		return m.deriveKey(cred)
	default:
		return fmt.Errorf("masterkey: unknown key origin %q", origin)
	}
}

// createDeviceKey generates a fresh device-random key and seals it at
// rest under the passphrase KEK.
func (m *Manager) createDeviceKey(cred *Credentials) error {
	if len(cred.Passphrase) == 0 {
		return ErrPassphraseRequired
	}
	raw := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return err
	}
	salt := make([]byte, argon2SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return err
	}
	sealed, err := sealWithKEK(cred.Passphrase, salt, raw)
	if err != nil {
		return err
	}
	if err = m.meta.PutMeta(metaKEKSalt, salt); err != nil {
		return err
	}
	if err = m.meta.PutMeta(metaSealedKey, sealed); err != nil {
		return err
	}
	if err = m.meta.PutMeta(metaOrigin, []byte(originDevice)); err != nil {
		return err
	}
	m.log.Notice("Generated new device-random master key.")
	return m.adopt(raw, originDevice)
}

// unsealDeviceKey opens the sealed device-random key with the passphrase
// KEK. A wrong passphrase surfaces as a DecryptionError.
func (m *Manager) unsealDeviceKey(cred *Credentials) error {
	if len(cred.Passphrase) == 0 {
		return ErrPassphraseRequired
	}
	salt, err := m.meta.GetMeta(metaKEKSalt)
	if err != nil {
		return err
	}
	sealed, err := m.meta.GetMeta(metaSealedKey)
	if err != nil {
		return err
	}
	if salt == nil || sealed == nil {
		return errors.New("masterkey: sealed key material missing from store")
	}
	raw, err := openWithKEK(cred.Passphrase, salt, sealed)
	if err != nil {
		return err
	}
	m.log.Debug("Unsealed device-random master key.")
	return m.adopt(raw, originDevice)
}

// deriveKey reconstructs an authenticator-derived key. Nothing secret is
// read from the store; the key exists only for the lifetime of this
// process.
func (m *Manager) deriveKey(cred *Credentials) error {
	if len(cred.AuthenticatorSecret) == 0 {
		return ErrAuthenticatorRequired
	}
	salt, err := m.meta.GetMeta(metaDeriveSalt)
	if err != nil {
		return err
	}
	if salt == nil {
		return errors.New("masterkey: derivation salt missing from store")
	}
	raw, err := deriveFromAuthenticator(cred.AuthenticatorSecret, salt)
	if err != nil {
		return err
	}
	m.log.Debug("Derived master key from authenticator secret.")
	return m.adopt(raw, originDerived)
}

// adopt moves raw into a locked buffer, wiping the source slice, and
// swaps in the resulting AEAD. Callers hold the write lock.
func (m *Manager) adopt(raw []byte, origin string) error {
	buf := memguard.NewBufferFromBytes(raw)
	aead, err := chacha20poly1305.New(buf.Bytes())
	if err != nil {
		buf.Destroy()
		return err
	}
	if m.key != nil {
		m.key.Destroy()
	}
	m.key = buf
	m.aead = aead
	m.origin = origin
	return nil
}

// Encrypt AEAD-encrypts plaintext under the master key with a freshly
// drawn random nonce. The nonce is prefixed to the returned ciphertext.
func (m *Manager) Encrypt(plaintext []byte) ([]byte, error) {
	m.RLock()
	aead := m.aead
	m.RUnlock()
	if aead == nil {
		return nil, ErrNotInitialized
	}
	return sealPrefixed(aead, plaintext)
}

// Decrypt reverses Encrypt. It returns a DecryptionError when the
// authentication tag check fails or the ciphertext is malformed.
func (m *Manager) Decrypt(ciphertext []byte) ([]byte, error) {
	m.RLock()
	aead := m.aead
	m.RUnlock()
	if aead == nil {
		return nil, ErrNotInitialized
	}
	return openPrefixed(aead, ciphertext)
}

// InternalKey returns the active AEAD handle. It exists solely so the
// channel key vault can wrap and unwrap channel keys; the handle cannot
// yield the raw key bytes and must not be passed further.
func (m *Manager) InternalKey() cipher.AEAD {
	m.RLock()
	defer m.RUnlock()
	return m.aead
}

// IsUsingDerivedKey reports whether the active key origin is
// authenticator-derived.
func (m *Manager) IsUsingDerivedKey() bool {
	m.RLock()
	defer m.RUnlock()
	return m.origin == originDerived
}

// Upgrade derives a new master key from the authenticator secret,
// re-encrypts every record and re-wraps every channel key under it in a
// single store transaction, and then swaps the active key. On any
// failure the transaction rolls back, the active key is left untouched
// and all existing data remains readable. The secret is wiped before
// Upgrade returns.
func (m *Manager) Upgrade(secret []byte, st ReencryptStore, rewrap RewrapFunc) error {
	defer memguard.WipeBytes(secret)

	// Serialize upgrades without blocking readers of the current key.
	m.upgradeMutex.Lock()
	defer m.upgradeMutex.Unlock()

	m.RLock()
	oldAEAD := m.aead
	m.RUnlock()
	if oldAEAD == nil {
		return ErrNotInitialized
	}
	if len(secret) == 0 {
		return ErrAuthenticatorRequired
	}

	salt := make([]byte, hkdfSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return err
	}
	raw, err := deriveFromAuthenticator(secret, salt)
	if err != nil {
		return err
	}
	newAEAD, err := chacha20poly1305.New(raw)
	if err != nil {
		memguard.WipeBytes(raw)
		return err
	}

	meta := map[string][]byte{
		metaOrigin:     []byte(originDerived),
		metaDeriveSalt: salt,
		metaKEKSalt:    nil,
		metaSealedKey:  nil,
	}
	err = st.ReencryptAll(
		func(value []byte) ([]byte, error) {
			pt, err := openPrefixed(oldAEAD, value)
			if err != nil {
				return nil, err
			}
			return sealPrefixed(newAEAD, pt)
		},
		func(value []byte) ([]byte, error) {
			return rewrap(oldAEAD, newAEAD, value)
		},
		meta,
	)
	if err != nil {
		memguard.WipeBytes(raw)
		m.log.Errorf("Master key upgrade aborted, keeping current key: %v", err)
		return err
	}

	m.Lock()
	defer m.Unlock()
	buf := memguard.NewBufferFromBytes(raw)
	if m.key != nil {
		m.key.Destroy()
	}
	m.key = buf
	m.aead = newAEAD
	m.origin = originDerived
	m.log.Notice("Master key upgraded to authenticator-derived origin.")
	return nil
}

// Destroy wipes the key material and returns the Manager to its
// uninitialized state. Called after the store has been erased.
func (m *Manager) Destroy() {
	m.Lock()
	defer m.Unlock()
	if m.key != nil {
		m.key.Destroy()
	}
	m.key = nil
	m.aead = nil
	m.origin = ""
}

// stretchKEK stretches a passphrase into a KEK with argon2.
func stretchKEK(passphrase, salt []byte) []byte {
	return argon2.Key(passphrase, salt, kekTime, kekMemory, kekThreads, KeySize)
}

func sealWithKEK(passphrase, salt, raw []byte) ([]byte, error) {
	kek := stretchKEK(passphrase, salt)
	defer memguard.WipeBytes(kek)
	aead, err := chacha20poly1305.New(kek)
	if err != nil {
		return nil, err
	}
	return sealPrefixed(aead, raw)
}

func openWithKEK(passphrase, salt, sealed []byte) ([]byte, error) {
	kek := stretchKEK(passphrase, salt)
	defer memguard.WipeBytes(kek)
	aead, err := chacha20poly1305.New(kek)
	if err != nil {
		return nil, err
	}
	return openPrefixed(aead, sealed)
}

// deriveFromAuthenticator expands the authenticator output into key
// material with HKDF-SHA256 under a fixed domain separation string.
func deriveFromAuthenticator(secret, salt []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, salt, []byte(masterKeyInfo))
	raw := make([]byte, KeySize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// sealPrefixed encrypts plaintext and returns the nonce prepended to
// the ciphertext.
func sealPrefixed(aead cipher.AEAD, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// openPrefixed splits the nonce prefix and decrypts.
func openPrefixed(aead cipher.AEAD, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < aead.NonceSize()+aead.Overhead() {
		return nil, newDecryptionError("ciphertext too short: %d bytes", len(ciphertext))
	}
	nonce, ct := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	pt, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, &DecryptionError{Err: err}
	}
	return pt, nil
}
