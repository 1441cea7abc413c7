// SPDX-FileCopyrightText: © 2024 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package vault manages the non-extractable per contact channel keys:
// their use for message encryption, their wrapped at rest representation
// under the master key, and the decoding of the historical on-disk key
// encodings. It is the only consumer of the master key manager's
// internal AEAD handle.
package vault

import (
	"crypto/cipher"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/awnumar/memguard"
	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/hpqc/rand"

	"github.com/katzenpost/katzenpost/core/log"

	"github.com/katzenpost/briefkasten/masterkey"
	"github.com/katzenpost/briefkasten/store"
)

// KeySize is the size in bytes of a channel key.
const KeySize = chacha20poly1305.KeySize

// ErrKeyUnavailable is returned by Get when no channel key is stored for
// the contact. The caller skips that channel for the current cycle.
var ErrKeyUnavailable = errors.New("vault: no channel key for contact")

var errKeyDestroyed = errors.New("vault: use of destroyed channel key")

// ChannelKey is the symmetric key shared out-of-band with exactly one
// contact. The raw bytes live in a locked buffer and cannot be read back
// out through the public surface; the key is usable only through its
// methods and through DeriveRequestID. Channel keys are immutable and
// safe to share read-only across goroutines.
type ChannelKey struct {
	buf  *memguard.LockedBuffer
	aead cipher.AEAD
}

// NewChannelKey generates a fresh random channel key.
func NewChannelKey() (*ChannelKey, error) {
	raw := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return nil, err
	}
	return ImportChannelKey(raw)
}

// ImportChannelKey builds a channel key from raw material received
// out-of-band, wiping raw. The import direction is the only one that
// exists: once built, the bytes cannot come back out.
func ImportChannelKey(raw []byte) (*ChannelKey, error) {
	if len(raw) != KeySize {
		memguard.WipeBytes(raw)
		return nil, fmt.Errorf("vault: channel key must be %d bytes, got %d", KeySize, len(raw))
	}
	buf := memguard.NewBufferFromBytes(raw)
	aead, err := chacha20poly1305.New(buf.Bytes())
	if err != nil {
		buf.Destroy()
		return nil, err
	}
	return &ChannelKey{buf: buf, aead: aead}, nil
}

// Encrypt seals a message payload under the channel key with a freshly
// drawn random nonce, prefixed to the returned ciphertext.
func (k *ChannelKey) Encrypt(plaintext []byte) ([]byte, error) {
	if k.aead == nil {
		return nil, errKeyDestroyed
	}
	return sealPrefixed(k.aead, plaintext)
}

// Decrypt reverses Encrypt, failing with a DecryptionError when the key
// does not match or the ciphertext is malformed.
func (k *ChannelKey) Decrypt(ciphertext []byte) ([]byte, error) {
	if k.aead == nil {
		return nil, errKeyDestroyed
	}
	return openPrefixed(k.aead, ciphertext)
}

// Destroy wipes the key material. The key is unusable afterwards.
func (k *ChannelKey) Destroy() {
	k.buf.Destroy()
	k.aead = nil
}

// rawKeyObject is the plaintext key object encoding that predates
// wrapping. The algorithm tag is informational only.
type rawKeyObject struct {
	Algorithm string `cbor:"algorithm"`
	Key       []byte `cbor:"key"`
}

// Vault stores channel keys wrapped under the master key. All methods
// are safe for concurrent use; the master AEAD handle is fetched per
// operation so a key upgrade is picked up immediately.
type Vault struct {
	master *masterkey.Manager
	store  *store.Store
	log    *logging.Logger
}

// New creates a Vault over the given master key manager and store.
func New(master *masterkey.Manager, st *store.Store, logBackend *log.Backend) *Vault {
	return &Vault{
		master: master,
		store:  st,
		log:    logBackend.GetLogger("vault"),
	}
}

// Store wraps k under the master key and persists it for the contact:
// a 96 bit random nonce is drawn and prefixed to the AEAD wrap of the
// raw key bytes. The key remains usable by the caller.
func (v *Vault) Store(contactID string, k *ChannelKey) error {
	aead := v.master.InternalKey()
	if aead == nil {
		return masterkey.ErrNotInitialized
	}
	value, err := wrapKey(aead, k)
	if err != nil {
		return err
	}
	return v.store.PutRaw(store.PartitionChannelKeys, contactID, value)
}

// Get unwraps and returns the contact's channel key. It returns
// ErrKeyUnavailable when no key is stored, and a DecryptionError when
// the stored value does not open under the current master key.
func (v *Vault) Get(contactID string) (*ChannelKey, error) {
	aead := v.master.InternalKey()
	if aead == nil {
		return nil, masterkey.ErrNotInitialized
	}
	value, err := v.store.GetRaw(store.PartitionChannelKeys, contactID)
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, ErrKeyUnavailable
	}
	return v.decodeStored(aead, value)
}

// Delete removes the contact's stored channel key.
func (v *Vault) Delete(contactID string) error {
	return v.store.Delete(store.PartitionChannelKeys, contactID)
}

// Rewrap re-wraps one stored channel key value from the old master AEAD
// to the new one. Whatever historical encoding the value carried going
// in, it comes out in the current wrap format.
func (v *Vault) Rewrap(oldKey, newKey cipher.AEAD, value []byte) ([]byte, error) {
	k, err := v.decodeStored(oldKey, value)
	if err != nil {
		return nil, err
	}
	defer k.Destroy()
	return wrapKey(newKey, k)
}

// decodeStored turns one stored value back into a channel key. The
// encoding variant is detected from the shape of the value, not from a
// version counter: a plaintext key object parses as CBOR, anything else
// must open under the master key and is dispatched on the plaintext.
func (v *Vault) decodeStored(aead cipher.AEAD, value []byte) (*ChannelKey, error) {
	if k, ok := v.decodeRawObject(value); ok {
		return k, nil
	}

	pt, err := openPrefixed(aead, value)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(pt)

	if k, ok := decodeWrapped(pt); ok {
		return k, nil
	}
	if k, ok := v.decodeLegacyString(pt); ok {
		return k, nil
	}
	return nil, &masterkey.DecryptionError{Err: errors.New("unrecognized stored key shape")}
}

// decodeRawObject handles the key object encoding from before wrapping
// existed: a plaintext CBOR map carrying the raw key bytes.
func (v *Vault) decodeRawObject(value []byte) (*ChannelKey, bool) {
	var obj rawKeyObject
	if err := cbor.Unmarshal(value, &obj); err != nil || len(obj.Key) != KeySize {
		return nil, false
	}
	k, err := ImportChannelKey(obj.Key)
	if err != nil {
		return nil, false
	}
	v.log.Debugf("Decoded raw key object with algorithm tag %q", obj.Algorithm)
	return k, true
}

// decodeWrapped handles the current encoding: the plaintext under the
// master key is the raw key bytes themselves.
func decodeWrapped(pt []byte) (*ChannelKey, bool) {
	if len(pt) != KeySize {
		return nil, false
	}
	k, err := ImportChannelKey(append([]byte(nil), pt...))
	if err != nil {
		return nil, false
	}
	return k, true
}

// decodeLegacyString handles the doubly encrypted encoding: the
// plaintext under the master key is a hex string of the key, needing a
// decode-then-import step.
func (v *Vault) decodeLegacyString(pt []byte) (*ChannelKey, bool) {
	raw := make([]byte, hex.DecodedLen(len(pt)))
	if _, err := hex.Decode(raw, pt); err != nil || len(raw) != KeySize {
		memguard.WipeBytes(raw)
		return nil, false
	}
	k, err := ImportChannelKey(raw)
	if err != nil {
		return nil, false
	}
	v.log.Debug("Decoded legacy encrypted string key")
	return k, true
}

func wrapKey(aead cipher.AEAD, k *ChannelKey) ([]byte, error) {
	if k.aead == nil {
		return nil, errKeyDestroyed
	}
	return sealPrefixed(aead, k.buf.Bytes())
}

func sealPrefixed(aead cipher.AEAD, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func openPrefixed(aead cipher.AEAD, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < aead.NonceSize()+aead.Overhead() {
		return nil, &masterkey.DecryptionError{Err: fmt.Errorf("ciphertext too short: %d bytes", len(ciphertext))}
	}
	nonce, ct := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	pt, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, &masterkey.DecryptionError{Err: err}
	}
	return pt, nil
}
