// SPDX-FileCopyrightText: © 2024 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package store implements the briefkasten encrypted state store with a
// simple bbolt based backend. Every record in the ordinary partitions is
// sealed by the master key cipher before it touches the disk; the channel
// key partition holds values framed by the vault and is reachable only
// through the raw accessors.
package store

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/katzenpost/core/log"

	"github.com/katzenpost/briefkasten/masterkey"
)

const (
	// PartitionContacts holds one serialized contact per contact id.
	PartitionContacts = "contacts"

	// PartitionMessages holds one serialized message per message id.
	PartitionMessages = "messages"

	// PartitionChannelKeys holds one wrapped channel key per contact id.
	// Values are framed by the vault, not by the store.
	PartitionChannelKeys = "channelkeys"

	// PartitionGroups holds one serialized group per group id.
	PartitionGroups = "groups"

	metadataBucket = "metadata"
	versionKey     = "version"

	// storeVersion 0 predates the groups partition. Opening an older
	// store creates the missing partition and bumps the stored version;
	// nothing is ever dropped or rewritten on open.
	storeVersion = 1

	eraseProbeTimeout = 250 * time.Millisecond
	eraseRetryDelay   = 1 * time.Second
)

var (
	// ErrClosed is returned by the accessors after Close or a
	// successful EraseAll. Reopen with Open to start over.
	ErrClosed = errors.New("store: closed")

	// ErrNoCipher is returned by the sealed accessors before SetCipher
	// has been called.
	ErrNoCipher = errors.New("store: no cipher configured")

	// ErrLocked is returned by EraseAll when another open connection
	// still holds the storage file after the retry. The caller is
	// expected to close the other connection and try again.
	ErrLocked = errors.New("store: storage file locked by another open connection")
)

var partitions = []string{
	PartitionContacts,
	PartitionMessages,
	PartitionChannelKeys,
	PartitionGroups,
}

// Cipher seals and opens record plaintexts. It is implemented by the
// master key manager.
type Cipher interface {
	// Encrypt seals plaintext under a fresh nonce.
	Encrypt(plaintext []byte) ([]byte, error)

	// Decrypt opens ciphertext, failing with a decryption error on a
	// tag mismatch or malformed input.
	Decrypt(ciphertext []byte) ([]byte, error)
}

// Store is an encrypted partitioned key-value store. All methods are
// safe for concurrent use.
type Store struct {
	sync.RWMutex

	db     *bolt.DB
	cipher Cipher
	log    *logging.Logger
	path   string
}

// Open creates (or loads) the store backed by the given file name f. The
// returned store cannot seal or open records until SetCipher is called;
// the metadata and raw accessors work immediately, which is what lets the
// master key manager bootstrap itself out of a store it protects.
func Open(f string, logBackend *log.Backend) (*Store, error) {
	var err error

	s := &Store{
		log:  logBackend.GetLogger("store"),
		path: f,
	}
	s.db, err = bolt.Open(f, 0600, nil)
	if err != nil {
		return nil, err
	}

	if err = s.db.Update(func(tx *bolt.Tx) error {
		// Ensure all the partitions exist, and grab the metadata bucket.
		// Creation is strictly additive so this doubles as the schema
		// migration for stores written by older versions.
		mBkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		for _, partition := range partitions {
			if _, err = tx.CreateBucketIfNotExists([]byte(partition)); err != nil {
				return err
			}
		}

		if b := mBkt.Get([]byte(versionKey)); b != nil {
			// Well it looks like we loaded as opposed to created.
			if len(b) != 1 || b[0] > storeVersion {
				return fmt.Errorf("store: incompatible version: %v", b)
			}
			if b[0] == storeVersion {
				return nil
			}
			s.log.Noticef("Migrating store from version %d to %d", b[0], storeVersion)
		}

		return mBkt.Put([]byte(versionKey), []byte{storeVersion})
	}); err != nil {
		// The struct isn't getting returned so clean up the database.
		s.db.Close()
		return nil, err
	}

	return s, nil
}

// SetCipher hands the store the cipher that seals and opens records in
// the ordinary partitions. Called once, after the master key manager has
// been initialized against this store's metadata.
func (s *Store) SetCipher(c Cipher) {
	s.Lock()
	defer s.Unlock()
	s.cipher = c
}

// Put seals value and stores it under id in the given partition.
func (s *Store) Put(partition, id string, value []byte) error {
	if err := checkSealed(partition); err != nil {
		return err
	}

	s.RLock()
	defer s.RUnlock()
	switch {
	case s.db == nil:
		return ErrClosed
	case s.cipher == nil:
		return ErrNoCipher
	}

	ct, err := s.cipher.Encrypt(value)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(partition)).Put([]byte(id), ct)
	})
}

// Get returns the opened value stored under id, or nil if the id is
// absent. An entry that fails to open is treated as absent rather than
// as an error, so one corrupt record never takes down the read path.
func (s *Store) Get(partition, id string) ([]byte, error) {
	if err := checkSealed(partition); err != nil {
		return nil, err
	}

	s.RLock()
	defer s.RUnlock()
	switch {
	case s.db == nil:
		return nil, ErrClosed
	case s.cipher == nil:
		return nil, ErrNoCipher
	}

	var value []byte
	if err := s.db.View(func(tx *bolt.Tx) error {
		ct := tx.Bucket([]byte(partition)).Get([]byte(id))
		if ct == nil {
			return nil
		}
		pt, err := s.cipher.Decrypt(ct)
		if err != nil {
			if masterkey.IsDecryptionFailure(err) {
				s.log.Warningf("Treating undecryptable `%v` entry %v as absent", partition, id)
				return nil
			}
			return err
		}
		value = pt
		return nil
	}); err != nil {
		return nil, err
	}
	return value, nil
}

// List returns every id to opened value mapping in the given partition.
// Entries that fail to open are skipped with a warning.
func (s *Store) List(partition string) (map[string][]byte, error) {
	if err := checkSealed(partition); err != nil {
		return nil, err
	}

	s.RLock()
	defer s.RUnlock()
	switch {
	case s.db == nil:
		return nil, ErrClosed
	case s.cipher == nil:
		return nil, ErrNoCipher
	}

	values := make(map[string][]byte)
	if err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(partition)).ForEach(func(k, v []byte) error {
			pt, err := s.cipher.Decrypt(v)
			if err != nil {
				if masterkey.IsDecryptionFailure(err) {
					s.log.Warningf("Skipping undecryptable `%v` entry %v", partition, string(k))
					return nil
				}
				return err
			}
			values[string(k)] = pt
			return nil
		})
	}); err != nil {
		return nil, err
	}
	return values, nil
}

// PutRaw stores value verbatim under id in the channel key partition.
func (s *Store) PutRaw(partition, id string, value []byte) error {
	if err := checkRaw(partition); err != nil {
		return err
	}

	s.RLock()
	defer s.RUnlock()
	if s.db == nil {
		return ErrClosed
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(partition)).Put([]byte(id), value)
	})
}

// GetRaw returns the verbatim value stored under id in the channel key
// partition, or nil if the id is absent.
func (s *Store) GetRaw(partition, id string) ([]byte, error) {
	if err := checkRaw(partition); err != nil {
		return nil, err
	}

	s.RLock()
	defer s.RUnlock()
	if s.db == nil {
		return nil, ErrClosed
	}

	var value []byte
	if err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket([]byte(partition)).Get([]byte(id)); v != nil {
			value = append([]byte{}, v...)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return value, nil
}

// ListRaw returns every id to verbatim value mapping in the channel key
// partition.
func (s *Store) ListRaw(partition string) (map[string][]byte, error) {
	if err := checkRaw(partition); err != nil {
		return nil, err
	}

	s.RLock()
	defer s.RUnlock()
	if s.db == nil {
		return nil, ErrClosed
	}

	values := make(map[string][]byte)
	if err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(partition)).ForEach(func(k, v []byte) error {
			values[string(k)] = append([]byte{}, v...)
			return nil
		})
	}); err != nil {
		return nil, err
	}
	return values, nil
}

// Delete removes the entry stored under id. Deleting an absent id is not
// an error.
func (s *Store) Delete(partition, id string) error {
	if err := checkPartition(partition); err != nil {
		return err
	}

	s.RLock()
	defer s.RUnlock()
	if s.db == nil {
		return ErrClosed
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(partition)).Delete([]byte(id))
	})
}

// GetMeta returns the metadata value stored under key, or nil if absent.
// Metadata is deliberately not sealed: it carries the sealed master key
// material itself and the markers needed to unseal it.
func (s *Store) GetMeta(key string) ([]byte, error) {
	s.RLock()
	defer s.RUnlock()
	if s.db == nil {
		return nil, ErrClosed
	}

	var value []byte
	if err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket([]byte(metadataBucket)).Get([]byte(key)); v != nil {
			value = append([]byte{}, v...)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return value, nil
}

// PutMeta stores value under key in the metadata bucket. A nil value
// deletes the key.
func (s *Store) PutMeta(key string, value []byte) error {
	s.RLock()
	defer s.RUnlock()
	if s.db == nil {
		return ErrClosed
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		mBkt := tx.Bucket([]byte(metadataBucket))
		if value == nil {
			return mBkt.Delete([]byte(key))
		}
		return mBkt.Put([]byte(key), value)
	})
}

// ReencryptAll rewrites every stored record inside a single write
// transaction: records is applied to each value in the ordinary
// partitions, keys to each value in the channel key partition, and the
// meta updates last (a nil value deletes). Any error rolls the whole
// transaction back, leaving every record readable under the old key.
func (s *Store) ReencryptAll(records func(value []byte) ([]byte, error), keys func(value []byte) ([]byte, error), meta map[string][]byte) error {
	s.Lock()
	defer s.Unlock()
	if s.db == nil {
		return ErrClosed
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		for _, partition := range partitions {
			transform := records
			if partition == PartitionChannelKeys {
				transform = keys
			}
			if err := reencryptBucket(tx.Bucket([]byte(partition)), transform); err != nil {
				return fmt.Errorf("store: reencrypting `%v`: %v", partition, err)
			}
		}

		mBkt := tx.Bucket([]byte(metadataBucket))
		for k, v := range meta {
			if v == nil {
				if err := mBkt.Delete([]byte(k)); err != nil {
					return err
				}
				continue
			}
			if err := mBkt.Put([]byte(k), v); err != nil {
				return err
			}
		}
		return nil
	})
}

func reencryptBucket(bkt *bolt.Bucket, transform func([]byte) ([]byte, error)) error {
	// Writing to a bucket invalidates cursors over it, so snapshot the
	// entries first. Client scale data fits in memory with room to spare.
	type entry struct {
		k, v []byte
	}
	var entries []entry
	if err := bkt.ForEach(func(k, v []byte) error {
		e := entry{make([]byte, len(k)), make([]byte, len(v))}
		copy(e.k, k)
		copy(e.v, v)
		entries = append(entries, e)
		return nil
	}); err != nil {
		return err
	}

	for _, e := range entries {
		v, err := transform(e.v)
		if err != nil {
			return err
		}
		if err = bkt.Put(e.k, v); err != nil {
			return err
		}
	}
	return nil
}

// EraseAll closes the store's own connection, then deletes the
// underlying file. A lingering handle elsewhere keeps the old contents
// alive, so exclusive ownership of the file is required before
// unlinking; if another connection still holds it, EraseAll waits a
// fixed delay and tries once more before giving up with ErrLocked. The
// caller may close the other connection and call EraseAll again; it
// works on an already closed store and erasing an already erased store
// is a no-op.
func (s *Store) EraseAll() error {
	s.Lock()
	defer s.Unlock()

	if s.db != nil {
		s.db.Sync()
		if err := s.db.Close(); err != nil {
			return err
		}
		s.db = nil
		s.cipher = nil
	}

	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		return nil
	}
	s.log.Noticef("Erasing all persisted state at %v", s.path)

	probe, err := bolt.Open(s.path, 0600, &bolt.Options{Timeout: eraseProbeTimeout})
	if errors.Is(err, bolt.ErrTimeout) {
		s.log.Warningf("Erase blocked by another open connection, retrying in %v", eraseRetryDelay)
		time.Sleep(eraseRetryDelay)
		probe, err = bolt.Open(s.path, 0600, &bolt.Options{Timeout: eraseProbeTimeout})
	}
	switch {
	case errors.Is(err, bolt.ErrTimeout):
		return ErrLocked
	case err != nil:
		return err
	}
	probe.Close()

	return os.Remove(s.path)
}

// Close flushes and closes the store.
func (s *Store) Close() {
	s.Lock()
	defer s.Unlock()
	if s.db == nil {
		return
	}
	s.db.Sync()
	s.db.Close()
	s.db = nil
	s.cipher = nil
}

func checkPartition(partition string) error {
	switch partition {
	case PartitionContacts, PartitionMessages, PartitionChannelKeys, PartitionGroups:
		return nil
	default:
		return fmt.Errorf("store: unknown partition: `%v`", partition)
	}
}

func checkSealed(partition string) error {
	switch partition {
	case PartitionContacts, PartitionMessages, PartitionGroups:
		return nil
	case PartitionChannelKeys:
		return fmt.Errorf("store: partition `%v` holds vault framed keys, use the raw accessors", partition)
	default:
		return fmt.Errorf("store: unknown partition: `%v`", partition)
	}
}

func checkRaw(partition string) error {
	switch partition {
	case PartitionChannelKeys:
		return nil
	case PartitionContacts, PartitionMessages, PartitionGroups:
		return fmt.Errorf("store: partition `%v` is sealed, use the sealed accessors", partition)
	default:
		return fmt.Errorf("store: unknown partition: `%v`", partition)
	}
}
