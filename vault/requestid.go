// SPDX-FileCopyrightText: © 2024 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package vault

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

var (
	// ReadCap derives the identifier the channel's creator listens on.
	// The joining side writes to it.
	ReadCap = []byte("read")

	// WriteCap derives the identifier the channel's creator writes to.
	// The joining side listens on it.
	WriteCap = []byte("write")
)

// RequestIDSize is the size in bytes of a derived request identifier.
const RequestIDSize = blake2b.Size256

// RequestID is the one way identifier a channel is known by on the
// relay. Two peers holding the same channel key derive identical values
// for a given capability; the relay cannot invert one back to the key.
type RequestID [RequestIDSize]byte

// String returns the hex form used on the wire.
func (r RequestID) String() string {
	return hex.EncodeToString(r[:])
}

// Bytes returns the identifier as a byte slice.
func (r RequestID) Bytes() []byte {
	return r[:]
}

// ParseRequestID parses the hex wire form back into a RequestID.
func ParseRequestID(s string) (RequestID, error) {
	var r RequestID
	b, err := hex.DecodeString(s)
	if err != nil {
		return r, err
	}
	if len(b) != RequestIDSize {
		return r, fmt.Errorf("vault: request id must be %d bytes, got %d", RequestIDSize, len(b))
	}
	copy(r[:], b)
	return r, nil
}

// DeriveRequestID computes the request identifier for the key in the
// given capability direction, as the BLAKE2b-256 hash of the capability
// string keyed with the channel key. The derivation is deterministic and
// one way; deriving with ReadCap and WriteCap yields unrelated values.
func DeriveRequestID(k *ChannelKey, capability []byte) RequestID {
	if k.aead == nil {
		panic("vault: derive on destroyed channel key")
	}
	h, err := blake2b.New256(k.buf.Bytes())
	if err != nil {
		panic(err)
	}
	h.Write(capability)
	var r RequestID
	copy(r[:], h.Sum(nil))
	return r
}
