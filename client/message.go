// SPDX-FileCopyrightText: © 2024 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/blake2b"

	"github.com/katzenpost/briefkasten/store"
)

// MessageIDSize is the size of a message identifier in bytes.
const MessageIDSize = 16

// MessageID identifies one message within a conversation.
type MessageID [MessageIDSize]byte

// String returns the hexadecimal form of the MessageID.
func (m MessageID) String() string {
	return hex.EncodeToString(m[:])
}

// newMessageID hashes the fields that make a message unique within its
// conversation into a short stable identifier.
func newMessageID(conversation string, timestamp time.Time, content []byte) MessageID {
	h, err := blake2b.New256(nil)
	if err != nil {
		panic(err)
	}
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(timestamp.UnixNano()))
	h.Write([]byte(conversation))
	h.Write(ts[:])
	h.Write(content)
	var id MessageID
	copy(id[:], h.Sum(nil))
	return id
}

// Message is one entry of a conversation's history. Apart from the Read
// flag a Message never changes once filed; an Encrypted one may later
// have its Content replaced by the recovered plaintext.
type Message struct {
	// ID is the message identifier, assigned when the message is filed.
	ID MessageID `cbor:"id"`

	// Timestamp orders the conversation. Received messages carry the
	// relay's timestamp, sent ones the local clock.
	Timestamp time.Time `cbor:"timestamp"`

	// Content is the message body. While Encrypted is true it holds the
	// ciphertext of a message the channel key could not open.
	Content []byte `cbor:"content"`

	// Encrypted marks retained ciphertext awaiting a corrected key.
	Encrypted bool `cbor:"encrypted,omitempty"`

	// Sent is true for messages this client submitted.
	Sent bool `cbor:"sent,omitempty"`

	// Read is true once the conversation was marked read.
	Read bool `cbor:"read,omitempty"`

	// Forwarded marks a copy passed on from another conversation.
	Forwarded bool `cbor:"forwarded,omitempty"`

	// GroupID and GroupName carry group context on messages filed under
	// a direct contact because no matching local group existed.
	GroupID   string `cbor:"group_id,omitempty"`
	GroupName string `cbor:"group_name,omitempty"`
}

// Messages is a sortable message slice, ordered by timestamp.
type Messages []*Message

// Len implements sort.Interface.
func (d Messages) Len() int {
	return len(d)
}

// Swap is part of sort.Interface.
func (d Messages) Swap(i, j int) {
	d[i], d[j] = d[j], d[i]
}

// Less is part of sort.Interface.
func (d Messages) Less(i, j int) bool {
	return d[i].Timestamp.Before(d[j].Timestamp)
}

// messagePayload is the plaintext envelope inside a channel ciphertext.
// A decrypted payload that is not a valid envelope is treated as a bare
// message body.
type messagePayload struct {
	Content   []byte `cbor:"content"`
	GroupID   string `cbor:"group_id,omitempty"`
	GroupName string `cbor:"group_name,omitempty"`
}

func (c *Client) loadConversation(conversation string) (Messages, error) {
	value, err := c.store.Get(store.PartitionMessages, conversation)
	if err != nil || value == nil {
		return nil, err
	}
	var msgs Messages
	if err := cbor.Unmarshal(value, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (c *Client) saveConversation(conversation string, msgs Messages) error {
	sort.Sort(msgs)
	value, err := cbor.Marshal(msgs)
	if err != nil {
		return err
	}
	return c.store.Put(store.PartitionMessages, conversation, value)
}

// hasMessage reports whether history already holds an entry with the
// given timestamp and content, the pair received messages deduplicate
// on.
func hasMessage(msgs Messages, timestamp time.Time, content []byte) bool {
	for _, m := range msgs {
		if m.Timestamp.Equal(timestamp) && bytes.Equal(m.Content, content) {
			return true
		}
	}
	return false
}
