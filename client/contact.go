// SPDX-FileCopyrightText: © 2024 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/katzenpost/briefkasten/store"
	"github.com/katzenpost/briefkasten/vault"
)

// Contact is a peer this client shares a channel key with. The id
// doubles as the conversation id for direct messages and as the vault
// id of the channel key.
type Contact struct {
	// id is the local unique contact ID.
	id string

	// Nickname is also unique locally.
	Nickname string

	// KeyCreator is true when this side generated the channel key. The
	// creator listens on the read identifier and transmits on the write
	// identifier; the joiner does the opposite.
	KeyCreator bool

	// CreatedAt records when the contact was added.
	CreatedAt time.Time
}

type serializedContact struct {
	ID         string    `cbor:"id"`
	Nickname   string    `cbor:"nickname"`
	KeyCreator bool      `cbor:"key_creator"`
	CreatedAt  time.Time `cbor:"created_at"`
}

// ID returns the Contact ID.
func (c *Contact) ID() string {
	return c.id
}

// inboxCap is the direction constant this side listens on.
func (c *Contact) inboxCap() []byte {
	if c.KeyCreator {
		return vault.ReadCap
	}
	return vault.WriteCap
}

// outboundCap is the direction constant this side transmits on.
func (c *Contact) outboundCap() []byte {
	if c.KeyCreator {
		return vault.WriteCap
	}
	return vault.ReadCap
}

// MarshalBinary does what you expect and returns a serialized Contact.
func (c *Contact) MarshalBinary() ([]byte, error) {
	return cbor.Marshal(&serializedContact{
		ID:         c.id,
		Nickname:   c.Nickname,
		KeyCreator: c.KeyCreator,
		CreatedAt:  c.CreatedAt,
	})
}

// UnmarshalBinary does what you expect and initializes the given
// Contact with deserialized Contact fields from the given binary blob.
func (c *Contact) UnmarshalBinary(data []byte) error {
	s := new(serializedContact)
	if err := cbor.Unmarshal(data, s); err != nil {
		return err
	}
	c.id = s.ID
	c.Nickname = s.Nickname
	c.KeyCreator = s.KeyCreator
	c.CreatedAt = s.CreatedAt
	return nil
}

func (c *Client) saveContact(contact *Contact) error {
	blob, err := contact.MarshalBinary()
	if err != nil {
		return err
	}
	return c.store.Put(store.PartitionContacts, contact.id, blob)
}

func (c *Client) loadContacts() error {
	entries, err := c.store.List(store.PartitionContacts)
	if err != nil {
		return err
	}
	for id, blob := range entries {
		contact := new(Contact)
		if err := contact.UnmarshalBinary(blob); err != nil {
			c.log.Warningf("Skipping undecodable contact %v: %v", id, err)
			continue
		}
		c.contacts[contact.id] = contact
		c.nicknames[contact.Nickname] = contact
	}
	return nil
}
