// SPDX-FileCopyrightText: © 2024 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"errors"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/katzenpost/briefkasten/store"
)

// Group is a named set of contacts sharing group context. The ID is
// what peers put in their message envelopes, so joining an existing
// group means adopting its id rather than minting a fresh one.
type Group struct {
	ID        string    `cbor:"id"`
	Name      string    `cbor:"name"`
	Members   []string  `cbor:"members"`
	CreatedAt time.Time `cbor:"created_at"`
}

func (c *Client) saveGroup(g *Group) error {
	blob, err := cbor.Marshal(g)
	if err != nil {
		return err
	}
	return c.store.Put(store.PartitionGroups, g.ID, blob)
}

func (c *Client) loadGroups() error {
	entries, err := c.store.List(store.PartitionGroups)
	if err != nil {
		return err
	}
	for id, blob := range entries {
		g := new(Group)
		if err := cbor.Unmarshal(blob, g); err != nil {
			c.log.Warningf("Skipping undecodable group %v: %v", id, err)
			continue
		}
		c.groups[g.ID] = g
	}
	return nil
}

// doAddGroup runs in the worker. Members are nicknames, stored as
// contact ids so renames do not orphan them.
func (c *Client) doAddGroup(id, name string, members []string) (*Group, error) {
	if name == "" {
		return nil, errors.New("empty group name")
	}
	if id == "" {
		id = c.randID()
	}
	if _, ok := c.groups[id]; ok {
		return nil, errGroupExists
	}
	memberIDs := make([]string, 0, len(members))
	for _, nickname := range members {
		contact, ok := c.nicknames[nickname]
		if !ok {
			return nil, errContactNotFound
		}
		memberIDs = append(memberIDs, contact.id)
	}
	g := &Group{
		ID:        id,
		Name:      name,
		Members:   memberIDs,
		CreatedAt: time.Now().UTC(),
	}
	if err := c.saveGroup(g); err != nil {
		return nil, err
	}
	c.groups[g.ID] = g
	return g, nil
}
