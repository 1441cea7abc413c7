// SPDX-FileCopyrightText: © 2024 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"context"
	"errors"

	"github.com/fxamacker/cbor/v2"

	"github.com/katzenpost/briefkasten/internal/instrument"
	"github.com/katzenpost/briefkasten/relay"
)

// intake files one retrieved batch into local history: resolve each
// channel identifier to its contact, decrypt, route group context,
// deduplicate, merge, acknowledge every accepted copy in one call and
// raise a single aggregated notification for the batch.
func (c *Client) intake(results []relay.Result) {
	if len(results) == 0 {
		return
	}

	// Each touched conversation is read once and written once.
	histories := make(map[string]Messages)
	dirty := make(map[string]bool)
	novel := make(map[string]int)
	acks := make([]relay.Ack, 0, len(results))

	for _, res := range results {
		binding, ok := c.bindings[res.ChannelID]
		if !ok {
			c.log.Warningf("Dropping message for unknown channel %v", res.ChannelID)
			instrument.UnresolvedChannel()
			continue
		}

		// Decrypt, or retain the ciphertext so a corrected key can
		// recover it later.
		conversation := binding.contact.id
		msg := &Message{Timestamp: res.Timestamp.UTC()}
		plaintext, err := binding.key.Decrypt(res.Ciphertext)
		if err != nil {
			c.log.Warningf("Retaining undecryptable message from %v: %v", binding.contact.Nickname, err)
			instrument.DecryptFailure()
			msg.Content = res.Ciphertext
			msg.Encrypted = true
		} else {
			payload := new(messagePayload)
			if cerr := cbor.Unmarshal(plaintext, payload); cerr != nil {
				// A bare body from before the envelope existed.
				payload.Content = plaintext
			}
			msg.Content = payload.Content
			if payload.GroupID != "" {
				if _, ok := c.groups[payload.GroupID]; ok {
					conversation = payload.GroupID
				} else {
					// No such local group: file under the direct
					// contact with the group attached as context.
					msg.GroupID = payload.GroupID
					msg.GroupName = payload.GroupName
				}
			}
		}

		history, loaded := histories[conversation]
		if !loaded {
			var lerr error
			history, lerr = c.loadConversation(conversation)
			if lerr != nil {
				c.log.Errorf("Failed to load conversation %v: %v", conversation, lerr)
				continue
			}
			histories[conversation] = history
		}

		// Only novel (content, timestamp) pairs merge.
		if hasMessage(history, msg.Timestamp, msg.Content) {
			instrument.MessageDuplicate()
		} else {
			msg.ID = newMessageID(conversation, msg.Timestamp, msg.Content)
			histories[conversation] = append(history, msg)
			dirty[conversation] = true
			novel[conversation]++
			instrument.MessageStored()
		}

		// Every accepted copy is acknowledged, duplicates included.
		acks = append(acks, relay.Ack{ChannelID: res.ChannelID, Timestamp: res.Timestamp})
	}

	for conversation := range dirty {
		if err := c.saveConversation(conversation, histories[conversation]); err != nil {
			c.log.Errorf("Failed to save conversation %v: %v", conversation, err)
		}
	}

	// One acknowledgment call, at most one attempt. A failure means the
	// relay keeps the copies around; the dedup above absorbs the
	// redelivery. A cancellation mid-call is the client halting, not a
	// failure.
	if len(acks) > 0 && c.syncCtx != nil {
		if err := c.relay.Acknowledge(c.syncCtx, acks); err != nil && !errors.Is(err, context.Canceled) {
			c.log.Warningf("Acknowledge failed, relay copies linger: %v", err)
			instrument.AckFailure()
		}
	}

	// A single aggregated notification when novel messages landed
	// outside the open conversation.
	notify := false
	total := 0
	for conversation, n := range novel {
		total += n
		if conversation != c.openConversation {
			notify = true
		}
	}
	if notify {
		c.eventCh.In() <- &MessagesReceivedEvent{Counts: novel, Total: total}
	}
}

// redecryptConversation retries every retained ciphertext of a direct
// conversation, called after the contact's channel key was replaced.
// Recovered messages keep their place and identifier; group metadata
// discovered this late stays attached as context.
func (c *Client) redecryptConversation(contact *Contact) {
	msgs, err := c.loadConversation(contact.id)
	if err != nil || len(msgs) == 0 {
		return
	}
	key, err := c.vault.Get(contact.id)
	if err != nil {
		return
	}
	defer key.Destroy()
	changed := 0
	for _, m := range msgs {
		if !m.Encrypted {
			continue
		}
		plaintext, derr := key.Decrypt(m.Content)
		if derr != nil {
			continue
		}
		payload := new(messagePayload)
		if cerr := cbor.Unmarshal(plaintext, payload); cerr != nil {
			payload.Content = plaintext
		}
		m.Content = payload.Content
		m.GroupID = payload.GroupID
		m.GroupName = payload.GroupName
		m.Encrypted = false
		changed++
	}
	if changed == 0 {
		return
	}
	c.log.Noticef("Recovered %d retained messages for %v", changed, contact.Nickname)
	if err := c.saveConversation(contact.id, msgs); err != nil {
		c.log.Errorf("Failed to save conversation %v: %v", contact.id, err)
	}
}
