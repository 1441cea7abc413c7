// SPDX-FileCopyrightText: © 2024 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"fmt"
)

// Event is the generic event sent over the event listener channel.
type Event interface {
	// String returns a string representation of the Event.
	String() string
}

// ShutdownEvent is emitted once when the client shuts down.
type ShutdownEvent struct{}

// String returns a string representation of the ShutdownEvent.
func (e *ShutdownEvent) String() string {
	return "ShutdownEvent"
}

// SyncStatusEvent is emitted on every sync engine state transition.
type SyncStatusEvent struct {
	// State is the state just entered.
	State SyncState `cbor:"state"`
}

// String returns a string representation of the SyncStatusEvent.
func (e *SyncStatusEvent) String() string {
	return fmt.Sprintf("SyncStatus: %v", e.State)
}

// MessageSentEvent is emitted after the relay accepted a submission and
// the message was filed locally.
type MessageSentEvent struct {
	// Conversation is the conversation the message was filed under.
	Conversation string `cbor:"conversation"`

	// MessageID identifies the message within the conversation.
	MessageID MessageID `cbor:"message_id"`
}

// String returns a string representation of the MessageSentEvent.
func (e *MessageSentEvent) String() string {
	return fmt.Sprintf("MessageSent: %v %v", e.Conversation, e.MessageID)
}

// MessagesReceivedEvent aggregates one intake batch: how many novel
// messages landed per conversation. It is emitted only when at least
// one of them landed outside the open conversation.
type MessagesReceivedEvent struct {
	// Counts maps conversation id to the number of novel messages.
	Counts map[string]int `cbor:"counts"`

	// Total is the sum over Counts.
	Total int `cbor:"total"`
}

// String returns a string representation of the MessagesReceivedEvent.
func (e *MessagesReceivedEvent) String() string {
	return fmt.Sprintf("MessagesReceived: %d messages in %d conversations", e.Total, len(e.Counts))
}
