// SPDX-FileCopyrightText: © 2024 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package client

// Operations submitted over the op channel, one struct per public API
// call. Response channels are buffered so the worker never blocks on a
// caller that gave up.

type opAddContact struct {
	nickname     string
	key          []byte
	creator      bool
	responseChan chan interface{}
}

type opRemoveContact struct {
	nickname     string
	responseChan chan error
}

type opRenameContact struct {
	oldname      string
	newname      string
	responseChan chan error
}

type opReplaceContactKey struct {
	nickname     string
	key          []byte
	creator      bool
	responseChan chan error
}

type opGetContacts struct {
	responseChan chan map[string]*Contact
}

type opGetConversation struct {
	conversation string
	responseChan chan Messages
}

type opSendMessage struct {
	nickname     string
	body         []byte
	responseChan chan interface{}
}

type opSendGroupMessage struct {
	groupID      string
	body         []byte
	responseChan chan interface{}
}

type opForwardMessage struct {
	conversation string
	id           MessageID
	nickname     string
	responseChan chan interface{}
}

type opMarkConversationRead struct {
	conversation string
	responseChan chan error
}

type opSetOpenConversation struct {
	conversation string
}

type opAddGroup struct {
	id           string
	name         string
	members      []string
	responseChan chan interface{}
}

type opGetGroups struct {
	responseChan chan []*Group
}

type opStartSync struct {
	responseChan chan error
}

type opStopSync struct {
	responseChan chan error
}

type opSyncState struct {
	responseChan chan SyncState
}

type opUpgrade struct {
	secret       []byte
	responseChan chan error
}

type opEraseAll struct {
	responseChan chan error
}
