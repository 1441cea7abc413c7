// SPDX-FileCopyrightText: © 2024 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package client implements the briefkasten client: contacts, groups
// and message history kept encrypted at rest, synchronized with a dumb
// relay that never sees plaintext, accounts or key material.
package client

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/eapache/channels.v1"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/hpqc/rand"

	"github.com/katzenpost/katzenpost/core/log"
	"github.com/katzenpost/katzenpost/core/worker"

	"github.com/katzenpost/briefkasten/client/config"
	"github.com/katzenpost/briefkasten/masterkey"
	"github.com/katzenpost/briefkasten/relay"
	"github.com/katzenpost/briefkasten/store"
	"github.com/katzenpost/briefkasten/vault"
)

var (
	errContactNotFound = errors.New("contact not found")
	errContactExists   = errors.New("contact already exists")
	errGroupNotFound   = errors.New("group not found")
	errGroupExists     = errors.New("group already exists")
	errMessageNotFound = errors.New("message not found")
	errUndecrypted     = errors.New("cannot forward an undecrypted message")
	errSyncRunning     = errors.New("sync already running")
	errSyncNotRunning  = errors.New("sync not running")
	errHalted          = errors.New("client halted")
)

// Client ties the master key manager, the encrypted store, the channel
// key vault and the relay together and runs the synchronization engine.
// All state mutation happens on the single worker goroutine; the public
// API hands operations to it over the op channel.
type Client struct {
	worker.Worker

	eventCh    channels.Channel
	EventSink  chan Event
	opCh       chan interface{}
	fatalErrCh chan error
	resultCh   chan receiveResult

	master *masterkey.Manager
	store  *store.Store
	vault  *vault.Vault
	relay  *relay.Client

	// Everything below is owned by the worker goroutine.
	contacts         map[string]*Contact
	nicknames        map[string]*Contact
	groups           map[string]*Group
	openConversation string
	state            SyncState
	gen              uint64
	transport        relay.Transport
	bindings         map[string]*channelBinding
	ids              []string
	cycleStart       time.Time
	inflight         bool
	syncCtx          context.Context
	syncCancel       context.CancelFunc

	transportMode   string
	streaming       bool
	minPollInterval time.Duration
	backoffDelay    time.Duration

	shutdownOnce sync.Once

	log        *logging.Logger
	logBackend *log.Backend
}

// New loads the persisted contacts and groups and builds a Client. The
// master key manager must be initialized and installed as the store's
// cipher before this is called.
func New(cfg *config.Config, master *masterkey.Manager, st *store.Store, vlt *vault.Vault, logBackend *log.Backend) (*Client, error) {
	c := &Client{
		eventCh:    channels.NewInfiniteChannel(),
		EventSink:  make(chan Event),
		opCh:       make(chan interface{}, 8),
		fatalErrCh: make(chan error),
		resultCh:   make(chan receiveResult, 1),
		master:     master,
		store:      st,
		vault:      vlt,
		relay: relay.NewClient(&relay.Config{
			URL:             cfg.Relay.URL,
			LongPollTimeout: time.Duration(cfg.Relay.LongPollTimeoutMs) * time.Millisecond,
			RateLimit:       cfg.Relay.RateLimit,
			RateBurst:       cfg.Relay.RateBurst,
		}, logBackend),
		contacts:        make(map[string]*Contact),
		nicknames:       make(map[string]*Contact),
		groups:          make(map[string]*Group),
		state:           SyncIdle,
		transportMode:   cfg.Relay.Transport,
		streaming:       cfg.Relay.Transport == relay.TransportStream,
		minPollInterval: time.Duration(cfg.Sync.MinPollIntervalMs) * time.Millisecond,
		backoffDelay:    time.Duration(cfg.Sync.BackoffDelayMs) * time.Millisecond,
		log:             logBackend.GetLogger("briefkasten/client"),
		logBackend:      logBackend,
	}
	if err := c.loadContacts(); err != nil {
		return nil, err
	}
	if err := c.loadGroups(); err != nil {
		return nil, err
	}
	return c, nil
}

// Start starts the client worker and the event sink worker.
func (c *Client) Start() {
	// Start the fatal error watcher.
	go func() {
		err, ok := <-c.fatalErrCh
		if !ok {
			return
		}
		c.log.Warningf("Shutting down due to error: %v", err)
		c.Shutdown()
	}()

	c.Go(c.eventSinkWorker)
	c.Go(c.worker)
}

func (c *Client) eventSinkWorker() {
	defer func() {
		c.log.Debug("Event sink worker terminating gracefully.")
		close(c.EventSink)
	}()
	for {
		var event Event
		select {
		case <-c.HaltCh():
			return
		case raw := <-c.eventCh.Out():
			event = raw.(Event)
		}
		select {
		case c.EventSink <- event:
		case <-c.HaltCh():
			return
		}
	}
}

// Shutdown cleanly shuts down the client. The store handle stays open;
// it belongs to whoever opened it.
func (c *Client) Shutdown() {
	c.shutdownOnce.Do(func() {
		c.log.Info("Shutting down now.")
		c.eventCh.In() <- &ShutdownEvent{}
		c.Halt()
		c.eventCh.Close()
	})
}

func (c *Client) randID() string {
	idBytes := make([]byte, 8)
	for {
		_, err := rand.Reader.Read(idBytes)
		if err != nil {
			panic(err)
		}
		id := hex.EncodeToString(idBytes)
		if _, ok := c.contacts[id]; ok {
			continue
		}
		if _, ok := c.groups[id]; ok {
			continue
		}
		return id
	}
}

// haltContext derives a context that falls when the client halts, for
// blocking relay calls made from the worker.
func (c *Client) haltContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-c.HaltCh():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// AddContact imports a channel key shared out-of-band and creates the
// contact. creator records which side generated the key; the two sides
// must disagree on it for their identifiers to line up. The raw key is
// consumed and wiped.
func (c *Client) AddContact(nickname string, key []byte, creator bool) (*Contact, error) {
	op := &opAddContact{
		nickname:     nickname,
		key:          key,
		creator:      creator,
		responseChan: make(chan interface{}, 1),
	}
	select {
	case <-c.HaltCh():
		return nil, errHalted
	case c.opCh <- op:
	}
	select {
	case <-c.HaltCh():
		return nil, errHalted
	case v := <-op.responseChan:
		switch v := v.(type) {
		case error:
			return nil, v
		case *Contact:
			return v, nil
		default:
			panic("received unexpected type")
		}
	}
}

// RemoveContact removes a contact, its channel key and its
// conversation, and drops its identifier from the subscription.
func (c *Client) RemoveContact(nickname string) error {
	op := &opRemoveContact{
		nickname:     nickname,
		responseChan: make(chan error, 1),
	}
	select {
	case <-c.HaltCh():
		return errHalted
	case c.opCh <- op:
	}
	select {
	case <-c.HaltCh():
		return errHalted
	case r := <-op.responseChan:
		return r
	}
}

// RenameContact changes the name of a contact. History is keyed by the
// contact id, so the conversation moves along.
func (c *Client) RenameContact(oldname, newname string) error {
	op := &opRenameContact{
		oldname:      oldname,
		newname:      newname,
		responseChan: make(chan error, 1),
	}
	select {
	case <-c.HaltCh():
		return errHalted
	case c.opCh <- op:
	}
	select {
	case <-c.HaltCh():
		return errHalted
	case r := <-op.responseChan:
		return r
	}
}

// ReplaceContactKey swaps in a corrected channel key for a contact and
// retries any retained ciphertexts under it. The raw key is consumed
// and wiped.
func (c *Client) ReplaceContactKey(nickname string, key []byte, creator bool) error {
	op := &opReplaceContactKey{
		nickname:     nickname,
		key:          key,
		creator:      creator,
		responseChan: make(chan error, 1),
	}
	select {
	case <-c.HaltCh():
		return errHalted
	case c.opCh <- op:
	}
	select {
	case <-c.HaltCh():
		return errHalted
	case r := <-op.responseChan:
		return r
	}
}

// GetContacts returns the contacts keyed by nickname.
func (c *Client) GetContacts() map[string]*Contact {
	op := &opGetContacts{
		responseChan: make(chan map[string]*Contact, 1),
	}
	select {
	case <-c.HaltCh():
		return nil
	case c.opCh <- op:
	}
	select {
	case <-c.HaltCh():
		return nil
	case r := <-op.responseChan:
		return r
	}
}

// GetSortedConversation returns a conversation's history sorted by
// timestamp ascending. The conversation is a contact id or a group id.
func (c *Client) GetSortedConversation(conversation string) Messages {
	op := &opGetConversation{
		conversation: conversation,
		responseChan: make(chan Messages, 1),
	}
	select {
	case <-c.HaltCh():
		return nil
	case c.opCh <- op:
	}
	select {
	case <-c.HaltCh():
		return nil
	case r := <-op.responseChan:
		return r
	}
}

// SendMessage encrypts the body under the contact's channel key,
// submits it on the outbound identifier and files a sent copy in local
// history. Submission failure surfaces to the caller and nothing is
// filed.
func (c *Client) SendMessage(nickname string, body []byte) (*Message, error) {
	op := &opSendMessage{
		nickname:     nickname,
		body:         body,
		responseChan: make(chan interface{}, 1),
	}
	return c.awaitMessage(op.responseChan, op)
}

// SendGroupMessage submits the body to every group member on their own
// channel with group context attached and files one copy under the
// group conversation.
func (c *Client) SendGroupMessage(groupID string, body []byte) (*Message, error) {
	op := &opSendGroupMessage{
		groupID:      groupID,
		body:         body,
		responseChan: make(chan interface{}, 1),
	}
	return c.awaitMessage(op.responseChan, op)
}

// ForwardMessage re-sends an existing message body to another contact;
// the new copy is marked forwarded.
func (c *Client) ForwardMessage(conversation string, id MessageID, nickname string) (*Message, error) {
	op := &opForwardMessage{
		conversation: conversation,
		id:           id,
		nickname:     nickname,
		responseChan: make(chan interface{}, 1),
	}
	return c.awaitMessage(op.responseChan, op)
}

func (c *Client) awaitMessage(responseChan chan interface{}, op interface{}) (*Message, error) {
	select {
	case <-c.HaltCh():
		return nil, errHalted
	case c.opCh <- op:
	}
	select {
	case <-c.HaltCh():
		return nil, errHalted
	case v := <-responseChan:
		switch v := v.(type) {
		case error:
			return nil, v
		case *Message:
			return v, nil
		default:
			panic("received unexpected type")
		}
	}
}

// MarkConversationRead flips the Read flag on every stored message of
// the conversation.
func (c *Client) MarkConversationRead(conversation string) error {
	op := &opMarkConversationRead{
		conversation: conversation,
		responseChan: make(chan error, 1),
	}
	select {
	case <-c.HaltCh():
		return errHalted
	case c.opCh <- op:
	}
	select {
	case <-c.HaltCh():
		return errHalted
	case r := <-op.responseChan:
		return r
	}
}

// SetOpenConversation tells intake which conversation the user is
// looking at; novel messages elsewhere raise the aggregated
// notification. Empty means none.
func (c *Client) SetOpenConversation(conversation string) {
	select {
	case <-c.HaltCh():
	case c.opCh <- &opSetOpenConversation{conversation: conversation}:
	}
}

// AddGroup creates or joins a group. Joining peers pass the group id
// they were given so their message envelopes match; an empty id mints a
// fresh one. Members are contact nicknames.
func (c *Client) AddGroup(id, name string, members []string) (*Group, error) {
	op := &opAddGroup{
		id:           id,
		name:         name,
		members:      members,
		responseChan: make(chan interface{}, 1),
	}
	select {
	case <-c.HaltCh():
		return nil, errHalted
	case c.opCh <- op:
	}
	select {
	case <-c.HaltCh():
		return nil, errHalted
	case v := <-op.responseChan:
		switch v := v.(type) {
		case error:
			return nil, v
		case *Group:
			return v, nil
		default:
			panic("received unexpected type")
		}
	}
}

// GetGroups returns the groups sorted by name.
func (c *Client) GetGroups() []*Group {
	op := &opGetGroups{
		responseChan: make(chan []*Group, 1),
	}
	select {
	case <-c.HaltCh():
		return nil
	case c.opCh <- op:
	}
	select {
	case <-c.HaltCh():
		return nil
	case r := <-op.responseChan:
		return r
	}
}

// StartSync starts the synchronization engine.
func (c *Client) StartSync() error {
	op := &opStartSync{responseChan: make(chan error, 1)}
	select {
	case <-c.HaltCh():
		return errHalted
	case c.opCh <- op:
	}
	select {
	case <-c.HaltCh():
		return errHalted
	case r := <-op.responseChan:
		return r
	}
}

// StopSync stops the synchronization engine; the client stays usable
// and the engine can be started again.
func (c *Client) StopSync() error {
	op := &opStopSync{responseChan: make(chan error, 1)}
	select {
	case <-c.HaltCh():
		return errHalted
	case c.opCh <- op:
	}
	select {
	case <-c.HaltCh():
		return errHalted
	case r := <-op.responseChan:
		return r
	}
}

// SyncStatus returns the synchronization engine's current state.
func (c *Client) SyncStatus() SyncState {
	op := &opSyncState{responseChan: make(chan SyncState, 1)}
	select {
	case <-c.HaltCh():
		return SyncStopped
	case c.opCh <- op:
	}
	select {
	case <-c.HaltCh():
		return SyncStopped
	case r := <-op.responseChan:
		return r
	}
}

// UpgradeToAuthenticatorKey re-encrypts the entire store under a master
// key derived from the authenticator secret and swaps it in, with
// synchronization quiesced for the duration. The secret is consumed and
// wiped.
func (c *Client) UpgradeToAuthenticatorKey(secret []byte) error {
	op := &opUpgrade{
		secret:       secret,
		responseChan: make(chan error, 1),
	}
	select {
	case <-c.HaltCh():
		return errHalted
	case c.opCh <- op:
	}
	select {
	case <-c.HaltCh():
		return errHalted
	case r := <-op.responseChan:
		return r
	}
}

// EraseAll halts synchronization, deletes the store's database file and
// destroys the master key. A store.ErrLocked return means another open
// handle blocked the deletion; close it and call EraseAll again.
func (c *Client) EraseAll() error {
	op := &opEraseAll{responseChan: make(chan error, 1)}
	select {
	case <-c.HaltCh():
		return errHalted
	case c.opCh <- op:
	}
	select {
	case <-c.HaltCh():
		return errHalted
	case r := <-op.responseChan:
		return r
	}
}

// called by the worker upon opAddContact
func (c *Client) doAddContact(nickname string, rawKey []byte, creator bool) (*Contact, error) {
	if nickname == "" {
		return nil, errors.New("empty nickname")
	}
	if _, ok := c.nicknames[nickname]; ok {
		return nil, errContactExists
	}
	key, err := vault.ImportChannelKey(rawKey)
	if err != nil {
		return nil, err
	}
	defer key.Destroy()
	contact := &Contact{
		id:         c.randID(),
		Nickname:   nickname,
		KeyCreator: creator,
		CreatedAt:  time.Now().UTC(),
	}
	if err := c.vault.Store(contact.id, key); err != nil {
		return nil, err
	}
	if err := c.saveContact(contact); err != nil {
		if derr := c.vault.Delete(contact.id); derr != nil {
			c.log.Warningf("Failed to clean up key for %v: %v", nickname, derr)
		}
		return nil, err
	}
	c.contacts[contact.id] = contact
	c.nicknames[nickname] = contact
	return contact, nil
}

func (c *Client) doRemoveContact(nickname string) error {
	contact, ok := c.nicknames[nickname]
	if !ok {
		return errContactNotFound
	}
	if err := c.vault.Delete(contact.id); err != nil {
		return err
	}
	if err := c.store.Delete(store.PartitionContacts, contact.id); err != nil {
		return err
	}
	if err := c.store.Delete(store.PartitionMessages, contact.id); err != nil {
		return err
	}
	delete(c.nicknames, nickname)
	delete(c.contacts, contact.id)
	return nil
}

func (c *Client) doRenameContact(oldname, newname string) error {
	contact, ok := c.nicknames[oldname]
	if !ok {
		return errContactNotFound
	}
	if newname == "" {
		return errors.New("empty nickname")
	}
	if _, ok := c.nicknames[newname]; ok {
		return errContactExists
	}
	contact.Nickname = newname
	if err := c.saveContact(contact); err != nil {
		contact.Nickname = oldname
		return err
	}
	c.nicknames[newname] = contact
	delete(c.nicknames, oldname)
	return nil
}

func (c *Client) doReplaceContactKey(nickname string, rawKey []byte, creator bool) error {
	contact, ok := c.nicknames[nickname]
	if !ok {
		return errContactNotFound
	}
	key, err := vault.ImportChannelKey(rawKey)
	if err != nil {
		return err
	}
	defer key.Destroy()
	if err := c.vault.Store(contact.id, key); err != nil {
		return err
	}
	if contact.KeyCreator != creator {
		contact.KeyCreator = creator
		if err := c.saveContact(contact); err != nil {
			return err
		}
	}
	c.redecryptConversation(contact)
	return nil
}

func (c *Client) doSendMessage(nickname string, body []byte) (*Message, error) {
	contact, ok := c.nicknames[nickname]
	if !ok {
		return nil, errContactNotFound
	}
	payload, err := cbor.Marshal(&messagePayload{Content: body})
	if err != nil {
		return nil, err
	}
	if err := c.submitToContact(contact, payload); err != nil {
		return nil, err
	}
	return c.fileSentMessage(contact.id, body, false)
}

// doSendGroupMessage submits the body to every member on their own
// channel. Members without a usable key are skipped; it is an error
// only when nobody could be reached.
func (c *Client) doSendGroupMessage(groupID string, body []byte) (*Message, error) {
	g, ok := c.groups[groupID]
	if !ok {
		return nil, errGroupNotFound
	}
	payload, err := cbor.Marshal(&messagePayload{
		Content:   body,
		GroupID:   g.ID,
		GroupName: g.Name,
	})
	if err != nil {
		return nil, err
	}
	delivered := 0
	var lastErr error
	for _, memberID := range g.Members {
		contact, ok := c.contacts[memberID]
		if !ok {
			continue
		}
		if err := c.submitToContact(contact, payload); err != nil {
			c.log.Warningf("Group submit to %v failed: %v", contact.Nickname, err)
			lastErr = err
			continue
		}
		delivered++
	}
	if delivered == 0 {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, errors.New("group has no reachable members")
	}
	return c.fileSentMessage(g.ID, body, false)
}

func (c *Client) doForwardMessage(conversation string, id MessageID, nickname string) (*Message, error) {
	msgs, err := c.loadConversation(conversation)
	if err != nil {
		return nil, err
	}
	var src *Message
	for _, m := range msgs {
		if m.ID == id {
			src = m
			break
		}
	}
	if src == nil {
		return nil, errMessageNotFound
	}
	if src.Encrypted {
		return nil, errUndecrypted
	}
	contact, ok := c.nicknames[nickname]
	if !ok {
		return nil, errContactNotFound
	}
	payload, err := cbor.Marshal(&messagePayload{Content: src.Content})
	if err != nil {
		return nil, err
	}
	if err := c.submitToContact(contact, payload); err != nil {
		return nil, err
	}
	return c.fileSentMessage(contact.id, src.Content, true)
}

// submitToContact encrypts one payload under the contact's channel key
// and submits it on the outbound identifier.
func (c *Client) submitToContact(contact *Contact, payload []byte) error {
	key, err := c.vault.Get(contact.id)
	if err != nil {
		return err
	}
	defer key.Destroy()
	ciphertext, err := key.Encrypt(payload)
	if err != nil {
		return err
	}
	outID := vault.DeriveRequestID(key, contact.outboundCap())
	ctx, cancel := c.haltContext()
	defer cancel()
	return c.relay.Submit(ctx, outID.String(), ciphertext)
}

// fileSentMessage merges a successfully submitted message into local
// history and emits the sent event.
func (c *Client) fileSentMessage(conversation string, body []byte, forwarded bool) (*Message, error) {
	now := time.Now().UTC()
	msg := &Message{
		ID:        newMessageID(conversation, now, body),
		Timestamp: now,
		Content:   body,
		Sent:      true,
		Read:      true,
		Forwarded: forwarded,
	}
	msgs, err := c.loadConversation(conversation)
	if err != nil {
		return nil, err
	}
	msgs = append(msgs, msg)
	if err := c.saveConversation(conversation, msgs); err != nil {
		return nil, err
	}
	c.eventCh.In() <- &MessageSentEvent{Conversation: conversation, MessageID: msg.ID}
	return msg, nil
}

func (c *Client) doMarkConversationRead(conversation string) error {
	msgs, err := c.loadConversation(conversation)
	if err != nil {
		return err
	}
	changed := false
	for _, m := range msgs {
		if !m.Read {
			m.Read = true
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return c.saveConversation(conversation, msgs)
}
