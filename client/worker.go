// SPDX-FileCopyrightText: © 2024 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"github.com/katzenpost/briefkasten/internal/instrument"
	"github.com/katzenpost/briefkasten/relay"
	"github.com/katzenpost/briefkasten/vault"
)

const maxDuration = time.Duration(math.MaxInt64)

// SyncState is the synchronization engine's current state.
type SyncState uint8

const (
	// SyncIdle means the engine has not been started or was stopped.
	SyncIdle SyncState = iota

	// SyncPolling means a retrieval is in flight.
	SyncPolling

	// SyncWaiting means the engine is pacing out the minimum interval
	// between cycle starts.
	SyncWaiting

	// SyncBackoff means the last cycle failed at the transport and the
	// engine is waiting out the fixed backoff delay.
	SyncBackoff

	// SyncStopped is terminal, entered when the client halts.
	SyncStopped
)

// String returns a string representation of the SyncState.
func (s SyncState) String() string {
	switch s {
	case SyncIdle:
		return "Idle"
	case SyncPolling:
		return "Polling"
	case SyncWaiting:
		return "Waiting"
	case SyncBackoff:
		return "Backoff"
	case SyncStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// channelBinding resolves one inbox identifier back to its contact and
// holds the channel key for the life of the subscription.
type channelBinding struct {
	contact *Contact
	key     *vault.ChannelKey
}

// receiveResult carries a finished retrieval into the worker select.
type receiveResult struct {
	gen     uint64
	results []relay.Result
	err     error
}

func (c *Client) worker() {
	timer := time.NewTimer(maxDuration)
	defer timer.Stop()
	defer func() {
		c.teardownTransport()
		c.setSyncState(SyncStopped)
		c.log.Debug("Terminating gracefully.")
	}()

	for {
		select {
		case <-c.HaltCh():
			return
		case qo := <-c.opCh:
			c.handleOp(qo, timer)
		case res := <-c.resultCh:
			if res.gen != c.gen {
				// The subscription this retrieval belonged to was torn
				// down while it was in flight.
				continue
			}
			c.inflight = false
			if res.err != nil {
				if errors.Is(res.err, context.Canceled) {
					continue
				}
				c.log.Warningf("Retrieval failed: %v", res.err)
				c.setSyncState(SyncBackoff)
				timer.Reset(c.backoffDelay)
				continue
			}
			c.intake(res.results)
			c.scheduleNext(timer)
		case <-timer.C:
			switch c.state {
			case SyncWaiting, SyncBackoff:
				c.beginCycle(timer)
			}
		}
	}
}

func (c *Client) handleOp(qo interface{}, timer *time.Timer) {
	switch op := qo.(type) {
	case *opAddContact:
		contact, err := c.doAddContact(op.nickname, op.key, op.creator)
		if err != nil {
			op.responseChan <- err
			return
		}
		c.resubscribe(timer)
		op.responseChan <- contact
	case *opRemoveContact:
		err := c.doRemoveContact(op.nickname)
		if err == nil {
			c.resubscribe(timer)
		}
		op.responseChan <- err
	case *opRenameContact:
		op.responseChan <- c.doRenameContact(op.oldname, op.newname)
	case *opReplaceContactKey:
		err := c.doReplaceContactKey(op.nickname, op.key, op.creator)
		if err == nil {
			c.resubscribe(timer)
		}
		op.responseChan <- err
	case *opGetContacts:
		contacts := make(map[string]*Contact, len(c.nicknames))
		for nickname, contact := range c.nicknames {
			contacts[nickname] = contact
		}
		op.responseChan <- contacts
	case *opGetConversation:
		msgs, err := c.loadConversation(op.conversation)
		if err != nil {
			c.log.Warningf("Failed to load conversation %v: %v", op.conversation, err)
		}
		sort.Sort(msgs)
		op.responseChan <- msgs
	case *opSendMessage:
		msg, err := c.doSendMessage(op.nickname, op.body)
		if err != nil {
			op.responseChan <- err
			return
		}
		op.responseChan <- msg
	case *opSendGroupMessage:
		msg, err := c.doSendGroupMessage(op.groupID, op.body)
		if err != nil {
			op.responseChan <- err
			return
		}
		op.responseChan <- msg
	case *opForwardMessage:
		msg, err := c.doForwardMessage(op.conversation, op.id, op.nickname)
		if err != nil {
			op.responseChan <- err
			return
		}
		op.responseChan <- msg
	case *opMarkConversationRead:
		op.responseChan <- c.doMarkConversationRead(op.conversation)
	case *opSetOpenConversation:
		c.openConversation = op.conversation
	case *opAddGroup:
		g, err := c.doAddGroup(op.id, op.name, op.members)
		if err != nil {
			op.responseChan <- err
			return
		}
		op.responseChan <- g
	case *opGetGroups:
		groups := make([]*Group, 0, len(c.groups))
		for _, g := range c.groups {
			groups = append(groups, g)
		}
		sort.Slice(groups, func(i, j int) bool { return groups[i].Name < groups[j].Name })
		op.responseChan <- groups
	case *opStartSync:
		op.responseChan <- c.startSync(timer)
	case *opStopSync:
		op.responseChan <- c.stopSync(timer)
	case *opSyncState:
		op.responseChan <- c.state
	case *opUpgrade:
		op.responseChan <- c.doUpgrade(op.secret, timer)
	case *opEraseAll:
		op.responseChan <- c.doEraseAll(timer)
	default:
		c.fatalErrCh <- errors.New("BUG, unknown operation type")
	}
}

func (c *Client) setSyncState(s SyncState) {
	if c.state == s {
		return
	}
	c.log.Debugf("Sync state %v -> %v", c.state, s)
	c.state = s
	c.eventCh.In() <- &SyncStatusEvent{State: s}
}

func (c *Client) syncRunning() bool {
	switch c.state {
	case SyncPolling, SyncWaiting, SyncBackoff:
		return true
	}
	return false
}

func (c *Client) startSync(timer *time.Timer) error {
	switch c.state {
	case SyncIdle:
	case SyncStopped:
		return errHalted
	default:
		return errSyncRunning
	}
	if err := c.openTransport(); err != nil {
		return err
	}
	c.beginCycle(timer)
	return nil
}

func (c *Client) stopSync(timer *time.Timer) error {
	if !c.syncRunning() {
		return errSyncNotRunning
	}
	c.teardownTransport()
	timer.Reset(maxDuration)
	c.setSyncState(SyncIdle)
	return nil
}

// buildBindings asks the vault for every contact's channel key and
// derives the inbox identifier set. A contact whose key is missing or
// unreadable has no identifier and sits the subscription out.
func (c *Client) buildBindings() ([]string, map[string]*channelBinding) {
	ids := make([]string, 0, len(c.contacts))
	bindings := make(map[string]*channelBinding, len(c.contacts))
	for _, contact := range c.contacts {
		key, err := c.vault.Get(contact.id)
		if err != nil {
			c.log.Warningf("No usable channel key for %v: %v", contact.Nickname, err)
			continue
		}
		id := vault.DeriveRequestID(key, contact.inboxCap()).String()
		ids = append(ids, id)
		bindings[id] = &channelBinding{contact: contact, key: key}
	}
	sort.Strings(ids)
	return ids, bindings
}

func destroyBindings(bindings map[string]*channelBinding) {
	for _, b := range bindings {
		b.key.Destroy()
	}
}

func (c *Client) openTransport() error {
	ids, bindings := c.buildBindings()
	tr, err := relay.NewTransport(c.transportMode, c.relay, c.logBackend)
	if err != nil {
		destroyBindings(bindings)
		return err
	}
	// The subscription context observes the client halt directly: the
	// worker itself makes blocking relay calls under it (the intake's
	// acknowledge), so it cannot rely on the worker reaching
	// teardownTransport to be cancelled.
	ctx, cancel := c.haltContext()
	if err := tr.Open(ctx, ids); err != nil {
		cancel()
		destroyBindings(bindings)
		return err
	}
	c.transport = tr
	c.bindings = bindings
	c.ids = ids
	c.syncCtx = ctx
	c.syncCancel = cancel
	return nil
}

// teardownTransport cancels the in-flight retrieval, closes the
// transport and destroys the held channel keys. The generation bump
// orphans any retrieval result still on its way to the worker.
func (c *Client) teardownTransport() {
	c.gen++
	c.inflight = false
	if c.syncCancel != nil {
		c.syncCancel()
		c.syncCancel = nil
		c.syncCtx = nil
	}
	if c.transport != nil {
		c.transport.Close()
		c.transport = nil
	}
	destroyBindings(c.bindings)
	c.bindings = nil
	c.ids = nil
}

// beginCycle starts one retrieval in a helper goroutine so the worker
// select stays responsive while it is in flight.
func (c *Client) beginCycle(timer *time.Timer) {
	if c.transport == nil {
		if err := c.openTransport(); err != nil {
			c.log.Warningf("Failed to open transport: %v", err)
			c.setSyncState(SyncBackoff)
			timer.Reset(c.backoffDelay)
			return
		}
	}
	if c.inflight {
		return
	}
	c.setSyncState(SyncPolling)
	c.cycleStart = time.Now()
	instrument.PollCycle()
	c.inflight = true
	gen := c.gen
	tr := c.transport
	ctx := c.syncCtx
	go func() {
		results, err := tr.Receive(ctx)
		select {
		case c.resultCh <- receiveResult{gen: gen, results: results, err: err}:
		case <-c.HaltCh():
		}
	}()
}

// scheduleNext paces the next cycle: at least minPollInterval since the
// last cycle's start, measured start to start. The streaming transport
// paces itself by blocking until data arrives.
func (c *Client) scheduleNext(timer *time.Timer) {
	if c.streaming {
		c.beginCycle(timer)
		return
	}
	wait := c.minPollInterval - time.Since(c.cycleStart)
	if wait <= 0 {
		c.beginCycle(timer)
		return
	}
	c.setSyncState(SyncWaiting)
	timer.Reset(wait)
}

// resubscribe rebuilds the identifier set after a contact or key
// change. The outstanding retrieval is cancelled before the new
// subscription opens, so a stale set is never reused.
func (c *Client) resubscribe(timer *time.Timer) {
	if !c.syncRunning() {
		return
	}
	c.teardownTransport()
	if err := c.openTransport(); err != nil {
		c.log.Warningf("Failed to reopen transport: %v", err)
		c.setSyncState(SyncBackoff)
		timer.Reset(c.backoffDelay)
		return
	}
	c.scheduleNext(timer)
}

// doUpgrade swaps the master key origin while synchronization is
// quiesced, then resubscribes so the rewrapped channel keys are read
// back fresh.
func (c *Client) doUpgrade(secret []byte, timer *time.Timer) error {
	running := c.syncRunning()
	if running {
		c.teardownTransport()
	}
	err := c.master.Upgrade(secret, c.store, c.vault.Rewrap)
	if running {
		c.resubscribe(timer)
	}
	return err
}

// doEraseAll halts synchronization, deletes the store and destroys the
// master key. When the deletion is blocked by another open handle the
// engine stays stopped and the caller may retry after closing it.
func (c *Client) doEraseAll(timer *time.Timer) error {
	if c.syncRunning() {
		c.teardownTransport()
		timer.Reset(maxDuration)
		c.setSyncState(SyncIdle)
	}
	if err := c.store.EraseAll(); err != nil {
		return err
	}
	c.master.Destroy()
	c.contacts = make(map[string]*Contact)
	c.nicknames = make(map[string]*Contact)
	c.groups = make(map[string]*Group)
	c.openConversation = ""
	return nil
}
