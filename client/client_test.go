// SPDX-FileCopyrightText: © 2024 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"
	"gopkg.in/eapache/channels.v1"

	"github.com/katzenpost/hpqc/rand"

	"github.com/katzenpost/katzenpost/core/log"

	"github.com/katzenpost/briefkasten/client/config"
	"github.com/katzenpost/briefkasten/masterkey"
	"github.com/katzenpost/briefkasten/relay"
	"github.com/katzenpost/briefkasten/store"
	"github.com/katzenpost/briefkasten/vault"
)

// testRelay is an in-process relay double speaking the relay wire
// protocol. Retrieval drains the queued results; redelivery is modelled
// by queueing the same result again.
type testRelay struct {
	srv *httptest.Server

	sync.Mutex
	queues    map[string][]relay.Result
	submits   map[string][][]byte
	acks      []relay.Ack
	retrieves int
	streams   [][]string
	failing   bool
}

func newTestRelay(t *testing.T) *testRelay {
	r := &testRelay{
		queues:  make(map[string][]relay.Result),
		submits: make(map[string][][]byte),
	}
	r.srv = httptest.NewServer(r)
	t.Cleanup(r.srv.Close)
	return r
}

func (r *testRelay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	// The stream handler blocks for the connection's whole life and
	// takes the mutex per iteration instead.
	if req.URL.Path == "/stream" {
		r.serveStream(w, req)
		return
	}
	r.Lock()
	defer r.Unlock()
	if r.failing {
		http.Error(w, "relay exploded", http.StatusInternalServerError)
		return
	}
	switch req.URL.Path {
	case "/submit":
		var sr struct {
			ChannelID  string `json:"channelId"`
			Ciphertext []byte `json:"ciphertext"`
		}
		if err := json.NewDecoder(req.Body).Decode(&sr); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		r.submits[sr.ChannelID] = append(r.submits[sr.ChannelID], sr.Ciphertext)
		w.WriteHeader(http.StatusCreated)
	case "/retrieve":
		var rr struct {
			ChannelIDs []string `json:"channelIds"`
			TimeoutMs  int      `json:"timeoutMs"`
		}
		if err := json.NewDecoder(req.Body).Decode(&rr); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		r.retrieves++
		var results []relay.Result
		for _, id := range rr.ChannelIDs {
			results = append(results, r.queues[id]...)
			delete(r.queues, id)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(struct {
			Results []relay.Result `json:"results"`
		}{Results: results})
	case "/acknowledge":
		var ar struct {
			Acks []relay.Ack `json:"acks"`
		}
		if err := json.NewDecoder(req.Body).Decode(&ar); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		r.acks = append(r.acks, ar.Acks...)
	default:
		http.NotFound(w, req)
	}
}

// serveStream holds the push subscription open and flushes queued
// results for the subscribed identifiers as JSON arrays until the
// client hangs up.
func (r *testRelay) serveStream(w http.ResponseWriter, req *http.Request) {
	ids := strings.Split(req.URL.Query().Get("channelIds"), ",")
	r.Lock()
	if r.failing {
		r.Unlock()
		http.Error(w, "relay exploded", http.StatusInternalServerError)
		return
	}
	r.streams = append(r.streams, append([]string{}, ids...))
	r.Unlock()

	flusher := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-ticker.C:
		}
		r.Lock()
		var batch []relay.Result
		for _, id := range ids {
			batch = append(batch, r.queues[id]...)
			delete(r.queues, id)
		}
		r.Unlock()
		if len(batch) == 0 {
			continue
		}
		if err := enc.Encode(batch); err != nil {
			return
		}
		flusher.Flush()
	}
}

func (r *testRelay) queue(channelID string, ciphertext []byte, ts time.Time) {
	r.Lock()
	defer r.Unlock()
	r.queues[channelID] = append(r.queues[channelID], relay.Result{
		ChannelID:  channelID,
		Ciphertext: ciphertext,
		Timestamp:  ts,
	})
}

func (r *testRelay) ackList() []relay.Ack {
	r.Lock()
	defer r.Unlock()
	return append([]relay.Ack{}, r.acks...)
}

func (r *testRelay) ackCount() int {
	r.Lock()
	defer r.Unlock()
	return len(r.acks)
}

func (r *testRelay) submitted(channelID string) [][]byte {
	r.Lock()
	defer r.Unlock()
	return append([][]byte{}, r.submits[channelID]...)
}

func (r *testRelay) retrieveCount() int {
	r.Lock()
	defer r.Unlock()
	return r.retrieves
}

func (r *testRelay) streamCount() int {
	r.Lock()
	defer r.Unlock()
	return len(r.streams)
}

func (r *testRelay) lastStream() []string {
	r.Lock()
	defer r.Unlock()
	if len(r.streams) == 0 {
		return nil
	}
	return append([]string{}, r.streams[len(r.streams)-1]...)
}

func (r *testRelay) setFailing(v bool) {
	r.Lock()
	defer r.Unlock()
	r.failing = v
}

// testPeer holds the out-of-band side of one contact's channel key and
// knows which identifiers the client under test derives from it.
type testPeer struct {
	key *vault.ChannelKey

	// inboxID is the identifier the client listens on, outboxID the one
	// it transmits on.
	inboxID  string
	outboxID string
}

// newTestPeer generates a channel key and returns the peer plus the raw
// key material to hand to AddContact, which consumes it. creator is the
// flag the client will be given.
func newTestPeer(t *testing.T, creator bool) (*testPeer, []byte) {
	raw := make([]byte, vault.KeySize)
	_, err := io.ReadFull(rand.Reader, raw)
	require.NoError(t, err)
	k, err := vault.ImportChannelKey(append([]byte{}, raw...))
	require.NoError(t, err)
	t.Cleanup(k.Destroy)
	p := &testPeer{key: k}
	inCap, outCap := vault.ReadCap, vault.WriteCap
	if !creator {
		inCap, outCap = vault.WriteCap, vault.ReadCap
	}
	p.inboxID = vault.DeriveRequestID(k, inCap).String()
	p.outboxID = vault.DeriveRequestID(k, outCap).String()
	return p, raw
}

func (p *testPeer) seal(t *testing.T, body []byte) []byte {
	return p.sealGroup(t, body, "", "")
}

func (p *testPeer) sealGroup(t *testing.T, body []byte, groupID, groupName string) []byte {
	payload, err := cbor.Marshal(&messagePayload{
		Content:   body,
		GroupID:   groupID,
		GroupName: groupName,
	})
	require.NoError(t, err)
	ciphertext, err := p.key.Encrypt(payload)
	require.NoError(t, err)
	return ciphertext
}

func (p *testPeer) open(t *testing.T, ciphertext []byte) *messagePayload {
	plaintext, err := p.key.Decrypt(ciphertext)
	require.NoError(t, err)
	payload := new(messagePayload)
	require.NoError(t, cbor.Unmarshal(plaintext, payload))
	return payload
}

func newTestStore(t *testing.T) (*store.Store, *masterkey.Manager, *vault.Vault, *log.Backend, string) {
	require := require.New(t)
	logBackend, err := log.New("", "DEBUG", false)
	require.NoError(err)
	path := filepath.Join(t.TempDir(), "store.db")
	st, err := store.Open(path, logBackend)
	require.NoError(err)
	t.Cleanup(st.Close)
	master := masterkey.New(st, logBackend)
	err = master.Initialize(context.Background(), &masterkey.Credentials{
		Passphrase: []byte("sesame"),
	})
	require.NoError(err)
	st.SetCipher(master)
	return st, master, vault.New(master, st, logBackend), logBackend, path
}

func testConfig(relayURL string) *config.Config {
	return &config.Config{
		Store: &config.Store{Path: "/unused"},
		Relay: &config.Relay{
			URL:               relayURL,
			Transport:         relay.TransportLongPoll,
			LongPollTimeoutMs: 100,
			RateLimit:         1000,
			RateBurst:         1000,
		},
		Sync: &config.Sync{
			MinPollIntervalMs: 50,
			BackoffDelayMs:    150,
		},
	}
}

type testClient struct {
	*Client
	relay *testRelay
	path  string
}

func newTestClient(t *testing.T, tweaks ...func(*config.Config)) *testClient {
	r := newTestRelay(t)
	st, master, vlt, logBackend, path := newTestStore(t)
	cfg := testConfig(r.srv.URL)
	for _, tweak := range tweaks {
		tweak(cfg)
	}
	c, err := New(cfg, master, st, vlt, logBackend)
	require.NoError(t, err)
	c.Start()
	t.Cleanup(c.Shutdown)
	return &testClient{Client: c, relay: r, path: path}
}

func waitForEvent(t *testing.T, sink chan Event, match func(Event) bool) Event {
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-sink:
			if !ok {
				t.Fatal("event sink closed while waiting")
			}
			if match(ev) {
				return ev
			}
		case <-timeout:
			t.Fatal("timed out waiting for event")
		}
	}
}

func expectNoEvent(t *testing.T, sink chan Event, d time.Duration, match func(Event) bool) {
	deadline := time.After(d)
	for {
		select {
		case ev, ok := <-sink:
			if !ok {
				return
			}
			if match(ev) {
				t.Fatalf("unexpected event %v", ev)
			}
		case <-deadline:
			return
		}
	}
}

func isReceived(ev Event) bool {
	_, ok := ev.(*MessagesReceivedEvent)
	return ok
}

func TestContactLifecycle(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	tc := newTestClient(t)

	_, raw := newTestPeer(t, true)
	contact, err := tc.AddContact("alice", raw, true)
	require.NoError(err)
	require.NotEmpty(contact.ID())
	require.Equal("alice", contact.Nickname)
	require.True(contact.KeyCreator)

	_, raw2 := newTestPeer(t, true)
	_, err = tc.AddContact("alice", raw2, true)
	require.ErrorIs(err, errContactExists)

	_, err = tc.AddContact("short-key", []byte{1, 2, 3}, true)
	require.Error(err)

	_, err = tc.AddContact("", raw2, true)
	require.Error(err)

	contacts := tc.GetContacts()
	require.Len(contacts, 1)
	require.Equal(contact.ID(), contacts["alice"].ID())

	// History survives a rename because it is keyed by the contact id.
	msg, err := tc.SendMessage("alice", []byte("before rename"))
	require.NoError(err)
	require.True(msg.Sent)

	require.ErrorIs(tc.RenameContact("bob", "amy"), errContactNotFound)
	require.NoError(tc.RenameContact("alice", "amy"))
	contacts = tc.GetContacts()
	require.Len(contacts, 1)
	require.NotContains(contacts, "alice")
	require.Equal(contact.ID(), contacts["amy"].ID())
	require.Len(tc.GetSortedConversation(contact.ID()), 1)

	require.NoError(tc.RemoveContact("amy"))
	require.Empty(tc.GetContacts())
	require.Empty(tc.GetSortedConversation(contact.ID()))
	_, err = tc.vault.Get(contact.ID())
	require.ErrorIs(err, vault.ErrKeyUnavailable)

	require.ErrorIs(tc.RemoveContact("amy"), errContactNotFound)
}

func TestSendAndReceive(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	tc := newTestClient(t)

	peer, raw := newTestPeer(t, true)
	contact, err := tc.AddContact("alice", raw, true)
	require.NoError(err)

	require.ErrorIs(tc.StopSync(), errSyncNotRunning)

	body := []byte("hello briefkasten")
	ts := time.Date(2024, 5, 4, 12, 30, 0, 0, time.UTC)
	tc.relay.queue(peer.inboxID, peer.seal(t, body), ts)

	require.NoError(tc.StartSync())
	require.ErrorIs(tc.StartSync(), errSyncRunning)

	ev := waitForEvent(t, tc.EventSink, isReceived)
	received := ev.(*MessagesReceivedEvent)
	require.Equal(1, received.Total)
	require.Equal(1, received.Counts[contact.ID()])

	msgs := tc.GetSortedConversation(contact.ID())
	require.Len(msgs, 1)
	require.Equal(body, msgs[0].Content)
	require.True(msgs[0].Timestamp.Equal(ts))
	require.False(msgs[0].Sent)
	require.False(msgs[0].Read)
	require.False(msgs[0].Encrypted)
	require.NotEqual(MessageID{}, msgs[0].ID)

	// The accepted copy was acknowledged with the relay's own
	// coordinates.
	acks := tc.relay.ackList()
	require.Len(acks, 1)
	require.Equal(peer.inboxID, acks[0].ChannelID)
	require.True(acks[0].Timestamp.Equal(ts))

	// A redelivered copy is acknowledged again but not merged again.
	tc.relay.queue(peer.inboxID, peer.seal(t, body), ts)
	require.Eventually(func() bool { return tc.relay.ackCount() == 2 }, 10*time.Second, 10*time.Millisecond)
	expectNoEvent(t, tc.EventSink, 300*time.Millisecond, isReceived)
	require.Len(tc.GetSortedConversation(contact.ID()), 1)

	require.NoError(tc.MarkConversationRead(contact.ID()))
	msgs = tc.GetSortedConversation(contact.ID())
	require.True(msgs[0].Read)
	require.NoError(tc.MarkConversationRead(contact.ID()))

	// Stopping quiesces retrieval; restarting picks pending copies up.
	require.NoError(tc.StopSync())
	require.Equal(SyncIdle, tc.SyncStatus())
	stopped := tc.relay.retrieveCount()
	time.Sleep(300 * time.Millisecond)
	require.LessOrEqual(tc.relay.retrieveCount(), stopped+1)

	tc.relay.queue(peer.inboxID, peer.seal(t, []byte("after restart")), ts.Add(time.Minute))
	require.NoError(tc.StartSync())
	waitForEvent(t, tc.EventSink, isReceived)
	require.Len(tc.GetSortedConversation(contact.ID()), 2)
}

func TestOpenConversationSuppression(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	tc := newTestClient(t)

	peer, raw := newTestPeer(t, true)
	contact, err := tc.AddContact("alice", raw, true)
	require.NoError(err)

	tc.SetOpenConversation(contact.ID())
	ts := time.Date(2024, 5, 4, 9, 0, 0, 0, time.UTC)
	tc.relay.queue(peer.inboxID, peer.seal(t, []byte("seen live")), ts)
	require.NoError(tc.StartSync())

	// The message lands and is acknowledged, but no notification is
	// raised for the conversation on screen.
	require.Eventually(func() bool { return tc.relay.ackCount() == 1 }, 10*time.Second, 10*time.Millisecond)
	expectNoEvent(t, tc.EventSink, 300*time.Millisecond, isReceived)
	require.Len(tc.GetSortedConversation(contact.ID()), 1)

	tc.SetOpenConversation("")
	tc.relay.queue(peer.inboxID, peer.seal(t, []byte("missed")), ts.Add(time.Second))
	waitForEvent(t, tc.EventSink, isReceived)
}

func TestSendMessage(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	tc := newTestClient(t)

	peer, raw := newTestPeer(t, true)
	contact, err := tc.AddContact("alice", raw, true)
	require.NoError(err)

	body := []byte("dear alice")
	msg, err := tc.SendMessage("alice", body)
	require.NoError(err)
	require.True(msg.Sent)
	require.True(msg.Read)
	require.False(msg.Forwarded)
	require.Equal(body, msg.Content)
	require.NotEqual(MessageID{}, msg.ID)

	// The relay saw exactly one submission on the outbound identifier
	// and the peer can open it.
	submitted := tc.relay.submitted(peer.outboxID)
	require.Len(submitted, 1)
	payload := peer.open(t, submitted[0])
	require.Equal(body, payload.Content)
	require.Empty(payload.GroupID)

	ev := waitForEvent(t, tc.EventSink, func(ev Event) bool {
		_, ok := ev.(*MessageSentEvent)
		return ok
	})
	sent := ev.(*MessageSentEvent)
	require.Equal(contact.ID(), sent.Conversation)
	require.Equal(msg.ID, sent.MessageID)

	msgs := tc.GetSortedConversation(contact.ID())
	require.Len(msgs, 1)
	require.True(msgs[0].Sent)

	_, err = tc.SendMessage("nobody", body)
	require.ErrorIs(err, errContactNotFound)

	// A failed submission files nothing.
	tc.relay.setFailing(true)
	_, err = tc.SendMessage("alice", []byte("lost"))
	require.Error(err)
	require.Len(tc.GetSortedConversation(contact.ID()), 1)
}

func TestForwardMessage(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	tc := newTestClient(t)

	_, rawA := newTestPeer(t, true)
	alice, err := tc.AddContact("alice", rawA, true)
	require.NoError(err)
	peerB, rawB := newTestPeer(t, true)
	bob, err := tc.AddContact("bob", rawB, true)
	require.NoError(err)

	body := []byte("pass it on")
	msg, err := tc.SendMessage("alice", body)
	require.NoError(err)

	forwarded, err := tc.ForwardMessage(alice.ID(), msg.ID, "bob")
	require.NoError(err)
	require.True(forwarded.Sent)
	require.True(forwarded.Forwarded)
	require.Equal(body, forwarded.Content)

	submitted := tc.relay.submitted(peerB.outboxID)
	require.Len(submitted, 1)
	require.Equal(body, peerB.open(t, submitted[0]).Content)

	msgs := tc.GetSortedConversation(bob.ID())
	require.Len(msgs, 1)
	require.True(msgs[0].Forwarded)

	_, err = tc.ForwardMessage(alice.ID(), MessageID{0xff}, "bob")
	require.ErrorIs(err, errMessageNotFound)
	_, err = tc.ForwardMessage(alice.ID(), msg.ID, "nobody")
	require.ErrorIs(err, errContactNotFound)
}

func TestGroups(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	tc := newTestClient(t)

	peerA, rawA := newTestPeer(t, true)
	alice, err := tc.AddContact("alice", rawA, true)
	require.NoError(err)
	peerB, rawB := newTestPeer(t, true)
	_, err = tc.AddContact("bob", rawB, true)
	require.NoError(err)

	_, err = tc.AddGroup("", "friends", []string{"alice", "nobody"})
	require.ErrorIs(err, errContactNotFound)
	_, err = tc.AddGroup("", "", []string{"alice"})
	require.Error(err)

	g, err := tc.AddGroup("", "friends", []string{"alice", "bob"})
	require.NoError(err)
	require.NotEmpty(g.ID)
	require.Len(g.Members, 2)

	// Joining an existing group means adopting its id; minting the same
	// id twice is refused.
	joined, err := tc.AddGroup("deadbeefdeadbeef", "book club", []string{"alice"})
	require.NoError(err)
	require.Equal("deadbeefdeadbeef", joined.ID)
	_, err = tc.AddGroup("deadbeefdeadbeef", "book club again", []string{"alice"})
	require.ErrorIs(err, errGroupExists)

	groups := tc.GetGroups()
	require.Len(groups, 2)
	require.Equal("book club", groups[0].Name)
	require.Equal("friends", groups[1].Name)

	// One submission per member, each carrying the group context.
	body := []byte("meeting at eight")
	msg, err := tc.SendGroupMessage(g.ID, body)
	require.NoError(err)
	require.True(msg.Sent)
	for _, peer := range []*testPeer{peerA, peerB} {
		submitted := tc.relay.submitted(peer.outboxID)
		require.Len(submitted, 1)
		payload := peer.open(t, submitted[0])
		require.Equal(body, payload.Content)
		require.Equal(g.ID, payload.GroupID)
		require.Equal("friends", payload.GroupName)
	}
	require.Len(tc.GetSortedConversation(g.ID), 1)

	_, err = tc.SendGroupMessage("no-such-group", body)
	require.ErrorIs(err, errGroupNotFound)

	// A member's reply carrying a known group id files under the group.
	reply := []byte("i will be late")
	ts := time.Date(2024, 5, 5, 8, 0, 0, 0, time.UTC)
	tc.relay.queue(peerA.inboxID, peerA.sealGroup(t, reply, g.ID, "friends"), ts)
	require.NoError(tc.StartSync())
	ev := waitForEvent(t, tc.EventSink, isReceived)
	require.Equal(1, ev.(*MessagesReceivedEvent).Counts[g.ID])

	msgs := tc.GetSortedConversation(g.ID)
	require.Len(msgs, 2)
	var got *Message
	for _, m := range msgs {
		if !m.Sent {
			got = m
		}
	}
	require.NotNil(got)
	require.Equal(reply, got.Content)
	require.Empty(got.GroupID)

	// An unknown group id files under the direct contact with the group
	// attached as context.
	stray := []byte("wrong circle")
	tc.relay.queue(peerA.inboxID, peerA.sealGroup(t, stray, "feedfacefeedface", "strangers"), ts.Add(time.Second))
	ev = waitForEvent(t, tc.EventSink, isReceived)
	require.Equal(1, ev.(*MessagesReceivedEvent).Counts[alice.ID()])

	msgs = tc.GetSortedConversation(alice.ID())
	require.Len(msgs, 1)
	require.Equal(stray, msgs[0].Content)
	require.Equal("feedfacefeedface", msgs[0].GroupID)
	require.Equal("strangers", msgs[0].GroupName)
}

func TestSyncPacing(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	interval := 150 * time.Millisecond
	tc := newTestClient(t, func(cfg *config.Config) {
		cfg.Sync.MinPollIntervalMs = int(interval / time.Millisecond)
	})

	_, raw := newTestPeer(t, true)
	_, err := tc.AddContact("alice", raw, true)
	require.NoError(err)

	// Cycle starts are paced at least the minimum interval apart, so
	// the third retrieval cannot land before two full intervals have
	// passed.
	start := time.Now()
	require.NoError(tc.StartSync())
	require.Eventually(func() bool { return tc.relay.retrieveCount() >= 3 }, 10*time.Second, 5*time.Millisecond)
	elapsed := time.Since(start)
	require.GreaterOrEqual(elapsed, 2*interval-10*time.Millisecond, "three cycles finished in %v", elapsed)
}

func TestShutdownWhilePolling(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	// A relay that never answers a retrieve, so the long poll stays in
	// flight until the client cancels it.
	var retrieves int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/retrieve" {
			// Drain the body so net/http starts the background
			// connection read; without it the request context never
			// fires on client cancellation and srv.Close deadlocks.
			io.Copy(io.Discard, r.Body)
			atomic.AddInt32(&retrieves, 1)
			<-r.Context().Done()
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	st, master, vlt, logBackend, _ := newTestStore(t)
	cfg := testConfig(srv.URL)
	cfg.Relay.LongPollTimeoutMs = 60000
	c, err := New(cfg, master, st, vlt, logBackend)
	require.NoError(err)
	c.Start()

	_, raw := newTestPeer(t, true)
	_, err = c.AddContact("alice", raw, true)
	require.NoError(err)
	require.NoError(c.StartSync())
	require.Eventually(func() bool { return atomic.LoadInt32(&retrieves) == 1 }, 10*time.Second, 5*time.Millisecond)

	// Shutdown unwinds the in-flight poll promptly rather than waiting
	// out the server side hold.
	done := make(chan struct{})
	go func() {
		c.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not complete with a poll in flight")
	}
	for range c.EventSink {
	}
	require.Equal(SyncStopped, c.SyncStatus())

	// The loop is stopped; no further retrieval is ever issued.
	time.Sleep(200 * time.Millisecond)
	require.Equal(int32(1), atomic.LoadInt32(&retrieves))
}

func TestShutdownWhileAcknowledging(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	peer, raw := newTestPeer(t, true)
	ts := time.Date(2024, 5, 10, 16, 0, 0, 0, time.UTC)
	sealed := peer.seal(t, []byte("stalled acknowledge"))

	// A relay that hands the copy out once and then sits on the
	// acknowledgment until the caller gives up.
	var ackInFlight int32
	var delivered int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/retrieve":
			var rr struct {
				ChannelIDs []string `json:"channelIds"`
			}
			if err := json.NewDecoder(r.Body).Decode(&rr); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if atomic.CompareAndSwapInt32(&delivered, 0, 1) && len(rr.ChannelIDs) > 0 {
				w.Header().Set("Content-Type", "application/json")
				json.NewEncoder(w).Encode(struct {
					Results []relay.Result `json:"results"`
				}{Results: []relay.Result{{ChannelID: rr.ChannelIDs[0], Ciphertext: sealed, Timestamp: ts}}})
				return
			}
			io.Copy(io.Discard, r.Body)
			<-r.Context().Done()
		case "/acknowledge":
			// Drain the body so net/http starts the background
			// connection read; without it the request context never
			// fires on client cancellation and srv.Close deadlocks.
			io.Copy(io.Discard, r.Body)
			atomic.AddInt32(&ackInFlight, 1)
			<-r.Context().Done()
		default:
			w.WriteHeader(http.StatusCreated)
		}
	}))
	defer srv.Close()

	st, master, vlt, logBackend, _ := newTestStore(t)
	c, err := New(testConfig(srv.URL), master, st, vlt, logBackend)
	require.NoError(err)
	c.Start()

	contact, err := c.AddContact("alice", raw, true)
	require.NoError(err)
	require.NoError(c.StartSync())
	require.Eventually(func() bool { return atomic.LoadInt32(&ackInFlight) == 1 }, 10*time.Second, 5*time.Millisecond)

	// The worker is blocked inside the acknowledge call; a halt must
	// still unwind it promptly instead of waiting out the call's own
	// timeout.
	done := make(chan struct{})
	go func() {
		c.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not complete with an acknowledge in flight")
	}
	for range c.EventSink {
	}
	require.Equal(SyncStopped, c.SyncStatus())

	// The message itself was already safe locally before the
	// acknowledgment went out.
	msgs, err := c.loadConversation(contact.ID())
	require.NoError(err)
	require.Len(msgs, 1)
	require.Equal([]byte("stalled acknowledge"), msgs[0].Content)
}

func TestStreamModeEngine(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	tc := newTestClient(t, func(cfg *config.Config) {
		cfg.Relay.Transport = relay.TransportStream
	})

	peerA, rawA := newTestPeer(t, true)
	alice, err := tc.AddContact("alice", rawA, true)
	require.NoError(err)

	ts := time.Date(2024, 6, 2, 11, 0, 0, 0, time.UTC)
	tc.relay.queue(peerA.inboxID, peerA.seal(t, []byte("pushed, not polled")), ts)

	require.NoError(tc.StartSync())
	ev := waitForEvent(t, tc.EventSink, isReceived)
	received := ev.(*MessagesReceivedEvent)
	require.Equal(1, received.Total)
	require.Equal(1, received.Counts[alice.ID()])
	msgs := tc.GetSortedConversation(alice.ID())
	require.Len(msgs, 1)
	require.Equal([]byte("pushed, not polled"), msgs[0].Content)
	require.Eventually(func() bool { return tc.relay.ackCount() == 1 }, 10*time.Second, 10*time.Millisecond)
	require.Equal(1, tc.relay.streamCount())
	require.ElementsMatch([]string{peerA.inboxID}, tc.relay.lastStream())

	// A contact change invalidates the identifier set, which in stream
	// mode means tearing the subscription down and opening a fresh one
	// carrying both inboxes.
	peerB, rawB := newTestPeer(t, true)
	bob, err := tc.AddContact("bob", rawB, true)
	require.NoError(err)
	require.Eventually(func() bool { return tc.relay.streamCount() == 2 }, 10*time.Second, 10*time.Millisecond)
	require.ElementsMatch([]string{peerA.inboxID, peerB.inboxID}, tc.relay.lastStream())

	tc.relay.queue(peerB.inboxID, peerB.seal(t, []byte("over the new subscription")), ts.Add(time.Minute))
	waitForEvent(t, tc.EventSink, isReceived)
	msgs = tc.GetSortedConversation(bob.ID())
	require.Len(msgs, 1)
	require.Equal([]byte("over the new subscription"), msgs[0].Content)
}

func TestSyncBackoffAndRecovery(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	tc := newTestClient(t)

	peer, raw := newTestPeer(t, true)
	_, err := tc.AddContact("alice", raw, true)
	require.NoError(err)

	tc.relay.setFailing(true)
	require.NoError(tc.StartSync())

	waitForEvent(t, tc.EventSink, func(ev Event) bool {
		s, ok := ev.(*SyncStatusEvent)
		return ok && s.State == SyncBackoff
	})

	ts := time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)
	tc.relay.queue(peer.inboxID, peer.seal(t, []byte("after the outage")), ts)
	tc.relay.setFailing(false)

	waitForEvent(t, tc.EventSink, isReceived)
	require.Equal(1, tc.relay.ackCount())
}

func TestReplaceContactKeyRecoversRetained(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	tc := newTestClient(t)

	// The stored key does not match what the peer encrypts under, as
	// after a botched key import.
	_, rawWrong := newTestPeer(t, true)
	contact, err := tc.AddContact("alice", rawWrong, true)
	require.NoError(err)

	peerReal, rawReal := newTestPeer(t, true)
	body := []byte("can you read me now")
	ts := time.Date(2024, 5, 7, 18, 0, 0, 0, time.UTC)

	// The ciphertext arrives on the subscribed identifier but does not
	// open under the stored key.
	inboxKey, err := tc.vault.Get(contact.ID())
	require.NoError(err)
	subscribedID := vault.DeriveRequestID(inboxKey, vault.ReadCap).String()
	inboxKey.Destroy()
	tc.relay.queue(subscribedID, peerReal.seal(t, body), ts)

	require.NoError(tc.StartSync())
	waitForEvent(t, tc.EventSink, isReceived)

	msgs := tc.GetSortedConversation(contact.ID())
	require.Len(msgs, 1)
	require.True(msgs[0].Encrypted)
	require.NotEqual(body, msgs[0].Content)
	retainedID := msgs[0].ID

	// Retained copies were still acknowledged; the relay is done with
	// them.
	require.Equal(1, tc.relay.ackCount())

	_, err = tc.ForwardMessage(contact.ID(), retainedID, "alice")
	require.ErrorIs(err, errUndecrypted)

	// The corrected key recovers the retained ciphertext in place.
	require.NoError(tc.ReplaceContactKey("alice", rawReal, true))
	msgs = tc.GetSortedConversation(contact.ID())
	require.Len(msgs, 1)
	require.False(msgs[0].Encrypted)
	require.Equal(body, msgs[0].Content)
	require.Equal(retainedID, msgs[0].ID)
	require.True(msgs[0].Timestamp.Equal(ts))

	require.ErrorIs(tc.ReplaceContactKey("nobody", rawReal, true), errContactNotFound)
}

func TestUpgradeAndReopen(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	r := newTestRelay(t)
	logBackend, err := log.New("", "DEBUG", false)
	require.NoError(err)
	path := filepath.Join(t.TempDir(), "store.db")
	passphrase := []byte("sesame")
	secret := make([]byte, 32)
	_, err = io.ReadFull(rand.Reader, secret)
	require.NoError(err)

	st, err := store.Open(path, logBackend)
	require.NoError(err)
	master := masterkey.New(st, logBackend)
	err = master.Initialize(context.Background(), &masterkey.Credentials{
		Passphrase: append([]byte{}, passphrase...),
	})
	require.NoError(err)
	st.SetCipher(master)
	vlt := vault.New(master, st, logBackend)
	c, err := New(testConfig(r.srv.URL), master, st, vlt, logBackend)
	require.NoError(err)
	c.Start()

	peer, raw := newTestPeer(t, true)
	contact, err := c.AddContact("alice", raw, true)
	require.NoError(err)
	ts := time.Date(2024, 5, 8, 7, 0, 0, 0, time.UTC)
	r.queue(peer.inboxID, peer.seal(t, []byte("before upgrade")), ts)
	require.NoError(c.StartSync())
	waitForEvent(t, c.EventSink, isReceived)

	// Upgrade while synchronization is live; it quiesces and resumes.
	require.False(master.IsUsingDerivedKey())
	require.NoError(c.UpgradeToAuthenticatorKey(append([]byte{}, secret...)))
	require.True(master.IsUsingDerivedKey())

	r.queue(peer.inboxID, peer.seal(t, []byte("after upgrade")), ts.Add(time.Minute))
	waitForEvent(t, c.EventSink, isReceived)
	require.Len(c.GetSortedConversation(contact.ID()), 2)

	c.Shutdown()
	st.Close()

	// The passphrase no longer opens the store; the authenticator
	// secret does, and everything is still there.
	st2, err := store.Open(path, logBackend)
	require.NoError(err)
	defer st2.Close()
	master2 := masterkey.New(st2, logBackend)
	err = master2.Initialize(context.Background(), &masterkey.Credentials{
		Passphrase: append([]byte{}, passphrase...),
	})
	require.ErrorIs(err, masterkey.ErrAuthenticatorRequired)

	err = master2.Initialize(context.Background(), &masterkey.Credentials{
		AuthenticatorSecret: append([]byte{}, secret...),
	})
	require.NoError(err)
	st2.SetCipher(master2)
	vlt2 := vault.New(master2, st2, logBackend)
	c2, err := New(testConfig(r.srv.URL), master2, st2, vlt2, logBackend)
	require.NoError(err)
	c2.Start()
	defer c2.Shutdown()

	contacts := c2.GetContacts()
	require.Len(contacts, 1)
	require.Equal(contact.ID(), contacts["alice"].ID())
	msgs := c2.GetSortedConversation(contact.ID())
	require.Len(msgs, 2)
	require.Equal([]byte("before upgrade"), msgs[0].Content)
	require.Equal([]byte("after upgrade"), msgs[1].Content)
}

func TestEraseAll(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	tc := newTestClient(t)

	_, raw := newTestPeer(t, true)
	_, err := tc.AddContact("alice", raw, true)
	require.NoError(err)
	_, err = tc.SendMessage("alice", []byte("soon to be gone"))
	require.NoError(err)
	require.NoError(tc.StartSync())

	require.NoError(tc.EraseAll())
	_, err = os.Stat(tc.path)
	require.True(os.IsNotExist(err))
	require.Empty(tc.GetContacts())
	require.Empty(tc.GetGroups())
	require.Equal(SyncIdle, tc.SyncStatus())

	// Erasing an already erased client is a no-op.
	require.NoError(tc.EraseAll())
}

func TestIntakeRouting(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	st, _, vlt, logBackend, _ := newTestStore(t)

	alice := &Contact{id: "aaaa0000aaaa0000", Nickname: "alice", KeyCreator: true}
	kAlice, err := vault.NewChannelKey()
	require.NoError(err)
	friends := &Group{ID: "f00ff00ff00ff00f", Name: "friends", Members: []string{alice.id}}

	c := &Client{
		eventCh:   channels.NewInfiniteChannel(),
		store:     st,
		vault:     vlt,
		contacts:  map[string]*Contact{alice.id: alice},
		nicknames: map[string]*Contact{alice.Nickname: alice},
		groups:    map[string]*Group{friends.ID: friends},
		bindings: map[string]*channelBinding{
			"inbox-alice": {contact: alice, key: kAlice},
		},
		log: logBackend.GetLogger("client_test"),
	}
	defer kAlice.Destroy()

	seal := func(body []byte, groupID, groupName string) []byte {
		payload, err := cbor.Marshal(&messagePayload{Content: body, GroupID: groupID, GroupName: groupName})
		require.NoError(err)
		ciphertext, err := kAlice.Encrypt(payload)
		require.NoError(err)
		return ciphertext
	}

	kOther, err := vault.NewChannelKey()
	require.NoError(err)
	defer kOther.Destroy()
	retainedBody := []byte("sealed under another key")
	retainedPayload, err := cbor.Marshal(&messagePayload{Content: retainedBody})
	require.NoError(err)
	retainedCiphertext, err := kOther.Encrypt(retainedPayload)
	require.NoError(err)

	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	direct := seal([]byte("direct"), "", "")
	c.intake([]relay.Result{
		{ChannelID: "inbox-alice", Ciphertext: direct, Timestamp: base},
		{ChannelID: "inbox-alice", Ciphertext: direct, Timestamp: base},
		{ChannelID: "inbox-nobody", Ciphertext: seal([]byte("stray"), "", ""), Timestamp: base},
		{ChannelID: "inbox-alice", Ciphertext: seal([]byte("group chat"), friends.ID, "friends"), Timestamp: base.Add(time.Second)},
		{ChannelID: "inbox-alice", Ciphertext: seal([]byte("ghost group"), "feedfacefeedface", "strangers"), Timestamp: base.Add(2 * time.Second)},
		{ChannelID: "inbox-alice", Ciphertext: retainedCiphertext, Timestamp: base.Add(3 * time.Second)},
	})

	// Direct once despite the duplicate, the unknown channel dropped,
	// the known group routed, the unknown group kept as context, the
	// undecryptable copy retained.
	aliceMsgs, err := c.loadConversation(alice.id)
	require.NoError(err)
	require.Len(aliceMsgs, 3)
	require.Equal([]byte("direct"), aliceMsgs[0].Content)
	require.Equal([]byte("ghost group"), aliceMsgs[1].Content)
	require.Equal("feedfacefeedface", aliceMsgs[1].GroupID)
	require.Equal("strangers", aliceMsgs[1].GroupName)
	require.True(aliceMsgs[2].Encrypted)
	require.Equal(retainedCiphertext, aliceMsgs[2].Content)

	groupMsgs, err := c.loadConversation(friends.ID)
	require.NoError(err)
	require.Len(groupMsgs, 1)
	require.Equal([]byte("group chat"), groupMsgs[0].Content)
	require.Empty(groupMsgs[0].GroupID)

	ev := <-c.eventCh.Out()
	received := ev.(*MessagesReceivedEvent)
	require.Equal(4, received.Total)
	require.Equal(3, received.Counts[alice.id])
	require.Equal(1, received.Counts[friends.ID])

	// With the conversation open, a novel message raises nothing.
	c.openConversation = alice.id
	c.intake([]relay.Result{
		{ChannelID: "inbox-alice", Ciphertext: seal([]byte("on screen"), "", ""), Timestamp: base.Add(4 * time.Second)},
	})
	select {
	case ev := <-c.eventCh.Out():
		t.Fatalf("unexpected event %v", ev)
	case <-time.After(100 * time.Millisecond):
	}

	// A corrected key recovers the retained copy in place.
	retainedID := aliceMsgs[2].ID
	require.NoError(vlt.Store(alice.id, kOther))
	c.redecryptConversation(alice)
	aliceMsgs, err = c.loadConversation(alice.id)
	require.NoError(err)
	require.Len(aliceMsgs, 4)
	require.False(aliceMsgs[2].Encrypted)
	require.Equal(retainedBody, aliceMsgs[2].Content)
	require.Equal(retainedID, aliceMsgs[2].ID)
}
