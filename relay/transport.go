// SPDX-FileCopyrightText: © 2024 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/katzenpost/core/log"
	"github.com/katzenpost/katzenpost/core/worker"

	"github.com/katzenpost/briefkasten/internal/instrument"
)

const (
	// TransportLongPoll selects one blocking retrieve call per cycle.
	TransportLongPoll = "longpoll"

	// TransportStream selects a standing push subscription.
	TransportStream = "stream"
)

var streamReconnectDelay = 5 * time.Second

// Transport is the pluggable retrieval strategy behind the sync loop.
// Open binds one identifier set for the transport's whole life: when the
// set changes the owner closes the transport and opens a fresh one, so a
// stale subscription is never reused. A Transport is owned by a single
// goroutine and is not safe for concurrent use.
type Transport interface {
	// Open binds the transport to the identifier set. The context
	// governs the transport's whole life; cancelling it unwinds any
	// in-flight receive.
	Open(ctx context.Context, channelIDs []string) error

	// Receive blocks until the next batch of results, the hold timeout
	// elapses (long poll mode, returning an empty batch), or the
	// context fires.
	Receive(ctx context.Context) ([]Result, error)

	// Close tears the transport down and waits for its internals to
	// finish.
	Close()
}

// NewTransport returns the retrieval strategy named by mode.
func NewTransport(mode string, c *Client, logBackend *log.Backend) (Transport, error) {
	switch mode {
	case TransportLongPoll:
		return NewLongPoller(c), nil
	case TransportStream:
		return NewStreamer(c, logBackend), nil
	default:
		return nil, fmt.Errorf("relay: unknown transport mode %q", mode)
	}
}

// LongPoller retrieves with one blocking call per Receive, carrying the
// entire identifier set and the suggested server side hold timeout.
type LongPoller struct {
	client *Client
	ids    []string
}

// NewLongPoller creates a long poll transport over c.
func NewLongPoller(c *Client) *LongPoller {
	return &LongPoller{client: c}
}

// Open implements Transport.
func (p *LongPoller) Open(_ context.Context, channelIDs []string) error {
	p.ids = append([]string(nil), channelIDs...)
	return nil
}

// Receive implements Transport.
func (p *LongPoller) Receive(ctx context.Context) ([]Result, error) {
	return p.client.Retrieve(ctx, p.ids, p.client.cfg.LongPollTimeout)
}

// Close implements Transport.
func (p *LongPoller) Close() {}

// Streamer holds a standing subscription open and hands out batches as
// the relay pushes them. Drops are reconnected internally with a fixed
// delay; noticing identifier set changes is the owner's job, handled by
// closing the Streamer and opening a new one.
type Streamer struct {
	worker.Worker

	client  *Client
	log     *logging.Logger
	batchCh chan []Result
	cancel  context.CancelFunc
}

// NewStreamer creates a push stream transport over c.
func NewStreamer(c *Client, logBackend *log.Backend) *Streamer {
	return &Streamer{
		client:  c,
		log:     logBackend.GetLogger("relay/stream"),
		batchCh: make(chan []Result, 1),
	}
}

// Open implements Transport.
func (s *Streamer) Open(ctx context.Context, channelIDs []string) error {
	sctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	ids := append([]string(nil), channelIDs...)
	s.Go(func() {
		s.streamWorker(sctx, ids)
	})
	return nil
}

// Receive implements Transport.
func (s *Streamer) Receive(ctx context.Context) ([]Result, error) {
	select {
	case batch := <-s.batchCh:
		return batch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.HaltCh():
		return nil, context.Canceled
	}
}

// Close implements Transport.
func (s *Streamer) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.Halt()
}

func (s *Streamer) streamWorker(ctx context.Context, ids []string) {
	for {
		err := s.streamOnce(ctx, ids)
		if errors.Is(err, context.Canceled) {
			return
		}
		s.log.Debugf("Stream interrupted, reconnecting in %v: %v", streamReconnectDelay, err)
		instrument.StreamReconnect()
		select {
		case <-time.After(streamReconnectDelay):
		case <-ctx.Done():
			return
		case <-s.HaltCh():
			return
		}
	}
}

// streamOnce opens the subscription and pumps batches until the stream
// breaks. A clean server side close surfaces as io.EOF and reconnects
// like any other drop.
func (s *Streamer) streamOnce(ctx context.Context, ids []string) error {
	body, err := s.client.openStream(ctx, ids)
	if err != nil {
		return err
	}
	defer body.Close()

	dec := json.NewDecoder(body)
	for {
		var batch []Result
		if err := dec.Decode(&batch); err != nil {
			if ctx.Err() != nil {
				return context.Canceled
			}
			return err
		}
		if len(batch) == 0 {
			continue
		}
		select {
		case s.batchCh <- batch:
		case <-ctx.Done():
			return context.Canceled
		case <-s.HaltCh():
			return context.Canceled
		}
	}
}
