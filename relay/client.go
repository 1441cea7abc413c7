// SPDX-FileCopyrightText: © 2024 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package relay speaks the wire contract of the dumb relay server: it
// stores and retrieves ciphertext blobs under one way channel
// identifiers and never sees plaintext, accounts or key material.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/katzenpost/core/log"

	"github.com/katzenpost/briefkasten/internal/instrument"
)

const (
	defaultLongPollTimeout = 25 * time.Second

	// submitTimeout bounds the non-blocking calls; retrieve gets the
	// long poll hold plus retrieveSlack instead.
	submitTimeout = 30 * time.Second
	retrieveSlack = 15 * time.Second
)

// TransportError is the error used to indicate a network or HTTP level
// failure talking to the relay. The sync loop reacts with a fixed
// backoff and a fresh cycle, never by retrying the individual call.
type TransportError struct {
	// Err is the original error that caused the call to fail.
	Err error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("relay: transport error: %v", e.Err)
}

// Unwrap returns the wrapped error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

func newTransportError(f string, a ...interface{}) error {
	return &TransportError{Err: fmt.Errorf(f, a...)}
}

// IsTransportError reports whether err is a TransportError.
func IsTransportError(err error) bool {
	var t *TransportError
	return errors.As(err, &t)
}

// Result is one stored ciphertext copy returned by the relay. The
// timestamp is relay assigned and names the exact copy in acknowledge
// calls.
type Result struct {
	ChannelID  string    `json:"channelId"`
	Ciphertext []byte    `json:"ciphertext"`
	Timestamp  time.Time `json:"timestamp"`
}

// Ack identifies one exact stored copy for relay side deletion.
type Ack struct {
	ChannelID string    `json:"channelId"`
	Timestamp time.Time `json:"timestamp"`
}

type submitRequest struct {
	ChannelID  string `json:"channelId"`
	Ciphertext []byte `json:"ciphertext"`
}

type retrieveRequest struct {
	ChannelIDs []string `json:"channelIds"`
	TimeoutMs  int      `json:"timeoutMs,omitempty"`

	// PushSubscription is part of the wire contract but unused here;
	// push notification plumbing lives outside this client.
	PushSubscription json.RawMessage `json:"pushSubscription,omitempty"`
}

type retrieveResponse struct {
	Results []Result `json:"results"`
}

type acknowledgeRequest struct {
	Acks []Ack `json:"acks"`
}

// Config configures the relay client.
type Config struct {
	// URL is the base URL of the relay.
	URL string

	// LongPollTimeout is the server side hold duration suggested in
	// retrieve calls.
	LongPollTimeout time.Duration

	// RateLimit caps outgoing calls per second as a politeness
	// measure; zero disables limiting.
	RateLimit float64

	// RateBurst is the burst allowance when RateLimit is set.
	RateBurst int
}

// Client issues the relay's four calls. All methods are safe for
// concurrent use and observe their context for cancellation; a
// cancellation surfaces as context.Canceled, never as a TransportError.
type Client struct {
	cfg     *Config
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	log     *logging.Logger
}

// NewClient creates a relay client for the given configuration.
func NewClient(cfg *Config, logBackend *log.Backend) *Client {
	c := &Client{
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.URL, "/"),
		http:    &http.Client{},
		log:     logBackend.GetLogger("relay"),
	}
	if c.cfg.LongPollTimeout <= 0 {
		c.cfg.LongPollTimeout = defaultLongPollTimeout
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return c
}

// Submit stores one ciphertext blob under channelID; the relay assigns
// the timestamp.
func (c *Client) Submit(ctx context.Context, channelID string, ciphertext []byte) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	sctx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()
	err := c.postJSON(sctx, "/submit", &submitRequest{
		ChannelID:  channelID,
		Ciphertext: ciphertext,
	}, http.StatusCreated, nil)
	if err == nil {
		instrument.Submission()
	}
	return err
}

// Retrieve blocks until the relay has data for one of the identifiers
// or the suggested hold timeout elapses, whichever is first. An empty
// result set means the hold timed out; an empty identifier set returns
// immediately without a call.
func (c *Client) Retrieve(ctx context.Context, channelIDs []string, timeout time.Duration) ([]Result, error) {
	if len(channelIDs) == 0 {
		return nil, nil
	}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	rctx, cancel := context.WithTimeout(ctx, timeout+retrieveSlack)
	defer cancel()
	var resp retrieveResponse
	err := c.postJSON(rctx, "/retrieve", &retrieveRequest{
		ChannelIDs: channelIDs,
		TimeoutMs:  int(timeout / time.Millisecond),
	}, http.StatusOK, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// Acknowledge asks the relay to delete the named copies. Acknowledging
// nothing is a no-op.
func (c *Client) Acknowledge(ctx context.Context, acks []Ack) error {
	if len(acks) == 0 {
		return nil
	}
	if err := c.wait(ctx); err != nil {
		return err
	}
	actx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()
	return c.postJSON(actx, "/acknowledge", &acknowledgeRequest{Acks: acks}, http.StatusOK, nil)
}

// openStream opens the standing push subscription for the identifier
// set. The returned body yields a sequence of JSON arrays shaped like
// retrieve results; it stays open until the caller closes it or the
// context fires.
func (c *Client) openStream(ctx context.Context, channelIDs []string) (io.ReadCloser, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	v := url.Values{}
	v.Set("channelIds", strings.Join(channelIDs, ","))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/stream?"+v.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, context.Canceled
		}
		instrument.TransportFailure()
		return nil, newTransportError("GET /stream: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		instrument.TransportFailure()
		return nil, newTransportError("GET /stream: unexpected status %v", resp.Status)
	}
	return resp.Body, nil
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return context.Canceled
		}
		return newTransportError("rate limiter: %v", err)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, body interface{}, wantStatus int, out interface{}) error {
	enc, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(enc))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return context.Canceled
		}
		instrument.TransportFailure()
		return newTransportError("POST %v: %v", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		io.Copy(io.Discard, resp.Body)
		instrument.TransportFailure()
		return newTransportError("POST %v: unexpected status %v", path, resp.Status)
	}
	if out == nil {
		if _, err = io.Copy(io.Discard, resp.Body); err != nil {
			instrument.TransportFailure()
			return newTransportError("POST %v: draining response: %v", path, err)
		}
		return nil
	}
	if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
		instrument.TransportFailure()
		return newTransportError("POST %v: decoding response: %v", path, err)
	}
	return nil
}
