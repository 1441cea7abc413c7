// SPDX-FileCopyrightText: © 2024 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package instrument exposes prometheus counters for the sync loop and
// the relay client. The counters count whether or not Init has run;
// Init only makes them scrapeable.
package instrument

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pollCycles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "briefkasten_sync_poll_cycles_total",
			Help: "Number of completed poll cycles",
		},
	)
	transportFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "briefkasten_relay_transport_failures_total",
			Help: "Number of failed relay calls",
		},
	)
	streamReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "briefkasten_relay_stream_reconnects_total",
			Help: "Number of push stream reconnections",
		},
	)
	submissions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "briefkasten_relay_submissions_total",
			Help: "Number of ciphertexts submitted to the relay",
		},
	)
	messagesStored = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "briefkasten_messages_stored_total",
			Help: "Number of novel messages merged into local history",
		},
	)
	messagesDuplicate = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "briefkasten_messages_duplicate_total",
			Help: "Number of retrieved messages dropped as duplicates",
		},
	)
	unresolvedChannels = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "briefkasten_unresolved_channels_total",
			Help: "Number of retrieved results with no matching contact",
		},
	)
	decryptFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "briefkasten_message_decrypt_failures_total",
			Help: "Number of retrieved messages retained undecrypted",
		},
	)
	ackFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "briefkasten_ack_failures_total",
			Help: "Number of failed acknowledgment calls",
		},
	)

	initOnce sync.Once
)

// Init registers the counters and serves them on addr under /metrics.
func Init(addr string) {
	initOnce.Do(func() {
		prometheus.MustRegister(pollCycles)
		prometheus.MustRegister(transportFailures)
		prometheus.MustRegister(streamReconnects)
		prometheus.MustRegister(submissions)
		prometheus.MustRegister(messagesStored)
		prometheus.MustRegister(messagesDuplicate)
		prometheus.MustRegister(unresolvedChannels)
		prometheus.MustRegister(decryptFailures)
		prometheus.MustRegister(ackFailures)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go http.ListenAndServe(addr, mux)
	})
}

// PollCycle counts one completed poll cycle.
func PollCycle() {
	pollCycles.Inc()
}

// TransportFailure counts one failed relay call.
func TransportFailure() {
	transportFailures.Inc()
}

// StreamReconnect counts one push stream reconnection.
func StreamReconnect() {
	streamReconnects.Inc()
}

// Submission counts one ciphertext submitted to the relay.
func Submission() {
	submissions.Inc()
}

// MessageStored counts one novel message merged into local history.
func MessageStored() {
	messagesStored.Inc()
}

// MessageDuplicate counts one retrieved message dropped as a duplicate.
func MessageDuplicate() {
	messagesDuplicate.Inc()
}

// UnresolvedChannel counts one retrieved result with no matching contact.
func UnresolvedChannel() {
	unresolvedChannels.Inc()
}

// DecryptFailure counts one retrieved message retained undecrypted.
func DecryptFailure() {
	decryptFailures.Inc()
}

// AckFailure counts one failed acknowledgment call.
func AckFailure() {
	ackFailures.Inc()
}
