// SPDX-FileCopyrightText: © 2024 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package config provides the briefkasten client configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/katzenpost/katzenpost/core/log"

	"github.com/katzenpost/briefkasten/relay"
)

const (
	defaultLogLevel        = "NOTICE"
	defaultLongPollTimeout = 25 * 1000 // 25 sec.
	defaultMinPollInterval = 3 * 1000  // 3 sec.
	defaultBackoffDelay    = 15 * 1000 // 15 sec.
	defaultRateLimit       = 4.0
	defaultRateBurst       = 8
	defaultMetricsAddress  = "127.0.0.1:6543"
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Store is the encrypted store configuration.
type Store struct {
	// Path is the absolute path to the store database file.
	Path string
}

func (sCfg *Store) validate() error {
	if sCfg.Path == "" {
		return errors.New("config: Store: Path is not set")
	}
	if !filepath.IsAbs(sCfg.Path) {
		return fmt.Errorf("config: Store: Path '%v' is not an absolute path", sCfg.Path)
	}
	return nil
}

// Relay is the relay connection configuration.
type Relay struct {
	// URL is the base URL of the relay.
	URL string

	// Transport selects the retrieval mode, "longpoll" or "stream".
	Transport string

	// LongPollTimeoutMs is how long a retrieve call is held open by the
	// relay before returning empty, in milliseconds.
	LongPollTimeoutMs int

	// RateLimit caps outgoing relay calls per second.
	RateLimit float64

	// RateBurst is the rate limiter burst allowance.
	RateBurst int
}

func (rCfg *Relay) applyDefaults() {
	if rCfg.Transport == "" {
		rCfg.Transport = relay.TransportLongPoll
	}
	if rCfg.LongPollTimeoutMs <= 0 {
		rCfg.LongPollTimeoutMs = defaultLongPollTimeout
	}
	if rCfg.RateLimit <= 0 {
		rCfg.RateLimit = defaultRateLimit
	}
	if rCfg.RateBurst <= 0 {
		rCfg.RateBurst = defaultRateBurst
	}
}

func (rCfg *Relay) validate() error {
	if rCfg.URL == "" {
		return errors.New("config: Relay: URL is not set")
	}
	u, err := url.Parse(rCfg.URL)
	if err != nil {
		return fmt.Errorf("config: Relay: URL '%v' is invalid: %v", rCfg.URL, err)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("config: Relay: URL scheme '%v' is invalid", u.Scheme)
	}
	switch rCfg.Transport {
	case relay.TransportLongPoll, relay.TransportStream:
	default:
		return fmt.Errorf("config: Relay: Transport '%v' is invalid", rCfg.Transport)
	}
	return nil
}

// Sync is the synchronization engine configuration.
type Sync struct {
	// MinPollIntervalMs is the minimum time between the starts of two
	// consecutive retrieval cycles, in milliseconds.
	MinPollIntervalMs int

	// BackoffDelayMs is how long the engine waits after a transport
	// failure before retrying, in milliseconds.
	BackoffDelayMs int
}

func (sCfg *Sync) applyDefaults() {
	if sCfg.MinPollIntervalMs <= 0 {
		sCfg.MinPollIntervalMs = defaultMinPollInterval
	}
	if sCfg.BackoffDelayMs <= 0 {
		sCfg.BackoffDelayMs = defaultBackoffDelay
	}
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl // Force uppercase.
	return nil
}

// Metrics is the prometheus metrics configuration.
type Metrics struct {
	// Enable enables the metrics endpoint.
	Enable bool

	// Address is the address/port to bind the metrics endpoint to.
	Address string
}

func (mCfg *Metrics) applyDefaults() {
	if mCfg.Address == "" {
		mCfg.Address = defaultMetricsAddress
	}
}

// Config is the top level briefkasten client configuration.
type Config struct {
	Store   *Store
	Relay   *Relay
	Sync    *Sync
	Logging *Logging
	Metrics *Metrics
}

// InitLogBackend initializes the logging backend described by the
// Logging section.
func (c *Config) InitLogBackend() (*log.Backend, error) {
	f := c.Logging.File
	if !c.Logging.Disable && c.Logging.File != "" {
		if !filepath.IsAbs(f) {
			return nil, errors.New("config: log file path must be absolute path")
		}
	}
	return log.New(f, c.Logging.Level, c.Logging.Disable)
}

// FixupAndValidate applies defaults to optional sections and validates
// the configuration.
func (c *Config) FixupAndValidate() error {
	// The Store and Relay sections are mandatory, everything else is
	// optional.
	if c.Store == nil {
		return errors.New("config: No Store block was present")
	}
	if c.Relay == nil {
		return errors.New("config: No Relay block was present")
	}
	if c.Sync == nil {
		c.Sync = &Sync{}
	}
	if c.Logging == nil {
		c.Logging = &defaultLogging
	}
	if c.Metrics == nil {
		c.Metrics = &Metrics{}
	}

	c.Relay.applyDefaults()
	c.Sync.applyDefaults()
	c.Metrics.applyDefaults()

	if err := c.Store.validate(); err != nil {
		return err
	}
	if err := c.Relay.validate(); err != nil {
		return err
	}
	return c.Logging.validate()
}

// Load parses and validates the provided buffer b as a config file body
// and returns the Config.
func Load(b []byte) (*Config, error) {
	if b == nil {
		return nil, errors.New("config: no nil buffer as config file")
	}
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses, and validates the provided file and returns
// the Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
