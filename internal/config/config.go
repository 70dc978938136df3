// Package config defines the Relay's environment-backed configuration,
// bound through serpent.Option the way the teacher's CLI commands bind
// flags, so every setting has one name, one env var, one default, and
// one help string instead of scattered os.Getenv calls.
package config

import (
	"time"

	"github.com/coder/serpent"
)

// Config holds every tunable named in spec.md §6. The three timing
// fields are bound to their env vars as raw milliseconds (spec.md §6's
// literal contract, e.g. SESSION_CODE_EXPIRY_MS=300000), not Go duration
// strings; use the SessionCodeExpiry/PingInterval/PingTimeout accessors
// to get a time.Duration.
type Config struct {
	// RelayPort is the TCP port the acceptor listens on.
	RelayPort int64
	// SessionCodeExpiryMS is how long, in milliseconds, an unpaired code
	// lives before sweep reclaims it.
	SessionCodeExpiryMS int64
	// OutboundQueueLimit bounds each connection's outbound message queue;
	// exceeding it marks the connection too slow and closes it.
	OutboundQueueLimit int64
	// PingIntervalMS is how often, in milliseconds, each connection's
	// liveness loop probes it with a WebSocket ping.
	PingIntervalMS int64
	// PingTimeoutMS is how long, in milliseconds, a ping may go
	// unanswered before it counts as a missed pong.
	PingTimeoutMS int64
}

// Default returns the configuration spec.md §6 specifies as defaults.
func Default() *Config {
	return &Config{
		RelayPort:           8080,
		SessionCodeExpiryMS: 300_000,
		OutboundQueueLimit:  1024,
		PingIntervalMS:      25_000,
		PingTimeoutMS:       10_000,
	}
}

// SessionCodeExpiry returns SessionCodeExpiryMS as a time.Duration.
func (c *Config) SessionCodeExpiry() time.Duration {
	return time.Duration(c.SessionCodeExpiryMS) * time.Millisecond
}

// PingInterval returns PingIntervalMS as a time.Duration.
func (c *Config) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalMS) * time.Millisecond
}

// PingTimeout returns PingTimeoutMS as a time.Duration.
func (c *Config) PingTimeout() time.Duration {
	return time.Duration(c.PingTimeoutMS) * time.Millisecond
}

// Options returns the serpent.OptionSet that binds Config's fields to
// environment variables and CLI flags, mirroring how the teacher's
// commands declare an Option per tunable instead of reading os.Getenv
// ad hoc.
func (c *Config) Options() serpent.OptionSet {
	return serpent.OptionSet{
		{
			Name:        "Relay Port",
			Flag:        "port",
			Env:         "RELAY_PORT",
			Description: "TCP port the relay listens on for /mac and /browser upgrades.",
			Value:       serpent.Int64Of(&c.RelayPort),
			Default:     "8080",
		},
		{
			Name:        "Session Code Expiry",
			Flag:        "session-code-expiry-ms",
			Env:         "SESSION_CODE_EXPIRY_MS",
			Description: "TTL for an unpaired pairing code, in milliseconds.",
			Value:       serpent.Int64Of(&c.SessionCodeExpiryMS),
			Default:     "300000",
		},
		{
			Name:        "Outbound Queue Limit",
			Flag:        "outbound-queue-limit",
			Env:         "OUTBOUND_QUEUE_LIMIT",
			Description: "Per-connection bounded write queue depth before the connection is closed as too slow.",
			Value:       serpent.Int64Of(&c.OutboundQueueLimit),
			Default:     "1024",
		},
		{
			Name:        "Ping Interval",
			Flag:        "ping-interval-ms",
			Env:         "PING_INTERVAL_MS",
			Description: "Interval, in milliseconds, between liveness pings on idle connections.",
			Value:       serpent.Int64Of(&c.PingIntervalMS),
			Default:     "25000",
		},
		{
			Name:        "Ping Timeout",
			Flag:        "ping-timeout-ms",
			Env:         "PING_TIMEOUT_MS",
			Description: "How long, in milliseconds, a ping may go unanswered before counting as missed.",
			Value:       serpent.Int64Of(&c.PingTimeoutMS),
			Default:     "10000",
		},
	}
}
