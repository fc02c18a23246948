// Package collab hosts the live side of a document: the per-document
// session actor that owns the CRDT replica, the websocket clients attached
// to it, and the registry that guarantees at most one session per document
// in the process.
package collab

import "time"

// Config carries the tunables of the live layer. Zero values are replaced
// by defaults in Normalize.
type Config struct {
	// PersistDebounce is the quiet interval a burst of edits must reach
	// before the replica is flushed to the store.
	PersistDebounce time.Duration

	// PersistRetryMax and PersistRetryBackoff bound the retry budget for
	// transient store failures. Backoff doubles per attempt.
	PersistRetryMax     int
	PersistRetryBackoff time.Duration

	// AwarenessTTL is the staleness threshold for presence eviction.
	AwarenessTTL time.Duration

	// HandshakeTimeout caps how long a client may stay in HANDSHAKING.
	HandshakeTimeout time.Duration

	// PongTimeout and PingInterval drive the transport heartbeat.
	PongTimeout  time.Duration
	PingInterval time.Duration

	// OutboundBufferFrames is the per-client fan-out buffer. A client
	// that cannot drain this many frames is dropped.
	OutboundBufferFrames int

	// MaxFrameBytes caps a single inbound transport message.
	MaxFrameBytes int64

	// OnPersist, when set, runs after every successful flush with the
	// document id. Used to invalidate read caches.
	OnPersist func(documentID string)
}

// DefaultConfig returns the tunables used when none are configured.
func DefaultConfig() Config {
	return Config{
		PersistDebounce:      time.Second,
		PersistRetryMax:      3,
		PersistRetryBackoff:  250 * time.Millisecond,
		AwarenessTTL:         30 * time.Second,
		HandshakeTimeout:     10 * time.Second,
		PongTimeout:          60 * time.Second,
		PingInterval:         25 * time.Second,
		OutboundBufferFrames: 256,
		MaxFrameBytes:        1 << 20,
	}
}

// Normalize fills missing fields from the defaults.
func (c Config) Normalize() Config {
	def := DefaultConfig()
	if c.PersistDebounce <= 0 {
		c.PersistDebounce = def.PersistDebounce
	}
	if c.PersistRetryMax <= 0 {
		c.PersistRetryMax = def.PersistRetryMax
	}
	if c.PersistRetryBackoff <= 0 {
		c.PersistRetryBackoff = def.PersistRetryBackoff
	}
	if c.AwarenessTTL <= 0 {
		c.AwarenessTTL = def.AwarenessTTL
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = def.PongTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = def.PingInterval
	}
	if c.OutboundBufferFrames <= 0 {
		c.OutboundBufferFrames = def.OutboundBufferFrames
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = def.MaxFrameBytes
	}
	return c
}
