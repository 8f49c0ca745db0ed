package reactor

import (
	"sync"
	"time"

	"github.com/bhdrk/reactor-ipc/internal/transport"
	"github.com/bhdrk/reactor-ipc/log"
)

// Context is a Processor's configuration (spec §3). Construct one with
// NewContext and a series of Option values; defaults fill in anything
// left unset, grounded on muxado's Config.initDefaults sync.Once gate
// (internal/muxado/config.go) so a Context is safe to share and is only
// ever defaulted once no matter how many Processors read it.
type Context struct {
	Name string

	SenderChannel          string
	ReceiverChannel        string
	StreamID               int32
	ErrorStreamID          int32
	ServiceRequestStreamID int32

	RingBufferSize int

	PublicationRetryInterval time.Duration
	LingerTimeout            time.Duration

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// Multicast selects the Demand Aggregator's Mode: false is Unicast
	// (exactly one remote subscriber expected), true is Multicast
	// (minimum demand across every live session, spec §4.5).
	Multicast bool

	// AutoCancel, when true, makes the Inbound Dispatcher cancel the
	// Processor's own UpstreamSubscription as soon as the Session
	// Registry goes empty — whether that emptiness was reached by every
	// session cancelling or by the heartbeat reaper evicting them (spec
	// §4.4).
	AutoCancel bool

	// MultiPublishers selects the Signal Sender's share construction
	// mode (spec §4.3, §4.7): when true, concurrent OnNext/OnComplete/
	// OnError callers are serialized through a bounded ring of
	// RingBufferSize instead of calling the Signal Sender directly,
	// satisfying the Reactive-Streams contract that signals never
	// overlap even when the upstream Publisher itself is not
	// single-threaded.
	MultiPublishers bool

	// LaunchEmbeddedDriver, when true, acquires the process-wide
	// yamux-backed Driver Manager (transport.Default()) instead of
	// requiring the caller to supply a Transport.
	LaunchEmbeddedDriver bool

	Logger log.Logger

	DriverManager *transport.Manager

	initOnce sync.Once
}

const (
	defaultStreamID               int32 = 1
	defaultErrorStreamID          int32 = 2
	defaultServiceRequestStreamID int32 = 3

	defaultRingBufferSize = 256

	defaultRetryInterval    = 5 * time.Millisecond
	defaultLingerTimeout    = 200 * time.Millisecond
	defaultHeartbeatInterval = 2 * time.Second
	defaultHeartbeatTimeout  = 6 * time.Second
)

// Option mutates a Context under construction.
type Option func(*Context)

func WithSenderChannel(channel string) Option {
	return func(c *Context) { c.SenderChannel = channel }
}

func WithReceiverChannel(channel string) Option {
	return func(c *Context) { c.ReceiverChannel = channel }
}

func WithStreamIDs(data, errs, service int32) Option {
	return func(c *Context) {
		c.StreamID = data
		c.ErrorStreamID = errs
		c.ServiceRequestStreamID = service
	}
}

func WithRingBufferSize(n int) Option { return func(c *Context) { c.RingBufferSize = n } }

func WithPublicationRetryInterval(d time.Duration) Option {
	return func(c *Context) { c.PublicationRetryInterval = d }
}

func WithLingerTimeout(d time.Duration) Option {
	return func(c *Context) { c.LingerTimeout = d }
}

func WithHeartbeat(interval, timeout time.Duration) Option {
	return func(c *Context) {
		c.HeartbeatInterval = interval
		c.HeartbeatTimeout = timeout
	}
}

func WithMulticast(multicast bool) Option { return func(c *Context) { c.Multicast = multicast } }

func WithAutoCancel(autoCancel bool) Option {
	return func(c *Context) { c.AutoCancel = autoCancel }
}

func WithMultiPublishers(shared bool) Option {
	return func(c *Context) { c.MultiPublishers = shared }
}

func WithEmbeddedDriver() Option { return func(c *Context) { c.LaunchEmbeddedDriver = true } }

func WithDriverManager(m *transport.Manager) Option {
	return func(c *Context) { c.DriverManager = m }
}

func WithLogger(l log.Logger) Option { return func(c *Context) { c.Logger = l } }

// NewMemoryDriverManager builds a private, non-shared Driver Manager
// backed by an in-process transport.Memory sized by ctx.RingBufferSize.
// transport.Default's embedded yamux driver has no ring-buffer concept
// (its flow control lives in the yamux stream windows instead), so this
// is RingBufferSize's one real consumer: callers who want the Session
// Registry/Demand Aggregator/Sender/Dispatcher machinery exercised
// in-process, without a real embedded driver, size its back-pressure
// threshold through the same Context every other knob lives on.
func NewMemoryDriverManager(ctx *Context) *transport.Manager {
	return transport.NewManager(func() (transport.Transport, error) {
		return transport.NewMemory(ctx.RingBufferSize), nil
	}, ctx.Logger, ctx.PublicationRetryInterval, ctx.LingerTimeout)
}

// ConfigError reports a Context that failed validation at construction
// (spec §3: "Validated once at construction"). Field names the offending
// Context field; it is never returned once a Processor has started.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return "reactor: invalid " + e.Field + ": " + e.Reason
}

// NewContext applies opts over a Context named name, fills in defaults,
// and validates the result. An error is always a *ConfigError.
func NewContext(name string, opts ...Option) (*Context, error) {
	c := &Context{Name: name}
	for _, opt := range opts {
		opt(c)
	}
	c.initDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// validate rejects negative durations and sizes that initDefaults left
// untouched (it only defaults zeros, so a negative value supplied by a
// caller survives to here) and a heartbeat timeout that could never
// fire before the next heartbeat is due.
func (c *Context) validate() error {
	switch {
	case c.RingBufferSize < 0:
		return &ConfigError{Field: "RingBufferSize", Reason: "must not be negative"}
	case c.PublicationRetryInterval < 0:
		return &ConfigError{Field: "PublicationRetryInterval", Reason: "must not be negative"}
	case c.LingerTimeout < 0:
		return &ConfigError{Field: "LingerTimeout", Reason: "must not be negative"}
	case c.HeartbeatInterval < 0:
		return &ConfigError{Field: "HeartbeatInterval", Reason: "must not be negative"}
	case c.HeartbeatTimeout < 0:
		return &ConfigError{Field: "HeartbeatTimeout", Reason: "must not be negative"}
	case c.HeartbeatTimeout <= c.HeartbeatInterval:
		return &ConfigError{Field: "HeartbeatTimeout", Reason: "must be greater than HeartbeatInterval"}
	}
	return nil
}

func (c *Context) initDefaults() {
	c.initOnce.Do(func() {
		if c.Name == "" {
			c.Name = "reactor"
		}
		if c.StreamID == 0 {
			c.StreamID = defaultStreamID
		}
		if c.ErrorStreamID == 0 {
			c.ErrorStreamID = defaultErrorStreamID
		}
		if c.ServiceRequestStreamID == 0 {
			c.ServiceRequestStreamID = defaultServiceRequestStreamID
		}
		if c.RingBufferSize == 0 {
			c.RingBufferSize = defaultRingBufferSize
		}
		if c.PublicationRetryInterval == 0 {
			c.PublicationRetryInterval = defaultRetryInterval
		}
		if c.LingerTimeout == 0 {
			c.LingerTimeout = defaultLingerTimeout
		}
		if c.HeartbeatInterval == 0 {
			c.HeartbeatInterval = defaultHeartbeatInterval
		}
		if c.HeartbeatTimeout == 0 {
			c.HeartbeatTimeout = defaultHeartbeatTimeout
		}
		if c.Logger == nil {
			c.Logger = log.Discard
		}
		if c.SenderChannel == "" {
			c.SenderChannel = c.Name
		}
		if c.ReceiverChannel == "" {
			c.ReceiverChannel = c.Name
		}
	})
}
