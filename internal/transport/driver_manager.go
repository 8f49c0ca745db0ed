package transport

import (
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/bhdrk/reactor-ipc/internal/rserr"
	"github.com/bhdrk/reactor-ipc/log"
)

// DriverState is the Driver Manager's lifecycle state (spec §4.2).
type DriverState int

const (
	NotStarted DriverState = iota
	Started
	ShuttingDown
)

func (s DriverState) String() string {
	switch s {
	case Started:
		return "started"
	case ShuttingDown:
		return "shutting-down"
	default:
		return "not-started"
	}
}

// Factory constructs a fresh Transport when the Driver Manager needs to
// launch one. Tests inject a Memory-backed factory; production callers
// use NewEmbedded.
type Factory func() (Transport, error)

// ErrManagerShuttingDown is returned by Acquire when the manager is in
// the ShuttingDown state (spec §4.2). Release never returns it: a
// Release that arrives while the manager is not Started is a silent
// no-op (see Release).
var ErrManagerShuttingDown = rserr.ErrManagerShuttingDown

// Manager is a process-wide-shareable, refcounted handle on one
// embedded transport instance (spec §4.2 DriverHandle/Driver Manager).
// Unlike the teacher's muxado package, which has no equivalent
// singleton, this is grounded on tunnel/client's reconnectingSession
// state machine (backoff-driven retry loop, spec §9's call for an
// injectable rather than global instance) and on shutdown.go's
// single-shot Do/Shut gate for idempotent teardown.
type Manager struct {
	mu sync.Mutex

	factory Factory
	logger  log.Logger

	state    DriverState
	refcount int
	driver   Transport

	retryInterval   time.Duration
	shutdownTimeout time.Duration

	// shutdownGen increments every time a new shutdown attempt starts,
	// letting a stale retry goroutine notice it's been superseded (e.g.
	// a new Acquire raced the ShuttingDown -> NotStarted transition).
	shutdownGen int
}

// NewManager returns a fresh, independent Driver Manager. Production
// code may keep one process-wide instance (see Default); tests always
// construct their own so driver lifetime assertions don't leak across
// cases (spec §9).
func NewManager(factory Factory, logger log.Logger, retryInterval, shutdownTimeout time.Duration) *Manager {
	if logger == nil {
		logger = log.Discard
	}
	if retryInterval <= 0 {
		retryInterval = 50 * time.Millisecond
	}
	if shutdownTimeout <= 0 {
		shutdownTimeout = 5 * time.Second
	}
	return &Manager{
		factory:         factory,
		logger:          logger,
		retryInterval:   retryInterval,
		shutdownTimeout: shutdownTimeout,
	}
}

var (
	defaultOnce    sync.Once
	defaultManager *Manager
)

// Default returns the process-wide Driver Manager used by Processors
// that don't need an isolated instance, launching a yamux-backed
// Embedded transport on demand.
func Default() *Manager {
	defaultOnce.Do(func() {
		defaultManager = NewManager(func() (Transport, error) {
			return NewEmbedded()
		}, log.Discard, 50*time.Millisecond, 5*time.Second)
	})
	return defaultManager
}

// Acquire increments the refcount, starting the underlying driver on
// the first call (spec §4.2). It fails with ErrManagerShuttingDown if a
// shutdown is currently in progress — callers that raced a release to
// zero should retry their Acquire rather than be handed a driver that's
// about to disappear.
func (m *Manager) Acquire() (Transport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == ShuttingDown {
		return nil, ErrManagerShuttingDown
	}

	if m.state == NotStarted {
		d, err := m.factory()
		if err != nil {
			return nil, err
		}
		m.driver = d
		m.state = Started
		m.logger.Log(log.LogLevelInfo, "driver started", nil)
	}

	m.refcount++
	return m.driver, nil
}

// Release decrements the refcount. When it reaches zero the manager
// transitions to ShuttingDown and begins the bounded shutdown retry
// loop described in spec §4.2.
func (m *Manager) Release() {
	m.mu.Lock()
	if m.state != Started {
		// Already shutting down or never started: nothing to do. This
		// is the race the spec's Open Question calls out — we resolve
		// it by making a Release outside Started a silent no-op instead
		// of re-entering the shutdown sequence or panicking.
		m.mu.Unlock()
		return
	}
	m.refcount--
	if m.refcount > 0 {
		m.mu.Unlock()
		return
	}
	m.refcount = 0
	m.state = ShuttingDown
	m.shutdownGen++
	gen := m.shutdownGen
	driver := m.driver
	m.mu.Unlock()

	go m.shutdownLoop(gen, driver)
}

// RefCount reports the current refcount, for tests and diagnostics.
func (m *Manager) RefCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refcount
}

// State reports the current lifecycle state.
func (m *Manager) State() DriverState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// shutdownLoop polls counters every retryInterval; once no "sender
// pos"/"subscriber pos" counters remain (or shutdownTimeout elapses,
// whichever first) it force-shuts the driver down (spec §4.2). Nothing
// is closed before that point: the driver is closed as a whole, once,
// by forceShutdown. Forcing shutdown while
// publications still have active positions risks a crash in a real
// Aeron media driver; that's the reason for the poll-then-force
// sequence rather than an immediate close.
func (m *Manager) shutdownLoop(gen int, driver Transport) {
	deadline := time.Now().Add(m.shutdownTimeout)
	boff := &backoff.Backoff{
		Min:    m.retryInterval,
		Max:    m.retryInterval,
		Factor: 1,
	}

	for {
		if m.superseded(gen) {
			return
		}
		if !hasActivePositions(driver.Counters()) || time.Now().After(deadline) {
			m.forceShutdown(gen, driver)
			return
		}
		time.Sleep(boff.Duration())
	}
}

func hasActivePositions(c Counters) bool {
	active := false
	c.ForEach(func(_ uint32, label string) {
		if hasPrefix(label, "sender pos") || hasPrefix(label, "subscriber pos") {
			active = true
		}
	})
	return active
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func (m *Manager) superseded(gen int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen != m.shutdownGen
}

func (m *Manager) forceShutdown(gen int, driver Transport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.shutdownGen {
		return
	}
	_ = driver.Close()
	m.driver = nil
	m.state = NotStarted
	m.logger.Log(log.LogLevelInfo, "driver stopped", nil)
}
