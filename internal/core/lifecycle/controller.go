// Package lifecycle mounts a canvas session: it loads the session, mirrors the
// remote record stream into the local document and, when the local identity
// hosts the session, writes local edits back.
package lifecycle

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/zeusync/canvassync/internal/core/debounce"
	"github.com/zeusync/canvassync/internal/core/document"
	"github.com/zeusync/canvassync/internal/core/observability/log"
	"github.com/zeusync/canvassync/internal/core/record"
	"github.com/zeusync/canvassync/internal/core/remote"
	"github.com/zeusync/canvassync/internal/core/session"
)

// Config holds lifecycle configuration
type Config struct {
	// Identity of the local user; it hosts sessions it owns.
	Identity string `mapstructure:"identity" yaml:"identity"`

	DebounceInterval time.Duration `mapstructure:"debounce_interval" yaml:"debounce_interval"`
	ReadyTimeout     time.Duration `mapstructure:"ready_timeout" yaml:"ready_timeout"`
	DrainTimeout     time.Duration `mapstructure:"drain_timeout" yaml:"drain_timeout"`
	SubscribeRetry   RetryPolicy   `mapstructure:"subscribe_retry" yaml:"subscribe_retry"`
	WriteRetry       RetryPolicy   `mapstructure:"write_retry" yaml:"write_retry"`

	Clock          clock.Clock        `mapstructure:"-" yaml:"-"`
	OnWriteFailure func(WriteFailure) `mapstructure:"-" yaml:"-"`
	// OnState observes every state transition. It must not call back into
	// the controller.
	OnState func(State) `mapstructure:"-" yaml:"-"`
}

// DefaultConfig returns default lifecycle configuration
func DefaultConfig() Config {
	return Config{
		DebounceInterval: debounce.DefaultInterval,
		ReadyTimeout:     10 * time.Second,
		DrainTimeout:     5 * time.Second,
		SubscribeRetry:   DefaultRetryPolicy(),
		WriteRetry:       DefaultRetryPolicy(),
	}
}

// Controller owns at most one mounted session at a time.
type Controller struct {
	config  Config
	loader  *session.Loader
	channel remote.Channel
	store   *document.Store
	logger  log.Log

	mountMu sync.Mutex
	closed  bool

	mu      sync.Mutex
	current *Mount
	state   State
}

func NewController(config Config, getter session.Getter, channel remote.Channel, store *document.Store, logger log.Log) *Controller {
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = debounce.DefaultInterval
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = DefaultConfig().DrainTimeout
	}
	return &Controller{
		config:  config,
		loader:  session.NewLoader(getter, logger),
		channel: channel,
		store:   store,
		logger:  logger.With(log.String("component", "lifecycle"), log.String("identity", config.Identity)),
	}
}

// Mount switches the controller to sessionID. The previous session is torn
// down completely before the new one starts. Mounting the current session
// again is a no-op unless that mount failed, in which case it is replaced.
// An empty id only unmounts.
func (c *Controller) Mount(sessionID string) *Mount {
	c.mountMu.Lock()
	defer c.mountMu.Unlock()
	if c.closed {
		return nil
	}

	c.mu.Lock()
	prev := c.current
	c.mu.Unlock()
	if prev != nil && prev.sessionID == sessionID && prev.healthy() {
		return prev
	}
	if prev != nil {
		prev.teardown()
		c.clearMirror(prev.sessionID)
	}

	c.mu.Lock()
	c.current = nil
	c.state = State{SessionID: sessionID}
	c.mu.Unlock()
	if sessionID == "" {
		c.publish()
		return nil
	}

	m := newMount(c, sessionID)
	c.mu.Lock()
	c.current = m
	c.mu.Unlock()
	m.start()
	return m
}

// Unmount tears down the current session, if any.
func (c *Controller) Unmount() {
	c.Mount("")
}

// Close unmounts and rejects further mounts.
func (c *Controller) Close() error {
	c.Unmount()
	c.mountMu.Lock()
	defer c.mountMu.Unlock()
	if c.closed {
		return ErrControllerClosed
	}
	c.closed = true
	return nil
}

// Current returns the mounted session, or nil.
func (c *Controller) Current() *Mount {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state
	s.IsLoading = c.loader.IsLoading()
	return s
}

// update applies fn to the state if m is still mounted.
func (c *Controller) update(m *Mount, fn func(*State)) {
	c.mu.Lock()
	if c.current != m {
		c.mu.Unlock()
		return
	}
	fn(&c.state)
	c.mu.Unlock()
	c.publish()
}

func (c *Controller) publish() {
	if c.config.OnState != nil {
		c.config.OnState(c.State())
	}
}

// clearMirror removes the records mirrored for a session that is no longer
// mounted. Removals carry remote origin and are never written back.
func (c *Controller) clearMirror(sessionID string) {
	all := c.store.All()
	if len(all) == 0 {
		return
	}
	ids := make([]record.ID, 0, len(all))
	for _, rec := range all {
		ids = append(ids, rec.ID)
	}
	n := c.store.Remove(ids...)
	c.logger.Debug("Cleared mirrored records", log.String("session_id", sessionID), log.Int("count", n))
}
