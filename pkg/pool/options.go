package pool

import (
	"time"

	"github.com/benchwork/benchwork/pkg/core"
)

// Defaults applied by New when an option does not override them.
const (
	DefaultPollInterval      = 100 * time.Millisecond
	DefaultLockTTL           = 5 * time.Minute
	DefaultHeartbeatInterval = time.Minute
	DefaultUnitTimeout       = time.Hour
	DefaultRetryBaseDelay    = time.Second
	DefaultRetryMaxDelay     = time.Minute
	DefaultDrainTimeout      = 30 * time.Second
)

// DefaultSlots is the slot layout used when none is configured.
var DefaultSlots = map[core.ResourceClass]int{
	core.ClassLight: 4,
	core.ClassHeavy: 2,
}

// Config holds pool tuning knobs.
type Config struct {
	// Slots is the number of concurrent slots per resource class.
	Slots map[core.ResourceClass]int

	// PollInterval is how often an idle slot asks for work.
	PollInterval time.Duration

	// LockTTL is the ownership window a claim takes; heartbeats extend it.
	LockTTL time.Duration

	// HeartbeatInterval is how often a busy slot extends its lock.
	HeartbeatInterval time.Duration

	// KindTimeouts caps a single execution's wall-clock time per work kind.
	// Kinds without an entry get DefaultUnitTimeout.
	KindTimeouts map[core.WorkKind]time.Duration

	// RetryBaseDelay and RetryMaxDelay shape the exponential backoff applied
	// when a retryable failure is re-enqueued.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// DrainTimeout bounds how long Start waits for busy slots after its
	// context ends.
	DrainTimeout time.Duration
}

// Option configures a Pool.
type Option interface {
	ApplyPool(*Config)
}

type optionFunc func(*Config)

func (f optionFunc) ApplyPool(c *Config) { f(c) }

// Slots sets the number of concurrent slots for one resource class.
func Slots(class core.ResourceClass, n int) Option {
	return optionFunc(func(c *Config) { c.Slots[class] = n })
}

// PollInterval sets how often an idle slot asks for work.
func PollInterval(d time.Duration) Option {
	return optionFunc(func(c *Config) { c.PollInterval = d })
}

// LockTTL sets the ownership window taken by a claim.
func LockTTL(d time.Duration) Option {
	return optionFunc(func(c *Config) { c.LockTTL = d })
}

// HeartbeatInterval sets how often a busy slot extends its lock.
func HeartbeatInterval(d time.Duration) Option {
	return optionFunc(func(c *Config) { c.HeartbeatInterval = d })
}

// KindTimeout caps a single execution's wall-clock time for one work kind.
func KindTimeout(kind core.WorkKind, d time.Duration) Option {
	return optionFunc(func(c *Config) { c.KindTimeouts[kind] = d })
}

// RetryBackoff shapes the delay before a retryable failure runs again. The
// base doubles per attempt and is capped at the ceiling.
func RetryBackoff(base, ceiling time.Duration) Option {
	return optionFunc(func(c *Config) {
		c.RetryBaseDelay = base
		c.RetryMaxDelay = ceiling
	})
}

// DrainTimeout bounds how long Start waits for busy slots after its context
// ends.
func DrainTimeout(d time.Duration) Option {
	return optionFunc(func(c *Config) { c.DrainTimeout = d })
}
