package scheduler

import (
	"time"

	"postq/internal/dispatch"
)

// Config controls the polling loop and its worker pool.
//
// All fields have working defaults; a zero Config with Enabled=true runs.
type Config struct {
	Enabled bool

	// PollInterval is the fixed tick at which due work is queried.
	PollInterval time.Duration

	Workers   int
	QueueSize int

	// DueBatch caps how many due posts one tick pulls from the store.
	DueBatch int

	// Lookahead is how far past "now" recurring definitions are expanded
	// into concrete instances.
	Lookahead time.Duration

	// StaleAfter is the age at which a Dispatching post counts as abandoned
	// by a crashed worker and is reclaimed. Keep it well above the expected
	// dispatch duration.
	StaleAfter time.Duration

	Retry dispatch.RetryPolicy
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.DueBatch <= 0 {
		c.DueBatch = 32
	}
	if c.Lookahead <= 0 {
		c.Lookahead = time.Hour
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 2 * time.Minute
	}
	return c
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Enabled  bool
	Running  bool
	Workers  int
	QueueLen int
	QueueCap int

	Enqueued  uint64
	Reclaimed uint64
	Expanded  uint64
	Dropped   uint64
}
