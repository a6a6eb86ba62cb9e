package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"postq/internal/post"
	logx "postq/pkg/logx"
)

var (
	// ErrNotFound means no post/recurrence exists with the given id.
	ErrNotFound = errors.New("not found")

	// ErrConflict means a conditional transition lost: the row is not in the
	// expected "from" state. Claim races resolve through this error.
	ErrConflict = errors.New("state conflict")

	// ErrAlreadyTerminal means a cancel arrived after the post reached a
	// terminal state.
	ErrAlreadyTerminal = errors.New("post already terminal")

	// ErrDispatchInProgress means a cancel lost the race against a worker's
	// claim; cancellation never interrupts an in-flight dispatch.
	ErrDispatchInProgress = errors.New("dispatch in progress")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "memory": in-process maps, gone on exit
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Filter narrows ListPosts.
type Filter struct {
	State post.State // empty means any
	From  time.Time  // due-time range, zero means unbounded
	To    time.Time
	Limit int
}

// Store is the persistence contract the scheduler and front end run on.
//
// Transition is the sole mutation path for post state; its conditional
// "from" check is what makes multi-worker claiming safe. AppendAttempt is
// insert-only. MaterializeInstances commits a batch of expanded instances
// and the moved horizon in one transaction, compare-and-swapping the
// horizon so concurrent expanders cannot double-create.
type Store interface {
	CreatePost(ctx context.Context, p *post.Post) error
	GetPost(ctx context.Context, id string) (post.Post, error)
	ListPosts(ctx context.Context, f Filter) ([]post.Post, error)
	FindDue(ctx context.Context, now time.Time, limit int) ([]post.Post, error)
	FindStaleDispatching(ctx context.Context, olderThan time.Time) ([]post.Post, error)
	Transition(ctx context.Context, id string, from, to post.State, at time.Time) error
	Reschedule(ctx context.Context, id string, dueAt, at time.Time) error
	Cancel(ctx context.Context, id string, at time.Time) error

	AppendAttempt(ctx context.Context, a post.DeliveryAttempt) error
	AttemptsFor(ctx context.Context, postID string) ([]post.DeliveryAttempt, error)

	CreateRecurrence(ctx context.Context, r *post.Recurrence) error
	GetRecurrence(ctx context.Context, id string) (post.Recurrence, error)
	ActiveRecurrences(ctx context.Context, horizonBefore time.Time) ([]post.Recurrence, error)
	MaterializeInstances(ctx context.Context, recurrenceID string, instances []post.Post, newHorizon time.Time) error
	CancelRecurrence(ctx context.Context, id string) error

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
