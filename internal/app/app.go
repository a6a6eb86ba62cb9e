// Package app wires configuration, storage, adapters, the dispatcher and
// the scheduler together, and exposes the operations the front end calls.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"postq/internal/adapter"
	"postq/internal/config"
	"postq/internal/dispatch"
	"postq/internal/eventbus"
	"postq/internal/post"
	"postq/internal/recurrence"
	"postq/internal/scheduler"
	"postq/internal/store"
	logx "postq/pkg/logx"
)

// ErrInvalidSchedule rejects malformed creation requests (empty destination
// set, unparseable rule, missing due time) before anything enters the store.
var ErrInvalidSchedule = errors.New("invalid schedule")

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger
	bus    eventbus.Bus

	store store.Store
	reg   *adapter.Registry
	sched *scheduler.Service
}

// New loads the config file and builds the full object graph. An unreachable
// store is fatal here; everything after startup degrades per post instead.
func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logConfig(cfg))
	mgr.SetLogger(log.With(logx.String("comp", "config")))

	st, err := store.Open(storeConfig(cfg), log.With(logx.String("comp", "store")))
	if err != nil {
		logSvc.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}

	reg, err := buildRegistry(cfg, log)
	if err != nil {
		st.Close()
		logSvc.Close()
		return nil, err
	}

	schedCfg, err := schedulerConfig(cfg)
	if err != nil {
		st.Close()
		logSvc.Close()
		return nil, err
	}

	bus := eventbus.New()
	disp := dispatch.New(st, reg, schedCfg.Retry, log.With(logx.String("comp", "dispatch")), bus)
	sched := scheduler.New(schedCfg, st, disp, log.With(logx.String("comp", "scheduler")), bus)

	mgr.SetValidator(func(_ context.Context, c *config.Config) error {
		_, err := schedulerConfig(c)
		return err
	})

	return &App{
		cfgMgr: mgr,
		logSvc: logSvc,
		log:    log,
		bus:    bus,
		store:  st,
		reg:    reg,
		sched:  sched,
	}, nil
}

func (a *App) Log() logx.Logger              { return a.log }
func (a *App) Bus() eventbus.Bus             { return a.bus }
func (a *App) Store() store.Store            { return a.store }
func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Start runs the scheduler and the config watcher until ctx ends.
func (a *App) Start(ctx context.Context) {
	a.sched.Start(ctx)

	updates := a.cfgMgr.Subscribe(1)
	go func() {
		if err := a.cfgMgr.Watch(ctx); err != nil {
			a.log.Warn("config watch unavailable", logx.Err(err))
		}
	}()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case cfg := <-updates:
				a.applyConfig(ctx, cfg)
			}
		}
	}()
}

func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	a.logSvc.Apply(logConfig(cfg))
	schedCfg, err := schedulerConfig(cfg)
	if err != nil {
		// The validator already rejected this; belt and braces.
		a.log.Warn("config update not applied", logx.Err(err))
		return
	}
	a.sched.Apply(ctx, schedCfg)
	a.log.Info("config applied")
}

func (a *App) Stop(ctx context.Context) {
	a.sched.Stop(ctx)
	if err := a.store.Close(); err != nil {
		a.log.Warn("store close failed", logx.Err(err))
	}
	_ = a.logSvc.Close()
}

// Schedule is the front end's schedule request: exactly one of Now, At or
// Rule is set. Start/End only apply to recurring rules.
type Schedule struct {
	Now  bool
	At   time.Time
	Rule string

	Start time.Time
	End   time.Time
}

// CreatePost creates either a concrete scheduled post or a recurring
// definition, returning its id. Configuration errors are rejected here and
// never enter the store.
func (a *App) CreatePost(ctx context.Context, content string, destinations []string, sched Schedule) (string, error) {
	if len(destinations) == 0 {
		return "", fmt.Errorf("%w: no destinations", ErrInvalidSchedule)
	}
	for _, d := range destinations {
		if strings.TrimSpace(d) == "" {
			return "", fmt.Errorf("%w: empty destination id", ErrInvalidSchedule)
		}
	}
	now := time.Now()

	if sched.Rule != "" {
		if sched.Now || !sched.At.IsZero() {
			return "", fmt.Errorf("%w: recurring rule excludes --now/--at", ErrInvalidSchedule)
		}
		if _, err := recurrence.ParseRule(sched.Rule); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
		}
		start := sched.Start
		if start.IsZero() {
			start = now
		}
		if !sched.End.IsZero() && !sched.End.After(start) {
			return "", fmt.Errorf("%w: end is not after start", ErrInvalidSchedule)
		}
		rec := post.Recurrence{
			ID:             uuid.NewString(),
			Content:        content,
			Destinations:   destinations,
			Rule:           sched.Rule,
			Start:          start,
			End:            sched.End,
			MaterializedTo: start,
			CreatedAt:      now,
		}
		if err := a.store.CreateRecurrence(ctx, &rec); err != nil {
			return "", err
		}
		a.log.Info("recurrence created", logx.String("id", rec.ID), logx.String("rule", rec.Rule))
		return rec.ID, nil
	}

	due := sched.At
	if sched.Now {
		due = now
	}
	if due.IsZero() {
		return "", fmt.Errorf("%w: specify --now, --at or a recurrence rule", ErrInvalidSchedule)
	}

	p := post.Post{
		ID:               uuid.NewString(),
		Content:          content,
		Destinations:     destinations,
		State:            post.StateScheduled,
		DueAt:            due,
		CreatedAt:        now,
		LastTransitionAt: now,
	}
	if err := a.store.CreatePost(ctx, &p); err != nil {
		return "", err
	}
	a.log.Info("post scheduled", logx.String("id", p.ID), logx.Time("due", due))
	return p.ID, nil
}

// CancelPost cancels a post or recurring definition by id.
//
// Returns store.ErrDispatchInProgress when the cancel lost the race against
// a worker's claim and store.ErrAlreadyTerminal when the post already
// finished; both leave state unchanged.
func (a *App) CancelPost(ctx context.Context, id string) error {
	err := a.store.Cancel(ctx, id, time.Now())
	if errors.Is(err, store.ErrNotFound) {
		// Maybe it's a recurring definition.
		if rerr := a.store.CancelRecurrence(ctx, id); rerr == nil {
			return nil
		}
		return err
	}
	return err
}

// ListPosts returns post summaries matching the filter.
func (a *App) ListPosts(ctx context.Context, f store.Filter) ([]post.Post, error) {
	return a.store.ListPosts(ctx, f)
}

// PostStatus returns a post together with all its delivery attempts.
func (a *App) PostStatus(ctx context.Context, id string) (post.Post, []post.DeliveryAttempt, error) {
	p, err := a.store.GetPost(ctx, id)
	if err != nil {
		return post.Post{}, nil, err
	}
	attempts, err := a.store.AttemptsFor(ctx, id)
	if err != nil {
		return post.Post{}, nil, err
	}
	return p, attempts, nil
}
