package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"postq/internal/eventbus"
	"postq/internal/post"
	"postq/internal/recurrence"
	logx "postq/pkg/logx"
)

// instanceNS namespaces deterministic instance ids: the same recurrence and
// due-time always hash to the same post id, so re-running an expansion after
// a crash collides instead of duplicating.
var instanceNS = uuid.MustParse("9c5f1b3a-41d4-4f7e-9a86-2d6f31c7b0e4")

// InstanceID returns the deterministic post id for one occurrence of a
// recurring definition.
func InstanceID(recurrenceID string, due time.Time) string {
	return uuid.NewSHA1(instanceNS, []byte(recurrenceID+"@"+due.UTC().Format(time.RFC3339Nano))).String()
}

// expandRecurrences materializes concrete instances for every recurring
// definition whose horizon lags behind now + lookahead. Instances and the
// moved horizon commit together, so a crash between ticks re-runs the same
// deterministic expansion instead of double-creating.
func (s *Service) expandRecurrences(ctx context.Context, now time.Time) {
	s.mu.Lock()
	lookahead := s.cfg.Lookahead
	s.mu.Unlock()

	target := now.Add(lookahead)
	recs, err := s.store.ActiveRecurrences(ctx, target)
	if err != nil {
		s.log.Warn("recurrence query failed", logx.Err(err))
		return
	}

	for _, r := range recs {
		rule, err := recurrence.ParseRule(r.Rule)
		if err != nil {
			// Rules are validated at creation; a bad row here is corrupt
			// data, not a reason to stall the others.
			s.log.Error("invalid recurrence rule in store",
				logx.String("recurrence", r.ID), logx.Err(err))
			continue
		}

		times := recurrence.Expand(rule, r.Start, r.End, r.Start, target, r.MaterializedTo, 0)

		// A full batch means the window was truncated; committing the full
		// target would skip the occurrences past the cut. Commit only up to
		// the last produced due-time and let the next tick continue.
		horizon := target
		if len(times) == recurrence.MaxBatch {
			horizon = times[len(times)-1]
		}

		instances := make([]post.Post, 0, len(times))
		for _, due := range times {
			instances = append(instances, post.Post{
				ID:                 InstanceID(r.ID, due),
				Content:            r.Content,
				Destinations:       append([]string(nil), r.Destinations...),
				State:              post.StateScheduled,
				DueAt:              due,
				ParentRecurrenceID: r.ID,
				CreatedAt:          now,
				LastTransitionAt:   now,
			})
		}

		// Advance the horizon even when nothing fell in the window, or the
		// definition would be rescanned every tick.
		if err := s.store.MaterializeInstances(ctx, r.ID, instances, horizon); err != nil {
			s.log.Warn("materialize failed", logx.String("recurrence", r.ID), logx.Err(err))
			continue
		}
		if len(instances) > 0 {
			atomic.AddUint64(&s.expanded, uint64(len(instances)))
			s.log.Debug("recurrence expanded",
				logx.String("recurrence", r.ID),
				logx.Int("instances", len(instances)),
				logx.Time("horizon", horizon))
			if s.bus != nil {
				s.bus.Publish(eventbus.Event{Type: "recurrence.expanded", Data: map[string]any{
					"recurrence_id": r.ID,
					"instances":     len(instances),
				}})
			}
		}
	}
}
