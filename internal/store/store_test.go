package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"postq/internal/post"
	"postq/pkg/logx"
)

// both drivers must satisfy identical semantics; every test runs against each.
func eachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		t.Parallel()
		fn(t, NewMemory())
	})
	t.Run("sqlite", func(t *testing.T) {
		t.Parallel()
		s, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "posts.db")}, logx.Nop())
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		fn(t, s)
	})
}

func newTestPost(id string, state post.State, due time.Time) *post.Post {
	return &post.Post{
		ID:           id,
		Content:      "content for " + id,
		Destinations: []string{"dest-a", "dest-b"},
		State:        state,
		DueAt:        due,
		CreatedAt:    due.Add(-time.Minute),
	}
}

func TestCreateAndGetPost(t *testing.T) {
	t.Parallel()
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		due := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

		p := newTestPost("p1", post.StateScheduled, due)
		if err := s.CreatePost(ctx, p); err != nil {
			t.Fatal(err)
		}
		if err := s.CreatePost(ctx, p); err == nil {
			t.Error("duplicate id accepted")
		}

		got, err := s.GetPost(ctx, "p1")
		if err != nil {
			t.Fatal(err)
		}
		if got.State != post.StateScheduled || !got.DueAt.Equal(due) {
			t.Errorf("got state=%s due=%v", got.State, got.DueAt)
		}
		if len(got.Destinations) != 2 {
			t.Errorf("destinations = %v", got.Destinations)
		}

		if _, err := s.GetPost(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("missing post: err = %v, want ErrNotFound", err)
		}

		bad := newTestPost("p2", post.StateScheduled, due)
		bad.Destinations = nil
		if err := s.CreatePost(ctx, bad); !errors.Is(err, post.ErrEmptyDestinations) {
			t.Errorf("empty destinations: err = %v", err)
		}
	})
}

func TestTransitionConditional(t *testing.T) {
	t.Parallel()
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

		if err := s.CreatePost(ctx, newTestPost("p1", post.StateScheduled, now)); err != nil {
			t.Fatal(err)
		}

		if err := s.Transition(ctx, "p1", post.StateScheduled, post.StateDispatching, now); err != nil {
			t.Fatalf("claim: %v", err)
		}
		// Second claim against the same expected state loses.
		if err := s.Transition(ctx, "p1", post.StateScheduled, post.StateDispatching, now); !errors.Is(err, ErrConflict) {
			t.Errorf("stale claim: err = %v, want ErrConflict", err)
		}
		// Illegal edges are rejected regardless of current state.
		if err := s.Transition(ctx, "p1", post.StateDispatching, post.StateDraft, now); err == nil {
			t.Error("illegal transition accepted")
		}
		if err := s.Transition(ctx, "missing", post.StateScheduled, post.StateDispatching, now); !errors.Is(err, ErrNotFound) {
			t.Errorf("missing post: err = %v, want ErrNotFound", err)
		}

		if err := s.Transition(ctx, "p1", post.StateDispatching, post.StateDelivered, now.Add(time.Second)); err != nil {
			t.Fatal(err)
		}
		got, _ := s.GetPost(ctx, "p1")
		if got.State != post.StateDelivered {
			t.Errorf("state = %s, want delivered", got.State)
		}
	})
}

func TestClaimRace(t *testing.T) {
	t.Parallel()
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()

		if err := s.CreatePost(ctx, newTestPost("contested", post.StateScheduled, now)); err != nil {
			t.Fatal(err)
		}

		const workers = 16
		var wg sync.WaitGroup
		var mu sync.Mutex
		won := 0
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := s.Transition(ctx, "contested", post.StateScheduled, post.StateDispatching, now)
				switch {
				case err == nil:
					mu.Lock()
					won++
					mu.Unlock()
				case errors.Is(err, ErrConflict):
				default:
					t.Errorf("unexpected claim error: %v", err)
				}
			}()
		}
		wg.Wait()

		if won != 1 {
			t.Fatalf("%d workers won the claim, want exactly 1", won)
		}
	})
}

func TestRescheduleReclaim(t *testing.T) {
	t.Parallel()
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

		if err := s.CreatePost(ctx, newTestPost("p1", post.StateScheduled, now)); err != nil {
			t.Fatal(err)
		}
		// Reschedule only applies to dispatching rows.
		if err := s.Reschedule(ctx, "p1", now, now); !errors.Is(err, ErrConflict) {
			t.Errorf("reschedule scheduled post: err = %v, want ErrConflict", err)
		}

		if err := s.Transition(ctx, "p1", post.StateScheduled, post.StateDispatching, now); err != nil {
			t.Fatal(err)
		}
		retryAt := now.Add(2 * time.Minute)
		if err := s.Reschedule(ctx, "p1", retryAt, now.Add(time.Second)); err != nil {
			t.Fatal(err)
		}

		got, _ := s.GetPost(ctx, "p1")
		if got.State != post.StateScheduled || !got.DueAt.Equal(retryAt) {
			t.Errorf("after reschedule: state=%s due=%v, want scheduled at %v", got.State, got.DueAt, retryAt)
		}
	})
}

func TestCancelSemantics(t *testing.T) {
	t.Parallel()
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

		if err := s.CreatePost(ctx, newTestPost("sched", post.StateScheduled, now)); err != nil {
			t.Fatal(err)
		}
		if err := s.Cancel(ctx, "sched", now); err != nil {
			t.Fatalf("cancel scheduled: %v", err)
		}
		got, _ := s.GetPost(ctx, "sched")
		if got.State != post.StateCancelled {
			t.Errorf("state = %s, want cancelled", got.State)
		}
		if err := s.Cancel(ctx, "sched", now); !errors.Is(err, ErrAlreadyTerminal) {
			t.Errorf("cancel cancelled: err = %v, want ErrAlreadyTerminal", err)
		}

		if err := s.CreatePost(ctx, newTestPost("busy", post.StateScheduled, now)); err != nil {
			t.Fatal(err)
		}
		if err := s.Transition(ctx, "busy", post.StateScheduled, post.StateDispatching, now); err != nil {
			t.Fatal(err)
		}
		if err := s.Cancel(ctx, "busy", now); !errors.Is(err, ErrDispatchInProgress) {
			t.Errorf("cancel dispatching: err = %v, want ErrDispatchInProgress", err)
		}

		if err := s.Cancel(ctx, "missing", now); !errors.Is(err, ErrNotFound) {
			t.Errorf("cancel missing: err = %v, want ErrNotFound", err)
		}
	})
}

func TestFindDue(t *testing.T) {
	t.Parallel()
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

		for _, p := range []*post.Post{
			newTestPost("late", post.StateScheduled, now.Add(-2*time.Hour)),
			newTestPost("due", post.StateScheduled, now),
			newTestPost("future", post.StateScheduled, now.Add(time.Hour)),
			newTestPost("claimed", post.StateDispatching, now.Add(-time.Hour)),
		} {
			if err := s.CreatePost(ctx, p); err != nil {
				t.Fatal(err)
			}
		}

		due, err := s.FindDue(ctx, now, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(due) != 2 || due[0].ID != "late" || due[1].ID != "due" {
			t.Fatalf("FindDue = %v, want [late due] in due order", ids(due))
		}

		one, err := s.FindDue(ctx, now, 1)
		if err != nil {
			t.Fatal(err)
		}
		if len(one) != 1 || one[0].ID != "late" {
			t.Errorf("FindDue limit=1 = %v, want [late]", ids(one))
		}
	})
}

func TestFindStaleDispatching(t *testing.T) {
	t.Parallel()
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

		for _, p := range []*post.Post{
			newTestPost("stale", post.StateScheduled, now.Add(-time.Hour)),
			newTestPost("fresh", post.StateScheduled, now.Add(-time.Hour)),
		} {
			if err := s.CreatePost(ctx, p); err != nil {
				t.Fatal(err)
			}
		}
		if err := s.Transition(ctx, "stale", post.StateScheduled, post.StateDispatching, now.Add(-10*time.Minute)); err != nil {
			t.Fatal(err)
		}
		if err := s.Transition(ctx, "fresh", post.StateScheduled, post.StateDispatching, now.Add(-10*time.Second)); err != nil {
			t.Fatal(err)
		}

		got, err := s.FindStaleDispatching(ctx, now.Add(-2*time.Minute))
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 || got[0].ID != "stale" {
			t.Errorf("stale = %v, want [stale]", ids(got))
		}
	})
}

func TestAttemptsAppendOnly(t *testing.T) {
	t.Parallel()
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

		if err := s.CreatePost(ctx, newTestPost("p1", post.StateScheduled, now)); err != nil {
			t.Fatal(err)
		}

		attempts := []post.DeliveryAttempt{
			{PostID: "p1", Destination: "dest-b", AttemptNumber: 1, Outcome: post.OutcomeTransientFailure, Reason: "timeout", AttemptedAt: now},
			{PostID: "p1", Destination: "dest-a", AttemptNumber: 1, Outcome: post.OutcomeSuccess, ExternalID: "msg-1", AttemptedAt: now},
			{PostID: "p1", Destination: "dest-b", AttemptNumber: 2, Outcome: post.OutcomeSuccess, ExternalID: "msg-2", AttemptedAt: now.Add(time.Minute)},
		}
		for _, a := range attempts {
			if err := s.AppendAttempt(ctx, a); err != nil {
				t.Fatal(err)
			}
		}
		// Duplicate (post, destination, attempt) is an insert violation.
		if err := s.AppendAttempt(ctx, attempts[0]); err == nil {
			t.Error("duplicate attempt accepted")
		}

		got, err := s.AttemptsFor(ctx, "p1")
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 3 {
			t.Fatalf("got %d attempts, want 3", len(got))
		}
		// Ordered by destination then attempt number.
		if got[0].Destination != "dest-a" || got[1].AttemptNumber != 1 || got[2].AttemptNumber != 2 {
			t.Errorf("attempt order wrong: %+v", got)
		}
		if got[0].ExternalID != "msg-1" || got[1].Reason != "timeout" {
			t.Errorf("attempt fields lost: %+v", got)
		}
	})
}

func TestMaterializeInstancesIdempotent(t *testing.T) {
	t.Parallel()
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		t0 := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

		rec := &post.Recurrence{
			ID:             "r1",
			Content:        "daily update",
			Destinations:   []string{"dest-a"},
			Rule:           "every:1h",
			Start:          t0,
			MaterializedTo: t0,
			CreatedAt:      t0,
		}
		if err := s.CreateRecurrence(ctx, rec); err != nil {
			t.Fatal(err)
		}

		mkInstance := func(id string, due time.Time) post.Post {
			return post.Post{
				ID: id, Content: rec.Content, Destinations: rec.Destinations,
				State: post.StateScheduled, DueAt: due,
				ParentRecurrenceID: rec.ID, CreatedAt: t0,
			}
		}
		batch := []post.Post{
			mkInstance("i1", t0.Add(time.Hour)),
			mkInstance("i2", t0.Add(2*time.Hour)),
		}
		horizon := t0.Add(2 * time.Hour)

		if err := s.MaterializeInstances(ctx, "r1", batch, horizon); err != nil {
			t.Fatal(err)
		}
		// A crash-replay of the same batch creates nothing new.
		if err := s.MaterializeInstances(ctx, "r1", batch, horizon); err != nil {
			t.Fatal(err)
		}

		posts, err := s.ListPosts(ctx, Filter{})
		if err != nil {
			t.Fatal(err)
		}
		if len(posts) != 2 {
			t.Fatalf("got %d posts after replay, want 2", len(posts))
		}

		got, err := s.GetRecurrence(ctx, "r1")
		if err != nil {
			t.Fatal(err)
		}
		if !got.MaterializedTo.Equal(horizon) {
			t.Errorf("horizon = %v, want %v", got.MaterializedTo, horizon)
		}

		// Horizon only moves forward.
		if err := s.MaterializeInstances(ctx, "r1", nil, t0); err != nil {
			t.Fatal(err)
		}
		got, _ = s.GetRecurrence(ctx, "r1")
		if !got.MaterializedTo.Equal(horizon) {
			t.Errorf("horizon regressed to %v", got.MaterializedTo)
		}
	})
}

func TestActiveRecurrences(t *testing.T) {
	t.Parallel()
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		t0 := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
		target := t0.Add(time.Hour)

		mk := func(id string, materializedTo, end time.Time, cancelled bool) *post.Recurrence {
			return &post.Recurrence{
				ID: id, Content: "c", Destinations: []string{"d"}, Rule: "every:1h",
				Start: t0, End: end, MaterializedTo: materializedTo,
				Cancelled: cancelled, CreatedAt: t0,
			}
		}
		for _, r := range []*post.Recurrence{
			mk("behind", t0, time.Time{}, false),
			mk("caught-up", target.Add(time.Hour), time.Time{}, false),
			mk("cancelled", t0, time.Time{}, true),
			mk("ended", t0, t0.Add(-time.Hour), false),
		} {
			if err := s.CreateRecurrence(ctx, r); err != nil {
				t.Fatal(err)
			}
		}

		got, err := s.ActiveRecurrences(ctx, target)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 || got[0].ID != "behind" {
			names := make([]string, len(got))
			for i, r := range got {
				names[i] = r.ID
			}
			t.Errorf("active = %v, want [behind]", names)
		}

		if err := s.CancelRecurrence(ctx, "behind"); err != nil {
			t.Fatal(err)
		}
		got, _ = s.ActiveRecurrences(ctx, target)
		if len(got) != 0 {
			t.Errorf("cancelled recurrence still active")
		}
		if err := s.CancelRecurrence(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("cancel missing recurrence: err = %v, want ErrNotFound", err)
		}
	})
}

func ids(posts []post.Post) []string {
	out := make([]string, len(posts))
	for i, p := range posts {
		out[i] = p.ID
	}
	return out
}
