package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"postq/internal/post"
)

// memoryStore keeps everything in mutex-guarded maps. Same semantics as the
// sqlite driver, minus durability; used by tests and as a throwaway driver.
type memoryStore struct {
	mu          sync.Mutex
	posts       map[string]post.Post
	attempts    map[string][]post.DeliveryAttempt
	recurrences map[string]post.Recurrence
}

// NewMemory returns a fresh in-memory store.
func NewMemory() Store {
	return &memoryStore{
		posts:       map[string]post.Post{},
		attempts:    map[string][]post.DeliveryAttempt{},
		recurrences: map[string]post.Recurrence{},
	}
}

func (s *memoryStore) Close() error { return nil }

func (s *memoryStore) CreatePost(_ context.Context, p *post.Post) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.posts[p.ID]; ok {
		return fmt.Errorf("post %s already exists", p.ID)
	}
	s.posts[p.ID] = clonePost(*p)
	return nil
}

func (s *memoryStore) GetPost(_ context.Context, id string) (post.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[id]
	if !ok {
		return post.Post{}, ErrNotFound
	}
	return clonePost(p), nil
}

func (s *memoryStore) ListPosts(_ context.Context, f Filter) ([]post.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []post.Post
	for _, p := range s.posts {
		if f.State != "" && p.State != f.State {
			continue
		}
		if !f.From.IsZero() && p.DueAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && p.DueAt.After(f.To) {
			continue
		}
		out = append(out, clonePost(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *memoryStore) FindDue(_ context.Context, now time.Time, limit int) ([]post.Post, error) {
	if limit <= 0 {
		limit = 32
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []post.Post
	for _, p := range s.posts {
		if p.State == post.StateScheduled && !p.DueAt.IsZero() && !p.DueAt.After(now) {
			out = append(out, clonePost(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) FindStaleDispatching(_ context.Context, olderThan time.Time) ([]post.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []post.Post
	for _, p := range s.posts {
		if p.State == post.StateDispatching && !p.LastTransitionAt.After(olderThan) {
			out = append(out, clonePost(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastTransitionAt.Before(out[j].LastTransitionAt) })
	return out, nil
}

func (s *memoryStore) Transition(_ context.Context, id string, from, to post.State, at time.Time) error {
	if !post.CanTransition(from, to) {
		return fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[id]
	if !ok {
		return ErrNotFound
	}
	if p.State != from {
		return ErrConflict
	}
	p.State = to
	p.LastTransitionAt = at
	s.posts[id] = p
	return nil
}

func (s *memoryStore) Reschedule(_ context.Context, id string, dueAt, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[id]
	if !ok {
		return ErrNotFound
	}
	if p.State != post.StateDispatching {
		return ErrConflict
	}
	p.State = post.StateScheduled
	p.DueAt = dueAt
	p.LastTransitionAt = at
	s.posts[id] = p
	return nil
}

func (s *memoryStore) Cancel(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[id]
	if !ok {
		return ErrNotFound
	}
	switch p.State {
	case post.StateDraft, post.StateScheduled:
		p.State = post.StateCancelled
		p.LastTransitionAt = at
		s.posts[id] = p
		return nil
	case post.StateDispatching:
		return ErrDispatchInProgress
	default:
		return ErrAlreadyTerminal
	}
}

func (s *memoryStore) AppendAttempt(_ context.Context, a post.DeliveryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ex := range s.attempts[a.PostID] {
		if ex.Destination == a.Destination && ex.AttemptNumber == a.AttemptNumber {
			return fmt.Errorf("attempt %d for (%s, %s) already recorded", a.AttemptNumber, a.PostID, a.Destination)
		}
	}
	s.attempts[a.PostID] = append(s.attempts[a.PostID], a)
	return nil
}

func (s *memoryStore) AttemptsFor(_ context.Context, postID string) ([]post.DeliveryAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.attempts[postID]
	out := make([]post.DeliveryAttempt, len(src))
	copy(out, src)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Destination != out[j].Destination {
			return out[i].Destination < out[j].Destination
		}
		return out[i].AttemptNumber < out[j].AttemptNumber
	})
	return out, nil
}

func (s *memoryStore) CreateRecurrence(_ context.Context, r *post.Recurrence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recurrences[r.ID]; ok {
		return fmt.Errorf("recurrence %s already exists", r.ID)
	}
	s.recurrences[r.ID] = cloneRecurrence(*r)
	return nil
}

func (s *memoryStore) GetRecurrence(_ context.Context, id string) (post.Recurrence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recurrences[id]
	if !ok {
		return post.Recurrence{}, ErrNotFound
	}
	return cloneRecurrence(r), nil
}

func (s *memoryStore) ActiveRecurrences(_ context.Context, horizonBefore time.Time) ([]post.Recurrence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []post.Recurrence
	for _, r := range s.recurrences {
		if r.Cancelled || r.Exhausted() {
			continue
		}
		if r.MaterializedTo.Before(horizonBefore) {
			out = append(out, cloneRecurrence(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memoryStore) MaterializeInstances(_ context.Context, recurrenceID string, instances []post.Post, newHorizon time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recurrences[recurrenceID]
	if !ok {
		return ErrNotFound
	}
	for i := range instances {
		p := &instances[i]
		if err := p.Validate(); err != nil {
			return err
		}
		// Deterministic ids: a rerun of the same expansion is a no-op.
		if _, exists := s.posts[p.ID]; exists {
			continue
		}
		s.posts[p.ID] = clonePost(*p)
	}
	if r.MaterializedTo.Before(newHorizon) {
		r.MaterializedTo = newHorizon
		s.recurrences[recurrenceID] = r
	}
	return nil
}

func (s *memoryStore) CancelRecurrence(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recurrences[id]
	if !ok {
		return ErrNotFound
	}
	r.Cancelled = true
	s.recurrences[id] = r
	return nil
}

func clonePost(p post.Post) post.Post {
	p.Destinations = append([]string(nil), p.Destinations...)
	return p
}

func cloneRecurrence(r post.Recurrence) post.Recurrence {
	r.Destinations = append([]string(nil), r.Destinations...)
	return r
}
