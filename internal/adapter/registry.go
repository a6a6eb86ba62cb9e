package adapter

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/time/rate"
)

// Registry maps destination ids to publishers. It is populated at startup
// and read-only afterwards from the dispatch path's point of view.
type Registry struct {
	mu   sync.RWMutex
	pubs map[string]Publisher
}

func NewRegistry() *Registry {
	return &Registry{pubs: map[string]Publisher{}}
}

// Register binds a destination id to a publisher. A RatePerSec > 0 wraps the
// publisher so bursts of due posts cannot trip the destination's rate limits.
func (r *Registry) Register(id string, pub Publisher, ratePerSec float64) {
	if id == "" || pub == nil {
		return
	}
	if ratePerSec > 0 {
		pub = &limitedPublisher{
			pub: pub,
			lim: rate.NewLimiter(rate.Limit(ratePerSec), 1),
		}
	}
	r.mu.Lock()
	r.pubs[id] = pub
	r.mu.Unlock()
}

// Lookup returns the publisher for a destination id.
func (r *Registry) Lookup(id string) (Publisher, bool) {
	r.mu.RLock()
	pub, ok := r.pubs[id]
	r.mu.RUnlock()
	return pub, ok
}

// Destinations returns the registered destination ids, sorted.
func (r *Registry) Destinations() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.pubs))
	for id := range r.pubs {
		out = append(out, id)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// limitedPublisher blocks on the limiter before delegating. Limiter waits
// are interruptible via ctx and surface as transient failures.
type limitedPublisher struct {
	pub Publisher
	lim *rate.Limiter
}

func (p *limitedPublisher) Publish(ctx context.Context, content string) (string, error) {
	if err := p.lim.Wait(ctx); err != nil {
		return "", Transient(err)
	}
	return p.pub.Publish(ctx, content)
}
