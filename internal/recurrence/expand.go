package recurrence

import "time"

// MaxBatch bounds a single expansion batch so an interval of 1m against a
// long window cannot materialize an unbounded slice. A truncated batch must
// not advance the caller's horizon past its last returned due-time.
const MaxBatch = 512

// Next returns the first due-time strictly after `after` implied by the rule
// anchored at `start`. Interval rules fire at start + k*Every for k >= 1;
// weekly rules fire at their weekday/time-of-day slots at or after start.
// Returns the zero time when the rule can produce nothing after `after`.
func (r Rule) Next(after, start time.Time) time.Time {
	switch r.Kind {
	case KindInterval:
		if r.Every <= 0 {
			return time.Time{}
		}
		if after.Before(start) {
			return start.Add(r.Every)
		}
		k := after.Sub(start)/r.Every + 1
		return start.Add(time.Duration(k) * r.Every)

	case KindWeekly:
		// Occurrences at start itself are valid, so never probe before
		// one tick ahead of start.
		if floor := start.Add(-time.Nanosecond); after.Before(floor) {
			after = floor
		}
		var best time.Time
		for _, sched := range r.schedules {
			n := sched.Next(after)
			if n.IsZero() {
				continue
			}
			if best.IsZero() || n.Before(best) {
				best = n
			}
		}
		return best
	}
	return time.Time{}
}

// Expand returns the ordered due-times the rule implies within
// [windowStart, windowEnd], strictly greater than materializedTo and, when
// end is non-zero, not after end.
//
// The result is deterministic and idempotent: identical arguments always
// produce identical sequences, so re-running expansion after a crash never
// invents new due-times below a recorded horizon.
func Expand(rule Rule, start, end, windowStart, windowEnd, materializedTo time.Time, limit int) []time.Time {
	if limit <= 0 || limit > MaxBatch {
		limit = MaxBatch
	}
	if windowEnd.Before(windowStart) {
		return nil
	}
	if !end.IsZero() && end.Before(windowStart) {
		return nil
	}

	// Lower bound: strictly above the horizon, at or above windowStart.
	lower := materializedTo
	if ws := windowStart.Add(-time.Nanosecond); lower.Before(ws) {
		lower = ws
	}

	var out []time.Time
	t := rule.Next(lower, start)
	for !t.IsZero() && !t.After(windowEnd) && len(out) < limit {
		if !end.IsZero() && t.After(end) {
			break
		}
		out = append(out, t)
		t = rule.Next(t, start)
	}
	return out
}
