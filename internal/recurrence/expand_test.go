package recurrence

import (
	"testing"
	"time"
)

func mustRule(t *testing.T, raw string) Rule {
	t.Helper()
	r, err := ParseRule(raw)
	if err != nil {
		t.Fatalf("ParseRule(%q): %v", raw, err)
	}
	return r
}

func TestExpandHourlyWindow(t *testing.T) {
	t.Parallel()

	rule := mustRule(t, "every:60m")
	t0 := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	// Horizon at t0, window reaching t0+185m: exactly three occurrences.
	got := Expand(rule, t0, time.Time{}, t0, t0.Add(185*time.Minute), t0, 0)
	want := []time.Time{t0.Add(time.Hour), t0.Add(2 * time.Hour), t0.Add(3 * time.Hour)}
	if len(got) != len(want) {
		t.Fatalf("got %d occurrences, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Errorf("occurrence %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestExpandIdempotent(t *testing.T) {
	t.Parallel()

	rule := mustRule(t, "every:30m")
	t0 := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	end := t0.Add(6 * time.Hour)

	first := Expand(rule, t0, end, t0, t0.Add(2*time.Hour), t0, 0)
	if len(first) == 0 {
		t.Fatal("expected occurrences in first pass")
	}

	// Re-running with the horizon advanced to the last produced time
	// yields nothing new inside the same window.
	horizon := first[len(first)-1]
	again := Expand(rule, t0, end, t0, t0.Add(2*time.Hour), horizon, 0)
	if len(again) != 0 {
		t.Errorf("second pass produced %v, want none", again)
	}

	// And the same inputs always produce the same sequence.
	repeat := Expand(rule, t0, end, t0, t0.Add(2*time.Hour), t0, 0)
	if len(repeat) != len(first) {
		t.Fatalf("repeat pass length %d != %d", len(repeat), len(first))
	}
	for i := range first {
		if !repeat[i].Equal(first[i]) {
			t.Errorf("repeat[%d] = %v, want %v", i, repeat[i], first[i])
		}
	}
}

func TestExpandRespectsEnd(t *testing.T) {
	t.Parallel()

	rule := mustRule(t, "every:1h")
	t0 := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	// End inside the window truncates the series.
	got := Expand(rule, t0, t0.Add(90*time.Minute), t0, t0.Add(5*time.Hour), t0, 0)
	if len(got) != 1 || !got[0].Equal(t0.Add(time.Hour)) {
		t.Errorf("got %v, want exactly [%v]", got, t0.Add(time.Hour))
	}

	// End wholly before the window: nothing at all.
	if got := Expand(rule, t0, t0.Add(time.Hour), t0.Add(2*time.Hour), t0.Add(5*time.Hour), t0, 0); len(got) != 0 {
		t.Errorf("ended recurrence produced %v", got)
	}
}

func TestExpandWeekly(t *testing.T) {
	t.Parallel()

	rule := mustRule(t, "days:mon,wed@09:30")
	// Monday 2026-03-02 08:00 UTC.
	start := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	windowEnd := start.AddDate(0, 0, 8)

	got := Expand(rule, start, time.Time{}, start, windowEnd, start, 0)
	want := []time.Time{
		time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC), // Mon
		time.Date(2026, 3, 4, 9, 30, 0, 0, time.UTC), // Wed
		time.Date(2026, 3, 9, 9, 30, 0, 0, time.UTC), // next Mon
	}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Errorf("occurrence %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestExpandWeeklyMultipleTimes(t *testing.T) {
	t.Parallel()

	rule := mustRule(t, "days:tue@09:00,17:30")
	// Tuesday 2026-03-03 00:00 UTC.
	start := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)

	got := Expand(rule, start, time.Time{}, start, start.Add(24*time.Hour), start, 0)
	want := []time.Time{
		time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 3, 17, 30, 0, 0, time.UTC),
	}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Errorf("occurrence %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestExpandMonotonic(t *testing.T) {
	t.Parallel()

	rule := mustRule(t, "days:mon,thu,sat@08:00,20:00")
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	got := Expand(rule, start, time.Time{}, start, start.AddDate(0, 1, 0), start, 0)
	if len(got) < 10 {
		t.Fatalf("expected a month of occurrences, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if !got[i].After(got[i-1]) {
			t.Fatalf("sequence not strictly increasing at %d: %v then %v", i, got[i-1], got[i])
		}
	}
}

func TestExpandLimit(t *testing.T) {
	t.Parallel()

	rule := mustRule(t, "every:1m")
	start := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	got := Expand(rule, start, time.Time{}, start, start.AddDate(0, 0, 7), start, 0)
	if len(got) != MaxBatch {
		t.Errorf("unbounded window produced %d occurrences, want cap %d", len(got), MaxBatch)
	}

	got = Expand(rule, start, time.Time{}, start, start.AddDate(0, 0, 7), start, 10)
	if len(got) != 10 {
		t.Errorf("limit=10 produced %d occurrences", len(got))
	}
}

func TestNextBeforeStart(t *testing.T) {
	t.Parallel()

	rule := mustRule(t, "every:1h")
	start := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	// Probing before the anchor still yields the first post-anchor tick.
	n := rule.Next(start.Add(-48*time.Hour), start)
	if !n.Equal(start.Add(time.Hour)) {
		t.Errorf("Next before start = %v, want %v", n, start.Add(time.Hour))
	}

	weekly := mustRule(t, "days:mon@09:30")
	// Start exactly at a slot: that slot itself is a valid occurrence.
	slot := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	if n := weekly.Next(slot.Add(-time.Hour), slot); !n.Equal(slot) {
		t.Errorf("weekly Next = %v, want the start slot %v", n, slot)
	}
}
