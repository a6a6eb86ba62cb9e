package post

import (
	"errors"
	"testing"
	"time"
)

func TestStateTransitions(t *testing.T) {
	t.Parallel()

	allowed := []struct{ from, to State }{
		{StateDraft, StateScheduled},
		{StateDraft, StateCancelled},
		{StateScheduled, StateDispatching},
		{StateScheduled, StateCancelled},
		{StateDispatching, StateDelivered},
		{StateDispatching, StatePartiallyDelivered},
		{StateDispatching, StateFailed},
		{StateDispatching, StateScheduled}, // retry reschedule
	}
	for _, e := range allowed {
		if !CanTransition(e.from, e.to) {
			t.Errorf("CanTransition(%s, %s) = false, want true", e.from, e.to)
		}
	}

	forbidden := []struct{ from, to State }{
		{StateScheduled, StateDelivered},   // must pass through dispatching
		{StateDispatching, StateCancelled}, // cancel never interrupts dispatch
		{StateDelivered, StateScheduled},
		{StateFailed, StateScheduled},
		{StateCancelled, StateScheduled},
		{StatePartiallyDelivered, StateDispatching},
		{StateDraft, StateDispatching},
	}
	for _, e := range forbidden {
		if CanTransition(e.from, e.to) {
			t.Errorf("CanTransition(%s, %s) = true, want false", e.from, e.to)
		}
	}
}

func TestStateTerminal(t *testing.T) {
	t.Parallel()

	for s, want := range map[State]bool{
		StateDraft:              false,
		StateScheduled:          false,
		StateDispatching:        false,
		StateDelivered:          true,
		StatePartiallyDelivered: true,
		StateFailed:             true,
		StateCancelled:          true,
	} {
		if s.Terminal() != want {
			t.Errorf("%s.Terminal() = %v, want %v", s, !want, want)
		}
	}

	// No transition table entry may leave a terminal state.
	for from, tos := range canTransition {
		if from.Terminal() && len(tos) > 0 {
			t.Errorf("terminal state %s has outgoing edges %v", from, tos)
		}
	}
}

func TestPostValidate(t *testing.T) {
	t.Parallel()

	now := time.Now()
	good := Post{
		ID:           "p1",
		Content:      "hello",
		Destinations: []string{"tg-main"},
		State:        StateScheduled,
		DueAt:        now,
		CreatedAt:    now,
	}
	if err := good.Validate(); err != nil {
		t.Fatalf("valid post rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Post)
		want   error
	}{
		{"missing id", func(p *Post) { p.ID = " " }, nil},
		{"no destinations", func(p *Post) { p.Destinations = nil }, ErrEmptyDestinations},
		{"blank destination", func(p *Post) { p.Destinations = []string{"a", ""} }, nil},
		{"unknown state", func(p *Post) { p.State = "limbo" }, nil},
		{"scheduled without due", func(p *Post) { p.DueAt = time.Time{} }, nil},
	}
	for _, tc := range cases {
		p := good
		p.Destinations = append([]string(nil), good.Destinations...)
		tc.mutate(&p)
		err := p.Validate()
		if err == nil {
			t.Errorf("%s: expected error", tc.name)
			continue
		}
		if tc.want != nil && !errors.Is(err, tc.want) {
			t.Errorf("%s: err = %v, want %v", tc.name, err, tc.want)
		}
	}
}

func TestOutcomeResolved(t *testing.T) {
	t.Parallel()

	for o, want := range map[Outcome]bool{
		OutcomePending:          false,
		OutcomeSuccess:          true,
		OutcomeTransientFailure: false,
		OutcomePermanentFailure: true,
	} {
		if o.Resolved() != want {
			t.Errorf("%s.Resolved() = %v, want %v", o, !want, want)
		}
	}
}
