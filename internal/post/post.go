package post

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// State is a Post's lifecycle state.
//
// The only legal moves are the edges in canTransition; Store.Transition
// enforces the "from" side atomically, this table enforces the shape.
type State string

const (
	StateDraft              State = "draft"
	StateScheduled          State = "scheduled"
	StateDispatching        State = "dispatching"
	StatePartiallyDelivered State = "partially_delivered"
	StateDelivered          State = "delivered"
	StateFailed             State = "failed"
	StateCancelled          State = "cancelled"
)

// Terminal reports whether no further transitions leave s.
func (s State) Terminal() bool {
	switch s {
	case StateDelivered, StatePartiallyDelivered, StateFailed, StateCancelled:
		return true
	}
	return false
}

var canTransition = map[State][]State{
	StateDraft:       {StateScheduled, StateCancelled},
	StateScheduled:   {StateDispatching, StateCancelled},
	StateDispatching: {StateDelivered, StatePartiallyDelivered, StateFailed, StateScheduled},
}

// CanTransition reports whether from -> to is an edge of the lifecycle diagram.
func CanTransition(from, to State) bool {
	for _, t := range canTransition[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known state value.
func (s State) Valid() bool {
	switch s {
	case StateDraft, StateScheduled, StateDispatching, StatePartiallyDelivered,
		StateDelivered, StateFailed, StateCancelled:
		return true
	}
	return false
}

var ErrEmptyDestinations = errors.New("post has no destinations")

// Post is one concrete unit of content bound for one or more destinations.
//
// Content and Destinations are immutable after creation. DueAt moves only
// when the dispatcher reschedules a retry. Posts materialized from a
// recurring definition carry ParentRecurrenceID.
type Post struct {
	ID                 string
	Content            string
	Destinations       []string
	State              State
	DueAt              time.Time
	ParentRecurrenceID string
	CreatedAt          time.Time
	LastTransitionAt   time.Time
}

// Validate checks creation-time invariants. Configuration errors are
// rejected here, before anything enters the store.
func (p *Post) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return errors.New("post id is required")
	}
	if len(p.Destinations) == 0 {
		return ErrEmptyDestinations
	}
	for _, d := range p.Destinations {
		if strings.TrimSpace(d) == "" {
			return errors.New("destination id must be non-empty")
		}
	}
	if !p.State.Valid() {
		return fmt.Errorf("unknown state %q", p.State)
	}
	if p.State == StateScheduled && p.DueAt.IsZero() {
		return errors.New("scheduled post needs a due time")
	}
	return nil
}
