package post

import "time"

// Recurrence is a recurring post definition. It is never dispatched itself;
// the scheduler materializes concrete Posts from it up to a rolling horizon.
//
// Rule holds the encoded rule spec (see internal/recurrence.ParseRule).
// MaterializedTo is the horizon: the latest due-time for which an instance
// row exists. It only moves forward, transactionally with instance creation.
type Recurrence struct {
	ID             string
	Content        string
	Destinations   []string
	Rule           string
	Start          time.Time
	End            time.Time // zero means open-ended
	MaterializedTo time.Time
	Cancelled      bool
	CreatedAt      time.Time
}

// Exhausted reports whether no due-times past the horizon can exist anymore.
func (r Recurrence) Exhausted() bool {
	return !r.End.IsZero() && !r.MaterializedTo.Before(r.End)
}
