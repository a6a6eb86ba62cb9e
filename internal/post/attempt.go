package post

import "time"

// Outcome classifies a delivery attempt's result.
type Outcome string

const (
	OutcomePending          Outcome = "pending"
	OutcomeSuccess          Outcome = "success"
	OutcomeTransientFailure Outcome = "transient_failure"
	OutcomePermanentFailure Outcome = "permanent_failure"
)

// Resolved reports whether this outcome ends the (post, destination) pair:
// no further attempts are ever created after a resolved one.
func (o Outcome) Resolved() bool {
	return o == OutcomeSuccess || o == OutcomePermanentFailure
}

// DeliveryAttempt is one publish attempt for one destination of one post.
//
// Records are append-only. AttemptNumber is 1-based and strictly increasing
// per (PostID, Destination).
type DeliveryAttempt struct {
	PostID        string
	Destination   string
	AttemptNumber int
	Outcome       Outcome
	ExternalID    string // set on success
	Reason        string // set on failure
	AttemptedAt   time.Time
}
