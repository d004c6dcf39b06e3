package checkout

import "fmt"

// Kind enumerates every failure a checkout caller can observe — none
// escape as uncaught failures.
type Kind string

const (
	// Unavailable is returned when queueing is disabled and no idle
	// connection is present.
	Unavailable Kind = "unavailable"

	// Dropped is returned when CoDel shed the waiter, or a dequeue
	// attempt was abandoned because the client died.
	Dropped Kind = "dropped"

	// DeadlineInQueue is returned when the handoff arrived after the
	// client's own deadline had already elapsed; the delivered Holder is
	// unusable and is returned to the broker untouched.
	DeadlineInQueue Kind = "deadline_in_queue"

	// Timeout is returned when an active checkout exceeded its deadline;
	// the connection backing it is torn down.
	Timeout Kind = "timeout"

	// ForeignOwner is returned when a transfer targets a recipient the
	// pool cannot hand off to — a Holder that no longer exists, or a
	// cross-node recipient (cross-node handoff is unsupported).
	ForeignOwner Kind = "foreign_owner"
)

// Error is the structured error type returned at the checkout boundary.
type Error struct {
	Kind    Kind
	Pool    string
	Message string
	// ElapsedMS is populated for Timeout and Dropped errors so callers
	// can log how long the checkout actually waited.
	ElapsedMS int64
}

func (e *Error) Error() string {
	if e.Pool != "" {
		return fmt.Sprintf("checkout[%s]: %s: %s", e.Pool, e.Kind, e.Message)
	}
	return fmt.Sprintf("checkout: %s: %s", e.Kind, e.Message)
}

// Is allows errors.Is(err, &checkout.Error{Kind: checkout.Unavailable})
// style comparisons by Kind rather than by identity.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	return ok && other.Kind == e.Kind
}

func errUnavailable(pool string) error {
	return &Error{Kind: Unavailable, Pool: pool, Message: "no idle connection and queueing disabled"}
}

func errDropped(pool string, elapsedMS int64) error {
	return &Error{
		Kind:      Dropped,
		Pool:      pool,
		Message:   fmt.Sprintf("shed after waiting %dms", elapsedMS),
		ElapsedMS: elapsedMS,
	}
}

func errDeadlineInQueue(pool string) error {
	return &Error{Kind: DeadlineInQueue, Pool: pool, Message: "client deadline elapsed before handoff was observed"}
}

func errTimeout(pool string, elapsedMS int64) error {
	return &Error{
		Kind:      Timeout,
		Pool:      pool,
		Message:   fmt.Sprintf("timed out because it queued and checked out the connection for longer than %dms", elapsedMS),
		ElapsedMS: elapsedMS,
	}
}
