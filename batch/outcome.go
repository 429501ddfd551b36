package batch

import "time"

// Outcome classifies how a message's processing ended
type Outcome string

const (
	// OutcomeSuccess - handler completed without error
	OutcomeSuccess Outcome = "SUCCESS"

	// OutcomeRetryExhausted - transient failures used up the retry budget
	OutcomeRetryExhausted Outcome = "RETRY_EXHAUSTED"

	// OutcomePermanent - permanent failure, retrying would not help
	OutcomePermanent Outcome = "PERMANENT_FAILURE"

	// OutcomeCircuitOpen - rejected because the route's circuit breaker is open
	OutcomeCircuitOpen Outcome = "CIRCUIT_OPEN"

	// OutcomeInvalid - payload failed schema decoding or validation
	OutcomeInvalid Outcome = "VALIDATION_ERROR"

	// OutcomeUnrouted - no route matched the dispatch key
	OutcomeUnrouted Outcome = "UNMATCHED_ROUTE"

	// OutcomeDuplicateInFlight - another worker holds the idempotency claim
	OutcomeDuplicateInFlight Outcome = "DUPLICATE_IN_FLIGHT"

	// OutcomeDuplicateDone - a completed record existed, cached result returned
	OutcomeDuplicateDone Outcome = "DUPLICATE_COMPLETED"

	// OutcomeCanceled - the batch deadline elapsed before the message resolved
	OutcomeCanceled Outcome = "CANCELED"
)

// ItemResult is the recorded outcome for one submitted message.
type ItemResult struct {
	MessageID string
	Outcome   Outcome
	Err       error
	Attempts  int
	Duration  time.Duration

	// Redeliver marks the message for inclusion in the partial-failure
	// report so the transport delivers it again.
	Redeliver bool

	// Result holds the handler result when processing succeeded or a
	// cached result was returned.
	Result Result
}
