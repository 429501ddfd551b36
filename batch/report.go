package batch

import "encoding/json"

// Report aggregates per-message outcomes for one processed batch.
// Items are in submission order.
type Report struct {
	Items []ItemResult
}

// FailedIDs returns the ids that should be redelivered, in submission order.
// An id appears at most once.
func (r *Report) FailedIDs() []string {
	ids := make([]string, 0, len(r.Items))
	seen := make(map[string]struct{}, len(r.Items))
	for _, item := range r.Items {
		if !item.Redeliver {
			continue
		}
		if _, dup := seen[item.MessageID]; dup {
			continue
		}
		seen[item.MessageID] = struct{}{}
		ids = append(ids, item.MessageID)
	}
	return ids
}

// Failed returns the item results marked for redelivery.
func (r *Report) Failed() []ItemResult {
	var failed []ItemResult
	for _, item := range r.Items {
		if item.Redeliver {
			failed = append(failed, item)
		}
	}
	return failed
}

// Succeeded returns the number of successful items, counting cached
// duplicate results.
func (r *Report) Succeeded() int {
	n := 0
	for _, item := range r.Items {
		if item.Outcome == OutcomeSuccess || item.Outcome == OutcomeDuplicateDone {
			n++
		}
	}
	return n
}

// Counts returns the number of items per outcome.
func (r *Report) Counts() map[Outcome]int {
	counts := make(map[Outcome]int)
	for _, item := range r.Items {
		counts[item.Outcome]++
	}
	return counts
}

type batchItemFailure struct {
	ItemIdentifier string `json:"itemIdentifier"`
}

type partialBatchResponse struct {
	BatchItemFailures []batchItemFailure `json:"batchItemFailures"`
}

// MarshalJSON renders the report in the partial-batch-response shape the
// queue transport expects:
//
//	{"batchItemFailures":[{"itemIdentifier":"<id>"}]}
func (r *Report) MarshalJSON() ([]byte, error) {
	resp := partialBatchResponse{BatchItemFailures: []batchItemFailure{}}
	for _, id := range r.FailedIDs() {
		resp.BatchItemFailures = append(resp.BatchItemFailures, batchItemFailure{ItemIdentifier: id})
	}
	return json.Marshal(resp)
}
