package batch

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestReportFailedIDsOrderAndDedup(t *testing.T) {
	report := &Report{Items: []ItemResult{
		{MessageID: "a", Outcome: OutcomeSuccess},
		{MessageID: "b", Outcome: OutcomeRetryExhausted, Redeliver: true},
		{MessageID: "c", Outcome: OutcomeDuplicateDone},
		{MessageID: "d", Outcome: OutcomeCircuitOpen, Redeliver: true},
		{MessageID: "b", Outcome: OutcomeCircuitOpen, Redeliver: true}, // duplicate id
		{MessageID: "e", Outcome: OutcomePermanent, Err: errors.New("boom"), Redeliver: true},
	}}

	got := report.FailedIDs()
	want := []string{"b", "d", "e"}
	if len(got) != len(want) {
		t.Fatalf("FailedIDs() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("FailedIDs()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestReportFailedIDsSubsetOfSubmitted(t *testing.T) {
	submitted := map[string]bool{"m1": true, "m2": true, "m3": true}
	report := &Report{Items: []ItemResult{
		{MessageID: "m1", Outcome: OutcomeSuccess},
		{MessageID: "m2", Outcome: OutcomeRetryExhausted, Redeliver: true},
		{MessageID: "m3", Outcome: OutcomeDuplicateInFlight},
	}}

	for _, id := range report.FailedIDs() {
		if !submitted[id] {
			t.Errorf("failed id %q was never submitted", id)
		}
	}
	if n := len(report.FailedIDs()); n != 1 {
		t.Errorf("expected 1 failed id, got %d", n)
	}
}

func TestReportMarshalJSON(t *testing.T) {
	report := &Report{Items: []ItemResult{
		{MessageID: "ok", Outcome: OutcomeSuccess},
		{MessageID: "bad", Outcome: OutcomePermanent, Redeliver: true},
	}}

	raw, err := json.Marshal(report)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var resp struct {
		BatchItemFailures []struct {
			ItemIdentifier string `json:"itemIdentifier"`
		} `json:"batchItemFailures"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if len(resp.BatchItemFailures) != 1 {
		t.Fatalf("expected 1 failure, got %d", len(resp.BatchItemFailures))
	}
	if resp.BatchItemFailures[0].ItemIdentifier != "bad" {
		t.Errorf("itemIdentifier = %q, want %q", resp.BatchItemFailures[0].ItemIdentifier, "bad")
	}
}

func TestReportMarshalJSONEmpty(t *testing.T) {
	report := &Report{Items: []ItemResult{
		{MessageID: "ok", Outcome: OutcomeSuccess},
	}}

	raw, err := json.Marshal(report)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(raw) != `{"batchItemFailures":[]}` {
		t.Errorf("empty report marshaled to %s", raw)
	}
}

func TestReportCounts(t *testing.T) {
	report := &Report{Items: []ItemResult{
		{MessageID: "a", Outcome: OutcomeSuccess},
		{MessageID: "b", Outcome: OutcomeSuccess},
		{MessageID: "c", Outcome: OutcomeDuplicateDone},
		{MessageID: "d", Outcome: OutcomeRetryExhausted, Redeliver: true},
	}}

	counts := report.Counts()
	if counts[OutcomeSuccess] != 2 {
		t.Errorf("success count = %d, want 2", counts[OutcomeSuccess])
	}
	if report.Succeeded() != 3 {
		t.Errorf("Succeeded() = %d, want 3", report.Succeeded())
	}
	if len(report.Failed()) != 1 {
		t.Errorf("Failed() len = %d, want 1", len(report.Failed()))
	}
}

func TestMessageAttribute(t *testing.T) {
	msg := &Message{Attributes: map[string]string{"ApproximateReceiveCount": "3"}}
	if got := msg.Attribute("ApproximateReceiveCount"); got != "3" {
		t.Errorf("Attribute() = %q, want %q", got, "3")
	}
	if got := msg.Attribute("missing"); got != "" {
		t.Errorf("Attribute(missing) = %q, want empty", got)
	}

	var empty Message
	if got := empty.Attribute("any"); got != "" {
		t.Errorf("Attribute on empty message = %q, want empty", got)
	}
}

func TestMetaValues(t *testing.T) {
	m := NewMeta()
	m.Set("k", 42)
	v, ok := m.Get("k")
	if !ok || v.(int) != 42 {
		t.Errorf("Get(k) = %v, %v", v, ok)
	}
	if _, ok := m.Get("missing"); ok {
		t.Error("Get(missing) should not be found")
	}
}
