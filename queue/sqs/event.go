package sqs

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"go.flowbatch.tech/batch"
)

type lambdaEvent struct {
	Records []eventRecord `json:"Records"`
}

type eventRecord struct {
	MessageID         string                      `json:"messageId"`
	ReceiptHandle     string                      `json:"receiptHandle"`
	Body              string                      `json:"body"`
	Attributes        map[string]string           `json:"attributes"`
	MessageAttributes map[string]messageAttribute `json:"messageAttributes"`
	EventSourceARN    string                      `json:"eventSourceARN"`
}

type messageAttribute struct {
	StringValue string `json:"stringValue"`
	DataType    string `json:"dataType"`
}

// ParseEvent maps a Lambda SQS event payload into pipeline messages. FIFO
// metadata (MessageGroupId, MessageDeduplicationId) and delivery counters
// come from the record attributes; custom string message attributes and
// the receipt handle are carried in Message.Attributes.
func ParseEvent(raw []byte) ([]*batch.Message, error) {
	var event lambdaEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, fmt.Errorf("parse SQS event: %w", err)
	}
	now := time.Now()
	msgs := make([]*batch.Message, 0, len(event.Records))
	for _, rec := range event.Records {
		msgs = append(msgs, rec.message(now))
	}
	return msgs, nil
}

func (r eventRecord) message(now time.Time) *batch.Message {
	msg := &batch.Message{
		ID:         r.MessageID,
		Body:       []byte(r.Body),
		GroupID:    r.Attributes["MessageGroupId"],
		DedupID:    r.Attributes["MessageDeduplicationId"],
		ReceivedAt: now,
		Attributes: make(map[string]string, len(r.Attributes)+len(r.MessageAttributes)+2),
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	for k, v := range r.Attributes {
		msg.Attributes[k] = v
	}
	for k, attr := range r.MessageAttributes {
		if attr.StringValue != "" {
			msg.Attributes[k] = attr.StringValue
		}
	}
	if r.ReceiptHandle != "" {
		msg.Attributes[ReceiptHandleAttribute] = r.ReceiptHandle
	}
	if r.EventSourceARN != "" {
		msg.Attributes["eventSourceARN"] = r.EventSourceARN
	}
	if n, err := strconv.Atoi(r.Attributes["ApproximateReceiveCount"]); err == nil {
		msg.ReceiveCount = n
	}
	if ms, err := strconv.ParseInt(r.Attributes["SentTimestamp"], 10, 64); err == nil {
		msg.EnqueuedAt = time.UnixMilli(ms)
	}
	return msg
}
