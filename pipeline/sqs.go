package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"go.flowbatch.tech/queue/sqs"
)

// ProcessSQSEvent runs a raw Lambda SQS event through the pipeline and
// returns the partial batch response body. Messages whose ItemResult
// carries Redeliver appear in batchItemFailures and stay on the queue;
// everything else is deleted by the Lambda runtime.
func (p *Processor) ProcessSQSEvent(ctx context.Context, raw []byte) ([]byte, error) {
	msgs, err := sqs.ParseEvent(raw)
	if err != nil {
		return nil, err
	}

	report, err := p.Process(ctx, msgs)
	if err != nil {
		// The report still covers every message, so the response is
		// valid even when the pool stopped mid-batch.
		p.logger.Warn("Batch ended early", "error", err)
	}

	body, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("marshal batch response: %w", err)
	}
	return body, nil
}
