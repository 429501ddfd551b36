package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.flowbatch.tech/batch"
)

// Masked replaces the value of masked payload fields in log output.
const Masked = "***"

// Logging returns middleware that logs the start, completion and failure of
// each processing attempt. The listed payload fields are masked in the
// logged body; dotted paths address nested fields.
func Logging(logger *slog.Logger, maskFields ...string) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &loggingMiddleware{logger: logger, maskFields: maskFields}
}

type loggingMiddleware struct {
	logger     *slog.Logger
	maskFields []string
}

type loggingStartKey struct{}

func (l *loggingMiddleware) Before(ctx context.Context, msg *batch.Message) (context.Context, error) {
	attrs := []any{
		"messageId", msg.ID,
		"body", l.renderBody(msg.Body),
	}
	if msg.GroupID != "" {
		attrs = append(attrs, "messageGroupId", msg.GroupID)
	}
	if meta, ok := batch.MetaFromContext(ctx); ok && meta.Attempt > 1 {
		attrs = append(attrs, "attempt", meta.Attempt)
	}
	l.logger.Info("Processing message", attrs...)
	return context.WithValue(ctx, loggingStartKey{}, time.Now()), nil
}

func (l *loggingMiddleware) After(ctx context.Context, msg *batch.Message, result batch.Result) {
	l.logger.Info("Message processed",
		"messageId", msg.ID,
		"duration", l.elapsed(ctx))
}

func (l *loggingMiddleware) OnError(ctx context.Context, msg *batch.Message, err error) (batch.Result, error) {
	l.logger.Error("Message processing failed",
		"messageId", msg.ID,
		"duration", l.elapsed(ctx),
		"error", err)
	return nil, err
}

func (l *loggingMiddleware) elapsed(ctx context.Context) time.Duration {
	if start, ok := ctx.Value(loggingStartKey{}).(time.Time); ok {
		return time.Since(start)
	}
	return 0
}

// renderBody returns the payload for logging with masked fields replaced.
// Non-JSON bodies are logged by length only.
func (l *loggingMiddleware) renderBody(body []byte) string {
	if len(l.maskFields) == 0 {
		if json.Valid(body) {
			return string(body)
		}
		return fmt.Sprintf("<%d bytes>", len(body))
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Sprintf("<%d bytes>", len(body))
	}
	for _, field := range l.maskFields {
		maskPath(payload, strings.Split(field, "."))
	}
	masked, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf("<%d bytes>", len(body))
	}
	return string(masked)
}

func maskPath(payload map[string]any, path []string) {
	if len(path) == 0 {
		return
	}
	key := path[0]
	if len(path) == 1 {
		if _, ok := payload[key]; ok {
			payload[key] = Masked
		}
		return
	}
	if nested, ok := payload[key].(map[string]any); ok {
		maskPath(nested, path[1:])
	}
}
