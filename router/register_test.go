package router

import (
	"context"
	"errors"
	"testing"

	"go.flowbatch.tech/batch"
)

type orderCreated struct {
	Type    string `json:"type"`
	OrderID string `json:"order_id"`
	Amount  int    `json:"amount"`
}

func (o orderCreated) Validate() error {
	if o.OrderID == "" {
		return errors.New("order_id required")
	}
	if o.Amount < 0 {
		return errors.New("amount must not be negative")
	}
	return nil
}

func TestRegisterDecodesPayload(t *testing.T) {
	r := New()
	var got orderCreated
	Register(r, "order.created", func(ctx context.Context, msg *batch.Message, payload orderCreated) (batch.Result, error) {
		got = payload
		return payload.OrderID, nil
	})

	result, err := r.Dispatch(context.Background(), msgWithBody(`{"type":"order.created","order_id":"o-1","amount":100}`))
	if err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	if result.(string) != "o-1" {
		t.Errorf("result = %v, want o-1", result)
	}
	if got.Amount != 100 {
		t.Errorf("decoded amount = %d, want 100", got.Amount)
	}
}

func TestRegisterValidationFailure(t *testing.T) {
	r := New()
	invoked := false
	Register(r, "order.created", func(ctx context.Context, msg *batch.Message, payload orderCreated) (batch.Result, error) {
		invoked = true
		return nil, nil
	})

	_, err := r.Dispatch(context.Background(), msgWithBody(`{"type":"order.created","amount":5}`))
	var invalid *ValidationError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if invalid.Skip {
		t.Error("ValidationError.Skip should be false by default")
	}
	if invoked {
		t.Error("handler invoked despite validation failure")
	}
	if !errors.Is(err, ErrInvalidPayload) {
		t.Error("ValidationError should wrap ErrInvalidPayload")
	}
}

func TestRegisterDecodeFailure(t *testing.T) {
	r := New()
	Register(r, "order.created", func(ctx context.Context, msg *batch.Message, payload orderCreated) (batch.Result, error) {
		return nil, nil
	})

	_, err := r.Dispatch(context.Background(), msgWithBody(`{"type":"order.created","amount":"not-a-number"}`))
	var invalid *ValidationError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected ValidationError for decode failure, got %v", err)
	}
	if invalid.Route != "order.created" {
		t.Errorf("ValidationError.Route = %q", invalid.Route)
	}
}

func TestRegisterSkipInvalidPolicy(t *testing.T) {
	r := New(WithSkipInvalid())
	Register(r, "order.created", func(ctx context.Context, msg *batch.Message, payload orderCreated) (batch.Result, error) {
		return nil, nil
	})

	_, err := r.Dispatch(context.Background(), msgWithBody(`{"type":"order.created"}`))
	var invalid *ValidationError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if !invalid.Skip {
		t.Error("ValidationError.Skip should mirror the router policy")
	}
}
