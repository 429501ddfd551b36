package pool

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestResourcePoolAcquireRelease(t *testing.T) {
	p := NewResourcePool([]string{"a", "b"})

	r1, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	r2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if r1 == r2 {
		t.Errorf("both acquires returned %q, want distinct resources", r1)
	}
	if p.Free() != 0 {
		t.Errorf("Free = %d, want 0", p.Free())
	}

	p.Release(r1)
	p.Release(r2)
	if p.Free() != 2 {
		t.Errorf("Free after release = %d, want 2", p.Free())
	}
}

func TestResourcePoolBlocksWhenExhausted(t *testing.T) {
	p := NewResourcePool([]int{1})

	held, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	got := make(chan int, 1)
	go func() {
		r, err := p.Acquire(context.Background())
		if err != nil {
			return
		}
		got <- r
	}()

	select {
	case r := <-got:
		t.Fatalf("Acquire returned %d from an exhausted pool", r)
	case <-time.After(50 * time.Millisecond):
	}

	p.Release(held)
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("blocked Acquire never woke after Release")
	}
}

func TestResourcePoolAcquireCanceled(t *testing.T) {
	p := NewResourcePool([]int{1})
	held, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer p.Release(held)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Acquire on exhausted pool = %v, want deadline exceeded", err)
	}
}

func TestResourcePoolWith(t *testing.T) {
	p := NewResourcePool([]string{"conn"})

	var seen string
	err := p.With(context.Background(), func(r string) error {
		seen = r
		return nil
	})
	if err != nil {
		t.Fatalf("With failed: %v", err)
	}
	if seen != "conn" {
		t.Errorf("fn saw %q, want conn", seen)
	}
	if p.Free() != 1 {
		t.Errorf("Free after With = %d, want 1", p.Free())
	}

	wantErr := errors.New("handler failed")
	if err := p.With(context.Background(), func(string) error { return wantErr }); !errors.Is(err, wantErr) {
		t.Fatalf("With = %v, want %v", err, wantErr)
	}
	if p.Free() != 1 {
		t.Errorf("Free after failing With = %d, want 1", p.Free())
	}
}

func TestResourcePoolWithReleasesOnPanic(t *testing.T) {
	p := NewResourcePool([]string{"conn"})

	func() {
		defer func() { _ = recover() }()
		_ = p.With(context.Background(), func(string) error {
			panic("handler exploded")
		})
	}()

	if p.Free() != 1 {
		t.Fatalf("Free after panic = %d, want 1", p.Free())
	}
}
