package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitRunsOnWorker(t *testing.T) {
	p := New(2, 4)
	defer p.Stop()

	done := make(chan struct{})
	if err := p.Submit(func() { close(done) }); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("submitted task never ran")
	}
}

func TestDoReturnsValueAndError(t *testing.T) {
	p := New(2, 4)
	defer p.Stop()

	v, err := Do(context.Background(), p, func() (int, error) { return 42, nil })
	if err != nil || v != 42 {
		t.Fatalf("Do = (%d, %v), want (42, nil)", v, err)
	}

	wantErr := errors.New("boom")
	_, err = Do(context.Background(), p, func() (int, error) { return 0, wantErr })
	if !errors.Is(err, wantErr) {
		t.Fatalf("Do error = %v, want %v", err, wantErr)
	}
}

func TestDoRespectsContextCancellation(t *testing.T) {
	p := New(1, 0)
	defer p.Stop()

	block := make(chan struct{})
	if err := p.Submit(func() { <-block }); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Do(ctx, p, func() (int, error) { return 1, nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Do error = %v, want context.Canceled", err)
	}
	close(block)
}

func TestStopDrainsQueuedWork(t *testing.T) {
	p := New(1, 8)
	var ran int32
	for i := 0; i < 8; i++ {
		if err := p.Submit(func() { atomic.AddInt32(&ran, 1) }); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	p.Stop()
	if got := atomic.LoadInt32(&ran); got != 8 {
		t.Fatalf("ran = %d, want 8", got)
	}
}

func TestSubmitAfterStopFails(t *testing.T) {
	p := New(1, 1)
	p.Stop()
	if err := p.Submit(func() {}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Submit after Stop = %v, want ErrStopped", err)
	}
}
