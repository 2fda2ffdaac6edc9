package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestEventQueue_SerialProcessing(t *testing.T) {
	var processed []string
	var mu sync.Mutex
	done := make(chan struct{})

	events := []string{"event1", "event2", "event3", "event4", "event5"}
	handler := func(ctx context.Context, msg *ClientMessage) error {
		mu.Lock()
		defer mu.Unlock()
		processed = append(processed, msg.EventID)
		time.Sleep(5 * time.Millisecond) // 模拟处理时间
		if len(processed) == len(events) {
			close(done)
		}
		return nil
	}

	eq := NewEventQueue("test-session", handler, QueueConfig{}, nil)
	defer eq.Close()

	for _, id := range events {
		if err := eq.Enqueue(&ClientMessage{Type: TypeSubmit, EventID: id}); err != nil {
			t.Fatalf("Failed to enqueue event: %v", err)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for events")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, id := range events {
		if processed[i] != id {
			t.Errorf("Event order mismatch at index %d: expected %s, got %s", i, id, processed[i])
		}
	}
}

func TestEventQueue_ConcurrentEnqueue(t *testing.T) {
	const numGoroutines, perGoroutine = 10, 10
	var processed int64
	var wgDone sync.WaitGroup
	wgDone.Add(numGoroutines * perGoroutine)

	handler := func(ctx context.Context, msg *ClientMessage) error {
		atomic.AddInt64(&processed, 1)
		wgDone.Done()
		return nil
	}

	eq := NewEventQueue("test-session", handler, QueueConfig{Capacity: numGoroutines * perGoroutine}, nil)
	defer eq.Close()

	var wg sync.WaitGroup
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				if err := eq.Enqueue(&ClientMessage{Type: TypeReset}); err != nil {
					t.Errorf("enqueue: %v", err)
				}
			}
		}()
	}
	wg.Wait()
	wgDone.Wait()

	if got := atomic.LoadInt64(&processed); got != numGoroutines*perGoroutine {
		t.Errorf("Expected %d processed events, got %d", numGoroutines*perGoroutine, got)
	}
}

func TestEventQueue_BackPressure(t *testing.T) {
	release := make(chan struct{})
	handler := func(ctx context.Context, msg *ClientMessage) error {
		<-release
		return nil
	}

	eq := NewEventQueue("test-session", handler, QueueConfig{Capacity: 2}, nil)
	defer eq.Close()
	defer close(release)

	dropped := 0
	for i := 0; i < 10; i++ {
		if err := eq.Enqueue(&ClientMessage{Type: TypeSubmit}); errors.Is(err, ErrQueueFull) {
			dropped++
		}
	}

	// 一条在处理中，两条在缓冲里，其余丢弃
	if dropped < 7 {
		t.Errorf("Expected at least 7 dropped events, got %d", dropped)
	}
	if stats := eq.Stats(); stats.Dropped != int64(dropped) {
		t.Errorf("Stats dropped mismatch: %+v", stats)
	}
}

func TestEventQueue_ErrorHandling(t *testing.T) {
	testError := errors.New("test error")
	results := make(chan error, 3)
	handler := func(ctx context.Context, msg *ClientMessage) error {
		var err error
		if msg.EventID == "bad" {
			err = testError
		}
		results <- err
		return err
	}

	eq := NewEventQueue("test-session", handler, QueueConfig{}, nil)
	defer eq.Close()

	for _, id := range []string{"ok", "bad", "ok2"} {
		if err := eq.Enqueue(&ClientMessage{Type: TypeSubmit, EventID: id}); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}

	want := []error{nil, testError, nil}
	for i, w := range want {
		select {
		case got := <-results:
			if !errors.Is(got, w) {
				t.Fatalf("result %d: expected %v, got %v", i, w, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for result %d", i)
		}
	}
	// 出错后队列继续工作；计数在 handler 返回后更新
	deadline := time.Now().Add(time.Second)
	for eq.Stats().Processed != 3 {
		if time.Now().After(deadline) {
			t.Fatalf("Expected 3 processed events, got %d", eq.Stats().Processed)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestEventQueue_HandlerDeadline(t *testing.T) {
	results := make(chan error, 1)
	handler := func(ctx context.Context, msg *ClientMessage) error {
		<-ctx.Done()
		results <- ctx.Err()
		return ctx.Err()
	}

	eq := NewEventQueue("test-session", handler, QueueConfig{Timeout: 20 * time.Millisecond}, nil)
	defer eq.Close()

	if err := eq.Enqueue(&ClientMessage{Type: TypeSubmit}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	select {
	case err := <-results:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected handler deadline, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("handler deadline was not applied")
	}
}

func TestEventQueue_CloseCancelsInFlight(t *testing.T) {
	started := make(chan struct{})
	cancelled := make(chan struct{})
	handler := func(ctx context.Context, msg *ClientMessage) error {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}

	eq := NewEventQueue("test-session", handler, QueueConfig{}, nil)
	if err := eq.Enqueue(&ClientMessage{Type: TypeSubmit}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	<-started

	if err := eq.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	select {
	case <-cancelled:
	default:
		t.Fatal("in-flight handler should observe cancellation before Close returns")
	}
	if err := eq.Enqueue(&ClientMessage{Type: TypeSubmit}); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
	// 重复关闭无副作用
	_ = eq.Close()
}

func BenchmarkEventQueue_Enqueue(b *testing.B) {
	handler := func(ctx context.Context, msg *ClientMessage) error {
		return nil
	}

	eq := NewEventQueue("test-session", handler, QueueConfig{Capacity: 1024}, nil)
	defer eq.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = eq.Enqueue(&ClientMessage{Type: TypeSubmit})
	}
}
