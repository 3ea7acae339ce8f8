// Package queue_test provides tests for the sequenced event queue.
package queue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/marketflow/internal/queue"
	"github.com/atlas-desktop/marketflow/pkg/types"
)

func TestFIFOOrdering(t *testing.T) {
	q := queue.New(zap.NewNop(), "BTCUSDT", 100)

	var mu sync.Mutex
	var got []int64

	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx, func(ev types.Event) error {
		mu.Lock()
		got = append(got, ev.EnqueuedAtMs)
		mu.Unlock()
		return nil
	})

	for i := int64(0); i < 50; i++ {
		q.Enqueue(types.Event{Type: types.EventTrade, Symbol: "BTCUSDT", EnqueuedAtMs: i})
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 50 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for consumption, got %d", n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	for i := int64(0); i < 50; i++ {
		if got[i] != i {
			t.Fatalf("out of order at %d: got %d", i, got[i])
		}
	}

	cancel()
	select {
	case <-q.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not exit after cancel")
	}
}

func TestDropOldestOnOverflow(t *testing.T) {
	const max = 10
	q := queue.New(zap.NewNop(), "BTCUSDT", max)

	// No consumer: saturate past the bound.
	for i := int64(0); i < max+7; i++ {
		q.Enqueue(types.Event{Type: types.EventTrade, EnqueuedAtMs: i})
	}

	stats := q.GetStats()
	if stats.Dropped != 7 {
		t.Errorf("expected 7 drops, got %d", stats.Dropped)
	}
	if stats.Length != max {
		t.Errorf("expected length %d, got %d", max, stats.Length)
	}
	if stats.Enqueued != max+7 {
		t.Errorf("expected %d enqueued, got %d", max+7, stats.Enqueued)
	}

	// The retained window must be the newest events, still in order.
	var mu sync.Mutex
	var got []int64
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx, func(ev types.Event) error {
		mu.Lock()
		got = append(got, ev.EnqueuedAtMs)
		mu.Unlock()
		return nil
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == max {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out, consumed %d", n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if got[0] != 7 || got[len(got)-1] != max+6 {
		t.Errorf("unexpected retained window: first=%d last=%d", got[0], got[len(got)-1])
	}
}

func TestHandlerErrorDoesNotStall(t *testing.T) {
	q := queue.New(zap.NewNop(), "BTCUSDT", 10)

	var mu sync.Mutex
	var seen int
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q.Start(ctx, func(ev types.Event) error {
		mu.Lock()
		seen++
		mu.Unlock()
		if ev.EnqueuedAtMs == 1 {
			panic("boom")
		}
		return nil
	})

	for i := int64(0); i < 5; i++ {
		q.Enqueue(types.Event{EnqueuedAtMs: i})
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := seen
		mu.Unlock()
		if n == 5 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("queue stalled after panic, saw %d", n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if q.GetStats().Errors != 1 {
		t.Errorf("expected 1 error, got %d", q.GetStats().Errors)
	}
}
