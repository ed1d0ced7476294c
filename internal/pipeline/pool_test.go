package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/RockChinQ/LangBot/internal/entities"
	"github.com/RockChinQ/LangBot/internal/plugin"
)

func TestPoolProcessesQueuedQueries(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[int64]bool)
	done := make(chan struct{}, 8)

	recorder := &fakeStage{name: "recorder", process: func(_ context.Context, q *entities.Query) (*Result, error) {
		mu.Lock()
		seen[q.ID] = true
		mu.Unlock()
		done <- struct{}{}
		return Interrupt(), nil
	}}
	c := NewController([]Stage{recorder}, plugin.NewHost(nil), nil, nil)
	pool := NewPool(c, 2, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	finished := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(finished)
	}()

	snap := testSnapshot()
	queries := []*entities.Query{
		personQuery(snap, 1, "a"),
		personQuery(snap, 2, "b"),
		personQuery(snap, 3, "c"),
	}
	for _, q := range queries {
		if err := pool.AddQuery(q); err != nil {
			t.Fatalf("add query: %v", err)
		}
	}

	for range queries {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for workers")
		}
	}

	mu.Lock()
	for _, q := range queries {
		if !seen[q.ID] {
			t.Fatalf("query %d was never processed", q.ID)
		}
	}
	mu.Unlock()

	cancel()
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatalf("pool did not stop after cancellation")
	}
}

func TestPoolWorkerSurvivesStagePanic(t *testing.T) {
	done := make(chan int64, 2)
	exploding := &fakeStage{name: "exploding", process: func(_ context.Context, q *entities.Query) (*Result, error) {
		done <- q.ID
		if q.SenderID == 1 {
			panic("stage exploded")
		}
		return Interrupt(), nil
	}}
	c := NewController([]Stage{exploding}, plugin.NewHost(nil), nil, nil)
	pool := NewPool(c, 1, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	finished := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(finished)
	}()

	snap := testSnapshot()
	if err := pool.AddQuery(personQuery(snap, 1, "boom")); err != nil {
		t.Fatalf("add query: %v", err)
	}
	if err := pool.AddQuery(personQuery(snap, 2, "after")); err != nil {
		t.Fatalf("add query: %v", err)
	}

	// The single worker must outlive the panic and reach the second
	// query.
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("worker died after a panicking query")
		}
	}

	cancel()
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatalf("pool did not stop after cancellation")
	}
}

func TestPoolRejectsAfterShutdown(t *testing.T) {
	c := NewController(nil, plugin.NewHost(nil), nil, nil)
	pool := NewPool(c, 1, nil)

	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(finished)
	}()

	cancel()
	<-finished

	err := pool.AddQuery(personQuery(testSnapshot(), 1, "late"))
	if !errors.Is(err, entities.ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}
}
