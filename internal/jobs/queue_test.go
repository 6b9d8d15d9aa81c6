package jobs

import (
	"context"
	"io"
	"log"
	"sync/atomic"
	"testing"
	"time"
)

func newTestQueue(size, workers int) *Queue {
	return NewQueue(nil, Config{QueueSize: size, Workers: workers}, log.New(io.Discard, "", 0))
}

func TestEnqueueDeduplicatesByKey(t *testing.T) {
	queue := newTestQueue(8, 1)

	release := make(chan struct{})
	var runs atomic.Int32
	job := Job{
		Key: "sync_server||srv_1",
		Run: func(context.Context) error {
			runs.Add(1)
			<-release
			return nil
		},
	}

	queued, err := queue.Enqueue(context.Background(), job)
	if err != nil || !queued {
		t.Fatalf("first enqueue: queued=%v err=%v", queued, err)
	}
	queued, err = queue.Enqueue(context.Background(), job)
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if queued {
		t.Fatal("expected duplicate key to be dropped")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	queue.Start(ctx)
	close(release)

	waitFor(t, func() bool { return runs.Load() == 1 })
}

func TestKeyReusableAfterCompletion(t *testing.T) {
	queue := newTestQueue(8, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	queue.Start(ctx)

	var runs atomic.Int32
	job := Job{
		Key: "download||v1",
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	}

	if queued, err := queue.Enqueue(ctx, job); err != nil || !queued {
		t.Fatalf("first enqueue: queued=%v err=%v", queued, err)
	}
	waitFor(t, func() bool { return runs.Load() == 1 })

	if queued, err := queue.Enqueue(ctx, job); err != nil || !queued {
		t.Fatalf("re-enqueue after completion: queued=%v err=%v", queued, err)
	}
	waitFor(t, func() bool { return runs.Load() == 2 })
}

func TestEnqueueWithoutKeyNeverDeduplicates(t *testing.T) {
	queue := newTestQueue(8, 0)

	for i := 0; i < 3; i++ {
		queued, err := queue.Enqueue(context.Background(), Job{Run: func(context.Context) error { return nil }})
		if err != nil || !queued {
			t.Fatalf("enqueue %d: queued=%v err=%v", i, queued, err)
		}
	}
}

func TestQueueFullReleasesClaim(t *testing.T) {
	queue := newTestQueue(1, 0)

	filler := Job{Run: func(context.Context) error { return nil }}
	if _, err := queue.Enqueue(context.Background(), filler); err != nil {
		t.Fatalf("filler enqueue: %v", err)
	}

	keyed := Job{Key: "k", Run: func(context.Context) error { return nil }}
	if _, err := queue.Enqueue(context.Background(), keyed); err != ErrQueueFull {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	// The claim must have been released so the key can be queued later.
	claimed, err := queue.dedupe.Claim(context.Background(), "k", time.Minute)
	if err != nil || !claimed {
		t.Fatalf("claim after full queue: claimed=%v err=%v", claimed, err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
