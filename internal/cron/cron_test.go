package cron

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunnerFiresJobsUntilCancelled(t *testing.T) {
	runner := NewRunner(nil)
	var ticks atomic.Int64
	runner.Add(Job{
		Name:  "count",
		Every: 10 * time.Millisecond,
		Run:   func(ctx context.Context) { ticks.Add(1) },
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runner.Start(ctx) }()

	deadline := time.After(2 * time.Second)
	for ticks.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("expected at least 3 ticks, got %d", ticks.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("runner did not stop")
	}
}
