package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestAddRecurringRunsAndCanBeRemoved(t *testing.T) {
	s, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Stop()

	var calls int32
	if err := s.AddRecurring("poll", 20*time.Millisecond, func(ctx context.Context) {
		atomic.AddInt32(&calls, 1)
	}); err != nil {
		t.Fatalf("AddRecurring: %v", err)
	}
	if !s.HasJob("poll") {
		t.Fatal("expected job to be registered")
	}

	deadline := time.After(500 * time.Millisecond)
	for atomic.LoadInt32(&calls) < 2 {
		select {
		case <-deadline:
			t.Fatal("recurring job did not run at least twice in time")
		case <-time.After(10 * time.Millisecond):
		}
	}

	s.RemoveJob("poll")
	if s.HasJob("poll") {
		t.Fatal("expected job to be removed")
	}
}

func TestAddRecurringReplacesExisting(t *testing.T) {
	s, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Stop()

	if err := s.AddRecurring("poll", time.Hour, func(context.Context) {}); err != nil {
		t.Fatalf("AddRecurring: %v", err)
	}
	if err := s.AddRecurring("poll", time.Hour, func(context.Context) {}); err != nil {
		t.Fatalf("AddRecurring (replace): %v", err)
	}
	if !s.HasJob("poll") {
		t.Fatal("expected replaced job to still be registered")
	}
}

func TestRunOnceExecutes(t *testing.T) {
	s, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Stop()

	done := make(chan struct{})
	if err := s.RunOnce(func(ctx context.Context) {
		close(done)
	}); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("one-shot job did not run in time")
	}
}
