package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/signalrt/kvm/internal/clock"
)

func TestScheduleOrdersByTimestamp(t *testing.T) {
	var mu sync.Mutex
	var order []int64

	run := func(ctx context.Context, clk *clock.Context, ev Event) error {
		mu.Lock()
		order = append(order, ev.Timestamp)
		mu.Unlock()
		if clk.Now() != ev.Timestamp {
			t.Errorf("event clock Now() = %d, want %d (Frozen context)", clk.Now(), ev.Timestamp)
		}
		return nil
	}

	s := New(run, time.Millisecond, nil)
	s.Schedule(300, 1, nil)
	s.Schedule(100, 2, nil)
	s.Schedule(200, 3, nil)

	if got := s.Pending(); got != 3 {
		t.Fatalf("Pending() = %d, want 3", got)
	}

	if err := s.Process(context.Background(), 300); err != nil {
		t.Fatal(err)
	}
	want := []int64{100, 200, 300}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
	if got := s.Pending(); got != 0 {
		t.Fatalf("Pending() after Process = %d, want 0", got)
	}
}

func TestProcessOnlyRunsDueEvents(t *testing.T) {
	var ran []int64
	run := func(ctx context.Context, clk *clock.Context, ev Event) error {
		ran = append(ran, ev.Timestamp)
		return nil
	}
	s := New(run, time.Millisecond, nil)
	s.Schedule(50, 1, nil)
	s.Schedule(150, 2, nil)

	if err := s.Process(context.Background(), 100); err != nil {
		t.Fatal(err)
	}
	if len(ran) != 1 || ran[0] != 50 {
		t.Fatalf("ran = %v, want [50]", ran)
	}
	if got := s.Pending(); got != 1 {
		t.Fatalf("Pending() = %d, want 1", got)
	}
}

func TestNestedScheduleDuringRun(t *testing.T) {
	s := New(nil, time.Millisecond, nil)
	var ran []int64
	run := func(ctx context.Context, clk *clock.Context, ev Event) error {
		ran = append(ran, ev.Timestamp)
		if ev.Timestamp == 10 {
			s.Schedule(20, 99, nil)
		}
		return nil
	}
	s.run = run

	s.Schedule(10, 1, nil)
	if err := s.Process(context.Background(), 100); err != nil {
		t.Fatal(err)
	}
	if len(ran) != 2 || ran[0] != 10 || ran[1] != 20 {
		t.Fatalf("ran = %v, want [10 20]", ran)
	}
}

func TestRenderEventsBlocksUntilProcessed(t *testing.T) {
	var ran bool
	run := func(ctx context.Context, clk *clock.Context, ev Event) error {
		ran = true
		return nil
	}
	s := New(run, time.Millisecond, nil)
	s.Schedule(5, 1, nil)

	if err := s.RenderEvents(context.Background(), 10, 20, true); err != nil {
		t.Fatal(err)
	}
	if !ran {
		t.Fatal("expected RenderEvents(block=true) to synchronously process the due event")
	}
}

func TestRenderEventsNoBlockDoesNotProcess(t *testing.T) {
	var ran bool
	run := func(ctx context.Context, clk *clock.Context, ev Event) error {
		ran = true
		return nil
	}
	s := New(run, time.Millisecond, nil)
	s.Schedule(5, 1, nil)

	if err := s.RenderEvents(context.Background(), 10, 20, false); err != nil {
		t.Fatal(err)
	}
	if ran {
		t.Fatal("expected RenderEvents(block=false) not to process anything")
	}
}
