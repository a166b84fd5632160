package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/signalrt/kvm/internal/clock"
	"github.com/signalrt/kvm/internal/pcoll"
)

func TestStreamSubjectSubscribeHearsOnlyFromItsTimestamp(t *testing.T) {
	ss := NewStreamSubject(nil, nil, nil, time.Hour)

	var frames []int
	ss.Subscribe(250, func(start, end int) {
		frames = append(frames, start, end)
	})

	// 1000 frames/block at 1 sample/us (samplesPerUs=1), stream starts at 0.
	if err := ss.Fire(context.Background(), 0, 1000, 1.0); err != nil {
		t.Fatal(err)
	}
	if len(frames) != 2 || frames[0] != 250 || frames[1] != 1000 {
		t.Fatalf("frames = %v, want [250 1000] (subscribe takes effect at sample 250)", frames)
	}
}

func TestStreamSubjectUnsubscribeStopsAtBoundary(t *testing.T) {
	ss := NewStreamSubject(nil, nil, nil, time.Hour)

	var seen [][2]int
	id := ss.Subscribe(0, func(start, end int) {
		seen = append(seen, [2]int{start, end})
	})
	ss.Unsubscribe(500, id)

	if err := ss.Fire(context.Background(), 0, 1000, 1.0); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 1 || seen[0][0] != 0 || seen[0][1] != 500 {
		t.Fatalf("seen = %v, want [[0 500]] (unsubscribe at 500 stops hearing at 500)", seen)
	}

	seen = nil
	if err := ss.Fire(context.Background(), 1000, 1000, 1.0); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 0 {
		t.Fatalf("seen = %v, want none (subscriber already unsubscribed)", seen)
	}
}

func TestStreamSubjectSweepCompactsGarbage(t *testing.T) {
	ss := NewStreamSubject(nil, nil, nil, time.Hour)

	// Splice a tombstoned subscriber straight into the list, bypassing Fire
	// entirely, so a standalone Sweep() call is what reclaims it.
	sub := &streamSubscriber{id: 99}
	sub.garbage.Store(true)
	ss.subscribers.Swap(func(l *pcoll.List[*streamSubscriber]) *pcoll.List[*streamSubscriber] {
		next := pcoll.Cons(sub, *l)
		return &next
	})

	if n := ss.Sweep(); n != 1 {
		t.Fatalf("Sweep() = %d, want 1", n)
	}
	if n := ss.Sweep(); n != 0 {
		t.Fatalf("second Sweep() = %d, want 0", n)
	}
}

func TestStreamSubjectFireCompactsGarbageInline(t *testing.T) {
	ss := NewStreamSubject(nil, nil, nil, time.Hour)
	id := ss.Subscribe(0, func(start, end int) {})
	if err := ss.Fire(context.Background(), 0, 10, 1.0); err != nil {
		t.Fatal(err)
	}
	ss.Unsubscribe(5, id)
	if err := ss.Fire(context.Background(), 10, 10, 1.0); err != nil {
		t.Fatal(err)
	}

	// Fire's own inline compaction (spec.md §5's "sweeps at block
	// granularity") already reclaimed the tombstone left by Unsubscribe, so
	// an explicit Sweep() afterward finds nothing left to do.
	if n := ss.Sweep(); n != 0 {
		t.Fatalf("Sweep() after Fire = %d, want 0 (already compacted inline)", n)
	}
}

func TestStreamSubjectScriptReentersRun(t *testing.T) {
	var gotTimestamp int64 = -1
	run := func(ctx context.Context, clk *clock.Context, ev Event) error {
		gotTimestamp = ev.Timestamp
		if clk.Mode != clock.RenderingStream {
			t.Errorf("script ran under Mode %v, want RenderingStream", clk.Mode)
		}
		return nil
	}

	ss := NewStreamSubject(nil, run, nil, time.Hour)

	ss.ScheduleScript(100, 42, []byte{1, 2, 3})
	if err := ss.Fire(context.Background(), 0, 1000, 1.0); err != nil {
		t.Fatal(err)
	}
	if gotTimestamp != 100 {
		t.Fatalf("gotTimestamp = %d, want 100", gotTimestamp)
	}
}
