// Package scheduler implements the virtual-time event timeline and the
// sample-accurate stream subject, grounded on spec.md §4.7/§4.8 and
// original_source/src/runtime/scheduler.h. The timeline orders arbitrary
// future work (Event, a treap entry keyed by virtual timestamp); the stream
// subject layers sample-accurate subscriber dispatch for the audio clock on
// top of the same treap-backed queue idiom.
package scheduler

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/signalrt/kvm/internal/clock"
	"github.com/signalrt/kvm/internal/pcoll"
	"github.com/signalrt/kvm/internal/trace"
)

// Event is one pending piece of scheduled work, matching spec.md §3's
// "Event. (timestamp, fingerprint, closure_arg)".
type Event struct {
	Timestamp   int64
	Seq         uint64
	Fingerprint uint64
	ClosureData []byte
}

func eventLess(a, b Event) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	return a.Seq < b.Seq
}

func eventPriority(e Event) uint64 { return e.Seq }

// Runner executes one event's payload (environment.run, spec.md §4.5) under
// the Frozen clock context the event timeline has set up for it.
type Runner func(ctx context.Context, clk *clock.Context, ev Event) error

// Scheduler is the environment-owned singleton timeline of spec.md §4.7.
type Scheduler struct {
	Log *log.Logger

	timeline *pcoll.Cref[pcoll.Treap[Event]]
	pending  int64
	seq      uint64

	renderMu sync.Mutex

	tickInterval    time.Duration
	gracePeriod     time.Duration
	didRenderUpTo   int64
	prerenderTarget int64

	source clock.Source
	run    Runner
}

// New returns a Scheduler that invokes run for each due event and paces its
// own tick loop at tickInterval.
func New(run Runner, tickInterval time.Duration, source clock.Source) *Scheduler {
	if source == nil {
		source = clock.NewRealtime().Source
	}
	return &Scheduler{
		timeline:     pcoll.NewCref(pcoll.NewTreap(eventLess, eventPriority)),
		tickInterval: tickInterval,
		gracePeriod:  tickInterval,
		source:       source,
		run:          run,
	}
}

// Pending returns the number of events not yet processed.
func (s *Scheduler) Pending() int64 { return atomic.LoadInt64(&s.pending) }

// Schedule enqueues an event, matching spec.md §4.7's
// "insert_into(timeline, event); increment pending count".
func (s *Scheduler) Schedule(timestamp int64, fingerprint uint64, closureData []byte) {
	ev := Event{
		Timestamp:   timestamp,
		Seq:         atomic.AddUint64(&s.seq, 1),
		Fingerprint: fingerprint,
		ClosureData: closureData,
	}
	s.timeline.Swap(func(t *pcoll.Treap[Event]) *pcoll.Treap[Event] {
		return t.Insert(ev)
	})
	atomic.AddInt64(&s.pending, 1)
	trace.Counter("scheduler.pending", trace.TidSchedulerTick, atomic.LoadInt64(&s.pending))
}

// Process executes every event with timestamp ≤ upTo, in order, matching
// spec.md §4.7's process(up_to). It holds the render lock for the
// duration, which is the timeline's only lock: readers of the timeline
// itself (Schedule from any other thread) never block on it, only this
// drain loop is serialized against itself and against render_events.
func (s *Scheduler) Process(ctx context.Context, upTo int64) error {
	s.renderMu.Lock()
	defer s.renderMu.Unlock()
	return s.processLocked(ctx, upTo)
}

func (s *Scheduler) processLocked(ctx context.Context, upTo int64) error {
	for {
		before := s.timeline.Snapshot()
		bound := Event{Timestamp: upTo, Seq: ^uint64(0)}
		next, batch := before.PopUpTo(bound, true)
		if len(batch) == 0 {
			return nil
		}
		if !s.timeline.CompareAndSwap(before, next) {
			// Another Schedule() raced ahead of us; retry against the
			// fresh snapshot rather than processing a stale batch.
			continue
		}
		for i, ev := range batch {
			if err := ctx.Err(); err != nil {
				s.requeue(batch[i:])
				return err
			}
			clk := clock.NewVirtual(clock.Frozen, ev.Timestamp)
			ev := ev
			func() {
				tev := trace.Event("event", trace.TidSchedulerTick)
				defer tev.Done()
				if err := s.run(ctx, clk, ev); err != nil && s.Log != nil {
					s.Log.Printf("scheduler: event at %d failed: %v", ev.Timestamp, err)
				}
			}()
			atomic.AddInt64(&s.pending, -1)
			// A Schedule() call made from inside run (e.g. a script that
			// itself schedules) swaps the timeline identity out from under
			// us. Detect that and re-queue whatever of our batch is left
			// unexecuted, so it is merged in timestamp order with what was
			// just inserted; the outer loop then drains again up to upTo.
			if s.timeline.Snapshot() != next && i+1 < len(batch) {
				s.requeue(batch[i+1:])
				break
			}
		}
	}
}

func (s *Scheduler) requeue(rest []Event) {
	for _, ev := range rest {
		s.timeline.Swap(func(t *pcoll.Treap[Event]) *pcoll.Treap[Event] {
			return t.Insert(ev)
		})
	}
}

// Tick processes everything due by now()+tickInterval, matching spec.md
// §4.7's tick(): "process up to now()+tickInterval; if pending is empty,
// extend the window by a small grace period." Its window is computed from
// the Scheduler's wall-clock Source; each event it runs still receives a
// Frozen context at the event's own timestamp.
func (s *Scheduler) Tick(ctx context.Context) error {
	// The tick worker's own pacing always needs the real wall clock; no
	// SpeculativeScheduler context is built here, so a nested now() call
	// from inside an event observes that event's Frozen timestamp.
	now := s.source.Now().UnixMicro()
	upTo := now + s.tickInterval.Microseconds()
	if s.Pending() == 0 {
		upTo += s.gracePeriod.Microseconds()
	}
	if target := atomic.LoadInt64(&s.prerenderTarget); target > upTo {
		upTo = target
	}
	return s.Process(ctx, upTo)
}

// Run drives Tick at tickInterval cadence until ctx is done, matching the
// dedicated ≈1ms scheduler tick thread of spec.md §5.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil && s.Log != nil && err != context.Canceled {
				s.Log.Printf("scheduler: tick: %v", err)
			}
		}
	}
}

// RenderEvents ensures every event with timestamp ≤ require has been
// processed, matching spec.md §4.7's render_events(require, speculate,
// block). speculate is published for the tick worker's opportunistic
// catch-up; it has no effect if block is also requested for a ≥ timestamp
// this call already satisfies synchronously.
func (s *Scheduler) RenderEvents(ctx context.Context, require, speculate int64, block bool) error {
	if speculate > atomic.LoadInt64(&s.prerenderTarget) {
		atomic.StoreInt64(&s.prerenderTarget, speculate)
	}
	if atomic.LoadInt64(&s.didRenderUpTo) >= require {
		return nil
	}
	if !block {
		return nil
	}
	if err := s.Process(ctx, require); err != nil {
		return err
	}
	if require > atomic.LoadInt64(&s.didRenderUpTo) {
		atomic.StoreInt64(&s.didRenderUpTo, require)
	}
	return nil
}
