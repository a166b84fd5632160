package scheduler

import (
	"context"
	"log"
	"math"
	"sync/atomic"
	"time"

	"github.com/signalrt/kvm/internal/abi"
	"github.com/signalrt/kvm/internal/clock"
	"github.com/signalrt/kvm/internal/pcoll"
	"github.com/signalrt/kvm/internal/trace"
)

// StreamEventKind enumerates what fire() does when it reaches a
// StreamEvent, matching spec.md §4.8's "(subscribe, unsubscribe, script,
// dispatch(k))".
type StreamEventKind int

const (
	StreamSubscribe StreamEventKind = iota
	StreamUnsubscribe
	StreamScript
	StreamDispatch
)

// StreamEvent is one entry in the stream subject's own treap, distinct
// from the main Scheduler's Event: it additionally carries whichever of
// subscribe/unsubscribe/script/dispatch payload its Kind needs.
type StreamEvent struct {
	Timestamp int64
	Seq       uint64
	Kind      StreamEventKind

	Subscriber *streamSubscriber // StreamSubscribe
	TargetID   uint64            // StreamUnsubscribe

	Fingerprint uint64 // StreamScript
	ClosureData []byte // StreamScript

	Handle abi.InstanceHandle // StreamDispatch
	Symbol string             // StreamDispatch
	Arg    []byte             // StreamDispatch
}

func streamEventLess(a, b StreamEvent) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	return a.Seq < b.Seq
}

func streamEventPriority(e StreamEvent) uint64 { return e.Seq }

// SampleCallback processes frames [start, end) of the current audio block
// for one subscriber. The original native subscriber node held a raw
// pointer into the shared device buffer; here the caller's closure owns
// that buffer and this signature only carries the frame range, since this
// runtime does not itself model a concrete sample format.
type SampleCallback func(start, end int)

type streamSubscriber struct {
	id      uint64
	process SampleCallback
	garbage atomic.Bool
}

// Dispatcher resolves an instance handle's symbol dispatch, matching
// spec.md §4.9's dispatch op.
type Dispatcher func(ctx context.Context, handle abi.InstanceHandle, symbol string, arg []byte) error

// StreamSubject is the sample-accurate audio clock of spec.md §4.8. Only
// the goroutine calling Fire ever mutates the subscriber list's structure
// (splicing in a new node, appending to it); unsubscribe only ever flips a
// subscriber's own garbage flag, so it is safe from any goroutine. A
// separate sweeper goroutine periodically compacts the list; it does not
// touch the event queue.
type StreamSubject struct {
	Log *log.Logger

	scheduler *Scheduler
	run       Runner
	dispatch  Dispatcher

	queue       *pcoll.Cref[pcoll.Treap[StreamEvent]]
	subscribers *pcoll.Cref[pcoll.List[*streamSubscriber]]
	seq         uint64
	nextSubID   uint64

	sweepInterval time.Duration
}

// NewStreamSubject returns a StreamSubject driven by scheduler's timeline
// for virtual-time event pre-rendering (spec.md §4.8 step 1).
func NewStreamSubject(scheduler *Scheduler, run Runner, dispatch Dispatcher, sweepInterval time.Duration) *StreamSubject {
	empty := pcoll.Nil[*streamSubscriber]()
	return &StreamSubject{
		scheduler:     scheduler,
		run:           run,
		dispatch:      dispatch,
		queue:         pcoll.NewCref(pcoll.NewTreap(streamEventLess, streamEventPriority)),
		subscribers:   pcoll.NewCref(&empty),
		sweepInterval: sweepInterval,
	}
}

func (s *StreamSubject) enqueue(ev StreamEvent) {
	ev.Seq = atomic.AddUint64(&s.seq, 1)
	s.queue.Swap(func(t *pcoll.Treap[StreamEvent]) *pcoll.Treap[StreamEvent] {
		return t.Insert(ev)
	})
}

// Subscribe enqueues a subscribe event effective at timestamp, matching
// spec.md §4.8's "subscribe at time t never hears samples for times < t".
func (s *StreamSubject) Subscribe(timestamp int64, cb SampleCallback) uint64 {
	id := atomic.AddUint64(&s.nextSubID, 1)
	s.enqueue(StreamEvent{
		Timestamp:  timestamp,
		Kind:       StreamSubscribe,
		Subscriber: &streamSubscriber{id: id, process: cb},
	})
	return id
}

// Unsubscribe enqueues an unsubscribe event effective at timestamp,
// matching "an unsubscribe at time t hears samples up to t-1 and none at t
// or later".
func (s *StreamSubject) Unsubscribe(timestamp int64, id uint64) {
	s.enqueue(StreamEvent{Timestamp: timestamp, Kind: StreamUnsubscribe, TargetID: id})
}

// ScheduleScript enqueues a script re-entry at timestamp, the StreamEvent
// analogue of Scheduler.Schedule for events that must be sample-accurate
// against the current audio block rather than merely timeline-ordered.
func (s *StreamSubject) ScheduleScript(timestamp int64, fingerprint uint64, closureData []byte) {
	s.enqueue(StreamEvent{Timestamp: timestamp, Kind: StreamScript, Fingerprint: fingerprint, ClosureData: closureData})
}

// ScheduleDispatch enqueues a direct symbol dispatch at timestamp.
func (s *StreamSubject) ScheduleDispatch(timestamp int64, handle abi.InstanceHandle, symbol string, arg []byte) {
	s.enqueue(StreamEvent{Timestamp: timestamp, Kind: StreamDispatch, Handle: handle, Symbol: symbol, Arg: arg})
}

// Fire is the audio device driver contract of spec.md §4.8: it must be
// called once per audio block, in order, from a single thread.
// samplesPerUs is the sample rate expressed as samples per microsecond.
func (s *StreamSubject) Fire(ctx context.Context, streamTime int64, numFrames int, samplesPerUs float64) error {
	ev := trace.Event("fire", trace.TidStreamFire)
	defer ev.Done()

	blockDuration := int64(math.Ceil(float64(numFrames) / samplesPerUs))
	if s.scheduler != nil {
		if err := s.scheduler.RenderEvents(ctx, streamTime+blockDuration, streamTime+2*blockDuration, true); err != nil {
			return err
		}
	}

	before := s.queue.Snapshot()
	bound := StreamEvent{Timestamp: streamTime + blockDuration, Seq: ^uint64(0)}
	next, batch := before.PopUpTo(bound, true)
	s.queue.CompareAndSwap(before, next)

	cursor := 0
	for _, sev := range batch {
		offset := int(math.Round(float64(sev.Timestamp-streamTime) * samplesPerUs))
		if offset < cursor {
			offset = cursor
		}
		if offset > numFrames {
			offset = numFrames
		}
		s.advance(cursor, offset)
		cursor = offset

		if err := s.apply(ctx, sev); err != nil && s.Log != nil {
			s.Log.Printf("streamsubject: event at %d failed: %v", sev.Timestamp, err)
		}
	}
	s.advance(cursor, numFrames)

	// Inline compaction at block granularity bounds the subscriber list's
	// growth between background sweeps (spec.md §5's sweeper thread runs on
	// its own ≈100ms cadence, which would otherwise let a high block rate
	// accumulate many tombstones in between).
	s.Sweep()
	return nil
}

// advance runs every live subscriber across frames [from, to).
func (s *StreamSubject) advance(from, to int) {
	if to <= from {
		return
	}
	subs := s.subscribers.Snapshot()
	subs.ForEach(func(sub *streamSubscriber) bool {
		if !sub.garbage.Load() {
			sub.process(from, to)
		}
		return true
	})
}

func (s *StreamSubject) apply(ctx context.Context, sev StreamEvent) error {
	switch sev.Kind {
	case StreamSubscribe:
		s.subscribers.Swap(func(l *pcoll.List[*streamSubscriber]) *pcoll.List[*streamSubscriber] {
			next := pcoll.Cons(sev.Subscriber, *l)
			return &next
		})
		return nil
	case StreamUnsubscribe:
		s.subscribers.Snapshot().ForEach(func(sub *streamSubscriber) bool {
			if sub.id == sev.TargetID {
				sub.garbage.Store(true)
				return false
			}
			return true
		})
		return nil
	case StreamScript:
		if s.run == nil {
			return nil
		}
		clk := clock.NewVirtual(clock.RenderingStream, sev.Timestamp)
		return s.run(ctx, clk, Event{Timestamp: sev.Timestamp, Fingerprint: sev.Fingerprint, ClosureData: sev.ClosureData})
	case StreamDispatch:
		if s.dispatch == nil {
			return nil
		}
		return s.dispatch(ctx, sev.Handle, sev.Symbol, sev.Arg)
	default:
		return nil
	}
}

// Sweep compacts tombstoned subscribers out of the list and returns how
// many it removed; pending queue entries are left untouched, whatever their
// timestamp. It is safe to call concurrently with Fire:
// Fire only ever reads a Snapshot of subscribers, and reinstalling a
// compacted copy via Swap never races with Fire's own append, which always
// conses onto whatever the current snapshot is at the time.
func (s *StreamSubject) Sweep() int {
	removed := 0
	s.subscribers.Swap(func(l *pcoll.List[*streamSubscriber]) *pcoll.List[*streamSubscriber] {
		var kept []*streamSubscriber
		l.ForEach(func(sub *streamSubscriber) bool {
			if sub.garbage.Load() {
				removed++
			} else {
				kept = append(kept, sub)
			}
			return true
		})
		next := pcoll.Nil[*streamSubscriber]()
		for i := len(kept) - 1; i >= 0; i-- {
			next = pcoll.Cons(kept[i], next)
		}
		return &next
	})
	return removed
}

// Run drives Sweep at sweepInterval cadence until ctx is done, matching
// the ≈100ms sweeper thread of spec.md §5.
func (s *StreamSubject) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n := s.Sweep()
			if n > 0 {
				trace.Counter("streamsubject.swept", trace.TidSweeper, int64(n))
			}
		}
	}
}
