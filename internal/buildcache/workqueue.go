package buildcache

import (
	"context"
	"sync/atomic"

	"github.com/signalrt/kvm/internal/pcoll"
)

// job is one pending compile, ordered in the WorkQueue by priority (lower
// value built first), matching spec.md §3's "WorkQueue. Persistent
// treap of pending build jobs ordered by priority".
type job struct {
	priority int64
	seq      uint64
	key      BuildKey
	post     PostProcessor
}

func jobLess(a, b job) bool {
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	return a.seq < b.seq
}

func jobPriority(j job) uint64 { return j.seq }

// workQueue is the treap-backed priority queue feeding the single compile
// worker, with a channel used only to wake a blocked consumer — the treap
// itself remains the durable, inspectable queue state.
type workQueue struct {
	ref    *pcoll.Cref[pcoll.Treap[job]]
	wakeup chan struct{}
	seq    atomic.Uint64
}

func newWorkQueue() *workQueue {
	return &workQueue{
		ref:    pcoll.NewCref(pcoll.NewTreap(jobLess, jobPriority)),
		wakeup: make(chan struct{}, 1),
	}
}

func (q *workQueue) push(j job) {
	j.seq = q.seq.Add(1)
	q.ref.Swap(func(t *pcoll.Treap[job]) *pcoll.Treap[job] {
		return t.Insert(j)
	})
	select {
	case q.wakeup <- struct{}{}:
	default:
	}
}

// pop blocks until a job is available or ctx is done.
func (q *workQueue) pop(ctx context.Context) (job, bool) {
	for {
		if j, ok := pcoll.TryPopFront(q.ref); ok {
			return j, true
		}
		select {
		case <-q.wakeup:
		case <-ctx.Done():
			var zero job
			return zero, false
		}
	}
}

// Len reports the number of jobs currently queued.
func (q *workQueue) Len() int {
	return q.ref.Snapshot().Len()
}
