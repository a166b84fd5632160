// Package buildcache implements the (fingerprint, flags) → compiled-class
// cache and its symbol-change invalidator, grounded on spec.md §4.4. A
// BuildKey is published into the cache the moment a build is initiated, so
// concurrent lookups coalesce onto the same future; a single background
// compile worker drains a priority work queue; and redefining a symbol
// evicts every BuildKey whose last successful build actually resolved that
// symbol.
package buildcache

import (
	"context"
	"fmt"
	"log"
	"sync"

	"golang.org/x/sync/singleflight"
	"golang.org/x/xerrors"

	"github.com/signalrt/kvm/internal/abi"
	"github.com/signalrt/kvm/internal/pcoll"
	"github.com/signalrt/kvm/internal/trace"
)

// BuildKey is the cache key: a specialized closure's fingerprint plus the
// compile-time flag bitset, matching spec.md §3.
type BuildKey struct {
	Fingerprint uint64
	Flags       abi.ClassFlags
}

func hashBuildKey(k BuildKey) uint64 {
	return k.Fingerprint ^ (uint64(k.Flags) * 0x9E3779B97F4A7C15)
}

// Future is a shared, resolve-once handle to a build result, matching
// spec.md §3's "shared future of compiled class".
type Future struct {
	done  chan struct{}
	once  sync.Once
	class *abi.CompiledClass
	err   error
}

func newFuture() *Future { return &Future{done: make(chan struct{})} }

func (f *Future) resolve(class *abi.CompiledClass, err error) {
	f.once.Do(func() {
		f.class, f.err = class, err
		close(f.done)
	})
}

// Wait blocks until the future resolves or ctx is done.
func (f *Future) Wait(ctx context.Context) (*abi.CompiledClass, error) {
	select {
	case <-f.done:
		return f.class, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Resolved reports whether the future has already resolved, without
// blocking.
func (f *Future) Resolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Specializer performs the out-of-scope front-end work of turning a
// BuildKey into a compiled class: it returns the class together with the
// resolution trace (the qualified names the specialization actually read),
// matching spec.md §4.4 step 2.
type Specializer func(ctx context.Context, key BuildKey) (class *abi.CompiledClass, resolved []string, err error)

// Speculator lets a collaborator request additional speculative builds
// while a build is in progress, matching the anticipate_start /
// anticipate_after front-end callbacks of spec.md §4.4.
type Speculator interface {
	AnticipateStart(key BuildKey) []BuildKey
	AnticipateAfter(key BuildKey) []BuildKey
}

// PostProcessor runs once a build resolves successfully, matching spec.md
// §4.4's supplied post_processor (used by the instance manager to detect
// HasStreamClock).
type PostProcessor func(*abi.CompiledClass)

// BuildCache is the persistent BuildKey → Future map plus its dependency
// index and compile work queue.
type BuildCache struct {
	Log *log.Logger

	root        *pcoll.Cref[pcoll.HAMT[BuildKey, *Future]]
	deps        *DependencyIndex
	queue       *workQueue
	specializer Specializer
	speculator  Speculator
	sf          singleflight.Group

	deterministicBuild bool
}

// New returns an empty BuildCache. specializer performs the actual
// specialization work (an out-of-scope collaborator, spec.md §1/§6);
// deterministicBuild controls whether speculative builds requested during
// specialization run before or after the triggering build's promise
// resolves (spec.md §4.4).
func New(log *log.Logger, specializer Specializer, deterministicBuild bool) *BuildCache {
	return &BuildCache{
		Log:                log,
		root:               pcoll.NewCref(pcoll.NewHAMT[BuildKey, *Future](hashBuildKey)),
		deps:               NewDependencyIndex(),
		queue:              newWorkQueue(),
		specializer:        specializer,
		deterministicBuild: deterministicBuild,
	}
}

// SetSpeculator registers the speculative-build collaborator.
func (c *BuildCache) SetSpeculator(s Speculator) { c.speculator = s }

// Build returns the (possibly already-resolved) future for key, creating
// and enqueuing a build job if none exists yet, matching spec.md §4.4 step
// 1: "if present, return existing future; else install a fresh unresolved
// future and schedule a build job."
func (c *BuildCache) Build(ctx context.Context, priority int64, key BuildKey, post PostProcessor) (*Future, error) {
	v, err, _ := c.sf.Do(sfKey(key), func() (interface{}, error) {
		return c.buildOrGet(priority, key, post), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Future), nil
}

func sfKey(key BuildKey) string {
	return fmt.Sprintf("%x/%x", key.Fingerprint, uint64(key.Flags))
}

// buildOrGet installs a new Future for key iff one is not already present,
// racing safely against other callers via the HAMT's update_in contract:
// the updater may run more than once on CAS contention, but only ever
// mutates local state, so re-running it is harmless.
func (c *BuildCache) buildOrGet(priority int64, key BuildKey, post PostProcessor) *Future {
	var mine *Future
	installed := pcoll.UpdateInCref(c.root, key, func(existing *Future, ok bool) *Future {
		if ok {
			return existing
		}
		mine = newFuture()
		return mine
	})
	current, _ := installed.Get(key)
	if current != mine {
		// Someone else's future won the race; nothing to enqueue.
		return current
	}
	c.queue.push(job{priority: priority, key: key, post: post})
	return mine
}

// Invalidate evicts key from the cache, matching spec.md §4.4's explicit
// eviction, used on construction failure so a broken build is never served
// from cache again.
func (c *BuildCache) Invalidate(key BuildKey) {
	c.root.Swap(func(h *pcoll.HAMT[BuildKey, *Future]) *pcoll.HAMT[BuildKey, *Future] {
		return h.Dissoc(key)
	})
	c.deps.Forget(key)
}

// InvalidateSymbols evicts every BuildKey whose last successful build
// resolved any of the given names, matching spec.md §4.4's "for each
// changed name, every dependent BuildKey is evicted" and the testable
// property "symbol invalidation completeness" (spec.md §8).
func (c *BuildCache) InvalidateSymbols(changed []string) ([]BuildKey, error) {
	var evicted []BuildKey
	for _, name := range changed {
		keys, err := c.deps.DependentsOf(name)
		if err != nil {
			return evicted, xerrors.Errorf("computing dependents of %q: %w", name, err)
		}
		for _, key := range keys {
			c.Invalidate(key)
			evicted = append(evicted, key)
		}
	}
	return evicted, nil
}

// Get returns the future currently cached for key, without creating one.
func (c *BuildCache) Get(key BuildKey) (*Future, bool) {
	return c.root.Snapshot().Get(key)
}

// Run starts the single compile worker; it exits when ctx is done.
func (c *BuildCache) Run(ctx context.Context) error {
	for {
		j, ok := c.queue.pop(ctx)
		if !ok {
			return ctx.Err()
		}
		c.runJob(ctx, j)
	}
}

func (c *BuildCache) runJob(ctx context.Context, j job) {
	ev := trace.Event("build "+sfKey(j.key), trace.TidCompileWorker)
	defer ev.Done()

	class, resolved, err := c.specializer(ctx, j.key)
	if err != nil {
		if c.Log != nil {
			c.Log.Printf("buildcache: build %+v failed: %v", j.key, err)
		}
		c.resolveAndKeepCached(j.key, nil, err)
		return
	}

	if c.speculator != nil {
		for _, spec := range c.speculator.AnticipateStart(j.key) {
			if c.deterministicBuild {
				c.runJob(ctx, job{priority: j.priority, key: spec})
			} else {
				c.enqueueSpeculative(spec, j.priority+1)
			}
		}
	}

	c.deps.Record(j.key, resolved)
	class.Finalize()
	if j.post != nil {
		j.post(class)
	}

	if c.speculator != nil {
		after := c.speculator.AnticipateAfter(j.key)
		if c.deterministicBuild {
			for _, spec := range after {
				c.runJob(ctx, job{priority: j.priority, key: spec})
			}
		} else {
			for _, spec := range after {
				c.enqueueSpeculative(spec, j.priority+1)
			}
		}
	}

	c.resolveAndKeepCached(j.key, class, nil)
}

func (c *BuildCache) enqueueSpeculative(key BuildKey, priority int64) {
	c.queue.push(job{priority: priority, key: key})
}

// resolveAndKeepCached resolves the in-flight Future for key. Per spec.md
// §4.4/§7, a build failure still leaves the BuildKey cached (so repeated
// attempts coalesce onto the same failed future); an explicit Invalidate is
// required to retry.
func (c *BuildCache) resolveAndKeepCached(key BuildKey, class *abi.CompiledClass, err error) {
	f, ok := c.Get(key)
	if !ok {
		return
	}
	f.resolve(class, err)
}
