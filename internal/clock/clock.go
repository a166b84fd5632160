// Package clock resolves "now" for the runtime, grounded on
// original_source/src/runtime/scheduler.h's TimingContextTy / VirtualTimePoint
// / Scheduler::Now. The teacher's original reaches for a thread-local
// TimingContextTy() and VirtualTimePoint() pair of free functions, swapped by
// a ScriptContext RAII guard on entry to a script invocation. Go has no
// per-goroutine-local storage, and the underlying audio/scheduler worker
// pool in this runtime deliberately moves work across goroutines (errgroup
// workers, not one-thread-per-instance), so a global thread-local would be
// silently wrong under concurrency. Instead every call that needs "now"
// takes an explicit *Context, matching the teacher's own Ctx-threading idiom
// (internal/batch.Ctx) rather than a goroutine-local.
package clock

import "time"

// Mode mirrors TimingContextTy: which notion of "now" a call should use.
type Mode int

const (
	// Realtime reads the wall clock.
	Realtime Mode = iota
	// Frozen reports the Context's fixed Virtual timestamp (the time of the
	// event or script being run), so repeated calls within one script see a
	// single consistent "now".
	Frozen
	// SpeculativeScheduler reads the scheduler's rendered-ahead virtual time.
	SpeculativeScheduler
	// RenderingStream reads the stream subject's sample-accurate virtual time.
	RenderingStream
)

// Source supplies wall-clock time; overridable for deterministic tests,
// matching the teacher's preference for injected collaborators over global
// state.
type Source interface {
	Now() time.Time
}

type systemSource struct{}

func (systemSource) Now() time.Time { return time.Now() }

// Context carries the timing mode and, when Mode is not Realtime, the
// virtual timestamp to report instead of the wall clock. Callers construct
// one per script invocation (the teacher's ScriptContext) and pass it
// explicitly to anything that calls Now.
type Context struct {
	Mode    Mode
	Virtual int64 // microseconds since epoch, meaningful when Mode != Realtime
	Source  Source
}

// NewRealtime returns a Context reporting the wall clock.
func NewRealtime() *Context {
	return &Context{Mode: Realtime, Source: systemSource{}}
}

// NewVirtual returns a Context reporting a fixed virtual timestamp, used by
// the scheduler's speculative render-ahead and by the stream subject's
// sample-accurate dispatch.
func NewVirtual(mode Mode, virtualMicros int64) *Context {
	return &Context{Mode: mode, Virtual: virtualMicros}
}

// Now returns the current time in microseconds since the Unix epoch,
// matching Scheduler::Now's int64 microsecond return and Rate() == 1e6.
func (c *Context) Now() int64 {
	switch c.Mode {
	case Realtime:
		src := c.Source
		if src == nil {
			src = systemSource{}
		}
		return src.Now().UnixMicro()
	default:
		return c.Virtual
	}
}

// Rate returns the scheduler's time base: microseconds per second, matching
// Scheduler::Rate().
func Rate() float64 { return 1e6 }

// WithVirtual returns a derived Context at the given virtual timestamp,
// preserving Mode, for a nested call that must see a later point in
// speculative or stream time without mutating the caller's Context.
func (c *Context) WithVirtual(virtualMicros int64) *Context {
	return &Context{Mode: c.Mode, Virtual: virtualMicros, Source: c.Source}
}
