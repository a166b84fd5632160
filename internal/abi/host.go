package abi

import (
	"time"

	"golang.org/x/mod/semver"
	"golang.org/x/xerrors"

	"github.com/signalrt/kvm/internal/clock"
)

// World is the opaque token threaded through every kvm_* operation,
// matching spec.md §4.9: a process-wide handle recovering the host
// environment an operation should act on. Per spec.md §9's "pseudo-stack"
// design note ("thread-local... per-thread and lifetime-bound to one
// script invocation; no cross-thread sharing"), a World is constructed
// fresh for each script/event invocation rather than shared across
// goroutines, so its pseudo-stack needs no locking: it carries the stack
// directly instead of reaching for goroutine-local storage, which Go does
// not provide.
type World struct {
	host  ABIHost
	clk   *clock.Context
	stack [][]byte
}

// NewWorld returns a World bound to host under a Realtime clock, with an
// empty pseudo-stack. Use NewWorldWithClock when the invocation already
// has a specific timing context (an executing event, a stream-subject
// script reentry).
func NewWorld(host ABIHost) *World { return &World{host: host, clk: clock.NewRealtime()} }

// NewWorldWithClock returns a World bound to host under clk.
func NewWorldWithClock(host ABIHost, clk *clock.Context) *World {
	return &World{host: host, clk: clk}
}

// Host recovers the bound ABIHost.
func (w *World) Host() ABIHost { return w.host }

// Clock recovers the timing context this invocation is running under,
// matching the `now` ABI op's dependence on the calling script's ambient
// timing context rather than a fixed global one (spec.md §9's resolved
// Open Question).
func (w *World) Clock() *clock.Context { return w.clk }

// PushFrame copies data onto the pseudo-stack, matching the push op
// (spec.md §4.9).
func (w *World) PushFrame(data []byte) {
	frame := make([]byte, len(data))
	copy(frame, data)
	w.stack = append(w.stack, frame)
}

// PopFrame removes and returns the top pseudo-stack frame, matching the
// pop op. It is an internal-error to pop an empty stack or a frame whose
// size does not match wantSize.
func (w *World) PopFrame(wantSize int) ([]byte, error) {
	if len(w.stack) == 0 {
		return nil, NewInternal("pseudo-stack pop: %w", xerrors.New("stack is empty"))
	}
	top := w.stack[len(w.stack)-1]
	if wantSize >= 0 && len(top) != wantSize {
		return nil, NewInternal("pseudo-stack pop: %w", xerrors.Errorf("frame is %d bytes, want %d", len(top), wantSize))
	}
	w.stack = w.stack[:len(w.stack)-1]
	return top, nil
}

// InstanceHandle is the stable 64-bit identity of a started instance,
// matching spec.md §4.5's "stable identity pointer ... as a 64-bit handle".
type InstanceHandle uint64

// ABIHost is the host side of the kvm_* operation vocabulary (spec.md
// §4.9). internal/instance.Environment implements this directly, matching
// the teacher's Environment class playing both the instance-manager and
// ABI-host roles.
type ABIHost interface {
	// Print routes a value to the output sink addressed by pipe.
	Print(world *World, pipe string, descriptor []Node, data []byte) error
	// Sleep suspends the calling goroutine for d.
	Sleep(world *World, d time.Duration)
	// Branch runs then or els as a fingerprinted sub-expression at the
	// current virtual time, chosen by cond.
	Branch(world *World, cond bool, then, els func() ([]byte, error)) ([]byte, error)
	// Schedule enqueues an event on the timeline at timestamp (microseconds
	// since epoch).
	Schedule(world *World, timestamp int64, fingerprint uint64, closureData []byte) error
	// Render invokes the offline renderer.
	Render(world *World, path string, fingerprint uint64, closureData []byte, sampleRate float64, numFrames int) error
	// Now returns the environment's current virtual or wall time.
	Now(world *World) int64
	// SchedulerRate returns the scheduler's tick rate (ticks per second).
	SchedulerRate(world *World) float64
	// Start constructs a persistent instance and returns its handle.
	Start(world *World, fingerprint uint64, closureData []byte) (InstanceHandle, error)
	// Stop destroys a persistent instance.
	Stop(world *World, handle InstanceHandle) error
	// Pop copies bytes from the pseudo-stack top into a caller buffer.
	Pop(world *World, wantSize int) ([]byte, error)
	// Push copies bytes into a new pseudo-stack frame.
	Push(world *World, data []byte)
	// Dispatch locates the instance, resolves the symbol index, and
	// dispatches arg to it. wantResult mirrors the op's nullable result-ptr
	// parameter (spec.md §4.9): when false and the target has a stream
	// clock, dispatch is deferred to the sample-accurate stream queue
	// instead of running synchronously.
	Dispatch(world *World, handle InstanceHandle, symbol string, arg []byte, wantResult bool) (result []byte, err error)
}

// Version is the ABI's semantic version, checked against a compiled class's
// declared minimum at Start (spec.md §7 "ABI-version mismatch" is a
// runtime-error).
const Version = "v1.0.0"

// CheckCompatible reports whether a compiled class declaring minVersion as
// its minimum required ABI version can run against this host's Version. An
// empty minVersion declares no minimum and is always compatible.
func CheckCompatible(minVersion string) error {
	if minVersion == "" {
		return nil
	}
	if !semver.IsValid(minVersion) {
		return NewRuntime("ABI version mismatch: %w", xerrors.Errorf("invalid version string %q", minVersion))
	}
	if semver.Compare(Version, minVersion) < 0 {
		return &Error{Kind: Runtime, Err: xerrors.Errorf("ABI version mismatch: host %s older than required %s", Version, minVersion)}
	}
	return nil
}
