package abi

// SymbolFlags enumerates the per-symbol flags of spec.md §3.
type SymbolFlags uint32

const (
	// NoDefault means the symbol must be bound before Construct runs.
	NoDefault SymbolFlags = 1 << iota
	// DrivesOutput marks a symbol that feeds an output device.
	DrivesOutput
	// BlockInput marks a symbol fed in fixed-size blocks (e.g. audio input).
	BlockInput
)

// Symbol describes one binding point of a compiled class, matching the
// packed field order spec.md §6 requires: name, type_descriptor,
// process_callback, byte_size, slot_index, flags.
type Symbol struct {
	Name           string
	TypeDescriptor string
	ProcessCallback ProcessCallback
	ByteSize       int
	SlotIndex      int
	Flags          SymbolFlags
}

// ProcessCallback is invoked when a subscribed subject fires for this
// symbol's slot.
type ProcessCallback func(data []byte)

// ClassFlags enumerate compile-time variants recognized as part of a
// BuildKey (spec.md §3).
type ClassFlags uint32

const (
	FlagDefault ClassFlags = 0
	FlagOmitEvaluate ClassFlags = 1 << (iota - 1)
	FlagOmitReactiveDrivers
	FlagStrictFP
	FlagEmulateFP
	FlagStandaloneModule
	FlagDynamicRate
	// FlagDeterministicBuild is not one of the source ABI's compile
	// variants. internal/instance sets it in the BuildKey it builds when it
	// runs in deterministic mode, so deterministic and non-deterministic
	// builds are cached under separate keys; the build cache's
	// speculative-build ordering follows the deterministicBuild argument of
	// buildcache.New, not this bit.
	FlagDeterministicBuild
)

// ConstructFn allocates and initializes instance-memory from closure data.
// world is the token through which any kvm_* side effect raised during
// construction (e.g. a default value computed by a scheduled sub-script)
// is routed, matching spec.md §4.9's "world token threaded through every
// operation".
type ConstructFn func(world *World, instance, closureArg []byte) error

// EvalFn evaluates the compiled expression against instance and closure
// memory, writing the result and routing any ABI side effect through
// world.
type EvalFn func(world *World, instance, closureArg []byte) (result []byte, err error)

// DestructFn tears down instance-memory (unsubscribing is the instance
// manager's job, not the class's; Destruct only releases the class's own
// resources).
type DestructFn func(world *World, instance []byte)

// ProcessFn advances a stream-clocked symbol's slot by one fixed-size
// block, writing numFrames worth of new data in place into output (the
// symbol's own current slot). Grounded directly on
// original_source/src/runtime/kronosrt.cpp's offline-render loop
// (`audioDriver->process(instanceMemory.data(), output.data(), todo)`),
// which drives the audio slot per block independently of the class's
// general Eval entry point (render builds with FlagOmitEvaluate).
type ProcessFn func(world *World, instance, output []byte, numFrames int) error

// GetSlotFn returns the address of the named symbol's current-value slot
// within instance, by slot index.
type GetSlotFn func(instance []byte, slotIndex int) *[]byte

// ConfigureFn rebinds a slot's value directly (bypassing the hierarchy),
// matching CompiledClass.configure.
type ConfigureFn func(instance []byte, slotIndex int, data []byte)

// CompiledClass is an immutable, shared, function-pointer-plus-descriptor
// record, matching spec.md §3/§6's CompiledClass / "packed record" layout.
// Fields are grouped as function pointers, then type descriptors, then
// sizes and the symbol table, loosely following that layout list rather
// than reproducing its exact order; nothing is byte-packed, since no
// cross-language ABI boundary crosses this struct.
type CompiledClass struct {
	Configure ConfigureFn
	Construct ConstructFn
	GetSlot   GetSlotFn
	Eval      EvalFn
	Destruct  DestructFn

	// Process advances the "audio" symbol's slot one block at a time; nil
	// for classes with no stream clock. See ProcessFn.
	Process ProcessFn

	EvalArgTypeDescriptor string
	ResultTypeDescriptor  string

	SizeOfInstance int
	SizeOfResult   int
	SizeOfEvalArg  int

	Symbols []Symbol

	// HasStreamClock is set true by the build cache's post-processing pass
	// iff a symbol named "audio" is present (spec.md §3).
	HasStreamClock bool

	// MinABIVersion is the lowest host ABI version (semver) this compiled
	// class is valid against, declared by the specializer that produced it
	// (spec.md §7's "ABI-version mismatch" runtime-error case). Empty means
	// no minimum is declared.
	MinABIVersion string
}

// Finalize runs the post-processing pass spec.md §3 describes: detecting
// the stream clock symbol. Called once by the build cache after a class is
// constructed, before it is published.
func (c *CompiledClass) Finalize() {
	for _, sym := range c.Symbols {
		if sym.Name == "audio" {
			c.HasStreamClock = true
			return
		}
	}
}
