package main

import (
	"context"
	"encoding/binary"
	"hash/fnv"
	"log"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/xerrors"

	"github.com/signalrt/kvm/internal/abi"
	"github.com/signalrt/kvm/internal/buildcache"
)

// library is the demo host's stand-in for the front-end compiler/specializer
// the runtime deliberately leaves as an external collaborator (spec.md §1's
// "OUT OF SCOPE: source-text parsing ... back-end code generators"). Rather
// than parse a real expression language, it treats every "*.kvm" file under
// root as a single named constant signal, so that the rest of the host
// (build cache, instance manager, scheduler) has something real to build,
// cache, invalidate and run against.
type library struct {
	root string
	log  *log.Logger

	mu       sync.Mutex
	byFinger map[uint64]string // fingerprint -> absolute path
}

func newLibrary(root string, logger *log.Logger) (*library, error) {
	l := &library{root: root, log: logger, byFinger: make(map[uint64]string)}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, xerrors.Errorf("reading library root %q: %w", root, err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".kvm" {
			continue
		}
		l.add(filepath.Join(root, e.Name()))
	}
	return l, nil
}

func stemOf(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func fingerprintOf(stem string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(stem))
	return h.Sum64()
}

func (l *library) add(path string) uint64 {
	fp := fingerprintOf(stemOf(path))
	l.mu.Lock()
	l.byFinger[fp] = path
	l.mu.Unlock()
	return fp
}

func (l *library) remove(path string) {
	fp := fingerprintOf(stemOf(path))
	l.mu.Lock()
	delete(l.byFinger, fp)
	l.mu.Unlock()
}

// fingerprints returns a stable snapshot of the currently known (name,
// fingerprint) pairs, used by the host to seed demo instances at startup.
func (l *library) fingerprints() map[string]uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]uint64, len(l.byFinger))
	for fp, path := range l.byFinger {
		out[stemOf(path)] = fp
	}
	return out
}

// specialize implements buildcache.Specializer: it reads the file bound to
// key.Fingerprint, parses it as a decimal constant, and returns a
// CompiledClass with a single symbol ("out") holding that value. resolved
// names the file's own stem, so InvalidateSymbols can evict this BuildKey
// when the file changes again (spec.md §4.4).
func (l *library) specialize(ctx context.Context, key buildcache.BuildKey) (*abi.CompiledClass, []string, error) {
	l.mu.Lock()
	path, ok := l.byFinger[key.Fingerprint]
	l.mu.Unlock()
	if !ok {
		return nil, nil, abi.NewRuntime("specialize: %w", xerrors.Errorf("no library entry for fingerprint %x", key.Fingerprint))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, abi.NewRuntime("specialize: %w", err)
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return nil, nil, abi.NewType(path, "", xerrors.Errorf("parsing constant: %w", err))
	}

	class := &abi.CompiledClass{
		SizeOfInstance: 8,
		Symbols: []abi.Symbol{
			{Name: "out", TypeDescriptor: "%d", ByteSize: 8, SlotIndex: 0},
		},
		// Declares the current host version as its minimum: this demo
		// library is always built and run against the host it's embedded
		// in, so there is no older ABI generation to stay compatible with.
		MinABIVersion: abi.Version,
	}
	class.GetSlot = func(instance []byte, slotIndex int) *[]byte {
		b := instance[0:8]
		return &b
	}
	class.Configure = func(instance []byte, slotIndex int, data []byte) {
		copy(instance[0:8], data)
	}
	class.Construct = func(world *abi.World, instance, closure []byte) error {
		binary.LittleEndian.PutUint64(instance[0:8], math.Float64bits(value))
		return nil
	}
	class.Eval = func(world *abi.World, instance, closure []byte) ([]byte, error) {
		out := append([]byte(nil), instance[0:8]...)
		return out, nil
	}
	class.Destruct = func(world *abi.World, instance []byte) {}
	class.Finalize()

	stem := stemOf(path)
	return class, []string{stem}, nil
}
