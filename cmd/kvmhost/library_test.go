package main

import (
	"context"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/signalrt/kvm/internal/abi"
	"github.com/signalrt/kvm/internal/buildcache"
)

func TestStemOf(t *testing.T) {
	if got := stemOf("/a/b/tone.kvm"); got != "tone" {
		t.Fatalf("stemOf = %q, want tone", got)
	}
}

func TestFingerprintOfIsStable(t *testing.T) {
	a := fingerprintOf("tone")
	b := fingerprintOf("tone")
	if a != b {
		t.Fatalf("fingerprintOf not stable: %x != %x", a, b)
	}
	if a == fingerprintOf("other") {
		t.Fatalf("fingerprintOf collided for distinct names")
	}
}

func TestLibrarySpecializeReadsConstant(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tone.kvm")
	if err := os.WriteFile(path, []byte("440.0\n"), 0644); err != nil {
		t.Fatal(err)
	}

	lib, err := newLibrary(dir, nil)
	if err != nil {
		t.Fatalf("newLibrary: %v", err)
	}
	fps := lib.fingerprints()
	fp, ok := fps["tone"]
	if !ok {
		t.Fatalf("fingerprints() missing %q, got %v", "tone", fps)
	}

	class, resolved, err := lib.specialize(context.Background(), buildcache.BuildKey{Fingerprint: fp})
	if err != nil {
		t.Fatalf("specialize: %v", err)
	}
	if len(resolved) != 1 || resolved[0] != "tone" {
		t.Fatalf("resolved = %v, want [tone]", resolved)
	}

	world := abi.NewWorld(nil)
	instanceMem := make([]byte, class.SizeOfInstance)
	if err := class.Construct(world, instanceMem, nil); err != nil {
		t.Fatalf("Construct: %v", err)
	}
	out, err := class.Eval(world, instanceMem, nil)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if got := floatAt(out); got != 440.0 {
		t.Fatalf("Eval result = %v, want 440.0", got)
	}
}

func TestLibrarySpecializeRejectsNonNumeric(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.kvm")
	if err := os.WriteFile(path, []byte("not-a-number"), 0644); err != nil {
		t.Fatal(err)
	}

	lib, err := newLibrary(dir, nil)
	if err != nil {
		t.Fatalf("newLibrary: %v", err)
	}
	fp := fingerprintOf("broken")
	if _, _, err := lib.specialize(context.Background(), buildcache.BuildKey{Fingerprint: fp}); err == nil {
		t.Fatalf("expected a type error for a non-numeric constant file")
	}
}

func floatAt(data []byte) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(data))
}
