package pcoll

import (
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func strHash(s string) uint64 {
	var h uint64 = 1469598103934665603 // FNV-1a offset basis
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}

// collidingHash always maps to the same value, forcing every key into the
// same collision chain regardless of depth, exercising the depth >=
// hamtMaxDepth / n.collision != nil paths directly.
func collidingHash(string) uint64 { return 42 }

func TestHAMTGetAssocExtensional(t *testing.T) {
	h := NewHAMT[string, int](strHash)
	want := map[string]int{}
	for i := 0; i < 2000; i++ {
		k := fmt.Sprintf("key-%d", i)
		h = h.Assoc(k, i)
		want[k] = i
	}
	if h.Len() != len(want) {
		t.Fatalf("Len() = %d, want %d", h.Len(), len(want))
	}
	for k, v := range want {
		got, ok := h.Get(k)
		if !ok || got != v {
			t.Fatalf("Get(%q) = %d, %v, want %d, true", k, got, ok, v)
		}
	}
	if _, ok := h.Get("missing"); ok {
		t.Fatalf("Get(missing) = _, true, want false")
	}
}

func TestHAMTAssocOverwriteKeepsLength(t *testing.T) {
	h := NewHAMT[string, int](strHash)
	h = h.Assoc("a", 1)
	h = h.Assoc("b", 2)
	h2 := h.Assoc("a", 99)
	if h2.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", h2.Len())
	}
	got, _ := h2.Get("a")
	if got != 99 {
		t.Fatalf("Get(a) = %d, want 99", got)
	}
	// h is untouched: structural sharing, not mutation.
	orig, _ := h.Get("a")
	if orig != 1 {
		t.Fatalf("original map mutated: Get(a) = %d, want 1", orig)
	}
}

func TestHAMTAssocSharesStructure(t *testing.T) {
	h := NewHAMT[string, int](strHash)
	for i := 0; i < 500; i++ {
		h = h.Assoc(fmt.Sprintf("k%d", i), i)
	}
	h2 := h.Assoc("k0", 1000)
	if h.root == h2.root {
		t.Fatalf("expected new root after Assoc")
	}
	// Untouched keys still resolve through h2.
	got, ok := h2.Get("k250")
	if !ok || got != 250 {
		t.Fatalf("Get(k250) on h2 = %d, %v, want 250, true", got, ok)
	}
}

func TestHAMTDissoc(t *testing.T) {
	h := NewHAMT[string, int](strHash)
	keys := make([]string, 0, 300)
	for i := 0; i < 300; i++ {
		k := fmt.Sprintf("d%d", i)
		keys = append(keys, k)
		h = h.Assoc(k, i)
	}
	for i, k := range keys {
		if i%2 == 0 {
			h = h.Dissoc(k)
		}
	}
	if h.Len() != 150 {
		t.Fatalf("Len() = %d, want 150", h.Len())
	}
	for i, k := range keys {
		_, ok := h.Get(k)
		if i%2 == 0 && ok {
			t.Fatalf("Get(%q) found removed key", k)
		}
		if i%2 != 0 && !ok {
			t.Fatalf("Get(%q) missing surviving key", k)
		}
	}
}

func TestHAMTDissocMissingIsNoop(t *testing.T) {
	h := NewHAMT[string, int](strHash).Assoc("a", 1)
	h2 := h.Dissoc("nope")
	if h2.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", h2.Len())
	}
}

func TestHAMTCollisionChain(t *testing.T) {
	h := NewHAMT[string, int](collidingHash)
	want := map[string]int{}
	for i := 0; i < 50; i++ {
		k := fmt.Sprintf("c%d", i)
		h = h.Assoc(k, i)
		want[k] = i
	}
	if h.Len() != len(want) {
		t.Fatalf("Len() = %d, want %d", h.Len(), len(want))
	}
	for k, v := range want {
		got, ok := h.Get(k)
		if !ok || got != v {
			t.Fatalf("Get(%q) = %d, %v, want %d, true", k, got, ok, v)
		}
	}
	h = h.Dissoc("c10")
	if _, ok := h.Get("c10"); ok {
		t.Fatalf("c10 should be removed from collision chain")
	}
	if got, ok := h.Get("c11"); !ok || got != 11 {
		t.Fatalf("Get(c11) = %d, %v, want 11, true", got, ok)
	}
}

func TestHAMTRange(t *testing.T) {
	h := NewHAMT[string, int](strHash)
	want := map[string]int{}
	for i := 0; i < 200; i++ {
		k := fmt.Sprintf("r%d", i)
		h = h.Assoc(k, i)
		want[k] = i
	}
	got := map[string]int{}
	h.Range(func(k string, v int) bool {
		got[k] = v
		return true
	})
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Range mismatch (-want +got):\n%s", diff)
	}
}

func TestHAMTRangeStopsEarly(t *testing.T) {
	h := NewHAMT[string, int](strHash)
	for i := 0; i < 50; i++ {
		h = h.Assoc(fmt.Sprintf("s%d", i), i)
	}
	n := 0
	h.Range(func(string, int) bool {
		n++
		return n < 5
	})
	if n != 5 {
		t.Fatalf("Range visited %d entries, want exactly 5", n)
	}
}

// TestConcurrentUpdateIn drives many goroutines doing update_in on disjoint
// keys against a single Cref-held HAMT, matching the scenario of hammering a
// symbol table from concurrently compiling build workers.
func TestConcurrentUpdateIn(t *testing.T) {
	if testing.Short() {
		t.Skip("short mode")
	}
	const goroutines = 16
	const perGoroutine = 2000

	ref := NewCref(NewHAMT[string, int](strHash))
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		g := g
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				k := fmt.Sprintf("g%d-%d", g, i)
				UpdateInCref(ref, k, func(old int, ok bool) int {
					if ok {
						t.Errorf("key %q unexpectedly already present", k)
					}
					return i
				})
			}
		}()
	}
	wg.Wait()

	final := ref.Snapshot()
	if final.Len() != goroutines*perGoroutine {
		t.Fatalf("Len() = %d, want %d", final.Len(), goroutines*perGoroutine)
	}
	for g := 0; g < goroutines; g++ {
		for i := 0; i < perGoroutine; i += 500 {
			k := fmt.Sprintf("g%d-%d", g, i)
			got, ok := final.Get(k)
			if !ok || got != i {
				t.Fatalf("Get(%q) = %d, %v, want %d, true", k, got, ok, i)
			}
		}
	}
}

func TestFragment(t *testing.T) {
	for _, tt := range []struct {
		hash  uint64
		depth int
		want  uint32
	}{
		{hash: 0b11111, depth: 0, want: 31},
		{hash: 0b11111 << 5, depth: 1, want: 31},
		{hash: 1, depth: 0, want: 1},
		{hash: 1, depth: 1, want: 0},
	} {
		if got := fragment(tt.hash, tt.depth); got != tt.want {
			t.Errorf("fragment(%b, %d) = %d, want %d", tt.hash, tt.depth, got, tt.want)
		}
	}
}
