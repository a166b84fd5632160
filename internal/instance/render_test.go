package instance

import (
	"context"
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/signalrt/kvm/internal/abi"
	"github.com/signalrt/kvm/internal/buildcache"
	"github.com/signalrt/kvm/internal/iohierarchy"
)

// newAudioClass returns a class with "audio" (a block-sized signal that
// Process advances once per block) and "rate" (bound by Configure) symbols,
// matching what render() expects to find.
func newAudioClass() *abi.CompiledClass {
	class := &abi.CompiledClass{
		SizeOfInstance: renderBlockSize + 8,
		Symbols: []abi.Symbol{
			{Name: "audio", TypeDescriptor: "%[128%f]", ByteSize: renderBlockSize, SlotIndex: 0},
			{Name: "rate", TypeDescriptor: "%d", ByteSize: 8, SlotIndex: 1},
		},
	}
	class.GetSlot = func(instance []byte, slotIndex int) *[]byte {
		if slotIndex == 0 {
			b := instance[0:renderBlockSize]
			return &b
		}
		b := instance[renderBlockSize : renderBlockSize+8]
		return &b
	}
	class.Configure = func(instance []byte, slotIndex int, data []byte) {
		if slotIndex == 1 {
			copy(instance[renderBlockSize:renderBlockSize+8], data)
		}
	}
	class.Construct = func(world *abi.World, instance, closure []byte) error {
		for i := range instance[0:renderBlockSize] {
			instance[i] = 0x7f
		}
		return nil
	}
	// Process advances every byte in the audio region by one per block, so
	// tests can tell successive blocks apart.
	class.Process = func(world *abi.World, instance, output []byte, numFrames int) error {
		for i := range instance[0:renderBlockSize] {
			instance[i]++
		}
		return nil
	}
	class.Destruct = func(world *abi.World, instance []byte) {}
	return class
}

type recordingWriter struct {
	path string
	pcm  []byte
}

func (w *recordingWriter) WriteAll(ctx context.Context, path string, pcm []byte) error {
	w.path = path
	w.pcm = append([]byte(nil), pcm...)
	return nil
}

func TestRenderBindsRateAndAccumulatesBlocks(t *testing.T) {
	class := newAudioClass()
	specializer := func(ctx context.Context, key buildcache.BuildKey) (*abi.CompiledClass, []string, error) {
		return class, nil, nil
	}
	cache := buildcache.New(nil, specializer, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cache.Run(ctx)

	hierarchy := iohierarchy.NewHierarchyBroadcaster(nil)
	writer := &recordingWriter{}
	env := New(nil, cache, hierarchy, nil, writer, false, time.Millisecond, time.Hour)

	world := abi.NewWorld(env)
	numFrames := renderBlockSize * 3
	if err := env.Render(world, "/tmp/out.raw", 1, nil, 48000, numFrames); err != nil {
		t.Fatalf("Render: %v", err)
	}

	if writer.path != "/tmp/out.raw" {
		t.Fatalf("path = %q, want /tmp/out.raw", writer.path)
	}
	if len(writer.pcm) != renderBlockSize*3 {
		t.Fatalf("len(pcm) = %d, want %d", len(writer.pcm), renderBlockSize*3)
	}
	// Construct left 0x7f in place; Process increments the whole region
	// once per block, so the three accumulated blocks must read 0x80,
	// 0x81, 0x82 respectively.
	for block := 0; block < 3; block++ {
		want := byte(0x80 + block)
		chunk := writer.pcm[block*renderBlockSize : (block+1)*renderBlockSize]
		for _, b := range chunk {
			if b != want {
				t.Fatalf("block %d byte = %x, want %x", block, b, want)
			}
		}
	}
}

func TestRenderErrorsWithoutAudioSymbol(t *testing.T) {
	class := newCounterClass() // has "x", not "audio"
	specializer := func(ctx context.Context, key buildcache.BuildKey) (*abi.CompiledClass, []string, error) {
		return class, nil, nil
	}
	cache := buildcache.New(nil, specializer, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cache.Run(ctx)

	env := New(nil, cache, iohierarchy.NewHierarchyBroadcaster(nil), nil, nil, false, time.Millisecond, time.Hour)
	world := abi.NewWorld(env)
	if err := env.Render(world, "/tmp/out.raw", 1, nil, 48000, 64); err == nil {
		t.Fatalf("expected an error when the class has no \"audio\" symbol")
	}
}

func floatBits(f float64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, math.Float64bits(f))
	return b
}
