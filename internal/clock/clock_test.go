package clock

import (
	"testing"
	"time"
)

type fixedSource struct{ t time.Time }

func (f fixedSource) Now() time.Time { return f.t }

func TestContextRealtimeUsesSource(t *testing.T) {
	want := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := &Context{Mode: Realtime, Source: fixedSource{t: want}}
	if got := c.Now(); got != want.UnixMicro() {
		t.Fatalf("Now() = %d, want %d", got, want.UnixMicro())
	}
}

func TestContextVirtualIgnoresSource(t *testing.T) {
	c := NewVirtual(SpeculativeScheduler, 12345)
	if got := c.Now(); got != 12345 {
		t.Fatalf("Now() = %d, want 12345", got)
	}
}

func TestContextFrozenIgnoresSource(t *testing.T) {
	wall := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	c := &Context{Mode: Frozen, Virtual: 777, Source: fixedSource{t: wall}}
	first := c.Now()
	second := c.Now()
	if first != second {
		t.Fatalf("Frozen Now() not stable across calls: %d != %d", first, second)
	}
	if first != 777 {
		t.Fatalf("Frozen Now() = %d, want 777 (the Context's Virtual time)", first)
	}
}

func TestWithVirtualPreservesMode(t *testing.T) {
	c := NewVirtual(RenderingStream, 100)
	c2 := c.WithVirtual(200)
	if c2.Mode != RenderingStream {
		t.Fatalf("Mode = %v, want RenderingStream", c2.Mode)
	}
	if c2.Now() != 200 {
		t.Fatalf("Now() = %d, want 200", c2.Now())
	}
	if c.Now() != 100 {
		t.Fatalf("original context mutated: Now() = %d, want 100", c.Now())
	}
}

func TestRate(t *testing.T) {
	if Rate() != 1e6 {
		t.Fatalf("Rate() = %v, want 1e6", Rate())
	}
}
