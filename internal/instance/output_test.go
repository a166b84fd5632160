package instance

import "testing"

func TestPipeBufferPrintAndDrain(t *testing.T) {
	p := NewPipeBuffer()
	if err := p.Print("log", "hello"); err != nil {
		t.Fatal(err)
	}
	if err := p.Print("log", "world"); err != nil {
		t.Fatal(err)
	}
	if err := p.Print("other", "ignored"); err != nil {
		t.Fatal(err)
	}

	got := p.Drain("log")
	want := []string{"hello", "world"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("Drain(log) = %v, want %v", got, want)
	}
	if got := p.Drain("log"); len(got) != 0 {
		t.Fatalf("Drain(log) after drain = %v, want empty", got)
	}
}

func TestPipeBufferFlushWritesFile(t *testing.T) {
	p := NewPipeBuffer()
	_ = p.Print("log", "line one")
	_ = p.Print("log", "line two")

	path := t.TempDir() + "/log.txt"
	if err := p.Flush("log", path); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	// Flush does not drain: the buffer is still readable afterward.
	if got := p.Drain("log"); len(got) != 2 {
		t.Fatalf("buffer after Flush = %v, want 2 lines still present", got)
	}
}
