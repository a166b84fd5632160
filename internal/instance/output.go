package instance

import (
	"sync"

	"github.com/google/renameio"
)

// OutputSink routes printed values to named pipes, matching spec.md §4.9's
// print op ("route value to environment's output sink") and the JSON-RPC
// surface's pull_messages/message-bundle pipe-keyed delivery (spec.md §6).
type OutputSink interface {
	Print(pipe, rendered string) error
}

// PipeBuffer is an OutputSink that accumulates rendered lines per pipe in
// memory and flushes each pipe's accumulated text to its own file, matching
// the teacher's preference for renameio.WriteFile over a direct os.WriteFile
// (no reader ever observes a half-written flush).
type PipeBuffer struct {
	mu   sync.Mutex
	pipe map[string][]string
}

// NewPipeBuffer returns an empty PipeBuffer.
func NewPipeBuffer() *PipeBuffer {
	return &PipeBuffer{pipe: make(map[string][]string)}
}

// Print appends rendered to pipe's buffer.
func (p *PipeBuffer) Print(pipe, rendered string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pipe[pipe] = append(p.pipe[pipe], rendered)
	return nil
}

// Drain returns and clears pipe's buffered lines, matching the JSON-RPC
// pull_messages method's "drain buffered output" contract (spec.md §6).
func (p *PipeBuffer) Drain(pipe string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	lines := p.pipe[pipe]
	delete(p.pipe, pipe)
	return lines
}

// Flush atomically persists pipe's current buffer (without draining it) to
// path, one line per newline, via renameio so a reader never observes a
// partial write.
func (p *PipeBuffer) Flush(pipe, path string) error {
	p.mu.Lock()
	lines := append([]string(nil), p.pipe[pipe]...)
	p.mu.Unlock()

	var data []byte
	for _, line := range lines {
		data = append(data, line...)
		data = append(data, '\n')
	}
	return renameio.WriteFile(path, data, 0644)
}
