package process

import "sync"

// DefaultTailLines is the number of stderr lines kept in memory per backend.
const DefaultTailLines = 50

// Tail keeps the last N lines written to it.
type Tail struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

func NewTail(n int) *Tail {
	if n <= 0 {
		n = DefaultTailLines
	}
	return &Tail{lines: make([]string, n)}
}

func (t *Tail) Add(line string) {
	t.mu.Lock()
	t.lines[t.next] = line
	t.next = (t.next + 1) % len(t.lines)
	if t.next == 0 {
		t.full = true
	}
	t.mu.Unlock()
}

// Lines returns the retained lines, oldest first.
func (t *Tail) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.full {
		return append([]string(nil), t.lines[:t.next]...)
	}
	out := make([]string, 0, len(t.lines))
	out = append(out, t.lines[t.next:]...)
	return append(out, t.lines[:t.next]...)
}
