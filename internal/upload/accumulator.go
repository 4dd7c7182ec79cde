package upload

// Accumulator assembles arbitrarily sized read buffers into fixed-size
// chunks. Pushed buffers are retained without copying until enough bytes are
// pending; each emitted chunk is built with exactly one allocation and copy.
// Bytes past a chunk boundary stay pending as the seed of the next chunk.
//
// Callers must not modify a buffer after pushing it.
type Accumulator struct {
	size    int
	pending [][]byte
	n       int
}

func NewAccumulator(size int) *Accumulator {
	if size <= 0 {
		panic("upload: accumulator size must be positive")
	}
	return &Accumulator{size: size}
}

// Push adds buf and returns every chunk that became complete, in order.
func (a *Accumulator) Push(buf []byte) [][]byte {
	if len(buf) == 0 {
		return nil
	}
	a.pending = append(a.pending, buf)
	a.n += len(buf)

	var out [][]byte
	for a.n >= a.size {
		out = append(out, a.take(a.size))
	}
	return out
}

// Flush returns the pending remainder as one chunk, or nil if nothing is
// pending.
func (a *Accumulator) Flush() []byte {
	if a.n == 0 {
		return nil
	}
	return a.take(a.n)
}

// Buffered is the number of pending bytes.
func (a *Accumulator) Buffered() int { return a.n }

func (a *Accumulator) take(n int) []byte {
	chunk := make([]byte, n)
	off := 0
	for off < n {
		head := a.pending[0]
		c := copy(chunk[off:], head)
		off += c
		if c == len(head) {
			a.pending[0] = nil
			a.pending = a.pending[1:]
		} else {
			a.pending[0] = head[c:]
		}
	}
	a.n -= n
	if len(a.pending) == 0 {
		a.pending = nil
	}
	return chunk
}
