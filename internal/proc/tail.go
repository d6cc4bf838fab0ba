// SPDX-License-Identifier: MIT

package proc

import (
	"io"
	"strings"
	"sync"

	"github.com/smallnest/ringbuffer"
)

// TailBuffer is an io.Writer that keeps only the most recent bytes written
// to it. Older data is discarded as new data arrives, so a chatty child's
// stderr never grows the capture beyond the configured bound while the
// tail — where FFmpeg and the ASR runner put the actual failure — stays.
type TailBuffer struct {
	mu     sync.Mutex
	rb     *ringbuffer.RingBuffer
	capa   int
	cached string
	dirty  bool
}

func NewTailBuffer(size int) *TailBuffer {
	return &TailBuffer{rb: ringbuffer.New(size), capa: size}
}

// Write always reports full consumption; tail capture is best-effort and
// must never backpressure the child.
func (t *TailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	total := len(p)
	if len(p) > t.capa {
		p = p[len(p)-t.capa:]
		t.rb.Reset()
	}
	if need := len(p) - t.rb.Free(); need > 0 {
		_, _ = io.CopyN(io.Discard, t.rb, int64(need))
	}
	_, _ = t.rb.Write(p)
	t.dirty = true
	return total, nil
}

// String drains the ring into a cached tail string. Safe to call more than
// once; re-reads are served from the cache until new data arrives.
func (t *TailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.dirty {
		return t.cached
	}
	buf := make([]byte, t.rb.Length())
	n, _ := t.rb.Read(buf)
	t.cached += string(buf[:n])
	if over := len(t.cached) - t.capa; over > 0 {
		t.cached = t.cached[over:]
	}
	t.dirty = false
	return t.cached
}

// LastLines returns up to n trailing non-empty lines of the tail.
func (t *TailBuffer) LastLines(n int) []string {
	lines := strings.Split(strings.TrimRight(t.String(), "\n"), "\n")
	var out []string
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			out = append(out, l)
		}
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}
