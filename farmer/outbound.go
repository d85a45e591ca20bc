package farmer

import (
	"errors"
	"io"
	"os"
	"sync"
)

// outboundBuffer accumulates encoded commands until the loop flushes them
// against the monkey's stdin.
type outboundBuffer struct {
	mu     sync.Mutex
	buf    []byte
	broken bool
}

func (b *outboundBuffer) Append(line string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.broken {
		return false
	}
	b.buf = append(b.buf, line...)
	b.buf = append(b.buf, '\n')
	return true
}

func (b *outboundBuffer) Broken() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.broken
}

// Flush makes one attempt to write everything pending. The written prefix is
// dropped even when the write fails part way. It reports brokenNow=true only
// on the flush that first detects a broken pipe; afterwards it is a no-op.
func (b *outboundBuffer) Flush(w io.Writer) (brokenNow bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.broken || len(b.buf) == 0 {
		return false, nil
	}
	n, err := w.Write(b.buf)
	if n > 0 {
		b.buf = b.buf[n:]
		if len(b.buf) == 0 {
			b.buf = nil
		}
	}
	if err == nil {
		return false, nil
	}
	if isBrokenPipe(err) {
		b.broken = true
		b.buf = nil
		return true, nil
	}
	return false, err
}

func isBrokenPipe(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
		return true
	}
	return isPlatformBrokenPipe(err)
}
