package wrapper

import (
	"bufio"
	"io"
	"os"
	"time"

	"github.com/hashicorp/go-gatedio"
)

// Tailer streams a firing's stdout/stderr file (StdoutName) as it grows,
// copying newly-appended bytes into a github.com/hashicorp/go-gatedio
// mutex-guarded buffer. The tailer's own goroutine appending to it and a
// caller reading a live Snapshot both touch the same buffer; gatedio is
// what makes that safe without the
// caller coordinating its own lock.
type Tailer struct {
	path string
	buf  *gatedio.ByteBuffer
	stop chan struct{}
}

// NewTailer prepares a Tailer for path. path need not exist yet: Start
// waits for it to appear, which is how a caller "opens" live tailing only
// once staging finishes — the wrapper script is persisted and submitted
// before the command that creates path ever runs.
func NewTailer(path string) *Tailer {
	return &Tailer{path: path, buf: gatedio.NewByteBuffer(), stop: make(chan struct{})}
}

// Start begins copying newly-appended bytes from path into the tailer's
// buffer every interval, in a background goroutine, until Stop is called.
func (t *Tailer) Start(interval time.Duration) {
	go t.run(interval)
}

func (t *Tailer) run(interval time.Duration) {
	var f *os.File
	var r *bufio.Reader
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer func() {
		if f != nil {
			f.Close()
		}
	}()

	for {
		select {
		case <-t.stop:
			t.drain(r)
			return
		case <-ticker.C:
			if f == nil {
				opened, err := os.Open(t.path)
				if err != nil {
					continue
				}
				f = opened
				r = bufio.NewReader(f)
			}
			_, _ = io.Copy(t.buf, r)
		}
	}
}

func (t *Tailer) drain(r *bufio.Reader) {
	if r != nil {
		_, _ = io.Copy(t.buf, r)
	}
}

// Stop halts tailing after one final drain of whatever was written since
// the last tick. Safe to call more than once.
func (t *Tailer) Stop() {
	select {
	case <-t.stop:
	default:
		close(t.stop)
	}
}

// Snapshot returns everything captured so far.
func (t *Tailer) Snapshot() string {
	return t.buf.String()
}
