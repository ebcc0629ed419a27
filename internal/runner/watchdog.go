// watchdog.go enforces the no-output timeout: a job whose script stays
// silent for too long is killed, the way Travis kills stalled builds.
// Marker lines count as output, so a job is only ever stalled inside a
// single long-quiet command.
package runner

import (
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// activityWriter timestamps every write so the watchdog can tell how
// long a job has been silent. Safe for concurrent use to the extent the
// wrapped writer is.
type activityWriter struct {
	w    io.Writer
	last atomic.Int64
}

func newActivityWriter(w io.Writer) *activityWriter {
	aw := &activityWriter{w: w}
	aw.touch()
	return aw
}

func (w *activityWriter) Write(p []byte) (int, error) {
	w.touch()
	return w.w.Write(p)
}

func (w *activityWriter) touch() {
	w.last.Store(time.Now().UnixNano())
}

// Last returns the time of the most recent write.
func (w *activityWriter) Last() time.Time {
	return time.Unix(0, w.last.Load())
}

// watchdog cancels a job once its output has been idle past the limit.
type watchdog struct {
	stalled atomic.Bool
	stop    chan struct{}
	once    sync.Once
}

// watchOutput starts a watchdog over the writer's activity. When the
// idle time exceeds limit, cancel is invoked and Stalled reports true.
// A non-positive limit disables the watchdog. Call Stop once the job
// finishes so the goroutine exits.
func watchOutput(activity *activityWriter, limit time.Duration, cancel func()) *watchdog {
	w := &watchdog{stop: make(chan struct{})}
	if limit <= 0 {
		return w
	}

	go func() {
		for {
			// Sleep exactly until the limit could first be reached, then
			// re-check; writes in between push the deadline out.
			wait := limit - time.Since(activity.Last())
			if wait <= 0 {
				// A Stop that already happened wins over the deadline.
				select {
				case <-w.stop:
					return
				default:
				}
				w.stalled.Store(true)
				cancel()
				return
			}
			select {
			case <-w.stop:
				return
			case <-time.After(wait):
			}
		}
	}()
	return w
}

// Stop ends the watchdog. Safe to call more than once.
func (w *watchdog) Stop() {
	w.once.Do(func() { close(w.stop) })
}

// Stalled reports whether the watchdog killed the job.
func (w *watchdog) Stalled() bool {
	return w.stalled.Load()
}
