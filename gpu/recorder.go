package gpu

import "sync"

// Command is a single deferred unit of GPU work. Recorders accumulate
// Commands and run them in submission order.
type Command func() error

// CommandRecorder is satisfied by both Recorder and NoRecorder, so
// callers that build a forward pass don't need to know whether work
// is batched or run eagerly.
type CommandRecorder interface {
	Record(Command) error
	ReleaseOnSubmit(*Buffer)
	Submit() error
}

// Recorder batches Commands issued during a forward pass and executes
// them all at once on Submit, the way the layer engine and pipeline
// defer kernel dispatch until a full pass has been described. Once
// Submit has run, the Recorder is closed and further Record calls
// fail with ErrRecorderClosed.
type Recorder struct {
	mu       sync.Mutex
	commands []Command
	released []*Buffer
	done     bool
}

// NewRecorder returns an empty, open Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Record appends a Command to the batch.
func (r *Recorder) Record(cmd Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return ErrRecorderClosed
	}
	r.commands = append(r.commands, cmd)
	return nil
}

// ReleaseOnSubmit marks a transient buffer to be released once the
// batch has run, matching the teacher's per-pass scratch cleanup.
func (r *Recorder) ReleaseOnSubmit(buf *Buffer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = append(r.released, buf)
}

// Submit runs every recorded Command in order, stopping at the first
// error, then releases transient buffers and closes the Recorder.
func (r *Recorder) Submit() error {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return ErrRecorderClosed
	}
	cmds := r.commands
	released := r.released
	r.done = true
	r.mu.Unlock()

	var err error
	for _, cmd := range cmds {
		if e := cmd(); e != nil {
			err = e
			break
		}
	}
	for _, buf := range released {
		buf.Release()
	}
	return err
}

// Pending reports how many commands are queued.
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.commands)
}

// NoRecorder executes each kernel immediately instead of batching,
// the fallback path for callers that don't need deferred submission
// (single-shot tooling, tests).
type NoRecorder struct{}

// Record runs cmd immediately.
func (NoRecorder) Record(cmd Command) error {
	return cmd()
}

// ReleaseOnSubmit releases buf immediately.
func (NoRecorder) ReleaseOnSubmit(buf *Buffer) {
	buf.Release()
}

// Submit is a no-op: everything already ran.
func (NoRecorder) Submit() error {
	return nil
}
