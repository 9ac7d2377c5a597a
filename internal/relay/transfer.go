// Package relay pipes live upload streams to their single downloader.
//
// A Transfer wraps one inbound stream and moves through
// Registering, Open, Attached, Draining and finally Completed or Aborted.
// The Table indexes transfers by file name.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrConflict = errors.New("relay: name already registered")
	ErrNotFound = errors.New("relay: no open transfer")
	ErrStream   = errors.New("relay: stream failure")
	ErrAborted  = errors.New("relay: transfer aborted")
	ErrState    = errors.New("relay: invalid state transition")
)

// State is a step of the transfer lifecycle.
type State int

const (
	StateRegistering State = iota
	StateOpen
	StateAttached
	StateDraining
	StateCompleted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateRegistering:
		return "registering"
	case StateOpen:
		return "open"
	case StateAttached:
		return "attached"
	case StateDraining:
		return "draining"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted
}

// Transfer is the live relay entry of one upload.
type Transfer struct {
	ID        string
	Name      string
	Size      int64
	CreatedAt time.Time

	src       io.Reader
	interrupt func()

	mu      sync.Mutex
	state   State
	err     error
	copied  int64
	claimed bool
	done    chan struct{}

	releaseOnce sync.Once
	released    chan struct{}
}

// NewTransfer creates a transfer in the Registering state. src is read at
// most Size bytes, and only after a downloader claims the transfer.
// interrupt, if not nil, must unblock a pending Read on src; it is called
// when the transfer is aborted while bytes may be flowing.
func NewTransfer(name string, size int64, src io.Reader, interrupt func()) *Transfer {
	return &Transfer{
		ID:        uuid.NewString(),
		Name:      name,
		Size:      size,
		CreatedAt: time.Now().UTC(),
		src:       src,
		interrupt: interrupt,
		state:     StateRegistering,
		done:      make(chan struct{}),
		released:  make(chan struct{}),
	}
}

// State returns the current state.
func (t *Transfer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Copied returns the number of bytes forwarded so far.
func (t *Transfer) Copied() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.copied
}

// Done is closed once the transfer reaches Completed or Aborted.
func (t *Transfer) Done() <-chan struct{} {
	return t.done
}

// Released is closed once the upload stream will no longer be read: the
// downloader's Pipe has returned, or the transfer ended unclaimed. The
// owner of the stream must not close it before then.
func (t *Transfer) Released() <-chan struct{} {
	return t.released
}

// Claimed reports whether a downloader ever attached.
func (t *Transfer) Claimed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.claimed
}

func (t *Transfer) release() {
	t.releaseOnce.Do(func() { close(t.released) })
}

// Err returns the abort cause, or nil if the transfer completed or is
// still running.
func (t *Transfer) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Wait blocks until the transfer settles or ctx is done.
func (t *Transfer) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Open marks the metadata write as done; the transfer now waits for a
// downloader.
func (t *Transfer) Open() error {
	return t.transition(StateRegistering, StateOpen)
}

// Abort moves the transfer to Aborted from any non-terminal state and
// unblocks the upload stream. It reports whether this call aborted it.
func (t *Transfer) Abort(cause error) bool {
	return t.abortIf(cause, func(s State) bool { return !s.Terminal() })
}

// Withdraw aborts the transfer only while no downloader has claimed it.
func (t *Transfer) Withdraw(cause error) bool {
	return t.abortIf(cause, func(s State) bool {
		return s == StateRegistering || s == StateOpen
	})
}

func (t *Transfer) abortIf(cause error, allowed func(State) bool) bool {
	t.mu.Lock()
	if t.state.Terminal() || !allowed(t.state) {
		t.mu.Unlock()
		return false
	}
	flowing := t.state == StateAttached || t.state == StateDraining
	if cause == nil {
		cause = ErrAborted
	}
	t.state = StateAborted
	t.err = cause
	close(t.done)
	claimed := t.claimed
	t.mu.Unlock()

	if !claimed {
		t.release()
	}
	if flowing && t.interrupt != nil {
		t.interrupt()
	}
	return true
}

func (t *Transfer) attach() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateOpen {
		return fmt.Errorf("%w: attach from %s", ErrState, t.state)
	}
	t.state = StateAttached
	t.claimed = true
	return nil
}

func (t *Transfer) transition(from, to State) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != from {
		return fmt.Errorf("%w: %s -> %s from %s", ErrState, from, to, t.state)
	}
	t.state = to
	if to.Terminal() {
		close(t.done)
	}
	return nil
}

func (t *Transfer) add(n int) {
	t.mu.Lock()
	t.copied += int64(n)
	t.mu.Unlock()
}

// Pipe forwards exactly Size bytes from the upload stream to dst, flushing
// dst after every chunk when it supports Flush. The transfer must be
// Attached. When ctx is cancelled the transfer is
// aborted and the upload stream interrupted. A stream that ends early, or
// any read or write error, aborts the transfer with ErrStream.
func (t *Transfer) Pipe(ctx context.Context, dst io.Writer, buf []byte) (int64, error) {
	defer func() {
		if t.Claimed() {
			t.release()
		}
	}()

	if len(buf) == 0 {
		buf = make([]byte, DefaultBufferSize)
	}
	if s := t.State(); s != StateAttached {
		return 0, fmt.Errorf("%w: pipe from %s", ErrState, s)
	}

	stop := context.AfterFunc(ctx, func() {
		t.Abort(fmt.Errorf("%w: downloader gone: %w", ErrStream, context.Cause(ctx)))
	})
	defer stop()

	n, err := t.copy(dst, buf)
	if err != nil {
		if !t.Abort(fmt.Errorf("%w: %w", ErrStream, err)) {
			// Already aborted by the other side; report that cause.
			err = t.Err()
		}
		return n, err
	}

	if err := t.transition(StateAttached, StateDraining); err != nil {
		return n, t.settledErr(err)
	}
	if f, ok := dst.(flusher); ok {
		f.Flush()
	}
	if err := t.transition(StateDraining, StateCompleted); err != nil {
		return n, t.settledErr(err)
	}
	return n, nil
}

type flusher interface {
	Flush()
}

func (t *Transfer) settledErr(fallback error) error {
	if err := t.Err(); err != nil {
		return err
	}
	return fallback
}

func (t *Transfer) copy(dst io.Writer, buf []byte) (int64, error) {
	var written int64
	for written < t.Size {
		select {
		case <-t.done:
			return written, t.Err()
		default:
		}
		chunk := buf
		if remaining := t.Size - written; remaining < int64(len(chunk)) {
			chunk = chunk[:remaining]
		}
		nr, rerr := t.src.Read(chunk)
		if nr > 0 {
			nw, werr := dst.Write(chunk[:nr])
			written += int64(nw)
			t.add(nw)
			if werr != nil {
				return written, fmt.Errorf("write: %w", werr)
			}
			if nw != nr {
				return written, fmt.Errorf("write: %w", io.ErrShortWrite)
			}
			if f, ok := dst.(flusher); ok {
				f.Flush()
			}
		}
		if rerr == io.EOF {
			if written < t.Size {
				return written, fmt.Errorf("read: %w", io.ErrUnexpectedEOF)
			}
			break
		}
		if rerr != nil {
			return written, fmt.Errorf("read: %w", rerr)
		}
	}
	return written, nil
}
