package vpcm

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"time"
)

// overflowChunk is the granularity at which excess bytes are drained when the host has run ahead of the client.
const overflowChunk = 1024

// Read reads audio from a playback engine. It blocks until the host has produced data unless the session is
// non-blocking. At end-of-file it returns 0, io.EOF.
func (e *Engine) Read(p []byte) (int, error) {
	return e.transfer(context.Background(), p, true)
}

// ReadContext is like Read, but a blocked call returns early when ctx is done.
func (e *Engine) ReadContext(ctx context.Context, p []byte) (int, error) {
	return e.transfer(ctx, p, true)
}

// Write writes audio to a record engine. It blocks until the host has consumed enough data to make room, unless the
// session is non-blocking.
func (e *Engine) Write(p []byte) (int, error) {
	return e.transfer(context.Background(), p, false)
}

// WriteContext is like Write, but a blocked call returns early when ctx is done.
func (e *Engine) WriteContext(ctx context.Context, p []byte) (int, error) {
	return e.transfer(ctx, p, false)
}

func (e *Engine) transfer(ctx context.Context, p []byte, read bool) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	want := stateWrite
	if read {
		want = stateRead
	}

	for {
		ticket := e.wait.ticket()
		s := e.state.Load()

		if s&want == 0 {
			return 0, fmt.Errorf("engine %q is not open for this operation: %w", e.props.Name, ErrBadDescriptor)
		}

		if e.ring.avail.Load() >= 1 {
			break
		}

		if e.props.PosixPipe && e.hostClients.Load() < 1 {
			return 0, ErrBrokenPipe
		}

		if s&stateEOF != 0 {
			if read {
				return 0, io.EOF
			}

			return 0, ErrBrokenPipe
		}

		if s&stateNonBlock != 0 {
			return 0, ErrWouldBlock
		}

		if s&stateTerminating != 0 {
			return 0, ErrDeviceError
		}

		if err := e.wait.sleepFrom(ctx, ticket, 0); err != nil {
			return 0, err
		}
	}

	if e.props.Overflow == OverflowDiscard {
		e.ring.clamp()
	}

	avail := e.ring.avail.Load()
	size := int64(e.ring.size())
	done := 0

	for avail > size && done < len(p) {
		n := int(min(avail-size, overflowChunk, int64(len(p)-done)))
		if read {
			if e.props.Overflow == OverflowNoise {
				fillNoise(p[done : done+n])
			} else {
				clear(p[done : done+n])
			}
		}

		avail -= int64(n)
		done += n
	}

	var err error
	for avail > 0 && done < len(p) {
		var run []byte
		run, err = e.ring.run(int(min(avail, int64(len(p)-done))))
		if err != nil {
			break
		}

		var n int
		if read {
			n = copy(p[done:], run)
		} else {
			n = copy(run, p[done:])
		}

		if err = e.ring.advance(n); err != nil {
			break
		}

		avail -= int64(n)
		done += n
	}

	e.ring.avail.Add(-int64(done))

	return done, err
}

// fillNoise fills b with pseudo-random bytes.
func fillNoise(b []byte) {
	var word [8]byte
	for len(b) > 0 {
		binary.LittleEndian.PutUint64(word[:], rand.Uint64())
		b = b[copy(b, word[:]):]
	}
}

// Ioctl performs a control request on the byte-stream session.
// FIONBIO switches non-blocking mode according to *arg. FIONREAD and FIONSPACE store the number of bytes the
// client may transfer without blocking, FIONWRITE the number of bytes in flight on the host side.
// Other requests fail with ErrNotTTY.
func (e *Engine) Ioctl(cmd uint, arg *int) error {
	if arg == nil {
		return fmt.Errorf("ioctl argument is nil: %w", ErrInvalidArgument)
	}

	switch cmd {
	case FIONBIO:
		if err := e.SetNonBlocking(*arg != 0); err != nil {
			return err
		}
	case FIONREAD, FIONSPACE:
		*arg = e.ring.readable()
	case FIONWRITE:
		if e.ring.avail.Load() < 0 {
			*arg = 0
		} else {
			*arg = e.ring.size() - e.ring.readable()
		}
	default:
		return fmt.Errorf("ioctl 0x%x: %w", cmd, ErrNotTTY)
	}

	return nil
}

// Ready reports whether a Read or Write would transfer data without blocking.
func (e *Engine) Ready() bool {
	return e.ring.avail.Load() > 0
}

// Poll waits until the session is ready for I/O, the client has been told end-of-file or the engine terminates.
// A zero timeout checks once, a negative one waits without limit. It returns false if the timeout expired.
func (e *Engine) Poll(ctx context.Context, timeout time.Duration) (bool, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		ticket := e.sel.ticket()
		s := e.state.Load()

		if s&(stateRead|stateWrite) == 0 {
			return false, fmt.Errorf("engine %q is not open: %w", e.props.Name, ErrBadDescriptor)
		}

		if e.Ready() || s&(stateEOF|stateTerminating) != 0 {
			return true, nil
		}

		if e.props.PosixPipe && e.hostClients.Load() < 1 {
			return true, nil
		}

		if timeout == 0 {
			return false, nil
		}

		var wait time.Duration
		if timeout > 0 {
			wait = time.Until(deadline)
			if wait <= 0 {
				return false, nil
			}
		}

		err := e.sel.sleepFrom(ctx, ticket, wait)
		switch {
		case errors.Is(err, ErrTimeout):
			return false, nil
		case errors.Is(err, ErrDeviceError):
			return true, nil
		case err != nil:
			return false, err
		}
	}
}
