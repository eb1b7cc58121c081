package vpcm

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultTerminateTimeout is how long Terminate waits for a connected client to close.
const DefaultTerminateTimeout = 5 * time.Second

// terminatePoll is the interval at which Terminate re-signals a connected client.
const terminatePoll = 5 * time.Millisecond

// Engine is one virtual PCM stream.
//
// It has two faces. The host face (Start, Stop, ClipOutput, ConvertInput, CurrentFrame) is called by the periodic
// audio callback and never blocks. The node face (Open, Close, Read, Write, Ioctl, Poll) is called by the single
// byte-stream client and may sleep.
type Engine struct {
	props Properties
	ring  *ring
	ctls  controls

	state         atomic.Uint32
	hostClients   atomic.Int32
	running       atomic.Bool
	writePosition atomic.Int64

	wait *WaitQueue // blocked Read/Write
	sel  *WaitQueue // Poll

	// gate serializes session setup and teardown with Start and Terminate.
	gate sync.Mutex
}

// NewEngine allocates an engine and its buffer.
func NewEngine(props Properties) (*Engine, error) {
	if props.Rate < 1 || props.Channels < 1 || props.BufferFrames < 2 {
		return nil, fmt.Errorf("invalid engine configuration (Rate=%d, Channels=%d, BufferFrames=%d): %w",
			props.Rate, props.Channels, props.BufferFrames, ErrInvalidArgument)
	}

	props.ByteWidth = props.Format.ByteWidth()
	if props.ByteWidth == 0 {
		return nil, fmt.Errorf("invalid format %d: %w", props.Format, ErrInvalidArgument)
	}

	if props.Direction != DirectionPlayback && props.Direction != DirectionRecord {
		return nil, fmt.Errorf("invalid direction %d: %w", props.Direction, ErrInvalidArgument)
	}

	r, err := newRing(props.BufferBytes())
	if err != nil {
		return nil, fmt.Errorf("failed to allocate engine buffer: %w", err)
	}

	return &Engine{
		props: props,
		ring:  r,
		wait:  NewWaitQueue(),
		sel:   NewWaitQueue(),
	}, nil
}

// Properties returns a copy of the engine configuration.
func (e *Engine) Properties() Properties {
	return e.props
}

// Name returns the engine name.
func (e *Engine) Name() string {
	return e.props.Name
}

// BufferBytes returns the engine buffer size in bytes.
func (e *Engine) BufferBytes() int {
	return e.ring.size()
}

// Running reports whether the host has started the engine.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// HostClients returns the number of host clients currently attached.
func (e *Engine) HostClients() int {
	return int(e.hostClients.Load())
}

// IOFlags returns the open flags of the current byte-stream client, or 0 when the node is closed.
func (e *Engine) IOFlags() OpenFlag {
	return OpenFlag(e.state.Load() & stateOpenMask)
}

// EOF reports whether end-of-file has been signaled to the current client.
func (e *Engine) EOF() bool {
	return e.state.Load()&stateEOF != 0
}

// Terminated reports whether the engine has been shut down.
func (e *Engine) Terminated() bool {
	return e.state.Load()&stateTerminating != 0
}

// Open starts a byte-stream session.
// Exactly one of OPEN_READ (playback engines) or OPEN_WRITE (record engines) must be given; OPEN_NONBLOCK is not
// supported at open time. Only one session may exist at a time; a second Open fails with ErrAccessDenied.
// Opening discards whatever the buffer held.
func (e *Engine) Open(flags OpenFlag) error {
	rw := flags & (OPEN_READ | OPEN_WRITE)

	switch {
	case rw == OPEN_READ|OPEN_WRITE || rw == 0:
		return fmt.Errorf("open requires exactly one of read or write: %w", ErrNotSupported)
	case flags&OPEN_NONBLOCK != 0:
		return fmt.Errorf("non-blocking open: %w", ErrNotSupported)
	case e.props.Direction == DirectionPlayback && rw == OPEN_WRITE:
		return fmt.Errorf("cannot write to playback engine %q: %w", e.props.Name, ErrNotSupported)
	case e.props.Direction == DirectionRecord && rw == OPEN_READ:
		return fmt.Errorf("cannot read from record engine %q: %w", e.props.Name, ErrNotSupported)
	}

	if !e.state.CompareAndSwap(0, uint32(rw)) {
		if e.Terminated() {
			return fmt.Errorf("engine %q is terminated: %w", e.props.Name, ErrDeviceError)
		}

		return fmt.Errorf("engine %q is busy: %w", e.props.Name, ErrAccessDenied)
	}

	e.gate.Lock()
	e.ring.reset()
	e.gate.Unlock()

	return nil
}

// Close ends the current byte-stream session. Closing a closed engine does nothing.
// A Read or Write blocked in another goroutine returns ErrBadDescriptor.
func (e *Engine) Close() error {
	for {
		s := e.state.Load()
		if s&stateOpenMask == 0 {
			return nil
		}

		if e.state.CompareAndSwap(s, stateClosing) {
			break
		}
	}

	e.sel.Wakeup()
	e.wait.Wakeup()

	e.gate.Lock()
	e.state.And(^stateClosing)
	e.gate.Unlock()

	return nil
}

// SetNonBlocking switches the current session between blocking and non-blocking I/O.
func (e *Engine) SetNonBlocking(enable bool) error {
	for {
		s := e.state.Load()
		if s&(stateRead|stateWrite) == 0 {
			return fmt.Errorf("engine %q is not open: %w", e.props.Name, ErrBadDescriptor)
		}

		next := s &^ stateNonBlock
		if enable {
			next |= stateNonBlock
		}

		if e.state.CompareAndSwap(s, next) {
			e.wait.Wakeup()

			return nil
		}
	}
}

// Terminate shuts the engine down for good.
//
// If a client is connected, it is told end-of-file and woken every few milliseconds until it closes. If it does not
// close within timeout, Terminate gives up with ErrDeviceError and leaves the engine intact. A non-positive
// timeout means DefaultTerminateTimeout. After a successful Terminate every Open fails.
func (e *Engine) Terminate(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultTerminateTimeout
	}

	e.gate.Lock()
	defer e.gate.Unlock()

	deadline := time.Now().Add(timeout)

	for {
		s := e.state.Load()
		if s&stateOpenMask == 0 {
			// Closed, or a Close is parked on the gate in the closing state.
			if e.state.CompareAndSwap(s, s|stateTerminating) {
				break
			}

			continue
		}

		if !time.Now().Before(deadline) {
			return fmt.Errorf("engine %q still open after %v: %w", e.props.Name, timeout, ErrDeviceError)
		}

		e.state.Or(stateEOF)
		e.sel.Wakeup()
		e.wait.Wakeup()

		time.Sleep(terminatePoll)
	}

	e.running.Store(false)
	e.sel.Close()
	e.wait.Close()

	return nil
}

// signalEOF marks end-of-file for the current session and wakes everyone waiting on it.
func (e *Engine) signalEOF() {
	e.state.Or(stateEOF)
	e.sel.Wakeup()
	e.wait.Wakeup()
}
