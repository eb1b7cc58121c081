package vpcm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/go-audio/audio"
)

// Renderer produces host playback audio. Render fills buf.Data, which arrives zeroed, with interleaved samples in
// [-1, 1]. Returning io.EOF ends playback after the current block has been delivered.
type Renderer interface {
	Render(buf *audio.Float32Buffer) error
}

// Capturer consumes host record audio.
type Capturer interface {
	Capture(buf *audio.Float32Buffer) error
}

// RendererFunc adapts a function to a Renderer.
type RendererFunc func(buf *audio.Float32Buffer) error

// Render calls f(buf).
func (f RendererFunc) Render(buf *audio.Float32Buffer) error { return f(buf) }

// CapturerFunc adapts a function to a Capturer.
type CapturerFunc func(buf *audio.Float32Buffer) error

// Capture calls f(buf).
func (f CapturerFunc) Capture(buf *audio.Float32Buffer) error { return f(buf) }

// HostOption configures a Host.
type HostOption func(*Host)

// WithBlockFrames sets the number of frames handed over per callback.
func WithBlockFrames(frames int) HostOption {
	return func(h *Host) {
		h.block = frames
	}
}

// WithRenderer sets the audio source of a playback host.
func WithRenderer(r Renderer) HostOption {
	return func(h *Host) {
		h.renderer = r
	}
}

// WithCapturer sets the audio sink of a record host.
func WithCapturer(c Capturer) HostOption {
	return func(h *Host) {
		h.capturer = c
	}
}

// Host drives an engine the way an audio subsystem does: it runs a callback every block of frames, mixing a
// Renderer's output into a playback engine or feeding a record engine's input to a Capturer.
type Host struct {
	engine   *Engine
	block    int
	renderer Renderer
	capturer Capturer
	buf      *audio.Float32Buffer

	mu      sync.Mutex
	offset  int
	started bool
}

// NewHost returns a host client of e. The block size defaults to a quarter of the engine buffer.
func NewHost(e *Engine, opts ...HostOption) (*Host, error) {
	if e == nil {
		return nil, fmt.Errorf("engine is nil: %w", ErrInvalidArgument)
	}

	h := &Host{engine: e, block: max(e.props.BufferFrames/4, 1)}
	for _, opt := range opts {
		opt(h)
	}

	if h.block < 1 || h.block > e.props.BufferFrames {
		return nil, fmt.Errorf("invalid block of %d frames for a buffer of %d: %w", h.block, e.props.BufferFrames, ErrInvalidArgument)
	}

	h.buf = &audio.Float32Buffer{
		Format: &audio.Format{
			NumChannels: e.props.Channels,
			SampleRate:  e.props.Rate,
		},
		Data:           make([]float32, h.block*e.props.Channels),
		SourceBitDepth: e.props.ByteWidth * 8,
	}

	return h, nil
}

// Engine returns the driven engine.
func (h *Host) Engine() *Engine {
	return h.engine
}

// BlockFrames returns the number of frames per callback.
func (h *Host) BlockFrames() int {
	return h.block
}

// Period returns the time between two callbacks.
func (h *Host) Period() time.Duration {
	return time.Duration(int64(h.block) * int64(time.Second) / int64(h.engine.props.Rate))
}

// Start starts the engine and registers as a host client. Starting a started host does nothing.
func (h *Host) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.started {
		return nil
	}

	if err := h.engine.Start(); err != nil {
		return err
	}

	h.engine.attachHost()
	h.offset = 0
	h.started = true

	return nil
}

// Stop deregisters the host client and stops the engine.
func (h *Host) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started {
		return
	}

	h.started = false
	h.engine.detachHost()
	h.engine.Stop()
}

// Step runs one callback. A Renderer's io.EOF is returned after its block has been delivered.
func (h *Host) Step() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started {
		return fmt.Errorf("host of %q is not started: %w", h.engine.props.Name, ErrBadDescriptor)
	}

	w := FrameWindow{Offset: h.offset, Count: h.block}

	var err error
	switch h.engine.props.Direction {
	case DirectionPlayback:
		clear(h.buf.Data)
		if h.renderer != nil {
			err = h.renderer.Render(h.buf)
			if err != nil && !errors.Is(err, io.EOF) {
				return fmt.Errorf("render failed: %w", err)
			}
		}

		h.engine.ClipOutput(h.buf.Data, w)
	case DirectionRecord:
		h.engine.ConvertInput(h.buf.Data, w)
		if h.capturer != nil {
			if cerr := h.capturer.Capture(h.buf); cerr != nil {
				return fmt.Errorf("capture failed: %w", cerr)
			}
		}
	}

	h.offset = (h.offset + h.block) % h.engine.props.BufferFrames

	return err
}

// Run starts the host and steps it once per Period until ctx is done or the Renderer reports io.EOF, then stops it.
func (h *Host) Run(ctx context.Context) error {
	if err := h.Start(); err != nil {
		return err
	}
	defer h.Stop()

	ticker := time.NewTicker(h.Period())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := h.Step(); err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}

				return err
			}
		}
	}
}
