package vpcm

import (
	"fmt"
)

// Start prepares the engine for a new run of host callbacks.
// The byte-stream cursor is re-primed by the first callback.
func (e *Engine) Start() error {
	e.gate.Lock()
	defer e.gate.Unlock()

	if e.Terminated() {
		return fmt.Errorf("engine %q is terminated: %w", e.props.Name, ErrDeviceError)
	}

	e.ring.avail.Store(-1)
	e.writePosition.Store(0)
	e.running.Store(true)

	return nil
}

// Stop ends the current run of host callbacks.
// With EOFOnIdle, a connected client is told end-of-file unless another host client is still attached.
// Data the client has not transferred yet is dropped.
func (e *Engine) Stop() {
	e.running.Store(false)

	if e.props.EOFOnIdle && e.state.Load()&stateOpenMask != 0 && e.hostClients.Load() == 0 {
		e.signalEOF()
	}

	e.ring.avail.Store(-1)
}

// ResetClipPosition makes the next host callback re-prime the byte-stream cursor.
func (e *Engine) ResetClipPosition() {
	e.ring.avail.Store(-1)
}

// CurrentFrame returns the frame following the last window written by ClipOutput.
func (e *Engine) CurrentFrame() int {
	return int(e.writePosition.Load())
}

func (e *Engine) attachHost() {
	e.hostClients.Add(1)
}

func (e *Engine) detachHost() {
	e.hostClients.Add(-1)
}

// ClipOutput takes one window of host playback audio.
//
// mix holds w.Count*channels interleaved samples. Unless the engine is raw they are scaled by the output volume and
// clipped in place, then stored in the engine buffer at w.Offset in the engine format. Windows running past the end
// of the buffer wrap to its start. ClipOutput never blocks and never allocates.
func (e *Engine) ClipOutput(mix []float32, w FrameWindow) {
	ch := e.props.Channels
	w.Count = min(w.Count, len(mix)/ch)

	first, second := w.split(e.props.BufferFrames)
	if first.Count == 0 {
		return
	}

	n := e.clipRun(mix, first)
	if second.Count > 0 {
		n += e.clipRun(mix[first.Count*ch:], second)
	}

	e.publish(int64(n))

	end := second
	if end.Count == 0 {
		end = first
	}
	e.writePosition.Store(int64((end.Offset + end.Count) % e.props.BufferFrames))
}

// clipRun stores one non-wrapping run and returns its length in bytes.
func (e *Engine) clipRun(mix []float32, w FrameWindow) int {
	values := w.Count * e.props.Channels
	off := w.Offset * e.props.FrameBytes()
	byteLen := values * e.props.ByteWidth
	src := mix[:values]

	if e.ctls.get(CtlMuteOutput) != 0 {
		clear(e.ring.data[off : off+byteLen])
	} else {
		if !e.props.Raw {
			ScaleByHalfSteps(src, int8(e.ctls.get(CtlVolume)))
			ClipToUnitRange(src)
		}

		switch e.props.Format {
		case FormatInt16:
			FloatToInt16(e.ring.int16s(off, values), src)
		case FormatFloat32:
			copy(e.ring.float32s(off, values), src)
		}
	}

	e.ring.prime(off, 0)

	return byteLen
}

// ConvertInput fills one window of host record audio from the engine buffer.
//
// dst receives w.Count*channels interleaved samples read at w.Offset. Samples the client has not written yet are
// zero. Unless the engine is raw the result is scaled by the input gain and clipped. ConvertInput never blocks and
// never allocates.
func (e *Engine) ConvertInput(dst []float32, w FrameWindow) {
	ch := e.props.Channels
	w.Count = min(w.Count, len(dst)/ch)

	first, second := w.split(e.props.BufferFrames)
	if first.Count == 0 {
		return
	}

	n := e.convertRun(dst, first)
	if second.Count > 0 {
		n += e.convertRun(dst[first.Count*ch:], second)
	}

	e.publish(int64(n))
}

// convertRun reads one non-wrapping run and returns the number of bytes it freed for the client.
func (e *Engine) convertRun(dst []float32, w FrameWindow) int {
	bw := e.props.ByteWidth
	values := w.Count * e.props.Channels
	off := w.Offset * e.props.FrameBytes()
	size := e.ring.size()
	out := dst[:values]

	consumed := values
	if e.ctls.get(CtlMuteInput) != 0 {
		clear(out)
	} else {
		invalid := values
		if a := e.ring.avail.Load(); a >= 0 {
			valid := (int64(size) - a) / int64(bw)
			invalid = int(max(0, int64(values)-max(valid, 0)))
		}

		clear(out[:invalid])
		consumed = values - invalid
		src := off + invalid*bw
		out = out[invalid:]

		switch e.props.Format {
		case FormatInt16:
			Int16ToFloat(out, e.ring.int16s(src, consumed))
		case FormatFloat32:
			copy(out, e.ring.float32s(src, consumed))
		}

		if !e.props.Raw {
			ScaleByHalfSteps(out, int8(e.ctls.get(CtlGain)))
			ClipToUnitRange(out)
		}
	}

	next := off + values*bw
	if next >= size {
		next = 0
	}
	e.ring.prime(next, int64(size))

	return consumed * bw
}

// publish makes n more bytes available to the client and wakes it.
func (e *Engine) publish(n int64) {
	if e.ring.avail.Add(n) > 0 {
		e.sel.Wakeup()
	}
	e.wait.Wakeup()
}
