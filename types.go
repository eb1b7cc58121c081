package vpcm

// FrameWindow describes a contiguous run of frames handed over by one host callback.
// Offset is the first frame within the engine buffer, Count the number of frames.
type FrameWindow struct {
	Offset int
	Count  int
}

// split normalizes the window against a buffer of bufferFrames frames and cuts it in two at the end of the buffer.
// The second window is empty unless the first one wraps. Counts beyond one full buffer are dropped.
func (w FrameWindow) split(bufferFrames int) (FrameWindow, FrameWindow) {
	if bufferFrames < 1 || w.Count < 1 {
		return FrameWindow{}, FrameWindow{}
	}

	offset := w.Offset % bufferFrames
	if offset < 0 {
		offset += bufferFrames
	}

	count := min(w.Count, bufferFrames)
	first := FrameWindow{Offset: offset, Count: min(count, bufferFrames-offset)}

	return first, FrameWindow{Offset: 0, Count: count - first.Count}
}

// Session state bits. The low bits mirror the OpenFlag of the current client.
const (
	stateRead        = uint32(OPEN_READ)
	stateWrite       = uint32(OPEN_WRITE)
	stateNonBlock    = uint32(OPEN_NONBLOCK)
	stateOpenMask    = 0xffff
	stateEOF         = uint32(1) << 16
	stateClosing     = uint32(1) << 17
	stateTerminating = uint32(1) << 18
)

// Ioctl results are exchanged as a C int.
const ioctlArgSize = 4
