package vpcm

// Avail returns the raw available-byte counter; -1 means not primed.
func (e *Engine) Avail() int64 {
	return e.ring.avail.Load()
}

// Cursor returns the byte offset of the client cursor in the engine buffer.
func (e *Engine) Cursor() int {
	return int(e.ring.pos.Load())
}

// AttachHost registers a host client without starting the engine.
func (e *Engine) AttachHost() {
	e.attachHost()
}

// DetachHost deregisters a host client.
func (e *Engine) DetachHost() {
	e.detachHost()
}

// SplitWindow exposes FrameWindow.split.
func SplitWindow(w FrameWindow, bufferFrames int) (FrameWindow, FrameWindow) {
	return w.split(bufferFrames)
}
