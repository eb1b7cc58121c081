// Package vpcm implements virtual PCM device pairs: an audio engine driven by a periodic host callback on one side
// and a byte-stream device node read or written by an ordinary client on the other.
//
// The two sides meet in a lock-free circular buffer. The host side never blocks; the client side sleeps until data
// (or space) is available, end-of-file is signaled, or the session is torn down.
package vpcm

// Direction selects which side of the engine produces audio.
type Direction int

const (
	// DirectionPlayback: the host plays into the engine and a client reads the byte stream.
	DirectionPlayback Direction = 1
	// DirectionRecord: a client writes the byte stream and the host records it.
	DirectionRecord Direction = 2
)

// String returns the option name of the direction.
func (d Direction) String() string {
	if name, ok := DirectionNames[d]; ok {
		return name
	}

	return "?"
}

// SampleFormat defines the byte-stream sample format.
type SampleFormat int

const (
	// FormatInt16 is signed 16-bit PCM in native byte order.
	FormatInt16 SampleFormat = 0
	// FormatFloat32 is 32-bit IEEE-754 float in native byte order.
	FormatFloat32 SampleFormat = 1
)

// String returns the canonical option name of the format.
func (f SampleFormat) String() string {
	if name, ok := FormatNames[f]; ok {
		return name
	}

	return "?"
}

// ByteWidth returns the number of bytes per sample, or 0 for an unknown format.
func (f SampleFormat) ByteWidth() int {
	switch f {
	case FormatInt16:
		return 2
	case FormatFloat32:
		return 4
	default:
		return 0
	}
}

// OverflowPolicy decides what a byte-stream call does when the producer has run more than a full buffer ahead.
type OverflowPolicy int

const (
	// OverflowZeros hands out (or swallows) the excess as zero bytes.
	OverflowZeros OverflowPolicy = 0
	// OverflowDiscard forgets the excess and resumes with the newest buffer of data.
	OverflowDiscard OverflowPolicy = 1
	// OverflowNoise hands out the excess as pseudo-random bytes on read.
	OverflowNoise OverflowPolicy = 2
)

// String returns the option name of the policy.
func (o OverflowPolicy) String() string {
	if name, ok := OverflowNames[o]; ok {
		return name
	}

	return "?"
}

// OpenFlag defines flags for opening a device node.
type OpenFlag uint32

const (
	// OPEN_READ opens a node for reading.
	OPEN_READ OpenFlag = 0x0001
	// OPEN_WRITE opens a node for writing.
	OPEN_WRITE OpenFlag = 0x0002
	// OPEN_NONBLOCK requests non-blocking I/O. Engine nodes refuse it at open time; use FIONBIO instead.
	OPEN_NONBLOCK OpenFlag = 0x0004
)

// DirectionNames provides the option names for stream directions.
var DirectionNames = map[Direction]string{
	DirectionPlayback: "playback",
	DirectionRecord:   "record",
}

// FormatNames provides the canonical option names for sample formats.
var FormatNames = map[SampleFormat]string{
	FormatInt16:   "s16le",
	FormatFloat32: "float32le",
}

// formatAliases maps every accepted --format value to its format.
var formatAliases = map[string]SampleFormat{
	"s16":       FormatInt16,
	"s16le":     FormatInt16,
	"s16ne":     FormatInt16,
	"float32":   FormatFloat32,
	"float32le": FormatFloat32,
	"float32ne": FormatFloat32,
}

// OverflowNames provides the option names for overflow policies.
var OverflowNames = map[OverflowPolicy]string{
	OverflowZeros:   "zeros",
	OverflowDiscard: "discard",
	OverflowNoise:   "noise",
}
