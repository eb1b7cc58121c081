package vpcm

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// maxBufferBytes bounds the engine buffer.
const maxBufferBytes = 1 << 30

// Properties is the configuration of one engine. It is fixed once the engine exists.
type Properties struct {
	Name          string
	Direction     Direction
	Rate          int // frames per second
	Channels      int
	Format        SampleFormat
	ByteWidth     int // bytes per sample, implied by Format
	Raw           bool
	BufferFrames  int
	LatencyFrames int
	EOFOnIdle     bool
	PosixPipe     bool
	Overflow      OverflowPolicy
}

// DefaultProperties returns the configuration used for every option a command line leaves out.
func DefaultProperties() Properties {
	return Properties{
		Direction:    DirectionPlayback,
		Rate:         44100,
		Channels:     2,
		Format:       FormatFloat32,
		ByteWidth:    4,
		BufferFrames: 16384,
		EOFOnIdle:    true,
		Overflow:     OverflowZeros,
	}
}

// ParseProperties builds properties from a command line of the form
//
//	name --rate=R --channels=C --format={s16|float32} --buffer-frames=N --latency-msec=M
//	     --overflow={zeros|noise|discard} [--raw] [--playback|--record] [--posix-pipe]
//	     [--eof-on-idle|--no-eof-on-idle]
//
// Options and the name may come in any order; a later option overrides an earlier one. Unknown options, malformed
// values and out-of-range settings fail with ErrInvalidArgument.
func ParseProperties(args []string) (*Properties, error) {
	p := DefaultProperties()
	latencyMs := 0

	fs := flag.NewFlagSet("vpcm", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.IntVar(&p.Rate, "rate", p.Rate, "sample rate in frames per second")
	fs.IntVar(&p.Channels, "channels", p.Channels, "number of channels")
	fs.IntVar(&p.BufferFrames, "buffer-frames", p.BufferFrames, "engine buffer length in frames")
	fs.IntVar(&latencyMs, "latency-msec", latencyMs, "reported latency in milliseconds")
	fs.Func("format", "sample format (s16, float32)", func(s string) error {
		f, ok := formatAliases[s]
		if !ok {
			return fmt.Errorf("unknown format %q", s)
		}
		p.Format = f

		return nil
	})
	fs.Func("overflow", "overflow policy (zeros, noise, discard)", func(s string) error {
		for o, name := range OverflowNames {
			if name == s {
				p.Overflow = o

				return nil
			}
		}

		return fmt.Errorf("unknown overflow policy %q", s)
	})
	fs.Var((*intBool)(&p.Raw), "raw", "skip volume scaling and clipping")
	fs.Var((*intBool)(&p.EOFOnIdle), "eof-on-idle", "signal end-of-file when the host stops")
	fs.BoolFunc("no-eof-on-idle", "keep clients waiting when the host stops", whenSet(func() { p.EOFOnIdle = false }))
	fs.BoolFunc("playback", "host plays, client reads", whenSet(func() { p.Direction = DirectionPlayback }))
	fs.BoolFunc("record", "client writes, host records", whenSet(func() { p.Direction = DirectionRecord }))
	fs.BoolVar(&p.PosixPipe, "posix-pipe", p.PosixPipe, "fail I/O with EPIPE while the host is not running")

	for {
		if err := fs.Parse(args); err != nil {
			return nil, fmt.Errorf("invalid properties: %w: %w", ErrInvalidArgument, err)
		}

		rest := fs.Args()
		if len(rest) == 0 {
			break
		}

		p.Name = rest[0]
		args = rest[1:]
	}

	if p.Name == "" {
		return nil, fmt.Errorf("missing name: %w", ErrInvalidArgument)
	}

	if p.Rate < 1 {
		return nil, fmt.Errorf("invalid rate %d: %w", p.Rate, ErrInvalidArgument)
	}

	if p.Channels < 1 {
		return nil, fmt.Errorf("invalid channel count %d: %w", p.Channels, ErrInvalidArgument)
	}

	p.ByteWidth = p.Format.ByteWidth()
	if p.ByteWidth == 0 {
		return nil, fmt.Errorf("invalid format %d: %w", p.Format, ErrDeviceError)
	}

	if p.BufferFrames < 2 {
		return nil, fmt.Errorf("invalid buffer length %d: %w", p.BufferFrames, ErrInvalidArgument)
	}

	if int64(p.BufferFrames)*int64(p.Channels)*int64(p.ByteWidth) > maxBufferBytes {
		return nil, fmt.Errorf("buffer of %d frames too large: %w", p.BufferFrames, ErrInvalidArgument)
	}

	latency := (int64(latencyMs)*int64(p.Rate) + 1) / 1000
	if latency < 0 || latency > int64(^uint32(0)>>1) {
		return nil, fmt.Errorf("invalid latency %d ms: %w", latencyMs, ErrInvalidArgument)
	}
	p.LatencyFrames = int(latency)

	if p.PosixPipe {
		p.EOFOnIdle = true
	}

	return &p, nil
}

// Describe prints the options that reproduce p, each preceded by sep.
// With sep " --", name + Describe parses back to the same properties.
func (p *Properties) Describe(sep string) string {
	if p == nil {
		return ""
	}

	if sep == "" {
		sep = " --"
	}

	latencyMs := 0
	if p.Rate > 0 {
		latencyMs = int(int64(p.LatencyFrames) * 1000 / int64(p.Rate))
	}

	var sb strings.Builder

	fmt.Fprintf(&sb, "%s%s", sep, p.Direction)
	fmt.Fprintf(&sb, "%srate=%d", sep, p.Rate)
	fmt.Fprintf(&sb, "%schannels=%d", sep, p.Channels)
	fmt.Fprintf(&sb, "%sbuffer-frames=%d", sep, p.BufferFrames)
	fmt.Fprintf(&sb, "%slatency-msec=%d", sep, latencyMs)
	fmt.Fprintf(&sb, "%sformat=%s", sep, p.Format)
	fmt.Fprintf(&sb, "%soverflow=%s", sep, p.Overflow)

	if p.Raw {
		fmt.Fprintf(&sb, "%sraw", sep)
	}

	if p.PosixPipe {
		fmt.Fprintf(&sb, "%sposix-pipe", sep)
	} else if !p.EOFOnIdle {
		fmt.Fprintf(&sb, "%sno-eof-on-idle", sep)
	}

	return sb.String()
}

// String returns the name followed by the options.
func (p *Properties) String() string {
	if p == nil {
		return ""
	}

	return p.Name + p.Describe(" --")
}

// FrameBytes returns the size of a single frame in bytes.
// A frame contains one sample for each channel.
func (p *Properties) FrameBytes() int {
	return p.Channels * p.ByteWidth
}

// BufferBytes returns the size of the engine buffer in bytes.
func (p *Properties) BufferBytes() int {
	return p.BufferFrames * p.FrameBytes()
}

// BufferDuration returns the time the host needs to cycle through the whole buffer.
func (p *Properties) BufferDuration() time.Duration {
	if p.Rate < 1 {
		return 0
	}

	return time.Duration(int64(p.BufferFrames) * int64(time.Second) / int64(p.Rate))
}

// Latency returns the reported latency as a duration.
func (p *Properties) Latency() time.Duration {
	if p.Rate < 1 {
		return 0
	}

	return time.Duration(int64(p.LatencyFrames) * int64(time.Second) / int64(p.Rate))
}

// FramesToBytes converts a number of frames to the corresponding number of bytes.
func (p *Properties) FramesToBytes(frames int) int {
	return frames * p.FrameBytes()
}

// BytesToFrames converts a number of bytes to the corresponding number of whole frames.
func (p *Properties) BytesToFrames(bytes int) int {
	frameBytes := p.FrameBytes()
	if frameBytes == 0 {
		return 0
	}

	return bytes / frameBytes
}

// intBool is a boolean option that also takes an integer, non-zero meaning true.
type intBool bool

func (b *intBool) String() string {
	if b == nil {
		return "false"
	}

	return strconv.FormatBool(bool(*b))
}

func (b *intBool) Set(s string) error {
	if n, err := strconv.Atoi(s); err == nil {
		*b = n != 0

		return nil
	}

	v, err := strconv.ParseBool(s)
	if err != nil {
		return errors.New("expected an integer or a boolean")
	}
	*b = intBool(v)

	return nil
}

func (b *intBool) IsBoolFlag() bool { return true }

// whenSet adapts an action to flag.BoolFunc, running it for true values only.
func whenSet(action func()) func(string) error {
	return func(s string) error {
		on, err := strconv.ParseBool(s)
		if err != nil {
			return err
		}

		if on {
			action()
		}

		return nil
	}
}
