// Command vpcmfeed writes a WAV file into a virtual record engine through its node and saves what the host hears
// as another WAV file.
package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/gen2brain/vpcm"
)

func main() {
	var (
		bufferFrames int
		blockFrames  int
		formatStr    string
		gain         int
		verbose      bool
	)

	flag.IntVar(&bufferFrames, "buffer-frames", 16384, "The engine buffer length in frames")
	flag.IntVar(&blockFrames, "block-frames", 1024, "The frames captured per host callback")
	flag.StringVar(&formatStr, "format", "s16", "The engine sample format (s16, float32)")
	flag.IntVar(&gain, "gain", 100, "The input volume in percent")
	flag.BoolVar(&verbose, "v", false, "Log engine lifecycle events")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <input-wav-file> <output-wav-file>\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "\nOptions:")
		flag.PrintDefaults()
	}

	flag.Parse()

	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(1)
	}

	inputPath, outputPath := flag.Arg(0), flag.Arg(1)

	in, err := os.Open(inputPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening WAV file: %v\n", err)
		os.Exit(1)
	}
	defer in.Close()

	decoder := wav.NewDecoder(in)
	if !decoder.IsValidFile() {
		fmt.Fprintln(os.Stderr, "Invalid WAV file")
		os.Exit(1)
	}

	if decoder.WavAudioFormat == 3 { // IEEE float
		fmt.Fprintln(os.Stderr, "Floating-point WAV input is not supported")
		os.Exit(1)
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	device, err := vpcm.NewDevice(vpcm.WithLogger(logger))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating device: %v\n", err)
		os.Exit(1)
	}
	defer device.Close()

	cred := vpcm.CurrentCred()
	engine, err := device.Create(cred, "feed", "--record",
		fmt.Sprintf("--rate=%d", decoder.SampleRate),
		fmt.Sprintf("--channels=%d", decoder.NumChans),
		fmt.Sprintf("--buffer-frames=%d", bufferFrames),
		"--format="+formatStr,
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating engine: %v\n", err)
		os.Exit(1)
	}

	ctl, err := engine.Ctl(vpcm.CtlGain)
	if err == nil {
		err = ctl.SetPercent(gain)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error setting gain: %v\n", err)
		os.Exit(1)
	}

	node, err := device.EngineNode("feed")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error finding engine node: %v\n", err)
		os.Exit(1)
	}

	file, err := device.Open(cred, node.Path(), vpcm.OPEN_WRITE)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening %s: %v\n", node.Path(), err)
		os.Exit(1)
	}
	defer file.Close()

	out, err := os.Create(outputPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating WAV file: %v\n", err)
		os.Exit(1)
	}
	defer out.Close()

	props := engine.Properties()
	encoder := wav.NewEncoder(out, props.Rate, 16, props.Channels, 1)

	capturer := &wavCapturer{encoder: encoder}
	host, err := vpcm.NewHost(engine, vpcm.WithBlockFrames(min(blockFrames, bufferFrames)), vpcm.WithCapturer(capturer))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating host: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Feeding %s into %s\n", inputPath, node.Path())
	fmt.Printf("Configuration: %s\n", props.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clientDone := make(chan clientResult, 1)
	go func() {
		frames, err := writeClient(ctx, file, props, decoder)
		clientDone <- clientResult{frames, err}
	}()

	startTime := time.Now()
	result, err := record(ctx, host, file, clientDone)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error during capture: %v\n", err)
	}

	if result.err != nil {
		fmt.Fprintf(os.Stderr, "Error writing %s: %v\n", node.Path(), result.err)
	}

	if err := encoder.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Error finishing WAV file: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Feed finished in %v. (%d frames written to %s, %d frames captured to %s)\n",
		time.Since(startTime), result.frames, node.Path(), capturer.frames, outputPath)
}

type clientResult struct {
	frames int
	err    error
}

// record steps the host in real time until the client has written everything and the host has consumed it.
func record(ctx context.Context, host *vpcm.Host, file *vpcm.File, clientDone <-chan clientResult) (clientResult, error) {
	if err := host.Start(); err != nil {
		return clientResult{}, err
	}

	ticker := time.NewTicker(host.Period())
	defer ticker.Stop()

	var (
		result  clientResult
		written bool
		err     error
	)

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case result = <-clientDone:
			written = true
			clientDone = nil
		case <-ticker.C:
			if err = host.Step(); err != nil {
				break loop
			}

			if written {
				pending := 0
				if err = file.Ioctl(vpcm.FIONWRITE, &pending); err != nil || pending == 0 {
					break loop
				}
			}
		}
	}

	host.Stop()

	if !written {
		// Stop woke a blocked writer with end-of-file.
		result = <-clientDone
	}

	return result, err
}

// writeClient converts the WAV samples to the engine format and writes them to the node.
func writeClient(ctx context.Context, file *vpcm.File, props vpcm.Properties, decoder *wav.Decoder) (int, error) {
	pcm := &audio.IntBuffer{
		Format: decoder.Format(),
		Data:   make([]int, 1024*props.Channels),
	}

	maxVal := float32(int(1) << (decoder.BitDepth - 1))
	floats := make([]float32, len(pcm.Data))
	samples := make([]int16, len(pcm.Data))
	buf := make([]byte, 0, len(pcm.Data)*props.ByteWidth)

	frames := 0
	for {
		n, err := decoder.PCMBuffer(pcm)
		if err != nil && !errors.Is(err, io.EOF) {
			return frames, err
		}

		if n == 0 {
			return frames, nil
		}

		for i, s := range pcm.Data[:n] {
			floats[i] = float32(s) / maxVal
		}

		buf = buf[:0]
		switch props.Format {
		case vpcm.FormatInt16:
			vpcm.FloatToInt16(samples, floats[:n])
			for _, s := range samples[:n] {
				buf = binary.NativeEndian.AppendUint16(buf, uint16(s))
			}
		case vpcm.FormatFloat32:
			for _, f := range floats[:n] {
				buf = binary.NativeEndian.AppendUint32(buf, math.Float32bits(f))
			}
		}

		for p := buf; len(p) > 0; {
			written, err := file.WriteContext(ctx, p)
			if err != nil {
				return frames, err
			}
			p = p[written:]
		}

		frames += n / props.Channels
	}
}

// wavCapturer encodes what the host records as 16-bit PCM.
type wavCapturer struct {
	encoder *wav.Encoder
	samples []int16
	pcm     audio.IntBuffer
	frames  int
}

func (c *wavCapturer) Capture(buf *audio.Float32Buffer) error {
	if len(c.samples) != len(buf.Data) {
		c.samples = make([]int16, len(buf.Data))
	}
	vpcm.FloatToInt16(c.samples, buf.Data)

	c.pcm.Format = buf.Format
	c.pcm.SourceBitDepth = 16
	c.pcm.Data = c.pcm.Data[:0]
	for _, s := range c.samples {
		c.pcm.Data = append(c.pcm.Data, int(s))
	}

	c.frames += len(buf.Data) / buf.Format.NumChannels

	return c.encoder.Write(&c.pcm)
}
