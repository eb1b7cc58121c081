// Command vpcmtap plays an audio file through a virtual playback engine and records what a client reads from the
// engine node into a WAV file.
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
		overflow     string
		volume       int
		raw          bool
		verbose      bool
	)

	flag.IntVar(&bufferFrames, "buffer-frames", 16384, "The engine buffer length in frames")
	flag.IntVar(&blockFrames, "block-frames", 1024, "The frames rendered per host callback")
	flag.StringVar(&formatStr, "format", "s16", "The engine sample format (s16, float32)")
	flag.StringVar(&overflow, "overflow", "zeros", "The overflow policy (zeros, noise, discard)")
	flag.IntVar(&volume, "volume", 100, "The output volume in percent")
	flag.BoolVar(&raw, "raw", false, "Skip volume scaling and clipping")
	flag.BoolVar(&verbose, "v", false, "Log engine lifecycle events")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <input-wav-or-mp3> <output-wav-file>\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "\nOptions:")
		flag.PrintDefaults()
	}

	flag.Parse()

	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(1)
	}

	inputPath, outputPath := flag.Arg(0), flag.Arg(1)

	dec, closer, err := openDecoder(inputPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening %s: %v\n", inputPath, err)
		os.Exit(1)
	}
	defer closer.Close()

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
	args := []string{
		"tap", "--playback",
		fmt.Sprintf("--rate=%d", dec.SampleRate()),
		fmt.Sprintf("--channels=%d", dec.NumChans()),
		fmt.Sprintf("--buffer-frames=%d", bufferFrames),
		"--format=" + formatStr,
		"--overflow=" + overflow,
		fmt.Sprintf("--raw=%t", raw),
	}

	engine, err := device.Create(cred, args...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating engine: %v\n", err)
		os.Exit(1)
	}

	ctl, err := engine.Ctl(vpcm.CtlVolume)
	if err == nil {
		err = ctl.SetPercent(volume)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error setting volume: %v\n", err)
		os.Exit(1)
	}

	node, err := device.EngineNode("tap")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error finding engine node: %v\n", err)
		os.Exit(1)
	}

	file, err := device.Open(cred, node.Path(), vpcm.OPEN_READ)
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

	renderer := newDecoderRenderer(dec)
	host, err := vpcm.NewHost(engine, vpcm.WithBlockFrames(min(blockFrames, bufferFrames)), vpcm.WithRenderer(renderer))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating host: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Playing %s through %s\n", inputPath, node.Path())
	fmt.Printf("Configuration: %s\n", props.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clientDone := make(chan clientResult, 1)
	go func() {
		frames, err := readClient(file, props, encoder)
		clientDone <- clientResult{frames, err}
	}()

	startTime := time.Now()
	if err := play(ctx, host, file); err != nil {
		fmt.Fprintf(os.Stderr, "Error during playback: %v\n", err)
	}

	result := <-clientDone
	if result.err != nil {
		fmt.Fprintf(os.Stderr, "Error reading %s: %v\n", node.Path(), result.err)
	}

	if err := encoder.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Error finishing WAV file: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Tap finished in %v. (%d frames rendered, %d frames written to %s)\n",
		time.Since(startTime), renderer.frames, result.frames, outputPath)
}

type clientResult struct {
	frames int
	err    error
}

// play steps the host in real time until the renderer runs dry, waits for the client to drain the engine, then stops
// the host, which tells the client end-of-file.
func play(ctx context.Context, host *vpcm.Host, file *vpcm.File) error {
	if err := host.Start(); err != nil {
		return err
	}
	defer host.Stop()

	ticker := time.NewTicker(host.Period())
	defer ticker.Stop()

	draining := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if draining {
			pending := 0
			if err := file.Ioctl(vpcm.FIONREAD, &pending); err != nil || pending == 0 {
				return err
			}

			continue
		}

		if err := host.Step(); err != nil {
			if !errors.Is(err, io.EOF) {
				return err
			}

			draining = true
		}
	}
}

// readClient copies the engine stream into the WAV encoder until end-of-file.
func readClient(file *vpcm.File, props vpcm.Properties, encoder *wav.Encoder) (int, error) {
	frameBytes := props.FrameBytes()
	buf := make([]byte, 1024*frameBytes)

	pcm := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: props.Channels, SampleRate: props.Rate},
		SourceBitDepth: 16,
	}

	frames := 0
	for {
		n, err := file.Read(buf)
		if n > 0 {
			pcm.Data = bytesToInts(pcm.Data[:0], buf[:n-n%props.ByteWidth], props.Format)
			if werr := encoder.Write(pcm); werr != nil {
				return frames, werr
			}

			frames += n / frameBytes
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				return frames, nil
			}

			return frames, err
		}
	}
}

// bytesToInts appends the 16-bit values of engine samples to dst.
func bytesToInts(dst []int, data []byte, format vpcm.SampleFormat) []int {
	switch format {
	case vpcm.FormatInt16:
		for i := 0; i+2 <= len(data); i += 2 {
			dst = append(dst, int(int16(binary.NativeEndian.Uint16(data[i:]))))
		}
	case vpcm.FormatFloat32:
		floats := make([]float32, len(data)/4)
		for i := range floats {
			floats[i] = math.Float32frombits(binary.NativeEndian.Uint32(data[i*4:]))
		}

		samples := make([]int16, len(floats))
		vpcm.FloatToInt16(samples, floats)
		for _, s := range samples {
			dst = append(dst, int(s))
		}
	}

	return dst
}
