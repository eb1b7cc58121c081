package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
)

// Decoder yields integer PCM from an audio file.
type Decoder interface {
	// PCMBuffer fills buf.Data with interleaved samples and returns how many it wrote.
	PCMBuffer(buf *audio.IntBuffer) (n int, err error)
	NumChans() int
	SampleRate() int
	BitDepth() int
}

// openDecoder picks a decoder by file extension.
func openDecoder(path string) (Decoder, io.Closer, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}

	var dec Decoder
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".wav":
		dec, err = newWavDecoder(file)
	case ".mp3":
		dec, err = newMp3Decoder(file)
	default:
		err = fmt.Errorf("unsupported file type %q", ext)
	}

	if err != nil {
		file.Close()

		return nil, nil, err
	}

	return dec, file, nil
}

type wavDecoder struct {
	*wav.Decoder
}

func newWavDecoder(r io.ReadSeeker) (Decoder, error) {
	decoder := wav.NewDecoder(r)
	if !decoder.IsValidFile() {
		return nil, errors.New("invalid WAV file")
	}

	if decoder.WavAudioFormat == 3 { // IEEE float
		return nil, errors.New("floating-point WAV input is not supported")
	}

	return &wavDecoder{Decoder: decoder}, nil
}

func (w *wavDecoder) NumChans() int   { return int(w.Decoder.NumChans) }
func (w *wavDecoder) SampleRate() int { return int(w.Decoder.SampleRate) }
func (w *wavDecoder) BitDepth() int   { return int(w.Decoder.BitDepth) }

// mp3Decoder always produces 16-bit stereo.
type mp3Decoder struct {
	decoder *mp3.Decoder
	raw     []byte
}

func newMp3Decoder(r io.Reader) (Decoder, error) {
	decoder, err := mp3.NewDecoder(r)
	if err != nil {
		return nil, err
	}

	return &mp3Decoder{decoder: decoder}, nil
}

func (m *mp3Decoder) PCMBuffer(buf *audio.IntBuffer) (int, error) {
	if need := len(buf.Data) * 2; cap(m.raw) < need {
		m.raw = make([]byte, need)
	}
	raw := m.raw[:len(buf.Data)*2]

	n, err := io.ReadFull(m.decoder, raw)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = io.EOF
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, err
	}

	samples := n / 2
	for i := 0; i < samples; i++ {
		buf.Data[i] = int(int16(binary.LittleEndian.Uint16(raw[i*2:])))
	}

	return samples, err
}

func (m *mp3Decoder) NumChans() int   { return 2 }
func (m *mp3Decoder) SampleRate() int { return m.decoder.SampleRate() }
func (m *mp3Decoder) BitDepth() int   { return 16 }

// decoderRenderer plays a decoder through a host, normalizing integer samples to [-1, 1].
type decoderRenderer struct {
	dec    Decoder
	pcm    *audio.IntBuffer
	frames int
}

func newDecoderRenderer(dec Decoder) *decoderRenderer {
	return &decoderRenderer{
		dec: dec,
		pcm: &audio.IntBuffer{
			Format:         &audio.Format{NumChannels: dec.NumChans(), SampleRate: dec.SampleRate()},
			SourceBitDepth: dec.BitDepth(),
		},
	}
}

func (r *decoderRenderer) Render(buf *audio.Float32Buffer) error {
	if len(r.pcm.Data) != len(buf.Data) {
		r.pcm.Data = make([]int, len(buf.Data))
	}

	n, err := r.dec.PCMBuffer(r.pcm)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}

	scale := float32(int(1) << (r.dec.BitDepth() - 1))
	for i, s := range r.pcm.Data[:n] {
		buf.Data[i] = float32(s) / scale
	}

	r.frames += n / r.dec.NumChans()

	if n < len(buf.Data) {
		return io.EOF
	}

	return nil
}
