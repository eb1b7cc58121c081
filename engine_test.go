package vpcm_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gen2brain/vpcm"
)

// newEngine creates an engine named "test" from property options.
func newEngine(t *testing.T, options ...string) *vpcm.Engine {
	t.Helper()

	props, err := vpcm.ParseProperties(append([]string{"test"}, options...))
	require.NoError(t, err)

	e, err := vpcm.NewEngine(*props)
	require.NoError(t, err)

	return e
}

// constant returns n samples of value v.
func constant(n int, v float32) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = v
	}

	return s
}

func float32At(b []byte, i int) float32 {
	return math.Float32frombits(binary.NativeEndian.Uint32(b[i*4:]))
}

func putFloat32(b []byte, i int, v float32) {
	binary.NativeEndian.PutUint32(b[i*4:], math.Float32bits(v))
}

func int16At(b []byte, i int) int16 {
	return int16(binary.NativeEndian.Uint16(b[i*2:]))
}

type ioResult struct {
	n   int
	err error
}

func TestEngine(t *testing.T) {
	t.Run("Scenario", testEngineScenario)
	t.Run("OpenModes", testEngineOpenModes)
	t.Run("ExclusiveOpen", testEngineExclusiveOpen)
	t.Run("OverflowDiscard", testEngineOverflowDiscard)
	t.Run("OverflowZeros", testEngineOverflowZeros)
	t.Run("OverflowNoise", testEngineOverflowNoise)
	t.Run("OverflowResume", testEngineOverflowResume)
	t.Run("BlockingRead", testEngineBlockingRead)
	t.Run("BlockingWrite", testEngineBlockingWrite)
	t.Run("NonBlocking", testEngineNonBlocking)
	t.Run("ContextCancel", testEngineContextCancel)
	t.Run("EOF", testEngineEOF)
	t.Run("NoEOFOnIdle", testEngineNoEOFOnIdle)
	t.Run("PosixPipe", testEnginePosixPipe)
	t.Run("CloseWakesReader", testEngineCloseWakesReader)
	t.Run("Terminate", testEngineTerminate)
	t.Run("Wraparound", testEngineWraparound)
	t.Run("Int16Output", testEngineInt16Output)
	t.Run("Record", testEngineRecord)
	t.Run("Mute", testEngineMute)
	t.Run("Ioctl", testEngineIoctl)
	t.Run("Poll", testEnginePoll)
	t.Run("CursorInvariant", testEngineCursorInvariant)
}

func testEngineScenario(t *testing.T) {
	e := newEngine(t, "--rate=44100", "--channels=2", "--format=float32", "--buffer-frames=1024", "--overflow=discard")
	require.Equal(t, 8192, e.BufferBytes())

	require.NoError(t, e.Open(vpcm.OPEN_READ))
	defer e.Close()
	require.NoError(t, e.Start())

	e.ClipOutput(constant(2048, 0.25), vpcm.FrameWindow{Offset: 0, Count: 1024})
	assert.Equal(t, int64(8192), e.Avail())

	buf := make([]byte, 4096)
	n, err := e.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 4096, n)
	assert.Equal(t, int64(4096), e.Avail())
	assert.Equal(t, float32(0.25), float32At(buf, 0))
	assert.Equal(t, float32(0.25), float32At(buf, 1023))

	big := make([]byte, 8192)
	n, err = e.Read(big)
	require.NoError(t, err)
	assert.Equal(t, 4096, n, "only the remaining bytes are returned")
	assert.Equal(t, int64(0), e.Avail())

	// Nothing more is produced, so the next read blocks.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	n, err = e.ReadContext(ctx, big)
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, vpcm.ErrInterrupted)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func testEngineOpenModes(t *testing.T) {
	playback := newEngine(t, "--playback")
	record := newEngine(t, "--record")

	testCases := []struct {
		name   string
		engine *vpcm.Engine
		flags  vpcm.OpenFlag
	}{
		{"WriteOnPlayback", playback, vpcm.OPEN_WRITE},
		{"ReadOnRecord", record, vpcm.OPEN_READ},
		{"ReadWrite", playback, vpcm.OPEN_READ | vpcm.OPEN_WRITE},
		{"Neither", playback, 0},
		{"NonBlocking", playback, vpcm.OPEN_READ | vpcm.OPEN_NONBLOCK},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.engine.Open(tc.flags)
			assert.ErrorIs(t, err, vpcm.ErrNotSupported)
			assert.Equal(t, vpcm.OpenFlag(0), tc.engine.IOFlags())
		})
	}

	require.NoError(t, record.Open(vpcm.OPEN_WRITE))
	assert.Equal(t, vpcm.OPEN_WRITE, record.IOFlags())
	require.NoError(t, record.Close())
	assert.Equal(t, vpcm.OpenFlag(0), record.IOFlags())
	assert.NoError(t, record.Close(), "closing twice is harmless")
}

func testEngineExclusiveOpen(t *testing.T) {
	e := newEngine(t, "--buffer-frames=256")

	require.NoError(t, e.Open(vpcm.OPEN_READ))
	assert.Equal(t, int64(-1), e.Avail())

	err := e.Open(vpcm.OPEN_READ)
	assert.ErrorIs(t, err, vpcm.ErrAccessDenied)

	require.NoError(t, e.Start())
	e.ClipOutput(constant(512, 0.5), vpcm.FrameWindow{Offset: 0, Count: 256})
	assert.Equal(t, int64(2048), e.Avail())

	require.NoError(t, e.Close())
	require.NoError(t, e.Open(vpcm.OPEN_READ))
	defer e.Close()

	assert.Equal(t, int64(-1), e.Avail(), "reopening resets the primed state")
}

// overflowEngine returns an open mono s16 engine of 1024 frames (2048 bytes) that has been fed 2548 bytes:
// a full buffer of 0.25 followed by 250 frames of 0.5 that overwrite the oldest 500 bytes.
func overflowEngine(t *testing.T, policy string) *vpcm.Engine {
	t.Helper()

	e := newEngine(t, "--channels=1", "--format=s16", "--buffer-frames=1024", "--overflow="+policy)
	require.NoError(t, e.Open(vpcm.OPEN_READ))
	t.Cleanup(func() { e.Close() })
	require.NoError(t, e.Start())

	e.ClipOutput(constant(1024, 0.25), vpcm.FrameWindow{Offset: 0, Count: 1024})
	e.ClipOutput(constant(250, 0.5), vpcm.FrameWindow{Offset: 0, Count: 250})
	require.Equal(t, int64(2548), e.Avail())

	return e
}

// assertRingContent checks the 2048 bytes of ring content that overflowEngine leaves at the cursor.
func assertRingContent(t *testing.T, b []byte) {
	t.Helper()

	require.Len(t, b, 2048)
	for i := 0; i < 1024; i++ {
		want := int16(8192)
		if i < 250 {
			want = 16384
		}

		if got := int16At(b, i); got != want {
			t.Fatalf("sample %d = %d; want %d", i, got, want)
		}
	}
}

func testEngineOverflowDiscard(t *testing.T) {
	e := overflowEngine(t, "discard")

	arg := 0
	require.NoError(t, e.Ioctl(vpcm.FIONREAD, &arg))
	assert.Equal(t, 2048, arg)

	buf := make([]byte, 4096)
	n, err := e.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 2048, n, "the excess is forgotten")
	assertRingContent(t, buf[:n])
	assert.Equal(t, int64(0), e.Avail())
}

func testEngineOverflowZeros(t *testing.T) {
	e := overflowEngine(t, "zeros")

	buf := make([]byte, 4096)
	for i := range buf {
		buf[i] = 0xff
	}

	n, err := e.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 2548, n)
	assert.Equal(t, make([]byte, 500), buf[:500], "the excess reads as zeros")
	assertRingContent(t, buf[500:n])
	assert.Equal(t, int64(0), e.Avail())
}

func testEngineOverflowNoise(t *testing.T) {
	e := overflowEngine(t, "noise")

	buf := make([]byte, 4096)
	n, err := e.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 2548, n)

	noise := buf[:500]
	assert.NotEqual(t, make([]byte, 500), noise)

	stale := make([]byte, 500)
	for i := 0; i < 250; i++ {
		binary.NativeEndian.PutUint16(stale[i*2:], uint16(16384))
	}
	assert.False(t, bytes.Equal(stale, noise), "the excess must not repeat ring memory")

	assertRingContent(t, buf[500:n])
}

func testEngineOverflowResume(t *testing.T) {
	e := overflowEngine(t, "zeros")

	small := make([]byte, 100)
	n, err := e.Read(small)
	require.NoError(t, err)
	assert.Equal(t, 100, n)
	assert.Equal(t, int64(2448), e.Avail())

	buf := make([]byte, 4096)
	n, err = e.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 2448, n, "the rest of the excess is drained first")
	assert.Equal(t, make([]byte, 400), buf[:400])
	assertRingContent(t, buf[400:n])
}

func testEngineBlockingRead(t *testing.T) {
	e := newEngine(t, "--buffer-frames=256")
	require.NoError(t, e.Open(vpcm.OPEN_READ))
	defer e.Close()
	require.NoError(t, e.Start())

	done := make(chan ioResult, 1)
	go func() {
		n, err := e.Read(make([]byte, 4096))
		done <- ioResult{n, err}
	}()

	select {
	case r := <-done:
		t.Fatalf("read returned early: %d, %v", r.n, r.err)
	case <-time.After(30 * time.Millisecond):
	}

	e.ClipOutput(constant(128, 0.5), vpcm.FrameWindow{Offset: 0, Count: 64})

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, 512, r.n)
	case <-time.After(2 * time.Second):
		t.Fatal("read was not woken by the producer")
	}
}

func testEngineBlockingWrite(t *testing.T) {
	e := newEngine(t, "--record", "--channels=1", "--format=s16", "--buffer-frames=1024")
	require.NoError(t, e.Open(vpcm.OPEN_WRITE))
	defer e.Close()
	require.NoError(t, e.Start())

	done := make(chan ioResult, 1)
	go func() {
		n, err := e.Write(make([]byte, 512))
		done <- ioResult{n, err}
	}()

	select {
	case r := <-done:
		t.Fatalf("write returned early: %d, %v", r.n, r.err)
	case <-time.After(30 * time.Millisecond):
	}

	e.ConvertInput(make([]float32, 256), vpcm.FrameWindow{Offset: 0, Count: 256})

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, 512, r.n)
	case <-time.After(2 * time.Second):
		t.Fatal("write was not woken by the consumer")
	}
}

func testEngineNonBlocking(t *testing.T) {
	e := newEngine(t, "--buffer-frames=256")
	require.NoError(t, e.Open(vpcm.OPEN_READ))
	defer e.Close()

	require.NoError(t, e.SetNonBlocking(true))

	start := time.Now()
	_, err := e.Read(make([]byte, 16))
	assert.ErrorIs(t, err, vpcm.ErrWouldBlock)
	assert.Less(t, time.Since(start), time.Second)

	n, err := e.Read(nil)
	assert.NoError(t, err, "zero-length reads always succeed")
	assert.Equal(t, 0, n)

	require.NoError(t, e.Start())
	e.ClipOutput(constant(8, 1), vpcm.FrameWindow{Offset: 0, Count: 4})

	n, err = e.Read(make([]byte, 64))
	require.NoError(t, err)
	assert.Equal(t, 32, n)

	require.NoError(t, e.Close())
	assert.ErrorIs(t, e.SetNonBlocking(true), vpcm.ErrBadDescriptor)
}

func testEngineContextCancel(t *testing.T) {
	e := newEngine(t, "--record", "--buffer-frames=256")
	require.NoError(t, e.Open(vpcm.OPEN_WRITE))
	defer e.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan ioResult, 1)
	go func() {
		n, err := e.WriteContext(ctx, make([]byte, 64))
		done <- ioResult{n, err}
	}()

	cancel()

	select {
	case r := <-done:
		assert.Equal(t, 0, r.n)
		assert.ErrorIs(t, r.err, vpcm.ErrInterrupted)
		assert.ErrorIs(t, r.err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("write ignored the cancelled context")
	}
}

func testEngineEOF(t *testing.T) {
	t.Run("Read", func(t *testing.T) {
		e := newEngine(t, "--buffer-frames=256")
		require.NoError(t, e.Open(vpcm.OPEN_READ))
		defer e.Close()
		require.NoError(t, e.Start())

		done := make(chan ioResult, 1)
		go func() {
			n, err := e.Read(make([]byte, 64))
			done <- ioResult{n, err}
		}()

		e.Stop()
		assert.True(t, e.EOF())

		select {
		case r := <-done:
			assert.Equal(t, 0, r.n)
			assert.ErrorIs(t, r.err, io.EOF)
		case <-time.After(2 * time.Second):
			t.Fatal("read was not woken by end-of-file")
		}

		n, err := e.Read(make([]byte, 64))
		assert.Equal(t, 0, n)
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("Write", func(t *testing.T) {
		e := newEngine(t, "--record", "--buffer-frames=256")
		require.NoError(t, e.Open(vpcm.OPEN_WRITE))
		defer e.Close()
		require.NoError(t, e.Start())

		e.Stop()

		_, err := e.Write(make([]byte, 64))
		assert.ErrorIs(t, err, vpcm.ErrBrokenPipe)
	})

	t.Run("ClearedByReopen", func(t *testing.T) {
		e := newEngine(t, "--buffer-frames=256")
		require.NoError(t, e.Open(vpcm.OPEN_READ))
		e.Stop()
		require.True(t, e.EOF())
		require.NoError(t, e.Close())

		require.NoError(t, e.Open(vpcm.OPEN_READ))
		defer e.Close()
		assert.False(t, e.EOF())
	})

	t.Run("NotWithHostClient", func(t *testing.T) {
		e := newEngine(t, "--buffer-frames=256")
		require.NoError(t, e.Open(vpcm.OPEN_READ))
		defer e.Close()

		e.AttachHost()
		defer e.DetachHost()

		e.Stop()
		assert.False(t, e.EOF())
	})
}

func testEngineNoEOFOnIdle(t *testing.T) {
	e := newEngine(t, "--buffer-frames=256", "--no-eof-on-idle")
	require.NoError(t, e.Open(vpcm.OPEN_READ))
	defer e.Close()
	require.NoError(t, e.Start())

	e.Stop()
	assert.False(t, e.EOF())

	require.NoError(t, e.SetNonBlocking(true))
	_, err := e.Read(make([]byte, 64))
	assert.ErrorIs(t, err, vpcm.ErrWouldBlock)
}

func testEnginePosixPipe(t *testing.T) {
	e := newEngine(t, "--buffer-frames=256", "--posix-pipe")
	assert.True(t, e.Properties().EOFOnIdle, "posix-pipe implies eof-on-idle")

	require.NoError(t, e.Open(vpcm.OPEN_READ))
	defer e.Close()

	_, err := e.Read(make([]byte, 64))
	assert.ErrorIs(t, err, vpcm.ErrBrokenPipe, "no host client")

	e.AttachHost()
	require.NoError(t, e.Start())
	e.ClipOutput(constant(16, 0.5), vpcm.FrameWindow{Offset: 0, Count: 8})

	n, err := e.Read(make([]byte, 256))
	require.NoError(t, err)
	assert.Equal(t, 64, n)

	e.DetachHost()
	_, err = e.Read(make([]byte, 64))
	assert.ErrorIs(t, err, vpcm.ErrBrokenPipe)
}

func testEngineCloseWakesReader(t *testing.T) {
	e := newEngine(t, "--buffer-frames=256")
	require.NoError(t, e.Open(vpcm.OPEN_READ))

	done := make(chan ioResult, 1)
	go func() {
		n, err := e.Read(make([]byte, 64))
		done <- ioResult{n, err}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, e.Close())

	select {
	case r := <-done:
		assert.Equal(t, 0, r.n)
		assert.ErrorIs(t, r.err, vpcm.ErrBadDescriptor)
	case <-time.After(2 * time.Second):
		t.Fatal("read was not woken by close")
	}
}

func testEngineTerminate(t *testing.T) {
	t.Run("Refused", func(t *testing.T) {
		e := newEngine(t, "--buffer-frames=256")
		require.NoError(t, e.Open(vpcm.OPEN_READ))
		defer e.Close()

		err := e.Terminate(50 * time.Millisecond)
		assert.ErrorIs(t, err, vpcm.ErrDeviceError)
		assert.False(t, e.Terminated())
		assert.Equal(t, vpcm.OPEN_READ, e.IOFlags(), "the session survives a refused terminate")

		n, err := e.Read(make([]byte, 64))
		assert.Equal(t, 0, n)
		assert.ErrorIs(t, err, io.EOF, "the client has been told end-of-file")
	})

	t.Run("ClientCloses", func(t *testing.T) {
		e := newEngine(t, "--buffer-frames=256")
		require.NoError(t, e.Open(vpcm.OPEN_READ))

		go func() {
			// A well-behaved client closes on end-of-file.
			_, _ = io.Copy(io.Discard, e)
			_ = e.Close()
		}()

		require.NoError(t, e.Terminate(2*time.Second))
		assert.True(t, e.Terminated())
		assert.Equal(t, vpcm.OpenFlag(0), e.IOFlags())

		assert.ErrorIs(t, e.Open(vpcm.OPEN_READ), vpcm.ErrDeviceError)
		assert.ErrorIs(t, e.Start(), vpcm.ErrDeviceError)
	})

	t.Run("Closed", func(t *testing.T) {
		e := newEngine(t, "--buffer-frames=256")
		require.NoError(t, e.Terminate(0))
		assert.True(t, e.Terminated())
	})
}

func testEngineWraparound(t *testing.T) {
	e := newEngine(t, "--buffer-frames=1024")
	require.NoError(t, e.Open(vpcm.OPEN_READ))
	defer e.Close()
	require.NoError(t, e.Start())

	mix := make([]float32, 96)
	for i := range mix {
		mix[i] = float32(i) / 128
	}

	e.ClipOutput(mix, vpcm.FrameWindow{Offset: 1000, Count: 48})
	assert.Equal(t, 24, e.CurrentFrame())
	assert.Equal(t, 8000, e.Cursor())

	buf := make([]byte, 384)
	n, err := e.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 384, n)

	for i := range mix {
		assert.Equal(t, mix[i], float32At(buf, i), "sample %d", i)
	}
	assert.Equal(t, 192, e.Cursor())
}

func testEngineInt16Output(t *testing.T) {
	testCases := []struct {
		name    string
		options []string
		volume  int
		in      float32
		want    int16
	}{
		{"Unity", nil, 0, 0.5, 16384},
		{"Clipped", nil, 0, 1.5, 32767},
		{"Attenuated", nil, -2, 0.5, 8192},
		{"Raw", []string{"--raw"}, -2, 0.5, 16384},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEngine(t, append([]string{"--channels=1", "--format=s16", "--buffer-frames=64"}, tc.options...)...)

			ctl, err := e.CtlByName("Output Volume")
			require.NoError(t, err)
			require.NoError(t, ctl.SetValue(tc.volume))

			require.NoError(t, e.Open(vpcm.OPEN_READ))
			defer e.Close()
			require.NoError(t, e.Start())

			e.ClipOutput(constant(4, tc.in), vpcm.FrameWindow{Offset: 0, Count: 4})

			buf := make([]byte, 8)
			n, err := e.Read(buf)
			require.NoError(t, err)
			require.Equal(t, 8, n)

			for i := 0; i < 4; i++ {
				assert.Equal(t, tc.want, int16At(buf, i))
			}
		})
	}
}

func testEngineRecord(t *testing.T) {
	e := newEngine(t, "--record", "--channels=1", "--format=s16", "--buffer-frames=1024")
	require.NoError(t, e.Open(vpcm.OPEN_WRITE))
	defer e.Close()
	require.NoError(t, e.Start())

	dst := constant(256, 1)
	e.ConvertInput(dst, vpcm.FrameWindow{Offset: 0, Count: 256})
	assert.Equal(t, make([]float32, 256), dst, "nothing written yet")
	assert.Equal(t, int64(2048), e.Avail())
	assert.Equal(t, 512, e.Cursor())

	arg := 0
	require.NoError(t, e.Ioctl(vpcm.FIONSPACE, &arg))
	assert.Equal(t, 2048, arg)

	in := make([]byte, 512)
	for i := 0; i < 256; i++ {
		binary.NativeEndian.PutUint16(in[i*2:], uint16(16384))
	}

	n, err := e.Write(in)
	require.NoError(t, err)
	assert.Equal(t, 512, n)
	assert.Equal(t, int64(1536), e.Avail())

	e.ConvertInput(dst, vpcm.FrameWindow{Offset: 256, Count: 256})
	assert.Equal(t, constant(256, 0.5), dst)
	assert.Equal(t, int64(2048), e.Avail())

	gain, err := e.Ctl(vpcm.CtlGain)
	require.NoError(t, err)
	require.NoError(t, gain.SetValue(-2))

	n, err = e.Write(in)
	require.NoError(t, err)
	assert.Equal(t, 512, n)

	e.ConvertInput(dst, vpcm.FrameWindow{Offset: 512, Count: 256})
	assert.Equal(t, constant(256, 0.25), dst)
}

func testEngineMute(t *testing.T) {
	t.Run("Output", func(t *testing.T) {
		e := newEngine(t, "--buffer-frames=64")
		mute, err := e.Ctl(vpcm.CtlMuteOutput)
		require.NoError(t, err)
		require.NoError(t, mute.SetValue(1))

		require.NoError(t, e.Open(vpcm.OPEN_READ))
		defer e.Close()
		require.NoError(t, e.Start())

		e.ClipOutput(constant(32, 0.5), vpcm.FrameWindow{Offset: 0, Count: 16})
		assert.Equal(t, int64(128), e.Avail(), "muted data still counts")

		buf := make([]byte, 128)
		n, err := e.Read(buf)
		require.NoError(t, err)
		assert.Equal(t, 128, n)
		assert.Equal(t, make([]byte, 128), buf)
	})

	t.Run("Input", func(t *testing.T) {
		e := newEngine(t, "--record", "--buffer-frames=64")
		mute, err := e.Ctl(vpcm.CtlMuteInput)
		require.NoError(t, err)
		require.NoError(t, mute.SetValue(1))

		require.NoError(t, e.Open(vpcm.OPEN_WRITE))
		defer e.Close()
		require.NoError(t, e.Start())

		dst := constant(32, 1)
		e.ConvertInput(dst, vpcm.FrameWindow{Offset: 0, Count: 16})
		assert.Equal(t, make([]float32, 32), dst)
		assert.Equal(t, int64(512+128), e.Avail(), "a muted window is still consumed")
	})
}

func testEngineIoctl(t *testing.T) {
	e := newEngine(t, "--buffer-frames=1024")
	require.NoError(t, e.Open(vpcm.OPEN_READ))
	defer e.Close()

	query := func(cmd uint) int {
		arg := -1
		require.NoError(t, e.Ioctl(cmd, &arg))

		return arg
	}

	assert.Equal(t, 0, query(vpcm.FIONREAD), "not primed")
	assert.Equal(t, 0, query(vpcm.FIONWRITE), "not primed")

	require.NoError(t, e.Start())
	e.ClipOutput(constant(1024, 0.5), vpcm.FrameWindow{Offset: 0, Count: 512})

	assert.Equal(t, 4096, query(vpcm.FIONREAD))
	assert.Equal(t, 4096, query(vpcm.FIONSPACE))
	assert.Equal(t, 4096, query(vpcm.FIONWRITE))

	arg := 1
	require.NoError(t, e.Ioctl(vpcm.FIONBIO, &arg))
	_, err := e.Read(make([]byte, 4096))
	require.NoError(t, err)
	_, err = e.Read(make([]byte, 16))
	assert.ErrorIs(t, err, vpcm.ErrWouldBlock)

	arg = 0
	require.NoError(t, e.Ioctl(vpcm.FIONBIO, &arg))

	assert.ErrorIs(t, e.Ioctl(0xdead, &arg), vpcm.ErrNotTTY)
	assert.ErrorIs(t, e.Ioctl(vpcm.FIONREAD, nil), vpcm.ErrInvalidArgument)
}

func testEnginePoll(t *testing.T) {
	e := newEngine(t, "--buffer-frames=256")

	_, err := e.Poll(context.Background(), 0)
	assert.ErrorIs(t, err, vpcm.ErrBadDescriptor)

	require.NoError(t, e.Open(vpcm.OPEN_READ))
	defer e.Close()
	require.NoError(t, e.Start())

	ready, err := e.Poll(context.Background(), 0)
	require.NoError(t, err)
	assert.False(t, ready)

	ready, err = e.Poll(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ready, "timeout")

	done := make(chan bool, 1)
	go func() {
		ready, _ := e.Poll(context.Background(), -1)
		done <- ready
	}()

	time.Sleep(10 * time.Millisecond)
	e.ClipOutput(constant(8, 0.5), vpcm.FrameWindow{Offset: 0, Count: 4})

	select {
	case ready := <-done:
		assert.True(t, ready)
	case <-time.After(2 * time.Second):
		t.Fatal("poll was not woken by the producer")
	}

	assert.True(t, e.Ready())
}

func testEngineCursorInvariant(t *testing.T) {
	for _, policy := range []string{"zeros", "noise", "discard"} {
		t.Run(policy, func(t *testing.T) {
			e := newEngine(t, "--channels=2", "--format=s16", "--buffer-frames=100", "--overflow="+policy)
			require.NoError(t, e.Open(vpcm.OPEN_READ))
			defer e.Close()
			require.NoError(t, e.Start())
			require.NoError(t, e.SetNonBlocking(true))

			rng := rand.New(rand.NewPCG(1, 2))
			size := e.BufferBytes()
			mix := make([]float32, 2*100)
			buf := make([]byte, 3*size)
			offset := 0

			for step := 0; step < 2000; step++ {
				if rng.IntN(2) == 0 {
					count := 1 + rng.IntN(100)
					e.ClipOutput(mix, vpcm.FrameWindow{Offset: offset, Count: count})
					offset = (offset + count) % 100
				} else {
					_, err := e.Read(buf[:1+rng.IntN(len(buf)-1)])
					if err != nil {
						require.True(t, errors.Is(err, vpcm.ErrWouldBlock), "step %d: %v", step, err)
					}

					if policy == "discard" {
						assert.LessOrEqual(t, e.Avail(), int64(size), "step %d", step)
					}
				}

				cursor := e.Cursor()
				if cursor < 0 || cursor >= size {
					t.Fatalf("step %d: cursor %d outside [0, %d)", step, cursor, size)
				}
			}
		})
	}
}

func TestSplitWindow(t *testing.T) {
	testCases := []struct {
		name          string
		in            vpcm.FrameWindow
		first, second vpcm.FrameWindow
	}{
		{"Inside", vpcm.FrameWindow{Offset: 10, Count: 20}, vpcm.FrameWindow{Offset: 10, Count: 20}, vpcm.FrameWindow{}},
		{"ToEnd", vpcm.FrameWindow{Offset: 90, Count: 10}, vpcm.FrameWindow{Offset: 90, Count: 10}, vpcm.FrameWindow{}},
		{"Wrapping", vpcm.FrameWindow{Offset: 90, Count: 30}, vpcm.FrameWindow{Offset: 90, Count: 10}, vpcm.FrameWindow{Offset: 0, Count: 20}},
		{"OffsetBeyond", vpcm.FrameWindow{Offset: 205, Count: 5}, vpcm.FrameWindow{Offset: 5, Count: 5}, vpcm.FrameWindow{}},
		{"TooLong", vpcm.FrameWindow{Offset: 50, Count: 250}, vpcm.FrameWindow{Offset: 50, Count: 50}, vpcm.FrameWindow{Offset: 0, Count: 50}},
		{"Empty", vpcm.FrameWindow{Offset: 5, Count: 0}, vpcm.FrameWindow{}, vpcm.FrameWindow{}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			first, second := vpcm.SplitWindow(tc.in, 100)
			assert.Equal(t, tc.first, first)
			assert.Equal(t, tc.second, second)
		})
	}
}
