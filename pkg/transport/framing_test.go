package transport

import (
	"bytes"
	"encoding/binary"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rovekit/rovekit-go/pkg/log"
)

func TestFramerRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		payload  []byte
		checksum bool
	}{
		{name: "request", payload: []byte("hello")},
		{name: "camera frame", payload: bytes.Repeat([]byte{0x7f}, 320*240)},
		{name: "max size", payload: bytes.Repeat([]byte("y"), DefaultMaxMessageSize)},
		{name: "single byte", payload: []byte{0x42}},
		{name: "serial", payload: []byte{0x00, 0xff, 0x7f, 0x80}, checksum: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			f := NewFramer(&buf, FramerConfig{Checksum: tt.checksum})

			require.NoError(t, f.WriteFrame(tt.payload))
			assert.Equal(t, f.FrameSize(len(tt.payload)), buf.Len())
			assert.Equal(t, uint32(len(tt.payload)), binary.BigEndian.Uint32(buf.Bytes()))

			got, err := f.ReadFrame()
			require.NoError(t, err)
			assert.True(t, bytes.Equal(tt.payload, got), "payload mismatch")

			_, err = f.ReadFrame()
			assert.ErrorIs(t, err, io.EOF)
		})
	}
}

func TestFramerFrameSize(t *testing.T) {
	plain := NewFramer(nil, FramerConfig{})
	serial := NewFramer(nil, FramerConfig{Checksum: true})
	assert.Equal(t, 4, plain.FrameSize(0))
	assert.Equal(t, 104, plain.FrameSize(100))
	assert.Equal(t, 108, serial.FrameSize(100))
	assert.Equal(t, uint32(DefaultMaxMessageSize), plain.MaxMessageSize())
}

func TestFramerWriteRejects(t *testing.T) {
	f := NewFramer(new(bytes.Buffer), FramerConfig{MaxMessageSize: 100})
	assert.ErrorIs(t, f.WriteFrame(nil), ErrMessageEmpty)
	assert.ErrorIs(t, f.WriteFrame(make([]byte, 101)), ErrMessageTooLarge)
	assert.NoError(t, f.WriteFrame(make([]byte, 100)))
}

func TestFramerReadErrors(t *testing.T) {
	frame := func(prefix uint32, payload []byte) []byte {
		return append(binary.BigEndian.AppendUint32(nil, prefix), payload...)
	}
	tests := []struct {
		name     string
		data     []byte
		checksum bool
		want     error
	}{
		{name: "empty stream", data: nil, want: io.EOF},
		{name: "partial prefix", data: []byte{0, 0}, want: ErrFrameTruncated},
		{name: "zero length", data: frame(0, nil), want: ErrMessageEmpty},
		{name: "oversized", data: frame(101, nil), want: ErrMessageTooLarge},
		{name: "short payload", data: frame(10, []byte("abc")), want: ErrFrameTruncated},
		{name: "missing checksum", data: frame(3, []byte("abc")), checksum: true, want: ErrFrameTruncated},
		{name: "bad checksum", data: frame(3, []byte("abc\x00\x00\x00\x00")), checksum: true, want: ErrFrameChecksum},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewFramer(bytes.NewBuffer(tt.data), FramerConfig{MaxMessageSize: 100, Checksum: tt.checksum})
			_, err := f.ReadFrame()
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestFramerChecksumDetectsCorruption(t *testing.T) {
	var buf bytes.Buffer
	f := NewFramer(&buf, FramerConfig{Checksum: true})
	require.NoError(t, f.WriteFrame([]byte("set_throttle")))

	raw := buf.Bytes()
	raw[LengthPrefixSize+2] ^= 0x20

	_, err := f.ReadFrame()
	assert.ErrorIs(t, err, ErrFrameChecksum)
}

func TestFramerSequence(t *testing.T) {
	var buf bytes.Buffer
	f := NewFramer(&buf, FramerConfig{})
	msgs := [][]byte{[]byte("acquire"), bytes.Repeat([]byte("z"), 5000), []byte("release")}
	for _, m := range msgs {
		require.NoError(t, f.WriteFrame(m))
	}
	for _, want := range msgs {
		got, err := f.ReadFrame()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

// syncBuffer is a bytes.Buffer safe for concurrent writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Read(p)
}

func TestConcurrentWritersDoNotInterleave(t *testing.T) {
	var buf syncBuffer
	f := NewFramer(&buf, FramerConfig{})

	const writers, perWriter = 8, 50
	var wg sync.WaitGroup
	for w := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			payload := bytes.Repeat([]byte{byte('a' + w)}, 100+w*37)
			for range perWriter {
				assert.NoError(t, f.WriteFrame(payload))
			}
		}()
	}
	wg.Wait()

	for range writers * perWriter {
		got, err := f.ReadFrame()
		require.NoError(t, err)
		for _, b := range got {
			require.Equal(t, got[0], b, "frames interleaved")
		}
		assert.Equal(t, 100+int(got[0]-'a')*37, len(got))
	}
}

// capturingLogger captures log events for testing.
type capturingLogger struct {
	mu     sync.Mutex
	events []log.Event
}

func (l *capturingLogger) Log(event log.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *capturingLogger) Events() []log.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]log.Event(nil), l.events...)
}

func TestFramerCapturesFrames(t *testing.T) {
	logger := &capturingLogger{}
	f := NewFramer(new(bytes.Buffer), FramerConfig{
		Logger:       logger,
		ConnectionID: "conn-123",
		Broker:       "controller",
		Role:         log.RoleBroker,
	})

	payload := []byte("hello")
	require.NoError(t, f.WriteFrame(payload))
	_, err := f.ReadFrame()
	require.NoError(t, err)

	events := logger.Events()
	require.Len(t, events, 2)
	assert.Equal(t, log.DirectionOut, events[0].Direction)
	assert.Equal(t, log.DirectionIn, events[1].Direction)
	for _, e := range events {
		assert.Equal(t, "conn-123", e.ConnectionID)
		assert.Equal(t, "controller", e.Broker)
		assert.Equal(t, log.RoleBroker, e.Role)
		assert.Equal(t, log.LayerTransport, e.Layer)
		require.NotNil(t, e.Frame)
		assert.Equal(t, f.FrameSize(len(payload)), e.Frame.Size)
		assert.Equal(t, payload, e.Frame.Data)
		assert.False(t, e.Frame.Truncated)
	}
}

func TestFramerCapturesTruncatedData(t *testing.T) {
	logger := &capturingLogger{}
	f := NewFramer(new(bytes.Buffer), FramerConfig{Logger: logger, Broker: "camera"})

	require.NoError(t, f.WriteFrame(bytes.Repeat([]byte("x"), 5000)))

	events := logger.Events()
	require.Len(t, events, 1)
	assert.Equal(t, f.FrameSize(5000), events[0].Frame.Size)
	assert.Len(t, events[0].Frame.Data, MaxLogFrameDataSize)
	assert.True(t, events[0].Frame.Truncated)
}

func BenchmarkFramerWrite(b *testing.B) {
	var buf bytes.Buffer
	f := NewFramer(&buf, FramerConfig{})
	payload := bytes.Repeat([]byte("x"), 1024)
	b.ResetTimer()
	for b.Loop() {
		buf.Reset()
		_ = f.WriteFrame(payload)
	}
}
