package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"sync"
	"time"

	"github.com/rovekit/rovekit-go/pkg/log"
)

// Framing constants.
const (
	// LengthPrefixSize is the size of the big-endian length prefix.
	LengthPrefixSize = 4

	// ChecksumSize is the size of the CRC-32 trailer on checksummed links.
	ChecksumSize = 4

	// DefaultMaxMessageSize bounds a payload. Camera frames are the largest
	// payloads on any connection.
	DefaultMaxMessageSize = 1 << 20

	// MaxLogFrameDataSize is how much of a frame goes into a capture.
	MaxLogFrameDataSize = 4096
)

// Framing errors.
var (
	ErrMessageTooLarge = errors.New("message too large")
	ErrMessageEmpty    = errors.New("message is empty")
	ErrFrameTruncated  = errors.New("frame truncated")
	ErrFrameChecksum   = errors.New("frame checksum mismatch")
)

// FramerConfig configures a Framer.
type FramerConfig struct {
	// MaxMessageSize bounds payloads in both directions. Zero means
	// DefaultMaxMessageSize.
	MaxMessageSize uint32

	// Checksum appends a CRC-32 to every frame. Serial links set it; socket
	// peers never do.
	Checksum bool

	// Logger captures every frame. The remaining fields tag the capture.
	Logger       log.Logger
	ConnectionID string
	Broker       string
	Role         log.Role
}

// Framer reads and writes length-prefixed frames. One goroutine may read
// while any number write.
type Framer struct {
	rw  io.ReadWriter
	cfg FramerConfig

	wmu  sync.Mutex
	wbuf []byte

	header [LengthPrefixSize]byte
}

// NewFramer creates a framer on rw.
func NewFramer(rw io.ReadWriter, cfg FramerConfig) *Framer {
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	return &Framer{rw: rw, cfg: cfg}
}

// MaxMessageSize returns the payload bound.
func (f *Framer) MaxMessageSize() uint32 {
	return f.cfg.MaxMessageSize
}

// WriteFrame writes one frame. The whole frame goes out in a single write
// so concurrent writers never interleave.
func (f *Framer) WriteFrame(data []byte) error {
	if err := f.checkSize(len(data)); err != nil {
		return err
	}

	f.wmu.Lock()
	defer f.wmu.Unlock()

	buf := binary.BigEndian.AppendUint32(f.wbuf[:0], uint32(len(data)))
	buf = append(buf, data...)
	if f.cfg.Checksum {
		buf = binary.BigEndian.AppendUint32(buf, crc32.ChecksumIEEE(data))
	}
	if _, err := f.rw.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	// Large camera frames are not worth keeping around.
	if cap(buf) <= 64*1024 {
		f.wbuf = buf
	} else {
		f.wbuf = nil
	}

	f.capture(data, log.DirectionOut)
	return nil
}

// ReadFrame reads one frame and returns its payload. A clean end of stream
// between frames returns io.EOF.
func (f *Framer) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(f.rw, f.header[:]); err != nil {
		switch {
		case errors.Is(err, io.EOF):
			return nil, io.EOF
		case errors.Is(err, io.ErrUnexpectedEOF):
			return nil, ErrFrameTruncated
		}
		return nil, fmt.Errorf("read length prefix: %w", err)
	}
	n := binary.BigEndian.Uint32(f.header[:])
	if err := f.checkSize(int(n)); err != nil {
		return nil, err
	}

	size := int(n)
	if f.cfg.Checksum {
		size += ChecksumSize
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(f.rw, buf); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, ErrFrameTruncated
		}
		return nil, fmt.Errorf("read payload: %w", err)
	}

	payload := buf[:n]
	if f.cfg.Checksum {
		want := binary.BigEndian.Uint32(buf[n:])
		if got := crc32.ChecksumIEEE(payload); got != want {
			return nil, fmt.Errorf("%w: %08x != %08x", ErrFrameChecksum, got, want)
		}
	}

	f.capture(payload, log.DirectionIn)
	return payload, nil
}

func (f *Framer) checkSize(n int) error {
	if n == 0 {
		return ErrMessageEmpty
	}
	if uint64(n) > uint64(f.cfg.MaxMessageSize) {
		return fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, n, f.cfg.MaxMessageSize)
	}
	return nil
}

func (f *Framer) capture(data []byte, direction log.Direction) {
	if f.cfg.Logger == nil {
		return
	}
	ev := &log.FrameEvent{Size: f.FrameSize(len(data)), Data: data}
	if len(data) > MaxLogFrameDataSize {
		ev.Data = data[:MaxLogFrameDataSize]
		ev.Truncated = true
	}
	f.cfg.Logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: f.cfg.ConnectionID,
		Direction:    direction,
		Layer:        log.LayerTransport,
		Category:     log.CategoryMessage,
		Role:         f.cfg.Role,
		Broker:       f.cfg.Broker,
		Frame:        ev,
	})
}

// FrameSize returns the size on the wire of a frame carrying payloadSize
// bytes.
func (f *Framer) FrameSize(payloadSize int) int {
	n := LengthPrefixSize + payloadSize
	if f.cfg.Checksum {
		n += ChecksumSize
	}
	return n
}
