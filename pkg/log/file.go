package log

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// Capture files keep nanosecond timestamps, unlike the wire codec.
var (
	fileEncMode cbor.EncMode
	fileDecMode cbor.DecMode
)

func init() {
	var err error

	fileEncMode, err = cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create log CBOR encoder mode: %v", err))
	}

	fileDecMode, err = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyQuiet,
		IndefLength:       cbor.IndefLengthAllowed,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create log CBOR decoder mode: %v", err))
	}
}

// EncodeEvent encodes an Event to CBOR bytes.
func EncodeEvent(event Event) ([]byte, error) {
	return fileEncMode.Marshal(event)
}

// DecodeEvent decodes CBOR bytes into an Event.
func DecodeEvent(data []byte) (Event, error) {
	var event Event
	if err := fileDecMode.Unmarshal(data, &event); err != nil {
		return Event{}, err
	}
	return event, nil
}

// FileLogger appends events to a capture file. Writes are buffered and
// flushed on Flush and Close.
type FileLogger struct {
	mu     sync.Mutex
	file   *os.File
	buf    *bufio.Writer
	enc    *cbor.Encoder
	closed bool
	errs   int
}

// NewFileLogger opens (or creates) path for appending.
func NewFileLogger(path string) (*FileLogger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open protocol log: %w", err)
	}
	buf := bufio.NewWriter(f)
	return &FileLogger{
		file: f,
		buf:  buf,
		enc:  fileEncMode.NewEncoder(buf),
	}, nil
}

// Log appends the event. Encoding failures are counted, not returned.
func (l *FileLogger) Log(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	if err := l.enc.Encode(event); err != nil {
		l.errs++
	}
}

// Flush writes buffered events to the file.
func (l *FileLogger) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	return l.buf.Flush()
}

// Errors returns the number of events that failed to encode.
func (l *FileLogger) Errors() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.errs
}

// Close flushes and closes the file. Safe to call more than once.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	if err := l.buf.Flush(); err != nil {
		l.file.Close()
		return err
	}
	return l.file.Close()
}

var _ Logger = (*FileLogger)(nil)

// NewDecoder creates a decoder reading capture events from r.
func NewDecoder(r io.Reader) *cbor.Decoder {
	return fileDecMode.NewDecoder(r)
}
