package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.bug.st/serial"

	"github.com/rovekit/rovekit-go/pkg/capability"
	"github.com/rovekit/rovekit-go/pkg/transport"
	"github.com/rovekit/rovekit-go/pkg/wire"
)

// DefaultSerialTimeout bounds one request to the board.
const DefaultSerialTimeout = 2 * time.Second

// serialFraming checksums every frame and bounds it well below a socket
// frame. Controller payloads are small.
var serialFraming = transport.FramerConfig{MaxMessageSize: 64 << 10, Checksum: true}

// ErrLinkDown is returned once the serial link has failed.
var ErrLinkDown = errors.New("serial link down")

// Board status codes carried in serial responses.
const (
	serialOK          uint8 = 0
	serialInvalidArgs uint8 = 1
	serialFault       uint8 = 2
)

// probeOp is the board-level operation listing the capabilities.
const probeOp = "probe"

// serialRequest is one request to the board. Frames use the transport
// length prefix with a CBOR body.
type serialRequest struct {
	Seq        uint32          `cbor:"1,keyasint"`
	Capability string          `cbor:"2,keyasint,omitempty"`
	Op         string          `cbor:"3,keyasint"`
	Args       capability.Args `cbor:"4,keyasint,omitempty"`
}

type serialResponse struct {
	Seq     uint32          `cbor:"1,keyasint"`
	Status  uint8           `cbor:"2,keyasint"`
	Result  cbor.RawMessage `cbor:"3,keyasint,omitempty"`
	Message string          `cbor:"4,keyasint,omitempty"`
}

// PortOptions describes the serial line to the board.
type PortOptions struct {
	BaudRate int    `yaml:"baud_rate"`
	DataBits int    `yaml:"data_bits"`
	StopBits int    `yaml:"stop_bits"`
	Parity   string `yaml:"parity"`
}

// Normalize validates the options and applies defaults.
func (o PortOptions) Normalize() (PortOptions, error) {
	opts := o
	if opts.BaudRate <= 0 {
		opts.BaudRate = 115200
	}
	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}
	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}

	switch parity := strings.ToUpper(strings.TrimSpace(opts.Parity)); parity {
	case "", "N", "NONE":
		opts.Parity = "N"
	case "E", "EVEN":
		opts.Parity = "E"
	case "O", "ODD":
		opts.Parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", o.Parity)
	}
	return opts, nil
}

// SerialMode converts the options for go.bug.st/serial.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}
	mode := &serial.Mode{BaudRate: opts.BaudRate, DataBits: opts.DataBits}
	switch opts.StopBits {
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		mode.StopBits = serial.OneStopBit
	}
	switch opts.Parity {
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	default:
		mode.Parity = serial.NoParity
	}
	return mode, nil
}

// SerialBoard talks to the controller MCU over a serial line.
type SerialBoard struct {
	port    io.ReadWriteCloser
	framer  *transport.Framer
	timeout time.Duration
	logger  *slog.Logger

	// writeMu serializes frames on the line.
	writeMu sync.Mutex

	mu      sync.Mutex
	seq     uint32
	waiting map[uint32]chan *serialResponse
	err     error
	done    chan struct{}
}

// OpenSerial opens the serial device at path.
func OpenSerial(path string, opts PortOptions, logger *slog.Logger) (*SerialBoard, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return NewSerialBoard(port, DefaultSerialTimeout, logger), nil
}

// NewSerialBoard runs the board protocol over port.
func NewSerialBoard(port io.ReadWriteCloser, timeout time.Duration, logger *slog.Logger) *SerialBoard {
	if timeout <= 0 {
		timeout = DefaultSerialTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &SerialBoard{
		port:    port,
		framer:  transport.NewFramer(port, serialFraming),
		timeout: timeout,
		logger:  logger,
		waiting: make(map[uint32]chan *serialResponse),
		done:    make(chan struct{}),
	}
	go b.readLoop()
	return b
}

// Probe asks the board for its capabilities.
func (b *SerialBoard) Probe(ctx context.Context) ([]capability.Descriptor, error) {
	raw, err := b.roundTrip(ctx, "", probeOp, nil)
	if err != nil {
		return nil, err
	}
	var descs []capability.Descriptor
	if err := wire.Unmarshal(raw, &descs); err != nil {
		return nil, fmt.Errorf("%w: probe reply: %v", capability.ErrHardwareFault, err)
	}
	return descs, nil
}

// Invoke forwards one operation to the board. The result is the board's
// CBOR encoding, passed through unchanged.
func (b *SerialBoard) Invoke(ctx context.Context, capName, op string, args capability.Args) (any, error) {
	raw, err := b.roundTrip(ctx, capName, op, args)
	if err != nil || len(raw) == 0 {
		return nil, err
	}
	return raw, nil
}

// Close closes the serial port.
func (b *SerialBoard) Close() error {
	err := b.port.Close()
	<-b.done
	return err
}

func (b *SerialBoard) roundTrip(ctx context.Context, capName, op string, args capability.Args) (cbor.RawMessage, error) {
	b.mu.Lock()
	if b.err != nil {
		err := b.err
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", capability.ErrHardwareFault, err)
	}
	b.seq++
	seq := b.seq
	ch := make(chan *serialResponse, 1)
	b.waiting[seq] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.waiting, seq)
		b.mu.Unlock()
	}()

	data, err := wire.Marshal(&serialRequest{Seq: seq, Capability: capName, Op: op, Args: args})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", capability.ErrInvalidArgs, err)
	}
	b.writeMu.Lock()
	err = b.framer.WriteFrame(data)
	b.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: write: %v", capability.ErrHardwareFault, err)
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("%w: %v", capability.ErrHardwareFault, ErrLinkDown)
		}
		switch resp.Status {
		case serialOK:
			return resp.Result, nil
		case serialInvalidArgs:
			return nil, fmt.Errorf("%w: %s", capability.ErrInvalidArgs, resp.Message)
		default:
			return nil, fmt.Errorf("%w: board: %s", capability.ErrHardwareFault, resp.Message)
		}
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s.%s: board did not answer within %s", capability.ErrHardwareFault, capName, op, b.timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *SerialBoard) readLoop() {
	defer close(b.done)
	for {
		data, err := b.framer.ReadFrame()
		if errors.Is(err, transport.ErrFrameChecksum) {
			// The caller times out and may retry.
			b.logger.Warn("dropping corrupted board frame", "error", err)
			continue
		}
		if err != nil {
			b.fail(err)
			return
		}
		var resp serialResponse
		if err := wire.Unmarshal(data, &resp); err != nil {
			b.logger.Warn("dropping undecodable board frame", "error", err)
			continue
		}

		b.mu.Lock()
		ch, ok := b.waiting[resp.Seq]
		delete(b.waiting, resp.Seq)
		b.mu.Unlock()
		if !ok {
			b.logger.Debug("dropping late board reply", "seq", resp.Seq)
			continue
		}
		ch <- &resp
	}
}

func (b *SerialBoard) fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err == nil {
		b.err = fmt.Errorf("%w: %v", ErrLinkDown, err)
	}
	for seq, ch := range b.waiting {
		close(ch)
		delete(b.waiting, seq)
	}
}

// Board is what Serve exposes on the line.
type Board interface {
	capability.Prober
	Invoke(ctx context.Context, capName, op string, args capability.Args) (any, error)
}

// Serve answers board requests read from rw with board until rw fails or
// ctx is done. It is the firmware side of SerialBoard and lets a simulated
// board sit behind a pseudo-terminal or pipe.
func Serve(ctx context.Context, rw io.ReadWriter, board Board) error {
	framer := transport.NewFramer(rw, serialFraming)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := framer.ReadFrame()
		if errors.Is(err, transport.ErrFrameChecksum) {
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		var req serialRequest
		resp := &serialResponse{}
		if err := wire.Unmarshal(data, &req); err != nil {
			resp.Status = serialInvalidArgs
			resp.Message = err.Error()
		} else {
			resp.Seq = req.Seq
			serveOne(ctx, board, &req, resp)
		}

		out, err := wire.Marshal(resp)
		if err != nil {
			return err
		}
		if err := framer.WriteFrame(out); err != nil {
			return err
		}
	}
}

func serveOne(ctx context.Context, board Board, req *serialRequest, resp *serialResponse) {
	var (
		result any
		err    error
	)
	if req.Op == probeOp && req.Capability == "" {
		result, err = board.Probe(ctx)
	} else {
		result, err = board.Invoke(ctx, req.Capability, req.Op, req.Args)
	}
	switch {
	case errors.Is(err, capability.ErrInvalidArgs):
		resp.Status, resp.Message = serialInvalidArgs, err.Error()
		return
	case err != nil:
		resp.Status, resp.Message = serialFault, err.Error()
		return
	}
	if result == nil {
		return
	}
	raw, err := wire.Marshal(result)
	if err != nil {
		resp.Status, resp.Message = serialFault, err.Error()
		return
	}
	resp.Result = raw
}
