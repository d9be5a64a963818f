// Package camera provides a synthetic camera driver for the camera device
// family. Frames are produced at a fixed rate on the driver clock while the
// sensor is open; capture returns the most recent one.
package camera

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/klauspost/compress/zstd"

	"github.com/rovekit/rovekit-go/pkg/capability"
)

// Default sensor format.
const (
	DefaultWidth  = 320
	DefaultHeight = 240
	DefaultFPS    = 8
)

// Config configures a synthetic camera.
type Config struct {
	Width  int
	Height int
	FPS    int

	// Gray produces one byte per pixel instead of RGB.
	Gray bool

	// Compress encodes frame pixels with zstd.
	Compress bool

	Version uint32
	Seed    uint64
	Clock   clock.Clock
}

// Sensor is a synthetic camera producing noise frames.
type Sensor struct {
	mu sync.Mutex

	cfg   Config
	clock clock.Clock
	rng   *rand.Rand
	enc   *zstd.Encoder

	open     bool
	openedAt time.Time
	latest   *capability.Frame

	opens  int
	closes int
}

// New creates a camera. The sensor stays off until OpenDevice.
func New(cfg Config) (*Sensor, error) {
	if cfg.Width <= 0 {
		cfg.Width = DefaultWidth
	}
	if cfg.Height <= 0 {
		cfg.Height = DefaultHeight
	}
	if cfg.FPS <= 0 {
		cfg.FPS = DefaultFPS
	}
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}

	s := &Sensor{
		cfg:   cfg,
		clock: cfg.Clock,
		rng:   rand.New(rand.NewPCG(seed, ^seed)),
	}
	if cfg.Compress {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest), zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("camera: zstd encoder: %w", err)
		}
		s.enc = enc
	}
	return s, nil
}

// Probe reports the Camera capability.
func (s *Sensor) Probe(context.Context) ([]capability.Descriptor, error) {
	return capability.ProbeFamily(capability.FamilyCamera, s.cfg.Version), nil
}

// OpenDevice powers the sensor on.
func (s *Sensor) OpenDevice(_ context.Context, capName string) error {
	if capName != "Camera" {
		return fmt.Errorf("%w: no device for %q", capability.ErrInvalidArgs, capName)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		return nil
	}
	s.open = true
	s.openedAt = s.clock.Now()
	s.latest = nil
	s.opens++
	return nil
}

// CloseDevice powers the sensor off.
func (s *Sensor) CloseDevice(capName string) error {
	if capName != "Camera" {
		return fmt.Errorf("%w: no device for %q", capability.ErrInvalidArgs, capName)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil
	}
	s.open = false
	s.latest = nil
	s.closes++
	return nil
}

// Invoke runs one Camera operation.
func (s *Sensor) Invoke(_ context.Context, capName, op string, _ capability.Args) (any, error) {
	if capName != "Camera" {
		return nil, fmt.Errorf("%w: no capability %q on this camera", capability.ErrInvalidArgs, capName)
	}
	switch op {
	case "resolution":
		return capability.Resolution{Width: s.cfg.Width, Height: s.cfg.Height, FPS: s.cfg.FPS}, nil
	case "capture":
		return s.capture()
	}
	return nil, fmt.Errorf("%w: Camera has no operation %q", capability.ErrInvalidArgs, op)
}

// Close releases the encoder.
func (s *Sensor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	if s.enc != nil {
		return s.enc.Close()
	}
	return nil
}

// Opens returns how many times the sensor was powered on.
func (s *Sensor) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

// Closes returns how many times the sensor was powered off.
func (s *Sensor) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// IsOpen reports whether the sensor is powered.
func (s *Sensor) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *Sensor) capture() (capability.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return capability.Frame{}, fmt.Errorf("%w: camera sensor is off", capability.ErrHardwareFault)
	}

	now := s.clock.Now()
	period := time.Second / time.Duration(s.cfg.FPS)
	index := uint64(now.Sub(s.openedAt)/period) + 1
	if s.latest != nil && s.latest.Index == index {
		return *s.latest, nil
	}

	frame, err := s.render(index, s.openedAt.Add(time.Duration(index-1)*period))
	if err != nil {
		return capability.Frame{}, err
	}
	s.latest = &frame
	return frame, nil
}

// render produces noise resembling an unplugged analog feed.
func (s *Sensor) render(index uint64, at time.Time) (capability.Frame, error) {
	f := capability.Frame{
		Width:     s.cfg.Width,
		Height:    s.cfg.Height,
		Encoding:  capability.EncodingRGB24,
		Index:     index,
		Timestamp: at.UnixNano(),
	}
	if s.cfg.Gray {
		f.Encoding = capability.EncodingGray8
	}

	pixels := make([]byte, f.Width*f.Height*f.BytesPerPixel())
	for i := 0; i < len(pixels); i += 8 {
		v := s.rng.Uint64()
		for j := 0; j < 8 && i+j < len(pixels); j++ {
			pixels[i+j] = byte(v >> (8 * j))
		}
	}

	if s.enc == nil {
		f.Pixels = pixels
		return f, nil
	}
	f.Pixels = s.enc.EncodeAll(pixels, nil)
	if s.cfg.Gray {
		f.Encoding = capability.EncodingZstdGray8
	} else {
		f.Encoding = capability.EncodingZstdRGB24
	}
	return f, nil
}
