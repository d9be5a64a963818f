package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rovekit/rovekit-go/pkg/capability"
	"github.com/rovekit/rovekit-go/pkg/client"
	"github.com/rovekit/rovekit-go/pkg/log"
	"github.com/rovekit/rovekit-go/pkg/transport"
)

func TestParseFlags(t *testing.T) {
	opts, err := parseFlags([]string{"-c", "car.yaml", "--only", "controller,display", "--log-level", "debug"}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, "car.yaml", opts.configPath)
	assert.Equal(t, []string{"controller", "display"}, opts.only)
	assert.Equal(t, "debug", opts.logLevel)

	_, err = parseFlags([]string{"extra"}, io.Discard)
	assert.Error(t, err)
	_, err = parseFlags([]string{"--bogus"}, io.Discard)
	assert.Error(t, err)
}

func TestLoadConfigOverrides(t *testing.T) {
	dir := t.TempDir()
	cfg, err := loadConfig(options{socketDir: dir, only: []string{"camera"}, logLevel: "warn"})
	require.NoError(t, err)
	require.Len(t, cfg.Brokers, 1)
	assert.Equal(t, filepath.Join(dir, "camera.sock"), cfg.Brokers[0].Socket)
	assert.Equal(t, "warn", cfg.LogLevel)

	_, err = loadConfig(options{only: []string{"toaster"}})
	assert.Error(t, err)
	_, err = loadConfig(options{logLevel: "chatty"})
	assert.Error(t, err)
	_, err = loadConfig(options{configPath: filepath.Join(dir, "missing.yaml")})
	assert.Error(t, err)
}

func TestRunServesAllBrokers(t *testing.T) {
	dir := t.TempDir()
	capture := filepath.Join(dir, "proto.cbor")

	var mu sync.Mutex
	sockets := make(map[string]string)
	ready := func(name, socket string) {
		mu.Lock()
		sockets[name] = socket
		mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, []string{"--socket-dir", dir, "--protocol-log", capture, "--log-level", "error"},
			io.Discard, io.Discard, ready)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sockets) == 4
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	path := sockets["controller"]
	mu.Unlock()

	c, err := client.Dial(ctx, path, client.Config{
		Name:      "test",
		KeepAlive: transport.KeepAliveConfig{PingInterval: -1},
	})
	require.NoError(t, err)
	assert.Equal(t, "controller", c.Broker().Name)

	h, err := c.AcquireKind(ctx, capability.KindVersionInfo)
	require.NoError(t, err)
	name, err := client.VersionInfo{Handle: h}.Name(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, name)
	require.NoError(t, c.Close())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("brokerd did not stop")
	}

	data, err := os.ReadFile(capture)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	r, err := log.NewReader(capture, log.Filter{})
	require.NoError(t, err)
	defer r.Close()
	first, err := r.Next()
	require.NoError(t, err)
	assert.False(t, first.Timestamp.IsZero())
}

func TestRunFailsOnBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "car.yaml")
	require.NoError(t, os.WriteFile(path, []byte("brokers: []\n"), 0o600))

	var stderr bytes.Buffer
	err := run(context.Background(), []string{"-c", path}, io.Discard, &stderr, nil)
	assert.Error(t, err)
}

// lockedBuffer is a bytes.Buffer safe for the broker goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRunTracesProtocol(t *testing.T) {
	dir := t.TempDir()
	var stderr lockedBuffer
	socket := make(chan string, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, []string{"--socket-dir", dir, "--only", "display", "--trace-protocol", "--log-level", "debug"},
			io.Discard, &stderr, func(_, path string) { socket <- path })
	}()

	var path string
	select {
	case path = <-socket:
	case <-time.After(5 * time.Second):
		t.Fatal("display broker not ready")
	}
	c, err := client.Dial(ctx, path, client.Config{
		Name:      "tracer",
		KeepAlive: transport.KeepAliveConfig{PingInterval: -1},
	})
	require.NoError(t, err)
	_, err = c.List(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	cancel()
	require.NoError(t, <-done)
	assert.Contains(t, stderr.String(), "msg=protocol")
	assert.Contains(t, stderr.String(), "broker=display")
}
