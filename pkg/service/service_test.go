package service_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rovekit/rovekit-go/pkg/service"
	"github.com/rovekit/rovekit-go/pkg/transport"
	"github.com/rovekit/rovekit-go/pkg/wire"
)

func startService(t *testing.T) *service.Service {
	t.Helper()
	b, _ := newTestBroker(t)
	svc, err := service.New(b, service.Config{
		SocketPath: filepath.Join(t.TempDir(), "controller.sock"),
		KeepAlive:  transport.KeepAliveConfig{PingInterval: -1},
		Logger:     discardLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { _ = svc.Stop() })
	return svc
}

// rawClient speaks the wire protocol directly over a transport connection.
type rawClient struct {
	conn  *transport.ClientConn
	resps chan *wire.Response
}

func dialRaw(t *testing.T, path string) *rawClient {
	t.Helper()
	rc := &rawClient{resps: make(chan *wire.Response, 16)}
	conn, err := transport.Dial(context.Background(), path, transport.ClientConfig{
		OnMessage: func(data []byte) {
			if k, _ := wire.PeekKind(data); k != wire.KindResponse {
				return
			}
			if resp, err := wire.DecodeResponse(data); err == nil {
				rc.resps <- resp
			}
		},
	})
	require.NoError(t, err)
	rc.conn = conn
	t.Cleanup(func() { _ = conn.Close() })
	return rc
}

func (rc *rawClient) call(t *testing.T, req *wire.Request) *wire.Response {
	t.Helper()
	data, err := wire.EncodeRequest(req)
	require.NoError(t, err)
	require.NoError(t, rc.conn.Send(data))
	select {
	case resp := <-rc.resps:
		require.Equal(t, req.MessageID, resp.MessageID)
		return resp
	case <-time.After(2 * time.Second):
		t.Fatalf("no response to %s", req.Operation)
		return nil
	}
}

func TestNewWithoutBroker(t *testing.T) {
	_, err := service.New(nil, service.Config{SocketPath: "/tmp/x.sock"})
	assert.Error(t, err)
}

func TestStopBeforeStart(t *testing.T) {
	b, _ := newTestBroker(t)
	svc, err := service.New(b, service.Config{SocketPath: filepath.Join(t.TempDir(), "s.sock")})
	require.NoError(t, err)
	assert.ErrorIs(t, svc.Stop(), service.ErrNotStarted)
}

func TestServiceReleasesOnDisconnect(t *testing.T) {
	svc := startService(t)
	first := dialRaw(t, svc.SocketPath())
	second := dialRaw(t, svc.SocketPath())

	require.Eventually(t, func() bool { return svc.ConnectionCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	resp := first.call(t, request(t, 1, wire.OpAcquire, "CarMotors", 0, &wire.AcquirePayload{}))
	require.True(t, resp.IsSuccess(), resp.Message)
	assert.Equal(t, 1, svc.Broker().Stats().HandlesLive)

	resp = second.call(t, request(t, 1, wire.OpAcquire, "CarMotors", 0, &wire.AcquirePayload{}))
	assert.Equal(t, wire.StatusAlreadyHeld, resp.Status)

	require.NoError(t, first.conn.Close())
	require.Eventually(t, func() bool { return svc.Broker().Stats().HandlesLive == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, svc.ConnectionCount())

	resp = second.call(t, request(t, 2, wire.OpAcquire, "CarMotors", 0, &wire.AcquirePayload{}))
	assert.True(t, resp.IsSuccess(), resp.Message)
}

func TestServiceStopDisconnectsClients(t *testing.T) {
	svc := startService(t)
	rc := dialRaw(t, svc.SocketPath())

	resp := rc.call(t, request(t, 1, wire.OpList, "", 0, nil))
	require.True(t, resp.IsSuccess())

	require.NoError(t, svc.Stop())
	select {
	case <-rc.conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client still connected after Stop")
	}
	assert.ErrorIs(t, svc.Stop(), service.ErrNotStarted)
}
