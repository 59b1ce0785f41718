package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netcapture/internal/domain"
)

type connFunc func(ctx context.Context, conn net.Conn)

func (f connFunc) ServeConn(ctx context.Context, conn net.Conn) { f(ctx, conn) }

func TestServerStartReportsBindError(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	srv := NewServer(busy.Addr().(*net.TCPAddr).Port, connFunc(func(context.Context, net.Conn) {}), nil)
	err = srv.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrBind))
	assert.False(t, srv.Running())
}

func TestServerStopEndsAccepting(t *testing.T) {
	var served atomic.Int32
	srv := NewServer(0, connFunc(func(_ context.Context, conn net.Conn) {
		served.Add(1)
		_ = conn.Close()
	}), nil)
	require.NoError(t, srv.Start(context.Background()))
	require.True(t, srv.Running())
	addr := fmt.Sprintf("127.0.0.1:%d", srv.Port())

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	_ = conn.Close()
	require.Eventually(t, func() bool { return served.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	srv.Stop()
	assert.False(t, srv.Running())
	_, err = net.DialTimeout("tcp", addr, 200*time.Millisecond)
	assert.Error(t, err)
}

func TestServerSurvivesPanickingHandler(t *testing.T) {
	var calls atomic.Int32
	srv := NewServer(0, connFunc(func(_ context.Context, conn net.Conn) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		_, _ = conn.Write([]byte("ok"))
		_ = conn.Close()
	}), nil)
	require.NoError(t, srv.Start(context.Background()))
	defer srv.Stop()
	addr := fmt.Sprintf("127.0.0.1:%d", srv.Port())

	first, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	_ = first.Close()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	second, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer second.Close()
	buf := make([]byte, 2)
	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = second.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(buf))
}

func TestServerWaitDrainsInFlightConnections(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	srv := NewServer(0, connFunc(func(_ context.Context, conn net.Conn) {
		close(entered)
		<-release
		_ = conn.Close()
	}), nil)
	require.NoError(t, srv.Start(context.Background()))

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", srv.Port()))
	require.NoError(t, err)
	defer conn.Close()
	<-entered
	srv.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, srv.Wait(ctx), context.DeadlineExceeded)

	close(release)
	require.NoError(t, srv.Wait(context.Background()))
}

func TestServerRestartsOnSamePort(t *testing.T) {
	srv := NewServer(0, connFunc(func(_ context.Context, conn net.Conn) { _ = conn.Close() }), nil)
	require.NoError(t, srv.Start(context.Background()))
	port := srv.Port()
	srv.Stop()
	require.NoError(t, srv.Start(context.Background()))
	defer srv.Stop()
	assert.Equal(t, port, srv.Port())
}
