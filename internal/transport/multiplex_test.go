package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func pipePair(t *testing.T) (*Multiplex, *Multiplex) {
	t.Helper()
	clientConn, serverConn := net.Pipe()

	type result struct {
		m   *Multiplex
		err error
	}
	serverCh := make(chan result, 1)
	go func() {
		m, err := newMultiplexServer(serverConn)
		serverCh <- result{m, err}
	}()

	client, err := newMultiplexClient(clientConn)
	require.NoError(t, err)

	srv := <-serverCh
	require.NoError(t, srv.err)

	t.Cleanup(func() {
		client.Close()
		srv.m.Close()
	})
	return client, srv.m
}

func TestMultiplexControlRoundTrip(t *testing.T) {
	client, server := pipePair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, client.SendControl(ctx, []byte("hello")))
	got, err := server.RecvControl(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)
}

func TestMultiplexDataStream(t *testing.T) {
	client, server := pipePair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		s, err := client.OpenStream(ctx)
		if err != nil {
			errCh <- err
			return
		}
		errCh <- s.WriteAll([]byte("payload"))
	}()

	accepted, err := server.AcceptStream(ctx)
	require.NoError(t, err)
	require.NoError(t, <-errCh)

	buf := make([]byte, 7)
	n, err := accepted.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "payload", string(buf[:n]))
}

func TestMultiplexIsConnected(t *testing.T) {
	client, server := pipePair(t)
	require.True(t, client.IsConnected())
	require.NoError(t, client.Close())
	require.False(t, client.IsConnected())
	server.Close()
}
