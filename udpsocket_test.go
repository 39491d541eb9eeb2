package reactor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUDPSocket_SendToRecvRoundTrip(t *testing.T) {
	loop, err := NewEventLoop()
	require.NoError(t, err)
	stop := runLoopFor(t, loop)
	defer stop()

	server, err := NewUDPSocket(loop, false)
	require.NoError(t, err)
	require.NoError(t, server.BindAddress(NewListenAddress(0, true, false)))

	var mu sync.Mutex
	var received string
	var fromAddr Address
	server.SetDataCallback(func(sock *UDPSocket, data []byte, from Address) {
		mu.Lock()
		received = string(data)
		fromAddr = from
		mu.Unlock()
	})
	server.Enable()

	serverAddr, err := NewAddress("127.0.0.1", server.LocalAddr().Port(), false)
	require.NoError(t, err)

	client, err := NewUDPSocket(loop, false)
	require.NoError(t, err)
	require.NoError(t, client.BindAddress(NewListenAddress(0, true, false)))
	client.Enable()

	n, err := client.SendTo([]byte("hello udp"), serverAddr)
	require.NoError(t, err)
	assert.Equal(t, len("hello udp"), n)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received != ""
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "hello udp", received)
	assert.Equal(t, client.LocalAddr().Port(), fromAddr.Port())
}

func TestUDPSocket_ConnectedSendRecv(t *testing.T) {
	loop, err := NewEventLoop()
	require.NoError(t, err)
	stop := runLoopFor(t, loop)
	defer stop()

	server, err := NewUDPSocket(loop, false)
	require.NoError(t, err)
	require.NoError(t, server.BindAddress(NewListenAddress(0, true, false)))

	echoed := make(chan struct{}, 1)
	server.SetDataCallback(func(sock *UDPSocket, data []byte, from Address) {
		_, _ = sock.SendTo(data, from)
	})
	server.Enable()

	serverAddr, err := NewAddress("127.0.0.1", server.LocalAddr().Port(), false)
	require.NoError(t, err)

	client, err := NewUDPSocket(loop, false)
	require.NoError(t, err)
	require.NoError(t, client.Connect(serverAddr))

	var mu sync.Mutex
	var received string
	client.SetDataCallback(func(sock *UDPSocket, data []byte, from Address) {
		mu.Lock()
		received = string(data)
		mu.Unlock()
		echoed <- struct{}{}
	})
	client.Enable()

	_, err = client.Send([]byte("ping"))
	require.NoError(t, err)

	select {
	case <-echoed:
	case <-time.After(time.Second):
		t.Fatal("echo never arrived")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "ping", received)
}

func TestUDPSocket_BroadcastAndBufferSizeOptions(t *testing.T) {
	loop, err := NewEventLoop()
	require.NoError(t, err)
	stop := runLoopFor(t, loop)
	defer stop()

	sock, err := NewUDPSocket(loop, false)
	require.NoError(t, err)

	require.NoError(t, sock.SetBroadcast(true))
	require.NoError(t, sock.SetRecvBufferSize(64*1024))
	require.NoError(t, sock.SetSendBufferSize(64*1024))

	rcvSize, err := sock.GetRecvBufferSize()
	require.NoError(t, err)
	assert.Greater(t, rcvSize, 0)

	sndSize, err := sock.GetSendBufferSize()
	require.NoError(t, err)
	assert.Greater(t, sndSize, 0)
}
