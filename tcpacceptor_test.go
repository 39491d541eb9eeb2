package reactor

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestTCPAcceptor_DeliversAcceptedConnection(t *testing.T) {
	loop, err := NewEventLoop()
	require.NoError(t, err)
	stop := runLoopFor(t, loop)
	defer stop()

	acceptor, err := NewTCPAcceptor(loop, NewListenAddress(0, true, false))
	require.NoError(t, err)
	require.NoError(t, acceptor.SetReuseAddr(true))
	require.NoError(t, acceptor.Listen())
	defer acceptor.Close()

	sa, err := unix.Getsockname(acceptor.listenFd.FD())
	require.NoError(t, err)
	bound := addressFromSockaddr(sa)

	accepted := make(chan *TCPConnection, 1)
	acceptor.SetAcceptCallback(func(conn *TCPConnection) { accepted <- conn })

	client, err := net.DialTimeout("tcp4", bound.ToIPPort(), 2*time.Second)
	require.NoError(t, err)
	defer client.Close()

	select {
	case conn := <-accepted:
		assert.False(t, conn.IsClosed())
		assert.Equal(t, client.LocalAddr().(*net.TCPAddr).Port, conn.PeerAddr().Port())
	case <-time.After(2 * time.Second):
		t.Fatal("acceptor never delivered the connection")
	}
}
