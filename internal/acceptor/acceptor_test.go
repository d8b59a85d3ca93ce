package acceptor

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccbittorrent/swarmd/internal/logger"
)

func TestAcceptorPublishesAcceptedConns(t *testing.T) {
	a, err := New("127.0.0.1:0", logger.New("test"))
	require.NoError(t, err)
	defer a.Close()

	go a.Run()

	dialed, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(a.Port()))
	require.NoError(t, err)
	defer dialed.Close()

	select {
	case conn := <-a.Conns():
		require.NotNil(t, conn)
		conn.Close()
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for accepted connection")
	}
}

func TestCloseStopsAcceptLoop(t *testing.T) {
	a, err := New("127.0.0.1:0", logger.New("test"))
	require.NoError(t, err)
	go a.Run()
	a.Close()

	_, err = net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(a.Port()))
	assert.Error(t, err)
}
