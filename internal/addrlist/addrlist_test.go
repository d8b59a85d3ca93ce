package addrlist

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addr(s string) *net.TCPAddr {
	a, err := net.ResolveTCPAddr("tcp", s)
	if err != nil {
		panic(err)
	}
	return a
}

func TestPushDedupsAddresses(t *testing.T) {
	l := New(10)
	l.Push([]*net.TCPAddr{addr("1.2.3.4:6881")}, Tracker)
	l.Push([]*net.TCPAddr{addr("1.2.3.4:6881")}, DHT)
	assert.Equal(t, 1, l.Len())
}

func TestTrackerPrioritizedOverDHT(t *testing.T) {
	l := New(10)
	l.Push([]*net.TCPAddr{addr("5.5.5.5:1000")}, DHT)
	l.Push([]*net.TCPAddr{addr("6.6.6.6:1000")}, Tracker)

	first := l.Pop()
	require.NotNil(t, first)
	assert.Equal(t, "6.6.6.6:1000", first.String())
}

func TestPopOnEmptyReturnsNil(t *testing.T) {
	l := New(10)
	assert.Nil(t, l.Pop())
}

func TestPushRespectsMaxItems(t *testing.T) {
	l := New(1)
	l.Push([]*net.TCPAddr{addr("1.1.1.1:1"), addr("2.2.2.2:2")}, Tracker)
	assert.Equal(t, 1, l.Len())
}

func TestResetAllowsRepop(t *testing.T) {
	l := New(10)
	l.Push([]*net.TCPAddr{addr("9.9.9.9:9")}, Tracker)
	l.Pop()
	l.Push([]*net.TCPAddr{addr("9.9.9.9:9")}, Tracker)
	assert.Equal(t, 0, l.Len(), "still deduped until Reset")

	l.Reset()
	l.Push([]*net.TCPAddr{addr("9.9.9.9:9")}, Tracker)
	assert.Equal(t, 1, l.Len())
}
