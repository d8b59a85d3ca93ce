package blocklist

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReloadBlocksMatchingCIDR(t *testing.T) {
	b := New()
	n := b.Reload([]string{"10.0.0.0/8", "not-a-cidr"})
	assert.Equal(t, 1, n)
	assert.True(t, b.Blocked(net.ParseIP("10.1.2.3")))
	assert.False(t, b.Blocked(net.ParseIP("192.168.1.1")))
}

func TestReloadReplacesPreviousSet(t *testing.T) {
	b := New()
	b.Reload([]string{"10.0.0.0/8"})
	b.Reload([]string{"192.168.0.0/16"})
	assert.False(t, b.Blocked(net.ParseIP("10.1.2.3")))
	assert.True(t, b.Blocked(net.ParseIP("192.168.5.5")))
}

func TestSetAllowFuncRejectsOnFalse(t *testing.T) {
	b := New()
	b.SetAllowFunc(func(ip net.IP) bool { return ip.String() != "1.2.3.4" })
	assert.True(t, b.Blocked(net.ParseIP("1.2.3.4")))
	assert.False(t, b.Blocked(net.ParseIP("5.6.7.8")))
}

func TestEmptyBlocklistAllowsEverything(t *testing.T) {
	b := New()
	assert.False(t, b.Blocked(net.ParseIP("8.8.8.8")))
}
