package discovery

import (
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
)

func TestAddress(t *testing.T) {
	e := &zeroconf.ServiceEntry{Port: 8081}
	assert.Empty(t, address(e))

	e.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}
	assert.Equal(t, "[fe80::1]:8081", address(e))

	e.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.20")}
	assert.Equal(t, "192.168.1.20:8081", address(e))
}
