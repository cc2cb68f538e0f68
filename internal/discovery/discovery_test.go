package discovery

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEntryURL(t *testing.T) {
	assert.Equal(t, "ws://10.0.0.7:8080", Entry{Addrs: []net.IP{net.ParseIP("10.0.0.7")}, Port: 8080}.URL())
	assert.Equal(t, "ws://[fe80::1]:9000", Entry{Addrs: []net.IP{net.ParseIP("fe80::1")}, Port: 9000}.URL())
	assert.Equal(t, "ws://localhost:8080", Entry{Port: 8080}.URL())
}
