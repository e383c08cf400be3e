package host

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtract(t *testing.T) {
	addr, err := Extract("10.1.2.3:9000", nil)
	require.NoError(t, err)
	assert.Equal(t, "10.1.2.3:9000", addr)

	_, err = Extract("no-port", nil)
	assert.Error(t, err)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()
	port, ok := Port(lis)
	require.True(t, ok)
	assert.NotZero(t, port)

	addr, err = Extract("127.0.0.1:0", lis)
	require.NoError(t, err)
	assert.Equal(t, lis.Addr().String(), addr)

	addr, err = Extract(":0", lis)
	require.NoError(t, err)
	host, p, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	assert.NotEmpty(t, host)
	assert.NotEqual(t, "0", p)
}
