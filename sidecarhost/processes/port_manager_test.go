package processes

import (
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestPortManager_AllocatesBindablePort(t *testing.T) {
	pm := NewPortManager(nil)

	port := pm.AllocatePort()
	require.NotZero(t, port)
	assert.NotEqual(t, DefaultBackendPort, port)

	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	l.Close()
}

func TestNewRangePortManager_InvalidRange(t *testing.T) {
	for _, tc := range []struct{ min, max int }{
		{0, 10},
		{10, 5},
		{60000, 70000},
	} {
		_, err := NewRangePortManager(tc.min, tc.max, nil)
		assert.Error(t, err, "range %d-%d", tc.min, tc.max)
	}
}

func TestRangePortManager_AllocateAndRelease(t *testing.T) {
	port := freePort(t)
	pm, err := NewRangePortManager(port, port, nil)
	require.NoError(t, err)
	pm.SetFallbackPort(1)

	assert.Equal(t, uint16(port), pm.AllocatePort())
	// The only port in the range is handed out, so allocation falls back.
	assert.Equal(t, uint16(1), pm.AllocatePort())

	pm.ReleasePort(uint16(port))
	assert.Equal(t, uint16(port), pm.AllocatePort())
}

func TestRangePortManager_FallsBackWhenPortBusy(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	busy := l.Addr().(*net.TCPAddr).Port

	pm, err := NewRangePortManager(busy, busy, nil)
	require.NoError(t, err)

	assert.Equal(t, DefaultBackendPort, pm.AllocatePort())
}

func TestPortManager_ReleaseOutsideRangeIsIgnored(t *testing.T) {
	pm := NewPortManager(nil)
	pm.ReleasePort(1234)

	port := freePort(t)
	ranged, err := NewRangePortManager(port, port, nil)
	require.NoError(t, err)
	ranged.ReleasePort(uint16(port + 1))
	assert.Equal(t, uint16(port), ranged.AllocatePort())
}
