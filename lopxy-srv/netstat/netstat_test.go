package netstat

import (
	"context"
	"errors"
	"net"
	"os"
	"testing"

	gnet "github.com/shirou/gopsutil/v4/net"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stubConnections(t *testing.T, conns []gnet.ConnectionStat, err error) {
	t.Helper()
	orig := listConnections
	listConnections = func(ctx context.Context, kind string) ([]gnet.ConnectionStat, error) {
		return conns, err
	}
	t.Cleanup(func() { listConnections = orig })
}

func TestPIDForPortPrefersMatchingPeer(t *testing.T) {
	stubConnections(t, []gnet.ConnectionStat{
		{Laddr: gnet.Addr{IP: "127.0.0.1", Port: 7237}, Raddr: gnet.Addr{IP: "127.0.0.1", Port: 50000}, Pid: 1},
		{Laddr: gnet.Addr{IP: "127.0.0.1", Port: 50000}, Raddr: gnet.Addr{IP: "10.0.0.1", Port: 443}, Pid: 2},
		{Laddr: gnet.Addr{IP: "127.0.0.1", Port: 50000}, Raddr: gnet.Addr{IP: "127.0.0.1", Port: 7237}, Pid: 3},
	}, nil)

	assert.Equal(t, uint32(3), PIDForPort(50000, 7237))
	assert.Equal(t, uint32(2), PIDForPort(50000, 0))
	assert.Equal(t, uint32(2), PIDForPort(50000, 9999), "falls back to any socket on the port")
	assert.Equal(t, uint32(0), PIDForPort(40000, 7237))
}

func TestPIDForPortSkipsUnknownPid(t *testing.T) {
	stubConnections(t, []gnet.ConnectionStat{
		{Laddr: gnet.Addr{Port: 50000}, Raddr: gnet.Addr{Port: 7237}, Pid: 0},
	}, nil)
	assert.Equal(t, uint32(0), PIDForPort(50000, 7237))
}

func TestPIDForPortListError(t *testing.T) {
	stubConnections(t, nil, errors.New("permission denied"))
	assert.Equal(t, uint32(0), PIDForPort(50000, 7237))
}

func TestProcessName(t *testing.T) {
	orig := processName
	t.Cleanup(func() { processName = orig })

	processName = func(ctx context.Context, pid int32) (string, error) {
		if pid == 42 {
			return "curl", nil
		}
		return "", errors.New("no such process")
	}

	assert.Equal(t, "curl", ProcessName(42))
	assert.Equal(t, "", ProcessName(43))
	assert.Equal(t, "", ProcessName(0))
}

func TestAliveCurrentProcess(t *testing.T) {
	assert.True(t, Alive(os.Getpid()))
	assert.False(t, Alive(0))
	assert.False(t, Alive(-1))
}

func TestPIDForPortRealSocket(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		c, err := ln.Accept()
		if err == nil {
			defer c.Close()
			buf := make([]byte, 1)
			_, _ = c.Read(buf)
		}
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	local := conn.LocalAddr().(*net.TCPAddr)
	remote := ln.Addr().(*net.TCPAddr)

	pid := PIDForPort(uint32(local.Port), uint32(remote.Port))
	if pid == 0 {
		t.Skip("socket table not readable in this environment")
	}
	assert.Equal(t, uint32(os.Getpid()), pid)
}
