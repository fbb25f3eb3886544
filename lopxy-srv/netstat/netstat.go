// Package netstat resolves the local process behind a client connection.
// Every lookup is best effort: failures yield pid 0 or an empty name.
package netstat

import (
	"context"
	"time"

	gnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/lopxy/lopxy/lopxy-srv/logger"
)

const lookupTimeout = 2 * time.Second

// replaced in tests
var (
	listConnections = gnet.ConnectionsWithContext
	processName     = func(ctx context.Context, pid int32) (string, error) {
		p, err := process.NewProcessWithContext(ctx, pid)
		if err != nil {
			return "", err
		}
		return p.NameWithContext(ctx)
	}
	pidExists = process.PidExistsWithContext
)

// PIDForPort returns the pid owning the TCP socket bound to localPort whose
// peer is remotePort. A remotePort of 0 matches any peer. Returns 0 when unknown.
func PIDForPort(localPort, remotePort uint32) uint32 {
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()

	conns, err := listConnections(ctx, "tcp")
	if err != nil {
		logger.Debug("Failed to list TCP connections: %v", err)
		return 0
	}

	var fallback int32
	for _, c := range conns {
		if c.Laddr.Port != localPort || c.Pid <= 0 {
			continue
		}
		if remotePort == 0 || c.Raddr.Port == remotePort {
			return uint32(c.Pid)
		}
		if fallback == 0 {
			fallback = c.Pid
		}
	}
	return uint32(fallback)
}

// ProcessName returns the executable name of pid, "" when unknown.
func ProcessName(pid uint32) string {
	if pid == 0 {
		return ""
	}
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()

	name, err := processName(ctx, int32(pid))
	if err != nil {
		logger.Trace("Failed to resolve process name of %d: %v", pid, err)
		return ""
	}
	return name
}

// Alive reports whether a process with pid exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()

	ok, err := pidExists(ctx, int32(pid))
	if err != nil {
		logger.Debug("Failed to check pid %d: %v", pid, err)
		return false
	}
	return ok
}
