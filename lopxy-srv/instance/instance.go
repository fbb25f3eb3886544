// Package instance records the running lopxy process so that a second
// instance refuses to start and out-of-process tooling can find the manager.
package instance

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/lopxy/lopxy/lopxy-srv/netstat"
)

// ErrAlreadyRunning is returned by Acquire when a live instance is recorded
var ErrAlreadyRunning = errors.New("lopxy is already running")

// Info is the content of the instance file: pid\r\nweb_manager_port\r\nproxy_port
type Info struct {
	PID         int
	ManagerPort int
	ProxyPort   int
}

// alive is replaced in tests
var alive = netstat.Alive

// IsRunning checks if the recorded process still exists.
func (i *Info) IsRunning() bool {
	return alive(i.PID)
}

// ManagerURL is the base URL of the management API.
func (i *Info) ManagerURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", i.ManagerPort)
}

// ProxyAddress is the address clients send traffic to.
func (i *Info) ProxyAddress() string {
	return fmt.Sprintf("127.0.0.1:%d", i.ProxyPort)
}

func (i *Info) encode() []byte {
	return []byte(fmt.Sprintf("%d\r\n%d\r\n%d", i.PID, i.ManagerPort, i.ProxyPort))
}

func decode(data []byte) (*Info, error) {
	lines := strings.Split(strings.ReplaceAll(strings.TrimSpace(string(data)), "\r\n", "\n"), "\n")
	if len(lines) != 3 {
		return nil, fmt.Errorf("expected 3 lines, got %d", len(lines))
	}
	values := make([]int, 3)
	for n, line := range lines {
		v, err := strconv.Atoi(strings.TrimSpace(line))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", n+1, err)
		}
		values[n] = v
	}
	return &Info{PID: values[0], ManagerPort: values[1], ProxyPort: values[2]}, nil
}

// Write records info at path, creating the parent directory.
func Write(path string, info *Info) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create instance file directory: %w", err)
	}

	// Write atomically by writing to temp file first
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, info.encode(), 0o644); err != nil {
		return fmt.Errorf("failed to write instance file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename instance file: %w", err)
	}
	return nil
}

// Read parses the instance file at path.
func Read(path string) (*Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("instance file not found: %s: %w", path, os.ErrNotExist)
		}
		return nil, fmt.Errorf("failed to read instance file: %w", err)
	}
	info, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse instance file: %w", err)
	}
	return info, nil
}

// Running returns the recorded instance if its process is alive, nil otherwise.
func Running(path string) *Info {
	info, err := Read(path)
	if err != nil || !info.IsRunning() {
		return nil
	}
	return info
}

// Remove deletes the instance file.
func Remove(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove instance file: %w", err)
	}
	return nil
}

// Acquire fails with ErrAlreadyRunning when a live instance is recorded.
// A stale file left by a dead process is removed.
func Acquire(path string) error {
	info, err := Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		// unreadable file, treat as stale
		return Remove(path)
	}
	if info.PID != os.Getpid() && info.IsRunning() {
		return fmt.Errorf("%w (pid %d, manager port %d)", ErrAlreadyRunning, info.PID, info.ManagerPort)
	}
	return Remove(path)
}
