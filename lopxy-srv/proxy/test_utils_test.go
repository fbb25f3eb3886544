package proxy

import (
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lopxy/lopxy/lopxy-srv/registry"
	"github.com/lopxy/lopxy/lopxy-srv/sysproxy"
)

type statusRecord struct {
	PID     uint32
	Path    string
	Outcome string
}

// fakeController is an in-memory Controller for tests
type fakeController struct {
	mu       sync.Mutex
	items    map[string]registry.ProxyItem
	upstream sysproxy.Config
	records  []statusRecord
}

func newFakeController(items ...registry.ProxyItem) *fakeController {
	c := &fakeController{items: map[string]registry.ProxyItem{}}
	for _, item := range items {
		c.items[item.ResourceURL] = item
	}
	return c
}

func (c *fakeController) LookupRedirect(resourceURL string) (registry.ProxyItem, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.items[resourceURL]
	return item, ok
}

func (c *fakeController) ReportStatus(pid uint32, path, outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, statusRecord{PID: pid, Path: path, Outcome: outcome})
}

func (c *fakeController) IsSystemProxyEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.upstream.Active()
}

func (c *fakeController) UpstreamProxy() sysproxy.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.upstream
}

func (c *fakeController) setUpstream(cfg sysproxy.Config) {
	c.mu.Lock()
	c.upstream = cfg
	c.mu.Unlock()
}

func (c *fakeController) Records() []statusRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]statusRecord(nil), c.records...)
}

// startTestProxy runs a proxy on a random loopback port until the test ends.
func startTestProxy(t *testing.T, ctrl Controller) (*Server, *ShutdownCoordinator, <-chan error) {
	t.Helper()

	sc := NewShutdownCoordinator(context.Background())
	srv := NewServer("127.0.0.1:0", ctrl, sc)
	srv.PIDLookup = func(localPort, remotePort uint32) uint32 { return 4242 }
	require.NoError(t, srv.Bind())

	// closed after the result is sent so both the test and cleanup can receive
	done := make(chan error, 1)
	go func() {
		done <- srv.Serve()
		close(done)
	}()

	t.Cleanup(func() {
		sc.Trigger()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("proxy did not drain")
		}
	})
	return srv, sc, done
}

// sendRaw writes raw to the proxy and reads until the proxy closes.
func sendRaw(t *testing.T, addr, raw string) []byte {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	_, err = io.WriteString(conn, raw)
	require.NoError(t, err)

	out, err := io.ReadAll(conn)
	if err != nil && !isClosedConnError(err) && !strings.Contains(err.Error(), "reset") {
		require.NoError(t, err)
	}
	return out
}

// rawBackend is a TCP server that records the first request it receives
// and answers with a fixed raw response.
type rawBackend struct {
	listener net.Listener
	mu       sync.Mutex
	received []string
}

func newRawBackend(t *testing.T, response string) *rawBackend {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	b := &rawBackend{listener: ln}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
				var req []byte
				buf := make([]byte, 4096)
				for !strings.Contains(string(req), "\r\n\r\n") {
					n, err := conn.Read(buf)
					req = append(req, buf[:n]...)
					if err != nil {
						break
					}
				}
				b.mu.Lock()
				b.received = append(b.received, string(req))
				b.mu.Unlock()
				_, _ = io.WriteString(conn, response)
			}(conn)
		}
	}()
	return b
}

func (b *rawBackend) Addr() string {
	return b.listener.Addr().String()
}

func (b *rawBackend) Received() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.received...)
}

// newEchoBackend echoes every byte back until the peer closes.
func newEchoBackend(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				_, _ = io.Copy(conn, conn)
			}(conn)
		}
	}()
	return ln.Addr().String()
}

// closedAddr returns a loopback address nothing listens on.
func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}
