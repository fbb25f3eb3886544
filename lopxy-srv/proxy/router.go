package proxy

import (
	"github.com/lopxy/lopxy/lopxy-srv/registry"
	"github.com/lopxy/lopxy/lopxy-srv/sysproxy"
)

// Controller is the state the proxy reads and reports to. It is shared by
// every connection and must be safe for concurrent use.
type Controller interface {
	// LookupRedirect finds the rule for an exact resource URL.
	LookupRedirect(resourceURL string) (registry.ProxyItem, bool)
	// ReportStatus records an abnormal outcome.
	ReportStatus(pid uint32, path, outcome string)
	// IsSystemProxyEnabled reports whether traffic goes through the
	// upstream proxy that was configured before lopxy started.
	IsSystemProxyEnabled() bool
	// UpstreamProxy returns that upstream proxy setting.
	UpstreamProxy() sysproxy.Config
}

// Route is the handling chosen for a request.
type Route int

const (
	RouteDirectTunnel Route = iota
	RouteForward
	RouteLocalFile
	RouteConnectTunnel
)

func (r Route) String() string {
	switch r {
	case RouteDirectTunnel:
		return "direct"
	case RouteForward:
		return "forward"
	case RouteLocalFile:
		return "local-file"
	case RouteConnectTunnel:
		return "connect"
	default:
		return "unknown"
	}
}

// Decision is the outcome of routing one request.
type Decision struct {
	Route Route
	// Target is the URL to forward to for RouteForward.
	Target string
	// Item is the matched rule, zero when none matched.
	Item       registry.ProxyItem
	Redirected bool
}

// Decide routes req. Only the registry and the system proxy flag affect the
// result; CONNECT always tunnels.
func Decide(req *Request, ctrl Controller) Decision {
	if req.IsConnect() {
		return Decision{Route: RouteConnectTunnel}
	}

	requestURL := req.URL()
	item, found := ctrl.LookupRedirect(requestURL)
	if !found {
		if ctrl.IsSystemProxyEnabled() {
			return Decision{Route: RouteForward, Target: requestURL}
		}
		return Decision{Route: RouteDirectTunnel}
	}

	if item.IsFile() {
		return Decision{Route: RouteLocalFile, Item: item, Redirected: true}
	}
	return Decision{Route: RouteForward, Target: item.ProxyResourceURL, Item: item, Redirected: true}
}
