package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lopxy/lopxy/lopxy-srv/controller"
	"github.com/lopxy/lopxy/lopxy-srv/registry"
	"github.com/lopxy/lopxy/lopxy-srv/stats"
	"github.com/lopxy/lopxy/lopxy-srv/status"
)

// Client calls the management API of a running instance.
type Client struct {
	baseURL string
	secret  []byte
	http    *http.Client
}

// NewClient creates a client for baseURL, e.g. http://127.0.0.1:8283.
func NewClient(baseURL, secret string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  []byte(secret),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Shutdown asks the instance to stop.
func (c *Client) Shutdown(ctx context.Context) error {
	_, err := c.result(ctx, http.MethodGet, "/shutdown", nil)
	return err
}

// List returns the redirect table.
func (c *Client) List(ctx context.Context) ([]registry.ProxyItem, error) {
	var items []registry.ProxyItem
	err := c.do(ctx, http.MethodGet, "/list", nil, &items)
	return items, err
}

// Add registers a rule. A rejected rule yields false and the reason.
func (c *Client) Add(ctx context.Context, resourceURL, target, contentType string) (bool, error) {
	return c.result(ctx, http.MethodPost, "/add", url.Values{
		"resource":              {resourceURL},
		"resource_proxy":        {target},
		"resource_content_type": {contentType},
	})
}

// Remove deletes a rule.
func (c *Client) Remove(ctx context.Context, resourceURL string) (bool, error) {
	return c.result(ctx, http.MethodDelete, "/remove", url.Values{"resource": {resourceURL}})
}

// Modify updates a rule.
func (c *Client) Modify(ctx context.Context, resourceURL, target, contentType string) (bool, error) {
	return c.result(ctx, http.MethodPost, "/modify", url.Values{
		"resource":              {resourceURL},
		"resource_proxy":        {target},
		"resource_content_type": {contentType},
	})
}

// IsProxyEnabled reports whether the system proxy points at the instance.
func (c *Client) IsProxyEnabled(ctx context.Context) (bool, error) {
	return c.result(ctx, http.MethodGet, "/is_proxy_enabled", nil)
}

// SetProxyEnabled installs or removes the instance as system proxy.
func (c *Client) SetProxyEnabled(ctx context.Context, enabled bool) (bool, error) {
	return c.result(ctx, http.MethodPost, "/enable_proxy", url.Values{"enabled": {strconv.FormatBool(enabled)}})
}

// Logs returns the abnormal status log.
func (c *Client) Logs(ctx context.Context) ([]status.Record, error) {
	var records []status.Record
	err := c.do(ctx, http.MethodGet, "/proxy_request_logs", nil, &records)
	return records, err
}

// Status polls the combined snapshot.
func (c *Client) Status(ctx context.Context, configTimestamp, statusTimestamp int64) (*controller.StatusReport, error) {
	path := fmt.Sprintf("/status/%d?config=%d", statusTimestamp, configTimestamp)
	var report controller.StatusReport
	if err := c.do(ctx, http.MethodGet, path, nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// History returns the most failing paths kept by the stats backend.
func (c *Client) History(ctx context.Context, limit int) ([]stats.PathSummary, error) {
	var summaries []stats.PathSummary
	err := c.do(ctx, http.MethodGet, "/history?limit="+strconv.Itoa(limit), nil, &summaries)
	return summaries, err
}

// Watch calls fn for every status record newer than since until ctx is done
// or the connection closes. A negative since skips the backlog.
func (c *Client) Watch(ctx context.Context, since int64, fn func(status.Record)) error {
	wsURL, err := url.Parse(c.baseURL + "/status/watch")
	if err != nil {
		return err
	}
	switch wsURL.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}
	if since >= 0 {
		wsURL.RawQuery = "since=" + strconv.FormatInt(since, 10)
	}

	header := http.Header{}
	if err := c.authorize(header); err != nil {
		return err
	}

	dialer := &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, wsURL.String(), header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("failed to watch status: %s", resp.Status)
		}
		return fmt.Errorf("failed to watch status: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	})
	defer stop()

	for {
		var rec status.Record
		if err := conn.ReadJSON(&rec); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("status stream closed: %w", err)
		}
		fn(rec)
	}
}

func (c *Client) result(ctx context.Context, method, path string, form url.Values) (bool, error) {
	var res Result
	if err := c.do(ctx, method, path, form, &res); err != nil {
		return false, err
	}
	if !res.Result && res.Error != "" {
		return false, fmt.Errorf("%s", res.Error)
	}
	return res.Result, nil
}

func (c *Client) authorize(header http.Header) error {
	if len(c.secret) == 0 {
		return nil
	}
	token, err := createJWTToken(c.secret)
	if err != nil {
		return err
	}
	header.Set("Authorization", "Bearer "+token)
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, form url.Values, out any) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if err := c.authorize(req.Header); err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("web manager unreachable: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var res Result
		if json.Unmarshal(data, &res) == nil && res.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, res.Error)
		}
		return fmt.Errorf("unexpected status: %s", resp.Status)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
