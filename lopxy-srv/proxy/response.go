package proxy

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// Header is one header line, kept in wire order.
type Header struct {
	Name  string
	Value string
}

// Response is a reply written back to a proxy client. Bytes is the only
// place that turns it into wire format.
type Response struct {
	Proto      string
	StatusCode int
	Reason     string
	Headers    []Header
	Body       []byte
}

// NewResponse creates an HTTP/1.1 response with a content-type header.
func NewResponse(code int, contentType string, body []byte) *Response {
	return &Response{
		Proto:      "HTTP/1.1",
		StatusCode: code,
		Reason:     http.StatusText(code),
		Headers:    []Header{{Name: "content-type", Value: contentType}},
		Body:       body,
	}
}

// NotFoundResponse is the reply for missing local files.
func NotFoundResponse() *Response {
	return NewResponse(http.StatusNotFound, "text/html; charset=utf-8", []byte(
		"<html><head><title>404 Not Found</title></head>"+
			"<body><center><h1>404 Not Found</h1></center></body></html>"))
}

// Header returns the first value of name, compared case-insensitively.
func (r *Response) Header(name string) string {
	for _, h := range r.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// Bytes serializes the status line, headers, blank line and body.
func (r *Response) Bytes() []byte {
	var buf bytes.Buffer
	buf.Grow(64 + len(r.Body))

	proto := r.Proto
	if proto == "" {
		proto = "HTTP/1.1"
	}
	buf.WriteString(proto)
	buf.WriteByte(' ')
	buf.WriteString(strconv.Itoa(r.StatusCode))
	if r.Reason != "" {
		buf.WriteByte(' ')
		buf.WriteString(r.Reason)
	}
	buf.WriteString("\r\n")

	for _, h := range r.Headers {
		buf.WriteString(h.Name)
		buf.WriteString(": ")
		buf.WriteString(h.Value)
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
	buf.Write(r.Body)
	return buf.Bytes()
}

// WriteTo writes the serialized response to w.
func (r *Response) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(r.Bytes())
	return int64(n), err
}

// protoLabel maps a protocol version to the label used in relayed status lines.
func protoLabel(major, minor int) string {
	switch {
	case major == 0 && minor == 9:
		return "HTTP/0.9"
	case major == 1 && minor == 0:
		return "HTTP/1.0"
	case major == 1 && minor == 1:
		return "HTTP/1.1"
	case major == 2:
		return "HTTP/2.0"
	case major == 3:
		return "HTTP/3.0"
	default:
		return "HTTP/1.1"
	}
}

// responseFromHTTP reads resp completely and converts it for relaying.
// The client never sees chunked framing, so a content-length is added when
// the upstream did not send one.
func responseFromHTTP(resp *http.Response, method string) (*Response, error) {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	reason := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	if reason == "" {
		reason = http.StatusText(resp.StatusCode)
	}

	out := &Response{
		Proto:      protoLabel(resp.ProtoMajor, resp.ProtoMinor),
		StatusCode: resp.StatusCode,
		Reason:     reason,
		Body:       body,
	}

	// resp.Header is a map, so the received order across names is lost here.
	// Names are sorted for stable output; values of one name keep their order.
	names := make([]string, 0, len(resp.Header))
	for name := range resp.Header {
		names = append(names, name)
	}
	sort.Strings(names)

	hasLength := false
	for _, name := range names {
		if strings.EqualFold(name, "Content-Length") {
			hasLength = true
		}
		for _, value := range resp.Header[name] {
			out.Headers = append(out.Headers, Header{Name: strings.ToLower(name), Value: value})
		}
	}
	if !hasLength && method != http.MethodHead {
		out.Headers = append(out.Headers, Header{Name: "content-length", Value: strconv.Itoa(len(body))})
	}
	return out, nil
}

// parseStatusCode reads the status code from the first bytes of a raw
// response ("HTTP/1.1 404 ..."). Only the first 20 bytes are inspected.
func parseStatusCode(raw []byte) (int, bool) {
	if len(raw) > 20 {
		raw = raw[:20]
	}
	fields := strings.Fields(string(raw))
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "HTTP/") {
		return 0, false
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, false
	}
	return code, true
}

// statusText describes a non-2xx status for the status log, "" for 2xx.
func statusText(code int) string {
	if code >= 200 && code < 300 {
		return ""
	}
	if text := http.StatusText(code); text != "" {
		return fmt.Sprintf("%d %s", code, text)
	}
	if code < 100 || code > 999 {
		return "Unknown Status"
	}
	return strconv.Itoa(code)
}
