package proxy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
)

const maxRequestHeaders = 64

// Request is the parsed view of one request burst read from a client.
type Request struct {
	Method  string
	Target  string
	Proto   string
	Headers []Header
	// Raw holds every byte read from the client, headers and body included.
	Raw []byte
	// Partial is set when the burst ended before the blank line after the headers.
	Partial bool

	bodyOffset int
}

// ReadRequest collects bytes from r in RequestChunkSize reads until a read
// returns fewer bytes than the chunk size or the peer closes. Requests larger
// than one burst are cut at that point.
func ReadRequest(r io.Reader) ([]byte, error) {
	chunk := getChunk()
	defer putChunk(chunk)

	var raw []byte
	for {
		n, err := r.Read(*chunk)
		if n > 0 {
			raw = append(raw, (*chunk)[:n]...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return raw, NewParseError(ErrCodeRequestReadFailed, err)
		}
		if n < RequestChunkSize {
			break
		}
	}
	if len(raw) == 0 {
		return nil, NewParseError(ErrCodeEmptyRequest, nil)
	}
	return raw, nil
}

// ParseRequest parses the start line and headers of raw.
func ParseRequest(raw []byte) (*Request, error) {
	req := &Request{Raw: raw}

	line, rest, ok := cutLine(raw)
	if !ok {
		return nil, NewParseError(ErrCodeMalformedRequest, errors.New("incomplete request line"))
	}
	parts := strings.Split(string(line), " ")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || !strings.HasPrefix(parts[2], "HTTP/") {
		return nil, NewParseError(ErrCodeMalformedRequest, fmt.Errorf("invalid request line %q", line))
	}
	if !isToken(parts[0]) {
		return nil, NewParseError(ErrCodeMalformedRequest, fmt.Errorf("invalid method %q", parts[0]))
	}
	req.Method, req.Target, req.Proto = parts[0], parts[1], parts[2]

	offset := len(raw) - len(rest)
	for {
		line, next, ok := cutLine(rest)
		if !ok {
			// headers continue past this burst; keep what is complete
			req.Partial = true
			req.bodyOffset = len(raw)
			return req, nil
		}
		offset += len(rest) - len(next)
		rest = next

		if len(line) == 0 {
			req.bodyOffset = offset
			return req, nil
		}

		name, value, found := bytes.Cut(line, []byte(":"))
		if !found || len(name) == 0 || !isToken(string(name)) {
			return nil, NewParseError(ErrCodeMalformedRequest, fmt.Errorf("invalid header line %q", line))
		}
		if len(req.Headers) == maxRequestHeaders {
			return nil, NewParseError(ErrCodeMalformedRequest, errors.New("too many headers"))
		}
		req.Headers = append(req.Headers, Header{
			Name:  string(name),
			Value: strings.TrimSpace(string(value)),
		})
	}
}

// cutLine splits at the first line ending, accepting both CRLF and LF.
func cutLine(b []byte) (line, rest []byte, ok bool) {
	i := bytes.IndexByte(b, '\n')
	if i < 0 {
		return nil, b, false
	}
	line = b[:i]
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}
	return line, b[i+1:], true
}

func isToken(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c <= ' ' || c >= 0x7f || strings.IndexByte("()<>@,;:\\\"/[]?={}", c) >= 0 {
			return false
		}
	}
	return s != ""
}

// IsConnect reports whether this is a tunnel-establishment request.
func (r *Request) IsConnect() bool {
	return r.Method == "CONNECT"
}

// Header returns the first value of name, compared case-insensitively.
func (r *Request) Header(name string) string {
	for _, h := range r.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// ContentLength returns the declared body length, 0 when absent or invalid.
func (r *Request) ContentLength() int {
	n, err := strconv.Atoi(r.Header("Content-Length"))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Body returns the declared Content-Length bytes following the headers.
// A declared length larger than what was read yields an empty body.
func (r *Request) Body() []byte {
	n := r.ContentLength()
	avail := r.Raw[r.bodyOffset:]
	if n == 0 || n > len(avail) {
		return nil
	}
	return avail[:n]
}

// Host resolves the host:port to connect to. CONNECT uses its authority
// target, other requests use the Host header, then an absolute-form
// target. Port 80 is assumed when none is given.
func (r *Request) Host() (string, error) {
	var host string
	if r.IsConnect() {
		host = r.Target
	}
	if host == "" {
		host = r.Header("Host")
	}
	if host == "" && isAbsoluteTarget(r.Target) {
		if u, err := url.Parse(r.Target); err == nil {
			host = u.Host
		}
	}
	if host == "" {
		return "", NewParseError(ErrCodeMissingHost, nil)
	}
	return withDefaultPort(host, "80"), nil
}

func withDefaultPort(host, port string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(strings.Trim(host, "[]"), port)
}

func isAbsoluteTarget(target string) bool {
	return strings.Contains(target, "://")
}

// URL is the absolute request URL used as the redirect lookup key. An
// absolute-form target is used as sent; an origin-form target is joined with
// the Host header. CONNECT requests yield their authority.
func (r *Request) URL() string {
	if r.IsConnect() || isAbsoluteTarget(r.Target) {
		return r.Target
	}
	host := r.Header("Host")
	if host == "" {
		return r.Target
	}
	return "http://" + host + r.Target
}
