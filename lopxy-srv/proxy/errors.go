package proxy

import (
	"errors"
	"fmt"
	"strings"
)

// Error represents a proxy-specific error with a code and description
type Error struct {
	Code        string
	Description string
	Cause       error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Description, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewProxyError creates a new Error with the given code and description
func NewProxyError(code, description string, cause error) *Error {
	return &Error{
		Code:        code,
		Description: description,
		Cause:       cause,
	}
}

// Proxy Error Codes
const (
	// Startup Errors (E1000-E1999)
	ErrCodeBindFailed          = "E1001"
	ErrCodeInstanceFileFailed  = "E1002"
	ErrCodeAlreadyRunning      = "E1003"
	ErrCodeSystemProxyFailed   = "E1004"
	ErrCodeInvalidListenConfig = "E1005"

	// Connection Errors (E2000-E2999)
	ErrCodeConnectionFailed      = "E2001"
	ErrCodeConnectionTimeout     = "E2002"
	ErrCodeConnectionRefused     = "E2003"
	ErrCodeHostUnreachable       = "E2004"
	ErrCodeInvalidAddress        = "E2006"
	ErrCodeDialFailed            = "E2009"
	ErrCodeUpstreamConnectFailed = "E2010"
	ErrCodeSOCKS5DialerFailed    = "E2011"
	ErrCodeSOCKS5ConnectFailed   = "E2012"
	ErrCodeHTTPProxyDialFailed   = "E2013"
	ErrCodeCONNECTRequestFailed  = "E2014"
	ErrCodeCONNECTResponseFailed = "E2015"
	ErrCodeProxyDenied           = "E2016"
	ErrCodeInvalidUpstreamProxy  = "E2017"

	// Parse Errors (E4000-E4499)
	ErrCodeRequestReadFailed = "E4001"
	ErrCodeMalformedRequest  = "E4002"
	ErrCodeMissingHost       = "E4003"
	ErrCodeEmptyRequest      = "E4004"

	// Transport Errors (E4500-E4999)
	ErrCodeRequestWriteFailed  = "E4501"
	ErrCodeResponseReadFailed  = "E4502"
	ErrCodeResponseWriteFailed = "E4503"
	ErrCodeForwardFailed       = "E4504"
	ErrCodeTunnelFailed        = "E4505"

	// Config and Persistence Errors (E5000-E5999)
	ErrCodeInvalidURL     = "E5001"
	ErrCodeDuplicateItem  = "E5002"
	ErrCodeItemNotFound   = "E5003"
	ErrCodePersistFailed  = "E5501"
	ErrCodeLocalFileError = "E5502"
)

// ErrorDescriptions maps error codes to human-readable descriptions.
var ErrorDescriptions = map[string]string{
	// Startup Errors
	ErrCodeBindFailed:          "Failed to bind proxy listener",
	ErrCodeInstanceFileFailed:  "Failed to write instance file",
	ErrCodeAlreadyRunning:      "Another lopxy instance is running",
	ErrCodeSystemProxyFailed:   "Failed to change the system proxy setting",
	ErrCodeInvalidListenConfig: "Invalid listen address",

	// Connection Errors
	ErrCodeConnectionFailed:      "Failed to establish network connection",
	ErrCodeConnectionTimeout:     "Connection attempt timed out",
	ErrCodeConnectionRefused:     "Connection refused by target server",
	ErrCodeHostUnreachable:       "Target host is unreachable",
	ErrCodeInvalidAddress:        "Invalid network address format",
	ErrCodeDialFailed:            "Failed to dial target address",
	ErrCodeUpstreamConnectFailed: "Failed to connect to upstream server",
	ErrCodeSOCKS5DialerFailed:    "Failed to create SOCKS5 dialer",
	ErrCodeSOCKS5ConnectFailed:   "SOCKS5 connection failed",
	ErrCodeHTTPProxyDialFailed:   "Failed to dial HTTP proxy server",
	ErrCodeCONNECTRequestFailed:  "Failed to send CONNECT request",
	ErrCodeCONNECTResponseFailed: "Failed to read CONNECT response",
	ErrCodeProxyDenied:           "Proxy request denied",
	ErrCodeInvalidUpstreamProxy:  "Invalid upstream proxy setting",

	// Parse Errors
	ErrCodeRequestReadFailed: "Failed to read proxy request",
	ErrCodeMalformedRequest:  "Malformed proxy request",
	ErrCodeMissingHost:       "Proxy request has no host",
	ErrCodeEmptyRequest:      "Client sent no request",

	// Transport Errors
	ErrCodeRequestWriteFailed:  "Failed to write request upstream",
	ErrCodeResponseReadFailed:  "Failed to read upstream response",
	ErrCodeResponseWriteFailed: "Failed to write response to client",
	ErrCodeForwardFailed:       "Failed to forward request",
	ErrCodeTunnelFailed:        "Tunnel relay failed",

	// Config and Persistence Errors
	ErrCodeInvalidURL:     "Invalid resource URL",
	ErrCodeDuplicateItem:  "Resource URL already mapped",
	ErrCodeItemNotFound:   "Resource URL not mapped",
	ErrCodePersistFailed:  "Failed to persist proxy items",
	ErrCodeLocalFileError: "Failed to read local file",
}

// Helper functions to create common errors

// NewStartupError creates a startup error; these are fatal
func NewStartupError(code string, cause error) *Error {
	return NewProxyError(code, GetErrorDescription(code), cause)
}

// NewBindError creates the error returned when the listener cannot bind
func NewBindError(addr string, cause error) *Error {
	return NewStartupError(ErrCodeBindFailed, fmt.Errorf("%s: %w", addr, cause))
}

// NewParseError creates a malformed-request error
func NewParseError(code string, cause error) *Error {
	return NewProxyError(code, GetErrorDescription(code), cause)
}

// NewConnectError creates an outbound connect error
func NewConnectError(code string, cause error) *Error {
	return NewProxyError(code, GetErrorDescription(code), cause)
}

// NewTransportError creates a mid-stream read or write error
func NewTransportError(code string, cause error) *Error {
	return NewProxyError(code, GetErrorDescription(code), cause)
}

// NewConfigError creates an invalid-configuration error
func NewConfigError(code string, cause error) *Error {
	return NewProxyError(code, GetErrorDescription(code), cause)
}

// NewPersistenceError creates a save failure error
func NewPersistenceError(cause error) *Error {
	return NewProxyError(ErrCodePersistFailed, GetErrorDescription(ErrCodePersistFailed), cause)
}

// GetErrorDescription returns the description for a given error code
func GetErrorDescription(code string) string {
	if desc, exists := ErrorDescriptions[code]; exists {
		return desc
	}
	return "Unknown error code"
}

func codeOf(err error) (string, bool) {
	var proxyErr *Error
	if errors.As(err, &proxyErr) {
		return proxyErr.Code, true
	}
	return "", false
}

func codeInRange(err error, lo, hi string) bool {
	code, ok := codeOf(err)
	return ok && code >= lo && code < hi
}

// IsStartupError checks if the error is a fatal startup error
func IsStartupError(err error) bool {
	return codeInRange(err, "E1000", "E2000")
}

// IsConnectError checks if the error is connection-related
func IsConnectError(err error) bool {
	return codeInRange(err, "E2000", "E3000")
}

// IsParseError checks if the error comes from request parsing
func IsParseError(err error) bool {
	return codeInRange(err, "E4000", "E4500")
}

// IsTransportError checks if the error happened mid-stream
func IsTransportError(err error) bool {
	return codeInRange(err, "E4500", "E5000")
}

// IsConfigError checks if the error is a rejected configuration change
func IsConfigError(err error) bool {
	return codeInRange(err, "E5000", "E5500")
}

// IsPersistenceError checks if the error is a failed save
func IsPersistenceError(err error) bool {
	return codeInRange(err, "E5500", "E6000")
}

// outcome is the text recorded in the status log for err. The code prefix is
// dropped so operators see the underlying cause.
func outcome(err error) string {
	var proxyErr *Error
	if errors.As(err, &proxyErr) && proxyErr.Cause != nil {
		return strings.TrimSpace(proxyErr.Cause.Error())
	}
	return err.Error()
}

// NewBadGatewayResponse creates a 502 Bad Gateway response for an error code.
func NewBadGatewayResponse(errorCode string) *Response {
	resp := NewResponse(502, "text/html; charset=utf-8", []byte(
		"<html><head><title>502 Bad Gateway</title></head>"+
			"<body><center><h1>502 Bad Gateway</h1></center></body></html>"))
	if errorCode != "" {
		resp.Headers = append(resp.Headers, Header{Name: "x-lopxy-error", Value: errorCode})
	}
	return resp
}
