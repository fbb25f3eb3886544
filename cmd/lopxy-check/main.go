package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lopxy/lopxy/lopxy-srv/config"
	"github.com/lopxy/lopxy/lopxy-srv/instance"
	"github.com/lopxy/lopxy/lopxy-srv/logger"
	"github.com/lopxy/lopxy/lopxy-srv/manager"
)

// TestResult represents the outcome of a single check.
type TestResult struct {
	Name     string        `json:"name"`
	URL      string        `json:"url"`
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
	Status   int           `json:"status"`
}

// TestSuite runs checks against a running lopxy instance using local backends.
type TestSuite struct {
	ProxyURL string
	Client   *http.Client
	Manager  *manager.Client
	Results  []TestResult
}

func main() {
	configDir := flag.String("config-dir", config.DefaultConfigDir(), "Directory holding lopxy.pid")
	secret := flag.String("secret", os.Getenv("LOPXY_MANAGERSECRET"), "Web manager secret")
	verbose := flag.Bool("verbose", false, "Enable verbose logging")
	timeout := flag.Int("timeout", 10, "Request timeout in seconds")
	flag.Parse()

	logger.SetLevel(logger.INFO)
	if *verbose {
		logger.SetLevel(logger.DEBUG)
	}

	info := instance.Running(filepath.Join(*configDir, "lopxy.pid"))
	if info == nil {
		logger.Fatal("lopxy is not running (no live instance in %s)", *configDir)
	}

	proxyURL, err := url.Parse("http://" + info.ProxyAddress())
	if err != nil {
		logger.Fatal("Invalid proxy address: %v", err)
	}

	suite := &TestSuite{
		ProxyURL: proxyURL.String(),
		Client: &http.Client{
			Timeout: time.Duration(*timeout) * time.Second,
			Transport: &http.Transport{
				Proxy:             http.ProxyURL(proxyURL),
				DisableKeepAlives: true,
				// the TLS backend uses a throwaway certificate
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
		Manager: manager.NewClient(info.ManagerURL(), *secret),
	}

	logger.Info("Starting lopxy checks with proxy: %s", suite.ProxyURL)
	suite.run()
	suite.printResults()
}

func (ts *TestSuite) run() {
	ctx := context.Background()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			http.NotFound(w, r)
		default:
			fmt.Fprintf(w, "origin %s", r.URL.Path)
		}
	}))
	defer origin.Close()

	substitute := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "substitute %s", r.URL.Path)
	}))
	defer substitute.Close()

	secure := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "secure")
	}))
	defer secure.Close()

	dir, err := os.MkdirTemp("", "lopxy-check")
	if err != nil {
		logger.Fatal("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)
	filePath := filepath.Join(dir, "asset.js")
	if err := os.WriteFile(filePath, []byte("console.log('lopxy')"), 0o644); err != nil {
		logger.Fatal("Failed to write asset: %v", err)
	}

	forwardURL := origin.URL + "/redirected"
	fileURL := origin.URL + "/asset.js"
	items := []struct{ resource, target, contentType string }{
		{forwardURL, substitute.URL + "/replacement", ""},
		{fileURL, "file://" + filepath.ToSlash(filePath), "application/javascript"},
	}
	for _, item := range items {
		if _, err := ts.Manager.Add(ctx, item.resource, item.target, item.contentType); err != nil {
			logger.Fatal("Failed to register %s: %v", item.resource, err)
		}
	}
	defer func() {
		for _, item := range items {
			if _, err := ts.Manager.Remove(ctx, item.resource); err != nil {
				logger.Error("Failed to remove %s: %v", item.resource, err)
			}
		}
	}()

	tests := []struct {
		name string
		url  string
		test func(string) TestResult
	}{
		{"direct", origin.URL + "/plain", ts.expectBody(http.StatusOK, "origin /plain")},
		{"direct-404", origin.URL + "/missing", ts.expectBody(http.StatusNotFound, "")},
		{"forward", forwardURL, ts.expectBody(http.StatusOK, "substitute /replacement")},
		{"local-file", fileURL, ts.expectBody(http.StatusAccepted, "console.log('lopxy')")},
		{"connect", secure.URL + "/", ts.expectBody(http.StatusOK, "secure")},
	}
	for _, test := range tests {
		logger.Debug("Running check: %s", test.name)
		result := test.test(test.url)
		result.Name = test.name
		result.URL = test.url
		ts.Results = append(ts.Results, result)
	}

	ts.Results = append(ts.Results, ts.checkStatusLog(ctx, origin.URL+"/missing"))
}

func (ts *TestSuite) expectBody(status int, body string) func(string) TestResult {
	return func(testURL string) TestResult {
		start := time.Now()

		resp, err := ts.Client.Get(testURL)
		duration := time.Since(start)
		if err != nil {
			return TestResult{
				Success:  false,
				Duration: duration,
				Error:    fmt.Sprintf("Request failed: %v", err),
			}
		}
		defer func() {
			if closeErr := resp.Body.Close(); closeErr != nil {
				logger.Error("Error closing response body: %v", closeErr)
			}
		}()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return TestResult{
				Success:  false,
				Duration: duration,
				Status:   resp.StatusCode,
				Error:    fmt.Sprintf("Failed to read response: %v", err),
			}
		}

		logger.Debug("Response for %s: %d bytes, status %d", testURL, len(data), resp.StatusCode)

		result := TestResult{
			Success:  resp.StatusCode == status && strings.Contains(string(data), body),
			Duration: duration,
			Status:   resp.StatusCode,
		}
		if !result.Success {
			result.Error = fmt.Sprintf("expected %d with %q, got %q", status, body, string(data))
		}
		return result
	}
}

// checkStatusLog verifies that the non-2xx response was recorded.
func (ts *TestSuite) checkStatusLog(ctx context.Context, path string) TestResult {
	start := time.Now()
	records, err := ts.Manager.Logs(ctx)
	result := TestResult{Name: "status-log", URL: path, Duration: time.Since(start)}
	if err != nil {
		result.Error = err.Error()
		return result
	}
	for _, rec := range records {
		if rec.Path == path {
			result.Success = true
			return result
		}
	}
	result.Error = "no abnormal status recorded"
	return result
}

func (ts *TestSuite) printResults() {
	fmt.Printf("\n=== Lopxy Check Results ===\n")
	fmt.Printf("Proxy: %s\n\n", ts.ProxyURL)

	passed := 0
	failed := 0

	for _, result := range ts.Results {
		status := "✓ PASS"
		if !result.Success {
			status = "✗ FAIL"
			failed++
		} else {
			passed++
		}

		fmt.Printf("%-20s %s (%d) %v\n",
			result.Name,
			status,
			result.Status,
			result.Duration.Round(time.Millisecond))

		if result.Error != "" {
			fmt.Printf("                     Error: %s\n", result.Error)
		}
	}

	fmt.Printf("\n=== Summary ===\n")
	fmt.Printf("Total checks: %d\n", len(ts.Results))
	fmt.Printf("Passed: %d\n", passed)
	fmt.Printf("Failed: %d\n", failed)

	if failed > 0 {
		fmt.Printf("\nSome checks failed. See `lopxy logs` for recorded errors.\n")
		os.Exit(1)
	}
	fmt.Printf("\nAll checks passed! lopxy is working correctly.\n")
}
