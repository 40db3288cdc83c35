package executor

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pilot-net/healthmon/pkg/types"
)

// maxBodyRead bounds how much of a response body is read for matching.
const maxBodyRead = 1 << 20

// HTTPExecutor probes HTTP(S) endpoints.
type HTTPExecutor struct {
	client   *http.Client
	insecure *http.Client
}

// NewHTTPExecutor creates an HTTP executor with pooled transports.
func NewHTTPExecutor() *HTTPExecutor {
	base := http.DefaultTransport.(*http.Transport)

	secure := base.Clone()
	insecure := base.Clone()
	insecure.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}

	return &HTTPExecutor{
		client:   &http.Client{Transport: secure},
		insecure: &http.Client{Transport: insecure},
	}
}

// HTTPParams are executor-specific parameters for HTTP checks.
type HTTPParams struct {
	BodyContains       string `json:"body_contains,omitempty"`
	InsecureSkipVerify bool   `json:"insecure_skip_verify,omitempty"`
	FollowRedirects    *bool  `json:"follow_redirects,omitempty"` // default: true
}

// Kind returns the check kind.
func (e *HTTPExecutor) Kind() types.CheckKind {
	return types.CheckKindHTTP
}

// Capabilities returns what this executor needs.
func (e *HTTPExecutor) Capabilities() Capabilities {
	return Capabilities{}
}

// Execute issues one request and compares the response to expectations.
func (e *HTTPExecutor) Execute(ctx context.Context, check *types.HealthCheck) *Outcome {
	params, err := DecodeParams[HTTPParams](check.Config.Params)
	if err != nil {
		return Failed(0, fmt.Errorf("invalid params: %w", err), nil)
	}

	method := check.Config.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if check.Config.Body != "" {
		body = strings.NewReader(check.Config.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, check.Target, body)
	if err != nil {
		return Failed(0, fmt.Errorf("build request: %w", err), nil)
	}
	req.Header.Set("User-Agent", "healthmon/1.0")
	for k, v := range check.Config.Headers {
		req.Header.Set(k, v)
	}
	if auth := check.Config.Auth; auth != nil {
		switch auth.Type {
		case "basic":
			req.SetBasicAuth(auth.Username, auth.Password)
		case "bearer":
			req.Header.Set("Authorization", "Bearer "+auth.Token)
		}
	}

	client := *e.client
	if params.InsecureSkipVerify {
		client = *e.insecure
	}
	if params.FollowRedirects != nil && !*params.FollowRedirects {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return Failed(time.Since(start), fmt.Errorf("request failed: %w", err), nil)
	}
	defer resp.Body.Close()

	respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyRead))
	elapsed := time.Since(start)

	metadata := map[string]any{
		"status_code":    resp.StatusCode,
		"content_length": len(respBody),
	}
	if resp.TLS != nil && len(resp.TLS.PeerCertificates) > 0 {
		expires := resp.TLS.PeerCertificates[0].NotAfter
		metadata["tls_expires_in_days"] = int(time.Until(expires).Hours() / 24)
	}

	if !statusExpected(resp.StatusCode, check.Config.ExpectedStatus) {
		return &Outcome{
			Success:      false,
			ResponseTime: elapsed,
			Message:      fmt.Sprintf("unexpected status %d", resp.StatusCode),
			Error:        fmt.Sprintf("unexpected status %d", resp.StatusCode),
			Metadata:     metadata,
		}
	}

	if params.BodyContains != "" {
		if readErr != nil {
			return Failed(elapsed, fmt.Errorf("read body: %w", readErr), metadata)
		}
		if !strings.Contains(string(respBody), params.BodyContains) {
			return Failed(elapsed, fmt.Errorf("response body does not contain %q", params.BodyContains), metadata)
		}
	}

	return &Outcome{
		Success:      true,
		ResponseTime: elapsed,
		Message:      fmt.Sprintf("HTTP %d in %dms", resp.StatusCode, elapsed.Milliseconds()),
		Metadata:     metadata,
	}
}

// statusExpected checks code against the configured list, or 200-399 when empty.
func statusExpected(code int, expected []int) bool {
	if len(expected) == 0 {
		return code >= 200 && code < 400
	}
	for _, c := range expected {
		if c == code {
			return true
		}
	}
	return false
}
