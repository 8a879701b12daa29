package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// FetchOptions carries per-request options for the fetch capability
type FetchOptions struct {
	Timeout     time.Duration `json:"timeout"`
	UserAgent   string        `json:"user_agent"`
	MaxBodySize int64         `json:"max_body_size"`
}

// FetchResponse is the raw outcome of one fetch attempt
type FetchResponse struct {
	Body        []byte        `json:"-"`
	StatusCode  int           `json:"status_code"`
	ContentType string        `json:"content_type"`
	FinalURL    string        `json:"final_url"`
	Latency     time.Duration `json:"latency"`
}

// Fetcher is the injected fetch capability. The executor owns retry,
// backoff, and failure classification; the capability only performs the
// transfer. Substituting transport (HTTP, local file, queued job) is an
// external concern.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, opts FetchOptions) (*FetchResponse, error)
}

// HTTPFetcher is the default Fetcher over net/http
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher creates an HTTP fetch capability
func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{
		client: &http.Client{},
	}
}

// Fetch performs a single GET. Non-2xx responses are returned with
// their status code, not as errors; classification is the executor's job.
func (hf *HTTPFetcher) Fetch(ctx context.Context, rawURL string, opts FetchOptions) (*FetchResponse, error) {
	start := time.Now()

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}

	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = "TokenLens/1.0 (+https://tokenlens.io/bot)"
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en")

	resp, err := hf.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	maxBody := opts.MaxBodySize
	if maxBody <= 0 {
		maxBody = 10 * 1024 * 1024 // 10MB
	}
	limited := &io.LimitedReader{R: resp.Body, N: maxBody + 1}
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > maxBody {
		return nil, fmt.Errorf("content exceeds maximum size %d bytes", maxBody)
	}

	return &FetchResponse{
		Body:        body,
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		FinalURL:    resp.Request.URL.String(),
		Latency:     time.Since(start),
	}, nil
}

// classifyStatus reports whether a non-2xx status is retryable:
// 5xx and 429 are, other 4xx are terminal
func classifyStatus(statusCode int) bool {
	if statusCode >= 500 {
		return true
	}
	return statusCode == http.StatusTooManyRequests
}

// classifyError reports whether a transport error is retryable:
// timeouts and connection resets are, malformed URLs are not
func classifyError(err error) bool {
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := err.Error()
	if strings.Contains(msg, "connection reset") || strings.Contains(msg, "connection refused") || strings.Contains(msg, "EOF") {
		return true
	}
	return false
}

// logAttempt records a single fetch attempt outcome
func logAttempt(rawURL string, attempt, statusCode int, latency time.Duration, err error) {
	event := log.Debug().
		Str("url", rawURL).
		Int("attempt", attempt).
		Int("status_code", statusCode).
		Dur("latency", latency)
	if err != nil {
		event = event.Err(err)
	}
	event.Msg("Fetch attempt completed")
}
