package gitlabapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/deploytrail/deploytrail/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	// DefaultPageSize is the per_page value used for paginated listings.
	DefaultPageSize = 100
	// DefaultMaxPages caps pagination loops against unbounded listings.
	DefaultMaxPages = 10

	apiPathPrefix    = "api/v4"
	totalPagesHeader = "x-total-pages"
)

// HTTPDoer is implemented by http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// StatusError is a non-2xx response from the GitLab API.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return "gitlab api error: " + e.Status
}

// Config configures the GitLab client.
type Config struct {
	// Token is the bearer credential. Empty means unauthenticated requests.
	Token    string
	PageSize int
	MaxPages int
}

// Client performs authenticated requests against a GitLab v4 REST API.
// The host is supplied per call because the service proxies arbitrary
// GitLab instances selected by the browser.
type Client struct {
	doer     HTTPDoer
	token    string
	pageSize int
	maxPages int
	logger   *zap.Logger
}

// NewClient creates a GitLab API client. A missing token is logged as a
// warning and requests proceed unauthenticated.
func NewClient(doer HTTPDoer, cfg Config, logger *zap.Logger) *Client {
	if doer == nil {
		doer = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultMaxPages
	}
	if cfg.Token == "" {
		logger.Warn("gitlab api token not configured, requests will be unauthenticated")
	}
	return &Client{
		doer:     doer,
		token:    cfg.Token,
		pageSize: cfg.PageSize,
		maxPages: cfg.MaxPages,
		logger:   logger,
	}
}

// NormalizeHost strips surrounding whitespace and a trailing slash from a
// GitLab host string.
func NormalizeHost(host string) string {
	return strings.TrimSuffix(strings.TrimSpace(host), "/")
}

// BuildAPIURL builds a v4 API URL for the given host and endpoint path.
func BuildAPIURL(host, endpoint string) string {
	return fmt.Sprintf("https://%s/%s/%s", NormalizeHost(host), apiPathPrefix, endpoint)
}

// get performs a single authenticated GET and returns the raw response.
// Status handling is the caller's responsibility.
func (c *Client) get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build gitlab request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	var span trace.Span
	if telemetry.ShouldTraceDependencies() {
		ctx, span = otel.Tracer("deploytrail/internal/gitlabapi").Start(
			ctx,
			"gitlabapi.client.get",
			trace.WithAttributes(
				attribute.String("http.method", http.MethodGet),
				attribute.String("http.url", rawURL),
			),
		)
		defer span.End()
		req = req.WithContext(ctx)
	}

	resp, err := c.doer.Do(req)
	if err != nil {
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return nil, fmt.Errorf("gitlab request failed: %w", err)
	}
	if span != nil {
		span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
		span.SetStatus(codes.Ok, "request completed")
	}
	return resp, nil
}

// getJSON performs a GET, enforces a 2xx status, and decodes the body.
func (c *Client) getJSON(ctx context.Context, rawURL string, out any) error {
	resp, err := c.get(ctx, rawURL)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		return &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
	return decodeJSONAndClose(resp, out)
}

// fetchAllPages requests page=N&per_page=M until the upstream's
// x-total-pages header is exhausted or the page cap is reached, whichever
// first. Any non-2xx page aborts the whole pagination; partial results are
// discarded.
func fetchAllPages[T any](ctx context.Context, c *Client, baseURL string) ([]T, error) {
	var results []T
	for page := 1; page <= c.maxPages; page++ {
		resp, err := c.get(ctx, addPaginationParams(baseURL, page, c.pageSize))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			_ = resp.Body.Close()
			return nil, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
		}

		totalPages := parseTotalPages(resp.Header.Get(totalPagesHeader))
		var pageItems []T
		if err := decodeJSONAndClose(resp, &pageItems); err != nil {
			return nil, err
		}
		results = append(results, pageItems...)

		if page >= totalPages {
			return results, nil
		}
		if page == c.maxPages {
			c.logger.Debug("pagination capped before exhausting upstream pages",
				zap.String("url", baseURL),
				zap.Int("max_pages", c.maxPages),
				zap.Int("total_pages", totalPages))
		}
	}
	return results, nil
}

func addPaginationParams(baseURL string, page, perPage int) string {
	separator := "?"
	if strings.Contains(baseURL, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%spage=%d&per_page=%d", baseURL, separator, page, perPage)
}

func parseTotalPages(raw string) int {
	total, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || total < 1 {
		return 1
	}
	return total
}

func decodeJSONAndClose(resp *http.Response, out any) error {
	defer func() {
		_ = resp.Body.Close()
	}()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode gitlab response: %w", err)
	}
	return nil
}
