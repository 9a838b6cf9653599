// Package gateway is the resilient outbound path to the commerce platform.
// Every platform call is charged against a per-category token bucket, retried
// with exponential backoff on transient failures and, for reads, served from a
// short-lived response cache.
package gateway

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fuomag9/square-bridge/internal/apierror"
	"github.com/fuomag9/square-bridge/internal/logger"
)

const (
	DefaultTimeout = 10 * time.Second
	maxBodyBytes   = 4 << 20
)

// Request describes one platform call.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	// Body is JSON-encoded when non-nil.
	Body   any
	Header http.Header
	// BearerToken is sent as Authorization: Bearer.
	BearerToken string
	// Category is the rate-limit bucket.
	Category string
	// CacheCategory enables the response cache for GET requests when set.
	CacheCategory Category
	// Retry overrides the default retry policy for Category.
	Retry *RetryConfig
}

// Gateway executes platform requests.
type Gateway struct {
	baseURL    string
	apiVersion string
	httpClient *http.Client
	timeout    time.Duration
	executor   *Executor
	cache      *ResponseCache
	logger     *zap.Logger
}

// Option configures a Gateway
type Option func(*Gateway)

// WithHTTPClient sets the HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(g *Gateway) {
		g.httpClient = client
	}
}

// WithTimeout sets the per-attempt request timeout
func WithTimeout(timeout time.Duration) Option {
	return func(g *Gateway) {
		if timeout > 0 {
			g.timeout = timeout
		}
	}
}

// WithAPIVersion sets the platform API version header
func WithAPIVersion(version string) Option {
	return func(g *Gateway) {
		g.apiVersion = version
	}
}

// WithCache enables the response cache
func WithCache(cache *ResponseCache) Option {
	return func(g *Gateway) {
		g.cache = cache
	}
}

// WithLogger sets the logger
func WithLogger(log *zap.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger.OrNop(log)
	}
}

// New creates a Gateway for baseURL.
func New(baseURL string, executor *Executor, opts ...Option) *Gateway {
	g := &Gateway{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		timeout:    DefaultTimeout,
		executor:   executor,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// BaseURL returns the platform base URL
func (g *Gateway) BaseURL() string {
	return g.baseURL
}

// Do performs req and returns the raw response body of a 2xx response.
func (g *Gateway) Do(ctx context.Context, req Request) ([]byte, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	var cacheKey string
	cacheable := g.cache != nil && req.CacheCategory != "" && req.Method == http.MethodGet
	if cacheable {
		cacheKey = Fingerprint(req.Method+" "+req.Path, map[string]any{
			"query": req.Query,
			"token": tokenFingerprint(req.BearerToken),
		})
		if payload, ok := g.cache.Get(cacheKey, req.CacheCategory); ok {
			g.logger.Debug("platform response served from cache",
				zap.String("path", req.Path),
				zap.String("cache_category", string(req.CacheCategory)),
			)
			return payload, nil
		}
	}

	var bodyBytes []byte
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return nil, apierror.Wrap(apierror.KindValidation, err, "failed to encode request body")
		}
		bodyBytes = b
	}

	retry := DefaultRetryConfig(req.Category)
	if req.Retry != nil {
		retry = *req.Retry
		if retry.Category == "" {
			retry.Category = req.Category
		}
	}

	var payload []byte
	err := g.executor.Do(ctx, retry, func(ctx context.Context) error {
		body, err := g.roundTrip(ctx, req, bodyBytes)
		if err != nil {
			return err
		}
		payload = body
		return nil
	})
	if err != nil {
		return nil, err
	}

	if cacheable {
		g.cache.Put(cacheKey, payload, req.CacheCategory)
	}
	return payload, nil
}

// roundTrip performs a single bounded attempt.
func (g *Gateway) roundTrip(ctx context.Context, req Request, body []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	reqURL := g.baseURL + req.Path
	if len(req.Query) > 0 {
		reqURL += "?" + req.Query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, reqURL, reader)
	if err != nil {
		return nil, apierror.Wrap(apierror.KindValidation, err, "failed to create request")
	}
	for key, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if g.apiVersion != "" {
		httpReq.Header.Set("Square-Version", g.apiVersion)
	}
	if req.BearerToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.BearerToken)
	}

	start := time.Now()
	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, NormalizeTransportError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, NormalizeTransportError(err)
	}

	g.logger.Debug("platform request",
		zap.String("method", req.Method),
		zap.String("path", req.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, NormalizeResponseError(resp.StatusCode, resp.Header, respBody)
	}
	return respBody, nil
}

// NormalizeResponseError turns a non-2xx platform response into an
// *apierror.Error. Both the OAuth shape {error, error_description} and the
// REST shape {errors: [{category, code, detail}]} are folded into the
// "error" / "error_description" / "category" details.
func NormalizeResponseError(status int, header http.Header, body []byte) *apierror.Error {
	ae := apierror.FromStatus(status, fmt.Sprintf("platform returned status %d", status))
	ae.Details = map[string]any{}

	var payload struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
		Message          string `json:"message"`
		Errors           []struct {
			Category string `json:"category"`
			Code     string `json:"code"`
			Detail   string `json:"detail"`
			Field    string `json:"field"`
		} `json:"errors"`
	}
	if len(body) > 0 && json.Unmarshal(body, &payload) == nil {
		switch {
		case payload.Error != "":
			ae.Details["error"] = payload.Error
			ae.Details["error_description"] = payload.ErrorDescription
		case len(payload.Errors) > 0:
			first := payload.Errors[0]
			ae.Details["error"] = first.Code
			ae.Details["error_description"] = first.Detail
			ae.Details["category"] = first.Category
			if first.Field != "" {
				ae.Details["field"] = first.Field
			}
		}
		if desc := ae.Detail("error_description"); desc != "" {
			ae.Message = desc
		} else if payload.Message != "" {
			ae.Message = payload.Message
		}
	}

	if status == http.StatusTooManyRequests {
		ae.RetryAfter = ParseRetryAfter(header.Get("Retry-After"), time.Now())
	}
	return ae
}

// ParseRetryAfter reads a Retry-After header given as delta-seconds or an
// HTTP date. It returns 0 when the header is absent or malformed.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func tokenFingerprint(token string) string {
	if token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:8])
}
