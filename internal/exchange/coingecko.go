package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	apperrors "github.com/johnayoung/go-crypto-pipeline/internal/errors"
	"github.com/johnayoung/go-crypto-pipeline/internal/metrics"
	"github.com/johnayoung/go-crypto-pipeline/internal/models"
	"github.com/johnayoung/go-crypto-pipeline/internal/ratelimit"
	"github.com/johnayoung/go-crypto-pipeline/internal/retry"
)

const (
	// CoinGecko public API base URL
	coingeckoBaseURL = "https://api.coingecko.com/api/v3"

	// API endpoints
	marketChartRangeEndpoint = "/coins/%s/market_chart/range"
	pingEndpoint             = "/ping"

	// Request configuration
	defaultKeyHeader         = "x-cg-api-key"
	defaultVSCurrency        = "usd"
	defaultRequestTimeout    = 30 * time.Second
	defaultRateLimitInterval = 2 * time.Second
	userAgent                = "go-crypto-pipeline/1.0"

	// Longest error body excerpt kept in an error message
	maxErrorExcerpt = 256
)

// ClientConfig configures a CoinGeckoClient.
type ClientConfig struct {
	BaseURL           string
	APIKey            string
	KeyHeader         string // header carrying the key; x-cg-pro-api-key for the paid tier
	VSCurrency        string
	RequestTimeout    time.Duration
	RateLimitInterval time.Duration
	MaxRetries        int
	BackoffFactor     float64

	// FromDate and ToDate, when set, define the client's default window.
	// They are parsed with models.ParseDate and validated at construction.
	FromDate string
	ToDate   string
}

// DefaultClientConfig returns the public API defaults without a key or window.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		BaseURL:           coingeckoBaseURL,
		KeyHeader:         defaultKeyHeader,
		VSCurrency:        defaultVSCurrency,
		RequestTimeout:    defaultRequestTimeout,
		RateLimitInterval: defaultRateLimitInterval,
		MaxRetries:        retry.DefaultConfig().MaxRetries,
		BackoffFactor:     retry.DefaultConfig().BackoffFactor,
	}
}

// ClientOption customizes a CoinGeckoClient.
type ClientOption func(*clientOptions)

type clientOptions struct {
	logger     *slog.Logger
	metrics    *metrics.Recorder
	httpClient *http.Client
	sleep      retry.SleepFunc
	now        func() time.Time
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(o *clientOptions) { o.logger = logger }
}

// WithMetrics records request attempts and limiter waits.
func WithMetrics(m *metrics.Recorder) ClientOption {
	return func(o *clientOptions) { o.metrics = m }
}

// WithHTTPClient replaces the default HTTP client. Its Timeout is left as is.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(o *clientOptions) { o.httpClient = c }
}

// WithBackoffSleep replaces the retry sleep, mainly for tests.
func WithBackoffSleep(sleep retry.SleepFunc) ClientOption {
	return func(o *clientOptions) { o.sleep = sleep }
}

// WithClock sets the clock used to validate the default window.
func WithClock(now func() time.Time) ClientOption {
	return func(o *clientOptions) { o.now = now }
}

// CoinGeckoClient implements MarketDataSource against the CoinGecko v3 API.
// All requests share one rate limiter and one retry policy.
type CoinGeckoClient struct {
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	policy     *retry.Policy
	baseURL    string
	apiKey     string
	keyHeader  string
	vsCurrency string
	logger     *slog.Logger

	window    models.Window
	hasWindow bool
}

var _ MarketDataSource = (*CoinGeckoClient)(nil)

// NewCoinGeckoClient validates cfg and builds a client. A missing API key or
// an invalid default window is a configuration error.
func NewCoinGeckoClient(cfg ClientConfig, opts ...ClientOption) (*CoinGeckoClient, error) {
	o := clientOptions{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, apperrors.NewConfigurationErrorf("new_client",
			"API key is required (set COINGECKO_API_KEY or api.key)")
	}

	defaults := DefaultClientConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaults.BaseURL
	}
	if cfg.KeyHeader == "" {
		cfg.KeyHeader = defaults.KeyHeader
	}
	if cfg.VSCurrency == "" {
		cfg.VSCurrency = defaults.VSCurrency
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	if cfg.BackoffFactor <= 0 {
		cfg.BackoffFactor = defaults.BackoffFactor
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, apperrors.NewConfigurationError("new_client", fmt.Errorf("invalid base URL: %w", err))
	}

	client := &CoinGeckoClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		keyHeader:  cfg.KeyHeader,
		vsCurrency: strings.ToLower(cfg.VSCurrency),
		logger:     o.logger.With("component", "coingecko"),
	}

	if cfg.FromDate != "" || cfg.ToDate != "" {
		window, err := models.ParseWindow(cfg.FromDate, cfg.ToDate, o.now())
		if err != nil {
			return nil, err
		}
		client.window = window
		client.hasWindow = true
	}

	client.httpClient = o.httpClient
	if client.httpClient == nil {
		client.httpClient = &http.Client{
			Timeout: cfg.RequestTimeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}

	client.limiter = ratelimit.New(cfg.RateLimitInterval)

	policyOpts := []retry.Option{
		retry.WithLogger(client.logger),
		retry.WithMetrics(o.metrics),
		retry.WithComponent("coingecko"),
	}
	if o.sleep != nil {
		policyOpts = append(policyOpts, retry.WithSleep(o.sleep))
	}
	client.policy = retry.NewPolicy(retry.Config{
		MaxRetries:    cfg.MaxRetries,
		BackoffFactor: cfg.BackoffFactor,
	}, client.limiter, policyOpts...)

	return client, nil
}

// Window returns the default window configured at construction, if any.
func (c *CoinGeckoClient) Window() (models.Window, bool) {
	return c.window, c.hasWindow
}

// Policy exposes the retry policy, including its limiter.
func (c *CoinGeckoClient) Policy() *retry.Policy {
	return c.policy
}

// FetchMarketData implements MarketDataFetcher.
func (c *CoinGeckoClient) FetchMarketData(ctx context.Context, token models.Token, window models.Window) (*RawSeries, error) {
	if err := token.Validate(); err != nil {
		return nil, apperrors.NewConfigurationError("fetch_market_data", err)
	}

	query := url.Values{}
	query.Set("vs_currency", c.vsCurrency)
	query.Set("from", strconv.FormatInt(window.FromUnix(), 10))
	query.Set("to", strconv.FormatInt(window.ToUnix(), 10))
	requestURL := c.baseURL + fmt.Sprintf(marketChartRangeEndpoint, url.PathEscape(token.ID)) + "?" + query.Encode()

	c.logger.Debug("fetching market chart",
		"coin_id", token.ID,
		"from", window.From,
		"to", window.To)

	body, err := retry.Execute(ctx, c.policy, "fetch_market_data", func(ctx context.Context) retry.Outcome[[]byte] {
		body, err := c.get(ctx, requestURL)
		return retry.Classify(body, err)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch market data for %s: %w", token.ID, err)
	}

	var series RawSeries
	if err := json.Unmarshal(body, &series); err != nil {
		return nil, apperrors.NewTransformError("decode_market_chart",
			fmt.Errorf("invalid market chart payload for %s: %w", token.ID, err))
	}

	c.logger.Debug("market chart received",
		"coin_id", token.ID,
		"prices", len(series.Prices),
		"market_caps", len(series.MarketCaps),
		"total_volumes", len(series.TotalVolumes))

	return &series, nil
}

// Ping implements HealthChecker. It goes through the same limiter and retry
// policy as data requests.
func (c *CoinGeckoClient) Ping(ctx context.Context) error {
	body, err := retry.Execute(ctx, c.policy, "ping", func(ctx context.Context) retry.Outcome[[]byte] {
		body, err := c.get(ctx, c.baseURL+pingEndpoint)
		return retry.Classify(body, err)
	})
	if err != nil {
		return fmt.Errorf("API ping failed: %w", err)
	}

	c.logger.Info("API ping succeeded", "gecko_says", gjson.GetBytes(body, "gecko_says").String())
	return nil
}

// get performs one GET request. It never retries.
func (c *CoinGeckoClient) get(ctx context.Context, requestURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, apperrors.NewConfigurationError("build_request", err)
	}

	req.Header.Set("accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(c.keyHeader, c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &apperrors.HTTPStatusError{
			StatusCode: resp.StatusCode,
			Message:    extractErrorMessage(body),
			URL:        req.URL.Path,
		}
	}

	return body, nil
}

// extractErrorMessage pulls a human readable message out of an error body.
// CoinGecko uses several shapes depending on the failure.
func extractErrorMessage(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return ""
	}

	if gjson.Valid(trimmed) {
		for _, path := range []string{"status.error_message", "error.message", "error", "message"} {
			if r := gjson.Get(trimmed, path); r.Exists() && r.Type == gjson.String && r.String() != "" {
				return excerpt(r.String())
			}
		}
	}

	return excerpt(trimmed)
}

// excerpt returns s as valid UTF-8, cut to at most maxErrorExcerpt runes.
func excerpt(s string) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	if utf8.RuneCountInString(s) <= maxErrorExcerpt {
		return s
	}
	return string([]rune(s)[:maxErrorExcerpt]) + "..."
}
