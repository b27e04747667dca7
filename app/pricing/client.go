// Package pricing fetches conversion quotes from the public SideShift pair
// endpoint.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

var ErrQuoteUnavailable = errors.New("conversion quote unavailable")

const maxQuoteBodySize = 1 << 20

// Quote is the subset of the pair response the service keeps. Numeric fields
// arrive as decimal strings.
type Quote struct {
	DepositCoin string
	SettleCoin  string
	Rate        float64
	Min         float64
	Max         float64
	FetchedAt   time.Time
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	cache      Cache
	cacheTTL   time.Duration
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

func WithCache(cache Cache, ttl time.Duration) Option {
	return func(c *Client) {
		if cache != nil && ttl > 0 {
			c.cache = cache
			c.cacheTTL = ttl
		}
	}
}

func NewClient(baseURL string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Pair returns the current quote for depositing from and settling to.
func (c *Client) Pair(ctx context.Context, from, to string) (*Quote, error) {
	from = strings.ToLower(strings.TrimSpace(from))
	to = strings.ToLower(strings.TrimSpace(to))
	cacheKey := "pricing:pair:" + from + ":" + to

	if c.cache != nil {
		if body, ok := c.cache.Get(ctx, cacheKey); ok {
			return parseQuote(body)
		}
	}

	body, err := c.fetch(ctx, from, to)
	if err != nil {
		return nil, err
	}

	quote, err := parseQuote(body)
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		c.cache.Set(ctx, cacheKey, body, c.cacheTTL)
	}
	return quote, nil
}

func (c *Client) fetch(ctx context.Context, from, to string) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/pair/%s/%s", c.baseURL, url.PathEscape(from), url.PathEscape(to))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrQuoteUnavailable, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		logrus.WithError(err).WithField("endpoint", endpoint).Warn("Pricing request failed")
		return nil, fmt.Errorf("%w: %s", ErrQuoteUnavailable, err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxQuoteBodySize))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrQuoteUnavailable, err.Error())
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		logrus.WithFields(logrus.Fields{
			"endpoint": endpoint,
			"status":   resp.StatusCode,
			"error":    gjson.GetBytes(body, "error.message").String(),
		}).Warn("Pricing endpoint returned non-success status")
		return nil, fmt.Errorf("%w: status %d", ErrQuoteUnavailable, resp.StatusCode)
	}

	return body, nil
}

func parseQuote(body []byte) (*Quote, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: malformed response", ErrQuoteUnavailable)
	}

	result := gjson.ParseBytes(body)
	return &Quote{
		DepositCoin: result.Get("depositCoin").String(),
		SettleCoin:  result.Get("settleCoin").String(),
		Rate:        result.Get("rate").Float(),
		Min:         result.Get("min").Float(),
		Max:         result.Get("max").Float(),
		FetchedAt:   time.Now(),
	}, nil
}
