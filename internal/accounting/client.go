// Package accounting is the HTTP client for the external accounting system
// that items are synchronized to.
package accounting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"
)

// Standard errors
var (
	// ErrConflict means the accounting system already holds the record
	ErrConflict = errors.New("accounting: record already exists")

	// ErrRejected means the accounting system refused the record; retrying will not help
	ErrRejected = errors.New("accounting: record rejected")

	ErrUnavailable = errors.New("accounting: system unavailable")
)

// PushRequest is the body sent for every item
type PushRequest struct {
	Domain string `json:"domain"`
	ItemID string `json:"item_id"`
}

// PushResponse is the accounting system's acknowledgement
type PushResponse struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
}

// Client pushes items to the accounting system
type Client struct {
	config  Config
	http    *http.Client
	limiter *rate.Limiter
	retry   *retrier
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	readyErr  error
	readyTime time.Time
}

// NewClient builds a client. With OAuth enabled, tokens are fetched with the
// client-credentials grant and refreshed automatically.
func NewClient(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	httpClient := &http.Client{Timeout: cfg.Timeout}
	if cfg.OAuth.Enabled() {
		cc := clientcredentials.Config{
			ClientID:     cfg.OAuth.ClientID,
			ClientSecret: cfg.OAuth.ClientSecret,
			TokenURL:     cfg.OAuth.TokenURL,
			Scopes:       cfg.OAuth.Scopes,
		}
		httpClient = cc.Client(context.WithValue(ctx, oauth2.HTTPClient, httpClient))
		httpClient.Timeout = cfg.Timeout
	}

	return &Client{
		config:  cfg,
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		retry:   newRetrier(cfg, logger),
		logger:  logger,
		now:     time.Now,
	}, nil
}

// Push sends one item to endpoint and returns the accounting system's id for
// it. "{id}" in endpoint is replaced by the escaped item id.
func (c *Client) Push(ctx context.Context, endpoint, method, domain, itemID string) (string, error) {
	target, err := c.resolve(endpoint, itemID)
	if err != nil {
		return "", err
	}
	if method == "" {
		method = http.MethodPost
	}

	body, err := json.Marshal(PushRequest{Domain: domain, ItemID: itemID})
	if err != nil {
		return "", err
	}

	var ack PushResponse
	err = c.retry.do(ctx, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		return c.send(ctx, method, target, body, &ack)
	})
	if err != nil {
		return "", fmt.Errorf("push %s %s: %w", domain, itemID, err)
	}

	return ack.ID, nil
}

func (c *Client) send(ctx context.Context, method, target string, body []byte, ack *PushResponse) error {
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return retryable(fmt.Errorf("%w: %v", ErrUnavailable, err), 0)
	}
	defer resp.Body.Close()

	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if len(bytes.TrimSpace(payload)) == 0 {
			return nil
		}
		if err := json.Unmarshal(payload, ack); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil

	case resp.StatusCode == http.StatusConflict:
		return ErrConflict

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return retryable(
			fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, summarize(payload)),
			retryAfter(resp.Header.Get("Retry-After")))

	default:
		return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, summarize(payload))
	}
}

// Ready reports whether the accounting system is reachable. The result is
// cached for ReadyTTL.
func (c *Client) Ready(ctx context.Context) error {
	c.mu.Lock()
	if !c.readyTime.IsZero() && c.now().Sub(c.readyTime) < c.config.ReadyTTL {
		err := c.readyErr
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	err := c.probe(ctx)

	c.mu.Lock()
	c.readyErr = err
	c.readyTime = c.now()
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("accounting system not ready", "error", err)
	}
	return err
}

func (c *Client) probe(ctx context.Context) error {
	if c.config.HealthPath == "" {
		return nil
	}

	target, err := c.resolve(c.config.HealthPath, "")
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health status %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}

func (c *Client) resolve(endpoint, itemID string) (string, error) {
	endpoint = strings.ReplaceAll(endpoint, "{id}", url.PathEscape(itemID))

	base, err := url.Parse(strings.TrimRight(c.config.BaseURL, "/") + "/")
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}
	ref, err := url.Parse(strings.TrimLeft(endpoint, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	return base.ResolveReference(ref).String(), nil
}

func retryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		return time.Until(t)
	}
	return 0
}

func summarize(payload []byte) string {
	s := strings.TrimSpace(string(payload))
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
