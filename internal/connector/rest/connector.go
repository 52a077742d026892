// Package rest is a Platform Connector for platforms exposing the generic
// JSON catalog API (shop handshake, catalog, pushes and order feed).
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"catalog-sync-service/internal/config"
	"catalog-sync-service/internal/logger"
	"catalog-sync-service/internal/model"
	"catalog-sync-service/internal/platform"
)

const (
	maxResponseSize = 10 << 20
	defaultTimeout  = 30 * time.Second
	envPrefix       = "env:"
)

type Connector struct {
	endpoint   config.PlatformEndpoint
	baseURL    *url.URL
	httpClient *http.Client
	limiter    *rate.Limiter

	mu    sync.RWMutex
	token string
}

type shopResponse struct {
	Name         string             `json:"name"`
	Type         model.PlatformType `json:"type"`
	Capabilities model.Capabilities `json:"capabilities"`
}

type itemsEnvelope[T any] struct {
	Items []T `json:"items"`
}

type acksEnvelope struct {
	Acks []model.Ack `json:"acks"`
}

type ordersEnvelope struct {
	Orders []model.Order `json:"orders"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func NewConnector(endpoint config.PlatformEndpoint) (*Connector, error) {
	base, err := url.Parse(strings.TrimRight(endpoint.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("platform %s: invalid base_url %q: %w", endpoint.ID, endpoint.BaseURL, model.ErrConfiguration)
	}

	limit := rate.Inf
	if endpoint.RatePerSecond > 0 {
		limit = rate.Limit(endpoint.RatePerSecond)
	}
	burst := endpoint.Burst
	if burst <= 0 {
		burst = 1
	}
	timeout := endpoint.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Connector{
		endpoint:   endpoint,
		baseURL:    base,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, burst),
	}, nil
}

// ResolveCredentials turns a credentials handle into a bearer token. Handles
// of the form env:NAME read the named variable; anything else is the token.
func ResolveCredentials(handle string) (string, error) {
	if name, ok := strings.CutPrefix(handle, envPrefix); ok {
		token := os.Getenv(name)
		if token == "" {
			return "", fmt.Errorf("credentials variable %s is not set: %w", name, model.ErrAuthentication)
		}
		return token, nil
	}
	if handle == "" {
		return "", fmt.Errorf("empty credentials handle: %w", model.ErrAuthentication)
	}
	return handle, nil
}

func (c *Connector) Connect(ctx context.Context, credentialsHandle string) (platform.Info, error) {
	token, err := ResolveCredentials(credentialsHandle)
	if err != nil {
		return platform.Info{}, err
	}

	var shop shopResponse
	if err := c.do(ctx, token, http.MethodGet, "/v1/shop", nil, nil, &shop); err != nil {
		return platform.Info{}, err
	}

	c.mu.Lock()
	c.token = token
	c.mu.Unlock()

	info := platform.Info{
		Name:         shop.Name,
		Type:         shop.Type,
		Capabilities: shop.Capabilities,
	}
	if info.Name == "" {
		info.Name = c.endpoint.Name
	}
	if !info.Type.IsValid() {
		info.Type = model.PlatformType(c.endpoint.Type)
	}
	return info, nil
}

func (c *Connector) PullCatalog(ctx context.Context, categoryFilter []string) ([]model.ExternalItem, error) {
	query := url.Values{}
	for _, cat := range categoryFilter {
		query.Add("category", cat)
	}
	var out itemsEnvelope[model.ExternalItem]
	if err := c.call(ctx, http.MethodGet, "/v1/catalog", query, nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *Connector) PushProducts(ctx context.Context, items []model.ProductPush) ([]model.Ack, error) {
	return c.push(ctx, "/v1/products", itemsEnvelope[model.ProductPush]{Items: items})
}

func (c *Connector) PushInventory(ctx context.Context, items []model.InventoryUpdate) ([]model.Ack, error) {
	return c.push(ctx, "/v1/inventory", itemsEnvelope[model.InventoryUpdate]{Items: items})
}

func (c *Connector) PushPrices(ctx context.Context, items []model.PriceUpdate) ([]model.Ack, error) {
	return c.push(ctx, "/v1/prices", itemsEnvelope[model.PriceUpdate]{Items: items})
}

func (c *Connector) PullOrders(ctx context.Context, since time.Time) ([]model.Order, error) {
	query := url.Values{}
	if !since.IsZero() {
		query.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	var out ordersEnvelope
	if err := c.call(ctx, http.MethodGet, "/v1/orders", query, nil, &out); err != nil {
		return nil, err
	}
	for i := range out.Orders {
		if out.Orders[i].PlatformID == "" {
			out.Orders[i].PlatformID = c.endpoint.ID
		}
	}
	return out.Orders, nil
}

func (c *Connector) push(ctx context.Context, path string, body any) ([]model.Ack, error) {
	var out acksEnvelope
	if err := c.call(ctx, http.MethodPost, path, nil, body, &out); err != nil {
		return nil, err
	}
	return out.Acks, nil
}

// call runs an authenticated request with the token from the last handshake.
func (c *Connector) call(ctx context.Context, method, path string, query url.Values, body, out any) error {
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token == "" {
		return fmt.Errorf("platform %s: not connected: %w", c.endpoint.ID, model.ErrAuthentication)
	}
	return c.do(ctx, token, method, path, query, body, out)
}

func (c *Connector) do(ctx context.Context, token, method, path string, query url.Values, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("platform %s: rate limiter: %w", c.endpoint.ID, err)
	}

	u := c.baseURL.JoinPath(path)
	u.RawQuery = query.Encode()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("platform %s: encode request: %w", c.endpoint.ID, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("platform %s: failed to create request: %w", c.endpoint.ID, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("platform %s: %v: %w", c.endpoint.ID, err, model.ErrUnreachable)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("platform %s: failed to read response: %v: %w", c.endpoint.ID, err, model.ErrUnreachable)
	}

	if resp.StatusCode >= 300 {
		err := statusError(resp.StatusCode, data)
		logger.Log.Warn("Platform request failed",
			zap.String("platform_id", c.endpoint.ID),
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.Error(err),
		)
		return fmt.Errorf("platform %s: %w", c.endpoint.ID, err)
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("platform %s: decode response: %v: %w", c.endpoint.ID, err, model.ErrValidation)
	}
	return nil
}

func statusError(status int, body []byte) error {
	msg := http.StatusText(status)
	var eb errorBody
	if json.Unmarshal(body, &eb) == nil {
		switch {
		case eb.Message != "":
			msg = eb.Message
		case eb.Error != "":
			msg = eb.Error
		}
	}

	var kind error
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		kind = model.ErrAuthentication
	case status == http.StatusTooManyRequests:
		kind = model.ErrRateLimited
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		kind = model.ErrValidation
	case status >= 500:
		kind = model.ErrUnreachable
	default:
		kind = errors.New("unexpected response")
	}
	return fmt.Errorf("HTTP %d %s: %w", status, msg, kind)
}
