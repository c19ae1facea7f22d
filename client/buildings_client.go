package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/researchaccelerator-hub/parcel-harvester/config"
	"github.com/researchaccelerator-hub/parcel-harvester/model"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const maxResponseBytes = 32 << 20

// BuildingsConfig contains configuration for the buildings lookup client.
type BuildingsConfig struct {
	Endpoint           string            // Base URL of the buildings collection
	PageSize           int               // $top value
	MaxAttempts        int               // Local attempts per fetch
	RetryDelay         time.Duration     // Pause between local attempts
	RequestTimeout     time.Duration     // Deadline for one attempt
	RateLimit          float64           // Requests per second, 0 = unlimited
	RateBurst          int               // Limiter burst
	NotFoundPolicy     string            // config.NotFoundPass or config.NotFoundLocal
	InsecureSkipVerify bool              // The upstream serves a broken chain
	Headers            map[string]string // Static request headers
	MaxConns           int               // Connection cap per host
}

// BuildingsClient queries the spatial buildings endpoint for the parcel that
// contains a point.
type BuildingsClient struct {
	config     BuildingsConfig
	endpoint   *url.URL
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewBuildingsClient creates a new lookup client with the given configuration.
func NewBuildingsClient(cfg BuildingsConfig) (*BuildingsClient, error) {
	endpoint, err := url.Parse(cfg.Endpoint)
	if err != nil || endpoint.Scheme == "" || endpoint.Host == "" {
		return nil, fmt.Errorf("invalid endpoint %q", cfg.Endpoint)
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 20
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.NotFoundPolicy == "" {
		cfg.NotFoundPolicy = config.NotFoundPass
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 100
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst < 1 {
		burst = 1
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxConnsPerHost = cfg.MaxConns
	transport.MaxIdleConnsPerHost = cfg.MaxConns
	transport.MaxIdleConns = cfg.MaxConns * 2
	transport.IdleConnTimeout = 90 * time.Second
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	log.Info().
		Str("endpoint", cfg.Endpoint).
		Int("page_size", cfg.PageSize).
		Int("max_attempts", cfg.MaxAttempts).
		Dur("request_timeout", cfg.RequestTimeout).
		Float64("rate_limit", cfg.RateLimit).
		Str("not_found_policy", cfg.NotFoundPolicy).
		Msg("Creating buildings client")

	return &BuildingsClient{
		config:     cfg,
		endpoint:   endpoint,
		httpClient: &http.Client{Transport: transport},
		limiter:    rate.NewLimiter(limit, burst),
	}, nil
}

// NewBuildingsClientFromConfig builds the client from the fetch section of the
// run configuration. maxConns is normally the pipeline concurrency.
func NewBuildingsClientFromConfig(cfg config.FetchConfig, maxConns int) (*BuildingsClient, error) {
	return NewBuildingsClient(BuildingsConfig{
		Endpoint:           cfg.Endpoint,
		PageSize:           cfg.PageSize,
		MaxAttempts:        cfg.MaxAttempts,
		RetryDelay:         cfg.RetryDelay,
		RequestTimeout:     cfg.RequestTimeout,
		RateLimit:          cfg.RateLimit,
		RateBurst:          cfg.RateBurst,
		NotFoundPolicy:     cfg.NotFoundPolicy,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		Headers:            cfg.Headers,
		MaxConns:           maxConns,
	})
}

// QueryURL builds the lookup URL for a point: a result cap and a spatial
// containment filter over (lon, lat).
func (c *BuildingsClient) QueryURL(point model.QueryPoint) string {
	u := *c.endpoint
	q := u.Query()
	q.Set("$top", strconv.Itoa(c.config.PageSize))
	q.Set("$filter", fmt.Sprintf("contains(parcel, POINT(%s %s))", formatCoord(point.Lon), formatCoord(point.Lat)))
	u.RawQuery = q.Encode()
	return u.String()
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Fetch implements Fetcher. Transport errors, timeouts and non-2xx statuses
// are retried locally up to MaxAttempts; decode errors are not. A 404 is
// retried locally only under the "local" policy.
func (c *BuildingsClient) Fetch(ctx context.Context, point model.QueryPoint) model.Outcome {
	if !point.Valid {
		return model.Failure(point.Index, model.ErrMissingInput)
	}

	target := c.QueryURL(point)
	var lastErr error
	attempts := 0

	for attempts < c.config.MaxAttempts {
		if attempts > 0 && c.config.RetryDelay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(c.config.RetryDelay):
			}
		}
		if ctx.Err() != nil {
			if lastErr == nil {
				lastErr = fmt.Errorf("%w: %v", model.ErrTransientNetwork, ctx.Err())
			}
			break
		}

		attempts++
		records, err := c.attempt(ctx, target)
		if err == nil {
			outcome := model.Success(point.Index, records)
			outcome.Attempts = attempts
			return outcome
		}
		lastErr = err

		log.Debug().
			Int64("index", point.Index).
			Int("attempt", attempts).
			Err(err).
			Msg("Lookup attempt failed")

		if errors.Is(err, model.ErrDecode) {
			break
		}
		if errors.Is(err, model.ErrNotFound) && c.config.NotFoundPolicy == config.NotFoundPass {
			break
		}
	}

	outcome := model.Failure(point.Index, lastErr)
	outcome.Attempts = attempts
	return outcome
}

func (c *BuildingsClient) attempt(ctx context.Context, target string) ([]model.Record, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: rate limiter: %v", model.ErrTransientNetwork, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request: %v", model.ErrTransientNetwork, err)
	}
	for k, v := range c.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrTransientNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", model.ErrTransientNetwork, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, model.ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("%w: status %d", model.ErrHTTPStatus, resp.StatusCode)
	}

	return DecodeResponse(body)
}

// DecodeResponse extracts the records from a response body. The "value" field
// may hold records directly or lists of records; both are flattened.
func DecodeResponse(body []byte) ([]model.Record, error) {
	var envelope struct {
		Value []json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrDecode, err)
	}

	records := make([]model.Record, 0, len(envelope.Value))
	for _, item := range envelope.Value {
		item = bytes.TrimSpace(item)
		if len(item) == 0 {
			continue
		}
		switch item[0] {
		case '{':
			rec, err := model.NewRecord(item)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", model.ErrDecode, err)
			}
			records = append(records, rec)
		case '[':
			var inner []json.RawMessage
			if err := json.Unmarshal(item, &inner); err != nil {
				return nil, fmt.Errorf("%w: %v", model.ErrDecode, err)
			}
			for _, nested := range inner {
				nested = bytes.TrimSpace(nested)
				if len(nested) == 0 || nested[0] != '{' {
					continue
				}
				rec, err := model.NewRecord(nested)
				if err != nil {
					return nil, fmt.Errorf("%w: %v", model.ErrDecode, err)
				}
				records = append(records, rec)
			}
		}
	}
	return records, nil
}
