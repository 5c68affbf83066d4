package invitebroker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

const (
	supporterCacheKeyPrefix = "invitebroker:supporter:"
	supporterMaxBodySize    = 1 << 16
)

// SupporterVerifier checks whether a Discord user is a supporter, and so
// allowed to be assigned a private bot instance.
type SupporterVerifier interface {
	IsSupporter(ctx context.Context, userID string) (bool, error)
}

// supporterResponse is the response body expected from the supporter
// service.
type supporterResponse struct {
	Supporter bool `json:"supporter"`
}

// httpSupporterVerifier checks supporter status with a GET request to
// `{baseURL}/{userID}`. A 404 response means the user isn't a supporter.
type httpSupporterVerifier struct {
	baseURL        string
	token          string
	timeout        time.Duration
	client         *http.Client
	requestLimiter *rate.Limiter
	logger         *slog.Logger
}

func newHTTPSupporterVerifier(
	cfg SupporterConfig,
	client *http.Client,
	logger *slog.Logger,
) (*httpSupporterVerifier, error) {
	if _, err := url.ParseRequestURI(cfg.URL); err != nil {
		return nil, fmt.Errorf("invalid supporter url: %w", err)
	}
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultSupporterTimeout
	}
	return &httpSupporterVerifier{
		baseURL:        cfg.URL,
		token:          cfg.Token,
		timeout:        timeout,
		client:         client,
		requestLimiter: rate.NewLimiter(limit, 1),
		logger:         logger.With(loggerNameKey, "supporter"),
	}, nil
}

func (h *httpSupporterVerifier) IsSupporter(
	ctx context.Context,
	userID string,
) (bool, error) {
	if userID == "" {
		return false, nil
	}

	if err := h.requestLimiter.Wait(ctx); err != nil {
		return false, fmt.Errorf("error waiting on request limiter: %w", err)
	}

	reqURL, err := url.JoinPath(h.baseURL, url.PathEscape(userID))
	if err != nil {
		return false, fmt.Errorf("error building supporter url: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "application/json")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("error checking supporter status: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		h.logger.DebugContext(ctx, "user not found by supporter service", "user_id", userID)
		return false, nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return false, fmt.Errorf(
			"unexpected supporter service status: %s",
			resp.Status,
		)
	}

	var body supporterResponse
	if err = json.NewDecoder(io.LimitReader(resp.Body, supporterMaxBodySize)).Decode(&body); err != nil {
		return false, fmt.Errorf("error decoding supporter response: %w", err)
	}
	return body.Supporter, nil
}

// cachedSupporterVerifier caches the results of another SupporterVerifier
// in redis. Redis errors are logged and the wrapped verifier is used.
// Errors from the wrapped verifier aren't cached.
type cachedSupporterVerifier struct {
	verifier SupporterVerifier
	client   redis.UniversalClient
	ttl      time.Duration
	logger   *slog.Logger
}

func newCachedSupporterVerifier(
	verifier SupporterVerifier,
	client redis.UniversalClient,
	ttl time.Duration,
	logger *slog.Logger,
) *cachedSupporterVerifier {
	if ttl <= 0 {
		ttl = DefaultSupporterCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &cachedSupporterVerifier{
		verifier: verifier,
		client:   client,
		ttl:      ttl,
		logger:   logger.With(loggerNameKey, "supporter_cache"),
	}
}

func supporterCacheKey(userID string) string {
	return supporterCacheKeyPrefix + userID
}

func (c *cachedSupporterVerifier) IsSupporter(
	ctx context.Context,
	userID string,
) (bool, error) {
	key := supporterCacheKey(userID)

	cached, err := c.client.Get(ctx, key).Result()
	switch {
	case err == nil:
		if v, parseErr := strconv.ParseBool(cached); parseErr == nil {
			return v, nil
		}
		c.logger.WarnContext(ctx, "invalid cached supporter value", "key", key, "value", cached)
	case errors.Is(err, redis.Nil):
	default:
		c.logger.WarnContext(ctx, "error reading supporter cache", "key", key, tint.Err(err))
	}

	isSupporter, err := c.verifier.IsSupporter(ctx, userID)
	if err != nil {
		return false, err
	}

	if setErr := c.client.Set(
		ctx,
		key,
		strconv.FormatBool(isSupporter),
		c.ttl,
	).Err(); setErr != nil {
		c.logger.WarnContext(ctx, "error writing supporter cache", "key", key, tint.Err(setErr))
	}
	return isSupporter, nil
}

// staticSupporterVerifier considers only the given user IDs supporters
type staticSupporterVerifier map[string]bool

func newStaticSupporterVerifier(userIDs ...string) staticSupporterVerifier {
	s := make(staticSupporterVerifier, len(userIDs))
	for _, id := range userIDs {
		s[id] = true
	}
	return s
}

func (s staticSupporterVerifier) IsSupporter(
	_ context.Context,
	userID string,
) (bool, error) {
	return s[userID], nil
}

// newSupporterVerifier returns the SupporterVerifier for the given config:
// nobody is a supporter if no URL is set, otherwise the supporter service
// is checked, with results cached in redis if a redis URL is set.
//
// The returned close func releases the redis client, if any.
func newSupporterVerifier(
	cfg SupporterConfig,
	client *http.Client,
	logger *slog.Logger,
) (SupporterVerifier, func() error, error) {
	noop := func() error { return nil }
	if cfg.URL == "" {
		return newStaticSupporterVerifier(), noop, nil
	}

	verifier, err := newHTTPSupporterVerifier(cfg, client, logger)
	if err != nil {
		return nil, noop, err
	}
	if cfg.RedisURL == "" {
		return verifier, noop, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, noop, fmt.Errorf("invalid supporter redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	return newCachedSupporterVerifier(verifier, rdb, cfg.CacheTTL, logger), rdb.Close, nil
}
