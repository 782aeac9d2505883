// Package httpfetcher fetches and commits JSON resources of an HTTP origin,
// addressing them by cache key.
package httpfetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	cachekey "github.com/always-cache/swrcache/pkg/cache-key"
	cacheupdate "github.com/always-cache/swrcache/pkg/cache-update"
	fetcherror "github.com/always-cache/swrcache/pkg/fetch-error"
)

type Config struct {
	// Origin URL, resource paths are resolved against it.
	Origin string
	// Key namespace, see cachekey.NewKeyer.
	Namespace string
	// Transport level retries of connection errors and 5xx responses.
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	// HTTP client to use, if nil, a client with Timeout is created.
	HTTPClient *http.Client
	Timeout    time.Duration
	// Logger to use, if nil, a console logger is created.
	Logger *zerolog.Logger
}

// Client maps cache keys to origin URLs.
type Client struct {
	origin *url.URL
	keyer  cachekey.Keyer
	http   *retryablehttp.Client
	log    zerolog.Logger
}

// CommitResult is the outcome of a successful commit.
type CommitResult struct {
	// Canonical value returned by the origin, nil if the response had no body.
	Value *json.RawMessage
	// Keys the origin asked to refresh with the Cache-Update header.
	Updates []cacheupdate.CacheUpdate
}

func New(config Config) (*Client, error) {
	origin, err := url.Parse(config.Origin)
	if err != nil {
		return nil, fmt.Errorf("parsing origin: %w", err)
	}
	if origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("origin must be an absolute URL: %s", config.Origin)
	}
	if config.Logger == nil {
		l := zerolog.New(zerolog.NewConsoleWriter())
		config.Logger = &l
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{
			Timeout: config.Timeout,
			// do not follow redirects
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	logger := config.Logger.With().Str("component", "http-fetcher").Str("origin", origin.String()).Logger()

	client := retryablehttp.NewClient()
	client.HTTPClient = config.HTTPClient
	client.RetryMax = config.RetryMax
	if config.RetryWaitMin > 0 {
		client.RetryWaitMin = config.RetryWaitMin
	}
	if config.RetryWaitMax > 0 {
		client.RetryWaitMax = config.RetryWaitMax
	}
	client.Logger = leveledLogger{logger}
	// hand the last response to us instead of a generic error
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{
		origin: origin,
		keyer:  cachekey.NewKeyer(config.Namespace),
		http:   client,
		log:    logger,
	}, nil
}

// Keyer returns the keyer keys of this client are built with.
func (c *Client) Keyer() cachekey.Keyer {
	return c.keyer
}

// Fetch GETs the resource of key and returns its JSON body.
func (c *Client) Fetch(ctx context.Context, key string) (json.RawMessage, error) {
	res, err := c.do(ctx, http.MethodGet, key, nil)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, fetcherror.Network(key, res.StatusCode, nil)
	}
	body, err := readJSON(res.Body)
	if err != nil {
		return nil, fetcherror.Network(key, res.StatusCode, err)
	}
	if body == nil {
		return nil, fetcherror.Network(key, res.StatusCode, fmt.Errorf("empty response"))
	}
	return *body, nil
}

// Commit sends value to the resource of key with the given method.
// 409 and 412 responses are reported as conflicts.
func (c *Client) Commit(ctx context.Context, method, key string, value any) (CommitResult, error) {
	var body []byte
	if value != nil {
		var err error
		if body, err = json.Marshal(value); err != nil {
			return CommitResult{}, fmt.Errorf("encoding %q: %w", key, err)
		}
	}
	res, err := c.do(ctx, method, key, body)
	if err != nil {
		return CommitResult{}, err
	}
	defer res.Body.Close()
	switch {
	case res.StatusCode == http.StatusConflict, res.StatusCode == http.StatusPreconditionFailed:
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return CommitResult{}, &fetcherror.MutationConflictError{
			Key: key,
			Err: fmt.Errorf("%s: %s", res.Status, strings.TrimSpace(string(msg))),
		}
	case res.StatusCode < 200 || res.StatusCode > 299:
		return CommitResult{}, fetcherror.Network(key, res.StatusCode, nil)
	}
	result := CommitResult{
		Updates: cacheupdate.FromHeader(res.Header, c.keyFor),
	}
	if result.Value, err = readJSON(res.Body); err != nil {
		return CommitResult{}, fetcherror.Network(key, res.StatusCode, err)
	}
	return result, nil
}

func (c *Client) do(ctx context.Context, method, key string, body []byte) (*http.Response, error) {
	u, err := c.keyer.URL(c.origin, key)
	if err != nil {
		return nil, err
	}
	var rawBody interface{}
	if body != nil {
		rawBody = body
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, u.String(), rawBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.log.Debug().
		Str("method", method).
		Str("url", u.String()).
		Str("key", key).
		Msg("Requesting content from origin")
	res, err := c.http.Do(req)
	if err != nil {
		return nil, fetcherror.Classify(key, err)
	}
	return res, nil
}

// keyFor maps a path given by the origin to a cache key.
func (c *Client) keyFor(location string) string {
	u, err := c.origin.Parse(location)
	if err != nil {
		c.log.Warn().Err(err).Str("location", location).Msg("Could not parse update location")
		return location
	}
	resource := strings.TrimPrefix(u.Path, strings.TrimSuffix(c.origin.Path, "/"))
	return c.keyer.Key(resource, u.Query())
}

// readJSON returns nil for an empty body.
func readJSON(r io.Reader) (*json.RawMessage, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("response is not valid JSON")
	}
	raw := json.RawMessage(body)
	return &raw, nil
}

// leveledLogger passes retryablehttp logs to zerolog.
type leveledLogger struct {
	log zerolog.Logger
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.log.Error().Fields(keysAndValues).Msg(msg)
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.log.Trace().Fields(keysAndValues).Msg(msg)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.log.Warn().Fields(keysAndValues).Msg(msg)
}
