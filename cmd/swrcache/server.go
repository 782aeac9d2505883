package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/always-cache/swrcache"
	"github.com/always-cache/swrcache/cache"
	cachekey "github.com/always-cache/swrcache/pkg/cache-key"
	cachestatus "github.com/always-cache/swrcache/pkg/cache-status"
	cacheupdate "github.com/always-cache/swrcache/pkg/cache-update"
	fetcherror "github.com/always-cache/swrcache/pkg/fetch-error"
	httpfetcher "github.com/always-cache/swrcache/pkg/http-fetcher"
)

const maxBodySize = 1 << 20

// server exposes a cache client over HTTP. Reads are served from the cache,
// writes are applied optimistically and committed to the origin.
type server struct {
	cache  *swrcache.Client[json.RawMessage]
	origin *httpfetcher.Client
	keyer  cachekey.Keyer
	log    zerolog.Logger
}

func newServer(client *swrcache.Client[json.RawMessage], origin *httpfetcher.Client) *server {
	return &server{
		cache:  client,
		origin: origin,
		keyer:  origin.Keyer(),
		log:    client.Logger().With().Str("component", "server").Logger(),
	}
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/.swrcache/refresh", s.refresh)
	r.Get("/.swrcache/stats", s.stats)

	r.Get("/*", s.read)
	r.Put("/*", s.mutate)
	r.Patch("/*", s.mutate)
	r.Post("/*", s.forward)
	r.Delete("/*", s.forward)
	return r
}

func (s *server) key(r *http.Request) string {
	return s.keyer.Key(r.URL.Path, r.URL.Query())
}

// read serves the cached value, waiting for the origin only on a miss.
func (s *server) read(w http.ResponseWriter, r *http.Request) {
	key := s.key(r)
	cs := s.cacheStatus(s.cache.Store().Peek(key))
	res, err := s.cache.Read(r.Context(), key, nil, 0)
	if err != nil {
		s.sendError(w, r, key, err)
		return
	}
	if res.Err != nil {
		cs.Detail(res.State.String())
	}
	s.send(w, r, http.StatusOK, res.Value, cs)
}

// mutate writes the request body into the cache and commits it.
// PATCH bodies are merged into the cached object.
func (s *server) mutate(w http.ResponseWriter, r *http.Request) {
	key := s.key(r)
	body, err := readBody(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var updates []cacheupdate.CacheUpdate
	err = s.cache.Mutate(r.Context(), swrcache.Mutation[json.RawMessage]{
		Key: key,
		Update: func(previous json.RawMessage, ok bool) json.RawMessage {
			if r.Method == http.MethodPatch && ok {
				return mergeObjects(previous, body)
			}
			return body
		},
		Commit: func(ctx context.Context, optimistic json.RawMessage) (*json.RawMessage, error) {
			result, err := s.origin.Commit(ctx, r.Method, key, optimistic)
			if err != nil {
				return nil, err
			}
			updates = result.Updates
			return result.Value, nil
		},
	})
	if err != nil {
		s.sendError(w, r, key, err)
		return
	}
	s.cache.ApplyUpdates(updates...)

	cs := cachestatus.CacheStatus{}
	cs.Forward(cachestatus.FwdMethod)
	cs.Stored()
	s.send(w, r, http.StatusOK, s.cache.Store().Peek(key).Value, cs)
}

// forward commits requests that do not map to one cached value, and
// invalidates the key afterwards.
func (s *server) forward(w http.ResponseWriter, r *http.Request) {
	key := s.key(r)
	var value any
	if r.ContentLength != 0 {
		body, err := readBody(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		value = body
	}
	result, err := s.origin.Commit(r.Context(), r.Method, key, value)
	if err != nil {
		s.sendError(w, r, key, err)
		return
	}
	s.cache.Invalidate(key)
	s.cache.ApplyUpdates(result.Updates...)

	cs := cachestatus.CacheStatus{}
	cs.Forward(cachestatus.FwdMethod)
	if result.Value == nil {
		s.logRequest(r, http.StatusNoContent, cs)
		w.Header().Set(cachestatus.HeaderName, cs.String())
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.send(w, r, http.StatusOK, *result.Value, cs)
}

// refresh fetches every cached key with the given prefix again.
func (s *server) refresh(w http.ResponseWriter, r *http.Request) {
	prefix := s.keyer.Prefix + strings.TrimPrefix(r.URL.Query().Get("prefix"), s.keyer.Prefix)
	if err := s.cache.RefreshAll(r.Context(), prefix); err != nil {
		s.log.Error().Err(err).Str("prefix", prefix).Msg("Could not refresh all entries")
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) stats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.cache.Stats()); err != nil {
		s.log.Error().Err(err).Msg("Could not write stats")
	}
}

func (s *server) cacheStatus(entry cache.Entry[json.RawMessage]) cachestatus.CacheStatus {
	var ttl int64
	if !entry.ExpiresAt.IsZero() {
		ttl = int64(entry.ExpiresAt.Sub(s.cache.Clock().Now()) / time.Second)
	}
	if !entry.Servable() {
		return cachestatus.ForState(cache.Empty, 0)
	}
	return cachestatus.ForState(entry.State, ttl)
}

func (s *server) send(w http.ResponseWriter, r *http.Request, status int, value json.RawMessage, cs cachestatus.CacheStatus) {
	s.logRequest(r, status, cs)
	w.Header().Set(cachestatus.HeaderName, cs.String())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(value)
}

func (s *server) sendError(w http.ResponseWriter, r *http.Request, key string, err error) {
	status := statusOf(err)
	s.log.Warn().Err(err).Str("key", key).Int("status", status).Msg("Request failed")
	http.Error(w, err.Error(), status)
}

// statusOf maps an error to the response status sent to the client.
func statusOf(err error) int {
	var netErr *fetcherror.NetworkError
	switch {
	case fetcherror.IsConflict(err):
		return http.StatusConflict
	case fetcherror.IsCancellation(err):
		return http.StatusGatewayTimeout
	case fetcherror.IsInconsistency(err):
		return http.StatusServiceUnavailable
	case errors.As(err, &netErr):
		if netErr.Status >= 400 && netErr.Status < 500 {
			return netErr.Status
		}
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *server) logRequest(r *http.Request, status int, cs cachestatus.CacheStatus) {
	s.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("requestId", middleware.GetReqID(r.Context())).
		Int("status", status).
		Str("cacheStatus", cs.String()).
		Msg("Sending response to client")
}

func readBody(r *http.Request) (json.RawMessage, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("request body is not JSON")
	}
	return body, nil
}

// mergeObjects sets the top level fields of patch on previous.
// Anything but two objects is replaced by patch.
func mergeObjects(previous, patch json.RawMessage) json.RawMessage {
	var prev, fields map[string]json.RawMessage
	if json.Unmarshal(previous, &prev) != nil || json.Unmarshal(patch, &fields) != nil || prev == nil || fields == nil {
		return patch
	}
	for name, value := range fields {
		if string(value) == "null" {
			delete(prev, name)
			continue
		}
		prev[name] = value
	}
	merged, err := json.Marshal(prev)
	if err != nil {
		return patch
	}
	return merged
}
