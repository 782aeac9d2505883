package cacheupdate

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const HeaderName = "Cache-Update"

var delayPattern = regexp.MustCompile(`(?i)\bdelay=(\d+)`)

// CacheUpdate represents a single key to refresh after a mutation.
type CacheUpdate struct {
	// Cache key (or path, before resolving) of the resource.
	Key string
	// Update delay, i.e. delay update by this duration.
	Delay time.Duration
}

// Parse parses a single `Cache-Update` value of the form `<key>; delay=N`.
// It returns false if the value holds no key.
func Parse(value string) (CacheUpdate, bool) {
	// key is the first element
	key := strings.TrimSpace(strings.Split(value, ";")[0])
	if key == "" {
		return CacheUpdate{}, false
	}
	return CacheUpdate{Key: key, Delay: getDelay(value)}, true
}

// FromHeader gets the updates specified by a response header.
// keyFor maps the path of each update to a cache key; if nil, the path is used as is.
func FromHeader(header http.Header, keyFor func(path string) string) []CacheUpdate {
	updates := make([]CacheUpdate, 0)
	for _, value := range header.Values(HeaderName) {
		cu, ok := Parse(value)
		if !ok {
			continue
		}
		if keyFor != nil {
			cu.Key = keyFor(cu.Key)
		}
		updates = append(updates, cu)
	}
	return updates
}

// getDelay returns the delay to wait before updating the cache for from the `Cache-Update` header parameter.
// The delay directive syntax is `delay=N`, where N is the number of seconds to wait.
// Directives are separated by a semicolon.
// If no delay directive is found, it returns 0.
func getDelay(update string) time.Duration {
	if matches := delayPattern.FindStringSubmatch(update); matches != nil {
		if delay, err := strconv.Atoi(matches[1]); err == nil {
			return time.Duration(delay) * time.Second
		}
	}
	return 0
}
