package cachekey

import (
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"
)

var ErrorMalformedKey = fmt.Errorf("Malformed key")

const (
	namespaceSeparator = ":"
	querySeparator     = "?"
)

type Keyer struct {
	// Identifier for the data source, usually the API origin.
	// May be empty, in which case keys are just the path plus parameters.
	Namespace string
	// Cache key prefix for this namespace
	Prefix string
}

func NewKeyer(namespace string) Keyer {
	k := Keyer{Namespace: namespace}
	if namespace != "" {
		k.Prefix = namespace + namespaceSeparator
	}
	return k
}

// Key returns the cache key for a resource path and its parameters.
// Parameters are serialized in sorted order, so equal parameter sets always
// produce the same key.
func (k Keyer) Key(resource string, params url.Values) string {
	key := k.Prefix + cleanPath(resource)
	if len(params) > 0 {
		// url.Values.Encode sorts by parameter name
		key += querySeparator + params.Encode()
	}
	return key
}

// KeyFromMap is like Key, but takes loosely typed parameters.
// Values are formatted with fmt; slices produce repeated parameters.
func (k Keyer) KeyFromMap(resource string, params map[string]any) string {
	values := make(url.Values, len(params))
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		switch v := params[name].(type) {
		case nil:
			continue
		case []string:
			values[name] = append(values[name], v...)
		case []any:
			for _, item := range v {
				values.Add(name, fmt.Sprint(item))
			}
		default:
			values.Add(name, fmt.Sprint(v))
		}
	}
	return k.Key(resource, values)
}

// Pattern returns an invalidation pattern matching every key of the given
// resource path, with or without parameters.
func (k Keyer) Pattern(resource string) string {
	return k.Prefix + cleanPath(resource) + "*"
}

// Parse splits a key created by this keyer back into the resource path and
// its parameters.
// It returns an error if the key does not belong to this keyer's namespace.
func (k Keyer) Parse(key string) (string, url.Values, error) {
	if !strings.HasPrefix(key, k.Prefix) {
		return "", nil, fmt.Errorf("Key and namespace do not match: %s", key)
	}
	rest := strings.TrimPrefix(key, k.Prefix)
	resource, query, _ := strings.Cut(rest, querySeparator)
	if resource == "" {
		return "", nil, fmt.Errorf("%w: %s", ErrorMalformedKey, key)
	}
	params, err := url.ParseQuery(query)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %s: %v", ErrorMalformedKey, key, err)
	}
	return resource, params, nil
}

// URL resolves the key against a base URL, producing the address of the
// resource the key was created for.
func (k Keyer) URL(base *url.URL, key string) (*url.URL, error) {
	resource, params, err := k.Parse(key)
	if err != nil {
		return nil, err
	}
	u := base.JoinPath(resource)
	if len(params) > 0 {
		u.RawQuery = params.Encode()
	}
	return u, nil
}

// cleanPath normalizes a resource path so "/users/42/" and "users/42" map to
// the same key.
func cleanPath(resource string) string {
	if resource == "" {
		return ""
	}
	return strings.TrimPrefix(path.Clean("/"+resource), "/")
}
