// Package keyrules selects the cache policy of a key.
package keyrules

import (
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Policy holds the timing and retry settings of a key.
type Policy struct {
	// How long a fetched value is Fresh. Zero means forever.
	TTL time.Duration `yaml:"ttl"`
	// Quiet period of debounced triggers.
	Debounce time.Duration `yaml:"debounce"`
	// Minimum interval of throttled triggers.
	Throttle time.Duration `yaml:"throttle"`
	// Number of retries after a failed fetch.
	MaxRetries int `yaml:"maxRetries"`
	// Initial delay between retries, doubled on every retry.
	RetryBackoff time.Duration `yaml:"retryBackoff"`
}

// Override returns p with every non-zero setting of o applied.
func (p Policy) Override(o Policy) Policy {
	if o.TTL != 0 {
		p.TTL = o.TTL
	}
	if o.Debounce != 0 {
		p.Debounce = o.Debounce
	}
	if o.Throttle != 0 {
		p.Throttle = o.Throttle
	}
	if o.MaxRetries != 0 {
		p.MaxRetries = o.MaxRetries
	}
	if o.RetryBackoff != 0 {
		p.RetryBackoff = o.RetryBackoff
	}
	return p
}

type Rules []Rule

// Rule applies its policy to the keys it matches.
// Empty fields match any key.
type Rule struct {
	Prefix string `yaml:"prefix"`
	// Exact key.
	Key string `yaml:"key"`
	// Glob pattern, see path.Match.
	Pattern string `yaml:"pattern"`
	// Parameters the key must carry; an empty value only requires presence.
	Query  map[string]string `yaml:"query"`
	Policy Policy            `yaml:"policy"`
}

// Policy returns the policy for key: the defaults, overridden by the first
// matching rule.
func (r Rules) Policy(defaults Policy, key string) Policy {
	if rule := r.Find(key); rule != nil {
		return defaults.Override(rule.Policy)
	}
	return defaults
}

// Find returns the first rule matching key, or nil.
func (r Rules) Find(key string) *Rule {
	log.Trace().Msgf("Finding rule for key %s", key)
	resource, query, _ := strings.Cut(key, "?")
rulesLoop:
	for _, rule := range r {
		if rule.Key != "" && rule.Key != key {
			continue
		}
		if rule.Prefix != "" && !strings.HasPrefix(key, rule.Prefix) {
			continue
		}
		if rule.Pattern != "" {
			if ok, err := path.Match(rule.Pattern, resource); err != nil || !ok {
				if err != nil {
					log.Warn().Err(err).Str("pattern", rule.Pattern).Msg("Invalid rule pattern")
				}
				continue
			}
		}
		if len(rule.Query) > 0 {
			qry, err := url.ParseQuery(query)
			if err != nil {
				continue
			}
			for name, value := range rule.Query {
				if value == "" && !qry.Has(name) {
					continue rulesLoop
				} else if value != "" && qry.Get(name) != value {
					continue rulesLoop
				}
			}
		}
		return &rule
	}
	return nil
}
