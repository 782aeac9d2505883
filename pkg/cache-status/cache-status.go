// Package cachestatus formats the Cache-Status response header (RFC 9211)
// for values served by the cache.
package cachestatus

import (
	"fmt"

	"github.com/always-cache/swrcache/cache"
)

const HeaderName = "Cache-Status"

// Name identifies the cache in the header.
const Name = "SWRCache"

type Status string

const (
	StatusHit Status = "hit"
	StatusFwd Status = "fwd"
)

type FwdReason string

const (
	// The cache was configured to not handle this request.
	FwdBypass FwdReason = "bypass"

	// The request method's semantics require the request to be
	// forwarded.
	FwdMethod FwdReason = "method"

	// The cache did not contain a value for the key.
	FwdUriMiss FwdReason = "uri-miss"

	// The cache contained a value, but it was stale.
	FwdStale FwdReason = "stale"
)

type CacheStatus struct {
	status    Status
	fwdReason FwdReason
	stored    bool
	ttl       int64
	detail    string
}

func (cs *CacheStatus) Hit() {
	cs.status = StatusHit
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.status = StatusFwd
	cs.fwdReason = reason
}

// Stored marks a forwarded response as written to the cache.
func (cs *CacheStatus) Stored() {
	cs.stored = true
}

// TTL sets the remaining freshness in seconds, negative if stale.
func (cs *CacheStatus) TTL(seconds int64) {
	cs.ttl = seconds
}

func (cs *CacheStatus) Detail(detail string) {
	cs.detail = detail
}

func (cs *CacheStatus) String() string {
	status := fmt.Sprintf("%s; %s", Name, cs.status)
	if cs.status == StatusFwd && cs.fwdReason != "" {
		status = fmt.Sprintf("%s=%s", status, cs.fwdReason)
	}
	if cs.stored {
		status += "; stored"
	}
	if cs.ttl != 0 {
		status = fmt.Sprintf("%s; ttl=%d", status, cs.ttl)
	}
	if cs.detail != "" {
		status = status + "; detail=" + cs.detail
	}
	return status
}

// ForState builds the status of a value served from an entry in the given
// state. ttl is the entry's remaining freshness in seconds.
// Values of a stale entry are served while it is refreshed, so they count as
// hits with the entry state as detail.
func ForState(state cache.State, ttl int64) CacheStatus {
	cs := CacheStatus{}
	switch state {
	case cache.Fresh:
		cs.Hit()
		cs.TTL(ttl)
	case cache.Stale, cache.Revalidating, cache.Error:
		cs.Hit()
		cs.TTL(ttl)
		cs.Detail(state.String())
	default:
		cs.Forward(FwdUriMiss)
		cs.Stored()
	}
	return cs
}
