package cacheupdate

import (
	"net/http"
	"testing"
	"time"
)

func TestParse(t *testing.T) {
	cu, ok := Parse("users/42; delay=3")
	if !ok || cu.Key != "users/42" || cu.Delay != 3*time.Second {
		t.Fatalf("Parsed %+v", cu)
	}
	cu, ok = Parse("users")
	if !ok || cu.Key != "users" || cu.Delay != 0 {
		t.Fatalf("Parsed %+v", cu)
	}
	if _, ok := Parse(" ; delay=1"); ok {
		t.Fatal("Parsed value without key")
	}
}

func TestFromHeader(t *testing.T) {
	header := http.Header{}
	header.Add(HeaderName, "/users/42")
	header.Add(HeaderName, "/users; DELAY=2")
	updates := FromHeader(header, func(path string) string {
		return "api:" + path
	})
	if len(updates) != 2 {
		t.Fatalf("Got %d updates", len(updates))
	}
	if updates[0].Key != "api:/users/42" || updates[0].Delay != 0 {
		t.Fatalf("First update is %+v", updates[0])
	}
	if updates[1].Key != "api:/users" || updates[1].Delay != 2*time.Second {
		t.Fatalf("Second update is %+v", updates[1])
	}
}
