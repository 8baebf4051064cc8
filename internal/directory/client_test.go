package directory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/watthour/gridmarket/internal/domain"
)

func TestPublishAndRemove(t *testing.T) {
	type call struct {
		method, path, auth string
		body               domain.Summary
	}
	calls := make([]call, 0, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := call{method: r.Method, path: r.URL.Path, auth: r.Header.Get("Authorization")}
		if r.Body != nil {
			json.NewDecoder(r.Body).Decode(&c.body)
		}
		calls = append(calls, c)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New(srv.URL, "key-123")
	summary := domain.Summary{Market: "region-7", State: domain.StateForming, PlayerCount: 2, MaxPlayers: 8}
	if err := c.Publish(context.Background(), summary); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := c.Remove(context.Background(), "region-7"); err != nil {
		t.Fatalf("remove: %v", err)
	}

	if len(calls) != 2 {
		t.Fatalf("call count %d", len(calls))
	}
	if calls[0].method != http.MethodPut || calls[0].path != "/markets/region-7" {
		t.Errorf("publish call: %s %s", calls[0].method, calls[0].path)
	}
	if calls[0].auth != "Bearer key-123" {
		t.Errorf("auth header %q", calls[0].auth)
	}
	if calls[0].body.Market != "region-7" || calls[0].body.PlayerCount != 2 {
		t.Errorf("published summary: %+v", calls[0].body)
	}
	if calls[1].method != http.MethodDelete || calls[1].path != "/markets/region-7" {
		t.Errorf("remove call: %s %s", calls[1].method, calls[1].path)
	}
}

func TestErrorStatusSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "directory is on fire", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	if err := c.Publish(context.Background(), domain.Summary{Market: "m"}); err == nil {
		t.Error("expected error for non-2xx status")
	}
}

func TestDisabledClientIsNoop(t *testing.T) {
	c := New("", "")
	if c.Enabled() {
		t.Error("empty base URL should disable the client")
	}
	if err := c.Publish(context.Background(), domain.Summary{Market: "m"}); err != nil {
		t.Errorf("disabled publish: %v", err)
	}
	if err := c.Remove(context.Background(), "m"); err != nil {
		t.Errorf("disabled remove: %v", err)
	}
}

func TestCanonicalDeterministic(t *testing.T) {
	s := domain.Summary{Market: "m", State: domain.StateRunning, PlayerCount: 3}
	if Canonical(s) != Canonical(s) {
		t.Error("canonical form not deterministic")
	}
	s2 := s
	s2.PlayerCount = 4
	if Canonical(s) == Canonical(s2) {
		t.Error("distinct summaries collided")
	}
}
