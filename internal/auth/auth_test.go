package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/watthour/gridmarket/internal/domain"
)

func TestPlayerTokenRoundTrip(t *testing.T) {
	v := New("secret", "")
	tok := v.IssuePlayerToken("region-7", "alice")

	if err := v.VerifyPlayer("region-7", "alice", tok); err != nil {
		t.Fatalf("verify own token: %v", err)
	}
	// Bound to market and identity.
	if err := v.VerifyPlayer("region-8", "alice", tok); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("wrong market: got %v", err)
	}
	if err := v.VerifyPlayer("region-7", "bob", tok); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("wrong identity: got %v", err)
	}
	// Bound to the signing secret.
	other := New("different", "")
	if err := other.VerifyPlayer("region-7", "alice", tok); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("wrong secret: got %v", err)
	}
}

func TestPlayerTokenMalformed(t *testing.T) {
	v := New("secret", "")
	for _, tok := range []string{
		"",
		"one.two",
		"a.b.c.d",
		"!!!.123.sig",
		"YWxpY2U.notanumber.sig",
	} {
		if err := v.VerifyPlayer("m", "alice", tok); !errors.Is(err, domain.ErrUnauthorized) {
			t.Errorf("token %q: got %v, want ErrUnauthorized", tok, err)
		}
	}
}

func TestPlayerTokenExpiry(t *testing.T) {
	v := New("secret", "")
	tok := v.IssuePlayerToken("m", "alice")

	// Advance the clock past the TTL.
	v.now = func() time.Time { return time.Now().Add(DefaultTokenTTL + time.Hour) }
	if err := v.VerifyPlayer("m", "alice", tok); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("expired token: got %v, want ErrUnauthorized", err)
	}
}

func TestTamperedSignature(t *testing.T) {
	v := New("secret", "")
	tok := v.IssuePlayerToken("m", "alice")
	parts := strings.Split(tok, ".")
	tampered := parts[0] + "." + parts[1] + ".AAAA" + parts[2][4:]
	if err := v.VerifyPlayer("m", "alice", tampered); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("tampered token: got %v, want ErrUnauthorized", err)
	}
}

func TestAdminCredential(t *testing.T) {
	hash, err := HashAdminCredential("open-sesame")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	v := New("secret", hash)
	if err := v.VerifyAdmin("open-sesame"); err != nil {
		t.Errorf("correct credential: %v", err)
	}
	if err := v.VerifyAdmin("guess"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("wrong credential: got %v", err)
	}

	// No hash configured means admin access is off entirely.
	bare := New("secret", "")
	if err := bare.VerifyAdmin(""); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("empty hash: got %v", err)
	}
}

func TestHashTokenStable(t *testing.T) {
	if HashToken("abc") != HashToken("abc") {
		t.Error("hash not deterministic")
	}
	if HashToken("abc") == HashToken("abd") {
		t.Error("distinct tokens collided")
	}
	if len(HashToken("abc")) != 64 {
		t.Error("expected hex sha-256 output")
	}
}
