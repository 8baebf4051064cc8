// Package auth verifies connection proofs: HMAC-signed per-player tokens
// issued by the login service, and the operator credential checked against a
// bcrypt hash from configuration.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/watthour/gridmarket/internal/domain"
)

// DefaultTokenTTL bounds how long an issued player token stays valid.
const DefaultTokenTTL = 30 * 24 * time.Hour

// Verifier checks proofs presented at connection time.
type Verifier struct {
	secret    []byte
	adminHash []byte
	ttl       time.Duration
	now       func() time.Time
}

// New creates a Verifier. secret signs player tokens; adminHash is the
// bcrypt hash of the operator credential.
func New(secret string, adminHash string) *Verifier {
	return &Verifier{
		secret:    []byte(secret),
		adminHash: []byte(adminHash),
		ttl:       DefaultTokenTTL,
		now:       time.Now,
	}
}

// WithTTL overrides the token validity window and returns the verifier.
func (v *Verifier) WithTTL(d time.Duration) *Verifier {
	if d > 0 {
		v.ttl = d
	}
	return v
}

// IssuePlayerToken signs a per-player token binding an identity to a market.
// The token format is base64(identity).issuedAtUnix.base64(signature).
func (v *Verifier) IssuePlayerToken(market, identity string) string {
	ts := strconv.FormatInt(v.now().Unix(), 10)
	sig := v.sign(market, identity, ts)
	return base64.RawURLEncoding.EncodeToString([]byte(identity)) + "." + ts + "." + sig
}

// VerifyPlayer checks a presented token against the market and identity it
// claims. Any structural, signature, or expiry failure is
// domain.ErrUnauthorized; the caller never learns which.
func (v *Verifier) VerifyPlayer(market, identity, token string) error {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return domain.ErrUnauthorized
	}
	claimed, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil || string(claimed) != identity {
		return domain.ErrUnauthorized
	}
	issued, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return domain.ErrUnauthorized
	}
	if v.now().Sub(time.Unix(issued, 0)) > v.ttl {
		return domain.ErrUnauthorized
	}
	want := v.sign(market, identity, parts[1])
	if !hmac.Equal([]byte(want), []byte(parts[2])) {
		return domain.ErrUnauthorized
	}
	return nil
}

// VerifyAdmin checks the operator credential against the configured bcrypt
// hash.
func (v *Verifier) VerifyAdmin(credential string) error {
	if len(v.adminHash) == 0 {
		return domain.ErrUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword(v.adminHash, []byte(credential)); err != nil {
		return domain.ErrUnauthorized
	}
	return nil
}

// HashToken returns the hex SHA-256 of a token, stored on the player record
// so a reconnecting identity must present the same token it joined with.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// HashAdminCredential produces the bcrypt hash for configuration, used by
// the issuance tooling.
func HashAdminCredential(credential string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(credential), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash credential: %w", err)
	}
	return string(h), nil
}

func (v *Verifier) sign(market, identity, ts string) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(market + "\x00" + identity + "\x00" + ts))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
