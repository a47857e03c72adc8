// Package identity issues and verifies the bearer tokens that carry the
// authenticated principal over the socket and REST surfaces.
package identity

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"pairchat/pkg/interfaces"
	"pairchat/pkg/types"
)

var (
	ErrEmptySecret  = errors.New("identity secret cannot be empty")
	ErrTokenExpired = fmt.Errorf("%w: token expired", interfaces.ErrAuthInvalid)
)

// HMACVerifier signs tokens of the form userId.expiryUnix.signature where the
// signature is base64url(HMAC-SHA256(secret, userId.expiryUnix)).
type HMACVerifier struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

var _ interfaces.Verifier = (*HMACVerifier)(nil)

// NewHMACVerifier creates a verifier; ttl bounds tokens created by Issue.
func NewHMACVerifier(secret string, ttl time.Duration) (*HMACVerifier, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	return &HMACVerifier{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue returns a signed token for userID valid for the configured ttl.
func (v *HMACVerifier) Issue(userID string) (string, error) {
	if !types.IsValidUserID(userID) {
		return "", types.ErrInvalidUserID
	}
	payload := userID + "." + strconv.FormatInt(v.now().Add(v.ttl).Unix(), 10)
	return payload + "." + v.sign(payload), nil
}

// Verify returns the principal of a valid token.
func (v *HMACVerifier) Verify(ctx context.Context, token string) (string, error) {
	userID, rest, ok := strings.Cut(token, ".")
	if !ok {
		return "", interfaces.ErrAuthInvalid
	}
	expiry, sig, ok := strings.Cut(rest, ".")
	if !ok || !types.IsValidUserID(userID) {
		return "", interfaces.ErrAuthInvalid
	}

	want := v.sign(userID + "." + expiry)
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return "", interfaces.ErrAuthInvalid
	}

	exp, err := strconv.ParseInt(expiry, 10, 64)
	if err != nil {
		return "", interfaces.ErrAuthInvalid
	}
	if !v.now().Before(time.Unix(exp, 0)) {
		return "", ErrTokenExpired
	}
	return userID, nil
}

func (v *HMACVerifier) sign(payload string) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
