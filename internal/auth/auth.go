// Package auth implements the credential validator behind the hub's
// authentication handshake, using HMAC-SHA256 signed tokens.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Errors. ErrInvalidToken means the credential itself was rejected and the
// client may retry with a new token; ErrValidatorUnavailable means the check
// could not be performed at all and says nothing about the credential.
var (
	ErrInvalidToken         = errors.New("invalid or expired token")
	ErrValidatorUnavailable = errors.New("credential validator unavailable")
	errMalformedToken       = errors.New("malformed token")
	errSignatureMismatch    = errors.New("signature mismatch")
)

// Identity is the result of a successful validation.
type Identity struct {
	Principal   string
	Permissions []string
}

// Validator checks bearer tokens. Implementations must distinguish a bad
// credential (ErrInvalidToken) from their own unavailability
// (ErrValidatorUnavailable).
type Validator interface {
	Validate(ctx context.Context, token string) (Identity, error)
}

// HMACValidator validates tokens of the form
//
//	<principal>.<expiry-unix>.<hex hmac-sha256 of "principal.expiry">
//
// signed with a shared secret.
type HMACValidator struct {
	secret []byte

	// now is swappable for tests.
	now func() time.Time
}

// NewHMACValidator creates a validator with the given shared secret.
func NewHMACValidator(secret string) (*HMACValidator, error) {
	if secret == "" {
		return nil, fmt.Errorf("auth secret is required")
	}
	return &HMACValidator{
		secret: []byte(secret),
		now:    time.Now,
	}, nil
}

// Validate checks the token signature and expiry.
func (v *HMACValidator) Validate(_ context.Context, token string) (Identity, error) {
	principal, expiry, sig, err := splitToken(token)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %s", ErrInvalidToken, err)
	}

	want := v.sign(principal, expiry)
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return Identity{}, fmt.Errorf("%w: %s", ErrInvalidToken, errSignatureMismatch)
	}

	if v.now().Unix() >= expiry {
		return Identity{}, fmt.Errorf("%w: expired at %d", ErrInvalidToken, expiry)
	}

	return Identity{Principal: principal}, nil
}

// Mint produces a signed token for principal valid for ttl. Used by tests
// and provisioning tooling; the hub itself only validates.
func (v *HMACValidator) Mint(principal string, ttl time.Duration) string {
	expiry := v.now().Add(ttl).Unix()
	return fmt.Sprintf("%s.%d.%s", principal, expiry, v.sign(principal, expiry))
}

func (v *HMACValidator) sign(principal string, expiry int64) string {
	mac := hmac.New(sha256.New, v.secret)
	fmt.Fprintf(mac, "%s.%d", principal, expiry)
	return hex.EncodeToString(mac.Sum(nil))
}

func splitToken(token string) (principal string, expiry int64, sig string, err error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
		return "", 0, "", errMalformedToken
	}
	expiry, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", 0, "", errMalformedToken
	}
	return parts[0], expiry, parts[2], nil
}
