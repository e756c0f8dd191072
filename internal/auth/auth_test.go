package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestMintValidateRoundTrip(t *testing.T) {
	v, err := NewHMACValidator("test-secret")
	if err != nil {
		t.Fatalf("NewHMACValidator failed: %v", err)
	}

	token := v.Mint("u1", time.Hour)
	id, err := v.Validate(context.Background(), token)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if id.Principal != "u1" {
		t.Errorf("Principal = %q, want %q", id.Principal, "u1")
	}
}

func TestValidateExpired(t *testing.T) {
	v, _ := NewHMACValidator("test-secret")
	token := v.Mint("u1", time.Hour)

	v.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err := v.Validate(context.Background(), token)
	if !errors.Is(err, ErrInvalidToken) {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
}

func TestValidateTampered(t *testing.T) {
	v, _ := NewHMACValidator("test-secret")
	token := v.Mint("u1", time.Hour)

	tampered := strings.Replace(token, "u1.", "u2.", 1)
	if _, err := v.Validate(context.Background(), tampered); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
}

func TestValidateWrongSecret(t *testing.T) {
	v1, _ := NewHMACValidator("secret-one")
	v2, _ := NewHMACValidator("secret-two")

	token := v1.Mint("u1", time.Hour)
	if _, err := v2.Validate(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
}

func TestValidateMalformed(t *testing.T) {
	v, _ := NewHMACValidator("test-secret")

	for _, token := range []string{"", "u1", "u1.notanumber.sig", "u1.123", "..."} {
		if _, err := v.Validate(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Validate(%q) err = %v, want ErrInvalidToken", token, err)
		}
	}
}

func TestNewHMACValidatorEmptySecret(t *testing.T) {
	if _, err := NewHMACValidator(""); err == nil {
		t.Error("expected error for empty secret")
	}
}
