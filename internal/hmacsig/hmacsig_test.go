package hmacsig_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/zipper-works/zipper/internal/hmacsig"
)

var secret = []byte("0123456789abcdef0123456789abcdef")

func nowMillis(now time.Time) string {
	return fmt.Sprintf("%d", now.UnixMilli())
}

func TestSignVerifyRoundTrip(t *testing.T) {
	t.Parallel()

	now := time.Now()
	ts := nowMillis(now)
	body := []byte(`{"key":"greeting","value":"hello"}`)

	sig := hmacsig.Sign(secret, "POST", "/api/app/app-1/storage", body, ts)
	err := hmacsig.Verify(secret, "POST", "/api/app/app-1/storage", body, sig, ts, now)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerifyRejectsAlteredBody(t *testing.T) {
	t.Parallel()

	now := time.Now()
	ts := nowMillis(now)
	sig := hmacsig.Sign(secret, "POST", "/api/app/app-1/storage", []byte(`{"key":"a"}`), ts)

	err := hmacsig.Verify(secret, "POST", "/api/app/app-1/storage", []byte(`{"key":"b"}`), sig, ts, now)
	if !errors.Is(err, hmacsig.ErrMismatch) {
		t.Fatalf("expected ErrMismatch, got %v", err)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	t.Parallel()

	now := time.Now()
	ts := nowMillis(now)
	sig := hmacsig.Sign([]byte("other-secret"), "GET", "/api/app/app-1/storage", nil, ts)

	err := hmacsig.Verify(secret, "GET", "/api/app/app-1/storage", nil, sig, ts, now)
	if !errors.Is(err, hmacsig.ErrMismatch) {
		t.Fatalf("expected ErrMismatch, got %v", err)
	}
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	t.Parallel()

	now := time.Now()
	old := now.Add(-hmacsig.MaxSkew - time.Minute)
	ts := nowMillis(old)
	sig := hmacsig.Sign(secret, "GET", "/api/app/app-1/storage", nil, ts)

	err := hmacsig.Verify(secret, "GET", "/api/app/app-1/storage", nil, sig, ts, now)
	if !errors.Is(err, hmacsig.ErrStaleTimestamp) {
		t.Fatalf("expected ErrStaleTimestamp, got %v", err)
	}
}

func TestVerifyAcceptsSkewWithinWindow(t *testing.T) {
	t.Parallel()

	now := time.Now()
	recent := now.Add(-hmacsig.MaxSkew + time.Minute)
	ts := nowMillis(recent)
	sig := hmacsig.Sign(secret, "DELETE", "/api/app/app-1/storage", nil, ts)

	if err := hmacsig.Verify(secret, "DELETE", "/api/app/app-1/storage", nil, sig, ts, now); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerifyRejectsGarbageTimestamp(t *testing.T) {
	t.Parallel()

	err := hmacsig.Verify(secret, "GET", "/p", nil, "sig", "not-a-number", time.Now())
	if !errors.Is(err, hmacsig.ErrStaleTimestamp) {
		t.Fatalf("expected ErrStaleTimestamp, got %v", err)
	}
}

func TestBodylessCanonicalFormMatchesEmptyObject(t *testing.T) {
	t.Parallel()

	now := time.Now()
	ts := nowMillis(now)
	// A GET signed by the isolate with JSON.stringify({}) must verify
	// against a bodyless server-side read.
	sig := hmacsig.Sign(secret, "GET", "/api/app/app-1/storage", []byte("{}"), ts)
	if err := hmacsig.Verify(secret, "GET", "/api/app/app-1/storage", nil, sig, ts, now); err != nil {
		t.Fatalf("verify: %v", err)
	}
}
