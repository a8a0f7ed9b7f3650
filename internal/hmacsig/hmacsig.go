// Package hmacsig implements the signing scheme protecting the storage RPC
// between a running isolate and the host. Every call carries an
// HMAC-SHA256 over (method, path, body, timestamp); the host recomputes it
// independently before trusting the request, so no durable storage
// credential ever enters the isolate.
package hmacsig

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Request headers carrying the signature.
const (
	HeaderHMAC      = "x-zipper-hmac"
	HeaderTimestamp = "x-timestamp"
)

// MaxSkew is how far a signed timestamp may drift from host time in either
// direction before the call is rejected as stale or replayed.
const MaxSkew = 5 * time.Minute

var (
	// ErrMismatch indicates the recomputed HMAC differs from the one
	// presented.
	ErrMismatch = errors.New("hmacsig: signature mismatch")
	// ErrStaleTimestamp indicates the signed timestamp is outside the
	// allowed skew window.
	ErrStaleTimestamp = errors.New("hmacsig: timestamp outside allowed skew")
)

// canonicalBody returns the body string entering the signed message.
// Bodyless calls sign the empty JSON object so that GET and DELETE have a
// stable canonical form.
func canonicalBody(body []byte) string {
	if len(body) == 0 {
		return "{}"
	}
	return string(body)
}

// Sign computes the hex signature for one storage call. timestamp is
// milliseconds since epoch, as produced by Date.now() in the isolate.
func Sign(secret []byte, method, path string, body []byte, timestamp string) string {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%s__%s__%s__%s", method, path, canonicalBody(body), timestamp)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature for the presented call and compares it in
// constant time, after checking the timestamp against the skew window.
func Verify(secret []byte, method, path string, body []byte, presentedHMAC, timestamp string, now time.Time) error {
	ms, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: unparseable timestamp %q", ErrStaleTimestamp, timestamp)
	}
	at := time.UnixMilli(ms)
	if d := now.Sub(at); d > MaxSkew || d < -MaxSkew {
		return fmt.Errorf("%w: %s", ErrStaleTimestamp, at.UTC().Format(time.RFC3339))
	}

	expected := Sign(secret, method, path, body, timestamp)
	if !hmac.Equal([]byte(expected), []byte(presentedHMAC)) {
		return ErrMismatch
	}
	return nil
}
