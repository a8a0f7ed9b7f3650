// Package token issues and verifies the signed boot credentials the
// request router attaches to forwarded applet requests. A credential
// authorizes exactly one deployment identifier against the RPC service for
// a few minutes; it is never persisted.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrAuthInvalid covers every verification failure: bad signature, expired
// or not-yet-valid token, malformed claims. Callers must treat it as a hard
// 401, never downgrade it.
var ErrAuthInvalid = errors.New("token: invalid boot credential")

// Claims are the boot credential's payload.
type Claims struct {
	DeploymentID string `json:"deployment_id"`
	RPCRoot      string `json:"rpc_root"`
	jwt.RegisteredClaims
}

// Signer mints and verifies boot credentials with a shared HS256 key.
type Signer struct {
	key []byte
	ttl time.Duration
}

// NewSigner creates a Signer. ttl bounds how long a forwarded request stays
// consumable by the sandbox host.
func NewSigner(key []byte, ttl time.Duration) *Signer {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Signer{key: key, ttl: ttl}
}

// Sign issues a credential for one deployment identifier.
func (s *Signer) Sign(deploymentID, rpcRoot string) (string, error) {
	now := time.Now()
	claims := Claims{
		DeploymentID: deploymentID,
		RPCRoot:      rpcRoot,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("token: sign: %w", err)
	}
	return signed, nil
}

// Verify checks a presented credential and returns its claims.
func (s *Signer) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthInvalid, err)
	}
	if !parsed.Valid || claims.DeploymentID == "" {
		return nil, fmt.Errorf("%w: missing deployment_id claim", ErrAuthInvalid)
	}
	return claims, nil
}
