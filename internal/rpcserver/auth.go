package rpcserver

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// jwtClockSkew bounds how far a token's "iat" claim may drift from the
// server's own clock, mirroring go-ethereum's authrpc JWT convention for
// its Engine API (node/rpc, golang-jwt/jwt/v4, HS256, a 32-byte shared
// secret file). This core reuses that convention for an optional
// admin-only auth layer over the otherwise-public eth_*/net_*/web3_*
// surface, a supplement beyond spec.md's unauthenticated RPC model.
const jwtClockSkew = 60 * time.Second

// LoadOrCreateJWTSecret reads a 32-byte hex-encoded secret from path,
// generating and persisting a fresh random one if the file does not exist
// yet. Mirrors go-ethereum's --authrpc.jwtsecret bootstrap behavior.
func LoadOrCreateJWTSecret(path string) ([32]byte, error) {
	var secret [32]byte

	raw, err := os.ReadFile(path)
	if err == nil {
		decoded, decodeErr := hex.DecodeString(strings.TrimSpace(string(raw)))
		if decodeErr != nil || len(decoded) != 32 {
			return secret, fmt.Errorf("rpcserver: jwt secret at %s is not 32 hex bytes", path)
		}
		copy(secret[:], decoded)
		return secret, nil
	}
	if !os.IsNotExist(err) {
		return secret, fmt.Errorf("rpcserver: read jwt secret: %w", err)
	}

	if _, err := rand.Read(secret[:]); err != nil {
		return secret, fmt.Errorf("rpcserver: generate jwt secret: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(secret[:])), 0o600); err != nil {
		return secret, fmt.Errorf("rpcserver: persist jwt secret: %w", err)
	}
	return secret, nil
}

// jwtAuthMiddleware requires a valid HS256 "Authorization: Bearer <token>"
// header signed with secret, with an "iat" claim within jwtClockSkew of now,
// before delegating to next.
func jwtAuthMiddleware(secret [32]byte, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		tokenStr := strings.TrimPrefix(header, "Bearer ")

		claims := jwt.RegisteredClaims{}
		token, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return secret[:], nil
		})
		if err != nil || !token.Valid {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		if claims.IssuedAt == nil || time.Since(claims.IssuedAt.Time) > jwtClockSkew || time.Since(claims.IssuedAt.Time) < -jwtClockSkew {
			http.Error(w, "token outside clock-skew window", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
