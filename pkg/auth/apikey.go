// Package auth implements the tenant boundary filter: API-key
// authentication for the HTTP surface and the HMAC contract for
// service-task callbacks.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
)

// APIKeyHeader carries the tenant's raw API key on every authenticated
// request. The callback endpoint reads the same header as HMAC key
// material rather than for authorization.
const APIKeyHeader = "X-Tenant-Api-Key"

// HashAPIKey returns the hex SHA-256 of the raw key. Only this hash is
// stored; lookups hash the presented key and compare.
func HashAPIKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}
