package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Callback signature headers. The signing key is the tenant's raw API
// key; the signed message is the request body with the timestamp bytes
// appended.
const (
	CallbackTimestampHeader = "X-Callback-Timestamp"
	CallbackSignatureHeader = "X-Callback-Signature"
)

// CallbackSignature computes hex(HMAC-SHA256(key=rawKey, msg=body||timestamp)).
func CallbackSignature(rawKey string, body []byte, timestamp string) string {
	mac := hmac.New(sha256.New, []byte(rawKey))
	mac.Write(body)
	mac.Write([]byte(timestamp))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyCallbackSignature checks the presented signature in constant
// time.
func VerifyCallbackSignature(rawKey string, body []byte, timestamp, signature string) bool {
	expected := CallbackSignature(rawKey, body, timestamp)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// CallbackRequestHash is the idempotency request hash for callbacks:
// hex SHA-256 over body||timestamp.
func CallbackRequestHash(body []byte, timestamp string) string {
	sum := sha256.Sum256(append(append([]byte{}, body...), []byte(timestamp)...))
	return hex.EncodeToString(sum[:])
}
