package subscriptions

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// SignatureHeader carries the payload signature
const SignatureHeader = "X-Tollbooth-Signature"

// Sign returns the "sha256=<hex>" signature of payload
func Sign(payload, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches payload
func VerifySignature(payload []byte, signature string, secret []byte) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}
