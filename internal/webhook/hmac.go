package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

// errVerification is the only verification error; callers must not learn
// which check failed.
var errVerification = errors.New("webhook verification failed")

// verifySignature checks an HMAC-SHA256 signature of body in constant time.
// signature is plain hex or "sha256=<hex>".
func verifySignature(body []byte, signature, secret string) error {
	if secret == "" || signature == "" {
		return errVerification
	}
	got, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return errVerification
	}
	if subtle.ConstantTimeCompare(Sign(body, secret), got) != 1 {
		return errVerification
	}
	return nil
}

// Sign returns the raw HMAC-SHA256 of body under secret.
func Sign(body []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

// SignatureHeader formats body's signature the way GitHub sends it.
func SignatureHeader(body []byte, secret string) string {
	return "sha256=" + hex.EncodeToString(Sign(body, secret))
}
