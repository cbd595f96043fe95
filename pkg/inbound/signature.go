package inbound

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	SignatureHeader = "X-Hub-Signature-256"
	signaturePrefix = "sha256="
)

// VerifySignature checks an X-Hub-Signature-256 header ("sha256=<hex>") against the HMAC-SHA256
// of the raw body keyed with the app secret.
func VerifySignature(secret string, body []byte, header string) bool {
	if secret == "" || !strings.HasPrefix(header, signaturePrefix) {
		return false
	}

	got, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil {
		return false
	}

	return hmac.Equal(got, Sign(secret, body))
}

// Sign computes the raw HMAC-SHA256 of body.
func Sign(secret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)

	return mac.Sum(nil)
}

// SignatureFor renders the header value a provider would send for body.
func SignatureFor(secret string, body []byte) string {
	return signaturePrefix + hex.EncodeToString(Sign(secret, body))
}
