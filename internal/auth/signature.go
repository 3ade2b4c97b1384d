package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// SignatureVerifier checks Discourse SSO signatures: lowercase hex HMAC-SHA256 of the
// payload exactly as transmitted.
type SignatureVerifier struct {
	secret []byte
}

// NewSignatureVerifier constructs a verifier bound to the shared SSO secret.
// An empty secret yields a verifier that rejects every signature.
func NewSignatureVerifier(secret []byte) *SignatureVerifier {
	return &SignatureVerifier{
		secret: append([]byte(nil), secret...),
	}
}

// Sign returns the expected signature for payload, or an empty string when no secret is configured.
func (v *SignatureVerifier) Sign(payload string) string {
	if v == nil || len(v.secret) == 0 {
		return ""
	}
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature is the exact expected signature for payload.
func (v *SignatureVerifier) Verify(payload, signature string) bool {
	expected := v.Sign(payload)
	if expected == "" || signature == "" {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(signature))
}
