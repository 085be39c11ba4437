package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Signer computes and checks callback signatures:
// hex(HMAC-SHA256(secret, gatewayOrderID + "|" + gatewayPaymentID)).
type Signer struct {
	secret []byte
}

// NewSigner creates a signer over the merchant key secret.
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Sign returns the expected signature for the pair.
func (s *Signer) Sign(gatewayOrderID, gatewayPaymentID string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(gatewayOrderID))
	mac.Write([]byte("|"))
	mac.Write([]byte(gatewayPaymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify compares signature against the expected value in constant time.
// An empty secret never verifies.
func (s *Signer) Verify(gatewayOrderID, gatewayPaymentID, signature string) bool {
	if s == nil || len(s.secret) == 0 || signature == "" {
		return false
	}
	expected := s.Sign(gatewayOrderID, gatewayPaymentID)
	return hmac.Equal([]byte(expected), []byte(signature))
}
