// Package verify holds the per-provider webhook signature verifiers.
package verify

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/stripe/stripe-go/v82/webhook"
)

var ErrBadSignature = errors.New("webhook signature verification failed")

// Verifier checks a raw webhook body against its signature header before
// anything downstream is allowed to parse it.
type Verifier interface {
	Verify(payload []byte, signatureHeader string) error
}

// StripeVerifier delegates to the stripe-go webhook helper, which parses
// the Stripe-Signature header and checks the HMAC within tolerance.
type StripeVerifier struct {
	Secret string
}

func (v StripeVerifier) Verify(payload []byte, signatureHeader string) error {
	if err := webhook.ValidatePayload(payload, signatureHeader, v.Secret); err != nil {
		return ErrBadSignature
	}
	return nil
}

// CoinbaseVerifier implements the Coinbase Commerce scheme: the
// X-CC-Webhook-Signature header is the hex HMAC-SHA256 of the raw body.
type CoinbaseVerifier struct {
	Secret string
}

func (v CoinbaseVerifier) Verify(payload []byte, signatureHeader string) error {
	mac := hmac.New(sha256.New, []byte(v.Secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signatureHeader)) {
		return ErrBadSignature
	}
	return nil
}

// Insecure accepts everything. Test wiring only.
type Insecure struct{}

func (Insecure) Verify(payload []byte, signatureHeader string) error {
	return nil
}
