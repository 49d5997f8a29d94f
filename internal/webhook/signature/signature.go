package signature

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"strings"
)

var (
	ErrMissingBody      = errors.New("missing_body")
	ErrMissingSignature = errors.New("missing_signature")
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrSecretMissing    = errors.New("ipn_secret_missing")
)

// Verifier checks gateway notification signatures: lowercase hex
// HMAC-SHA512 of the raw body under the shared IPN secret.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	if secret == "" {
		return &Verifier{}
	}
	return &Verifier{secret: []byte(secret)}
}

// Verify validates the signature over the raw body. Checks run in a
// fixed order so error responses never leak which later check would
// have failed: body presence, signature presence, then the MAC itself.
func (v *Verifier) Verify(raw []byte, sig string) error {
	if len(raw) == 0 {
		return ErrMissingBody
	}
	if strings.TrimSpace(sig) == "" {
		return ErrMissingSignature
	}
	if len(v.secret) == 0 {
		return ErrSecretMissing
	}

	mac := hmac.New(sha512.New, v.secret)
	mac.Write(raw)
	expected := mac.Sum(nil)

	provided, err := hex.DecodeString(strings.ToLower(strings.TrimSpace(sig)))
	if err != nil {
		return ErrInvalidSignature
	}
	if !hmac.Equal(expected, provided) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign produces the hex signature for a payload. Used by replay and by
// test fixtures.
func (v *Verifier) Sign(raw []byte) string {
	if len(v.secret) == 0 {
		return ""
	}
	mac := hmac.New(sha512.New, v.secret)
	mac.Write(raw)
	return hex.EncodeToString(mac.Sum(nil))
}
