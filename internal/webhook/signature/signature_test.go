package signature

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyOrderOfChecks(t *testing.T) {
	v := NewVerifier("shared-secret")

	// Empty body wins over a missing signature.
	assert.ErrorIs(t, v.Verify(nil, ""), ErrMissingBody)
	assert.ErrorIs(t, v.Verify([]byte{}, "deadbeef"), ErrMissingBody)

	// Missing signature beats MAC validation.
	assert.ErrorIs(t, v.Verify([]byte(`{}`), ""), ErrMissingSignature)
	assert.ErrorIs(t, v.Verify([]byte(`{}`), "   "), ErrMissingSignature)
}

func TestVerifyValidSignature(t *testing.T) {
	v := NewVerifier("shared-secret")
	body := []byte(`{"order_id":"o-1","payment_id":"p-1","payment_status":"finished"}`)

	sig := v.Sign(body)
	require.NotEmpty(t, sig)

	assert.NoError(t, v.Verify(body, sig))
	// Upper-case hex is accepted.
	assert.NoError(t, v.Verify(body, strings.ToUpper(sig)))
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	v := NewVerifier("shared-secret")
	body := []byte(`{"order_id":"o-1","payment_status":"finished"}`)
	sig := v.Sign(body)

	tampered := []byte(`{"order_id":"o-2","payment_status":"finished"}`)
	assert.ErrorIs(t, v.Verify(tampered, sig), ErrInvalidSignature)
}

func TestVerifyRejectsFlippedSignatureByte(t *testing.T) {
	v := NewVerifier("shared-secret")
	body := []byte(`{"order_id":"o-1"}`)
	sig := v.Sign(body)

	flipped := []byte(sig)
	if flipped[0] == 'a' {
		flipped[0] = 'b'
	} else {
		flipped[0] = 'a'
	}
	assert.ErrorIs(t, v.Verify(body, string(flipped)), ErrInvalidSignature)
}

func TestVerifyRejectsNonHexSignature(t *testing.T) {
	v := NewVerifier("shared-secret")
	assert.ErrorIs(t, v.Verify([]byte(`{}`), "not-hex-at-all"), ErrInvalidSignature)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	body := []byte(`{"order_id":"o-1"}`)
	sig := NewVerifier("other-secret").Sign(body)

	assert.ErrorIs(t, NewVerifier("shared-secret").Verify(body, sig), ErrInvalidSignature)
}

func TestVerifyWithoutConfiguredSecret(t *testing.T) {
	v := NewVerifier("")
	assert.ErrorIs(t, v.Verify([]byte(`{}`), "deadbeef"), ErrSecretMissing)
}
