package protocol

import (
	"time"
)

// VerifyResult is the outcome of a signature check.
type VerifyResult int

const (
	VerifyFailed VerifyResult = iota
	VerifyTimeout
	VerifyPassed
)

func (r VerifyResult) String() string {
	switch r {
	case VerifyFailed:
		return "failed"
	case VerifyTimeout:
		return "timeout"
	case VerifyPassed:
		return "passed"
	}
	return "unknown"
}

// SignatureVerifier authenticates client updates. It holds no round state.
type SignatureVerifier struct {
	tolerance time.Duration
	enabled   bool
}

// NewSignatureVerifier creates a verifier accepting tokens at most tolerance
// old (or ahead of the server clock). A disabled verifier passes every update.
func NewSignatureVerifier(tolerance time.Duration, enabled bool) *SignatureVerifier {
	return &SignatureVerifier{tolerance: tolerance, enabled: enabled}
}

// Enabled reports whether signatures are checked.
func (v *SignatureVerifier) Enabled() bool {
	return v.enabled
}

// Verify checks the update token against the device record.
// meta may be nil for a device that has not been seen before; its key is
// then enrolled on first accepted contact. The signature is checked before
// the timestamp so that only authenticated timestamps are trusted.
func (v *SignatureVerifier) Verify(update *ClientUpdate, meta *DeviceMeta, now time.Time) VerifyResult {
	if !v.enabled {
		return VerifyPassed
	}

	token := update.Token
	if len(token.PublicKey) == 0 || len(token.Signature) == 0 {
		return VerifyFailed
	}

	if meta != nil && len(meta.PublicKey) > 0 && !meta.PublicKey.Equal(token.PublicKey) {
		return VerifyFailed
	}

	if !token.Signature.Verify(token.PublicKey, update.Digest()) {
		return VerifyFailed
	}

	age := now.Sub(token.Time())
	if age > v.tolerance || age < -v.tolerance {
		return VerifyTimeout
	}

	return VerifyPassed
}
