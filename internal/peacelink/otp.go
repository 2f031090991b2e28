package peacelink

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"time"

	"github.com/peacepay/peacelink/internal/idgen"
)

// GenerateOtp issues a fresh numeric handover code, storing only its
// hash. Attempts reset to zero. The plaintext is returned exactly once
// for out-of-band delivery and never persisted.
func (l *Link) GenerateOtp(digits int, ttl time.Duration, now time.Time) string {
	code := idgen.Digits(digits)
	expires := now.Add(ttl)
	l.OtpHash = HashOtp(code)
	l.OtpGeneratedAt = &now
	l.OtpExpiresAt = &expires
	l.OtpAttempts = 0
	l.OtpVerifiedAt = nil
	l.OtpVerifiedBy = ""
	return code
}

// VerifyOtp checks a handover code against the stored hash.
//
// Expired codes and exhausted attempts are terminal for that OTP; a
// mismatch increments the attempt counter and is retryable up to the
// cap. A match does not consume an attempt; the caller records the
// verification and advances state separately.
func (l *Link) VerifyOtp(code, verifiedBy string, maxAttempts int, now time.Time) error {
	if l.OtpHash == "" {
		return ErrOtpNotGenerated
	}
	if l.OtpVerifiedAt != nil {
		return ErrOtpAlreadyUsed
	}
	if l.OtpAttempts >= maxAttempts {
		return ErrOtpAttemptsUsed
	}
	if l.OtpExpiresAt != nil && now.After(*l.OtpExpiresAt) {
		return ErrOtpExpired
	}
	if subtle.ConstantTimeCompare([]byte(HashOtp(code)), []byte(l.OtpHash)) != 1 {
		l.OtpAttempts++
		return ErrOtpMismatch
	}
	l.OtpVerifiedAt = &now
	l.OtpVerifiedBy = verifiedBy
	return nil
}

// HashOtp is the one-way encoding used for stored handover codes.
func HashOtp(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}
