// Package otp issues and verifies RFC 6238 time-based one-time codes.
//
// Secrets are 160-bit, base32 encoded, and exported as otpauth:// provisioning
// URIs so authenticator apps can enroll them. Codes are 6 digits over a 30s
// period with HMAC-SHA1, and verification tolerates a configurable number of
// adjacent periods of clock skew.
package otp
