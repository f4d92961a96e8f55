// Package token provides recovery-token generation and hashing for Vouch.
//
// It is the single source of truth for how recovery tokens are minted and how
// their digests are stored.
//
// Modes:
// - Dev mode: SHA-256(token) when no HMAC key is configured.
// - Keyed mode: HMAC-SHA256(token, key) when VOUCH_TOKEN_HMAC_KEY is set.
//
// Digests are 64-char lowercase hex and are compared in constant time.
package token
