// Package session implements Vouch's per-connection authentication state.
//
// A Session starts anonymous. It can begin a two-step TOTP registration
// (which never authenticates on its own), log in with username + current
// code, or rotate credentials with a recovery token. Once authenticated the
// username is bound to the connection through the presence registry until
// Disconnect.
//
// TOTP secrets are sealed before they reach the account store and recovery
// tokens are stored as digests (HMAC-SHA256 when VOUCH_TOKEN_HMAC_KEY is set).
//
// Transport (WebSocket) integration lives in the realtime package.
package session
