// Package identity owns Vouch accounts: usernames, enrolled TOTP secrets,
// recovery-token digests and theme preferences.
//
// The Store interface is the persistence boundary. Backends: in-memory (tests,
// single-node dev), PostgreSQL and MongoDB. Stores persist values as given;
// sealing and hashing happen in the session layer.
package identity
