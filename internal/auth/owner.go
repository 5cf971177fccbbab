// Package auth derives owner identities for the HTTP API.
//
// ragd does not authenticate users itself. A fronting proxy authenticates the
// caller and forwards a stable identity in a request header; the middleware
// hashes that identity into an owner ID that scopes every collection.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// ErrEmptyIdentity is returned when the identity is blank.
var ErrEmptyIdentity = errors.New("identity cannot be empty")

// DeriveOwnerID derives a stable owner ID from an upstream identity.
//
// The owner ID is the hex-encoded SHA256 of the trimmed identity, so the same
// user always maps to the same namespace and the raw identity is never stored.
//
//	ownerID, err := auth.DeriveOwnerID("alice")
//	// ownerID = "2bd806c97f0e00af1a1fc3328fa763a9269723c8db8fac4f93af71db186d6e90"
func DeriveOwnerID(identity string) (string, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return "", ErrEmptyIdentity
	}
	hash := sha256.Sum256([]byte(identity))
	return hex.EncodeToString(hash[:]), nil
}

// IsOwnerID reports whether s has the shape DeriveOwnerID produces.
func IsOwnerID(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	for _, r := range s {
		if !('0' <= r && r <= '9' || 'a' <= r && r <= 'f') {
			return false
		}
	}
	return true
}
