// internal/auth/auth.go
// Copyright(c) 2022-2025 vice contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

// Package auth checks client-supplied credentials against an opaque
// user-lookup store. It supports the legacy MD5-hashed wire form the
// original protocol used alongside a newer argon2-verified form, so a
// deployment can migrate its users table without breaking older
// clients mid-transition.
package auth

import (
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// UnauthorizedLoginError reports a credential mismatch the caller
// should see as a rejected login, as opposed to an infrastructure
// failure.
type UnauthorizedLoginError struct {
	Reason string
}

func (e *UnauthorizedLoginError) Error() string {
	return fmt.Sprintf("unauthorized login: %s", e.Reason)
}

// ErrLoginFailed wraps an infrastructure error encountered while
// checking credentials (lookup store unreachable, malformed stored
// hash, etc). Callers map it to a fatal wire error without echoing
// details back to the client.
var ErrLoginFailed = errors.New("login check failed")

// Scheme selects how a stored password hash is interpreted.
type Scheme int

const (
	// SchemeMD5Legacy matches the historical FSD wire form: the client
	// sends hex(MD5(cleartext)) and the checker compares it directly
	// against the stored hash.
	SchemeMD5Legacy Scheme = iota
	// SchemeArgon2 stores an argon2id hash and verifies the client's
	// pre-hashed value by recomputing argon2id over it with the
	// embedded salt and parameters.
	SchemeArgon2
)

// UserRecord is what a successful check yields.
type UserRecord struct {
	Callsign string
	Rating   int
}

// Store is the opaque user-lookup collaborator: given a cid, return
// the stored password hash, its scheme, and the user's rating. A
// missing cid is reported via found=false, not an error.
type Store interface {
	Lookup(cid string) (hash string, scheme Scheme, rating int, found bool, err error)
}

// Checker verifies a (cid, password) pair against a Store.
type Checker struct {
	store Store
}

func NewChecker(store Store) *Checker {
	return &Checker{store: store}
}

// Check looks up cid and compares password (the value the wire
// protocol sent, already hashed client-side in the legacy scheme)
// against the stored hash. It returns a *UnauthorizedLoginError for a
// missing user or mismatched password, ErrLoginFailed for anything
// else gone wrong, and a UserRecord on success.
func (c *Checker) Check(cid, password string) (UserRecord, error) {
	hash, scheme, rating, found, err := c.store.Lookup(cid)
	if err != nil {
		return UserRecord{}, fmt.Errorf("%w: %v", ErrLoginFailed, err)
	}
	if !found {
		return UserRecord{}, &UnauthorizedLoginError{Reason: "Username unknown"}
	}

	ok, err := verify(password, hash, scheme)
	if err != nil {
		return UserRecord{}, fmt.Errorf("%w: %v", ErrLoginFailed, err)
	}
	if !ok {
		return UserRecord{}, &UnauthorizedLoginError{Reason: "Password mismatch"}
	}

	return UserRecord{Callsign: cid, Rating: rating}, nil
}

func verify(password, storedHash string, scheme Scheme) (bool, error) {
	switch scheme {
	case SchemeMD5Legacy:
		return password == storedHash, nil
	case SchemeArgon2:
		return verifyArgon2(password, storedHash)
	default:
		return false, fmt.Errorf("unknown password scheme %d", scheme)
	}
}

// argon2 parameters for the newer hashing form: time=1, memory=64MiB,
// threads=4, 32-byte key. HashPassword and verifyArgon2 must agree on
// these, and on the "salt:hash" hex encoding used to store them.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	argonSaltLen = 16
)

// HashPassword produces the stored-hash form for a fresh argon2
// account from the caller-supplied salt: hex(salt) + ":" +
// hex(argon2id(password)).
func HashPassword(password string, salt []byte) string {
	key := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(key)
}

func verifyArgon2(password, storedHash string) (bool, error) {
	saltHex, keyHex, ok := splitOnce(storedHash, ':')
	if !ok {
		return false, fmt.Errorf("malformed argon2 hash")
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return false, fmt.Errorf("malformed argon2 salt: %w", err)
	}
	wantKey, err := hex.DecodeString(keyHex)
	if err != nil {
		return false, fmt.Errorf("malformed argon2 key: %w", err)
	}
	gotKey := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, uint32(len(wantKey)))

	if len(gotKey) != len(wantKey) {
		return false, nil
	}
	var diff byte
	for i := range gotKey {
		diff |= gotKey[i] ^ wantKey[i]
	}
	return diff == 0, nil
}

func splitOnce(s string, sep byte) (before, after string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}
