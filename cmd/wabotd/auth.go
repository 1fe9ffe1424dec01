package main

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for API key hashing
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 2
	argonKeyLen  = 32
	argonSaltLen = 16
)

// HashAPIKey generates an Argon2id hash for the given key, encoded as
// $argon2id$v=19$m=...,t=...,p=...$<salt_b64>$<hash_b64>. The hash
// goes into the auth.api_key_hash config field.
func HashAPIKey(key string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	hash := argon2.IDKey([]byte(key), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	b64Salt := base64.RawStdEncoding.EncodeToString(salt)
	b64Hash := base64.RawStdEncoding.EncodeToString(hash)
	return fmt.Sprintf("$argon2id$v=19$m=%d,t=%d,p=%d$%s$%s", argonMemory, argonTime, argonThreads, b64Salt, b64Hash), nil
}

// VerifyAPIKey verifies a presented key against an encoded hash.
func VerifyAPIKey(key, encoded string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) < 6 {
		return false, fmt.Errorf("bad encoded hash format")
	}

	params := parts[3]
	saltB64 := parts[4]
	hashB64 := parts[5]

	var memory, time uint32
	var threads uint8
	if _, err := fmt.Sscanf(params, "m=%d,t=%d,p=%d", &memory, &time, &threads); err != nil {
		return false, fmt.Errorf("bad hash parameters: %w", err)
	}

	salt, err := base64.RawStdEncoding.DecodeString(saltB64)
	if err != nil {
		return false, fmt.Errorf("bad salt encoding: %w", err)
	}
	expected, err := base64.RawStdEncoding.DecodeString(hashB64)
	if err != nil {
		return false, fmt.Errorf("bad hash encoding: %w", err)
	}

	actual := argon2.IDKey([]byte(key), salt, time, memory, threads, uint32(len(expected)))
	return subtle.ConstantTimeCompare(actual, expected) == 1, nil
}

// requireAuth wraps a handler with bearer-key verification. With no
// hash configured the API is open (single-operator deployments behind
// a private network).
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Auth.APIKeyHash == "" {
			next(w, r)
			return
		}
		key, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || key == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		valid, err := VerifyAPIKey(key, s.cfg.Auth.APIKeyHash)
		if err != nil || !valid {
			writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		next(w, r)
	}
}
