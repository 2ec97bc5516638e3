// Package password hashes and verifies secrets with argon2id using the
// standard PHC string encoding.
package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const hashPrefix = "$argon2id$"

// Parameters follow the OWASP minimum recommendation for argon2id.
const (
	defaultMemory  = 19 * 1024 // KiB
	defaultTime    = 2
	defaultThreads = 1
	defaultKeyLen  = 32
	saltLen        = 16
)

var (
	// ErrNotHash is returned by Verify when the stored value is not an
	// argon2id PHC string.
	ErrNotHash = errors.New("stored value is not an argon2id hash")

	// ErrHashMalformed is returned when an argon2id PHC string cannot be
	// decoded.
	ErrHashMalformed = errors.New("malformed argon2id hash")
)

// Hash derives an argon2id hash of the given plaintext and encodes it as
// $argon2id$v=19$m=...,t=...,p=...$<salt>$<key> with unpadded base64.
func Hash(plaintext string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("error generating the salt: %w", err)
	}

	key := argon2.IDKey([]byte(plaintext), salt, defaultTime, defaultMemory, defaultThreads, defaultKeyLen)

	return fmt.Sprintf("%sv=%d$m=%d,t=%d,p=%d$%s$%s",
		hashPrefix,
		argon2.Version,
		defaultMemory,
		defaultTime,
		defaultThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify reports whether plaintext matches the encoded argon2id hash. The
// comparison is constant time in the derived key.
func Verify(encoded, plaintext string) (bool, error) {
	if !IsHash(encoded) {
		return false, ErrNotHash
	}

	parts := strings.Split(encoded, "$")
	// "", "argon2id", "v=19", "m=..,t=..,p=..", salt, key
	if len(parts) != 6 {
		return false, ErrHashMalformed
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false, fmt.Errorf("%w: %w", ErrHashMalformed, err)
	}

	var (
		memory  uint32
		time    uint32
		threads uint8
	)

	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &threads); err != nil {
		return false, fmt.Errorf("%w: %w", ErrHashMalformed, err)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrHashMalformed, err)
	}

	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrHashMalformed, err)
	}

	got := argon2.IDKey([]byte(plaintext), salt, time, memory, threads, uint32(len(want)))

	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

// IsHash reports whether the value carries the argon2id PHC prefix.
func IsHash(value string) bool { return strings.HasPrefix(value, hashPrefix) }
