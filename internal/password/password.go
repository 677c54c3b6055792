// Package password implements argon2id password hashing and
// verification at a fixed high-cost profile. There is a single scheme
// and no legacy bcrypt/sha256 fallback, since mailboat has no older
// password table to migrate from.
package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	saltSize = 16
	hashSize = 32
)

// Params holds the argon2id cost parameters. Sensitive is the profile
// mailboat always uses: high memory and iteration cost appropriate for
// interactive login verification on a mail server, not a hot loop.
type Params struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
}

// Sensitive is the default ops/mem limit profile: costly enough to
// resist offline attack on a stolen password table, cheap enough for
// one login attempt per connection.
var Sensitive = Params{
	Time:    3,
	Memory:  256 * 1024, // 256 MiB
	Threads: 4,
}

// Hash computes the argon2id hash of pass using the Sensitive profile and
// returns an opaque, self-describing, base64-safe ASCII string suitable
// for storage in UserRecord.password_b64hash.
//
// This call is CPU-bound and must be run on the worker pool (see
// internal/workerpool), never on the cooperative scheduler goroutine.
func Hash(pass string) (string, error) {
	return HashWithParams(pass, Sensitive)
}

// HashWithParams is like Hash but with an explicit cost profile, used by
// tests that need a cheaper profile to stay fast.
func HashWithParams(pass string, p Params) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("password: failed to generate salt: %w", err)
	}
	sum := argon2.IDKey([]byte(pass), salt, p.Time, p.Memory, p.Threads, hashSize)

	var b strings.Builder
	b.WriteString("argon2id")
	b.WriteRune('$')
	b.WriteString(strconv.FormatUint(uint64(p.Time), 10))
	b.WriteRune('$')
	b.WriteString(strconv.FormatUint(uint64(p.Memory), 10))
	b.WriteRune('$')
	b.WriteString(strconv.FormatUint(uint64(p.Threads), 10))
	b.WriteRune('$')
	b.WriteString(base64.RawStdEncoding.EncodeToString(salt))
	b.WriteRune('$')
	b.WriteString(base64.RawStdEncoding.EncodeToString(sum))
	return b.String(), nil
}

// Check reports whether pass matches the opaque hash produced by Hash.
// Comparison is constant-time with respect to the computed hash via
// crypto/subtle, so timing cannot distinguish "wrong password" from
// "mostly-right password".
//
// This call is CPU-bound and must be run on the worker pool.
func Check(pass, encoded string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "argon2id" {
		return false, fmt.Errorf("password: malformed hash string")
	}
	time64, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return false, fmt.Errorf("password: malformed hash string: %w", err)
	}
	memory64, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil {
		return false, fmt.Errorf("password: malformed hash string: %w", err)
	}
	threads64, err := strconv.ParseUint(parts[3], 10, 8)
	if err != nil {
		return false, fmt.Errorf("password: malformed hash string: %w", err)
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, fmt.Errorf("password: malformed hash string: %w", err)
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, fmt.Errorf("password: malformed hash string: %w", err)
	}

	got := argon2.IDKey([]byte(pass), salt, uint32(time64), uint32(memory64), uint8(threads64), uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}
