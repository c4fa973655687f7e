package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	argonKeyLen = 32
	argonSalt   = 16

	// maxArgonMemoryKiB bounds the memory a stored hash may ask Verify to use.
	maxArgonMemoryKiB = 1 << 20
)

// ErrMalformedHash is returned when a stored API key hash cannot be parsed.
var ErrMalformedHash = errors.New("auth: malformed api key hash")

// Argon2Params are the Argon2id cost settings used for new hashes.
type Argon2Params struct {
	Time      uint32
	MemoryKiB uint32
	Threads   uint8
}

// DefaultArgon2Params returns the cost used when nothing is configured.
func DefaultArgon2Params() Argon2Params {
	return Argon2Params{Time: 1, MemoryKiB: 64 * 1024, Threads: 4}
}

func (p Argon2Params) validate() error {
	if p.Time == 0 || p.MemoryKiB == 0 || p.Threads == 0 {
		return fmt.Errorf("auth: argon2 params must be positive: t=%d m=%d p=%d", p.Time, p.MemoryKiB, p.Threads)
	}
	if p.MemoryKiB > maxArgonMemoryKiB {
		return fmt.Errorf("auth: argon2 memory %d KiB exceeds %d", p.MemoryKiB, maxArgonMemoryKiB)
	}
	return nil
}

// KeyHasher hashes and verifies API keys with Argon2id. Hashes use the PHC
// string form ($argon2id$v=19$m=..,t=..,p=..$salt$key), so a hash made under
// one cost setting still verifies after the setting changes.
type KeyHasher struct {
	params Argon2Params
}

// NewKeyHasher returns a KeyHasher that creates hashes with p.
func NewKeyHasher(p Argon2Params) (*KeyHasher, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &KeyHasher{params: p}, nil
}

// Params returns the cost used for new hashes.
func (h *KeyHasher) Params() Argon2Params { return h.params }

// Hash returns the encoded Argon2id hash of apiKey.
func (h *KeyHasher) Hash(apiKey string) (string, error) {
	salt := make([]byte, argonSalt)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}
	key := argon2.IDKey([]byte(apiKey), salt, h.params.Time, h.params.MemoryKiB, h.params.Threads, argonKeyLen)
	return encodeHash(h.params, salt, key), nil
}

// Verify reports whether apiKey matches encoded, using the cost recorded in
// encoded.
func (h *KeyHasher) Verify(apiKey, encoded string) (bool, error) {
	p, salt, want, err := decodeHash(encoded)
	if err != nil {
		return false, err
	}
	got := argon2.IDKey([]byte(apiKey), salt, p.Time, p.MemoryKiB, p.Threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(want, got) == 1, nil
}

// DummyVerify spends the same work as Verify against a hash made with the
// configured cost. Call it where no stored hash exists so the response time
// does not reveal that.
func (h *KeyHasher) DummyVerify() {
	argon2.IDKey([]byte("dummy"), make([]byte, argonSalt), h.params.Time, h.params.MemoryKiB, h.params.Threads, argonKeyLen)
}

func encodeHash(p Argon2Params, salt, key []byte) string {
	b64 := base64.RawStdEncoding
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.MemoryKiB, p.Time, p.Threads, b64.EncodeToString(salt), b64.EncodeToString(key))
}

func decodeHash(encoded string) (Argon2Params, []byte, []byte, error) {
	var p Argon2Params
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return p, nil, nil, ErrMalformedHash
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return p, nil, nil, fmt.Errorf("%w: unsupported version %q", ErrMalformedHash, parts[2])
	}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.MemoryKiB, &p.Time, &p.Threads); err != nil {
		return p, nil, nil, fmt.Errorf("%w: params: %v", ErrMalformedHash, err)
	}
	if err := p.validate(); err != nil {
		return p, nil, nil, fmt.Errorf("%w: %v", ErrMalformedHash, err)
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(salt) == 0 {
		return p, nil, nil, fmt.Errorf("%w: salt", ErrMalformedHash)
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(key) == 0 {
		return p, nil, nil, fmt.Errorf("%w: key", ErrMalformedHash)
	}
	return p, salt, key, nil
}
