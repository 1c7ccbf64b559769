package worker

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

// DefaultHashAlgorithm is used when a request does not name one.
const DefaultHashAlgorithm = "sha256"

var hashConstructors = map[string]func() hash.Hash{
	"md5":      md5.New,
	"sha1":     sha1.New,
	"sha256":   sha256.New,
	"sha512":   sha512.New,
	"sha3-256": sha3.New256,
	"sha3-512": sha3.New512,
	"blake2b-256": func() hash.Hash {
		h, _ := blake2b.New256(nil)
		return h
	},
	"blake2b-512": func() hash.Hash {
		h, _ := blake2b.New512(nil)
		return h
	},
}

// NormalizeHashAlgorithm maps XEP-0300 style names (sha-256) and hashlib
// style names (sha256) onto one spelling.
func NormalizeHashAlgorithm(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return DefaultHashAlgorithm
	}

	switch name {
	case "sha-1", "sha-256", "sha-512":
		return strings.Replace(name, "-", "", 1)
	case "sha3_256":
		return "sha3-256"
	case "sha3_512":
		return "sha3-512"
	}

	return name
}

// NewHash returns a hash for the given algorithm name and its normalized name.
func NewHash(name string) (hash.Hash, string, error) {
	algo := NormalizeHashAlgorithm(name)

	newFn, ok := hashConstructors[algo]
	if !ok {
		return nil, "", fmt.Errorf("unsupported hash algorithm: %s", name)
	}

	return newFn(), algo, nil
}
