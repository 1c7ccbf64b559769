// Package aesgcm implements streaming AES-GCM encryption and decryption for
// HTTP file transfers, plus the aesgcm:// URI convention used to hand key
// material to a receiver out of band.
package aesgcm

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const (
	// TagSize is the size of the GCM authentication tag appended to the ciphertext.
	TagSize = 16

	// NonceSize is the IV size produced by NewKeyData.
	NonceSize = 12

	legacyNonceSize = 16

	// Scheme is the URI scheme carrying key material in its fragment.
	Scheme = "aesgcm"
)

// ErrAuthentication is returned by Decryptor.Finalize when the tag does not verify.
var ErrAuthentication = errors.New("aes-gcm authentication failed")

// KeyData is the key and IV used for one transfer.
type KeyData struct {
	Key []byte `json:"key"`
	IV  []byte `json:"iv"`
}

// NewKeyData generates a random 256 bit key and a 96 bit IV.
func NewKeyData() (*KeyData, error) {
	kd := &KeyData{Key: make([]byte, 32), IV: make([]byte, NonceSize)}

	if _, err := rand.Read(kd.Key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	if _, err := rand.Read(kd.IV); err != nil {
		return nil, fmt.Errorf("failed to generate iv: %w", err)
	}

	return kd, nil
}

// Validate checks key and IV sizes.
func (kd *KeyData) Validate() error {
	switch len(kd.Key) {
	case 16, 32:
	default:
		return fmt.Errorf("invalid key size %d", len(kd.Key))
	}

	switch len(kd.IV) {
	case NonceSize, legacyNonceSize:
	default:
		return fmt.Errorf("invalid iv size %d", len(kd.IV))
	}

	return nil
}

// Fragment returns the hex encoded IV followed by the key.
func (kd *KeyData) Fragment() string {
	return hex.EncodeToString(kd.IV) + hex.EncodeToString(kd.Key)
}

// URL turns an https URL into the aesgcm:// form carrying this key data.
func (kd *KeyData) URL(httpsURL string) (string, error) {
	u, err := url.Parse(httpsURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse url: %w", err)
	}

	u.Scheme = Scheme
	u.Fragment = kd.Fragment()

	return u.String(), nil
}

// ParseFragment decodes a hex IV||KEY fragment. A 32 byte key is assumed when
// the length allows it, otherwise a 16 byte key.
func ParseFragment(fragment string) (*KeyData, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(fragment))
	if err != nil {
		return nil, fmt.Errorf("failed to decode key fragment: %w", err)
	}

	var kd *KeyData

	switch len(raw) {
	case NonceSize + 32, legacyNonceSize + 32:
		kd = &KeyData{IV: raw[:len(raw)-32], Key: raw[len(raw)-32:]}
	case NonceSize + 16:
		kd = &KeyData{IV: raw[:NonceSize], Key: raw[NonceSize:]}
	default:
		return nil, fmt.Errorf("invalid key fragment length %d", len(raw))
	}

	return kd, kd.Validate()
}

// ParseURL strips key material from an aesgcm:// URL. The returned URL uses
// https and has no fragment. For any other scheme the URL is returned as is
// and the key data is nil.
func ParseURL(raw string) (string, *KeyData, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", nil, fmt.Errorf("failed to parse url: %w", err)
	}

	if u.Scheme != Scheme {
		return raw, nil, nil
	}

	kd, err := ParseFragment(u.Fragment)
	if err != nil {
		return "", nil, err
	}

	u.Scheme = "https"
	u.Fragment = ""
	u.RawFragment = ""

	return u.String(), kd, nil
}

func newAEAD(kd *KeyData) (cipher.AEAD, cipher.Block, error) {
	if err := kd.Validate(); err != nil {
		return nil, nil, err
	}

	block, err := aes.NewCipher(kd.Key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCMWithNonceSize(block, len(kd.IV))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create gcm: %w", err)
	}

	return aead, block, nil
}
