package aesgcm

import (
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"errors"
)

// ErrFinalized is returned when a codec is used after Finalize.
var ErrFinalized = errors.New("codec already finalized")

// Codec is the streaming interface shared by the encryptor, the decryptor and
// the identity codec. Update may return less output than input; Finalize
// returns whatever is left and must be called exactly once.
type Codec interface {
	Update(chunk []byte) ([]byte, error)
	Finalize() ([]byte, error)
}

// gcmState is the CTR keystream and GHASH shared by both directions.
type gcmState struct {
	block     cipher.Block
	hash      *ghash
	tagMask   [16]byte
	counter   [16]byte
	keystream [16]byte
	used      int
	finalized bool
}

func newState(kd *KeyData) (*gcmState, error) {
	_, block, err := newAEAD(kd)
	if err != nil {
		return nil, err
	}

	var h [16]byte

	block.Encrypt(h[:], h[:])

	s := &gcmState{block: block, hash: newGHASH(h[:]), used: 16}

	var j0 [16]byte

	if len(kd.IV) == NonceSize {
		copy(j0[:], kd.IV)
		j0[15] = 1
	} else {
		ivHash := newGHASH(h[:])
		ivHash.write(kd.IV)
		j0 = ivHash.sum(0)
	}

	block.Encrypt(s.tagMask[:], j0[:])

	s.counter = j0
	s.incr()

	return s, nil
}

// incr increments the rightmost 32 bits of the counter block.
func (s *gcmState) incr() {
	c := binary.BigEndian.Uint32(s.counter[12:])
	binary.BigEndian.PutUint32(s.counter[12:], c+1)
}

func (s *gcmState) xorKeyStream(dst, src []byte) {
	for len(src) > 0 {
		if s.used == 16 {
			s.block.Encrypt(s.keystream[:], s.counter[:])
			s.incr()
			s.used = 0
		}

		n := subtle.XORBytes(dst, src, s.keystream[s.used:])
		s.used += n
		dst = dst[n:]
		src = src[n:]
	}
}

func (s *gcmState) tag() []byte {
	sum := s.hash.sum(0)
	out := make([]byte, TagSize)
	subtle.XORBytes(out, sum[:], s.tagMask[:])

	return out
}

// Encryptor encrypts a plaintext stream and appends the tag on Finalize.
type Encryptor struct {
	state *gcmState
}

// NewEncryptor returns an Encryptor for the given key data.
func NewEncryptor(kd *KeyData) (*Encryptor, error) {
	s, err := newState(kd)
	if err != nil {
		return nil, err
	}

	return &Encryptor{state: s}, nil
}

// Update returns the ciphertext for chunk.
func (e *Encryptor) Update(chunk []byte) ([]byte, error) {
	if e.state.finalized {
		return nil, ErrFinalized
	}

	out := make([]byte, len(chunk))
	e.state.xorKeyStream(out, chunk)
	e.state.hash.write(out)

	return out, nil
}

// Finalize returns the 16 byte authentication tag.
func (e *Encryptor) Finalize() ([]byte, error) {
	if e.state.finalized {
		return nil, ErrFinalized
	}

	e.state.finalized = true

	return e.state.tag(), nil
}

// Decryptor decrypts a ciphertext stream whose last 16 bytes are the tag.
// Because the end of the stream is unknown until Finalize, the trailing 16
// bytes seen so far are always held back.
type Decryptor struct {
	state *gcmState
	carry []byte
}

// NewDecryptor returns a Decryptor for the given key data.
func NewDecryptor(kd *KeyData) (*Decryptor, error) {
	s, err := newState(kd)
	if err != nil {
		return nil, err
	}

	return &Decryptor{state: s, carry: make([]byte, 0, TagSize)}, nil
}

// Update returns the plaintext for everything received so far except the
// last 16 bytes. The returned plaintext is not authenticated until Finalize
// succeeds.
func (d *Decryptor) Update(chunk []byte) ([]byte, error) {
	if d.state.finalized {
		return nil, ErrFinalized
	}

	buf := append(d.carry, chunk...)
	if len(buf) <= TagSize {
		d.carry = buf

		return nil, nil
	}

	body := buf[:len(buf)-TagSize]
	d.state.hash.write(body)

	out := make([]byte, len(body))
	d.state.xorKeyStream(out, body)

	d.carry = append(make([]byte, 0, TagSize), buf[len(buf)-TagSize:]...)

	return out, nil
}

// Finalize verifies the held back tag. It returns ErrAuthentication if the
// stream was truncated, tampered with or encrypted under another key.
func (d *Decryptor) Finalize() ([]byte, error) {
	if d.state.finalized {
		return nil, ErrFinalized
	}

	d.state.finalized = true

	if len(d.carry) != TagSize {
		return nil, ErrAuthentication
	}

	if subtle.ConstantTimeCompare(d.state.tag(), d.carry) != 1 {
		return nil, ErrAuthentication
	}

	return nil, nil
}

// Identity passes data through unchanged. It is selected when no key
// material is supplied.
type Identity struct{}

func (Identity) Update(chunk []byte) ([]byte, error) { return chunk, nil }

func (Identity) Finalize() ([]byte, error) { return nil, nil }

// NewDecryptCodec returns a Decryptor, or Identity when kd is nil.
func NewDecryptCodec(kd *KeyData) (Codec, error) {
	if kd == nil {
		return Identity{}, nil
	}

	return NewDecryptor(kd)
}

// NewEncryptCodec returns an Encryptor, or Identity when kd is nil.
func NewEncryptCodec(kd *KeyData) (Codec, error) {
	if kd == nil {
		return Identity{}, nil
	}

	return NewEncryptor(kd)
}
