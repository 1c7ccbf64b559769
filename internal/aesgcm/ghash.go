package aesgcm

import "encoding/binary"

// ghash is an incremental GHASH over the ciphertext only (no associated data).
// Input that does not fill a block is kept until more data arrives or sum is
// called, where it is zero padded.
type ghash struct {
	h       fieldElement
	y       fieldElement
	partial [16]byte
	n       int
	length  uint64
}

type fieldElement struct {
	hi, lo uint64
}

func newGHASH(h []byte) *ghash {
	return &ghash{h: loadElement(h)}
}

func loadElement(b []byte) fieldElement {
	return fieldElement{hi: binary.BigEndian.Uint64(b[:8]), lo: binary.BigEndian.Uint64(b[8:16])}
}

func (e fieldElement) bytes() [16]byte {
	var out [16]byte

	binary.BigEndian.PutUint64(out[:8], e.hi)
	binary.BigEndian.PutUint64(out[8:], e.lo)

	return out
}

// mul multiplies two elements of GF(2^128) using the bit reflected
// convention of NIST SP 800-38D, algorithm 1.
func mul(x, y fieldElement) fieldElement {
	var z fieldElement

	v := y

	for i := 0; i < 128; i++ {
		var bit uint64
		if i < 64 {
			bit = (x.hi >> (63 - i)) & 1
		} else {
			bit = (x.lo >> (127 - i)) & 1
		}

		mask := -bit
		z.hi ^= v.hi & mask
		z.lo ^= v.lo & mask

		lsb := v.lo & 1
		v.lo = v.lo>>1 | v.hi<<63
		v.hi >>= 1
		v.hi ^= 0xe100000000000000 & -lsb
	}

	return z
}

func (g *ghash) block(b []byte) {
	in := loadElement(b)
	g.y.hi ^= in.hi
	g.y.lo ^= in.lo
	g.y = mul(g.y, g.h)
}

func (g *ghash) write(p []byte) {
	g.length += uint64(len(p))

	if g.n > 0 {
		c := copy(g.partial[g.n:], p)
		g.n += c
		p = p[c:]

		if g.n < 16 {
			return
		}

		g.block(g.partial[:])
		g.n = 0
	}

	for len(p) >= 16 {
		g.block(p[:16])
		p = p[16:]
	}

	if len(p) > 0 {
		g.n = copy(g.partial[:], p)
	}
}

// sum pads any pending input, absorbs the length block and returns the hash.
// aadBits is the associated data length in bits.
func (g *ghash) sum(aadBits uint64) [16]byte {
	if g.n > 0 {
		clear(g.partial[g.n:])
		g.block(g.partial[:])
		g.n = 0
	}

	var lengths [16]byte

	binary.BigEndian.PutUint64(lengths[:8], aadBits)
	binary.BigEndian.PutUint64(lengths[8:], g.length*8)
	g.block(lengths[:])

	return g.y.bytes()
}
