package crypto

import "encoding/binary"

// field128 is a 128-bit GF(2^128) element in big-endian word order.
type field128 struct {
	hi, lo uint64
}

func (f *field128) xorBytes(b []byte) {
	f.hi ^= binary.BigEndian.Uint64(b[0:8])
	f.lo ^= binary.BigEndian.Uint64(b[8:16])
}

// gfMul multiplies x by y in GF(2^128) using the GCM polynomial
// x^128 + x^7 + x^2 + x + 1 with the bit-reflected representation from
// NIST SP 800-38D, Algorithm 1.
func gfMul(x, y field128) field128 {
	const r = uint64(0xe100000000000000)

	var z field128
	v := y
	for i := 0; i < 128; i++ {
		var bit uint64
		if i < 64 {
			bit = (x.hi >> (63 - i)) & 1
		} else {
			bit = (x.lo >> (127 - i)) & 1
		}
		if bit == 1 {
			z.hi ^= v.hi
			z.lo ^= v.lo
		}

		lsb := v.lo & 1
		v.lo = v.lo>>1 | v.hi<<63
		v.hi >>= 1
		if lsb == 1 {
			v.hi ^= r
		}
	}
	return z
}

// ghash incrementally computes GHASH_H over a byte stream. Input is
// buffered into 16-byte blocks; the final partial block is zero-padded
// and the bit-length block appended at finalization, per SP 800-38D.
type ghash struct {
	h   field128
	y   field128
	buf [16]byte
	n   int
}

func newGHASH(h []byte) *ghash {
	return &ghash{h: field128{
		hi: binary.BigEndian.Uint64(h[0:8]),
		lo: binary.BigEndian.Uint64(h[8:16]),
	}}
}

func (g *ghash) block(b []byte) {
	g.y.xorBytes(b)
	g.y = gfMul(g.y, g.h)
}

func (g *ghash) update(p []byte) {
	if g.n > 0 {
		n := copy(g.buf[g.n:], p)
		g.n += n
		p = p[n:]
		if g.n < 16 {
			return
		}
		g.block(g.buf[:])
		g.n = 0
	}
	for len(p) >= 16 {
		g.block(p[:16])
		p = p[16:]
	}
	if len(p) > 0 {
		g.n = copy(g.buf[:], p)
	}
}

// finalize pads the trailing partial block and folds in the AAD and
// ciphertext bit lengths, returning the 16-byte GHASH output.
func (g *ghash) finalize(aadLen, textLen uint64) [16]byte {
	if g.n > 0 {
		for i := g.n; i < 16; i++ {
			g.buf[i] = 0
		}
		g.block(g.buf[:])
		g.n = 0
	}

	var lens [16]byte
	binary.BigEndian.PutUint64(lens[0:8], aadLen*8)
	binary.BigEndian.PutUint64(lens[8:16], textLen*8)
	g.block(lens[:])

	var out [16]byte
	binary.BigEndian.PutUint64(out[0:8], g.y.hi)
	binary.BigEndian.PutUint64(out[8:16], g.y.lo)
	return out
}
