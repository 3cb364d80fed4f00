package nbuild

import (
	"encoding/binary"

	"lukechampine.com/uint128"
)

// rapidhash, used for command line hashes in the build log.

const rapidSeed uint64 = 0xbdd89aa982704029

var rapidSecret = [3]uint64{0x2d358dccaa6c78a5, 0x8bb84b93962eacc9, 0x4b33a62ed433d4a3}

// rapidMum is the 64x64 -> 128 bit multiply; a and b get the low and high halves.
func rapidMum(a, b uint64) (uint64, uint64) {
	r := uint128.From64(a).Mul64(b)
	return r.Lo, r.Hi
}

func rapidMix(a, b uint64) uint64 {
	lo, hi := rapidMum(a, b)
	return lo ^ hi
}

func rapidRead64(p []byte) uint64 { return binary.LittleEndian.Uint64(p) }
func rapidRead32(p []byte) uint64 { return uint64(binary.LittleEndian.Uint32(p)) }

func rapidReadSmall(p []byte, k int) uint64 {
	return uint64(p[0])<<56 | uint64(p[k>>1])<<32 | uint64(p[k-1])
}

func rapidhash(key []byte, seed uint64) uint64 {
	n := len(key)
	p := key
	secret := rapidSecret
	seed ^= rapidMix(seed^secret[0], secret[1]) ^ uint64(n)
	var a, b uint64
	if n <= 16 {
		switch {
		case n >= 4:
			plast := n - 4
			a = rapidRead32(p)<<32 | rapidRead32(p[plast:])
			delta := (n & 24) >> (n >> 3)
			b = rapidRead32(p[delta:])<<32 | rapidRead32(p[plast-delta:])
		case n > 0:
			a = rapidReadSmall(p, n)
		}
	} else {
		i := n
		if i > 48 {
			see1, see2 := seed, seed
			for i >= 48 {
				seed = rapidMix(rapidRead64(p)^secret[0], rapidRead64(p[8:])^seed)
				see1 = rapidMix(rapidRead64(p[16:])^secret[1], rapidRead64(p[24:])^see1)
				see2 = rapidMix(rapidRead64(p[32:])^secret[2], rapidRead64(p[40:])^see2)
				p = p[48:]
				i -= 48
			}
			seed ^= see1 ^ see2
		}
		if i > 16 {
			seed = rapidMix(rapidRead64(p)^secret[2], rapidRead64(p[8:])^seed^secret[1])
			if i > 32 {
				seed = rapidMix(rapidRead64(p[16:])^secret[2], rapidRead64(p[24:])^seed)
			}
		}
		// The tail reads may reach back into bytes already consumed.
		tail := key[n-16:]
		a = rapidRead64(tail)
		b = rapidRead64(tail[8:])
	}
	a ^= secret[1]
	b ^= seed
	a, b = rapidMum(a, b)
	return rapidMix(a^secret[0]^uint64(n), b^secret[1])
}

// HashCommand hashes a command line.
func HashCommand(command string) uint64 {
	return rapidhash([]byte(command), rapidSeed)
}
