package nbuild

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashCommandIsStable(t *testing.T) {
	t.Parallel()
	// Every length class of the hash: empty, short, medium and the
	// 48 byte block loop.
	inputs := []string{
		"",
		"cc",
		"cc -c a.c",
		"cc -O3 -c -Iinclude -o build/obj/a.o a.c",
		strings.Repeat("clang++ -std=c++17 ", 10),
	}
	seen := make(map[uint64]string)
	for _, in := range inputs {
		h := HashCommand(in)
		assert.Equal(t, h, HashCommand(in), "hash of %q changed between calls", in)
		if prev, ok := seen[h]; ok {
			t.Fatalf("%q and %q collide", prev, in)
		}
		seen[h] = in
	}
}

func TestHashCommandSeesEveryByte(t *testing.T) {
	t.Parallel()
	base := []byte(strings.Repeat("x", 100))
	h := HashCommand(string(base))
	for _, i := range []int{0, 15, 47, 48, 83, 99} {
		changed := append([]byte(nil), base...)
		changed[i] = 'y'
		assert.NotEqual(t, h, HashCommand(string(changed)), "byte %d ignored", i)
	}
}
