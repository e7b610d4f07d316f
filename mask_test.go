package websock

import (
	"encoding/binary"
	"math/bits"
	"strconv"
	"testing"

	"github.com/gobwas/ws"

	"oxtail.dev/websock/internal/test/assert"
	"oxtail.dev/websock/internal/test/xrand"
)

func Test_mask(t *testing.T) {
	t.Parallel()

	key := []byte{0xa, 0xb, 0xc, 0xff}
	key32 := binary.LittleEndian.Uint32(key)
	p := []byte{0xa, 0xb, 0xc, 0xf2, 0xc}
	gotKey32 := mask(key32, p)

	expP := []byte{0, 0, 0, 0x0d, 0x6}
	assert.Equal(t, "p", expP, p)

	expKey32 := bits.RotateLeft32(key32, -8)
	assert.Equal(t, "key32", expKey32, gotKey32)
}

func TestMaskInvolution(t *testing.T) {
	t.Parallel()

	for _, n := range []int{1, 3, 4, 7, 8, 63, 64, 65, 4096} {
		n := n
		t.Run(strconv.Itoa(n), func(t *testing.T) {
			t.Parallel()

			key := newMaskKey()
			p := xrand.Bytes(n)
			exp := append([]byte(nil), p...)

			mask(key, p)
			mask(key, p)
			assert.Equal(t, "payload", exp, p)
		})
	}
}

// The masking algorithm must agree with gobwas/ws.Cipher.
func TestMaskAgainstGobwas(t *testing.T) {
	t.Parallel()

	var key [4]byte
	copy(key[:], xrand.Bytes(4))
	p := xrand.Bytes(777)

	exp := append([]byte(nil), p...)
	ws.Cipher(exp, key, 0)

	got := append([]byte(nil), p...)
	mask(binary.LittleEndian.Uint32(key[:]), got)

	assert.Equal(t, "masked payload", exp, got)
}

func basicMask(maskKey [4]byte, pos int, b []byte) int {
	for i := range b {
		b[i] ^= maskKey[pos&3]
		pos++
	}
	return pos & 3
}

func Benchmark_mask(b *testing.B) {
	sizes := []int{
		2,
		16,
		32,
		512,
		4096,
		16384,
	}

	fns := []struct {
		name string
		fn   func(b *testing.B, key [4]byte, p []byte)
	}{
		{
			name: "basic",
			fn: func(b *testing.B, key [4]byte, p []byte) {
				for i := 0; i < b.N; i++ {
					basicMask(key, 0, p)
				}
			},
		},
		{
			name: "websock",
			fn: func(b *testing.B, key [4]byte, p []byte) {
				key32 := binary.LittleEndian.Uint32(key[:])
				b.ResetTimer()

				for i := 0; i < b.N; i++ {
					mask(key32, p)
				}
			},
		},
		{
			name: "gobwas",
			fn: func(b *testing.B, key [4]byte, p []byte) {
				for i := 0; i < b.N; i++ {
					ws.Cipher(p, key, 0)
				}
			},
		},
	}

	key := [4]byte{1, 2, 3, 4}

	for _, size := range sizes {
		p := make([]byte, size)

		b.Run(strconv.Itoa(size), func(b *testing.B) {
			for _, fn := range fns {
				b.Run(fn.name, func(b *testing.B) {
					b.SetBytes(int64(size))

					fn.fn(b, key, p)
				})
			}
		})
	}
}
