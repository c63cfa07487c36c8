package bitops

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFindFirstSet(t *testing.T) {
	for _, tc := range [...]struct {
		name  string
		value uint32
		want  int
	}{
		{`zero`, 0, 0},
		{`bit 0`, 1, 1},
		{`bit 1`, 2, 2},
		{`bits 3 and 7`, 1<<3 | 1<<7, 4},
		{`bit 31`, 1 << 31, 32},
		{`all`, ^uint32(0), 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, FindFirstSet(tc.value))
		})
	}
}

func TestFindFirstSet_widths(t *testing.T) {
	assert.Equal(t, 8, FindFirstSet(uint8(0x80)))
	assert.Equal(t, 64, FindFirstSet(uint64(1)<<63))
	assert.Equal(t, 17, FindFirstSet(uint(1)<<16))
}
