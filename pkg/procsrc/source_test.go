//go:build linux

package procsrc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseMapsLine(t *testing.T) {
	cases := []struct {
		line string
		want MappedRegion
		ok   bool
	}{
		{
			line: "7f135146b000-7f135147a000 r--p 00000000 fd:00 268743 /usr/lib/x86_64-linux-gnu/libm-2.31.so",
			want: MappedRegion{Path: "/usr/lib/x86_64-linux-gnu/libm-2.31.so", Offset: 0, Length: 0x7f135147a000 - 0x7f135146b000},
			ok:   true,
		},
		{
			line: "7f135147a000-7f1351521000 r-xp 0000f000 fd:00 268743 /usr/lib/x86_64-linux-gnu/libm-2.31.so",
			want: MappedRegion{Path: "/usr/lib/x86_64-linux-gnu/libm-2.31.so", Offset: 0xf000, Length: 0x7f1351521000 - 0x7f135147a000},
			ok:   true,
		},
		{
			// Anonymous mapping: inode 0, must be rejected.
			line: "7ffd6b9c5000-7ffd6b9e6000 rw-p 00000000 00:00 0 [stack]",
			ok:   false,
		},
		{
			line: "7ffd6b9c5000-7ffd6b9e6000 rw-p 00000000 00:00 0",
			ok:   false,
		},
		{
			line: "not a valid line",
			ok:   false,
		},
	}

	for _, tc := range cases {
		got, ok := parseMapsLine(tc.line)
		assert.Equal(t, tc.ok, ok, tc.line)
		if tc.ok {
			assert.Equal(t, tc.want, got, tc.line)
		}
	}
}
