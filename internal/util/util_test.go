package util_test

import (
	"objcache/internal/util"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_IsZero(t *testing.T) {
	buf := make([]byte, 0x1000)
	assert.True(t, util.IsZero(buf))

	buf[0xfff] = 1
	assert.False(t, util.IsZero(buf))

	buf[0xfff] = 0
	buf[3] = 0x80
	assert.False(t, util.IsZero(buf))

	// odd tail
	assert.True(t, util.IsZero(make([]byte, 13)))
	odd := make([]byte, 13)
	odd[12] = 1
	assert.False(t, util.IsZero(odd))
}

func Test_HexDump(t *testing.T) {
	buf := make([]byte, 64)
	buf[0] = 0xab
	buf[1] = 0xcd
	s := util.HexDump(buf, 64)
	assert.True(t, strings.Contains(s, "abcd"))
	assert.Equal(t, 3, strings.Count(s, "\n"))
}
