package querycache_test

import (
	"math"
	"strings"
	"testing"

	"github.com/illmade-knight/go-querycache/pkg/querycache"
	"github.com/stretchr/testify/assert"
)

func TestKey_HasPrefix(t *testing.T) {
	full := querycache.Key{"partidos", "usuario", 42}

	assert.True(t, full.HasPrefix(querycache.Key{"partidos"}))
	assert.True(t, full.HasPrefix(querycache.Key{"partidos", "usuario"}))
	assert.True(t, full.HasPrefix(full), "a key is a prefix of itself")
	assert.False(t, querycache.Key{"partidos"}.HasPrefix(full))
	assert.False(t, full.HasPrefix(querycache.Key{"partido"}), "prefixes are matched per segment, not per character")
	assert.False(t, full.HasPrefix(querycache.Key{}))
}

func TestKey_Equal(t *testing.T) {
	testCases := []struct {
		name  string
		a, b  querycache.Key
		equal bool
	}{
		{name: "identical strings", a: querycache.Key{"a", "b"}, b: querycache.Key{"a", "b"}, equal: true},
		{name: "numeric kinds compare by value", a: querycache.Key{"p", 42}, b: querycache.Key{"p", int64(42)}, equal: true},
		{name: "integral float equals int", a: querycache.Key{"p", 42.0}, b: querycache.Key{"p", uint8(42)}, equal: true},
		{name: "float beyond int64 equals uint64", a: querycache.Key{"p", float64(1e19)}, b: querycache.Key{"p", uint64(1e19)}, equal: true},
		{name: "max uint64 is not the nearest float", a: querycache.Key{"p", uint64(math.MaxUint64)}, b: querycache.Key{"p", float64(math.MaxUint64)}, equal: false},
		{name: "float32 rounding below int64 range", a: querycache.Key{"p", -1e19}, b: querycache.Key{"p", float32(-1e19)}, equal: false},
		{name: "two to the 63", a: querycache.Key{"p", float64(1 << 63)}, b: querycache.Key{"p", uint64(1 << 63)}, equal: true},
		{name: "string is not number", a: querycache.Key{"p", "42"}, b: querycache.Key{"p", 42}, equal: false},
		{name: "different length", a: querycache.Key{"a"}, b: querycache.Key{"a", "b"}, equal: false},
		{name: "bools", a: querycache.Key{"activo", true}, b: querycache.Key{"activo", false}, equal: false},
		{name: "separator inside a segment", a: querycache.Key{"a\x1fb"}, b: querycache.Key{"a", "b"}, equal: false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.equal, tc.a.Equal(tc.b))
		})
	}
}

func TestKey_Validate(t *testing.T) {
	assert.NoError(t, querycache.Key{"servicios"}.Validate())
	assert.NoError(t, querycache.Key{"horarios", 3.5, true, uint64(9)}.Validate())
	assert.ErrorIs(t, querycache.Key{}.Validate(), querycache.ErrInvalidKey)
	assert.ErrorIs(t, querycache.Key{math.NaN()}.Validate(), querycache.ErrInvalidKey)
	assert.ErrorIs(t, querycache.Key{map[string]int{}}.Validate(), querycache.ErrInvalidKey)
}

func TestKey_String(t *testing.T) {
	assert.Equal(t, "[partidos usuario 42]", querycache.Key{"partidos", "usuario", 42}.String())
}

func TestKey_Encode(t *testing.T) {
	parent, err := querycache.Key{"partidos"}.Encode()
	assert.NoError(t, err)
	child, err := querycache.Key{"partidos", "usuario", 42}.Encode()
	assert.NoError(t, err)
	assert.True(t, strings.HasPrefix(child, parent+querycache.SegmentSeparator))

	same, err := querycache.Key{"partidos", "usuario", int64(42)}.Encode()
	assert.NoError(t, err)
	assert.Equal(t, child, same)

	_, err = querycache.Key{}.Encode()
	assert.ErrorIs(t, err, querycache.ErrInvalidKey)
}
