package pokedex

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestName(t *testing.T) {
	assert.Equal(t, 151, Count())
	assert.Equal(t, "Bulbasaur", Name(1))
	assert.Equal(t, "Ditto", Name(132))
	assert.Equal(t, "Mew", Name(151))
	assert.Equal(t, Unknown, Name(0))
	assert.Equal(t, Unknown, Name(152))
}

func TestLookup(t *testing.T) {
	cases := map[string]int{
		"ditto":     132,
		" DITTO ":   132,
		"mr mime":   122,
		"Mr. Mime":  122,
		"farfetchd": 83,
		"nidoran♀":  29,
		"NidoranM":  32,
		"25":        25,
	}
	for in, want := range cases {
		got, ok := Lookup(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}

	for _, in := range []string{"", "missingno", "0", "152"} {
		_, ok := Lookup(in)
		assert.False(t, ok, in)
	}
}
