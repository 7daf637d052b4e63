package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSequentialIDs(t *testing.T) {
	gen := NewSequentialIDs("dec")
	assert.Equal(t, "dec-0001", gen.Generate())
	assert.Equal(t, "dec-0002", gen.Generate())

	assert.Equal(t, "id-0001", NewSequentialIDs("").Generate())
}

func TestFixedIDs(t *testing.T) {
	gen := NewFixedIDs("a", "b")
	assert.Equal(t, "a", gen.Generate())
	assert.Equal(t, "b", gen.Generate())
	assert.Panics(t, func() { gen.Generate() })
}
