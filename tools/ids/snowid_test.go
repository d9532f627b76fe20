package ids

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratorUnique(t *testing.T) {
	g := NewGenerator(7)
	seen := make(map[int64]struct{}, 10000)
	for i := 0; i < 10000; i++ {
		id := g.Next()
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %d", id)
		seen[id] = struct{}{}
	}
}

func TestGeneratorMonotonic(t *testing.T) {
	g := NewGenerator(1)
	prev := g.Next()
	for i := 0; i < 1000; i++ {
		id := g.Next()
		assert.Greater(t, id, prev)
		prev = id
	}
}

func TestWorkerIDClamped(t *testing.T) {
	g := NewGenerator(5000)
	assert.Equal(t, int64(1), g.workerID)
}

func TestGenerateString(t *testing.T) {
	assert.NotEmpty(t, GenerateString())
}
