package core_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkflow/inkflow/engine/core"
)

func TestID(t *testing.T) {
	t.Run("Should generate distinct well-formed IDs", func(t *testing.T) {
		a, err := core.NewID()
		require.NoError(t, err)
		b, err := core.NewID()
		require.NoError(t, err)
		assert.NotEqual(t, a, b)
		assert.False(t, a.IsZero())

		parsed, err := core.ParseID(a.String())
		require.NoError(t, err)
		assert.Equal(t, a, parsed)
	})
	t.Run("Should reject malformed IDs", func(t *testing.T) {
		_, err := core.ParseID("not-a-ksuid")
		assert.Error(t, err)
	})
	t.Run("Should treat the empty ID as zero", func(t *testing.T) {
		assert.True(t, core.ID("").IsZero())
	})
}
