package core_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/inkflow/inkflow/engine/core"
)

func TestResult(t *testing.T) {
	t.Run("Should carry data on success", func(t *testing.T) {
		res := core.Ok(map[string]string{"id": "abc"})
		assert.True(t, res.Success)
		assert.Empty(t, res.ErrorKind)
	})
	t.Run("Should preserve the error code and details on failure", func(t *testing.T) {
		base := core.NewError(errors.New("signer out of turn"),
			core.ErrCodeOrderViolation, map[string]any{"email": "a@example.com"})
		res := core.Fail(fmt.Errorf("signing: %w", base))
		assert.False(t, res.Success)
		assert.Equal(t, core.ErrCodeOrderViolation, res.ErrorKind)
		assert.Equal(t, "a@example.com", res.Details["email"])
	})
	t.Run("Should default unclassified errors to internal", func(t *testing.T) {
		res := core.Fail(errors.New("boom"))
		assert.Equal(t, core.ErrCodeInternal, res.ErrorKind)
		assert.Nil(t, res.Details)
	})
}
