package custom_errors

import (
	"errors"
	"github.com/stretchr/testify/assert"
	"testing"
)

func TestValidationError_Empty(t *testing.T) {
	v := &ValidationError{}
	assert.False(t, v.HasError())
	assert.Equal(t, "", v.Error())
}

func TestValidationError_Add(t *testing.T) {
	v := &ValidationError{}
	first := errors.New("batch size must be positive")
	v.Add(first)
	v.Add(nil)
	v.Add(errors.New("category is required"))

	assert.True(t, v.HasError())
	assert.Len(t, v.Errors, 2)
	assert.Contains(t, v.Error(), "batch size must be positive")
	assert.Contains(t, v.Error(), "category is required")
	assert.ErrorIs(t, v, first)
}
