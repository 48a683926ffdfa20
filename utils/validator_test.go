package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateStruct(t *testing.T) {
	type runRequest struct {
		JobID uint `validate:"required"`
	}

	assert.NoError(t, ValidateStruct(runRequest{JobID: 7}))

	err := ValidateStruct(runRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jobid is required")
}
