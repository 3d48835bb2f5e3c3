package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_WarningsDoNotBlock(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("steps[1].expected_duration", ErrCodeValidation, "no expected duration")

	assert.True(t, r.Valid())
	assert.Nil(t, r.ToError())
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, SeverityWarning, r.Warnings[0].Severity)
}

func TestValidationResult_MergeCollectsBoth(t *testing.T) {
	r1 := &ValidationResult{}
	r1.AddError("steps[0].id", ErrCodeValidation, "duplicate step id")

	r2 := &ValidationResult{}
	r2.AddError("steps[2].action", ErrCodeConfiguration, "unknown action kind")
	r2.AddWarning("steps[2].assignee", ErrCodeValidation, "empty rule")

	r1.Merge(r2)
	r1.Merge(nil)

	assert.Len(t, r1.Errors, 2)
	assert.Len(t, r1.Warnings, 1)
}

func TestValidationResult_ToError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("steps[0].action", ErrCodeConfiguration, "unknown action kind \"fax.send\"")

	err := r.ToError()
	require.Error(t, err)
	se, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, ErrCodeValidation, se.Code)
	assert.Contains(t, se.Message, "steps[0].action")
	assert.Equal(t, 1, se.Details["error_count"])

	r.AddError("steps[1].id", ErrCodeValidation, "missing id")
	se, _ = AsError(r.ToError())
	assert.Contains(t, se.Message, "2 errors")
}
