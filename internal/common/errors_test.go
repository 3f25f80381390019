package common

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusinessErrorKindSurvivesWrapping(t *testing.T) {
	base := NewInvalidStateError("request already treated")
	wrapped := fmt.Errorf("decline: %w", base)

	assert.True(t, IsKind(wrapped, KindInvalidState))
	assert.False(t, IsKind(wrapped, KindConflict))

	be, ok := AsBusinessError(wrapped)
	require.True(t, ok)
	assert.Equal(t, CodeInvalidState, be.Code)
	assert.Equal(t, "request already treated", be.Message)
}

func TestBusinessErrorDetails(t *testing.T) {
	err := NewValidationError("invalid policy").WithDetails("approvers required", "minApprovalsRequired out of range")
	assert.Equal(t, KindValidation, err.Kind)
	assert.Len(t, err.Details, 2)
	assert.Contains(t, err.Error(), "approvers required")

	resp := ErrorResponse(err)
	assert.False(t, resp.Success)
	assert.Equal(t, CodeValidation, resp.Code)
	assert.Equal(t, err.Details, resp.Details)
}

func TestPaginationDefaults(t *testing.T) {
	var p PaginationRequest
	assert.Equal(t, 1, p.GetPage())
	assert.Equal(t, 20, p.GetPageSize())
	assert.Equal(t, 0, p.GetOffset())

	p = PaginationRequest{Page: 3, PageSize: 500}
	assert.Equal(t, 100, p.GetPageSize())
	assert.Equal(t, 200, p.GetOffset())

	meta := NewPaginationMeta(1, 20, 41)
	assert.Equal(t, 3, meta.TotalPages)
}
