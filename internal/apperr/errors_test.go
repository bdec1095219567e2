package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfWrapped(t *testing.T) {
	base := Conflict("refund already decided")
	wrapped := fmt.Errorf("failed to decide refund: %w", base)

	assert.Equal(t, KindConflict, KindOf(wrapped))
	assert.True(t, Is(wrapped, KindConflict))
	assert.False(t, Is(wrapped, KindValidation))
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
}

func TestExternalTransient(t *testing.T) {
	cause := errors.New("connection reset")
	err := External(cause, true, "payout gateway unavailable")

	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "payout gateway unavailable: connection reset", err.Error())
	assert.False(t, IsTransient(External(cause, false, "rejected")))
}
