package apperr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	err := New("store.Get", KindNotFound, ErrNotFound)
	assert.Contains(t, err.Error(), "store.Get")
	assert.Contains(t, err.Error(), "not_found")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSubKindPredicates(t *testing.T) {
	err := NewSub("sandbox.Run", KindSandbox, SubTimeout, errors.New("deadline exceeded"))
	assert.True(t, IsSandbox(err))
	assert.True(t, IsSandboxTimeout(err))
	assert.False(t, IsSandboxOutOfMemory(err))
}

func TestWrappedKindSurvivesFmtWrap(t *testing.T) {
	inner := New("store.Create", KindConflict, ErrConflict)
	outer := errors.New("wrapped: " + inner.Error())
	assert.False(t, IsConflict(outer))
	assert.True(t, IsConflict(inner))
}
