package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKindMatching(t *testing.T) {
	err := fmt.Errorf("navigate: %w", Errorf(KindInvalidURL, "navigate", "bad url %q", "nope"))

	assert.True(t, IsKind(err, KindInvalidURL))
	assert.False(t, IsKind(err, KindRPCTimeout))
	assert.True(t, errors.Is(err, ErrInvalidURL))
	assert.False(t, errors.Is(err, ErrRPCTimeout))

	kind, ok := KindOf(err)
	assert.True(t, ok)
	assert.Equal(t, KindInvalidURL, kind)
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("network down")
	err := NewError(KindTransportFailure, "fetch", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "fetch: TransportFailure: network down", err.Error())
}

func TestKindOfPlainError(t *testing.T) {
	_, ok := KindOf(errors.New("plain"))
	assert.False(t, ok)
}
