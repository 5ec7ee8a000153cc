package reactorerrors

import (
	"errors"
	"io"
	"testing"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestKindMatching(t *testing.T) {
	assert := assert.New(t)

	err := ErrInvalidInterestOps.WithMsg("ops=%d", 4)
	assert.True(errors.Is(err, ErrInvalidInterestOps))
	assert.False(errors.Is(err, ErrDuplicateRegistration))
	assert.Equal(KindInvalidInterestOps, GetKind(err))

	// selector closed and selector failure share a kind
	assert.True(errors.Is(ErrSelectorClosed, ErrSelectorFailure))
}

func TestWithErrKeepsSentinel(t *testing.T) {
	assert := assert.New(t)

	err := ErrInvalidResourceState.WithErr(io.EOF)
	assert.True(errors.Is(err, io.EOF))
	assert.True(errors.Is(err, ErrInvalidResourceState))
	assert.Nil(ErrInvalidResourceState.Unwrap())
	assert.Equal("[invalid_resource_state] invalid resource state => EOF", err.Error())
}

func TestGetKindThroughWrap(t *testing.T) {
	err := pkgerrors.Wrap(ErrLockFailure, "lock 7")
	if k := GetKind(err); k != KindLockFailure {
		t.Fatalf("expected lock failure kind, got %s", k)
	}
	if k := GetKind(io.EOF); k != KindUnknown {
		t.Fatalf("expected unknown kind, got %s", k)
	}
}
