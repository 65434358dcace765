package engine

import (
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMatchesCode(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewError("put", CodeMapFull, 0))

	assert.ErrorIs(t, err, CodeMapFull)
	assert.NotErrorIs(t, err, CodeTxnFull)

	var e *Error
	if assert.ErrorAs(t, err, &e) {
		assert.Equal(t, "put", e.Op)
		assert.Equal(t, CodeMapFull, e.Code)
	}
	var code Code
	assert.True(t, errors.As(err, &code))
	assert.Equal(t, CodeMapFull, code)
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t, "engine: put: map full", NewError("put", CodeMapFull, 0).Error())
	assert.Equal(t, "engine: get: unknown (errno 12345)", NewError("get", CodeUnknown, 12345).Error())
	assert.Equal(t, "code(999)", Code(999).String())
	assert.Equal(t, "engine: readers full", CodeReadersFull.Error())
	assert.NotContains(t, NewError("put", CodeBadValSize, 0).Error(), "engine: engine")
	assert.Equal(t, "tablekv: names: engine: put: bad key or value size",
		fmt.Errorf("tablekv: names: %w", NewError("put", CodeBadValSize, 0)).Error())

	for c := CodeUnknown; c < codeMax; c++ {
		assert.NotEmpty(t, codeNames[c], "code %d has no name", int(c))
	}
}

func TestFromErrno(t *testing.T) {
	tests := []struct {
		phase Status
		errno syscall.Errno
		want  Code
	}{
		{StatusOpen, syscall.ENOENT, CodeDirMissing},
		{StatusOpen, syscall.EACCES, CodeNoAccess},
		{StatusOpen, syscall.EROFS, CodeNoAccess},
		{StatusOpen, syscall.EAGAIN, CodeLocked},
		{StatusOpen, syscall.EINVAL, CodeInvalidParameter},
		{StatusOpen, syscall.EEXIST, CodeCreateFailed},
		{StatusBegin, syscall.ENOMEM, CodeOutOfMemory},
		{StatusBegin, syscall.EIO, CodeUnknown},
		{StatusWrite, syscall.EACCES, CodeTxnReadOnly},
		{StatusWrite, syscall.EINVAL, CodeInvalidParameter},
		{StatusCommit, syscall.EINVAL, CodeInvalid},
		{StatusCommit, syscall.ENOSPC, CodeNoDiskSpace},
		{StatusCommit, syscall.EIO, CodeIO},
		{StatusCommit, syscall.ENOMEM, CodeOutOfMemory},
		{StatusRead, syscall.EINVAL, CodeInvalidParameter},
		{StatusRead, syscall.EIO, CodeUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FromErrno(tt.phase, tt.errno), "phase %d errno %v", tt.phase, tt.errno)
	}
}

func TestFlags(t *testing.T) {
	f := Create | IntegerKey
	assert.True(t, f.Has(IntegerKey))
	assert.True(t, f.Has(Create|IntegerKey))
	assert.False(t, f.Has(DupSort))
	assert.Equal(t, IntegerKey, f.Persistent())
	assert.Equal(t, "set-range", OpSetRange.String())
	assert.Equal(t, "unknown", CursorOp(99).String())
}
