package common

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestErrorMatchesByCode(t *testing.T) {
	err := &Error{Code: ErrCodeConnectionClosed, Message: "whatever"}
	assert.True(t, errors.Is(err, ErrConnectionClosed))
	assert.False(t, errors.Is(err, ErrChannelClosed))
}

func TestSystemErrorCarriesErrno(t *testing.T) {
	err := NewSystemError("process_vm_readv", unix.EPERM)
	assert.Equal(t, ErrCodeSystem, err.Code)
	assert.Contains(t, err.Message, "process_vm_readv")
	assert.Contains(t, err.Message, "errno 1")
}

func TestShortReadError(t *testing.T) {
	err := NewShortReadError(4096, 1024)
	assert.Equal(t, ErrCodeShortRead, err.Code)
	assert.Contains(t, err.Error(), "4096")
	assert.Contains(t, err.Error(), "1024")
}
