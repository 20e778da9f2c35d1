package engineerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationErrorMessage(t *testing.T) {
	err := &ValidationError{Field: "path", Reason: "must be an existing directory"}
	assert.Equal(t, "validation: path: must be an existing directory", err.Error())
}

func TestStorageErrorUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := &StorageError{Op: "create_ticket", Err: cause, Retryable: false}

	assert.True(t, errors.Is(err, cause))
	var se *StorageError
	require.True(t, errors.As(err, &se))
	assert.False(t, se.Retryable)
}

func TestSpawnFailedUnwrap(t *testing.T) {
	cause := errors.New("exec: not found")
	err := &SpawnFailed{Err: cause}
	assert.True(t, errors.Is(err, cause))
}

func TestDependencyErrorMessage(t *testing.T) {
	err := &DependencyError{TicketID: "AD-PL-001", UnclosedParents: []string{"AD-PL-002", "AD-PL-003"}}
	assert.Equal(t, "ticket AD-PL-001 blocked on 2 unclosed parent(s)", err.Error())
}

func TestErrorKindsAreDistinguishable(t *testing.T) {
	var err error = &WorkerTimedOut{Timeout: "10m0s"}

	var timedOut *WorkerTimedOut
	var parseErr *WorkerParseError
	require.True(t, errors.As(err, &timedOut))
	assert.False(t, errors.As(err, &parseErr))
}
