package taskerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"
)

func TestAnnotatePreservesTypeAndRetryability(t *testing.T) {
	dep := Annotate(Dependency(nil, "llm unreachable"), 3, 1)
	require.Error(t, dep)
	assert.True(t, IsType(dep, TypeDependency))
	assert.Contains(t, dep.Error(), "task=3")
	assert.Contains(t, dep.Error(), "attempt=1")

	var appErr *temporal.ApplicationError
	require.True(t, errors.As(dep, &appErr))
	assert.False(t, appErr.NonRetryable())

	fatal := Annotate(Integrity("graph has a cycle"), 0, 0)
	assert.True(t, IsType(fatal, TypeIntegrity))
	require.True(t, errors.As(fatal, &appErr))
	assert.True(t, appErr.NonRetryable())
}

func TestAnnotateClassifiesPlainErrors(t *testing.T) {
	err := Annotate(fmt.Errorf("connection reset"), 7, 2)
	assert.True(t, IsType(err, TypeDependency))
	assert.Contains(t, err.Error(), "task=7 attempt=2")

	assert.NoError(t, Annotate(nil, 1, 1))
}

func TestTaskErrorMessage(t *testing.T) {
	te := &TaskError{Type: TypeTimeout, TaskID: 2, Attempt: 1, Msg: "sandbox run", Cause: fmt.Errorf("deadline")}
	assert.Equal(t, "TimeoutError: sandbox run (task=2 attempt=1): deadline", te.Error())
	assert.EqualError(t, te.Unwrap(), "deadline")
}
