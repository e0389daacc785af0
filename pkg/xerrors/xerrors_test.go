package xerrors_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xmtp/mlsengine/pkg/xerrors"
)

func TestWrapNilReturnsNil(t *testing.T) {
	assert.Nil(t, xerrors.Wrap(xerrors.Fatal, nil))
}

func TestSeverityOfUntaggedDefaultsToRetryable(t *testing.T) {
	assert.Equal(t, xerrors.Retryable, xerrors.SeverityOf(errors.New("boom")))
}

func TestSeverityOfTaggedError(t *testing.T) {
	err := xerrors.Wrap(xerrors.NonRetryable, errors.New("bad payload"))
	assert.Equal(t, xerrors.NonRetryable, xerrors.SeverityOf(err))
}

func TestSeverityOfSurvivesWrapping(t *testing.T) {
	tagged := xerrors.Wrap(xerrors.Fatal, errors.New("corrupt store"))
	wrapped := errors.New("outer context: " + tagged.Error())
	// wrapping with fmt.Errorf("%w") preserves Unwrap(); a plain
	// string concat does not, so build it the way %w would instead.
	wrapped = errors.Join(errors.New("outer context"), tagged)
	assert.True(t, xerrors.IsFatal(wrapped))
}

func TestIsRetryableTrueForUntaggedAndRetryable(t *testing.T) {
	assert.True(t, xerrors.IsRetryable(errors.New("plain")))
	assert.True(t, xerrors.IsRetryable(xerrors.Wrap(xerrors.Retryable, errors.New("timeout"))))
	assert.False(t, xerrors.IsRetryable(xerrors.Wrap(xerrors.Fatal, errors.New("corrupt"))))
}

func TestErrorMessageIncludesSeverityAndCause(t *testing.T) {
	err := xerrors.Wrap(xerrors.NonRetryable, errors.New("bad payload"))
	assert.Equal(t, "non_retryable: bad payload", err.Error())
}

func TestSeverityStrings(t *testing.T) {
	assert.Equal(t, "retryable", xerrors.Retryable.String())
	assert.Equal(t, "non_retryable", xerrors.NonRetryable.String())
	assert.Equal(t, "fatal", xerrors.Fatal.String())
	assert.Equal(t, "unknown", xerrors.Severity(99).String())
}
