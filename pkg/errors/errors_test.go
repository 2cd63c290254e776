package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesCause(t *testing.T) {
	t.Parallel()

	cause := stdErrors.New("connection reset")
	err := Wrap(CodeConnectivity, cause, "reading wallet balance")

	assert.Equal(t, CodeConnectivity, CodeOf(err))
	assert.True(t, stdErrors.Is(err, cause))
	assert.Contains(t, err.Error(), "CONNECTIVITY")
}

func TestCodeOfThroughWrappedChain(t *testing.T) {
	t.Parallel()

	inner := New(CodeInsufficientFunds, "wallet balance below batch total")
	outer := fmt.Errorf("settling order: %w", inner)

	assert.Equal(t, CodeInsufficientFunds, CodeOf(outer))
	assert.True(t, IsCode(outer, CodeInsufficientFunds))
	assert.False(t, IsCode(outer, CodeSubmissionFailure))
}

func TestCodeOfUntypedError(t *testing.T) {
	t.Parallel()

	assert.Equal(t, CodeUnknown, CodeOf(stdErrors.New("boom")))
	assert.Nil(t, As(nil))
}

func TestWithDetails(t *testing.T) {
	t.Parallel()

	err := New(CodeValidation, "cart failed validation").
		WithDetails([]string{"item 0: already purchased"})

	typed := As(err)
	require.NotNil(t, typed)
	details, ok := typed.Details().([]string)
	require.True(t, ok)
	assert.Len(t, details, 1)
}

func TestMetadataDistinguishesConfirmationTimeout(t *testing.T) {
	t.Parallel()

	confirm := MetadataFor(CodeConfirmationTimeout)
	submit := MetadataFor(CodeSubmissionFailure)

	assert.True(t, confirm.FundsMayHaveMoved)
	assert.False(t, submit.FundsMayHaveMoved)
	assert.True(t, submit.Retryable)
	assert.False(t, confirm.Retryable)
}

func TestMetadataForUnknownCodeDefaults(t *testing.T) {
	t.Parallel()

	meta := MetadataFor(Code("NOPE"))
	assert.Equal(t, MetadataFor(CodeUnknown), meta)
}
