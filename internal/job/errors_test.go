package job_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/iencode/iencode/internal/job"
	"github.com/stretchr/testify/assert"
)

func Test_KindOf(t *testing.T) {
	cause := errors.New("socket closed")

	assert.Equal(t, job.KindTransient, job.KindOf(job.NewError(job.KindTransient, cause)))
	assert.Equal(t, job.KindInternal, job.KindOf(cause), "unclassified errors default to Internal")

	// Classification survives wrapping.
	wrapped := fmt.Errorf("stage failed: %w", job.NewError(job.KindInvalidMedia, cause))
	assert.Equal(t, job.KindInvalidMedia, job.KindOf(wrapped))
}

func Test_KindRetryable(t *testing.T) {
	retryable := []job.Kind{job.KindTransient, job.KindUploadError}
	terminal := []job.Kind{
		job.KindInternal, job.KindBadRequest, job.KindSourceUnavailable,
		job.KindInvalidMedia, job.KindEncoderError, job.KindCancelled,
	}

	for _, k := range retryable {
		assert.True(t, k.Retryable(), "%s should be retryable", k)
	}
	for _, k := range terminal {
		assert.False(t, k.Retryable(), "%s should not be retryable", k)
	}
}

func Test_ErrorUnwrap(t *testing.T) {
	cause := errors.New("exit status 1")
	classified := job.NewError(job.KindEncoderError, cause)

	assert.ErrorIs(t, classified, cause)
	assert.Equal(t, job.KindEncoderError, classified.Kind())
	assert.Contains(t, classified.Error(), "EncoderError")
}

func Test_UserMessage(t *testing.T) {
	assert.Equal(t, "an internal error occurred", job.UserMessage(errors.New("nil map write")),
		"internal failures must not leak details to the user")

	classified := job.Errorf(job.KindInvalidMedia, "media has no usable duration or height")
	assert.Equal(t, "media has no usable duration or height", job.UserMessage(classified))
}
