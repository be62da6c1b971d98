package mediaclient

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// editRecorder implements Client, recording edits and optionally failing
// the first call with a configured error.
type editRecorder struct {
	mu       sync.Mutex
	edits    []string
	deletes  int
	firstErr error
}

func (r *editRecorder) EditStatus(_ context.Context, _ MessageRef, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.firstErr != nil {
		err := r.firstErr
		r.firstErr = nil
		return err
	}

	r.edits = append(r.edits, text)
	return nil
}

func (r *editRecorder) DeleteStatus(context.Context, MessageRef) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deletes++
	return nil
}

func (r *editRecorder) FetchMessage(context.Context, MessageRef) (*Attachment, error) {
	return nil, errors.New("not implemented")
}

func (r *editRecorder) StreamAttachment(context.Context, MessageRef) (io.ReadCloser, error) {
	return nil, errors.New("not implemented")
}

func (r *editRecorder) DownloadThumbnail(context.Context, string, string) error {
	return errors.New("not implemented")
}

func (r *editRecorder) SendStatus(context.Context, int64, string) (MessageRef, error) {
	return MessageRef{}, errors.New("not implemented")
}

func (r *editRecorder) SendMessage(context.Context, int64, string) error {
	return errors.New("not implemented")
}

func (r *editRecorder) SendDocument(context.Context, int64, string, string, string, ProgressFunc) error {
	return errors.New("not implemented")
}

func newTestEditor(client Client, interval time.Duration) *StatusEditor {
	editor := NewStatusEditor(client, MessageRef{ChatID: 1, MessageID: 2})
	editor.interval = interval
	return editor
}

func Test_StatusEditor_ThrottlesEdits(t *testing.T) {
	recorder := &editRecorder{}
	editor := newTestEditor(recorder, time.Hour)

	require.NoError(t, editor.Edit(context.Background(), "first"))
	require.NoError(t, editor.Edit(context.Background(), "second"))
	require.NoError(t, editor.Edit(context.Background(), "third"))

	assert.Equal(t, []string{"first"}, recorder.edits, "edits inside the window must be dropped, not queued")
}

func Test_StatusEditor_ForceEditBypassesThrottle(t *testing.T) {
	recorder := &editRecorder{}
	editor := newTestEditor(recorder, time.Hour)

	require.NoError(t, editor.Edit(context.Background(), "progress"))
	require.NoError(t, editor.ForceEdit(context.Background(), "terminal"))

	assert.Equal(t, []string{"progress", "terminal"}, recorder.edits)
}

func Test_StatusEditor_HonorsRateLimitHint(t *testing.T) {
	recorder := &editRecorder{firstErr: &RateLimitError{RetryAfter: time.Millisecond * 10}}
	editor := newTestEditor(recorder, 0)

	require.NoError(t, editor.Edit(context.Background(), "retried"))
	assert.Equal(t, []string{"retried"}, recorder.edits, "edit must be retried after sleeping the hint")
}

func Test_StatusEditor_RateLimitRespectsContext(t *testing.T) {
	recorder := &editRecorder{firstErr: &RateLimitError{RetryAfter: time.Hour}}
	editor := newTestEditor(recorder, 0)

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*10)
	defer cancel()

	err := editor.Edit(ctx, "never lands")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, recorder.edits)
}

func Test_StatusEditor_PropagatesOtherErrors(t *testing.T) {
	boom := errors.New("message deleted")
	recorder := &editRecorder{firstErr: boom}
	editor := newTestEditor(recorder, 0)

	assert.ErrorIs(t, editor.Edit(context.Background(), "text"), boom)
}

func Test_StatusEditor_Delete(t *testing.T) {
	recorder := &editRecorder{}
	editor := newTestEditor(recorder, 0)

	require.NoError(t, editor.Delete(context.Background()))
	assert.Equal(t, 1, recorder.deletes)
}
