// Package mediaclient defines the capability surface the pipeline requires
// from the chat platform. The pipeline core only ever talks to this
// interface; the concrete implementation (see internal/telegram) is wired
// in at the composition root.
package mediaclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

type (
	// MessageRef identifies a single message inside a chat.
	MessageRef struct {
		ChatID    int64 `json:"chat_id"`
		MessageID int64 `json:"message_id"`
	}

	// Attachment is the metadata for the media object bound to a message.
	Attachment struct {
		FileName     string
		FileSize     int64
		MimeType     string
		ThumbnailRef string
	}

	// ProgressFunc receives byte-level progress for a streamed transfer.
	// Implementations must tolerate being called frequently; throttling is
	// the caller's concern.
	ProgressFunc func(current int64, total int64)

	// Client is the four-operation capability over the chat platform. All
	// byte movement is streamed; implementations must never buffer a whole
	// attachment in memory.
	Client interface {
		// FetchMessage resolves the attachment metadata for a message.
		FetchMessage(ctx context.Context, ref MessageRef) (*Attachment, error)

		// StreamAttachment opens a lazy byte stream over the message's
		// attachment. The stream is restartable on reconnection; callers
		// own closing it.
		StreamAttachment(ctx context.Context, ref MessageRef) (io.ReadCloser, error)

		// DownloadThumbnail fetches the thumbnail identified by the opaque
		// ref into the destination path.
		DownloadThumbnail(ctx context.Context, thumbRef string, destPath string) error

		SendStatus(ctx context.Context, chatID int64, text string) (MessageRef, error)
		EditStatus(ctx context.Context, ref MessageRef, text string) error
		DeleteStatus(ctx context.Context, ref MessageRef) error

		// SendMessage sends a plain, standalone message (not a status
		// message the service owns).
		SendMessage(ctx context.Context, chatID int64, text string) error

		// SendDocument uploads the file at path as a document, chunked,
		// with an optional thumbnail and the provided caption. Progress is
		// delivered to the callback.
		SendDocument(ctx context.Context, chatID int64, path string, thumbPath string, caption string, progress ProgressFunc) error
	}
)

// RateLimitError is surfaced by implementations when the platform demands
// a pause. Callers which cannot simply fail must sleep RetryAfter and retry.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited by platform; retry after %s", e.RetryAfter)
}

// AsRateLimit unwraps an error chain looking for a rate limit hint.
func AsRateLimit(err error) (*RateLimitError, bool) {
	var rateLimited *RateLimitError
	if errors.As(err, &rateLimited) {
		return rateLimited, true
	}

	return nil, false
}
