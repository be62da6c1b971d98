package mediaclient

import (
	"context"
	"sync"
	"time"

	"github.com/iencode/iencode/pkg/logger"
)

var log = logger.Get("Status")

// DefaultEditInterval is the minimum spacing between status message edits
// for a single job. Upstream chat platforms rate limit message edits
// aggressively; the pipeline must never exceed this frequency.
const DefaultEditInterval = time.Second * 5

// StatusEditor owns a single status message and edits it in place, at most
// once per interval. Rate limit hints from the platform are honored by
// sleeping the indicated duration before retrying once.
type StatusEditor struct {
	mu       sync.Mutex
	client   Client
	ref      MessageRef
	interval time.Duration
	lastEdit time.Time
}

func NewStatusEditor(client Client, ref MessageRef) *StatusEditor {
	return &StatusEditor{
		client:   client,
		ref:      ref,
		interval: DefaultEditInterval,
	}
}

func (s *StatusEditor) Ref() MessageRef { return s.ref }

// Edit updates the status message if the throttle window has elapsed;
// otherwise the update is silently dropped. Progress reporting is lossy
// by design, only the latest state matters.
func (s *StatusEditor) Edit(ctx context.Context, text string) error {
	s.mu.Lock()
	if time.Since(s.lastEdit) < s.interval {
		s.mu.Unlock()
		return nil
	}
	s.lastEdit = time.Now()
	s.mu.Unlock()

	return s.edit(ctx, text)
}

// ForceEdit bypasses the throttle. Used for terminal lines (completion,
// failure, cancellation) which must always land.
func (s *StatusEditor) ForceEdit(ctx context.Context, text string) error {
	s.mu.Lock()
	s.lastEdit = time.Now()
	s.mu.Unlock()

	return s.edit(ctx, text)
}

func (s *StatusEditor) edit(ctx context.Context, text string) error {
	err := s.client.EditStatus(ctx, s.ref, text)
	if err == nil {
		return nil
	}

	if hint, ok := AsRateLimit(err); ok {
		log.Warnf("Status edit for message %v rate limited, sleeping %s\n", s.ref, hint.RetryAfter)
		select {
		case <-time.After(hint.RetryAfter):
		case <-ctx.Done():
			return ctx.Err()
		}

		return s.client.EditStatus(ctx, s.ref, text)
	}

	return err
}

// Delete removes the status message entirely (successful completion).
func (s *StatusEditor) Delete(ctx context.Context) error {
	return s.client.DeleteStatus(ctx, s.ref)
}
