package intake

import (
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/iencode/iencode/internal/mediaclient"
)

// CoalesceWindow is the quiescence period after the most recent part of a
// split upload before the set is considered complete and presented to the
// user for confirmation.
const CoalesceWindow = time.Second * 30

// partPattern matches split-archive naming: `movie.mkv.part3` or a bare
// numeric suffix such as `movie.mkv.001`.
var partPattern = regexp.MustCompile(`(?i)\.(part\d+|\d{3})$`)

type (
	// ReadyFunc receives the completed part set for one user, ordered by
	// ascending message ID, along with the display name of the first part.
	ReadyFunc func(userID int64, refs []mediaclient.MessageRef, displayName string)

	pendingParts struct {
		refs        []mediaclient.MessageRef
		displayName string
		timer       *time.Timer
	}

	// coalescer gathers split-archive uploads per user. Each new part
	// resets that user's quiescence timer; when the timer fires the bucket
	// is consumed atomically and handed to the ready callback.
	coalescer struct {
		mu      sync.Mutex
		buckets map[int64]*pendingParts
		onReady ReadyFunc
	}
)

func newCoalescer() *coalescer {
	return &coalescer{buckets: make(map[int64]*pendingParts)}
}

// OnReady sets the callback invoked when a user's part set completes. Must
// be called before any parts are offered.
func (c *coalescer) OnReady(callback ReadyFunc) { c.onReady = callback }

// IsPart reports whether the filename matches the split-archive pattern.
func IsPart(filename string) bool {
	return partPattern.MatchString(filename)
}

// Offer presents an incoming media message. Part-named files are buffered
// under the user's bucket with the quiescence timer reset; anything else
// is released immediately as a single-ref set.
func (c *coalescer) Offer(userID int64, ref mediaclient.MessageRef, filename string) {
	if !IsPart(filename) {
		if c.onReady != nil {
			c.onReady(userID, []mediaclient.MessageRef{ref}, filename)
		}
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	bucket, ok := c.buckets[userID]
	if !ok {
		bucket = &pendingParts{displayName: partPattern.ReplaceAllString(filename, "")}
		c.buckets[userID] = bucket
	}

	bucket.refs = append(bucket.refs, ref)
	if bucket.timer != nil {
		bucket.timer.Stop()
	}
	bucket.timer = time.AfterFunc(CoalesceWindow, func() { c.release(userID) })
}

// Discard drops a user's pending bucket without releasing it (e.g. the
// confirmation expired upstream).
func (c *coalescer) Discard(userID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if bucket, ok := c.buckets[userID]; ok {
		if bucket.timer != nil {
			bucket.timer.Stop()
		}
		delete(c.buckets, userID)
	}
}

// Close stops all pending timers. Buckets are dropped, not released.
func (c *coalescer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for userID, bucket := range c.buckets {
		if bucket.timer != nil {
			bucket.timer.Stop()
		}
		delete(c.buckets, userID)
	}
}

// release consumes the user's bucket and delivers the ordered ref set.
func (c *coalescer) release(userID int64) {
	c.mu.Lock()
	bucket, ok := c.buckets[userID]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.buckets, userID)
	c.mu.Unlock()

	sort.Slice(bucket.refs, func(i, j int) bool {
		return bucket.refs[i].MessageID < bucket.refs[j].MessageID
	})

	if c.onReady != nil {
		c.onReady(userID, bucket.refs, bucket.displayName)
	}
}
