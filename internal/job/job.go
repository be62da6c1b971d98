package job

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/iencode/iencode/internal/mediaclient"
	"github.com/iencode/iencode/internal/user"
)

// MessageRef aliases the chat platform message identity; multi-part
// submissions are ordered by its numeric message ID.
type MessageRef = mediaclient.MessageRef

type (
	Status string

	// MediaAnalysis is the probe result recorded by the I/O stage. It is
	// kept on the job so acceleration can rebuild the CPU stage message
	// without re-probing.
	MediaAnalysis struct {
		DurationSeconds float64 `json:"duration_seconds"`
		SourceHeight    int     `json:"source_height"`
		Is10Bit         bool    `json:"is_10bit"`
		AudioChannels   int     `json:"audio_channels"`
	}

	// JobData is the frozen configuration blob for a job. It is written
	// once at submission (settings snapshot included); only the broker
	// bookkeeping fields and the analysis result are rewritten later.
	JobData struct {
		SourceMessages  []MessageRef   `json:"source_message_refs"`
		Quality         int            `json:"quality"`
		Preset          string         `json:"preset"`
		FinalFilename   string         `json:"final_filename"`
		CpuQueue        string         `json:"cpu_queue"`
		BrokerMessageID string         `json:"broker_message_id,omitempty"`
		ThumbnailRef    string         `json:"thumbnail_ref,omitempty"`
		Analysis        *MediaAnalysis `json:"analysis,omitempty"`
		UserSettings    user.Settings  `json:"user_settings"`
	}

	// Job is the durable record for one requested transcode, from
	// submission through to its terminal status.
	Job struct {
		TaskID          uuid.UUID
		UserID          int64
		Filename        string
		Status          Status
		StatusChatID    int64
		StatusMessageID int64
		Data            JobData
		CreatedAt       time.Time
		UpdatedAt       time.Time
	}
)

const (
	StatusQueued      Status = "QUEUED"
	StatusDownloading Status = "DOWNLOADING"
	StatusAnalyzing   Status = "ANALYZING"
	StatusEncoding    Status = "ENCODING"
	StatusUploading   Status = "UPLOADING"
	StatusCompleted   Status = "COMPLETED"
	StatusFailed      Status = "FAILED"
	StatusCancelled   Status = "CANCELLED"
)

const (
	QueueIO           = "io_queue"
	QueueDefault      = "default"
	QueueHighPriority = "high_priority"
)

// forwardTransitions holds the single permitted 'happy path' successor
// for each non-terminal status. FAILED and CANCELLED are additionally
// reachable from any non-terminal status.
var forwardTransitions = map[Status]Status{
	StatusQueued:      StatusDownloading,
	StatusDownloading: StatusAnalyzing,
	StatusAnalyzing:   StatusEncoding,
	StatusEncoding:    StatusUploading,
	StatusUploading:   StatusCompleted,
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransitionTo reports whether moving from this status to the provided
// one is permitted by the job state machine.
func (s Status) CanTransitionTo(to Status) bool {
	if s.Terminal() {
		return false
	}

	if to == StatusFailed || to == StatusCancelled {
		return true
	}

	return forwardTransitions[s] == to
}

func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusDownloading, StatusAnalyzing, StatusEncoding,
		StatusUploading, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}

	return false
}

// Accelerable reports whether the job can still be moved to the high
// priority queue. Once the CPU stage has claimed the job (ENCODING or
// later) there is nothing left to accelerate.
func (j *Job) Accelerable() bool {
	switch j.Status {
	case StatusQueued, StatusDownloading, StatusAnalyzing:
		return j.Data.CpuQueue != QueueHighPriority
	}

	return false
}

func (j *Job) StatusMessage() MessageRef {
	return MessageRef{ChatID: j.StatusChatID, MessageID: j.StatusMessageID}
}

func (j *Job) String() string {
	return fmt.Sprintf("Job{ID=%s user=%d status=%s}", j.TaskID, j.UserID, j.Status)
}
