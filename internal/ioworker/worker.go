// Package ioworker implements the I/O stage of the pipeline: chunked
// download of one or many message-bound media objects into the merged
// artifact, probe analysis, thumbnail preparation, and hand-off to the
// CPU stage queue.
//
// The stage is network bound; many of these handlers run interleaved on a
// single process (see broker.NewIOServer).
package ioworker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/iencode/iencode/internal/broker"
	"github.com/iencode/iencode/internal/database"
	"github.com/iencode/iencode/internal/ffmpeg"
	"github.com/iencode/iencode/internal/job"
	"github.com/iencode/iencode/internal/mediaclient"
	"github.com/iencode/iencode/internal/status"
	"github.com/iencode/iencode/internal/workspace"
	"github.com/iencode/iencode/pkg/logger"
)

var log = logger.Get("IOWorker")

const copyBufferSize = 128 * 1024

type (
	Store interface {
		GetJob(database.Queryable, uuid.UUID) (*job.Job, error)
		UpdateStatus(database.Queryable, uuid.UUID, job.Status, job.Status) error
		ForceStatus(database.Queryable, uuid.UUID, job.Status) error
		RecordAnalysis(database.Queryable, uuid.UUID, *job.MediaAnalysis) error
		RecordBrokerMessage(database.Queryable, uuid.UUID, string, string) error
	}

	Config struct {
		CacheDir   string
		FfprobeBin string
	}

	Worker struct {
		config     Config
		db         database.Queryable
		jobs       Store
		dispatcher broker.Dispatcher
		media      mediaclient.Client
	}
)

func New(config Config, db database.Queryable, jobs Store, dispatcher broker.Dispatcher, media mediaclient.Client) *Worker {
	return &Worker{
		config:     config,
		db:         db,
		jobs:       jobs,
		dispatcher: dispatcher,
		media:      media,
	}
}

// HandleIO is the asynq handler for io_queue messages.
func (w *Worker) HandleIO(ctx context.Context, t *asynq.Task) error {
	var payload broker.IOPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("malformed io payload: %v: %w", err, asynq.SkipRetry)
	}

	target, err := w.jobs.GetJob(w.db, payload.TaskID)
	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			log.Warnf("Dropping io task %s: job document no longer exists\n", payload.TaskID)
			return nil
		}

		return job.NewError(job.KindTransient, err)
	}

	// Claim the job. A redelivery (retry or worker crash) arrives with the
	// status already advanced; anything else (cancellation won) is dropped.
	switch target.Status {
	case job.StatusQueued:
		if err := w.jobs.UpdateStatus(w.db, target.TaskID, job.StatusQueued, job.StatusDownloading); err != nil {
			log.Infof("Dropping io task %s: %s\n", target.TaskID, err.Error())
			return nil
		}
		target.Status = job.StatusDownloading
	case job.StatusDownloading, job.StatusAnalyzing:
		log.Infof("Resuming io task %s from %s\n", target.TaskID, target.Status)
	default:
		log.Infof("Dropping io task %s in status %s\n", target.TaskID, target.Status)
		return nil
	}

	editor := mediaclient.NewStatusEditor(w.media, target.StatusMessage())
	ws := workspace.New(w.config.CacheDir, target.TaskID)
	if err := ws.Create(); err != nil {
		return w.concludeStage(ctx, target, ws, editor, t, job.NewError(job.KindTransient, err))
	}

	if err := w.runStage(ctx, target, ws, editor); err != nil {
		return w.concludeStage(ctx, target, ws, editor, t, err)
	}

	return nil
}

func (w *Worker) runStage(ctx context.Context, target *job.Job, ws *workspace.Workspace, editor *mediaclient.StatusEditor) error {
	// A merged artifact surviving a crash means the download already
	// completed; jump straight to analysis.
	if ws.HasMergedInput() {
		log.Infof("Found existing merged input for %s, skipping download\n", target.TaskID)
	} else if err := w.download(ctx, target, ws, editor); err != nil {
		return err
	}

	if target.Status == job.StatusDownloading {
		if err := w.jobs.UpdateStatus(w.db, target.TaskID, job.StatusDownloading, job.StatusAnalyzing); err != nil {
			return job.NewError(job.KindCancelled, err)
		}
		target.Status = job.StatusAnalyzing
	}

	_ = editor.Edit(ctx, status.Analyzing(target.Filename))

	analysis, err := w.analyze(ctx, ws)
	if err != nil {
		return err
	}

	if err := w.prepareThumbnail(ctx, target, ws); err != nil {
		// Thumbnails are cosmetic; log and continue without one.
		log.Warnf("Failed to prepare thumbnail for %s: %s\n", target.TaskID, err.Error())
	}

	if err := w.jobs.RecordAnalysis(w.db, target.TaskID, analysis); err != nil {
		return job.NewError(job.KindTransient, err)
	}

	return w.handOff(ctx, target, analysis)
}

// download streams each source message's attachment, in message-id order,
// appending to the merged input artifact.
func (w *Worker) download(ctx context.Context, target *job.Job, ws *workspace.Workspace, editor *mediaclient.StatusEditor) error {
	var totalSize int64
	for _, ref := range target.Data.SourceMessages {
		attachment, err := w.media.FetchMessage(ctx, ref)
		if err != nil {
			return job.NewError(job.KindTransient, fmt.Errorf("failed to fetch source message %d: %w", ref.MessageID, err))
		}
		totalSize += attachment.FileSize
	}

	// Accumulate into the staging file; it is only renamed to the merged
	// input name once every part landed, so a mid-download failure cannot
	// satisfy the resume check with a truncated artifact.
	out, err := os.OpenFile(ws.StagingInputPath(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return job.NewError(job.KindTransient, fmt.Errorf("failed to open staging input: %w", err))
	}
	defer out.Close()

	var written int64
	buffer := make([]byte, copyBufferSize)
	for _, ref := range target.Data.SourceMessages {
		stream, err := w.media.StreamAttachment(ctx, ref)
		if err != nil {
			return job.NewError(job.KindTransient, fmt.Errorf("failed to open attachment stream for message %d: %w", ref.MessageID, err))
		}

		for {
			n, readErr := stream.Read(buffer)
			if n > 0 {
				if _, writeErr := out.Write(buffer[:n]); writeErr != nil {
					stream.Close()
					return job.NewError(job.KindTransient, fmt.Errorf("failed to append to staging input: %w", writeErr))
				}

				written += int64(n)
				_ = editor.Edit(ctx, status.Downloading(target.Filename, written, totalSize))
			}

			if readErr == io.EOF {
				break
			}
			if readErr != nil {
				stream.Close()
				if ctx.Err() != nil {
					return job.NewError(job.KindCancelled, ctx.Err())
				}

				return job.NewError(job.KindTransient, fmt.Errorf("attachment stream for message %d failed: %w", ref.MessageID, readErr))
			}
		}

		stream.Close()
	}

	if written == 0 {
		return job.Errorf(job.KindInvalidMedia, "downloaded attachment is empty")
	}

	if err := out.Close(); err != nil {
		return job.NewError(job.KindTransient, fmt.Errorf("failed to flush staging input: %w", err))
	}

	if err := ws.PromoteStagingInput(); err != nil {
		return job.NewError(job.KindTransient, err)
	}

	return nil
}

func (w *Worker) analyze(ctx context.Context, ws *workspace.Workspace) (*job.MediaAnalysis, error) {
	info, err := ffmpeg.Probe(ctx, w.config.FfprobeBin, ws.MergedInputPath())
	if err != nil {
		return nil, job.Errorf(job.KindInvalidMedia, "could not analyze media, the file may be corrupt: %s", err.Error())
	}

	if info.DurationSeconds <= 0 || info.Height <= 0 {
		return nil, job.Errorf(job.KindInvalidMedia, "media has no usable duration or height")
	}

	return &job.MediaAnalysis{
		DurationSeconds: info.DurationSeconds,
		SourceHeight:    info.Height,
		Is10Bit:         info.Is10Bit,
		AudioChannels:   info.AudioChannels,
	}, nil
}

// prepareThumbnail resolves the effective thumbnail: the user's custom one
// wins, then the source's own, then none.
func (w *Worker) prepareThumbnail(ctx context.Context, target *job.Job, ws *workspace.Workspace) error {
	thumbRef := target.Data.ThumbnailRef
	if thumbRef == "" {
		first := target.Data.SourceMessages[0]
		attachment, err := w.media.FetchMessage(ctx, first)
		if err != nil {
			return err
		}
		thumbRef = attachment.ThumbnailRef
	}

	if thumbRef == "" {
		return nil
	}

	return w.media.DownloadThumbnail(ctx, thumbRef, ws.ThumbPath())
}

// handOff enqueues the CPU stage. The broker message ID is recorded on the
// job before the enqueue so a cancellation arriving mid hand-off can still
// revoke it; the queue name is re-read in case the job was accelerated
// while downloading.
func (w *Worker) handOff(ctx context.Context, target *job.Job, analysis *job.MediaAnalysis) error {
	current, err := w.jobs.GetJob(w.db, target.TaskID)
	if err != nil {
		return job.NewError(job.KindTransient, err)
	}

	if current.Status != job.StatusAnalyzing {
		return job.NewError(job.KindCancelled, fmt.Errorf("job moved to %s during analysis", current.Status))
	}

	brokerID := uuid.NewString()
	cpuQueue := current.Data.CpuQueue
	if err := w.jobs.RecordBrokerMessage(w.db, target.TaskID, cpuQueue, brokerID); err != nil {
		return job.NewError(job.KindTransient, err)
	}

	err = w.dispatcher.EnqueueEncode(ctx, cpuQueue, brokerID, broker.EncodePayload{
		TaskID:          target.TaskID,
		DurationSeconds: analysis.DurationSeconds,
		SourceHeight:    analysis.SourceHeight,
		Is10Bit:         analysis.Is10Bit,
		AudioChannels:   analysis.AudioChannels,
	})
	if err != nil {
		return job.NewError(job.KindTransient, err)
	}

	log.Emit(logger.SUCCESS, "IO stage of %s complete, handed off to %s\n", target.TaskID, cpuQueue)
	return nil
}

// concludeStage classifies a stage failure. Retryable kinds are handed
// back to the broker (with a user-visible retry note); everything else is
// finalized here: terminal status, terminal status line, workspace gone.
func (w *Worker) concludeStage(ctx context.Context, target *job.Job, ws *workspace.Workspace, editor *mediaclient.StatusEditor, t *asynq.Task, stageErr error) error {
	kind := job.KindOf(stageErr)

	if kind == job.KindCancelled {
		log.Emit(logger.STOP, "IO stage of %s cancelled\n", target.TaskID)
		ws.Remove()
		_ = editor.ForceEdit(context.WithoutCancel(ctx), status.Cancelled())
		return fmt.Errorf("%v: %w", stageErr, asynq.SkipRetry)
	}

	if kind.Retryable() {
		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)
		if retried < maxRetry {
			log.Warnf("IO stage of %s failed transiently (attempt %d): %s\n", target.TaskID, retried+1, stageErr.Error())
			_ = w.media.SendMessage(ctx, target.StatusChatID, status.Retrying(retried+1))
			return stageErr
		}
	}

	log.Errorf("IO stage of %s failed permanently: %s\n", target.TaskID, stageErr.Error())
	ws.Remove()
	_ = w.jobs.ForceStatus(w.db, target.TaskID, job.StatusFailed)
	_ = editor.ForceEdit(context.WithoutCancel(ctx), status.Failed(job.UserMessage(stageErr)))
	return fmt.Errorf("%v: %w", stageErr, asynq.SkipRetry)
}
