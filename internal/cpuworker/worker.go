// Package cpuworker implements the CPU stage of the pipeline: the
// supervised encoder run over the merged artifact, followed by the chunked
// upload of the result and job finalization.
package cpuworker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

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

var log = logger.Get("CPUWorker")

// How often the running encode cross-checks the job document. Broker-level
// revocation covers the common path; this catches a cancellation that
// landed after the broker hand-off raced past it.
const cancelPollInterval = 5 * time.Second

var errCancelledByUser = errors.New("job was cancelled")

type (
	Store interface {
		GetJob(database.Queryable, uuid.UUID) (*job.Job, error)
		UpdateStatus(database.Queryable, uuid.UUID, job.Status, job.Status) error
		ForceStatus(database.Queryable, uuid.UUID, job.Status) error
	}

	Config struct {
		CacheDir     string
		FfmpegBin    string
		Crf          int
		AudioBitrate string
	}

	Worker struct {
		config Config
		db     database.Queryable
		jobs   Store
		media  mediaclient.Client
	}
)

func New(config Config, db database.Queryable, jobs Store, media mediaclient.Client) *Worker {
	return &Worker{config: config, db: db, jobs: jobs, media: media}
}

// HandleEncode is the asynq handler for CPU stage messages (both the
// default and the high priority queue route here).
func (w *Worker) HandleEncode(ctx context.Context, t *asynq.Task) error {
	var payload broker.EncodePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("malformed encode payload: %v: %w", err, asynq.SkipRetry)
	}

	target, err := w.jobs.GetJob(w.db, payload.TaskID)
	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			log.Warnf("Dropping encode task %s: job document no longer exists\n", payload.TaskID)
			return nil
		}

		return job.NewError(job.KindTransient, err)
	}

	switch target.Status {
	case job.StatusAnalyzing:
		if err := w.jobs.UpdateStatus(w.db, target.TaskID, job.StatusAnalyzing, job.StatusEncoding); err != nil {
			log.Infof("Dropping encode task %s: %s\n", target.TaskID, err.Error())
			return nil
		}
		target.Status = job.StatusEncoding
	case job.StatusEncoding, job.StatusUploading:
		log.Infof("Resuming encode task %s from %s\n", target.TaskID, target.Status)
	default:
		log.Infof("Dropping encode task %s in status %s\n", target.TaskID, target.Status)
		return nil
	}

	editor := mediaclient.NewStatusEditor(w.media, target.StatusMessage())
	ws := workspace.New(w.config.CacheDir, target.TaskID)

	if err := w.runStage(ctx, target, payload, ws, editor); err != nil {
		return w.concludeStage(ctx, target, ws, editor, err)
	}

	ws.Remove()
	return nil
}

func (w *Worker) runStage(ctx context.Context, target *job.Job, payload broker.EncodePayload, ws *workspace.Workspace, editor *mediaclient.StatusEditor) error {
	outputPath := ws.OutputPath(target.Data.FinalFilename)

	// A worker that crashed mid-upload left the finished encode behind;
	// only re-run the encoder when its output is missing.
	if target.Status == job.StatusEncoding {
		if err := w.encode(ctx, target, payload, ws, outputPath, editor); err != nil {
			return err
		}

		if err := w.jobs.UpdateStatus(w.db, target.TaskID, job.StatusEncoding, job.StatusUploading); err != nil {
			return job.NewError(job.KindCancelled, err)
		}
		target.Status = job.StatusUploading
	}

	if err := w.upload(ctx, target, ws, outputPath, editor); err != nil {
		return err
	}

	return w.finalize(ctx, target, editor)
}

// EffectiveHeight clamps the requested quality to the source height; the
// encoder is never asked to upscale.
func EffectiveHeight(requested int, source int) int {
	if source > 0 && source < requested {
		return source
	}

	return requested
}

func (w *Worker) encode(ctx context.Context, target *job.Job, payload broker.EncodePayload, ws *workspace.Workspace, outputPath string, editor *mediaclient.StatusEditor) error {
	if !ws.HasMergedInput() {
		return job.Errorf(job.KindInternal, "merged input artifact is missing")
	}

	height := EffectiveHeight(target.Data.Quality, payload.SourceHeight)

	options := ffmpeg.Options{
		InputPath:    ws.MergedInputPath(),
		OutputPath:   outputPath,
		TargetHeight: height,
		Preset:       target.Data.Preset,
		Crf:          w.config.Crf,
		AudioBitrate: w.config.AudioBitrate,
		BrandName:    target.Data.UserSettings.BrandName,
	}

	runCtx, cancelRun := context.WithCancelCause(ctx)
	defer cancelRun(nil)

	pollDone := make(chan struct{})
	defer close(pollDone)
	go w.pollForCancellation(runCtx, target.TaskID, cancelRun, pollDone)

	command := ffmpeg.NewCmd(w.config.FfmpegBin, options)
	log.Infof("Starting encode for %s at %dp (%s)\n", target.TaskID, height, target.Data.Preset)

	err := command.Run(runCtx, func(progress ffmpeg.Progress) {
		_ = editor.Edit(runCtx, status.Encoding(target.Data.FinalFilename, progress.OutTimeSeconds, payload.DurationSeconds))
	})
	if err == nil {
		return nil
	}

	if errors.Is(context.Cause(runCtx), errCancelledByUser) || ctx.Err() != nil {
		return job.NewError(job.KindCancelled, err)
	}

	var exitErr *ffmpeg.ExitError
	if errors.As(err, &exitErr) {
		return job.NewError(job.KindEncoderError, exitErr)
	}

	return job.NewError(job.KindTransient, err)
}

// pollForCancellation re-reads the job document at a low rate for the
// lifetime of the encode and tears the run context down the moment the job
// leaves ENCODING.
func (w *Worker) pollForCancellation(ctx context.Context, taskID uuid.UUID, cancelRun context.CancelCauseFunc, done <-chan struct{}) {
	ticker := time.NewTicker(cancelPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			current, err := w.jobs.GetJob(w.db, taskID)
			if err != nil {
				continue
			}

			if current.Status != job.StatusEncoding {
				log.Emit(logger.STOP, "Job %s moved to %s mid-encode, killing encoder\n", taskID, current.Status)
				cancelRun(errCancelledByUser)
				return
			}
		}
	}
}

func (w *Worker) upload(ctx context.Context, target *job.Job, ws *workspace.Workspace, outputPath string, editor *mediaclient.StatusEditor) error {
	info, err := os.Stat(outputPath)
	if err != nil || info.Size() == 0 {
		return job.Errorf(job.KindInternal, "encoded artifact is missing or empty")
	}

	thumbPath := ""
	if ws.HasThumb() {
		thumbPath = ws.ThumbPath()
	}

	caption := status.CompleteCaption(target.Data.FinalFilename)
	err = w.media.SendDocument(ctx, target.StatusChatID, outputPath, thumbPath, caption, func(current int64, total int64) {
		_ = editor.Edit(ctx, status.Uploading(target.Data.FinalFilename, current, total))
	})
	if err != nil {
		if ctx.Err() != nil {
			return job.NewError(job.KindCancelled, err)
		}

		return job.NewError(job.KindUploadError, err)
	}

	return nil
}

func (w *Worker) finalize(ctx context.Context, target *job.Job, editor *mediaclient.StatusEditor) error {
	if err := w.jobs.UpdateStatus(w.db, target.TaskID, job.StatusUploading, job.StatusCompleted); err != nil {
		// The document was already delivered; a lost transition race here
		// must not fail the task and trigger a second upload.
		log.Warnf("Could not mark %s completed: %s\n", target.TaskID, err.Error())
		return nil
	}

	_ = editor.Delete(context.WithoutCancel(ctx))
	_ = w.media.SendMessage(context.WithoutCancel(ctx), target.StatusChatID, status.Finished(target.Data.FinalFilename))

	log.Emit(logger.SUCCESS, "Job %s completed\n", target.TaskID)
	return nil
}

func (w *Worker) concludeStage(ctx context.Context, target *job.Job, ws *workspace.Workspace, editor *mediaclient.StatusEditor, stageErr error) error {
	kind := job.KindOf(stageErr)

	if kind == job.KindCancelled {
		log.Emit(logger.STOP, "Encode stage of %s cancelled\n", target.TaskID)
		ws.Remove()
		_ = editor.ForceEdit(context.WithoutCancel(ctx), status.Cancelled())
		return fmt.Errorf("%v: %w", stageErr, asynq.SkipRetry)
	}

	if kind.Retryable() {
		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)
		if retried < maxRetry {
			log.Warnf("Encode stage of %s failed transiently (attempt %d): %s\n", target.TaskID, retried+1, stageErr.Error())
			_ = w.media.SendMessage(ctx, target.StatusChatID, status.Retrying(retried+1))
			return stageErr
		}
	}

	log.Errorf("Encode stage of %s failed permanently: %s\n", target.TaskID, stageErr.Error())
	ws.Remove()
	_ = w.jobs.ForceStatus(w.db, target.TaskID, job.StatusFailed)
	_ = editor.ForceEdit(context.WithoutCancel(ctx), status.Failed(job.UserMessage(stageErr)))
	return fmt.Errorf("%v: %w", stageErr, asynq.SkipRetry)
}
