// Package intake is the orchestration layer between the chat-handler
// surface and the pipeline. It accepts validated job requests, owns the
// durable job document for its QUEUED lifetime, and services cancellation
// and acceleration requests against queued or in-flight jobs.
package intake

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/iencode/iencode/internal/broker"
	"github.com/iencode/iencode/internal/database"
	"github.com/iencode/iencode/internal/job"
	"github.com/iencode/iencode/internal/mediaclient"
	"github.com/iencode/iencode/internal/status"
	"github.com/iencode/iencode/internal/user"
	"github.com/iencode/iencode/internal/workspace"
	"github.com/iencode/iencode/pkg/logger"
)

var (
	log = logger.Get("Intake")

	ErrNotOwner       = errors.New("job is not owned by the requesting user")
	ErrNotAccelerable = errors.New("job can no longer be accelerated")
)

type (
	// JobRequest is the validated submission from the chat-handler
	// surface (quality picker confirmation).
	JobRequest struct {
		UserID           int64                    `validate:"required"`
		ChatID           int64                    `validate:"required"`
		SourceMessages   []mediaclient.MessageRef `validate:"required,min=1"`
		Quality          int                      `validate:"oneof=480 720 1080"`
		Preset           string                   `validate:"oneof=fast medium slow"`
		ProposedFilename string                   `validate:"required"`

		// UserSettings optionally carries a settings snapshot resolved by
		// the caller; left nil, the stored settings are snapshotted here.
		UserSettings *user.Settings
	}

	SubmitResult struct {
		TaskID    uuid.UUID
		StatusRef mediaclient.MessageRef
	}

	JobStore interface {
		PutJob(database.Queryable, *job.Job) error
		GetJob(database.Queryable, uuid.UUID) (*job.Job, error)
		ListActiveByUser(database.Queryable, int64) ([]*job.Job, error)
		ForceStatus(database.Queryable, uuid.UUID, job.Status) error
		RecordBrokerMessage(database.Queryable, uuid.UUID, string, string) error
		SetCpuQueue(database.Queryable, uuid.UUID, string) error
	}

	SettingsStore interface {
		GetSettings(database.Queryable, int64) (user.Settings, error)
	}

	Config struct {
		CacheDir string
	}

	service struct {
		db         database.Queryable
		jobs       JobStore
		settings   SettingsStore
		dispatcher broker.Dispatcher
		media      mediaclient.Client
		validate   *validator.Validate
		config     Config

		coalescer *coalescer
	}
)

func New(config Config, db database.Queryable, jobs JobStore, settings SettingsStore, dispatcher broker.Dispatcher, media mediaclient.Client) *service {
	return &service{
		db:         db,
		jobs:       jobs,
		settings:   settings,
		dispatcher: dispatcher,
		media:      media,
		validate:   validator.New(),
		config:     config,
		coalescer:  newCoalescer(),
	}
}

// Coalescer exposes the multipart coalescing bucket for the chat surface.
func (service *service) Coalescer() *coalescer { return service.coalescer }

// Submit validates the request, persists the initial job document and
// enqueues the I/O stage. The returned status message reference is the
// in-chat message subsequent progress will be edited into.
func (service *service) Submit(ctx context.Context, request JobRequest) (*SubmitResult, error) {
	if err := service.validate.Struct(request); err != nil {
		return nil, job.NewError(job.KindBadRequest, err)
	}

	// All source refs must be resolvable right now; a deleted or
	// inaccessible message is a submission-time failure, not a job one.
	for _, ref := range request.SourceMessages {
		if _, err := service.media.FetchMessage(ctx, ref); err != nil {
			return nil, job.Errorf(job.KindSourceUnavailable, "source message %d cannot be fetched: %s", ref.MessageID, err.Error())
		}
	}

	settings := request.UserSettings
	if settings == nil {
		resolved, err := service.settings.GetSettings(service.db, request.UserID)
		if err != nil {
			return nil, job.NewError(job.KindTransient, err)
		}
		settings = &resolved
	}

	refs := make([]mediaclient.MessageRef, len(request.SourceMessages))
	copy(refs, request.SourceMessages)
	sort.Slice(refs, func(i, j int) bool { return refs[i].MessageID < refs[j].MessageID })

	taskID := uuid.New()
	finalFilename := status.StandardFilename(request.ProposedFilename, request.Quality, settings.BrandName)

	statusRef, err := service.media.SendStatus(ctx, request.ChatID, status.Queued(finalFilename))
	if err != nil {
		return nil, job.NewError(job.KindTransient, fmt.Errorf("failed to send status message: %w", err))
	}

	newJob := &job.Job{
		TaskID:          taskID,
		UserID:          request.UserID,
		Filename:        request.ProposedFilename,
		Status:          job.StatusQueued,
		StatusChatID:    statusRef.ChatID,
		StatusMessageID: statusRef.MessageID,
		Data: job.JobData{
			SourceMessages: refs,
			Quality:        request.Quality,
			Preset:         request.Preset,
			FinalFilename:  finalFilename,
			CpuQueue:       job.QueueDefault,
			ThumbnailRef:   settings.CustomThumbnailRef,
			UserSettings:   *settings,
		},
	}

	if err := service.jobs.PutJob(service.db, newJob); err != nil {
		return nil, job.NewError(job.KindTransient, err)
	}

	if err := service.dispatcher.EnqueueIO(ctx, taskID); err != nil {
		// The document exists but the stage was never submitted; fail the
		// job immediately so it does not linger as a phantom QUEUED entry.
		_ = service.jobs.ForceStatus(service.db, taskID, job.StatusFailed)
		return nil, job.NewError(job.KindTransient, err)
	}

	log.Emit(logger.NEW, "Submitted %s for user %d (%d part(s), %dp/%s)\n",
		taskID, request.UserID, len(refs), request.Quality, request.Preset)
	return &SubmitResult{TaskID: taskID, StatusRef: statusRef}, nil
}

// Cancel revokes a job on behalf of its owner. Cancellation is idempotent:
// cancelling an already-terminal job succeeds without side effects.
func (service *service) Cancel(ctx context.Context, taskID uuid.UUID, requesterID int64) error {
	target, err := service.jobs.GetJob(service.db, taskID)
	if err != nil {
		return err
	}

	if target.UserID != requesterID {
		return ErrNotOwner
	}

	if target.Status.Terminal() {
		return nil
	}

	// Mark cancelled first so any worker's next CAS loses the race, then
	// revoke both stage messages (whichever exists is removed or killed).
	if err := service.jobs.ForceStatus(service.db, taskID, job.StatusCancelled); err != nil {
		if errors.Is(err, job.ErrStatusConflict) {
			return nil
		}

		return err
	}

	if err := service.dispatcher.Revoke(ctx, job.QueueIO, taskID.String(), true); err != nil {
		log.Warnf("Failed to revoke io stage of %s: %s\n", taskID, err.Error())
	}

	if brokerID := target.Data.BrokerMessageID; brokerID != "" {
		if err := service.dispatcher.Revoke(ctx, target.Data.CpuQueue, brokerID, true); err != nil {
			log.Warnf("Failed to revoke cpu stage of %s: %s\n", taskID, err.Error())
		}
	}

	// A terminated worker cleans up behind itself, but a job revoked
	// before pickup has no owner; clean up here as well (both paths are
	// idempotent).
	workspace.New(service.config.CacheDir, taskID).Remove()
	editor := mediaclient.NewStatusEditor(service.media, target.StatusMessage())
	if err := editor.ForceEdit(ctx, status.Cancelled()); err != nil {
		log.Warnf("Failed to edit status message of cancelled job %s: %s\n", taskID, err.Error())
	}

	log.Emit(logger.STOP, "Cancelled %s\n", target)
	return nil
}

// Accelerate moves a job's not-yet-started CPU stage onto the high
// priority queue. Jobs past ANALYZING (or already accelerated) are
// rejected with ErrNotAccelerable.
func (service *service) Accelerate(ctx context.Context, taskID uuid.UUID, requesterID int64) error {
	target, err := service.jobs.GetJob(service.db, taskID)
	if err != nil {
		return err
	}

	if target.UserID != requesterID {
		return ErrNotOwner
	}

	if !target.Accelerable() {
		return ErrNotAccelerable
	}

	if target.Data.BrokerMessageID == "" {
		// The I/O stage has not yet enqueued the CPU stage: flipping the
		// queue name in the job document is enough, the I/O worker reads
		// it at hand-off time.
		if err := service.jobs.SetCpuQueue(service.db, taskID, job.QueueHighPriority); err != nil {
			return err
		}

		log.Infof("Accelerated %s ahead of CPU stage hand-off\n", taskID)
		return nil
	}

	// Already waiting on the default queue: revoke the queued message and
	// re-enqueue on high priority under a fresh broker ID. The externally
	// visible task_id is stable throughout.
	if target.Data.Analysis == nil {
		return fmt.Errorf("job %s has a CPU stage message but no analysis result", taskID)
	}

	if err := service.dispatcher.Revoke(ctx, target.Data.CpuQueue, target.Data.BrokerMessageID, false); err != nil {
		return fmt.Errorf("failed to revoke queued encode task: %w", err)
	}

	newBrokerID := uuid.NewString()
	if err := service.jobs.RecordBrokerMessage(service.db, taskID, job.QueueHighPriority, newBrokerID); err != nil {
		return err
	}

	analysis := target.Data.Analysis
	err = service.dispatcher.EnqueueEncode(ctx, job.QueueHighPriority, newBrokerID, broker.EncodePayload{
		TaskID:          taskID,
		DurationSeconds: analysis.DurationSeconds,
		SourceHeight:    analysis.SourceHeight,
		Is10Bit:         analysis.Is10Bit,
		AudioChannels:   analysis.AudioChannels,
	})
	if err != nil {
		return fmt.Errorf("failed to re-enqueue encode task: %w", err)
	}

	log.Infof("Accelerated %s onto %s (broker id %s)\n", taskID, job.QueueHighPriority, newBrokerID)
	return nil
}

// ListQueue returns the user's active (non-terminal) jobs, oldest first.
func (service *service) ListQueue(_ context.Context, userID int64) ([]*job.Job, error) {
	return service.jobs.ListActiveByUser(service.db, userID)
}
