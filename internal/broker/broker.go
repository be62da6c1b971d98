// Package broker is the queue layer between the pipeline stages. It wraps
// asynq (Redis-backed, at-least-once, worker pull) and exposes the three
// queues the pipeline uses plus the revoke semantics cancellation and
// acceleration depend on.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/iencode/iencode/internal/job"
	"github.com/iencode/iencode/pkg/logger"
)

var log = logger.Get("Broker")

const (
	TaskTypeIO     = "pipeline:io"
	TaskTypeEncode = "pipeline:encode"

	maxStageRetries = 3
	baseRetryDelay  = time.Second * 60

	// Stage messages must carry an explicit, effectively unlimited timeout:
	// asynq treats a zero timeout as unset and substitutes a 30 minute
	// default, which a slow-preset encode of a long video will exceed.
	noStageTimeout = 30 * 24 * time.Hour
)

type (
	Config struct {
		RedisURL string `yaml:"redis_url" env:"REDIS_URL" env-default:"redis://localhost:6379/0"`
	}

	// IOPayload is the message body for the I/O stage.
	IOPayload struct {
		TaskID uuid.UUID `json:"task_id"`
	}

	// EncodePayload is the message body for the CPU stage; it carries the
	// analysis result forward so the encoder never re-probes.
	EncodePayload struct {
		TaskID          uuid.UUID `json:"task_id"`
		DurationSeconds float64   `json:"duration_seconds"`
		SourceHeight    int       `json:"source_height"`
		Is10Bit         bool      `json:"is_10bit"`
		AudioChannels   int       `json:"audio_channels"`
	}

	// Dispatcher is the enqueue/revoke capability consumed by the intake
	// controller and the I/O worker.
	Dispatcher interface {
		EnqueueIO(ctx context.Context, taskID uuid.UUID) error
		EnqueueEncode(ctx context.Context, queue string, brokerID string, payload EncodePayload) error
		Revoke(ctx context.Context, queue string, brokerID string, terminate bool) error
	}

	Broker struct {
		client    *asynq.Client
		inspector *asynq.Inspector
	}
)

// Connect builds the asynq client and inspector against the configured
// Redis instance and verifies the connection is usable.
func Connect(config Config) (*Broker, error) {
	redisOpt, err := asynq.ParseRedisURI(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	inspector := asynq.NewInspector(redisOpt)
	if _, err := inspector.Queues(); err != nil {
		return nil, fmt.Errorf("broker unreachable: %w", err)
	}

	log.Emit(logger.SUCCESS, "Broker connection complete!\n")
	return &Broker{
		client:    asynq.NewClient(redisOpt),
		inspector: inspector,
	}, nil
}

func (b *Broker) Close() error { return b.client.Close() }

// stageOptions is the option set shared by both stage enqueues.
func stageOptions(queue string, brokerID string) []asynq.Option {
	return []asynq.Option{
		asynq.Queue(queue),
		asynq.TaskID(brokerID),
		asynq.MaxRetry(maxStageRetries),
		asynq.Timeout(noStageTimeout),
	}
}

// EnqueueIO submits the I/O stage task. The broker message ID is the task
// ID itself, so cancellation can revoke it without extra bookkeeping.
func (b *Broker) EnqueueIO(ctx context.Context, taskID uuid.UUID) error {
	raw, err := json.Marshal(IOPayload{TaskID: taskID})
	if err != nil {
		return fmt.Errorf("failed to marshal io payload: %w", err)
	}

	_, err = b.client.EnqueueContext(ctx, asynq.NewTask(TaskTypeIO, raw), stageOptions(job.QueueIO, taskID.String())...)
	if err != nil {
		return fmt.Errorf("failed to enqueue io task %s: %w", taskID, err)
	}

	log.Debugf("Enqueued io task %s on %s\n", taskID, job.QueueIO)
	return nil
}

// EnqueueEncode submits the CPU stage task on the named queue (default or
// high_priority) under the provided broker message ID.
func (b *Broker) EnqueueEncode(ctx context.Context, queue string, brokerID string, payload EncodePayload) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal encode payload: %w", err)
	}

	_, err = b.client.EnqueueContext(ctx, asynq.NewTask(TaskTypeEncode, raw), stageOptions(queue, brokerID)...)
	if err != nil {
		return fmt.Errorf("failed to enqueue encode task %s on %s: %w", payload.TaskID, queue, err)
	}

	log.Debugf("Enqueued encode task %s on %s (broker id %s)\n", payload.TaskID, queue, brokerID)
	return nil
}

// Revoke removes the identified message from its queue if it has not yet
// been picked up. When terminate is set, any worker currently processing
// the message is additionally told to abandon it (the handler context is
// cancelled, which kills a live encoder subprocess).
func (b *Broker) Revoke(ctx context.Context, queue string, brokerID string, terminate bool) error {
	if err := b.inspector.DeleteTask(queue, brokerID); err != nil {
		// Not found just means the task already started (or finished);
		// that is fine when we are also terminating.
		log.Debugf("DeleteTask(%s, %s): %v\n", queue, brokerID, err)
	}

	if !terminate {
		return nil
	}

	if err := b.inspector.CancelProcessing(brokerID); err != nil {
		return fmt.Errorf("failed to cancel in-flight task %s: %w", brokerID, err)
	}

	return nil
}

// RetryDelay implements the stage retry policy: exponential backoff
// starting at 60 seconds (60s, 120s, 240s).
func RetryDelay(retried int, _ error, _ *asynq.Task) time.Duration {
	if retried < 1 {
		retried = 1
	}

	return baseRetryDelay << (retried - 1)
}
