package ioworker_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/iencode/iencode/internal/broker"
	"github.com/iencode/iencode/internal/database"
	"github.com/iencode/iencode/internal/ioworker"
	"github.com/iencode/iencode/internal/job"
	"github.com/iencode/iencode/internal/mediaclient"
	"github.com/iencode/iencode/internal/workspace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusChange struct {
	From job.Status
	To   job.Status
}

type fakeJobs struct {
	jobs        map[uuid.UUID]*job.Job
	transitions []statusChange
	forced      []job.Status
	analyses    []*job.MediaAnalysis
}

func newFakeJobs(seed *job.Job) *fakeJobs {
	f := &fakeJobs{jobs: make(map[uuid.UUID]*job.Job)}
	if seed != nil {
		f.jobs[seed.TaskID] = seed
	}
	return f
}

func (f *fakeJobs) GetJob(_ database.Queryable, taskID uuid.UUID) (*job.Job, error) {
	j, ok := f.jobs[taskID]
	if !ok {
		return nil, job.ErrJobNotFound
	}
	clone := *j
	return &clone, nil
}

func (f *fakeJobs) UpdateStatus(_ database.Queryable, taskID uuid.UUID, from job.Status, to job.Status) error {
	j, ok := f.jobs[taskID]
	if !ok {
		return job.ErrJobNotFound
	}
	if j.Status != from {
		return job.ErrStatusConflict
	}

	f.transitions = append(f.transitions, statusChange{from, to})
	j.Status = to
	return nil
}

func (f *fakeJobs) ForceStatus(_ database.Queryable, taskID uuid.UUID, to job.Status) error {
	f.forced = append(f.forced, to)
	if j, ok := f.jobs[taskID]; ok {
		j.Status = to
	}
	return nil
}

func (f *fakeJobs) RecordAnalysis(_ database.Queryable, taskID uuid.UUID, analysis *job.MediaAnalysis) error {
	f.analyses = append(f.analyses, analysis)
	if j, ok := f.jobs[taskID]; ok {
		j.Data.Analysis = analysis
	}
	return nil
}

func (f *fakeJobs) RecordBrokerMessage(_ database.Queryable, taskID uuid.UUID, queue string, brokerID string) error {
	if j, ok := f.jobs[taskID]; ok {
		j.Data.CpuQueue = queue
		j.Data.BrokerMessageID = brokerID
	}
	return nil
}

type fakeDispatcher struct {
	encodePayloads []broker.EncodePayload
	encodeQueues   []string
}

func (f *fakeDispatcher) EnqueueIO(context.Context, uuid.UUID) error { return nil }

func (f *fakeDispatcher) EnqueueEncode(_ context.Context, queue string, _ string, payload broker.EncodePayload) error {
	f.encodeQueues = append(f.encodeQueues, queue)
	f.encodePayloads = append(f.encodePayloads, payload)
	return nil
}

func (f *fakeDispatcher) Revoke(context.Context, string, string, bool) error { return nil }

type fakeMedia struct {
	content     []byte
	streamCalls int
	edits       []string
	sent        []string
}

func (f *fakeMedia) FetchMessage(_ context.Context, _ mediaclient.MessageRef) (*mediaclient.Attachment, error) {
	return &mediaclient.Attachment{FileName: "movie.mkv", FileSize: int64(len(f.content))}, nil
}

func (f *fakeMedia) StreamAttachment(context.Context, mediaclient.MessageRef) (io.ReadCloser, error) {
	f.streamCalls++
	return io.NopCloser(bytes.NewReader(f.content)), nil
}

func (f *fakeMedia) DownloadThumbnail(context.Context, string, string) error { return nil }

func (f *fakeMedia) SendStatus(context.Context, int64, string) (mediaclient.MessageRef, error) {
	return mediaclient.MessageRef{}, nil
}

func (f *fakeMedia) EditStatus(_ context.Context, _ mediaclient.MessageRef, text string) error {
	f.edits = append(f.edits, text)
	return nil
}

func (f *fakeMedia) DeleteStatus(context.Context, mediaclient.MessageRef) error { return nil }

func (f *fakeMedia) SendMessage(_ context.Context, _ int64, text string) error {
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeMedia) SendDocument(context.Context, int64, string, string, string, mediaclient.ProgressFunc) error {
	return nil
}

// stubProbe writes an executable standing in for ffprobe which reports a
// 2 minute 720p stereo source regardless of input.
func stubProbe(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ffprobe")
	script := "#!/bin/sh\n" +
		`echo '{"format":{"duration":"120.0"},"streams":[` +
		`{"codec_type":"video","width":1280,"height":720,"pix_fmt":"yuv420p"},` +
		`{"codec_type":"audio","channels":2}]}'` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func seedJob(status job.Status) *job.Job {
	return &job.Job{
		TaskID:          uuid.New(),
		UserID:          42,
		Filename:        "movie.mkv",
		Status:          status,
		StatusChatID:    10,
		StatusMessageID: 1000,
		Data: job.JobData{
			SourceMessages: []mediaclient.MessageRef{{ChatID: 10, MessageID: 5001}},
			Quality:        720,
			Preset:         "slow",
			FinalFilename:  "movie.720p.HEVC.Enc.mkv",
			CpuQueue:       job.QueueDefault,
		},
	}
}

func ioTask(t *testing.T, taskID uuid.UUID) *asynq.Task {
	t.Helper()
	raw, err := json.Marshal(broker.IOPayload{TaskID: taskID})
	require.NoError(t, err)
	return asynq.NewTask(broker.TaskTypeIO, raw)
}

func Test_HandleIO_DropsCancelledJob(t *testing.T) {
	seeded := seedJob(job.StatusCancelled)
	jobs := newFakeJobs(seeded)
	media := &fakeMedia{content: []byte("bytes")}
	worker := ioworker.New(ioworker.Config{CacheDir: t.TempDir()}, nil, jobs, &fakeDispatcher{}, media)

	err := worker.HandleIO(context.Background(), ioTask(t, seeded.TaskID))
	require.NoError(t, err, "a revoked redelivery is dropped, not retried")

	assert.Empty(t, jobs.transitions)
	assert.Zero(t, media.streamCalls)
}

func Test_HandleIO_EmptyDownloadFailsPermanently(t *testing.T) {
	seeded := seedJob(job.StatusQueued)
	jobs := newFakeJobs(seeded)
	dispatcher := &fakeDispatcher{}
	media := &fakeMedia{content: nil}
	cacheDir := t.TempDir()
	worker := ioworker.New(ioworker.Config{CacheDir: cacheDir}, nil, jobs, dispatcher, media)

	err := worker.HandleIO(context.Background(), ioTask(t, seeded.TaskID))
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry, "zero-byte input must not be retried")

	assert.Equal(t, []job.Status{job.StatusFailed}, jobs.forced)
	assert.Empty(t, dispatcher.encodePayloads, "no CPU stage for invalid media")
	assert.NoDirExists(t, workspace.New(cacheDir, seeded.TaskID).Path())

	require.NotEmpty(t, media.edits)
	assert.Contains(t, media.edits[len(media.edits)-1], "empty")
}

func Test_HandleIO_ResumeSkipsCompletedDownload(t *testing.T) {
	seeded := seedJob(job.StatusDownloading)
	jobs := newFakeJobs(seeded)
	dispatcher := &fakeDispatcher{}
	media := &fakeMedia{content: []byte("should never be streamed")}
	cacheDir := t.TempDir()

	ws := workspace.New(cacheDir, seeded.TaskID)
	require.NoError(t, ws.Create())
	require.NoError(t, os.WriteFile(ws.MergedInputPath(), []byte("complete artifact"), 0o644))

	worker := ioworker.New(ioworker.Config{CacheDir: cacheDir, FfprobeBin: stubProbe(t)}, nil, jobs, dispatcher, media)
	require.NoError(t, worker.HandleIO(context.Background(), ioTask(t, seeded.TaskID)))

	assert.Zero(t, media.streamCalls, "a completed artifact is not re-downloaded")
	assert.Equal(t, []statusChange{{job.StatusDownloading, job.StatusAnalyzing}}, jobs.transitions)

	require.Len(t, dispatcher.encodePayloads, 1)
	assert.Equal(t, 720, dispatcher.encodePayloads[0].SourceHeight)
	assert.Equal(t, job.QueueDefault, dispatcher.encodeQueues[0])
	assert.NotEmpty(t, jobs.jobs[seeded.TaskID].Data.BrokerMessageID)
}

func Test_HandleIO_PartialDownloadIsRestarted(t *testing.T) {
	seeded := seedJob(job.StatusDownloading)
	jobs := newFakeJobs(seeded)
	dispatcher := &fakeDispatcher{}
	media := &fakeMedia{content: []byte("the whole attachment, this time")}
	cacheDir := t.TempDir()

	// A crashed download leaves its bytes under the staging name; the
	// redelivered task must restart the download rather than hand a
	// truncated artifact to the encoder.
	ws := workspace.New(cacheDir, seeded.TaskID)
	require.NoError(t, ws.Create())
	require.NoError(t, os.WriteFile(ws.StagingInputPath(), []byte("trunc"), 0o644))

	worker := ioworker.New(ioworker.Config{CacheDir: cacheDir, FfprobeBin: stubProbe(t)}, nil, jobs, dispatcher, media)
	require.NoError(t, worker.HandleIO(context.Background(), ioTask(t, seeded.TaskID)))

	assert.Equal(t, 1, media.streamCalls)
	merged, err := os.ReadFile(ws.MergedInputPath())
	require.NoError(t, err)
	assert.Equal(t, media.content, merged)
	assert.NoFileExists(t, ws.StagingInputPath())
	require.Len(t, dispatcher.encodePayloads, 1)
}
