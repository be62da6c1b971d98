package cpuworker_test

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/iencode/iencode/internal/broker"
	"github.com/iencode/iencode/internal/cpuworker"
	"github.com/iencode/iencode/internal/database"
	"github.com/iencode/iencode/internal/job"
	"github.com/iencode/iencode/internal/mediaclient"
	"github.com/iencode/iencode/internal/user"
	"github.com/iencode/iencode/internal/workspace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_EffectiveHeight(t *testing.T) {
	tests := []struct {
		summary   string
		requested int
		source    int
		expected  int
	}{
		{"downscale", 720, 1080, 720},
		{"exact match", 720, 720, 720},
		{"never upscale", 1080, 480, 480},
		{"unknown source height trusts request", 720, 0, 720},
	}

	for _, tt := range tests {
		t.Run(tt.summary, func(t *testing.T) {
			assert.Equal(t, tt.expected, cpuworker.EffectiveHeight(tt.requested, tt.source))
		})
	}
}

type statusChange struct {
	From job.Status
	To   job.Status
}

type fakeJobs struct {
	jobs        map[uuid.UUID]*job.Job
	updateErr   error
	transitions []statusChange
	forced      []job.Status
}

func newFakeJobs(seed *job.Job) *fakeJobs {
	return &fakeJobs{jobs: map[uuid.UUID]*job.Job{seed.TaskID: seed}}
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
	if f.updateErr != nil {
		return f.updateErr
	}

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

type fakeMedia struct {
	edits     []string
	sent      []string
	documents []string
	deletes   int
}

func (f *fakeMedia) FetchMessage(context.Context, mediaclient.MessageRef) (*mediaclient.Attachment, error) {
	return &mediaclient.Attachment{}, nil
}

func (f *fakeMedia) StreamAttachment(context.Context, mediaclient.MessageRef) (io.ReadCloser, error) {
	return nil, nil
}

func (f *fakeMedia) DownloadThumbnail(context.Context, string, string) error { return nil }

func (f *fakeMedia) SendStatus(context.Context, int64, string) (mediaclient.MessageRef, error) {
	return mediaclient.MessageRef{}, nil
}

func (f *fakeMedia) EditStatus(_ context.Context, _ mediaclient.MessageRef, text string) error {
	f.edits = append(f.edits, text)
	return nil
}

func (f *fakeMedia) DeleteStatus(context.Context, mediaclient.MessageRef) error {
	f.deletes++
	return nil
}

func (f *fakeMedia) SendMessage(_ context.Context, _ int64, text string) error {
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeMedia) SendDocument(_ context.Context, _ int64, path string, _ string, _ string, _ mediaclient.ProgressFunc) error {
	f.documents = append(f.documents, path)
	return nil
}

// stubEncoder writes an executable standing in for ffmpeg which emits one
// progress frame, leaves the failure reason as its final stderr line and
// exits non-zero.
func stubEncoder(t *testing.T, lastStderr string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ffmpeg")
	script := "#!/bin/sh\n" +
		"echo 'out_time_ms=1000000'\n" +
		"echo 'harmless diagnostics' 1>&2\n" +
		"echo '" + lastStderr + "' 1>&2\n" +
		"exit 1\n"
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
			UserSettings:   user.Settings{BrandName: "Enc"},
		},
	}
}

func encodeTask(t *testing.T, taskID uuid.UUID) *asynq.Task {
	t.Helper()
	raw, err := json.Marshal(broker.EncodePayload{
		TaskID:          taskID,
		DurationSeconds: 120,
		SourceHeight:    720,
		AudioChannels:   2,
	})
	require.NoError(t, err)
	return asynq.NewTask(broker.TaskTypeEncode, raw)
}

func Test_HandleEncode_DropsCancelledJob(t *testing.T) {
	seeded := seedJob(job.StatusCancelled)
	jobs := newFakeJobs(seeded)
	worker := cpuworker.New(cpuworker.Config{CacheDir: t.TempDir(), FfmpegBin: "/nonexistent"}, nil, jobs, &fakeMedia{})

	err := worker.HandleEncode(context.Background(), encodeTask(t, seeded.TaskID))
	require.NoError(t, err, "a revoked redelivery is dropped, not retried")
	assert.Empty(t, jobs.transitions)
	assert.Empty(t, jobs.forced)
}

func Test_HandleEncode_EncoderFailureSurfacesLastStderrLine(t *testing.T) {
	reason := "Invalid data found when processing input"
	seeded := seedJob(job.StatusAnalyzing)
	jobs := newFakeJobs(seeded)
	media := &fakeMedia{}
	cacheDir := t.TempDir()

	ws := workspace.New(cacheDir, seeded.TaskID)
	require.NoError(t, ws.Create())
	require.NoError(t, os.WriteFile(ws.MergedInputPath(), []byte("mkv bytes"), 0o644))

	worker := cpuworker.New(cpuworker.Config{
		CacheDir:     cacheDir,
		FfmpegBin:    stubEncoder(t, reason),
		Crf:          24,
		AudioBitrate: "128k",
	}, nil, jobs, media)

	err := worker.HandleEncode(context.Background(), encodeTask(t, seeded.TaskID))
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry, "an encoder failure must not be retried")

	assert.Equal(t, []statusChange{{job.StatusAnalyzing, job.StatusEncoding}}, jobs.transitions)
	assert.Equal(t, []job.Status{job.StatusFailed}, jobs.forced)
	assert.NoDirExists(t, ws.Path())
	assert.Empty(t, media.documents, "nothing is uploaded after an encoder failure")

	require.NotEmpty(t, media.edits)
	assert.Contains(t, media.edits[len(media.edits)-1], reason)
}

func Test_HandleEncode_LostFinalizeRaceReturnsSuccess(t *testing.T) {
	seeded := seedJob(job.StatusUploading)
	jobs := newFakeJobs(seeded)
	jobs.updateErr = job.ErrStatusConflict
	media := &fakeMedia{}
	cacheDir := t.TempDir()

	ws := workspace.New(cacheDir, seeded.TaskID)
	require.NoError(t, ws.Create())
	outputPath := ws.OutputPath(seeded.Data.FinalFilename)
	require.NoError(t, os.WriteFile(outputPath, []byte("encoded bytes"), 0o644))

	worker := cpuworker.New(cpuworker.Config{CacheDir: cacheDir}, nil, jobs, media)

	// The document was already delivered; failing the task here would make
	// the broker redeliver it and upload the artifact a second time.
	err := worker.HandleEncode(context.Background(), encodeTask(t, seeded.TaskID))
	require.NoError(t, err)

	assert.Equal(t, []string{outputPath}, media.documents)
	assert.Zero(t, media.deletes, "the winning writer owns the status message")
	assert.Empty(t, media.sent)
}

func Test_HandleEncode_ResumedUploadCompletes(t *testing.T) {
	seeded := seedJob(job.StatusUploading)
	jobs := newFakeJobs(seeded)
	media := &fakeMedia{}
	cacheDir := t.TempDir()

	ws := workspace.New(cacheDir, seeded.TaskID)
	require.NoError(t, ws.Create())
	require.NoError(t, os.WriteFile(ws.OutputPath(seeded.Data.FinalFilename), []byte("encoded bytes"), 0o644))

	worker := cpuworker.New(cpuworker.Config{CacheDir: cacheDir}, nil, jobs, media)
	require.NoError(t, worker.HandleEncode(context.Background(), encodeTask(t, seeded.TaskID)))

	assert.Equal(t, []statusChange{{job.StatusUploading, job.StatusCompleted}}, jobs.transitions)
	assert.Equal(t, 1, media.deletes)
	require.Len(t, media.sent, 1)
	assert.Contains(t, media.sent[0], "finished")
	assert.NoDirExists(t, ws.Path(), "the workspace is gone once the job completes")
}
