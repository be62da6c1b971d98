package job

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/iencode/iencode/internal/database"
	"github.com/iencode/iencode/pkg/logger"
)

var (
	log = logger.Get("JobStore")

	ErrJobNotFound = errors.New("job does not exist")

	// ErrStatusConflict is returned by UpdateStatus when the compare and
	// set found a different 'from' status in the store. Callers must treat
	// this as "someone else (cancellation) won" and back off.
	ErrStatusConflict = errors.New("job status does not match expected value")

	// ErrBadTransition is returned when the requested transition is not
	// permitted by the job state machine, regardless of the stored value.
	ErrBadTransition = errors.New("job status transition not allowed")
)

type (
	// jobModel is the jobs table row. It is kept separate from the public
	// Job type to hide the JsonColumn container from the store's callers.
	jobModel struct {
		TaskID          uuid.UUID                    `db:"task_id"`
		UserID          int64                        `db:"user_id"`
		Filename        string                       `db:"filename"`
		Status          Status                       `db:"status"`
		StatusChatID    int64                        `db:"status_chat_id"`
		StatusMessageID int64                        `db:"status_message_id"`
		Data            database.JsonColumn[JobData] `db:"job_data"`
		CreatedAt       time.Time                    `db:"created_at"`
		UpdatedAt       time.Time                    `db:"updated_at"`
	}

	Store struct{}
)

func NewStore() *Store {
	return &Store{}
}

func selectJobBuilder() squirrel.SelectBuilder {
	return squirrel.
		Select("task_id", "user_id", "filename", "status", "status_chat_id", "status_message_id", "job_data", "created_at", "updated_at").
		From("jobs").
		PlaceholderFormat(squirrel.Dollar)
}

// PutJob upserts the provided job document. The upsert keeps submission
// idempotent from the intake's point of view; the task_id is the identity.
func (store *Store) PutJob(db database.Queryable, j *Job) error {
	data := j.Data
	_, err := db.Exec(`
		INSERT INTO jobs(task_id, user_id, filename, status, status_chat_id, status_message_id, job_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (task_id) DO UPDATE
		SET filename=EXCLUDED.filename, status=EXCLUDED.status,
		    status_chat_id=EXCLUDED.status_chat_id, status_message_id=EXCLUDED.status_message_id,
		    job_data=EXCLUDED.job_data, updated_at=current_timestamp
	`, j.TaskID, j.UserID, j.Filename, j.Status, j.StatusChatID, j.StatusMessageID, database.NewJsonColumn(&data))
	if err != nil {
		return fmt.Errorf("failed to upsert job %s: %w", j.TaskID, err)
	}

	return nil
}

func (store *Store) GetJob(db database.Queryable, taskID uuid.UUID) (*Job, error) {
	query, args, err := selectJobBuilder().Where("jobs.task_id=?", taskID).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to construct select job query: %w", err)
	}

	var row jobModel
	if err := db.Get(&row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}

		return nil, fmt.Errorf("failed to fetch job %s: %w", taskID, err)
	}

	return jobModelToJob(&row), nil
}

// ListActiveByUser returns the user's jobs which have not yet reached a
// terminal status, oldest first. This is the '/queue' view.
func (store *Store) ListActiveByUser(db database.Queryable, userID int64) ([]*Job, error) {
	query, args, err := selectJobBuilder().
		Where("jobs.user_id=?", userID).
		Where(squirrel.NotEq{"jobs.status": []Status{StatusCompleted, StatusFailed, StatusCancelled}}).
		OrderBy("jobs.created_at ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to construct list jobs query: %w", err)
	}

	var rows []jobModel
	if err := db.Select(&rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs for user %d: %w", userID, err)
	}

	output := make([]*Job, len(rows))
	for k := range rows {
		output[k] = jobModelToJob(&rows[k])
	}

	return output, nil
}

// UpdateStatus performs a compare-and-set of the job's status. The
// transition is first checked against the state machine (ErrBadTransition),
// and the write only succeeds when the stored status still equals 'from'
// (ErrStatusConflict otherwise).
func (store *Store) UpdateStatus(db database.Queryable, taskID uuid.UUID, from Status, to Status) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, from, to)
	}

	result, err := db.Exec(`
		UPDATE jobs SET status=$1, updated_at=current_timestamp
		WHERE task_id=$2 AND status=$3
	`, to, taskID, from)
	if err != nil {
		return fmt.Errorf("failed to update status of job %s: %w", taskID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows for job %s: %w", taskID, err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: %s -> %s on job %s", ErrStatusConflict, from, to, taskID)
	}

	log.Verbosef("Job %s transitioned %s -> %s\n", taskID, from, to)
	return nil
}

// ForceStatus sets the status unconditionally of the current value, so long
// as the stored status is non-terminal and permits the transition. Used by
// cancellation and terminal failure writes, which race against the owning
// worker's own CAS updates.
func (store *Store) ForceStatus(db database.Queryable, taskID uuid.UUID, to Status) error {
	result, err := db.Exec(`
		UPDATE jobs SET status=$1, updated_at=current_timestamp
		WHERE task_id=$2 AND status NOT IN ($3, $4, $5)
	`, to, taskID, StatusCompleted, StatusFailed, StatusCancelled)
	if err != nil {
		return fmt.Errorf("failed to force status of job %s: %w", taskID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows for job %s: %w", taskID, err)
	}

	if affected == 0 {
		return ErrStatusConflict
	}

	return nil
}

// RecordBrokerMessage rewrites the broker bookkeeping fields inside the
// job_data blob. The externally visible task_id never changes; acceleration
// swaps only the queue name and the broker message ID used for revocation.
func (store *Store) RecordBrokerMessage(db database.Queryable, taskID uuid.UUID, queue string, brokerID string) error {
	_, err := db.Exec(`
		UPDATE jobs
		SET job_data = jsonb_set(jsonb_set(job_data, '{cpu_queue}', to_jsonb($1::text)), '{broker_message_id}', to_jsonb($2::text)),
		    updated_at = current_timestamp
		WHERE task_id = $3
	`, queue, brokerID, taskID)
	if err != nil {
		return fmt.Errorf("failed to record broker message for job %s: %w", taskID, err)
	}

	return nil
}

// SetCpuQueue rewrites only the cpu_queue field inside job_data. Used by
// acceleration before the I/O stage has handed the job off.
func (store *Store) SetCpuQueue(db database.Queryable, taskID uuid.UUID, queue string) error {
	_, err := db.Exec(`
		UPDATE jobs
		SET job_data = jsonb_set(job_data, '{cpu_queue}', to_jsonb($1::text)),
		    updated_at = current_timestamp
		WHERE task_id = $2
	`, queue, taskID)
	if err != nil {
		return fmt.Errorf("failed to set cpu queue for job %s: %w", taskID, err)
	}

	return nil
}

// RecordAnalysis persists the I/O stage's probe result into job_data.
func (store *Store) RecordAnalysis(db database.Queryable, taskID uuid.UUID, analysis *MediaAnalysis) error {
	data := database.NewJsonColumn(analysis)
	raw, err := data.Value()
	if err != nil {
		return fmt.Errorf("failed to marshal analysis for job %s: %w", taskID, err)
	}

	_, err = db.Exec(`
		UPDATE jobs
		SET job_data = jsonb_set(job_data, '{analysis}', $1::jsonb),
		    updated_at = current_timestamp
		WHERE task_id = $2
	`, raw, taskID)
	if err != nil {
		return fmt.Errorf("failed to record analysis for job %s: %w", taskID, err)
	}

	return nil
}

func (store *Store) RemoveJob(db database.Queryable, taskID uuid.UUID) error {
	if _, err := db.Exec(`DELETE FROM jobs WHERE task_id=$1`, taskID); err != nil {
		return fmt.Errorf("failed to remove job %s: %w", taskID, err)
	}

	return nil
}

func jobModelToJob(row *jobModel) *Job {
	j := &Job{
		TaskID:          row.TaskID,
		UserID:          row.UserID,
		Filename:        row.Filename,
		Status:          row.Status,
		StatusChatID:    row.StatusChatID,
		StatusMessageID: row.StatusMessageID,
		CreatedAt:       row.CreatedAt,
		UpdatedAt:       row.UpdatedAt,
	}

	if data := row.Data.Get(); data != nil {
		j.Data = *data
	}

	return j
}
