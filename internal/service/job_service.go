package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/clipvault/coordinator/internal/model"
	"github.com/clipvault/coordinator/internal/store"
)

// TaskTypeJob is the asynq task type for job execution. Retry policy is owned
// by the coordinator, so tasks are enqueued with MaxRetry(0).
const TaskTypeJob = "job:execute"

// QueueJobs is the asynq queue jobs are dispatched on
const QueueJobs = "jobs"

// JobTaskPayload is the asynq task body; the job record itself lives in the
// store, the queue only carries the id.
type JobTaskPayload struct {
	JobID string `json:"jobId"`
}

// TaskEnqueuer is the slice of asynq.Client the service needs
type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// JobService owns job lifecycle operations: create, query, cancel, manual
// retry. It is the only component that enqueues execution tasks.
type JobService struct {
	store            *store.Store
	asynqClient      TaskEnqueuer
	maxManualRetries int
}

// NewJobService creates a job service
func NewJobService(st *store.Store, asynqClient TaskEnqueuer, maxManualRetries int) *JobService {
	return &JobService{
		store:            st,
		asynqClient:      asynqClient,
		maxManualRetries: maxManualRetries,
	}
}

// Create validates the request, persists the job (CREATED), submits it
// (CREATED -> QUEUED) and enqueues the execution task.
func (s *JobService) Create(ctx context.Context, req *model.JobCreateRequest) (*model.JobCreateResponse, error) {
	if len(req.VideoIDs) == 0 {
		return nil, fmt.Errorf("%w: videoIds must not be empty", model.ErrValidation)
	}

	job := &model.Job{
		ID:       uuid.New().String(),
		Type:     req.Type,
		Status:   model.JobStatusCreated,
		VideoIDs: req.VideoIDs,
		Options:  req.Options,
		Progress: model.Progress{Total: len(req.VideoIDs)},
	}

	job, err := s.store.Create(job)
	if err != nil {
		return nil, fmt.Errorf("failed to save job: %w", err)
	}

	job, err = s.store.Transition(job.ID, model.JobStatusQueued, "submitted")
	if err != nil {
		return nil, fmt.Errorf("failed to submit job: %w", err)
	}

	if err := s.EnqueueExecution(ctx, job.ID, 0); err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	return &model.JobCreateResponse{
		JobID:     job.ID,
		Status:    job.Status,
		CreatedAt: job.CreatedAt,
	}, nil
}

// Get returns a job by id
func (s *JobService) Get(ctx context.Context, jobID string) (*model.Job, error) {
	return s.store.Get(jobID)
}

// List returns jobs filtered by optional status, with stable pagination
func (s *JobService) List(ctx context.Context, status string, limit, offset int) (*model.JobListResponse, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	filter := store.ListFilter{Limit: limit, Offset: offset}
	if status != "" {
		st := model.JobStatus(status)
		if !model.IsValidStatus(st) {
			return nil, fmt.Errorf("%w: unknown status %q", model.ErrValidation, status)
		}
		filter.Status = &st
	}

	jobs, total, err := s.store.List(filter)
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []*model.Job{}
	}
	return &model.JobListResponse{
		Jobs:   jobs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	}, nil
}

// Cancel requests cancellation of a queued, running, or retrying job. The
// flag is observed cooperatively at step boundaries; a cancelled RETRYING job
// never re-enters RUNNING because the worker re-checks status at claim time.
func (s *JobService) Cancel(ctx context.Context, jobID string) (*model.JobCancelResponse, error) {
	job, err := s.store.Transition(jobID, model.JobStatusCancelled, "cancel requested")
	if err != nil {
		return nil, err
	}
	return &model.JobCancelResponse{
		Success: true,
		JobID:   job.ID,
		Status:  job.Status,
	}, nil
}

// Retry re-drives a permanently failed job. The automatic retry budget is
// reset; the number of manual retries is capped to prevent infinite loops.
func (s *JobService) Retry(ctx context.Context, jobID string) (*model.JobRetryResponse, error) {
	job, err := s.store.Update(jobID, func(j *model.Job) error {
		if j.Status != model.JobStatusFailed {
			return fmt.Errorf("%w: job %s is %s, only failed jobs can be retried", model.ErrConflict, jobID, j.Status)
		}
		if j.ManualRetries >= s.maxManualRetries {
			return fmt.Errorf("%w: job %s reached the manual retry limit (%d)", model.ErrConflict, jobID, s.maxManualRetries)
		}
		j.StateHistory = append(j.StateHistory, model.StateTransition{
			Timestamp: time.Now(),
			From:      j.Status,
			To:        model.JobStatusRetrying,
			Reason:    "manual retry",
		})
		j.Status = model.JobStatusRetrying
		j.ManualRetries++
		j.RetryCount = 0
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.EnqueueExecution(ctx, job.ID, 0); err != nil {
		return nil, fmt.Errorf("failed to enqueue retry: %w", err)
	}

	return &model.JobRetryResponse{
		Success:       true,
		JobID:         job.ID,
		Status:        job.Status,
		ManualRetries: job.ManualRetries,
	}, nil
}

// RecoverInterrupted re-drives jobs that were RUNNING when the previous
// process died. The stored status still reads RUNNING, so redelivered queue
// tasks are dropped at claim time and the job would be wedged forever;
// flipping to RETRYING and re-enqueueing makes the job recoverable again.
// Called once at startup, before the worker server begins dequeuing.
func (s *JobService) RecoverInterrupted(ctx context.Context) (int, error) {
	running := model.JobStatusRunning
	jobs, _, err := s.store.List(store.ListFilter{Status: &running})
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, job := range jobs {
		if _, err := s.store.Transition(job.ID, model.JobStatusRetrying, "interrupted by restart"); err != nil {
			return recovered, fmt.Errorf("failed to recover job %s: %w", job.ID, err)
		}
		if err := s.EnqueueExecution(ctx, job.ID, 0); err != nil {
			return recovered, fmt.Errorf("failed to re-enqueue job %s: %w", job.ID, err)
		}
		recovered++
	}
	return recovered, nil
}

// EnqueueExecution schedules an execution task for the job, optionally after
// a delay (used for the RETRYING backoff).
func (s *JobService) EnqueueExecution(ctx context.Context, jobID string, delay time.Duration) error {
	task, err := newJobTask(jobID)
	if err != nil {
		return err
	}

	opts := []asynq.Option{
		asynq.Queue(QueueJobs),
		asynq.MaxRetry(0),
		asynq.Retention(24 * time.Hour),
	}
	if delay > 0 {
		opts = append(opts, asynq.ProcessIn(delay))
	}

	_, err = s.asynqClient.EnqueueContext(ctx, task, opts...)
	return err
}

func newJobTask(jobID string) (*asynq.Task, error) {
	data, err := json.Marshal(JobTaskPayload{JobID: jobID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeJob, data), nil
}
