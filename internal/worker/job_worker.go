package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/hibiken/asynq"

	"github.com/clipvault/coordinator/internal/client"
	"github.com/clipvault/coordinator/internal/model"
	"github.com/clipvault/coordinator/internal/registry"
	"github.com/clipvault/coordinator/internal/retry"
	"github.com/clipvault/coordinator/internal/service"
	"github.com/clipvault/coordinator/internal/store"
	"github.com/clipvault/coordinator/internal/websocket"
)

// errCancelled signals that a cancel request was observed at a step boundary
var errCancelled = errors.New("job cancelled")

// errSkipExecution signals that this execution attempt must be dropped
// without touching the job (already running elsewhere, cancelled, or done).
var errSkipExecution = errors.New("execution skipped")

// Enqueuer schedules job execution tasks; satisfied by service.JobService
type Enqueuer interface {
	EnqueueExecution(ctx context.Context, jobID string, delay time.Duration) error
}

// Config tunes job execution
type Config struct {
	RetryPolicy      retry.Policy
	MaxRetries       int // job-level automatic retry budget
	VideoConcurrency int // concurrent videos within one job
}

// JobWorker executes jobs dequeued from asynq: it claims the job, drives the
// per-video step chain {metadata, existence check, download, persist} through
// the retry coordinator, and folds the outcome back into the job store.
type JobWorker struct {
	store      *store.Store
	jobs       Enqueuer
	registry   *registry.Registry
	metadata   client.MetadataFetcher
	storage    client.ArchiveStorage
	downloader client.Downloader
	hub        *websocket.Hub

	retryPolicy      retry.Policy
	maxRetries       int
	videoConcurrency int
}

// NewJobWorker creates a job worker
func NewJobWorker(
	st *store.Store,
	jobs Enqueuer,
	reg *registry.Registry,
	metadata client.MetadataFetcher,
	storage client.ArchiveStorage,
	downloader client.Downloader,
	hub *websocket.Hub,
	cfg Config,
) *JobWorker {
	if cfg.RetryPolicy.MaxAttempts <= 0 {
		cfg.RetryPolicy = retry.DefaultPolicy()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.VideoConcurrency <= 0 {
		cfg.VideoConcurrency = 3
	}
	return &JobWorker{
		store:            st,
		jobs:             jobs,
		registry:         reg,
		metadata:         metadata,
		storage:          storage,
		downloader:       downloader,
		hub:              hub,
		retryPolicy:      cfg.RetryPolicy,
		maxRetries:       cfg.MaxRetries,
		videoConcurrency: cfg.VideoConcurrency,
	}
}

// ProcessTask handles one execution attempt for a job
func (w *JobWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload service.JobTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %w", err)
	}

	job, err := w.claim(payload.JobID)
	if err != nil {
		if errors.Is(err, errSkipExecution) || errors.Is(err, model.ErrNotFound) {
			log.Printf("Dropping execution for job %s: %v", payload.JobID, err)
			return nil
		}
		return err
	}

	log.Printf("Starting job %s (%s, %d videos)", job.ID, job.Type, len(job.VideoIDs))
	return w.execute(ctx, job)
}

// claim atomically moves the job into RUNNING. The transition doubles as the
// at-most-one-active-execution guard: a job that is already running,
// cancelled, or finished makes this attempt a no-op. A cancel that landed
// while a retry was scheduled is observed here, before any step runs.
func (w *JobWorker) claim(jobID string) (*model.Job, error) {
	return w.store.Update(jobID, func(j *model.Job) error {
		var reason string
		switch j.Status {
		case model.JobStatusQueued:
			reason = "dequeued"
		case model.JobStatusRetrying:
			reason = "retry attempt"
		default:
			return fmt.Errorf("%w: job is %s", errSkipExecution, j.Status)
		}

		j.StateHistory = append(j.StateHistory, model.StateTransition{
			Timestamp: time.Now(),
			From:      j.Status,
			To:        model.JobStatusRunning,
			Reason:    reason,
		})
		j.Status = model.JobStatusRunning
		if j.StartedAt == nil {
			now := time.Now()
			j.StartedAt = &now
		}
		return nil
	})
}

// execute runs the step chains for all videos with bounded parallelism.
// The first transient failure aborts the remaining work and is escalated to
// a job-level retry; per-video fatal failures are recorded and do not stop
// the batch.
func (w *JobWorker) execute(ctx context.Context, job *model.Job) error {
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	sem := make(chan struct{}, w.videoConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var abortErr error

	for _, videoID := range job.VideoIDs {
		if alreadyDone(job, videoID) {
			continue // resumed run: keep earlier successful results
		}

		wg.Add(1)
		go func(videoID string) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-runCtx.Done():
				return
			}

			result, err := w.processVideo(runCtx, job, videoID)
			if err != nil {
				mu.Lock()
				if abortErr == nil {
					abortErr = err
				}
				mu.Unlock()
				cancelRun()
				return
			}
			w.recordResult(job.ID, result)
		}(videoID)
	}
	wg.Wait()

	switch {
	case abortErr == nil:
		return w.finalize(job.ID)
	case errors.Is(abortErr, errCancelled):
		log.Printf("Job %s cancelled", job.ID)
		w.broadcastError(job.ID, "JOB_CANCELLED", "job cancelled")
		return nil
	case ctx.Err() != nil:
		// Worker server shutting down; hand the task back to the queue.
		return ctx.Err()
	case retry.DefaultClassifier(abortErr) == retry.ClassFatal:
		// Non-retryable failure: fail permanently without consuming retry budget.
		return w.failJob(job.ID, abortErr.Error())
	default:
		return w.handleTransient(ctx, job.ID, abortErr)
	}
}

// processVideo runs the ordered step chain for one video. A returned error is
// a job-level event (transient failure or cancellation); content-level
// failures come back as an unsuccessful VideoResult.
func (w *JobWorker) processVideo(ctx context.Context, job *model.Job, videoID string) (model.VideoResult, error) {
	w.updateMessage(job.ID, fmt.Sprintf("Fetching metadata for %s", videoID))
	var meta *client.VideoMetadata
	err := w.callService(ctx, job.ID, client.ServiceNameMetadata, func(ctx context.Context) error {
		m, err := w.metadata.Fetch(ctx, videoID)
		if err != nil {
			return err
		}
		meta = m
		return nil
	})
	if err != nil {
		return w.videoOutcome(videoID, err)
	}

	if job.Type == model.JobTypeMetadataOnly {
		w.updateMessage(job.ID, fmt.Sprintf("Persisting metadata for %s", videoID))
		record := &client.ArchiveRecord{
			VideoID:      videoID,
			Title:        meta.Title,
			Channel:      meta.Channel,
			MetadataOnly: true,
		}
		err = w.callService(ctx, job.ID, client.ServiceNameStorage, func(ctx context.Context) error {
			return w.storage.Save(ctx, record)
		})
		if err != nil {
			return w.videoOutcome(videoID, err)
		}
		return successResult(videoID, "", 0), nil
	}

	w.updateMessage(job.ID, fmt.Sprintf("Checking archive for %s", videoID))
	var status *client.StorageStatus
	err = w.callService(ctx, job.ID, client.ServiceNameStorage, func(ctx context.Context) error {
		st, err := w.storage.Exists(ctx, videoID)
		if err != nil {
			return err
		}
		status = st
		return nil
	})
	if err != nil {
		return w.videoOutcome(videoID, err)
	}

	if job.Options.SkipExisting && status.HasVideo {
		result := successResult(videoID, "", 0)
		result.Skipped = true
		return result, nil
	}

	w.updateMessage(job.ID, fmt.Sprintf("Downloading %s", videoID))
	var dl *client.DownloadResult
	err = w.callService(ctx, job.ID, client.ServiceNameDownloader, func(ctx context.Context) error {
		res, err := w.downloader.Download(ctx, &client.DownloadRequest{
			VideoID:      videoID,
			Quality:      job.Options.Quality,
			OutputPath:   job.Options.OutputPath,
			CaptionLangs: job.Options.CaptionLangs,
		})
		if err != nil {
			return err
		}
		dl = res
		return nil
	})
	if err != nil {
		return w.videoOutcome(videoID, err)
	}

	w.updateMessage(job.ID, fmt.Sprintf("Persisting archive record for %s", videoID))
	record := &client.ArchiveRecord{
		VideoID:      videoID,
		Title:        meta.Title,
		Channel:      meta.Channel,
		FilePath:     dl.FilePath,
		Size:         dl.Size,
		Quality:      job.Options.Quality,
		CaptionLangs: job.Options.CaptionLangs,
	}
	err = w.callService(ctx, job.ID, client.ServiceNameStorage, func(ctx context.Context) error {
		return w.storage.Save(ctx, record)
	})
	if err != nil {
		return w.videoOutcome(videoID, err)
	}

	return successResult(videoID, dl.FilePath, dl.Size), nil
}

// callService gates one step dispatch: cancel check at the step boundary, a
// fail-fast health gate inside the retry loop (an unhealthy dependency
// raises DependencyUnavailable without a network call), then the call itself
// under the retry policy.
func (w *JobWorker) callService(ctx context.Context, jobID, serviceName string, op func(context.Context) error) error {
	cancelled, err := w.isCancelled(jobID)
	if err != nil {
		return err
	}
	if cancelled {
		return errCancelled
	}

	_, err = retry.Do(ctx, w.retryPolicy, func(ctx context.Context) error {
		if !w.registry.IsHealthy(serviceName) {
			return fmt.Errorf("%w: service %s is marked unhealthy", model.ErrDependencyUnavailable, serviceName)
		}
		return op(ctx)
	}, retry.DefaultClassifier)
	return err
}

// videoOutcome folds a step-chain error into either a per-video failure
// (content is gone, the rest of the batch continues) or a job-level error.
func (w *JobWorker) videoOutcome(videoID string, err error) (model.VideoResult, error) {
	if errors.Is(err, model.ErrNotFoundUpstream) {
		msg := err.Error()
		return model.VideoResult{
			VideoID:     videoID,
			Success:     false,
			Error:       &msg,
			CompletedAt: time.Now(),
		}, nil
	}
	return model.VideoResult{}, err
}

func successResult(videoID, filePath string, size int64) model.VideoResult {
	return model.VideoResult{
		VideoID:     videoID,
		Success:     true,
		FilePath:    filePath,
		Size:        size,
		CompletedAt: time.Now(),
	}
}

func alreadyDone(job *model.Job, videoID string) bool {
	for _, r := range job.Results {
		if r.VideoID == videoID && r.Success {
			return true
		}
	}
	return false
}

// recordResult appends (or replaces) the per-video outcome and recomputes
// progress.
func (w *JobWorker) recordResult(jobID string, result model.VideoResult) {
	job, err := w.store.Update(jobID, func(j *model.Job) error {
		replaced := false
		for i, r := range j.Results {
			if r.VideoID == result.VideoID {
				j.Results[i] = result
				replaced = true
				break
			}
		}
		if !replaced {
			j.Results = append(j.Results, result)
		}

		j.Progress.Current = len(j.Results)
		j.Progress.Total = len(j.VideoIDs)
		if j.Progress.Total > 0 {
			j.Progress.Percentage = float64(j.Progress.Current) / float64(j.Progress.Total) * 100
		}
		j.Progress.Message = fmt.Sprintf("Processed %d/%d videos", j.Progress.Current, j.Progress.Total)
		return nil
	})
	if err != nil {
		log.Printf("Failed to record result for job %s: %v", jobID, err)
		return
	}
	w.broadcastProgress(job)
}

// finalize decides the terminal status once every video has an outcome:
// COMPLETED if at least one video succeeded (annotated when some failed),
// FAILED if none did.
func (w *JobWorker) finalize(jobID string) error {
	job, err := w.store.Get(jobID)
	if err != nil {
		return err
	}
	if job.Status == model.JobStatusCancelled {
		return nil
	}

	failed := job.FailureCount()
	if job.SuccessCount() == 0 && len(job.VideoIDs) > 0 {
		return w.failJob(jobID, fmt.Sprintf("all %d videos failed", failed))
	}

	job, err = w.store.Update(jobID, func(j *model.Job) error {
		if !model.CanTransition(j.Status, model.JobStatusCompleted) {
			return fmt.Errorf("%w: job is %s", model.ErrConflict, j.Status)
		}
		reason := "all steps finished"
		if failed > 0 {
			reason = fmt.Sprintf("finished with %d failed videos", failed)
			msg := fmt.Sprintf("%d of %d videos failed", failed, len(j.VideoIDs))
			j.Error = &msg
		} else {
			j.Error = nil
		}
		j.StateHistory = append(j.StateHistory, model.StateTransition{
			Timestamp: time.Now(),
			From:      j.Status,
			To:        model.JobStatusCompleted,
			Reason:    reason,
		})
		j.Status = model.JobStatusCompleted
		j.Progress.Percentage = 100
		j.Progress.Message = reason
		now := time.Now()
		j.CompletedAt = &now
		return nil
	})
	if err != nil {
		if errors.Is(err, model.ErrConflict) {
			// Cancel won the race during the last step; nothing to do.
			return nil
		}
		return err
	}

	log.Printf("Job %s completed (%d/%d videos ok)", jobID, job.SuccessCount(), len(job.VideoIDs))
	w.broadcastProgress(job)
	if w.hub != nil {
		w.hub.BroadcastComplete(jobID, job.Results)
	}
	return nil
}

// handleTransient escalates an absorbed-then-exhausted transient failure to
// the job level: schedule a retry while budget remains, otherwise fail
// permanently.
func (w *JobWorker) handleTransient(ctx context.Context, jobID string, cause error) error {
	current, err := w.store.Get(jobID)
	if err != nil {
		return err
	}
	if current.RetryCount >= w.maxRetries {
		return w.failJob(jobID, fmt.Sprintf("retries exhausted after %d attempts: %v", current.RetryCount, cause))
	}

	job, err := w.store.Update(jobID, func(j *model.Job) error {
		if !model.CanTransition(j.Status, model.JobStatusRetrying) {
			return fmt.Errorf("%w: job is %s", model.ErrConflict, j.Status)
		}
		j.StateHistory = append(j.StateHistory, model.StateTransition{
			Timestamp: time.Now(),
			From:      j.Status,
			To:        model.JobStatusRetrying,
			Reason:    cause.Error(),
		})
		j.Status = model.JobStatusRetrying
		j.RetryCount++
		msg := cause.Error()
		j.Error = &msg
		return nil
	})
	if err != nil {
		if errors.Is(err, model.ErrConflict) {
			log.Printf("Job %s: retry superseded: %v", jobID, err)
			return nil
		}
		return err
	}

	delay := w.retryPolicy.Delay(job.RetryCount - 1)
	if err := w.jobs.EnqueueExecution(ctx, jobID, delay); err != nil {
		return fmt.Errorf("failed to schedule retry for job %s: %w", jobID, err)
	}
	log.Printf("Job %s: transient failure, retry %d/%d in %v: %v", jobID, job.RetryCount, w.maxRetries, delay, cause)
	w.broadcastProgress(job)
	return nil
}

// failJob marks the job permanently failed
func (w *JobWorker) failJob(jobID, errMsg string) error {
	job, err := w.store.Update(jobID, func(j *model.Job) error {
		if !model.CanTransition(j.Status, model.JobStatusFailed) {
			return fmt.Errorf("%w: job is %s", model.ErrConflict, j.Status)
		}
		j.StateHistory = append(j.StateHistory, model.StateTransition{
			Timestamp: time.Now(),
			From:      j.Status,
			To:        model.JobStatusFailed,
			Reason:    errMsg,
		})
		j.Status = model.JobStatusFailed
		j.Error = &errMsg
		now := time.Now()
		j.CompletedAt = &now
		return nil
	})
	if err != nil {
		if errors.Is(err, model.ErrConflict) {
			return nil
		}
		return err
	}

	log.Printf("Job %s failed: %s", jobID, errMsg)
	w.broadcastError(job.ID, "JOB_FAILED", errMsg)
	return nil
}

func (w *JobWorker) isCancelled(jobID string) (bool, error) {
	job, err := w.store.Get(jobID)
	if err != nil {
		return false, err
	}
	return job.Status == model.JobStatusCancelled, nil
}

// updateMessage refreshes the human-readable progress message only
func (w *JobWorker) updateMessage(jobID, message string) {
	job, err := w.store.Update(jobID, func(j *model.Job) error {
		j.Progress.Message = message
		return nil
	})
	if err != nil {
		log.Printf("Failed to update progress for job %s: %v", jobID, err)
		return
	}
	w.broadcastProgress(job)
}

func (w *JobWorker) broadcastProgress(job *model.Job) {
	if w.hub == nil {
		return
	}
	w.hub.BroadcastProgress(job.ID, job.Status, job.Progress)
}

func (w *JobWorker) broadcastError(jobID, code, message string) {
	if w.hub == nil {
		return
	}
	w.hub.BroadcastError(jobID, code, message)
}
