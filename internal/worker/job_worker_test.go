package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"

	"github.com/clipvault/coordinator/internal/client"
	"github.com/clipvault/coordinator/internal/model"
	"github.com/clipvault/coordinator/internal/registry"
	"github.com/clipvault/coordinator/internal/retry"
	"github.com/clipvault/coordinator/internal/service"
	"github.com/clipvault/coordinator/internal/store"
)

type fakeMetadata struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]error
	// failUntil fails the first N calls per video, then succeeds
	failUntil map[string]int
}

func newFakeMetadata() *fakeMetadata {
	return &fakeMetadata{
		calls:     make(map[string]int),
		fail:      make(map[string]error),
		failUntil: make(map[string]int),
	}
}

func (f *fakeMetadata) Fetch(ctx context.Context, videoID string) (*client.VideoMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[videoID]++
	if n, ok := f.failUntil[videoID]; ok && f.calls[videoID] <= n {
		return nil, model.ErrDependencyUnavailable
	}
	if err, ok := f.fail[videoID]; ok {
		return nil, err
	}
	return &client.VideoMetadata{VideoID: videoID, Title: "title " + videoID, Channel: "channel"}, nil
}

func (f *fakeMetadata) callCount(videoID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[videoID]
}

type fakeStorage struct {
	mu       sync.Mutex
	existing map[string]bool
	saved    []*client.ArchiveRecord
	saveErr  error
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{existing: make(map[string]bool)}
}

func (f *fakeStorage) Exists(ctx context.Context, videoID string) (*client.StorageStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &client.StorageStatus{HasVideo: f.existing[videoID]}, nil
}

func (f *fakeStorage) Save(ctx context.Context, record *client.ArchiveRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = append(f.saved, record)
	return nil
}

func (f *fakeStorage) savedRecords() []*client.ArchiveRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*client.ArchiveRecord, len(f.saved))
	copy(out, f.saved)
	return out
}

type fakeDownloader struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeDownloader) Download(ctx context.Context, req *client.DownloadRequest) (*client.DownloadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &client.DownloadResult{FilePath: "/archive/" + req.VideoID + ".mp4", Size: 1024}, nil
}

func (f *fakeDownloader) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeEnqueuer struct {
	mu     sync.Mutex
	jobIDs []string
	delays []time.Duration
}

func (f *fakeEnqueuer) EnqueueExecution(ctx context.Context, jobID string, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobIDs = append(f.jobIDs, jobID)
	f.delays = append(f.delays, delay)
	return nil
}

func (f *fakeEnqueuer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobIDs)
}

type workerFixture struct {
	store      *store.Store
	metadata   *fakeMetadata
	storage    *fakeStorage
	downloader *fakeDownloader
	enqueuer   *fakeEnqueuer
	registry   *registry.Registry
	worker     *JobWorker
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}

	f := &workerFixture{
		store:      st,
		metadata:   newFakeMetadata(),
		storage:    newFakeStorage(),
		downloader: &fakeDownloader{},
		enqueuer:   &fakeEnqueuer{},
		registry:   registry.New(),
	}
	f.worker = NewJobWorker(st, f.enqueuer, f.registry, f.metadata, f.storage, f.downloader, nil, Config{
		RetryPolicy: retry.Policy{
			MaxAttempts:     3,
			BaseDelay:       time.Millisecond,
			MaxDelay:        5 * time.Millisecond,
			ExponentialBase: 2.0,
		},
		MaxRetries:       2,
		VideoConcurrency: 2,
	})
	return f
}

func (f *workerFixture) createJob(t *testing.T, jobType model.JobType, status model.JobStatus, videoIDs ...string) *model.Job {
	t.Helper()
	job := &model.Job{
		ID:       "job-" + string(jobType) + "-" + string(status),
		Type:     jobType,
		Status:   model.JobStatusCreated,
		VideoIDs: videoIDs,
	}
	created, err := f.store.Create(job)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if status != model.JobStatusCreated {
		if _, err := f.store.Transition(created.ID, model.JobStatusQueued, "submitted"); err != nil {
			t.Fatalf("Transition to queued: %v", err)
		}
	}
	if status != model.JobStatusCreated && status != model.JobStatusQueued {
		path := transitionPath(model.JobStatusQueued, status)
		for _, s := range path {
			if _, err := f.store.Transition(created.ID, s, "test setup"); err != nil {
				t.Fatalf("Transition to %s: %v", s, err)
			}
		}
	}
	got, err := f.store.Get(created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return got
}

// transitionPath walks the legal edges from queued to the target status
func transitionPath(from, to model.JobStatus) []model.JobStatus {
	switch to {
	case model.JobStatusRunning:
		return []model.JobStatus{model.JobStatusRunning}
	case model.JobStatusRetrying:
		return []model.JobStatus{model.JobStatusRunning, model.JobStatusRetrying}
	case model.JobStatusCancelled:
		return []model.JobStatus{model.JobStatusCancelled}
	case model.JobStatusCompleted:
		return []model.JobStatus{model.JobStatusRunning, model.JobStatusCompleted}
	case model.JobStatusFailed:
		return []model.JobStatus{model.JobStatusRunning, model.JobStatusFailed}
	}
	return nil
}

func (f *workerFixture) run(t *testing.T, jobID string) error {
	t.Helper()
	payload, err := json.Marshal(service.JobTaskPayload{JobID: jobID})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	task := asynq.NewTask(service.TaskTypeJob, payload)
	return f.worker.ProcessTask(context.Background(), task)
}

func (f *workerFixture) jobStatus(t *testing.T, jobID string) *model.Job {
	t.Helper()
	job, err := f.store.Get(jobID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return job
}

func TestProcessTaskHappyPath(t *testing.T) {
	f := newWorkerFixture(t)
	job := f.createJob(t, model.JobTypeVideoDownload, model.JobStatusQueued, "v1", "v2")

	if err := f.run(t, job.ID); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}

	got := f.jobStatus(t, job.ID)
	if got.Status != model.JobStatusCompleted {
		t.Fatalf("status = %s, want %s", got.Status, model.JobStatusCompleted)
	}
	if got.SuccessCount() != 2 {
		t.Errorf("success count = %d, want 2", got.SuccessCount())
	}
	if got.Progress.Percentage != 100 {
		t.Errorf("progress = %.1f, want 100", got.Progress.Percentage)
	}
	if got.CompletedAt == nil {
		t.Error("expected CompletedAt to be set")
	}
	if got.StartedAt == nil {
		t.Error("expected StartedAt to be set")
	}
	if got.Error != nil {
		t.Errorf("expected no job error, got %q", *got.Error)
	}
	if n := len(f.storage.savedRecords()); n != 2 {
		t.Errorf("saved records = %d, want 2", n)
	}
}

func TestProcessTaskRecordsStateHistory(t *testing.T) {
	f := newWorkerFixture(t)
	job := f.createJob(t, model.JobTypeVideoDownload, model.JobStatusQueued, "v1")

	if err := f.run(t, job.ID); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}

	got := f.jobStatus(t, job.ID)
	want := []model.JobStatus{model.JobStatusCreated, model.JobStatusQueued, model.JobStatusRunning, model.JobStatusCompleted}
	if len(got.StateHistory) != len(want) {
		t.Fatalf("history length = %d, want %d", len(got.StateHistory), len(want))
	}
	for i, entry := range got.StateHistory {
		if entry.To != want[i] {
			t.Errorf("history[%d].To = %s, want %s", i, entry.To, want[i])
		}
	}
}

func TestProcessTaskTransientAbsorbedByStepRetry(t *testing.T) {
	f := newWorkerFixture(t)
	job := f.createJob(t, model.JobTypeVideoDownload, model.JobStatusQueued, "v1")
	f.metadata.failUntil["v1"] = 2 // first two fetches fail, third succeeds

	if err := f.run(t, job.ID); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}

	got := f.jobStatus(t, job.ID)
	if got.Status != model.JobStatusCompleted {
		t.Fatalf("status = %s, want %s", got.Status, model.JobStatusCompleted)
	}
	if got.RetryCount != 0 {
		t.Errorf("retry count = %d, want 0 (transient absorbed at step level)", got.RetryCount)
	}
	if n := f.metadata.callCount("v1"); n != 3 {
		t.Errorf("metadata calls = %d, want 3", n)
	}
	if f.enqueuer.count() != 0 {
		t.Errorf("expected no job-level retry, got %d", f.enqueuer.count())
	}
}

func TestProcessTaskTransientEscalatesToJobRetry(t *testing.T) {
	f := newWorkerFixture(t)
	job := f.createJob(t, model.JobTypeVideoDownload, model.JobStatusQueued, "v1")
	f.metadata.fail["v1"] = model.ErrDependencyUnavailable

	if err := f.run(t, job.ID); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}

	got := f.jobStatus(t, job.ID)
	if got.Status != model.JobStatusRetrying {
		t.Fatalf("status = %s, want %s", got.Status, model.JobStatusRetrying)
	}
	if got.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", got.RetryCount)
	}
	if got.Error == nil {
		t.Error("expected job error to be recorded")
	}
	if f.enqueuer.count() != 1 {
		t.Fatalf("expected 1 scheduled retry, got %d", f.enqueuer.count())
	}
	if n := f.metadata.callCount("v1"); n != 3 {
		t.Errorf("metadata calls = %d, want 3 (step retry exhausted)", n)
	}
}

func TestProcessTaskFatalFailureSkipsRetryBudget(t *testing.T) {
	f := newWorkerFixture(t)
	job := f.createJob(t, model.JobTypeVideoDownload, model.JobStatusQueued, "v1")
	f.metadata.fail["v1"] = model.ErrValidation

	if err := f.run(t, job.ID); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}

	got := f.jobStatus(t, job.ID)
	if got.Status != model.JobStatusFailed {
		t.Fatalf("status = %s, want %s", got.Status, model.JobStatusFailed)
	}
	if got.RetryCount != 0 {
		t.Errorf("retry count = %d, want 0 for fatal failure", got.RetryCount)
	}
	if n := f.metadata.callCount("v1"); n != 1 {
		t.Errorf("metadata calls = %d, want 1 (fatal stops the retry loop)", n)
	}
	if f.enqueuer.count() != 0 {
		t.Errorf("expected no scheduled retries, got %d", f.enqueuer.count())
	}
}

func TestProcessTaskRetriesExhaustedFailsJob(t *testing.T) {
	f := newWorkerFixture(t)
	job := f.createJob(t, model.JobTypeVideoDownload, model.JobStatusRetrying, "v1")
	f.metadata.fail["v1"] = model.ErrDependencyUnavailable

	// Put the job at its retry budget
	if _, err := f.store.Update(job.ID, func(j *model.Job) error {
		j.RetryCount = 2
		return nil
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if err := f.run(t, job.ID); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}

	got := f.jobStatus(t, job.ID)
	if got.Status != model.JobStatusFailed {
		t.Fatalf("status = %s, want %s", got.Status, model.JobStatusFailed)
	}
	if got.Error == nil {
		t.Error("expected job error to be recorded")
	}
	if got.CompletedAt == nil {
		t.Error("expected CompletedAt to be set on failure")
	}
	if f.enqueuer.count() != 0 {
		t.Errorf("expected no further retries, got %d", f.enqueuer.count())
	}
}

func TestProcessTaskPartialSuccessCompletes(t *testing.T) {
	f := newWorkerFixture(t)
	job := f.createJob(t, model.JobTypeVideoDownload, model.JobStatusQueued, "v1", "v2", "v3")
	f.metadata.fail["v2"] = model.ErrNotFoundUpstream

	if err := f.run(t, job.ID); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}

	got := f.jobStatus(t, job.ID)
	if got.Status != model.JobStatusCompleted {
		t.Fatalf("status = %s, want %s", got.Status, model.JobStatusCompleted)
	}
	if got.SuccessCount() != 2 {
		t.Errorf("success count = %d, want 2", got.SuccessCount())
	}
	if got.FailureCount() != 1 {
		t.Errorf("failure count = %d, want 1", got.FailureCount())
	}
	if got.Error == nil {
		t.Error("expected partial failure annotation on job error")
	}
}

func TestProcessTaskAllVideosGoneFailsJob(t *testing.T) {
	f := newWorkerFixture(t)
	job := f.createJob(t, model.JobTypeVideoDownload, model.JobStatusQueued, "v1", "v2")
	f.metadata.fail["v1"] = model.ErrNotFoundUpstream
	f.metadata.fail["v2"] = model.ErrNotFoundUpstream

	if err := f.run(t, job.ID); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}

	got := f.jobStatus(t, job.ID)
	if got.Status != model.JobStatusFailed {
		t.Fatalf("status = %s, want %s", got.Status, model.JobStatusFailed)
	}
	if f.enqueuer.count() != 0 {
		t.Errorf("content-gone failures must not schedule retries, got %d", f.enqueuer.count())
	}
}

func TestProcessTaskDropsCancelledJob(t *testing.T) {
	f := newWorkerFixture(t)
	job := f.createJob(t, model.JobTypeVideoDownload, model.JobStatusCancelled, "v1")

	if err := f.run(t, job.ID); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}

	got := f.jobStatus(t, job.ID)
	if got.Status != model.JobStatusCancelled {
		t.Fatalf("status = %s, want %s", got.Status, model.JobStatusCancelled)
	}
	if n := f.metadata.callCount("v1"); n != 0 {
		t.Errorf("metadata calls = %d, want 0 for cancelled job", n)
	}
}

func TestProcessTaskDoesNotReclaimRunningJob(t *testing.T) {
	f := newWorkerFixture(t)
	job := f.createJob(t, model.JobTypeVideoDownload, model.JobStatusRunning, "v1")

	if err := f.run(t, job.ID); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}

	got := f.jobStatus(t, job.ID)
	if got.Status != model.JobStatusRunning {
		t.Fatalf("status = %s, want %s", got.Status, model.JobStatusRunning)
	}
	if n := f.metadata.callCount("v1"); n != 0 {
		t.Errorf("metadata calls = %d, want 0 for already-running job", n)
	}
}

func TestProcessTaskUnknownJobDropped(t *testing.T) {
	f := newWorkerFixture(t)

	if err := f.run(t, "no-such-job"); err != nil {
		t.Fatalf("ProcessTask should drop unknown jobs, got %v", err)
	}
}

func TestProcessTaskMetadataOnly(t *testing.T) {
	f := newWorkerFixture(t)
	job := f.createJob(t, model.JobTypeMetadataOnly, model.JobStatusQueued, "v1")

	if err := f.run(t, job.ID); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}

	got := f.jobStatus(t, job.ID)
	if got.Status != model.JobStatusCompleted {
		t.Fatalf("status = %s, want %s", got.Status, model.JobStatusCompleted)
	}
	if f.downloader.callCount() != 0 {
		t.Errorf("downloader calls = %d, want 0 for metadata-only job", f.downloader.callCount())
	}
	saved := f.storage.savedRecords()
	if len(saved) != 1 {
		t.Fatalf("saved records = %d, want 1", len(saved))
	}
	if !saved[0].MetadataOnly {
		t.Error("expected MetadataOnly flag on saved record")
	}
}

func TestProcessTaskSkipExisting(t *testing.T) {
	f := newWorkerFixture(t)
	job := f.createJob(t, model.JobTypeVideoDownload, model.JobStatusQueued, "v1")
	if _, err := f.store.Update(job.ID, func(j *model.Job) error {
		j.Options.SkipExisting = true
		return nil
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	f.storage.existing["v1"] = true

	if err := f.run(t, job.ID); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}

	got := f.jobStatus(t, job.ID)
	if got.Status != model.JobStatusCompleted {
		t.Fatalf("status = %s, want %s", got.Status, model.JobStatusCompleted)
	}
	if f.downloader.callCount() != 0 {
		t.Errorf("downloader calls = %d, want 0 for already-archived video", f.downloader.callCount())
	}
	if len(got.Results) != 1 || !got.Results[0].Skipped {
		t.Errorf("expected a skipped result, got %+v", got.Results)
	}
}

func TestProcessTaskResumeSkipsSucceededVideos(t *testing.T) {
	f := newWorkerFixture(t)
	job := f.createJob(t, model.JobTypeVideoDownload, model.JobStatusRetrying, "v1", "v2")
	if _, err := f.store.Update(job.ID, func(j *model.Job) error {
		j.Results = []model.VideoResult{{
			VideoID:     "v1",
			Success:     true,
			FilePath:    "/archive/v1.mp4",
			CompletedAt: time.Now(),
		}}
		j.RetryCount = 1
		return nil
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if err := f.run(t, job.ID); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}

	got := f.jobStatus(t, job.ID)
	if got.Status != model.JobStatusCompleted {
		t.Fatalf("status = %s, want %s", got.Status, model.JobStatusCompleted)
	}
	if n := f.metadata.callCount("v1"); n != 0 {
		t.Errorf("metadata calls for v1 = %d, want 0 (already succeeded)", n)
	}
	if n := f.metadata.callCount("v2"); n != 1 {
		t.Errorf("metadata calls for v2 = %d, want 1", n)
	}
	if got.SuccessCount() != 2 {
		t.Errorf("success count = %d, want 2", got.SuccessCount())
	}
}

func TestProcessTaskUnhealthyDependencyFailsFast(t *testing.T) {
	f := newWorkerFixture(t)
	job := f.createJob(t, model.JobTypeVideoDownload, model.JobStatusQueued, "v1")

	f.registry.Register(&model.ServiceRegisterRequest{
		ServiceName:    client.ServiceNameDownloader,
		URL:            "http://localhost:9999",
		HealthEndpoint: "http://localhost:9999/health",
	})
	f.registry.RecordProbe(client.ServiceNameDownloader, false, 1)

	if err := f.run(t, job.ID); err != nil {
		t.Fatalf("ProcessTask: %v", err)
	}

	got := f.jobStatus(t, job.ID)
	if got.Status != model.JobStatusRetrying {
		t.Fatalf("status = %s, want %s", got.Status, model.JobStatusRetrying)
	}
	if f.downloader.callCount() != 0 {
		t.Errorf("downloader calls = %d, want 0 while marked unhealthy", f.downloader.callCount())
	}
}
