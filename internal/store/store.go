package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/clipvault/coordinator/internal/model"
)

// ListFilter controls pagination and filtering for job listings
type ListFilter struct {
	Status *model.JobStatus
	Limit  int
	Offset int
}

// Store persists jobs as one JSON file per job id, committed with
// write-temp-then-rename so a crash never corrupts previously written state.
// An in-memory index backs queries; per-job mutexes give every Update
// read-modify-write exclusivity.
type Store struct {
	dir string

	mu    sync.RWMutex
	jobs  map[string]*model.Job
	order []string // insertion order, for stable pagination

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// New opens a store rooted at dir, creating it if needed and loading any
// jobs persisted by a previous run.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory %s: %w", dir, err)
	}

	s := &Store{
		dir:   dir,
		jobs:  make(map[string]*model.Job),
		locks: make(map[string]*sync.Mutex),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read store directory %s: %w", s.dir, err)
	}

	var loaded []*model.Job
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			return fmt.Errorf("read job file %s: %w", e.Name(), err)
		}
		var job model.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return fmt.Errorf("parse job file %s: %w", e.Name(), err)
		}
		loaded = append(loaded, &job)
	}

	sort.Slice(loaded, func(i, j int) bool {
		if loaded[i].CreatedAt.Equal(loaded[j].CreatedAt) {
			return loaded[i].ID < loaded[j].ID
		}
		return loaded[i].CreatedAt.Before(loaded[j].CreatedAt)
	})
	for _, job := range loaded {
		s.jobs[job.ID] = job
		s.order = append(s.order, job.ID)
	}
	return nil
}

// Create persists a new job. The job must carry an id; timestamps and the
// creation history entry are assigned here.
func (s *Store) Create(job *model.Job) (*model.Job, error) {
	if job.ID == "" {
		return nil, fmt.Errorf("%w: job id is required", model.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return nil, fmt.Errorf("%w: job %s", model.ErrDuplicateID, job.ID)
	}

	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = model.JobStatusCreated
	}
	job.StateHistory = []model.StateTransition{{
		Timestamp: now,
		To:        job.Status,
		Reason:    "created",
	}}

	stored := cloneJob(job)
	if err := s.persist(stored); err != nil {
		return nil, err
	}
	s.jobs[stored.ID] = stored
	s.order = append(s.order, stored.ID)
	return cloneJob(stored), nil
}

// Get returns a copy of the job with the given id
func (s *Store) Get(id string) (*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: job %s", model.ErrNotFound, id)
	}
	return cloneJob(job), nil
}

// List returns jobs matching the filter in insertion order, plus the total
// number of matches before pagination.
func (s *Store) List(filter ListFilter) ([]*model.Job, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*model.Job
	for _, id := range s.order {
		job := s.jobs[id]
		if filter.Status != nil && job.Status != *filter.Status {
			continue
		}
		matched = append(matched, job)
	}

	total := len(matched)
	offset := filter.Offset
	if offset > total {
		offset = total
	}
	end := total
	if filter.Limit > 0 && offset+filter.Limit < end {
		end = offset + filter.Limit
	}

	page := make([]*model.Job, 0, end-offset)
	for _, job := range matched[offset:end] {
		page = append(page, cloneJob(job))
	}
	return page, total, nil
}

// Update applies mutate to the job under that job's exclusive lock and
// persists the result before returning. A status change is validated against
// the state machine; an illegal transition returns ErrConflict and leaves the
// job untouched on disk and in memory.
func (s *Store) Update(id string, mutate func(*model.Job) error) (*model.Job, error) {
	lock := s.jobLock(id)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	current, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: job %s", model.ErrNotFound, id)
	}

	next := cloneJob(current)
	prevStatus := next.Status
	if err := mutate(next); err != nil {
		return nil, err
	}

	if next.Status != prevStatus && !model.CanTransition(prevStatus, next.Status) {
		return nil, fmt.Errorf("%w: illegal transition %s -> %s for job %s",
			model.ErrConflict, prevStatus, next.Status, id)
	}

	next.UpdatedAt = time.Now()
	if err := s.persist(next); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.jobs[id] = next
	s.mu.Unlock()
	return cloneJob(next), nil
}

// Transition moves the job to the given status, recording the transition in
// the state history. Reason ends up in the history entry.
func (s *Store) Transition(id string, to model.JobStatus, reason string) (*model.Job, error) {
	return s.Update(id, func(j *model.Job) error {
		if !model.CanTransition(j.Status, to) {
			return fmt.Errorf("%w: illegal transition %s -> %s for job %s",
				model.ErrConflict, j.Status, to, id)
		}
		j.StateHistory = append(j.StateHistory, model.StateTransition{
			Timestamp: time.Now(),
			From:      j.Status,
			To:        to,
			Reason:    reason,
		})
		j.Status = to
		return nil
	})
}

// AppendHistory adds a history entry without changing status
func (s *Store) AppendHistory(id string, entry model.StateTransition) error {
	_, err := s.Update(id, func(j *model.Job) error {
		if entry.Timestamp.IsZero() {
			entry.Timestamp = time.Now()
		}
		j.StateHistory = append(j.StateHistory, entry)
		return nil
	})
	return err
}

func (s *Store) jobLock(id string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	lock, ok := s.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}
	return lock
}

// persist writes the job file atomically: temp file in the same directory,
// fsync, then rename over the final path.
func (s *Store) persist(job *model.Job) error {
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	data = append(data, '\n')

	path := s.jobPath(job.ID)
	tmp, err := os.CreateTemp(s.dir, ".job-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for job %s: %w", job.ID, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file for job %s: %w", job.ID, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file for job %s: %w", job.ID, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file for job %s: %w", job.ID, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return fmt.Errorf("atomic rename for job %s: %w", job.ID, err)
	}
	return nil
}

func (s *Store) jobPath(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func cloneJob(j *model.Job) *model.Job {
	c := *j
	c.VideoIDs = append([]string(nil), j.VideoIDs...)
	c.Results = append([]model.VideoResult(nil), j.Results...)
	c.StateHistory = append([]model.StateTransition(nil), j.StateHistory...)
	c.Options.CaptionLangs = append([]string(nil), j.Options.CaptionLangs...)
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
