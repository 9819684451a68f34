// Package queue provides an in-memory job queue system with worker pool
// for replaying stored location history into scored trips.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stuartshay/trip-scorer/internal/trip"
)

// JobStatus represents the state of a replay job
type JobStatus string

// Job status constants define the lifecycle states
const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// Errors returned by the queue
var (
	ErrJobNotFound = errors.New("job not found")
	ErrQueueFull   = errors.New("queue is full")
)

// Job represents a trip replay job
type Job struct {
	ID           string
	Date         string
	DeviceID     string
	Status       JobStatus
	QueuedAt     time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	ErrorMessage string
	Result       *JobResult
}

// JobResult contains the output of a completed replay
type JobResult struct {
	TripID           string
	Summary          trip.Summary
	Events           int
	ProcessingTimeMS int64
}

// ProcessFunc is a function that processes a job
type ProcessFunc func(ctx context.Context, job *Job) (*JobResult, error)

// Queue manages replay jobs with a worker pool
type Queue struct {
	mu           sync.RWMutex
	jobs         map[string]*Job
	pendingQueue chan *Job
	workers      int
	processor    ProcessFunc
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// NewQueue creates a new job queue with the specified number of workers
func NewQueue(workers int, processor ProcessFunc) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		jobs:         make(map[string]*Job),
		pendingQueue: make(chan *Job, 100),
		workers:      workers,
		processor:    processor,
		ctx:          ctx,
		cancel:       cancel,
	}

	// Start worker pool
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}

	return q
}

// Enqueue adds a new job to the queue
func (q *Queue) Enqueue(date, deviceID string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	jobID := uuid.New().String()

	job := &Job{
		ID:       jobID,
		Date:     date,
		DeviceID: deviceID,
		Status:   StatusQueued,
		QueuedAt: time.Now().UTC(),
	}

	// Add to pending queue (non-blocking)
	select {
	case q.pendingQueue <- job:
		q.jobs[jobID] = job
		return jobID, nil
	default:
		return "", ErrQueueFull
	}
}

// GetJob retrieves a copy of a job by ID
func (q *Queue) GetJob(jobID string) (*Job, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	job, exists := q.jobs[jobID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	return copyJob(job), nil
}

// ListJobs returns one page of jobs filtered by status, newest first, and
// the number of jobs matching the filter
func (q *Queue) ListJobs(status JobStatus, limit, offset int) ([]*Job, int) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var filtered []*Job
	for _, job := range q.jobs {
		if status == "" || job.Status == status {
			filtered = append(filtered, copyJob(job))
		}
	}

	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].QueuedAt.After(filtered[j].QueuedAt)
	})

	total := len(filtered)

	// Apply pagination
	start := offset
	if start > total {
		return []*Job{}, total
	}

	end := start + limit
	if end > total {
		end = total
	}

	return filtered[start:end], total
}

// GetStats returns queue statistics
func (q *Queue) GetStats() map[string]int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	stats := map[string]int{
		"total":      len(q.jobs),
		"queued":     0,
		"processing": 0,
		"completed":  0,
		"failed":     0,
	}

	for _, job := range q.jobs {
		stats[string(job.Status)]++
	}

	return stats
}

// worker processes jobs from the queue
func (q *Queue) worker() {
	defer q.wg.Done()

	for {
		select {
		case <-q.ctx.Done():
			return
		case job := <-q.pendingQueue:
			q.processJob(job)
		}
	}
}

// processJob executes a single job
func (q *Queue) processJob(job *Job) {
	startTime := time.Now()

	q.mu.Lock()
	job.Status = StatusProcessing
	now := time.Now().UTC()
	job.StartedAt = &now
	snapshot := copyJob(job)
	q.mu.Unlock()

	// The processor gets a snapshot so it never races with readers.
	result, err := q.processor(q.ctx, snapshot)

	q.mu.Lock()
	defer q.mu.Unlock()

	completedAt := time.Now().UTC()
	job.CompletedAt = &completedAt

	if err != nil {
		job.Status = StatusFailed
		job.ErrorMessage = err.Error()
		return
	}

	job.Status = StatusCompleted
	job.Result = result
	if result != nil {
		result.ProcessingTimeMS = time.Since(startTime).Milliseconds()
	}
}

// Shutdown gracefully shuts down the queue
func (q *Queue) Shutdown(timeout time.Duration) error {
	// Stop accepting new jobs
	q.cancel()

	// Wait for workers to finish with timeout
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("shutdown timeout exceeded")
	}
}

func copyJob(job *Job) *Job {
	jobCopy := *job
	if job.StartedAt != nil {
		startedCopy := *job.StartedAt
		jobCopy.StartedAt = &startedCopy
	}
	if job.CompletedAt != nil {
		completedCopy := *job.CompletedAt
		jobCopy.CompletedAt = &completedCopy
	}
	if job.Result != nil {
		resultCopy := *job.Result
		jobCopy.Result = &resultCopy
	}
	return &jobCopy
}
