package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Client-visible error kinds. The HTTP layer maps these to statuses.
var (
	ErrCapacity    = errors.New("server at capacity")
	ErrInvalidID   = errors.New("invalid job id")
	ErrDuplicateID = errors.New("job id already exists")
	ErrUnknownJob  = errors.New("job not found")
	ErrTerminal    = errors.New("job is in a terminal state")
)

// Defaults for the manager configuration.
const (
	DefaultMaxConcurrent = 2
	DefaultIDMinLength   = 3
	DefaultIDMaxLength   = 50
)

// ManagerConfig configures job admission.
type ManagerConfig struct {
	// MaxConcurrent caps jobs in {queued, processing}. Enforced at
	// Create, never mid-job.
	MaxConcurrent int

	// IDMinLength/IDMaxLength bound caller-supplied job identifiers.
	IDMinLength int
	IDMaxLength int

	Logger *slog.Logger
}

// record is the live job state. The cancel function is the job's cancel
// token; workers observe it through the derived context.
type record struct {
	job    Job
	ctx    context.Context
	cancel context.CancelFunc
}

// Manager owns the job table. All methods are safe for concurrent use;
// a single mutex guards the table and the derived active count.
type Manager struct {
	cfg  ManagerConfig
	mu   sync.Mutex
	jobs map[string]*record
}

// NewManager creates a job manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.IDMinLength <= 0 {
		cfg.IDMinLength = DefaultIDMinLength
	}
	if cfg.IDMaxLength <= 0 {
		cfg.IDMaxLength = DefaultIDMaxLength
	}
	return &Manager{
		cfg:  cfg,
		jobs: make(map[string]*record),
	}
}

// MaxConcurrent returns the configured concurrency cap.
func (m *Manager) MaxConcurrent() int {
	return m.cfg.MaxConcurrent
}

// ValidateID checks a caller-supplied identifier: bounded length,
// characters limited to [A-Za-z0-9_-], first and last alphanumeric.
func (m *Manager) ValidateID(id string) error {
	if len(id) < m.cfg.IDMinLength || len(id) > m.cfg.IDMaxLength {
		return fmt.Errorf("%w: length must be %d-%d characters, got %d",
			ErrInvalidID, m.cfg.IDMinLength, m.cfg.IDMaxLength, len(id))
	}
	if !isAlphanumeric(id[0]) || !isAlphanumeric(id[len(id)-1]) {
		return fmt.Errorf("%w: must start and end with an alphanumeric character", ErrInvalidID)
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if !isAlphanumeric(c) && c != '-' && c != '_' {
			return fmt.Errorf("%w: character %q not allowed", ErrInvalidID, c)
		}
	}
	return nil
}

// Create admits a new job in the queued state. An empty requestedID
// generates a random identifier; otherwise the id is validated and
// checked for duplicates. Fails with ErrCapacity when the count of
// queued and processing jobs has reached the cap; the capacity check
// runs before id validation so a full server answers capacity first.
func (m *Manager) Create(polygon json.RawMessage, params Params, requestedID string) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := 0
	for _, rec := range m.jobs {
		if rec.job.Status.Active() {
			active++
		}
	}
	if active >= m.cfg.MaxConcurrent {
		return Job{}, fmt.Errorf("%w: %d of %d jobs running", ErrCapacity, active, m.cfg.MaxConcurrent)
	}

	id := requestedID
	if id == "" {
		id = uuid.NewString()
	} else {
		if err := m.ValidateID(id); err != nil {
			return Job{}, err
		}
		if _, exists := m.jobs[id]; exists {
			return Job{}, fmt.Errorf("%w: %q", ErrDuplicateID, id)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	rec := &record{
		job: Job{
			ID:        id,
			Status:    StatusQueued,
			Stage:     "Job queued for processing",
			StartTime: time.Now(),
			Polygon:   polygon,
			Params:    params,
		},
		ctx:    ctx,
		cancel: cancel,
	}
	m.jobs[id] = rec

	m.log().Info("job created", "job_id", id, "active", active+1, "max", m.cfg.MaxConcurrent)
	return rec.job, nil
}

// Exists reports whether a job with this id is known.
func (m *Manager) Exists(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.jobs[id]
	return ok
}

// Get returns a snapshot of one job.
func (m *Manager) Get(id string) (Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.jobs[id]
	if !ok {
		return Job{}, false
	}
	return rec.job, true
}

// Context returns the job's cancellation context. Workers pass it down
// so a Cancel call interrupts tile work at the next check.
func (m *Manager) Context(id string) (context.Context, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.jobs[id]
	if !ok {
		return nil, false
	}
	return rec.ctx, true
}

// UpdateProgress publishes progress for a running job. The first call
// moves a queued job to processing. Progress is clamped to [0,100] and
// never decreases; terminal jobs reject updates.
func (m *Manager) UpdateProgress(id string, progress int, stage string, buildingsFound int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownJob, id)
	}
	if rec.job.Status.Terminal() {
		return fmt.Errorf("%w: %q is %s", ErrTerminal, id, rec.job.Status)
	}

	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	if progress > rec.job.Progress {
		rec.job.Progress = progress
	}
	rec.job.Stage = stage
	rec.job.BuildingsFound = buildingsFound
	rec.job.Status = StatusProcessing

	m.log().Debug("job progress",
		"job_id", id,
		"progress", rec.job.Progress,
		"stage", stage,
		"buildings", buildingsFound)
	return nil
}

// Complete marks a job successful and stores its result.
func (m *Manager) Complete(id string, result *Result) error {
	return m.finish(id, func(rec *record) {
		rec.job.Status = StatusCompleted
		rec.job.Progress = 100
		rec.job.Stage = "Completed successfully"
		rec.job.Result = result
		if result != nil {
			rec.job.BuildingsFound = result.TotalBuildings
		}
	})
}

// Fail marks a job failed with an error message.
func (m *Manager) Fail(id string, message string) error {
	return m.finish(id, func(rec *record) {
		rec.job.Status = StatusFailed
		rec.job.Stage = "Failed"
		rec.job.ErrorMessage = message
	})
}

// Cancel stops a queued or processing job. The cancel token fires
// immediately; in-flight tile work notices it between tiles and the
// orchestrator before its next stage.
func (m *Manager) Cancel(id string) error {
	err := m.finish(id, func(rec *record) {
		rec.job.Status = StatusCancelled
		rec.job.Stage = "Job cancelled by user"
		rec.job.ErrorMessage = "Job was cancelled by user request"
		rec.cancel()
	})
	if err != nil {
		return err
	}
	m.log().Info("job cancelled", "job_id", id)
	return nil
}

func (m *Manager) finish(id string, mutate func(*record)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownJob, id)
	}
	if rec.job.Status.Terminal() {
		return fmt.Errorf("%w: %q is %s", ErrTerminal, id, rec.job.Status)
	}

	mutate(rec)
	rec.job.EndTime = time.Now()
	return nil
}

// CleanupOlderThan removes terminal jobs whose end time is older than
// age and returns how many were dropped.
func (m *Manager) CleanupOlderThan(age time.Duration) int {
	cutoff := time.Now().Add(-age)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, rec := range m.jobs {
		if rec.job.Status.Terminal() && !rec.job.EndTime.IsZero() && rec.job.EndTime.Before(cutoff) {
			rec.cancel()
			delete(m.jobs, id)
			removed++
		}
	}
	if removed > 0 {
		m.log().Info("cleaned up old jobs", "removed", removed)
	}
	return removed
}

// List returns snapshots of every job, newest first.
func (m *Manager) List() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Job, 0, len(m.jobs))
	for _, rec := range m.jobs {
		out = append(out, rec.job)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.After(out[j].StartTime)
	})
	return out
}

// ActiveCount returns the number of queued and processing jobs.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := 0
	for _, rec := range m.jobs {
		if rec.job.Status.Active() {
			active++
		}
	}
	return active
}

func (m *Manager) log() *slog.Logger {
	if m.cfg.Logger != nil {
		return m.cfg.Logger
	}
	return slog.Default()
}

func isAlphanumeric(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
