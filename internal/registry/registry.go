// Package registry holds the live set of jobs. It is bounded in size, evicts
// expired and finished jobs, and serializes all mutations of a single job
// behind that job's own lock while distinct jobs proceed in parallel.
//
// Lock order is always registry then entry. Code holding an entry lock never
// takes the registry lock.
package registry

import (
	"errors"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/seantiz/kiln/internal/model"
)

// Defaults applied when Options fields are zero.
const (
	DefaultMaxEntries = 100
	DefaultTTL        = 24 * time.Hour
)

// Options configures a Registry.
type Options struct {
	MaxEntries int
	TTL        time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

type entry struct {
	mu  sync.Mutex
	job model.Job
}

// Registry is a bounded map of job id to job state.
type Registry struct {
	mu         sync.RWMutex
	entries    map[string]*entry
	maxEntries int
	ttl        time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// New creates an empty Registry.
func New(logger *slog.Logger, opts Options) *Registry {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		entries:    make(map[string]*entry),
		maxEntries: opts.MaxEntries,
		ttl:        opts.TTL,
		now:        opts.Now,
		logger:     logger,
	}
}

// Insert adds a job. When the registry is full a cleanup pass runs first; if
// that frees no room the insert fails with RESOURCE_EXHAUSTED. A job id that
// is still live cannot be reused, while a finished one is replaced.
func (r *Registry) Insert(job model.Job) error {
	return r.InsertThen(job, nil)
}

// InsertThen is Insert followed by after, which receives the committed
// snapshot before any other caller can observe the job.
func (r *Registry) InsertThen(job model.Job, after func(model.Job)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[job.ID]; ok {
		existing.mu.Lock()
		status := existing.job.Status
		existing.mu.Unlock()
		if !model.IsTerminal(status) {
			return model.Errorf(model.CodeJobAlreadyActive, "job %q is already %s", job.ID, status)
		}
		delete(r.entries, job.ID)
	}

	if len(r.entries) >= r.maxEntries {
		if n := r.cleanupLocked(1); n > 0 {
			r.logger.Info("evicted jobs to make room", "evicted", n, "job_id", job.ID)
		}
		if len(r.entries) >= r.maxEntries {
			return model.Errorf(model.CodeResourceExhausted,
				"job registry is full (%d active jobs)", len(r.entries))
		}
	}

	r.entries[job.ID] = &entry{job: job.Clone()}
	if after != nil {
		after(job.Clone())
	}
	return nil
}

// Get returns a snapshot of the job with the given id.
func (r *Registry) Get(id string) (model.Job, error) {
	e, ok := r.lookup(id)
	if !ok {
		return model.Job{}, notFound(id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.Clone(), nil
}

// List returns snapshots of every job ordered by creation time.
func (r *Registry) List() []model.Job {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	jobs := make([]model.Job, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		jobs = append(jobs, e.job.Clone())
		e.mu.Unlock()
	}
	slices.SortFunc(jobs, func(a, b model.Job) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return jobs
}

// Apply mutates one job under its entry lock. fn receives a copy; the copy
// is committed only when fn returns nil, and fn's error is returned otherwise.
// after, when non-nil, runs with the committed snapshot before the lock is
// released so that side effects for one job observe commit order.
func (r *Registry) Apply(id string, fn func(*model.Job) error, after func(model.Job)) (model.Job, error) {
	e, ok := r.lookup(id)
	if !ok {
		return model.Job{}, notFound(id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.job.Clone()
	if err := fn(&next); err != nil {
		return e.job.Clone(), err
	}
	next.UpdatedAt = r.now()
	e.job = next
	snapshot := next.Clone()
	if after != nil {
		after(snapshot)
	}
	return snapshot, nil
}

// CompareAndSwapStatus moves a job from expected to next status. It reports
// false without error when the job's current status is not expected.
func (r *Registry) CompareAndSwapStatus(id, expected, next string) (model.Job, bool, error) {
	swapped := false
	job, err := r.Apply(id, func(j *model.Job) error {
		if j.Status != expected || !model.ValidTransition(expected, next) {
			return errNoSwap
		}
		j.Status = next
		swapped = true
		return nil
	}, nil)
	if errors.Is(err, errNoSwap) {
		return job, false, nil
	}
	return job, swapped, err
}

// Len returns the number of jobs held.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Clear removes every job and returns snapshots of the removed jobs.
func (r *Registry) Clear() []model.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := make([]model.Job, 0, len(r.entries))
	for _, e := range r.entries {
		e.mu.Lock()
		removed = append(removed, e.job.Clone())
		e.mu.Unlock()
	}
	r.entries = make(map[string]*entry)
	return removed
}

// Cleanup evicts expired jobs and, while over capacity, the oldest finished
// jobs. It returns the number evicted.
func (r *Registry) Cleanup() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cleanupLocked(0)
}

// cleanupLocked evicts until room slots are free or nothing else is
// evictable. Live jobs are only evicted once expired. Caller holds r.mu.
func (r *Registry) cleanupLocked(room int) int {
	now := r.now()
	evicted := 0

	type candidate struct {
		id         string
		finishedAt time.Time
	}
	var finished []candidate

	for id, e := range r.entries {
		e.mu.Lock()
		job := e.job
		e.mu.Unlock()

		if now.Sub(job.UpdatedAt) > r.ttl {
			delete(r.entries, id)
			evicted++
			continue
		}
		if model.IsTerminal(job.Status) {
			at := job.UpdatedAt
			if job.FinishedAt != nil {
				at = *job.FinishedAt
			}
			finished = append(finished, candidate{id: id, finishedAt: at})
		}
	}

	sort.Slice(finished, func(i, j int) bool {
		return finished[i].finishedAt.Before(finished[j].finishedAt)
	})
	for _, c := range finished {
		if len(r.entries)+room <= r.maxEntries {
			break
		}
		delete(r.entries, c.id)
		evicted++
	}
	return evicted
}

func (r *Registry) lookup(id string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

func notFound(id string) error {
	return model.Errorf(model.CodeJobNotFound, "job %q not found", id)
}

var errNoSwap = errors.New("status did not match")
