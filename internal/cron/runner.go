package cronrunner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"autotrader/internal/lock"
)

var (
	ErrJobRunning = errors.New("job already running")
	ErrUnknownJob = errors.New("unknown job")
)

type JobFunc func(ctx context.Context) error

// FailureHook is called after a job returns an error or panics.
type FailureHook func(ctx context.Context, name string, err error)

type JobInfo struct {
	Name        string        `json:"name"`
	Spec        string        `json:"spec"`
	Running     bool          `json:"running"`
	Next        *time.Time    `json:"next,omitempty"`
	LastStarted *time.Time    `json:"last_started,omitempty"`
	LastElapsed time.Duration `json:"last_elapsed_ns"`
	LastError   string        `json:"last_error,omitempty"`
}

type job struct {
	name    string
	spec    string
	fn      JobFunc
	entry   cron.EntryID
	running atomic.Bool

	mu          sync.Mutex
	lastStarted time.Time
	lastElapsed time.Duration
	lastErr     error
}

type Runner struct {
	cron    *cron.Cron
	logger  *zap.Logger
	baseCtx context.Context

	locker    lock.Locker
	lockTTL   time.Duration
	onFailure FailureHook

	mu   sync.RWMutex
	jobs map[string]*job
}

func New(logger *zap.Logger, baseCtx context.Context) *Runner {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cron:    cron.New(cron.WithSeconds()),
		logger:  logger,
		baseCtx: baseCtx,
		jobs:    map[string]*job{},
	}
}

// UseLocker adds a shared lock around every run, on top of the in-process
// guard. ttl bounds how long a crashed holder can block other replicas.
func (r *Runner) UseLocker(l lock.Locker, ttl time.Duration) {
	r.locker = l
	r.lockTTL = ttl
}

func (r *Runner) OnFailure(hook FailureHook) {
	r.onFailure = hook
}

// AddJob schedules fn under name. An empty spec registers the job for manual
// runs only.
func (r *Runner) AddJob(name, spec string, fn JobFunc) error {
	if name == "" || fn == nil {
		return errors.New("cron: job name and func are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.jobs[name]; dup {
		return fmt.Errorf("cron: job %q already registered", name)
	}
	j := &job{name: name, spec: spec, fn: fn}
	if spec != "" {
		id, err := r.cron.AddFunc(spec, func() {
			_ = r.execute(r.baseCtx, j)
		})
		if err != nil {
			return fmt.Errorf("cron: job %q: %w", name, err)
		}
		j.entry = id
	}
	r.jobs[name] = j
	return nil
}

// RunNow runs the job synchronously on the caller's context.
func (r *Runner) RunNow(ctx context.Context, name string) error {
	j, err := r.lookup(name)
	if err != nil {
		return err
	}
	return r.execute(ctx, j)
}

// RunAsync starts the job in the background on the runner's base context. It
// returns ErrJobRunning without starting anything if the job is in flight.
func (r *Runner) RunAsync(name string) error {
	j, err := r.lookup(name)
	if err != nil {
		return err
	}
	if !j.running.CompareAndSwap(false, true) {
		return ErrJobRunning
	}
	go func() {
		defer j.running.Store(false)
		_ = r.run(r.baseCtx, j)
	}()
	return nil
}

func (r *Runner) Jobs() []JobInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]JobInfo, 0, len(r.jobs))
	for _, j := range r.jobs {
		info := JobInfo{Name: j.name, Spec: j.spec, Running: j.running.Load()}
		if j.entry != 0 {
			if next := r.cron.Entry(j.entry).Next; !next.IsZero() {
				info.Next = &next
			}
		}
		j.mu.Lock()
		if !j.lastStarted.IsZero() {
			started := j.lastStarted
			info.LastStarted = &started
		}
		info.LastElapsed = j.lastElapsed
		if j.lastErr != nil {
			info.LastError = j.lastErr.Error()
		}
		j.mu.Unlock()
		out = append(out, info)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

func (r *Runner) Start() {
	r.logger.Info("cron started", zap.Int("jobs", len(r.jobs)))
	r.cron.Start()
}

// Stop prevents new runs and waits for in-flight scheduled runs to return.
func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.logger.Info("cron stopped")
}

func (r *Runner) lookup(name string) (*job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return j, nil
}

func (r *Runner) execute(ctx context.Context, j *job) error {
	if !j.running.CompareAndSwap(false, true) {
		r.logger.Warn("job skipped, previous run still in progress", zap.String("job", j.name))
		return ErrJobRunning
	}
	defer j.running.Store(false)
	return r.run(ctx, j)
}

func (r *Runner) run(ctx context.Context, j *job) error {
	if r.locker != nil {
		release, err := r.locker.Acquire(ctx, "job:"+j.name, r.lockTTL)
		if errors.Is(err, lock.ErrLockHeld) {
			r.logger.Warn("job skipped, lock held elsewhere", zap.String("job", j.name))
			return ErrJobRunning
		}
		if err != nil {
			r.logger.Error("job lock failed", zap.String("job", j.name), zap.Error(err))
			return err
		}
		defer release()
	}

	start := time.Now()
	r.logger.Info("job started", zap.String("job", j.name))
	err := invoke(ctx, j)
	elapsed := time.Since(start)

	j.mu.Lock()
	j.lastStarted = start
	j.lastElapsed = elapsed
	j.lastErr = err
	j.mu.Unlock()

	if err != nil {
		r.logger.Error("job failed", zap.String("job", j.name), zap.Duration("elapsed", elapsed), zap.Error(err))
		if r.onFailure != nil {
			r.onFailure(ctx, j.name, err)
		}
		return err
	}
	r.logger.Info("job finished", zap.String("job", j.name), zap.Duration("elapsed", elapsed))
	return nil
}

func invoke(ctx context.Context, j *job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("job %s panicked: %v\n%s", j.name, rec, debug.Stack())
		}
	}()
	return j.fn(ctx)
}
