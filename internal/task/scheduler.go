package task

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog/log"

	"github.com/local/parsemd/internal/core"
	"github.com/local/parsemd/internal/metrics"
)

// ErrClosed is returned by Submit after Shutdown.
var ErrClosed = errors.New("scheduler is shut down")

// Work is one unit of asynchronous parse work.
type Work func(ctx context.Context) (*core.ParseResult, error)

// Mirror persists task views outside the process so they outlive eviction.
type Mirror interface {
	Save(ctx context.Context, v View) error
	Load(ctx context.Context, id string) (View, bool, error)
}

type Config struct {
	Workers       int
	Capacity      int
	EvictFraction float64
	// TaskTimeout bounds each unit of work through its context; zero means no limit.
	TaskTimeout   time.Duration
	PollInterval  time.Duration
	MirrorTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Capacity <= 0 {
		c.Capacity = 1000
	}
	if c.EvictFraction <= 0 || c.EvictFraction > 1 {
		c.EvictFraction = 0.2
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.MirrorTimeout <= 0 {
		c.MirrorTimeout = 2 * time.Second
	}
}

type Dependencies struct {
	Store  *Store
	Mirror Mirror
}

// Scheduler runs submitted work on a bounded ants pool. Submission never blocks:
// each task waits for a free worker in its own goroutine.
type Scheduler struct {
	cfg    Config
	store  *Store
	mirror Mirror
	pool   *ants.Pool

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func New(cfg Config, deps Dependencies) (*Scheduler, error) {
	cfg.applyDefaults()
	if deps.Store == nil {
		deps.Store = NewStore()
	}

	pool, err := ants.NewPool(cfg.Workers,
		ants.WithLogger(&log.Logger),
		ants.WithPanicHandler(func(r any) {
			log.Error().Interface("panic", r).Msg("task worker panicked")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:    cfg,
		store:  deps.Store,
		mirror: deps.Mirror,
		pool:   pool,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Submit registers a PENDING task and hands the work to the pool.
func (s *Scheduler) Submit(kind string, work Work) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", ErrClosed
	}

	if evicted := s.store.Shrink(s.cfg.Capacity, s.cfg.EvictFraction); evicted > 0 {
		metrics.AddEvicted(evicted)
		log.Info().Int("evicted", evicted).Int("capacity", s.cfg.Capacity).Msg("evicted completed tasks")
	}

	now := time.Now()
	t := Task{
		ID:        uuid.NewString(),
		Kind:      kind,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.store.Put(t)
	s.save(t.view())

	s.wg.Add(1)
	go s.dispatch(t.ID, work)

	metrics.IncSubmitted()
	metrics.SetStored(s.store.Size())
	log.Info().Str("task_id", t.ID).Str("kind", kind).Msg("task submitted")
	return t.ID, nil
}

// dispatch blocks until a worker is free.
func (s *Scheduler) dispatch(id string, work Work) {
	err := s.pool.Submit(func() {
		defer s.wg.Done()
		s.execute(id, work)
	})
	if err != nil {
		defer s.wg.Done()
		log.Error().Err(err).Str("task_id", id).Msg("worker pool rejected task")
		if _, terr := s.store.Transition(id, StatusProcessing, nil); terr == nil {
			s.finish(id, nil, fmt.Errorf("worker pool unavailable: %w", err), time.Now())
		}
	}
}

func (s *Scheduler) execute(id string, work Work) {
	v, err := s.store.Transition(id, StatusProcessing, nil)
	if err != nil {
		log.Warn().Err(err).Str("task_id", id).Msg("task vanished before processing")
		return
	}
	s.save(v)
	log.Debug().Str("task_id", id).Msg("task processing")

	started := time.Now()
	res, err := s.invoke(work)
	s.finish(id, res, err, started)
}

// invoke runs the work and turns panics into errors so the task always finishes.
func (s *Scheduler) invoke(work Work) (res *core.ParseResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("task work panicked")
			res, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()

	ctx := s.ctx
	if s.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.TaskTimeout)
		defer cancel()
	}

	res, err = work(ctx)
	if err == nil && res == nil {
		err = errors.New("work returned no result")
	}
	return res, err
}

func (s *Scheduler) finish(id string, res *core.ParseResult, err error, started time.Time) {
	to := StatusSuccess
	if err != nil {
		to = StatusFailed
	}

	v, terr := s.store.Transition(id, to, func(t *Task) {
		if err != nil {
			t.Error = err.Error()
			return
		}
		t.Result = res
	})
	if terr != nil {
		log.Error().Err(terr).Str("task_id", id).Msg("task final transition failed")
		return
	}
	s.save(v)

	dur := time.Since(started)
	metrics.ObserveTask(string(to), dur)
	ev := log.Info()
	if err != nil {
		ev = log.Warn().Err(err)
	}
	ev.Str("task_id", id).Str("status", string(to)).Dur("duration", dur).Msg("task finished")
}

func (s *Scheduler) save(v View) {
	if s.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.MirrorTimeout)
	defer cancel()
	if err := s.mirror.Save(ctx, v); err != nil {
		log.Warn().Err(err).Str("task_id", v.ID).Msg("task mirror save failed")
	}
}

// GetStatus returns a snapshot of the task, falling back to the mirror for ids
// that were evicted from memory, and a NOT_FOUND view otherwise.
func (s *Scheduler) GetStatus(ctx context.Context, id string) View {
	if v, ok := s.store.Get(id); ok {
		return v
	}
	if s.mirror != nil {
		v, ok, err := s.mirror.Load(ctx, id)
		if err != nil {
			log.Warn().Err(err).Str("task_id", id).Msg("task mirror load failed")
		} else if ok {
			return v
		}
	}
	return NotFound(id)
}

// AwaitCompletion polls until the task is terminal or timeout elapses. The timeout
// only stops the caller from waiting; the task keeps running.
func (s *Scheduler) AwaitCompletion(ctx context.Context, id string, timeout, interval time.Duration) (View, error) {
	if interval <= 0 {
		interval = s.cfg.PollInterval
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		v := s.GetStatus(ctx, id)
		switch {
		case v.Status.IsFinal():
			return v, nil
		case v.Status == StatusNotFound:
			return v, fmt.Errorf("task %s: %w", id, core.ErrNotFound)
		}

		select {
		case <-ctx.Done():
			return v, ctx.Err()
		case <-deadline.C:
			if v = s.GetStatus(ctx, id); v.Status.IsFinal() {
				return v, nil
			}
			return v, fmt.Errorf("task %s still %s after %v: %w", id, v.Status, timeout, core.ErrTimeout)
		case <-ticker.C:
		}
	}
}

// Stats is a point-in-time summary for health reporting.
type Stats struct {
	Stored   int            `json:"stored"`
	ByStatus map[Status]int `json:"by_status"`
	Running  int            `json:"running"`
	Waiting  int            `json:"waiting"`
	Workers  int            `json:"workers"`
}

func (s *Scheduler) Stats() Stats {
	counts := s.store.Counts()
	total := 0
	for _, n := range counts {
		total += n
	}
	return Stats{
		Stored:   total,
		ByStatus: counts,
		Running:  s.pool.Running(),
		Waiting:  s.pool.Waiting(),
		Workers:  s.pool.Cap(),
	}
}

// Shutdown stops intake and waits for queued and running work to drain. If ctx
// ends first, the context handed to running work is cancelled.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		s.cancel()
		err = fmt.Errorf("task drain: %w", ctx.Err())
	}

	s.cancel()
	s.pool.Release()
	log.Info().Err(err).Msg("task scheduler stopped")
	return err
}
