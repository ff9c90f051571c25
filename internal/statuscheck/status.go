package statuscheck

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/local/parsemd/internal/task"
)

// Pinger is the minimal capability a dependency needs for status checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Checker aggregates health checks for external dependencies.
type Checker struct {
	deps    map[string]Pinger
	engines map[string]Pinger
	tasks   func() task.Stats
	timeout time.Duration
}

// Options configures the Checker. Nil dependencies are not reported.
type Options struct {
	Redis     Pinger
	Storage   Pinger
	Database  Pinger
	Converter Pinger
	Engines   map[string]Pinger
	Tasks     func() task.Stats
	Timeout   time.Duration
}

// Status represents the readiness of a subsystem.
type Status struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// Summary bundles all subsystem statuses.
type Summary struct {
	OK           bool              `json:"ok"`
	Dependencies map[string]Status `json:"dependencies"`
	Engines      map[string]Status `json:"engines"`
	Tasks        *task.Stats       `json:"tasks,omitempty"`
}

// New creates a new Checker with the provided options.
func New(opts Options) *Checker {
	deps := map[string]Pinger{}
	for name, p := range map[string]Pinger{
		"redis":     opts.Redis,
		"s3":        opts.Storage,
		"database":  opts.Database,
		"converter": opts.Converter,
	} {
		if p != nil {
			deps[name] = p
		}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	return &Checker{deps: deps, engines: opts.Engines, tasks: opts.Tasks, timeout: opts.Timeout}
}

// Summary runs all checks concurrently and returns the snapshot.
func (c *Checker) Summary(ctx context.Context) Summary {
	s := Summary{
		OK:           true,
		Dependencies: map[string]Status{},
		Engines:      map[string]Status{},
	}

	var mu sync.Mutex
	var g errgroup.Group
	run := func(into map[string]Status, name string, p Pinger) {
		g.Go(func() error {
			st := c.check(ctx, p)
			mu.Lock()
			into[name] = st
			if !st.OK {
				s.OK = false
			}
			mu.Unlock()
			return nil
		})
	}
	for name, p := range c.deps {
		run(s.Dependencies, name, p)
	}
	for name, p := range c.engines {
		run(s.Engines, name, p)
	}
	_ = g.Wait()

	if c.tasks != nil {
		st := c.tasks()
		s.Tasks = &st
	}
	return s
}

func (c *Checker) check(ctx context.Context, p Pinger) Status {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := p.Ping(ctx); err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	return Status{OK: true, Message: "Available"}
}

func trimError(err error) string {
	if err == nil {
		return ""
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	msg := err.Error()
	if len(msg) > 120 {
		return msg[:120]
	}
	return msg
}
