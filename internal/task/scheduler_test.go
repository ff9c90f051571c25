package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/local/parsemd/internal/core"
)

func newScheduler(t *testing.T, cfg Config, deps Dependencies) *Scheduler {
	t.Helper()
	s, err := New(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func result(md string) *core.ParseResult {
	return &core.ParseResult{Markdown: md, Images: map[string]string{}}
}

func TestSchedulerSuccessLifecycle(t *testing.T) {
	s := newScheduler(t, Config{}, Dependencies{})
	release := make(chan struct{})
	started := make(chan struct{})

	id, err := s.Submit("binary", func(ctx context.Context) (*core.ParseResult, error) {
		close(started)
		<-release
		return result("# Hello"), nil
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	<-started
	v := s.GetStatus(context.Background(), id)
	assert.Equal(t, StatusProcessing, v.Status)
	assert.Nil(t, v.Result)

	close(release)
	v, err = s.AwaitCompletion(context.Background(), id, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, v.Status)
	require.NotNil(t, v.Result)
	assert.Equal(t, "# Hello", v.Result.Markdown)
	assert.Empty(t, v.Error)
	assert.Equal(t, "binary", v.Kind)
	assert.False(t, v.UpdatedAt.Before(v.CreatedAt))
}

func TestSchedulerFailureCapturesMessage(t *testing.T) {
	s := newScheduler(t, Config{}, Dependencies{})
	id, err := s.Submit("doc", func(ctx context.Context) (*core.ParseResult, error) {
		return nil, fmt.Errorf("parse x.docx: %w", core.ErrConversionFailed)
	})
	require.NoError(t, err)

	v, err := s.AwaitCompletion(context.Background(), id, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, v.Status)
	assert.Nil(t, v.Result)
	assert.Contains(t, v.Error, "conversion failed")
}

func TestSchedulerPanicStillFinishes(t *testing.T) {
	s := newScheduler(t, Config{Workers: 1}, Dependencies{})
	id, err := s.Submit("doc", func(ctx context.Context) (*core.ParseResult, error) {
		panic("kaboom")
	})
	require.NoError(t, err)

	v, err := s.AwaitCompletion(context.Background(), id, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, v.Status)
	assert.Contains(t, v.Error, "kaboom")

	// the single worker is still usable
	id, err = s.Submit("doc", func(ctx context.Context) (*core.ParseResult, error) { return result("ok"), nil })
	require.NoError(t, err)
	v, err = s.AwaitCompletion(context.Background(), id, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, v.Status)
}

func TestSchedulerNilResultFails(t *testing.T) {
	s := newScheduler(t, Config{}, Dependencies{})
	id, _ := s.Submit("doc", func(ctx context.Context) (*core.ParseResult, error) { return nil, nil })
	v, err := s.AwaitCompletion(context.Background(), id, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, v.Status)
}

func TestAwaitTimeoutDoesNotCancelWork(t *testing.T) {
	s := newScheduler(t, Config{}, Dependencies{})
	release := make(chan struct{})
	var sawCancel atomic.Bool

	id, err := s.Submit("slow", func(ctx context.Context) (*core.ParseResult, error) {
		select {
		case <-release:
		case <-ctx.Done():
			sawCancel.Store(true)
		}
		return result("late"), nil
	})
	require.NoError(t, err)

	v, err := s.AwaitCompletion(context.Background(), id, 100*time.Millisecond, 10*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrTimeout)
	assert.False(t, v.Status.IsFinal())

	close(release)
	assert.Eventually(t, func() bool {
		return s.GetStatus(context.Background(), id).Status == StatusSuccess
	}, 5*time.Second, 10*time.Millisecond)
	assert.False(t, sawCancel.Load())
}

func TestAwaitUnknownTask(t *testing.T) {
	s := newScheduler(t, Config{}, Dependencies{})
	v, err := s.AwaitCompletion(context.Background(), "nope", time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.Equal(t, StatusNotFound, v.Status)
	assert.Equal(t, StatusNotFound, s.GetStatus(context.Background(), "nope").Status)
}

func TestAwaitRespectsContext(t *testing.T) {
	s := newScheduler(t, Config{}, Dependencies{})
	release := make(chan struct{})
	defer close(release)
	id, _ := s.Submit("slow", func(ctx context.Context) (*core.ParseResult, error) {
		<-release
		return result("x"), nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.AwaitCompletion(ctx, id, time.Minute, 10*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubmitDoesNotBlockAndPoolIsBounded(t *testing.T) {
	const workers = 2
	s := newScheduler(t, Config{Workers: workers}, Dependencies{})

	var running, peak atomic.Int32
	release := make(chan struct{})
	work := func(ctx context.Context) (*core.ParseResult, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return result("x"), nil
	}

	ids := make([]string, 0, 10)
	start := time.Now()
	for i := 0; i < 10; i++ {
		id, err := s.Submit("batch", work)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	assert.Less(t, time.Since(start), time.Second)

	assert.Eventually(t, func() bool { return running.Load() == workers }, 5*time.Second, 5*time.Millisecond)
	pending := 0
	for _, id := range ids {
		if s.GetStatus(context.Background(), id).Status == StatusPending {
			pending++
		}
	}
	assert.Equal(t, 10-workers, pending)

	close(release)
	for _, id := range ids {
		v, err := s.AwaitCompletion(context.Background(), id, 5*time.Second, 5*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, StatusSuccess, v.Status)
	}
	assert.LessOrEqual(t, peak.Load(), int32(workers))
}

func TestConcurrentTasksKeepInvariants(t *testing.T) {
	s := newScheduler(t, Config{Workers: 4}, Dependencies{})

	var ids sync.Map
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := s.Submit("mixed", func(ctx context.Context) (*core.ParseResult, error) {
				time.Sleep(time.Millisecond)
				if i%3 == 0 {
					return nil, errors.New("odd failure")
				}
				return result(fmt.Sprint(i)), nil
			})
			if err == nil {
				ids.Store(id, i)
			}
		}(i)
	}
	wg.Wait()

	seen := map[string]Status{}
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		done := 0
		ids.Range(func(k, _ any) bool {
			v := s.GetStatus(context.Background(), k.(string))
			assert.False(t, v.Result != nil && v.Error != "", "task %s has result and error", v.ID)
			assert.Equal(t, v.Status == StatusSuccess, v.Result != nil)
			assert.Equal(t, v.Status == StatusFailed, v.Error != "")
			if prev, ok := seen[v.ID]; ok && prev.IsFinal() {
				assert.Equal(t, prev, v.Status, "terminal status regressed")
			}
			seen[v.ID] = v.Status
			if v.Status.IsFinal() {
				done++
			}
			return true
		})
		if done == 50 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.Len(t, seen, 50)
	for id, st := range seen {
		assert.True(t, st.IsFinal(), id)
	}
}

func TestSubmitEvictsOverCapacity(t *testing.T) {
	store := NewStore()
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 6; i++ {
		store.Put(terminalTask(fmt.Sprintf("old%d", i), StatusSuccess, base.Add(time.Duration(i)*time.Second)))
	}
	s := newScheduler(t, Config{Capacity: 5}, Dependencies{Store: store})

	_, err := s.Submit("doc", func(ctx context.Context) (*core.ParseResult, error) { return result("x"), nil })
	require.NoError(t, err)

	_, ok := store.Get("old0")
	assert.False(t, ok)
	_, ok = store.Get("old1")
	assert.True(t, ok)
}

func TestShutdownDrainsAndRejects(t *testing.T) {
	s, err := New(Config{Workers: 1}, Dependencies{})
	require.NoError(t, err)

	var finished atomic.Int32
	ids := []string{}
	for i := 0; i < 3; i++ {
		id, err := s.Submit("doc", func(ctx context.Context) (*core.ParseResult, error) {
			time.Sleep(20 * time.Millisecond)
			finished.Add(1)
			return result("x"), nil
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	require.NoError(t, s.Shutdown(context.Background()))
	assert.EqualValues(t, 3, finished.Load())
	for _, id := range ids {
		assert.Equal(t, StatusSuccess, s.GetStatus(context.Background(), id).Status)
	}

	_, err = s.Submit("doc", func(ctx context.Context) (*core.ParseResult, error) { return result("x"), nil })
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, s.Shutdown(context.Background()))
}

func TestShutdownDeadlineCancelsWork(t *testing.T) {
	s, err := New(Config{Workers: 1}, Dependencies{})
	require.NoError(t, err)

	id, err := s.Submit("slow", func(ctx context.Context) (*core.ParseResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = s.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Eventually(t, func() bool {
		return s.GetStatus(context.Background(), id).Status == StatusFailed
	}, 5*time.Second, 10*time.Millisecond)
}

func TestTaskTimeoutBoundsWork(t *testing.T) {
	s := newScheduler(t, Config{TaskTimeout: 20 * time.Millisecond}, Dependencies{})
	id, _ := s.Submit("slow", func(ctx context.Context) (*core.ParseResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	v, err := s.AwaitCompletion(context.Background(), id, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, v.Status)
	assert.Contains(t, v.Error, "deadline exceeded")
}

type memMirror struct {
	mu    sync.Mutex
	views map[string]View
	saves int
}

func (m *memMirror) Save(_ context.Context, v View) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.views == nil {
		m.views = map[string]View{}
	}
	m.views[v.ID] = v
	m.saves++
	return nil
}

func (m *memMirror) Load(_ context.Context, id string) (View, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.views[id]
	return v, ok, nil
}

func TestMirrorServesEvictedTasks(t *testing.T) {
	store := NewStore()
	mirror := &memMirror{}
	s := newScheduler(t, Config{}, Dependencies{Store: store, Mirror: mirror})

	id, err := s.Submit("doc", func(ctx context.Context) (*core.ParseResult, error) { return result("kept"), nil })
	require.NoError(t, err)
	_, err = s.AwaitCompletion(context.Background(), id, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, err)

	store.Delete(id)
	v := s.GetStatus(context.Background(), id)
	assert.Equal(t, StatusSuccess, v.Status)
	require.NotNil(t, v.Result)
	assert.Equal(t, "kept", v.Result.Markdown)

	mirror.mu.Lock()
	defer mirror.mu.Unlock()
	assert.Equal(t, 3, mirror.saves)
}

func TestStatsReportsCounts(t *testing.T) {
	s := newScheduler(t, Config{Workers: 3}, Dependencies{})
	id, _ := s.Submit("doc", func(ctx context.Context) (*core.ParseResult, error) { return result("x"), nil })
	_, err := s.AwaitCompletion(context.Background(), id, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, err)

	st := s.Stats()
	assert.Equal(t, 1, st.Stored)
	assert.Equal(t, 1, st.ByStatus[StatusSuccess])
	assert.Equal(t, 3, st.Workers)
}
