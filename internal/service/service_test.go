package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/local/parsemd/internal/backend"
	"github.com/local/parsemd/internal/core"
	"github.com/local/parsemd/internal/docstore"
	"github.com/local/parsemd/internal/pipeline"
	"github.com/local/parsemd/internal/task"
)

type memDocs map[string]docstore.Document

func (m memDocs) GetDocument(_ context.Context, id string) (docstore.Document, error) {
	d, ok := m[id]
	if !ok {
		return docstore.Document{}, fmt.Errorf("document %s: %w", id, core.ErrNotFound)
	}
	return d, nil
}

type memBlobs struct {
	mu    sync.Mutex
	data  map[string][]byte
	gets  int
	delay time.Duration
}

func (m *memBlobs) Get(ctx context.Context, bucket, name string) ([]byte, error) {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	b, ok := m.data[bucket+"/"+name]
	if !ok {
		return nil, fmt.Errorf("object %s/%s: %w", bucket, name, core.ErrNotFound)
	}
	return b, nil
}

type echoBackend struct {
	running, peak atomic.Int32
}

func (e *echoBackend) Parse(_ context.Context, filename string, payload []byte, _ core.Options) (backend.Result, error) {
	n := e.running.Add(1)
	defer e.running.Add(-1)
	for {
		p := e.peak.Load()
		if n <= p || e.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	return backend.Result{Markdown: "# " + filename}, nil
}

type fixture struct {
	svc   *Service
	blobs *memBlobs
	eng   *echoBackend
}

func newFixture(t *testing.T, batchWorkers int) fixture {
	t.Helper()
	eng := &echoBackend{}
	reg := backend.NewRegistry(core.EngineMinerU)
	require.NoError(t, reg.Register(core.EngineMinerU, eng))

	blobs := &memBlobs{data: map[string][]byte{
		"docs/a.md":  []byte("# Alpha\n\nbody"),
		"docs/b.pdf": []byte("%PDF-1.4 fake"),
		"docs/z.md":  {},
	}}
	docs := memDocs{
		"a":     {ID: "a", Name: "alpha.md", Bucket: "docs", Location: "a.md"},
		"b":     {ID: "b", Name: "beta.pdf", Bucket: "docs", Location: "b.pdf"},
		"z":     {ID: "z", Name: "zero.md", Bucket: "docs", Location: "z.md"},
		"ghost": {ID: "ghost", Name: "ghost.pdf", Bucket: "docs", Location: "missing.pdf"},
	}

	sched, err := task.New(task.Config{Workers: 2}, task.Dependencies{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sched.Shutdown(context.Background()) })

	svc, err := New(Dependencies{
		Pipeline:     pipeline.New(pipeline.Dependencies{Engines: reg}),
		Scheduler:    sched,
		Documents:    docs,
		Blobs:        blobs,
		BatchWorkers: batchWorkers,
	})
	require.NoError(t, err)
	return fixture{svc: svc, blobs: blobs, eng: eng}
}

func TestParseNowFromDocument(t *testing.T) {
	f := newFixture(t, 0)

	res, err := f.svc.ParseNow(context.Background(), Source{DocID: "a"}, core.DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, "alpha.md", res.Filename)
	assert.Equal(t, core.FormatMarkdown, res.Format)
	assert.Equal(t, "Alpha", res.Title)

	res, err = f.svc.ParseNow(context.Background(), Source{DocID: "b"}, core.DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, "# beta.pdf", res.Markdown)
	assert.Equal(t, core.EngineMinerU, res.Engine)
}

func TestParseNowFromBinary(t *testing.T) {
	f := newFixture(t, 0)
	res, err := f.svc.ParseNow(context.Background(), Source{Filename: "n.md", Payload: []byte("plain")}, core.DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, "plain", res.Markdown)

	_, err = f.svc.ParseNow(context.Background(), Source{Filename: "n.md"}, core.DefaultOptions())
	assert.ErrorIs(t, err, core.ErrEmpty)
}

func TestParseNowErrors(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	_, err := f.svc.ParseNow(ctx, Source{DocID: "nope"}, core.DefaultOptions())
	assert.ErrorIs(t, err, core.ErrNotFound)

	_, err = f.svc.ParseNow(ctx, Source{DocID: "ghost"}, core.DefaultOptions())
	assert.ErrorIs(t, err, core.ErrNotFound)

	_, err = f.svc.ParseNow(ctx, Source{DocID: "z"}, core.DefaultOptions())
	assert.ErrorIs(t, err, core.ErrEmpty)
}

func TestDetect(t *testing.T) {
	f := newFixture(t, 0)
	format, err := f.svc.Detect(context.Background(), Source{DocID: "b"}, "")
	require.NoError(t, err)
	assert.Equal(t, core.FormatPDF, format)
}

func TestSubmitParseDocument(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	id, err := f.svc.SubmitParse(ctx, Source{DocID: "a"}, core.DefaultOptions())
	require.NoError(t, err)

	v, err := f.svc.AwaitTask(ctx, id, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, task.StatusSuccess, v.Status)
	assert.Equal(t, "document", v.Kind)
	assert.Equal(t, "Alpha", v.Result.Title)
	assert.Equal(t, task.StatusSuccess, f.svc.TaskStatus(ctx, id).Status)
}

func TestSubmitParseValidatesBeforeScheduling(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	_, err := f.svc.SubmitParse(ctx, Source{DocID: "nope"}, core.DefaultOptions())
	assert.ErrorIs(t, err, core.ErrNotFound)

	_, err = f.svc.SubmitParse(ctx, Source{Filename: "x.pdf"}, core.DefaultOptions())
	assert.ErrorIs(t, err, core.ErrEmpty)

	assert.Equal(t, 0, f.svc.scheduler.Stats().Stored)
}

func TestSubmitParseCopiesPayload(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	buf := []byte("# Original")
	id, err := f.svc.SubmitParse(ctx, Source{Filename: "n.md", Payload: buf}, core.DefaultOptions())
	require.NoError(t, err)
	copy(buf, "# Mutated!")

	v, err := f.svc.AwaitTask(ctx, id, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, task.StatusSuccess, v.Status)
	assert.Equal(t, "# Original", v.Result.Markdown)
	assert.Equal(t, "binary", v.Kind)
}

func TestSubmitParseFailureIsRecorded(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	id, err := f.svc.SubmitParse(ctx, Source{Filename: "blob.bin", Payload: []byte{0xde, 0xad, 0xbe, 0xef}}, core.DefaultOptions())
	require.NoError(t, err)

	v, err := f.svc.AwaitTask(ctx, id, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, v.Status)
	assert.Contains(t, v.Error, "blob.bin")
}

func TestAwaitUnknownTask(t *testing.T) {
	f := newFixture(t, 0)
	_, err := f.svc.AwaitTask(context.Background(), "nope", time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.Equal(t, task.StatusNotFound, f.svc.TaskStatus(context.Background(), "nope").Status)
}

func TestParseBatchKeepsOrderAndIsolatesFailures(t *testing.T) {
	f := newFixture(t, 0)

	items := f.svc.ParseBatch(context.Background(), []string{"b", "nope", "a", "z"}, core.DefaultOptions())
	require.Len(t, items, 4)

	assert.Equal(t, "b", items[0].DocID)
	require.NotNil(t, items[0].Result)
	assert.Equal(t, "# beta.pdf", items[0].Result.Markdown)

	assert.Equal(t, "nope", items[1].DocID)
	assert.Nil(t, items[1].Result)
	assert.ErrorIs(t, items[1].Err(), core.ErrNotFound)
	assert.NotEmpty(t, items[1].Error)

	assert.Equal(t, "Alpha", items[2].Result.Title)
	assert.ErrorIs(t, items[3].Err(), core.ErrEmpty)
}

func TestParseBatchBoundsConcurrency(t *testing.T) {
	f := newFixture(t, 3)

	ids := make([]string, 20)
	for i := range ids {
		ids[i] = "b"
	}
	items := f.svc.ParseBatch(context.Background(), ids, core.DefaultOptions())
	for _, it := range items {
		assert.NoError(t, it.Err())
	}
	assert.LessOrEqual(t, f.eng.peak.Load(), int32(3))
}

func TestNewRequiresPipeline(t *testing.T) {
	_, err := New(Dependencies{})
	assert.Error(t, err)
}

func TestWithoutScheduler(t *testing.T) {
	svc, err := New(Dependencies{Pipeline: pipeline.New(pipeline.Dependencies{})})
	require.NoError(t, err)

	_, err = svc.SubmitParse(context.Background(), Source{Filename: "a.md", Payload: []byte("x")}, core.DefaultOptions())
	assert.Error(t, err)
	assert.Equal(t, task.StatusNotFound, svc.TaskStatus(context.Background(), "x").Status)
}
