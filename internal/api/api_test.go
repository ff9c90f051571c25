package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/local/parsemd/internal/backend"
	"github.com/local/parsemd/internal/core"
	"github.com/local/parsemd/internal/docstore"
	"github.com/local/parsemd/internal/pipeline"
	"github.com/local/parsemd/internal/service"
	"github.com/local/parsemd/internal/statuscheck"
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

type memBlobs map[string][]byte

func (m memBlobs) Get(_ context.Context, bucket, name string) ([]byte, error) {
	b, ok := m[bucket+"/"+name]
	if !ok {
		return nil, fmt.Errorf("object %s/%s: %w", bucket, name, core.ErrNotFound)
	}
	return b, nil
}

type stubBackend struct {
	release chan struct{}
	err     error
}

func (s *stubBackend) Parse(ctx context.Context, filename string, _ []byte, opts core.Options) (backend.Result, error) {
	if s.release != nil {
		<-s.release
	}
	if s.err != nil {
		return backend.Result{}, s.err
	}
	return backend.Result{
		Markdown: fmt.Sprintf("# %s\n\npages %d-%d", filename, opts.FromPage, opts.ToPage),
		Images:   map[string]string{"p1.jpg": "AAAA"},
	}, nil
}

type server struct {
	*httptest.Server
	engine *stubBackend
}

func newServer(t *testing.T, status *statuscheck.Checker) server {
	t.Helper()
	return newServerConfig(t, status, Config{MaxUploadBytes: 1 << 20, PollInterval: 5 * time.Millisecond})
}

func newServerConfig(t *testing.T, status *statuscheck.Checker, cfg Config) server {
	t.Helper()
	eng := &stubBackend{}
	reg := backend.NewRegistry(core.EngineMinerU)
	require.NoError(t, reg.Register(core.EngineMinerU, eng))

	sched, err := task.New(task.Config{Workers: 2, PollInterval: 5 * time.Millisecond}, task.Dependencies{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sched.Shutdown(context.Background()) })

	svc, err := service.New(service.Dependencies{
		Pipeline:  pipeline.New(pipeline.Dependencies{Engines: reg}),
		Scheduler: sched,
		Documents: memDocs{"d1": {ID: "d1", Name: "guide.pdf", Bucket: "b", Location: "guide.pdf"}},
		Blobs:     memBlobs{"b/guide.pdf": []byte("%PDF-1.4 fake")},
	})
	require.NoError(t, err)

	h := New(cfg, svc, status)
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	return server{Server: srv, engine: eng}
}

type reply struct {
	Code    int             `json:"code"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

func postJSON(t *testing.T, url string, body any) (int, reply) {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	return decode(t, resp)
}

func decode(t *testing.T, resp *http.Response) (int, reply) {
	t.Helper()
	defer resp.Body.Close()
	var r reply
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&r))
	return resp.StatusCode, r
}

func TestHealth(t *testing.T) {
	srv := newServer(t, nil)
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	code, r := decode(t, resp)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 0, r.Code)
	assert.JSONEq(t, `{"status":"healthy","service":"parsemd"}`, string(r.Data))
}

func TestParseBinary(t *testing.T) {
	srv := newServer(t, nil)
	code, r := postJSON(t, srv.URL+"/api/v1/parse_to_md/binary", map[string]any{
		"filename":   "notes.md",
		"content":    base64.StdEncoding.EncodeToString([]byte("# Notes\n\nhello")),
		"input_type": "auto",
	})
	require.Equal(t, http.StatusOK, code, r.Message)

	var res core.ParseResult
	require.NoError(t, json.Unmarshal(r.Data, &res))
	assert.Equal(t, "# Notes\n\nhello", res.Markdown)
	assert.Equal(t, core.FormatMarkdown, res.Format)
	assert.Equal(t, "Notes", res.Title)
	assert.Equal(t, 0, res.ImageCount)
}

func TestParseDocumentWithConfig(t *testing.T) {
	srv := newServer(t, nil)
	code, r := postJSON(t, srv.URL+"/api/v1/parse_to_md", map[string]any{
		"doc_id": "d1",
		"config": map[string]any{"layout_recognize": "mineru", "from_page": 2, "to_page": "5"},
	})
	require.Equal(t, http.StatusOK, code, r.Message)

	var res core.ParseResult
	require.NoError(t, json.Unmarshal(r.Data, &res))
	assert.Equal(t, "# guide.pdf\n\npages 2-5", res.Markdown)
	assert.Equal(t, 1, res.ImageCount)
	assert.Equal(t, core.EngineMinerU, res.Engine)
}

func TestParseErrorsMapToStatus(t *testing.T) {
	srv := newServer(t, nil)
	url := srv.URL + "/api/v1/parse_to_md/binary"
	b64 := base64.StdEncoding.EncodeToString

	cases := []struct {
		name string
		body map[string]any
		want int
	}{
		{"unknown document", map[string]any{"doc_id": "missing"}, http.StatusNotFound},
		{"garbage bytes", map[string]any{"filename": "x.bin", "content": b64([]byte{0xde, 0xad, 0xbe, 0xef})}, http.StatusBadRequest},
		{"bad input type", map[string]any{"filename": "x.md", "content": b64([]byte("x")), "input_type": "tarball"}, http.StatusBadRequest},
		{"unsupported engine", map[string]any{"filename": "x.pdf", "content": b64([]byte("%PDF-1.4")), "config": map[string]any{"layout_engine": "dots_ocr"}}, http.StatusBadRequest},
		{"empty payload", map[string]any{"filename": "x.pdf", "content": ""}, http.StatusBadRequest},
		{"bad base64", map[string]any{"filename": "x.pdf", "content": "!!"}, http.StatusBadRequest},
		{"bad page range", map[string]any{"filename": "x.md", "content": b64([]byte("x")), "config": map[string]any{"from_page": 5, "to_page": 1}}, http.StatusBadRequest},
		{"html without converter", map[string]any{"filename": "x.html", "content": b64([]byte("<html></html>"))}, http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			target := url
			if _, ok := tc.body["doc_id"]; ok {
				target = srv.URL + "/api/v1/parse_to_md"
			}
			code, r := postJSON(t, target, tc.body)
			assert.Equal(t, tc.want, code, r.Message)
			assert.Equal(t, tc.want, r.Code)
			assert.NotEmpty(t, r.Message)
		})
	}
}

func TestBackendFailureIsBadGateway(t *testing.T) {
	srv := newServer(t, nil)
	srv.engine.err = &core.BackendError{Engine: core.EngineMinerU, StatusCode: 500}
	code, _ := postJSON(t, srv.URL+"/api/v1/parse_to_md", map[string]any{"doc_id": "d1"})
	assert.Equal(t, http.StatusBadGateway, code)
}

func upload(t *testing.T, url string, fields map[string]string, filename string, content []byte) (int, reply) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if filename != "" {
		fw, err := mw.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, _ = fw.Write(content)
	}
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())

	resp, err := http.Post(url, mw.FormDataContentType(), &body)
	require.NoError(t, err)
	return decode(t, resp)
}

func TestParseUpload(t *testing.T) {
	srv := newServer(t, nil)
	url := srv.URL + "/api/v1/parse_to_md/upload"

	code, r := upload(t, url, map[string]string{"config": `{"input_type":"markdown"}`}, "readme.txt", []byte("# Readme"))
	require.Equal(t, http.StatusOK, code, r.Message)
	var res core.ParseResult
	require.NoError(t, json.Unmarshal(r.Data, &res))
	assert.Equal(t, "Readme", res.Title)
	assert.Equal(t, "readme.txt", res.Filename)

	code, r = upload(t, url, map[string]string{"config": "{}"}, "", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, r.Message, "Either 'file' or 'file_url' must be provided")

	code, r = upload(t, url, map[string]string{"file_url": "http://example.invalid/a.pdf"}, "a.md", []byte("x"))
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, r.Message, "Cannot provide both")

	code, _ = upload(t, url, map[string]string{"config": "not json"}, "a.md", []byte("x"))
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestParseUploadFromURL(t *testing.T) {
	files := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/docs/intro.md":
			_, _ = w.Write([]byte("# Intro"))
		case "/empty.bin":
		default:
			http.NotFound(w, r)
		}
	}))
	defer files.Close()

	srv := newServer(t, nil)
	url := srv.URL + "/api/v1/parse_to_md/upload"

	code, r := upload(t, url, map[string]string{"file_url": files.URL + "/docs/intro.md"}, "", nil)
	require.Equal(t, http.StatusOK, code, r.Message)
	var res core.ParseResult
	require.NoError(t, json.Unmarshal(r.Data, &res))
	assert.Equal(t, "intro.md", res.Filename)

	code, r = upload(t, url, map[string]string{"file_url": files.URL + "/docs/intro.md", "config": `{"filename":"renamed.md"}`}, "", nil)
	require.Equal(t, http.StatusOK, code, r.Message)
	require.NoError(t, json.Unmarshal(r.Data, &res))
	assert.Equal(t, "renamed.md", res.Filename)

	code, r = upload(t, url, map[string]string{"file_url": files.URL + "/missing.pdf"}, "", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, r.Message, "Failed to download")

	code, r = upload(t, url, map[string]string{"file_url": files.URL + "/empty.bin"}, "", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, r.Message, "empty")
}

func TestParseUploadFromURLHonorsFetchHosts(t *testing.T) {
	files := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/hop" {
			http.Redirect(w, r, "http://169.254.169.254/latest/meta-data", http.StatusFound)
			return
		}
		_, _ = w.Write([]byte("# Intro"))
	}))
	defer files.Close()

	srv := newServerConfig(t, nil, Config{
		MaxUploadBytes: 1 << 20,
		PollInterval:   5 * time.Millisecond,
		FetchHosts:     []string{"127.0.0.1"},
	})
	url := srv.URL + "/api/v1/parse_to_md/upload"

	code, r := upload(t, url, map[string]string{"file_url": files.URL + "/intro.md"}, "", nil)
	require.Equal(t, http.StatusOK, code, r.Message)

	code, r = upload(t, url, map[string]string{"file_url": "http://localhost:1/intro.md"}, "", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, r.Message, "not allowed")

	code, r = upload(t, url, map[string]string{"file_url": files.URL + "/hop"}, "", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, r.Message, "not allowed")
}

func TestFetchAllowed(t *testing.T) {
	h := New(Config{FetchHosts: []string{"files.example.com", ".cdn.example.org"}}, nil, nil)
	assert.True(t, h.fetchAllowed("files.example.com"))
	assert.True(t, h.fetchAllowed("FILES.example.com."))
	assert.True(t, h.fetchAllowed("cdn.example.org"))
	assert.True(t, h.fetchAllowed("eu.cdn.example.org"))
	assert.False(t, h.fetchAllowed("evil-cdn.example.org"))
	assert.False(t, h.fetchAllowed("example.com"))
	assert.False(t, h.fetchAllowed("127.0.0.1"))

	assert.True(t, New(Config{}, nil, nil).fetchAllowed("127.0.0.1"))
}

func TestUploadTooLarge(t *testing.T) {
	svc, err := service.New(service.Dependencies{Pipeline: pipeline.New(pipeline.Dependencies{})})
	require.NoError(t, err)
	h := New(Config{MaxUploadBytes: 1024}, svc, nil)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "big.md")
	require.NoError(t, err)
	_, _ = fw.Write(bytes.Repeat([]byte("a"), 4096))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/parse_to_md/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestAsyncLifecycle(t *testing.T) {
	srv := newServer(t, nil)
	srv.engine.release = make(chan struct{})

	code, r := postJSON(t, srv.URL+"/api/v1/parse_to_md/async", map[string]any{"doc_id": "d1"})
	require.Equal(t, http.StatusOK, code, r.Message)
	var sub struct {
		TaskID string `json:"task_id"`
	}
	require.NoError(t, json.Unmarshal(r.Data, &sub))
	require.NotEmpty(t, sub.TaskID)

	taskURL := srv.URL + "/api/v1/parse_to_md/status/" + sub.TaskID
	resp, err := http.Get(taskURL + "?wait=0.05")
	require.NoError(t, err)
	code, r = decode(t, resp)
	require.Equal(t, http.StatusOK, code)
	var v task.View
	require.NoError(t, json.Unmarshal(r.Data, &v))
	assert.False(t, v.Status.IsFinal())

	close(srv.engine.release)
	resp, err = http.Get(taskURL + "?wait=5s")
	require.NoError(t, err)
	code, r = decode(t, resp)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(r.Data, &v))
	assert.Equal(t, task.StatusSuccess, v.Status)
	require.NotNil(t, v.Result)
	assert.Equal(t, "guide.pdf", v.Result.Filename)
}

func TestAsyncRejectsUnknownDocument(t *testing.T) {
	srv := newServer(t, nil)
	code, _ := postJSON(t, srv.URL+"/api/v1/parse_to_md/async", map[string]any{"doc_id": "missing"})
	assert.Equal(t, http.StatusNotFound, code)
}

func TestTaskLookupUnknownID(t *testing.T) {
	srv := newServer(t, nil)

	for _, path := range []string{"/api/v1/parse_to_md/status/nope", "/api/v1/parse_to_md/tasks/nope", "/api/v1/parse_to_md/status/nope?wait=0.05"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		code, r := decode(t, resp)
		require.Equal(t, http.StatusOK, code, path)
		assert.Equal(t, 0, r.Code, path)

		var v task.View
		require.NoError(t, json.Unmarshal(r.Data, &v), path)
		assert.Equal(t, task.StatusNotFound, v.Status, path)
		assert.Equal(t, "nope", v.ID, path)
	}

	resp, err := http.Get(srv.URL + "/api/v1/parse_to_md/status/nope?wait=soon")
	require.NoError(t, err)
	code, _ := decode(t, resp)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestBatch(t *testing.T) {
	srv := newServer(t, nil)
	code, r := postJSON(t, srv.URL+"/api/v1/parse_to_md/batch", map[string]any{"doc_ids": []string{"d1", "missing"}})
	require.Equal(t, http.StatusOK, code, r.Message)

	var out struct {
		Results []service.BatchItem `json:"results"`
		Total   int                 `json:"total"`
		Failed  int                 `json:"failed"`
	}
	require.NoError(t, json.Unmarshal(r.Data, &out))
	assert.Equal(t, 2, out.Total)
	assert.Equal(t, 1, out.Failed)
	assert.Equal(t, "d1", out.Results[0].DocID)
	assert.NotNil(t, out.Results[0].Result)
	assert.Contains(t, out.Results[1].Error, "not found")

	code, _ = postJSON(t, srv.URL+"/api/v1/parse_to_md/batch", map[string]any{"doc_ids": []string{}})
	assert.Equal(t, http.StatusBadRequest, code)
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestStatusEndpoint(t *testing.T) {
	checker := statuscheck.New(statuscheck.Options{
		Redis: pingFunc(func(context.Context) error { return fmt.Errorf("down") }),
	})
	srv := newServer(t, checker)

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	code, r := decode(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", r.Message)
}

func TestStatusForCoversTaxonomy(t *testing.T) {
	assert.Equal(t, http.StatusGatewayTimeout, statusFor(fmt.Errorf("x: %w", core.ErrTimeout)))
	assert.Equal(t, http.StatusBadGateway, statusFor(&core.ConversionError{Err: fmt.Errorf("boom")}))
	assert.Equal(t, http.StatusBadRequest, statusFor(&core.DecodeError{}))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(task.ErrClosed))
	assert.Equal(t, http.StatusInternalServerError, statusFor(fmt.Errorf("other")))
}

func TestParseWait(t *testing.T) {
	d, err := parseWait("1.5")
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, d)

	d, err = parseWait("2m")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, d)

	_, err = parseWait("-1")
	assert.Error(t, err)
}
