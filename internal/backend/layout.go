package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/parsemd/internal/core"
	"github.com/local/parsemd/internal/metrics"
)

var _ Backend = &Layout{}

// Layout is an HTTP client for a layout/OCR model-serving endpoint.
type Layout struct {
	client *http.Client

	engine    core.Engine
	url       string
	path      string
	fileField string
	fields    func(core.Options) map[string]string
}

type Option func(*Layout)

func WithClient(client *http.Client) Option {
	return func(l *Layout) {
		l.client = client
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(l *Layout) {
		if timeout > 0 {
			l.client = &http.Client{Timeout: timeout}
		}
	}
}

// NewMinerU creates a client for a MinerU API server (POST /file_parse).
func NewMinerU(url string, options ...Option) (*Layout, error) {
	return newLayout(core.EngineMinerU, url, "/file_parse", "files", minerUFields, options)
}

// NewDotsOCR creates a client for a dots.ocr serving endpoint (POST /parse).
func NewDotsOCR(url string, options ...Option) (*Layout, error) {
	return newLayout(core.EngineDotsOCR, url, "/parse", "file", dotsOCRFields, options)
}

func newLayout(engine core.Engine, url, path, fileField string, fields func(core.Options) map[string]string, options []Option) (*Layout, error) {
	if url == "" {
		return nil, errors.New("invalid url")
	}

	l := &Layout{
		client: http.DefaultClient,

		engine:    engine,
		url:       strings.TrimRight(url, "/"),
		path:      path,
		fileField: fileField,
		fields:    fields,
	}

	for _, option := range options {
		option(l)
	}

	return l, nil
}

func (l *Layout) Engine() core.Engine { return l.engine }

// minerU defaults OCR off and formulas/tables on.
func minerUFields(opts core.Options) map[string]string {
	method := "auto"
	if opts.OCR(false) {
		method = "ocr"
	}
	return map[string]string{
		"start_page_id":  strconv.Itoa(opts.FromPage),
		"end_page_id":    strconv.Itoa(opts.ToPage),
		"formula_enable": strconv.FormatBool(opts.Formula(true)),
		"table_enable":   strconv.FormatBool(opts.Table(true)),
		"parse_method":   method,
		"return_md":      "true",
		"return_images":  "true",
	}
}

// dots.ocr defaults OCR on.
func dotsOCRFields(opts core.Options) map[string]string {
	return map[string]string{
		"from_page":      strconv.Itoa(opts.FromPage),
		"to_page":        strconv.Itoa(opts.ToPage),
		"enable_ocr":     strconv.FormatBool(opts.OCR(true)),
		"formula_enable": strconv.FormatBool(opts.Formula(true)),
		"table_enable":   strconv.FormatBool(opts.Table(true)),
	}
}

// layoutResponse covers both response shapes; MinerU puts "results" at the top level.
type layoutResponse struct {
	Sections []string       `json:"sections"`
	Images   map[string]any `json:"images"`
	Results  map[string]any `json:"results"`
}

func (l *Layout) Parse(ctx context.Context, filename string, payload []byte, opts core.Options) (Result, error) {
	start := time.Now()
	res, err := l.parse(ctx, filename, payload, opts)
	metrics.ObserveBackend(l.engine.String(), err, time.Since(start))
	if err != nil {
		return Result{}, err
	}

	log.Info().
		Str("engine", l.engine.String()).
		Str("filename", filename).
		Int("markdown_chars", len(res.Markdown)).
		Int("images", len(res.Images)).
		Dur("duration", time.Since(start)).
		Msg("layout engine parse done")
	return res, nil
}

func (l *Layout) parse(ctx context.Context, filename string, payload []byte, opts core.Options) (Result, error) {
	var data bytes.Buffer
	w := multipart.NewWriter(&data)

	file, err := w.CreateFormFile(l.fileField, filename)
	if err != nil {
		return Result{}, l.wrap(filename, 0, err)
	}
	if _, err := io.Copy(file, bytes.NewReader(payload)); err != nil {
		return Result{}, l.wrap(filename, 0, err)
	}
	for k, v := range l.fields(opts) {
		if err := w.WriteField(k, v); err != nil {
			return Result{}, l.wrap(filename, 0, err)
		}
	}
	w.Close()

	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, l.url+l.path, &data)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return Result{}, l.wrap(filename, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, l.wrap(filename, resp.StatusCode, errors.New(strings.TrimSpace(string(body))))
	}

	var body layoutResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Result{}, l.wrap(filename, resp.StatusCode, fmt.Errorf("decode response: %w", err))
	}

	images := body.Images
	if images == nil && body.Results != nil {
		images = map[string]any{"results": body.Results}
	}
	return Normalize(body.Sections, images), nil
}

func (l *Layout) wrap(filename string, status int, err error) error {
	return &core.BackendError{Engine: l.engine, Filename: filename, StatusCode: status, Err: err}
}

// Ping reports whether the serving endpoint answers at all.
func (l *Layout) Ping(ctx context.Context) error {
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, l.url, nil)
	resp, err := l.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}
