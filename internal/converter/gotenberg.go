package converter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/parsemd/internal/core"
	"github.com/local/parsemd/internal/filetype"
)

// HTTPError represents a non-success response from the conversion service.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d from gotenberg: %s", e.StatusCode, e.Body)
}

// Gotenberg converts documents through a Gotenberg server.
type Gotenberg struct {
	client *http.Client
	url    string
}

type Option func(*Gotenberg)

func WithClient(client *http.Client) Option {
	return func(g *Gotenberg) {
		g.client = client
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(g *Gotenberg) {
		g.client = &http.Client{Timeout: timeout}
	}
}

func NewGotenberg(url string, options ...Option) (*Gotenberg, error) {
	if url == "" {
		return nil, errors.New("invalid url")
	}

	g := &Gotenberg{
		client: http.DefaultClient,
		url:    strings.TrimRight(url, "/"),
	}

	for _, option := range options {
		option(g)
	}

	return g, nil
}

// ConvertToPDF posts the document to the LibreOffice or Chromium route depending on its format.
func (g *Gotenberg) ConvertToPDF(ctx context.Context, filename string, payload []byte, format core.Format) ([]byte, error) {
	var route, name string

	switch format {
	case core.FormatOffice:
		route = "/forms/libreoffice/convert"
		name = filetype.SwapExtension(filename, "."+officeExtension(filename))
	case core.FormatHTML:
		// chromium only accepts the entry document as index.html
		route = "/forms/chromium/convert/html"
		name = "index.html"
	default:
		return nil, fmt.Errorf("gotenberg cannot convert %s documents", format)
	}

	var data bytes.Buffer
	w := multipart.NewWriter(&data)

	file, err := w.CreateFormFile("files", name)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(file, bytes.NewReader(payload)); err != nil {
		return nil, err
	}
	w.Close()

	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, g.url+route, &data)
	req.Header.Set("Content-Type", w.FormDataContentType())

	start := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, convertError(resp)
	}

	pdf, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read gotenberg response: %w", err)
	}

	log.Debug().Str("filename", filename).Str("route", route).Int("pdf_bytes", len(pdf)).Dur("duration", time.Since(start)).Msg("gotenberg conversion done")
	return pdf, nil
}

// Ping checks the Gotenberg health endpoint.
func (g *Gotenberg) Ping(ctx context.Context) error {
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, g.url+"/health", nil)
	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return convertError(resp)
	}
	return nil
}

func convertError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

// officeExtension keeps the caller's extension when it is meaningful to LibreOffice.
func officeExtension(filename string) string {
	if ext := filetype.Extension(filename); ext != "" {
		return ext
	}
	return "docx"
}
