package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"strings"
	"time"

	"github.com/gen2brain/go-fitz"
	"github.com/rs/zerolog/log"

	"github.com/local/parsemd/internal/core"
	"github.com/local/parsemd/internal/metrics"
)

const (
	// DefaultRenderDPI for pages without a usable text layer
	DefaultRenderDPI = 110.0

	// DefaultMinPageChars below which a page is treated as scanned
	DefaultMinPageChars = 20
)

// MuPDF extracts the embedded text layer in-process with go-fitz. Pages without
// enough text are rendered to JPEG and referenced from the markdown instead.
type MuPDF struct {
	dpi      float64
	quality  int
	minChars int
	gray     bool
}

type MuPDFOption func(*MuPDF)

func WithRenderDPI(dpi float64) MuPDFOption {
	return func(m *MuPDF) {
		if dpi > 0 {
			m.dpi = dpi
		}
	}
}

func WithGrayscale() MuPDFOption {
	return func(m *MuPDF) { m.gray = true }
}

func WithMinPageChars(n int) MuPDFOption {
	return func(m *MuPDF) { m.minChars = n }
}

func NewMuPDF(options ...MuPDFOption) *MuPDF {
	m := &MuPDF{dpi: DefaultRenderDPI, quality: 85, minChars: DefaultMinPageChars}
	for _, option := range options {
		option(m)
	}
	return m
}

func (m *MuPDF) Parse(ctx context.Context, filename string, payload []byte, opts core.Options) (Result, error) {
	start := time.Now()
	res, err := m.parse(ctx, filename, payload, opts)
	metrics.ObserveBackend(core.EngineMuPDF.String(), err, time.Since(start))
	return res, err
}

func (m *MuPDF) parse(ctx context.Context, filename string, payload []byte, opts core.Options) (Result, error) {
	doc, err := fitz.NewFromMemory(payload)
	if err != nil {
		return Result{}, &core.BackendError{Engine: core.EngineMuPDF, Filename: filename, Err: fmt.Errorf("open document: %w", err)}
	}
	defer doc.Close()

	res := Result{Images: map[string]string{}}
	last := min(opts.ToPage, doc.NumPage()-1)

	var pages []string
	for i := opts.FromPage; i <= last; i++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		text, err := doc.Text(i)
		if err != nil {
			log.Warn().Err(err).Str("filename", filename).Int("page", i+1).Msg("failed to extract text from page")
			text = ""
		}
		text = cleanText(text, i+1)

		if len([]rune(text)) >= m.minChars {
			pages = append(pages, text)
			continue
		}

		// Scanned or graphics-only page: keep it as an image.
		name := fmt.Sprintf("page_%04d.jpg", i+1)
		jpg, err := m.renderPage(doc, i)
		if err != nil {
			log.Warn().Err(err).Str("filename", filename).Int("page", i+1).Msg("failed to render page")
			if text != "" {
				pages = append(pages, text)
			}
			continue
		}
		res.Images[name] = base64.StdEncoding.EncodeToString(jpg)
		page := fmt.Sprintf("![page %d](%s)", i+1, name)
		if text != "" {
			page = text + "\n\n" + page
		}
		pages = append(pages, page)
	}

	res.Markdown = strings.Join(pages, "\n\n")
	log.Debug().Str("filename", filename).Int("pages", len(pages)).Int("images", len(res.Images)).Msg("mupdf extraction done")
	return res, nil
}

// renderPage renders a 0-based page as JPEG.
func (m *MuPDF) renderPage(doc *fitz.Document, index int) ([]byte, error) {
	img, err := doc.ImageDPI(index, m.dpi)
	if err != nil {
		return nil, fmt.Errorf("render page %d: %w", index+1, err)
	}

	var final image.Image = img
	if m.gray {
		bounds := img.Bounds()
		grayImg := image.NewGray(bounds)
		draw.Draw(grayImg, bounds, img, image.Point{}, draw.Src)
		final = grayImg
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, final, &jpeg.Options{Quality: m.quality}); err != nil {
		return nil, fmt.Errorf("encode JPEG: %w", err)
	}
	return buf.Bytes(), nil
}

// cleanText drops page numbers and noise lines and rejoins broken sentences.
func cleanText(text string, pageNum int) string {
	lines := strings.Split(text, "\n")
	kept := make([]string, 0, len(lines))

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || isPageNumber(trimmed, pageNum) || isNoise(trimmed) {
			continue
		}
		kept = append(kept, trimmed)
	}

	return strings.TrimSpace(fixBrokenLines(kept))
}

func isPageNumber(line string, pageNum int) bool {
	patterns := []string{
		fmt.Sprintf("%d", pageNum),
		fmt.Sprintf("Page %d", pageNum),
		fmt.Sprintf("- %d -", pageNum),
		fmt.Sprintf("[%d]", pageNum),
	}
	for _, pattern := range patterns {
		if strings.EqualFold(line, pattern) {
			return true
		}
	}
	return false
}

// isNoise is true for lines without any letter or digit.
func isNoise(line string) bool {
	for _, r := range line {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r > 127 {
			return false
		}
	}
	return true
}

func fixBrokenLines(lines []string) string {
	var fixed []string

	for i := 0; i < len(lines); i++ {
		line := lines[i]

		if i < len(lines)-1 {
			next := lines[i+1]
			last := line[len(line)-1]
			sentenceEnd := last == '.' || last == '!' || last == '?' || last == ':' || last == ';'

			if !sentenceEnd && next[0] >= 'a' && next[0] <= 'z' && !strings.HasSuffix(line, "-") {
				// Merge into the next line so chains of wrapped lines collapse.
				lines[i+1] = line + " " + next
				continue
			}
		}

		fixed = append(fixed, line)
	}

	return strings.Join(fixed, "\n")
}
