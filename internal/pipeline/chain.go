package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/parsemd/internal/core"
	"github.com/local/parsemd/internal/filetype"
	"github.com/local/parsemd/internal/metrics"
)

// Converter renders office and HTML documents to PDF.
type Converter interface {
	ConvertToPDF(ctx context.Context, filename string, payload []byte, format core.Format) ([]byte, error)
}

var pdfMagic = []byte("%PDF-")

// Chain decides whether a document needs an intermediate PDF conversion.
type Chain struct {
	converter Converter
}

func NewChain(converter Converter) *Chain {
	return &Chain{converter: converter}
}

// EnsureParseable returns inputs unchanged for terminal formats and images, and
// converts office/HTML documents to PDF, renaming the logical file to <stem>.pdf.
// The converter sees the file under the resolved extension, not the uploaded one.
func (c *Chain) EnsureParseable(ctx context.Context, filename string, payload []byte, doc filetype.Resolved) (string, []byte, core.Format, error) {
	format := doc.Format
	switch {
	case format.Terminal(), format == core.FormatImage:
		return filename, payload, format, nil
	case !format.NeedsConversion():
		return filename, payload, format, &core.UnrecognizedFormatError{Filename: filename, Extension: filetype.Extension(filename)}
	}

	if c.converter == nil {
		return filename, payload, format, &core.ConversionError{Filename: filename, Format: format, Err: errors.New("no converter configured")}
	}

	name := filename
	if doc.Extension != "" && filetype.Extension(filename) != doc.Extension {
		name = filetype.SwapExtension(filename, "."+doc.Extension)
	}

	start := time.Now()
	pdf, err := c.converter.ConvertToPDF(ctx, name, payload, format)
	if err == nil && !bytes.HasPrefix(bytes.TrimLeft(pdf, "\x00\t\r\n "), pdfMagic) {
		err = fmt.Errorf("converter returned %d bytes without a PDF header", len(pdf))
	}
	metrics.ObserveConversion(format.String(), err, time.Since(start))
	if err != nil {
		return filename, payload, format, &core.ConversionError{Filename: filename, Format: format, Err: err}
	}

	out := filetype.SwapExtension(filename, ".pdf")
	log.Info().Str("filename", filename).Str("sent_as", name).Str("converted", out).Str("format", format.String()).Int("pdf_bytes", len(pdf)).Dur("duration", time.Since(start)).Msg("converted to pdf")
	return out, pdf, core.FormatPDF, nil
}
