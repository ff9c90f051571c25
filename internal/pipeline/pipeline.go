package pipeline

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/local/parsemd/internal/backend"
	"github.com/local/parsemd/internal/core"
	"github.com/local/parsemd/internal/filetype"
	"github.com/local/parsemd/internal/metrics"
)

// Request is one document to parse. Options.InputType selects explicit or automatic detection.
type Request struct {
	Filename string
	Payload  []byte
	Options  core.Options
}

type Dependencies struct {
	Detector  *filetype.Detector
	Converter Converter
	Engines   *backend.Registry
	Markdown  backend.Backend
}

// Pipeline classifies, converts and parses documents. It holds no per-call state.
type Pipeline struct {
	detector *filetype.Detector
	chain    *Chain
	engines  *backend.Registry
	markdown backend.Backend
}

func New(deps Dependencies) *Pipeline {
	if deps.Detector == nil {
		deps.Detector = filetype.New()
	}
	if deps.Engines == nil {
		deps.Engines = backend.NewRegistry(core.DefaultEngine)
	}
	if deps.Markdown == nil {
		deps.Markdown = backend.Markdown{}
	}
	return &Pipeline{
		detector: deps.Detector,
		chain:    NewChain(deps.Converter),
		engines:  deps.Engines,
		markdown: deps.Markdown,
	}
}

// Detect exposes format classification on its own.
func (p *Pipeline) Detect(filename string, payload []byte, inputType string) (core.Format, error) {
	return p.detector.Classify(filename, payload, inputType)
}

// Run parses one document. Errors are never retried; they carry the filename and
// unwrap to the core sentinels.
func (p *Pipeline) Run(ctx context.Context, req Request) (*core.ParseResult, error) {
	start := time.Now()
	res, err := p.run(ctx, req)

	format, engine := core.FormatUnknown, ""
	if res != nil {
		format, engine = res.Format, res.Engine.String()
	}
	metrics.ObservePipeline(format.String(), engine, err)

	if err != nil {
		log.Warn().Err(err).Str("filename", req.Filename).Dur("duration", time.Since(start)).Msg("parse failed")
		return nil, err
	}
	log.Info().
		Str("filename", req.Filename).
		Str("format", res.Format.String()).
		Str("engine", engine).
		Int("markdown_chars", res.MarkdownLength).
		Int("images", res.ImageCount).
		Dur("duration", time.Since(start)).
		Msg("parse done")
	return res, nil
}

func (p *Pipeline) run(ctx context.Context, req Request) (*core.ParseResult, error) {
	if len(req.Payload) == 0 {
		return nil, fmt.Errorf("parse %s: %w", req.Filename, core.ErrEmpty)
	}

	doc, err := p.detector.Resolve(req.Filename, req.Payload, req.Options.InputType)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", req.Filename, err)
	}
	format := doc.Format

	// Resolve the engine before spending time on conversion.
	var engine core.Engine
	parser := p.markdown
	if format != core.FormatMarkdown {
		engine, parser, err = p.engines.Resolve(req.Options.Engine)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", req.Filename, err)
		}
	}

	filename, payload, terminal, err := p.chain.EnsureParseable(ctx, req.Filename, req.Payload, doc)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", req.Filename, err)
	}

	out, err := parser.Parse(ctx, filename, payload, req.Options)
	if err != nil {
		return nil, fmt.Errorf("parse %s as %s: %w", req.Filename, terminal, err)
	}

	images := out.Images
	if images == nil {
		images = map[string]string{}
	}
	res := &core.ParseResult{
		Filename:       req.Filename,
		FileFormat:     filetype.Extension(req.Filename),
		Format:         format,
		Engine:         engine,
		Markdown:       out.Markdown,
		Images:         images,
		ImageCount:     len(images),
		MarkdownLength: utf8.RuneCountInString(out.Markdown),
		Title:          Title(out.Markdown),
	}
	if terminal == core.FormatPDF {
		res.PageCount = PageCount(payload)
	}
	return res, nil
}
