package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/local/parsemd/internal/core"
	"github.com/local/parsemd/internal/docstore"
	"github.com/local/parsemd/internal/pipeline"
	"github.com/local/parsemd/internal/task"
)

// DefaultBatchWorkers bounds ParseBatch fan-out.
const DefaultBatchWorkers = 12

// Documents resolves document references.
type Documents interface {
	GetDocument(ctx context.Context, id string) (docstore.Document, error)
}

// Blobs fetches stored binaries.
type Blobs interface {
	Get(ctx context.Context, bucket, name string) ([]byte, error)
}

// Source is either a document reference or a raw binary.
type Source struct {
	DocID    string
	Filename string
	Payload  []byte
}

func (s Source) kind() string {
	if s.DocID != "" {
		return "document"
	}
	return "binary"
}

type Dependencies struct {
	Pipeline     *pipeline.Pipeline
	Scheduler    *task.Scheduler
	Documents    Documents
	Blobs        Blobs
	BatchWorkers int
}

// Service is the entry point for synchronous, asynchronous and batch parsing.
type Service struct {
	pipeline     *pipeline.Pipeline
	scheduler    *task.Scheduler
	documents    Documents
	blobs        Blobs
	batchWorkers int
}

func New(deps Dependencies) (*Service, error) {
	if deps.Pipeline == nil {
		return nil, errors.New("pipeline is required")
	}
	if deps.BatchWorkers <= 0 {
		deps.BatchWorkers = DefaultBatchWorkers
	}
	return &Service{
		pipeline:     deps.Pipeline,
		scheduler:    deps.Scheduler,
		documents:    deps.Documents,
		blobs:        deps.Blobs,
		batchWorkers: deps.BatchWorkers,
	}, nil
}

// ParseNow runs the pipeline on the caller's goroutine.
func (s *Service) ParseNow(ctx context.Context, src Source, opts core.Options) (*core.ParseResult, error) {
	filename, payload, err := s.load(ctx, src)
	if err != nil {
		return nil, err
	}
	return s.pipeline.Run(ctx, pipeline.Request{Filename: filename, Payload: payload, Options: opts})
}

// Detect classifies a source without parsing it.
func (s *Service) Detect(ctx context.Context, src Source, inputType string) (core.Format, error) {
	filename, payload, err := s.load(ctx, src)
	if err != nil {
		return core.FormatUnknown, err
	}
	return s.pipeline.Detect(filename, payload, inputType)
}

// SubmitParse validates the source and schedules the parse. Document payloads are
// fetched by the worker; raw payloads are copied so the caller may reuse its buffer.
func (s *Service) SubmitParse(ctx context.Context, src Source, opts core.Options) (string, error) {
	if s.scheduler == nil {
		return "", errors.New("async parsing is not configured")
	}

	if src.DocID != "" {
		if _, err := s.document(ctx, src.DocID); err != nil {
			return "", err
		}
	} else {
		if len(src.Payload) == 0 {
			return "", fmt.Errorf("submit %s: %w", src.Filename, core.ErrEmpty)
		}
		src.Payload = bytes.Clone(src.Payload)
	}

	id, err := s.scheduler.Submit(src.kind(), func(ctx context.Context) (*core.ParseResult, error) {
		return s.ParseNow(ctx, src, opts)
	})
	if err != nil {
		return "", err
	}
	log.Info().Str("task_id", id).Str("doc_id", src.DocID).Str("filename", src.Filename).Msg("parse submitted")
	return id, nil
}

func (s *Service) TaskStatus(ctx context.Context, id string) task.View {
	if s.scheduler == nil {
		return task.NotFound(id)
	}
	return s.scheduler.GetStatus(ctx, id)
}

func (s *Service) AwaitTask(ctx context.Context, id string, timeout, interval time.Duration) (task.View, error) {
	if s.scheduler == nil {
		return task.NotFound(id), fmt.Errorf("task %s: %w", id, core.ErrNotFound)
	}
	return s.scheduler.AwaitCompletion(ctx, id, timeout, interval)
}

// BatchItem is the outcome for one document of a batch.
type BatchItem struct {
	DocID  string            `json:"doc_id"`
	Result *core.ParseResult `json:"result,omitempty"`
	Error  string            `json:"error,omitempty"`
	err    error
}

func (b BatchItem) Err() error { return b.err }

// ParseBatch parses documents concurrently. One failure does not stop the others;
// items keep the input order.
func (s *Service) ParseBatch(ctx context.Context, docIDs []string, opts core.Options) []BatchItem {
	items := make([]BatchItem, len(docIDs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.batchWorkers)
	for i, id := range docIDs {
		g.Go(func() error {
			res, err := s.ParseNow(gctx, Source{DocID: id}, opts)
			items[i] = BatchItem{DocID: id, Result: res, err: err}
			if err != nil {
				items[i].Error = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, it := range items {
		if it.err != nil {
			failed++
		}
	}
	log.Info().Int("documents", len(docIDs)).Int("failed", failed).Msg("batch parse done")
	return items
}

func (s *Service) document(ctx context.Context, id string) (docstore.Document, error) {
	if s.documents == nil {
		return docstore.Document{}, fmt.Errorf("document %s: %w", id, core.ErrNotFound)
	}
	return s.documents.GetDocument(ctx, id)
}

func (s *Service) load(ctx context.Context, src Source) (string, []byte, error) {
	if src.DocID == "" {
		if len(src.Payload) == 0 {
			return "", nil, fmt.Errorf("parse %s: %w", src.Filename, core.ErrEmpty)
		}
		return src.Filename, src.Payload, nil
	}

	doc, err := s.document(ctx, src.DocID)
	if err != nil {
		return "", nil, err
	}
	if s.blobs == nil {
		return "", nil, fmt.Errorf("document %s: no binary storage configured: %w", src.DocID, core.ErrNotFound)
	}
	payload, err := s.blobs.Get(ctx, doc.Bucket, doc.Location)
	if err != nil {
		return "", nil, fmt.Errorf("document %s: %w", src.DocID, err)
	}
	if len(payload) == 0 {
		return "", nil, fmt.Errorf("document %s: %w", src.DocID, core.ErrEmpty)
	}
	return doc.Name, payload, nil
}
