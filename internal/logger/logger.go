package logger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/axiomhq/axiom-go/axiom"
	"github.com/axiomhq/axiom-go/axiom/ingest"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Options defines logger initialization parameters.
type Options struct {
	Service    string
	Level      string
	Pretty     bool
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool

	// Axiom is nil when log shipping is off.
	Axiom *AxiomOptions
}

// AxiomOptions configure the shipping writer. Dataset is required.
type AxiomOptions struct {
	APIKey    string
	OrgID     string
	Dataset   string
	MinLevel  string
	Flush     time.Duration
	BatchSize int
}

var ax *axiomClient

// Init sets up the global logger. Records go to stdout (JSON or console), to an
// optional rotated file and, at MinLevel and above, to Axiom.
func Init(opts Options) error {
	if opts.Service == "" {
		opts.Service = "parsemd"
	}
	lvl, err := zerolog.ParseLevel(opts.Level)
	if err != nil || opts.Level == "" {
		lvl = zerolog.InfoLevel
	}

	var writers []io.Writer
	if opts.Pretty {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		writers = append(writers, os.Stdout)
	}

	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return fmt.Errorf("create logs dir: %w", err)
		}
		writers = append(writers, &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		})
	}

	Close()
	if opts.Axiom != nil {
		w, err := newAxiomWriter(*opts.Axiom)
		if err != nil {
			// logging must not block startup
			fmt.Fprintf(os.Stderr, "axiom disabled: %v\n", err)
		} else {
			ax = w.client
			writers = append(writers, w)
		}
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	ctx := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(lvl).
		With().Timestamp().Str("service", opts.Service)
	if host, err := os.Hostname(); err == nil {
		ctx = ctx.Str("host", host)
	}
	log.Logger = ctx.Logger()
	return nil
}

// Close flushes and stops the Axiom writer, reporting dropped events.
func Close() {
	if ax == nil {
		return
	}
	_ = ax.Close()
	if n := ax.dropped.Load(); n > 0 {
		fmt.Fprintf(os.Stderr, "axiom dropped %d events\n", n)
	}
	ax = nil
}

// axiomWriter ships records at minLevel and above. zerolog hands it the level
// directly, so filtering does not decode the line.
type axiomWriter struct {
	client   *axiomClient
	minLevel zerolog.Level
}

func newAxiomWriter(opts AxiomOptions) (*axiomWriter, error) {
	if opts.APIKey == "" {
		return nil, errors.New("missing api key")
	}
	if opts.Dataset == "" {
		return nil, errors.New("missing dataset")
	}
	floor, err := zerolog.ParseLevel(opts.MinLevel)
	if err != nil || opts.MinLevel == "" {
		floor = zerolog.InfoLevel
	}
	client, err := newAxiomClient(opts)
	if err != nil {
		return nil, err
	}
	return &axiomWriter{client: client, minLevel: floor}, nil
}

func (w *axiomWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.NoLevel, p)
}

func (w *axiomWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level != zerolog.NoLevel && level < w.minLevel {
		return len(p), nil
	}
	w.client.Send(toEvent(p))
	return len(p), nil
}

// toEvent keeps malformed lines as a plain message.
func toEvent(p []byte) axiom.Event {
	var ev axiom.Event
	if err := json.Unmarshal(p, &ev); err != nil {
		ev = axiom.Event{zerolog.MessageFieldName: string(p), zerolog.LevelFieldName: zerolog.InfoLevel.String()}
	}
	if _, ok := ev[ingest.TimestampField]; !ok {
		if ts, ok := ev[zerolog.TimestampFieldName]; ok {
			ev[ingest.TimestampField] = ts
		} else {
			ev[ingest.TimestampField] = time.Now()
		}
	}
	return ev
}

// ingestFunc sends one batch to a dataset.
type ingestFunc func(ctx context.Context, dataset string, events []axiom.Event) error

// axiomClient batches events in the background. Send never blocks.
type axiomClient struct {
	ingest    ingestFunc
	dataset   string
	batchSize int
	ch        chan axiom.Event
	dropped   atomic.Int64
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

func newAxiomClient(opts AxiomOptions) (*axiomClient, error) {
	options := []axiom.Option{axiom.SetToken(opts.APIKey)}
	if opts.OrgID != "" {
		options = append(options, axiom.SetOrganizationID(opts.OrgID))
	}
	c, err := axiom.NewClient(options...)
	if err != nil {
		return nil, err
	}
	send := func(ctx context.Context, dataset string, events []axiom.Event) error {
		_, err := c.IngestEvents(ctx, dataset, events)
		return err
	}
	return startAxiomClient(send, opts.Dataset, opts.BatchSize, opts.Flush), nil
}

func startAxiomClient(in ingestFunc, dataset string, batchSize int, flushEvery time.Duration) *axiomClient {
	if batchSize <= 0 {
		batchSize = 200
	}
	if flushEvery <= 0 {
		flushEvery = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	ac := &axiomClient{
		ingest:    in,
		dataset:   dataset,
		batchSize: batchSize,
		ch:        make(chan axiom.Event, 5*batchSize),
		ctx:       ctx,
		cancel:    cancel,
	}
	ac.wg.Add(1)
	go ac.loop(flushEvery)
	return ac
}

func (a *axiomClient) Send(ev axiom.Event) {
	select {
	case a.ch <- ev:
	default:
		a.dropped.Add(1)
	}
}

func (a *axiomClient) loop(flushEvery time.Duration) {
	defer a.wg.Done()
	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()

	batch := make([]axiom.Event, 0, a.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		if err := a.ingest(ctx, a.dataset, batch); err != nil {
			fmt.Fprintf(os.Stderr, "axiom ingest of %d events failed: %v\n", len(batch), err)
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case <-a.ctx.Done():
			// drain what is already buffered
			for {
				select {
				case ev := <-a.ch:
					batch = append(batch, ev)
					if len(batch) >= a.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		case <-ticker.C:
			flush()
		case ev := <-a.ch:
			batch = append(batch, ev)
			if len(batch) >= a.batchSize {
				flush()
			}
		}
	}
}

func (a *axiomClient) Close() error {
	a.cancel()
	a.wg.Wait()
	return nil
}
