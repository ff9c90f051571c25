package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/local/parsemd/internal/backend"
	"github.com/local/parsemd/internal/config"
	"github.com/local/parsemd/internal/converter"
	"github.com/local/parsemd/internal/core"
	"github.com/local/parsemd/internal/docstore"
	"github.com/local/parsemd/internal/filetype"
	"github.com/local/parsemd/internal/logger"
	"github.com/local/parsemd/internal/pipeline"
	"github.com/local/parsemd/internal/service"
	"github.com/local/parsemd/internal/statuscheck"
	"github.com/local/parsemd/internal/storage"
	"github.com/local/parsemd/internal/store"
	"github.com/local/parsemd/internal/task"
)

// App holds the wired components shared by the server and the CLI.
type App struct {
	Pipeline  *pipeline.Pipeline
	Engines   *backend.Registry
	Scheduler *task.Scheduler
	Service   *service.Service
	Status    *statuscheck.Checker

	closers []func() error
}

// BuildPipeline wires the converter and the layout engines without any task or storage layer.
func BuildPipeline(cfg config.Config) (*pipeline.Pipeline, *backend.Registry, pipeline.Converter, error) {
	conv, err := newConverter(cfg.Converter)
	if err != nil {
		return nil, nil, nil, err
	}
	engines, err := newEngines(cfg.Engines)
	if err != nil {
		return nil, nil, nil, err
	}
	p := pipeline.New(pipeline.Dependencies{
		Detector:  filetype.New(),
		Converter: conv,
		Engines:   engines,
	})
	return p, engines, conv, nil
}

// Build wires every configured dependency. Unconfigured optional stores are left out.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	a := &App{}
	p, engines, conv, err := BuildPipeline(cfg)
	if err != nil {
		return nil, err
	}
	a.Pipeline = p
	a.Engines = engines

	status := statuscheck.Options{Engines: engines.Pingers()}
	if pinger, ok := conv.(statuscheck.Pinger); ok {
		status.Converter = pinger
	}

	var mirror task.Mirror
	if cfg.Redis.URL != "" {
		rs, err := store.NewRedisStatus(cfg.Redis.URL, cfg.Tasks.MirrorTTL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init redis status store: %w", err)
		}
		a.closers = append(a.closers, rs.Close)
		mirror = rs
		status.Redis = rs
		log.Info().Msg("task status mirrored to redis")
	}

	var docs service.Documents
	if cfg.Database.DSN != "" {
		db, err := docstore.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		if cfg.Database.Migrate {
			if err := db.Migrate(ctx); err != nil {
				a.Close()
				return nil, err
			}
		}
		docs = db
		status.Database = db
		log.Info().Str("driver", cfg.Database.Driver).Msg("document store connected")
	}

	var blobs service.Blobs
	if cfg.S3.Bucket != "" || cfg.S3.Endpoint != "" {
		s3c, err := storage.NewS3Client(ctx, storage.Config{
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			UsePathStyle:    cfg.S3.UsePathStyle,
			DefaultBucket:   cfg.S3.Bucket,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		blobs = s3c
		status.Storage = s3c
		log.Info().Str("bucket", cfg.S3.Bucket).Msg("object storage configured")
	}

	sched, err := task.New(task.Config{
		Workers:       cfg.Tasks.Workers,
		Capacity:      cfg.Tasks.Capacity,
		EvictFraction: cfg.Tasks.EvictFraction,
		TaskTimeout:   cfg.Tasks.TaskTimeout,
		PollInterval:  cfg.Tasks.PollInterval,
	}, task.Dependencies{Mirror: mirror})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Scheduler = sched
	status.Tasks = sched.Stats

	svc, err := service.New(service.Dependencies{
		Pipeline:     p,
		Scheduler:    sched,
		Documents:    docs,
		Blobs:        blobs,
		BatchWorkers: cfg.Batch.Workers,
	})
	if err != nil {
		_ = sched.Shutdown(ctx)
		a.Close()
		return nil, err
	}
	a.Service = svc
	a.Status = statuscheck.New(status)

	log.Info().
		Strs("engines", engines.Names()).
		Str("converter", cfg.Converter.Kind).
		Int("workers", cfg.Tasks.Workers).
		Msg("application wired")
	return a, nil
}

// Shutdown drains the scheduler and releases every store.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if a.Scheduler != nil {
		if err := a.Scheduler.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("scheduler: %w", err))
		}
	}
	if err := a.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close releases stores in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func newConverter(cfg config.ConverterConfig) (pipeline.Converter, error) {
	switch cfg.Kind {
	case "gotenberg":
		g, err := converter.NewGotenberg(cfg.URL, converter.WithTimeout(cfg.Timeout))
		if err != nil {
			return nil, fmt.Errorf("init gotenberg: %w", err)
		}
		return g, nil
	case "libreoffice":
		return converter.NewLibreOffice(cfg.Binary, cfg.MaxWorkers, cfg.Timeout), nil
	case "none", "":
		return nil, nil
	}
	return nil, fmt.Errorf("unknown converter kind %q", cfg.Kind)
}

func newEngines(cfg config.EnginesConfig) (*backend.Registry, error) {
	reg := backend.NewRegistry(core.Engine(cfg.Default))

	var limiter *rate.Limiter
	if cfg.RatePerSec > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}

	remote := []struct {
		engine core.Engine
		url    string
		build  func(string, ...backend.Option) (*backend.Layout, error)
	}{
		{core.EngineMinerU, cfg.MinerUURL, backend.NewMinerU},
		{core.EngineDotsOCR, cfg.DotsOCRURL, backend.NewDotsOCR},
	}
	for _, r := range remote {
		if r.url == "" {
			continue
		}
		client, err := r.build(r.url, backend.WithTimeout(cfg.Timeout))
		if err != nil {
			return nil, fmt.Errorf("init %s: %w", r.engine, err)
		}
		b := backend.NewLimited(limiter, backend.NewBreaker(r.engine, client, backend.BreakerConfig{}))
		if err := reg.Register(r.engine, b); err != nil {
			return nil, err
		}
	}

	if cfg.MuPDF {
		if err := reg.Register(core.EngineMuPDF, backend.NewMuPDF(backend.WithRenderDPI(cfg.RenderDPI))); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// InitLogging configures the global logger from cfg. name is used when the
// config does not set a service name.
func InitLogging(cfg config.Config, name string) error {
	opts := logger.Options{
		Service:    cfg.Logging.Service,
		Level:      cfg.Logging.Level,
		Pretty:     cfg.Logging.Pretty,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	}
	if opts.Service == "" {
		opts.Service = name
	}
	if cfg.Axiom.Send {
		opts.Axiom = &logger.AxiomOptions{
			APIKey:    cfg.Axiom.APIKey,
			OrgID:     cfg.Axiom.OrgID,
			Dataset:   cfg.Axiom.Dataset,
			MinLevel:  cfg.Axiom.MinLevel,
			Flush:     cfg.Axiom.FlushInterval,
			BatchSize: cfg.Axiom.BatchSize,
		}
	}
	return logger.Init(opts)
}
