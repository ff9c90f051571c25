package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/local/parsemd/internal/metrics"
	"github.com/local/parsemd/internal/service"
	"github.com/local/parsemd/internal/statuscheck"
)

const (
	DefaultMaxUpload = 1 << 30
	DefaultMaxWait   = 10 * time.Minute
)

type Config struct {
	MaxUploadBytes int64
	CORSOrigins    []string
	// MaxWait caps the ?wait= parameter of task lookups.
	MaxWait      time.Duration
	PollInterval time.Duration
	FetchTimeout time.Duration
	// FetchHosts limits the hosts file_url may download from. "example.com" matches
	// that host only, ".example.com" its subdomains too. Empty allows any host.
	FetchHosts []string
}

type Handler struct {
	svc    *service.Service
	status *statuscheck.Checker
	client *http.Client
	cfg    Config
}

func New(cfg Config, svc *service.Service, status *statuscheck.Checker) *Handler {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUpload
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = DefaultMaxWait
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 2 * time.Minute
	}
	h := &Handler{
		svc:    svc,
		status: status,
		cfg:    cfg,
	}
	h.client = &http.Client{Timeout: cfg.FetchTimeout, CheckRedirect: h.checkRedirect}
	return h
}

// Router builds the full HTTP surface.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: h.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	}))

	r.Get("/health", h.handleHealth)
	r.Get("/status", h.handleStatus)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		h.Attach(r)
	})

	return r
}

func (h *Handler) Attach(r chi.Router) {
	r.Post("/parse_to_md", h.handleParseDocument)
	r.Post("/parse_to_md/binary", h.handleParseBinary)
	r.Post("/parse_to_md/upload", h.handleParseUpload)
	r.Post("/parse_to_md/async", h.handleSubmit)
	r.Post("/parse_to_md/batch", h.handleBatch)
	r.Get("/parse_to_md/status/{task_id}", h.handleTask)
	r.Get("/parse_to_md/tasks/{task_id}", h.handleTask)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeData(w, map[string]string{"status": "healthy", "service": "parsemd"})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if h.status == nil {
		writeData(w, statuscheck.Summary{OK: true})
		return
	}
	s := h.status.Summary(r.Context())
	if !s.OK {
		writeJson(w, http.StatusServiceUnavailable, envelope{Code: http.StatusServiceUnavailable, Data: s, Message: "degraded"})
		return
	}
	writeData(w, s)
}
