package converter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/local/parsemd/internal/core"
	"github.com/local/parsemd/internal/filetype"
)

// ErrPasswordProtected is returned when LibreOffice refuses an encrypted document.
var ErrPasswordProtected = errors.New("document is password protected")

// LibreOffice converts documents by running soffice in headless mode.
type LibreOffice struct {
	binary    string
	timeout   time.Duration
	semaphore chan struct{}
}

// NewLibreOffice creates a converter that runs at most maxWorkers conversions at once.
func NewLibreOffice(binary string, maxWorkers int, timeout time.Duration) *LibreOffice {
	if binary == "" {
		binary = "soffice"
	}
	if maxWorkers <= 0 {
		maxWorkers = 2
	}
	if timeout <= 0 {
		timeout = 180 * time.Second // Default 3 minutes
	}
	return &LibreOffice{
		binary:    binary,
		timeout:   timeout,
		semaphore: make(chan struct{}, maxWorkers),
	}
}

// CheckInstallation verifies the binary is available
func (l *LibreOffice) CheckInstallation(ctx context.Context) error {
	path, err := exec.LookPath(l.binary)
	if err != nil {
		return fmt.Errorf("%s not found in PATH: %w", l.binary, err)
	}
	output, err := exec.CommandContext(ctx, path, "--version").Output()
	if err != nil {
		return fmt.Errorf("%s --version: %w", l.binary, err)
	}
	log.Info().Str("version", strings.TrimSpace(string(output))).Msg("LibreOffice found")
	return nil
}

// Ping implements the health check used by the status endpoint.
func (l *LibreOffice) Ping(ctx context.Context) error {
	_, err := exec.LookPath(l.binary)
	return err
}

// ConvertToPDF writes the payload to a scratch directory, converts it and returns the PDF bytes.
func (l *LibreOffice) ConvertToPDF(ctx context.Context, filename string, payload []byte, format core.Format) ([]byte, error) {
	startTime := time.Now()

	// Acquire semaphore to limit concurrent conversions
	select {
	case l.semaphore <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-l.semaphore }()

	if len(payload) == 0 {
		return nil, core.ErrEmpty
	}

	workDir, err := os.MkdirTemp("", "parsemd-convert-")
	if err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	inputPath := filepath.Join(workDir, inputName(filename, format))
	if err := os.WriteFile(inputPath, payload, 0o600); err != nil {
		return nil, fmt.Errorf("write input: %w", err)
	}

	// Each conversion gets its own profile so parallel soffice runs do not lock each other out.
	profileDir := filepath.Join(workDir, "profile_"+uuid.NewString())
	outputDir := filepath.Join(workDir, "out")
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx,
		l.binary,
		"-env:UserInstallation=file://"+profileDir,
		"--headless",
		"--convert-to", "pdf",
		"--outdir", outputDir,
		inputPath,
	)
	log.Debug().Str("cmd", strings.Join(cmd.Args, " ")).Msg("LibreOffice command")

	output, err := cmd.CombinedOutput()
	if runCtx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("conversion timeout after %v", l.timeout)
	}
	if err != nil {
		if isProtectedOutput(output) {
			return nil, ErrPasswordProtected
		}
		return nil, fmt.Errorf("soffice: %w: %s", err, truncate(string(output), 200))
	}

	pdf, err := os.ReadFile(l.expectedOutputPath(inputPath, outputDir))
	if err != nil {
		if isProtectedOutput(output) {
			return nil, ErrPasswordProtected
		}
		return nil, fmt.Errorf("output file not created: %w", err)
	}

	log.Info().Str("filename", filename).Int("pdf_bytes", len(pdf)).Dur("duration", time.Since(startTime)).Msg("conversion successful")
	return pdf, nil
}

// expectedOutputPath is where soffice writes the converted file.
func (l *LibreOffice) expectedOutputPath(inputPath, outputDir string) string {
	return filepath.Join(outputDir, filetype.SwapExtension(inputPath, ".pdf"))
}

// inputName picks a safe on-disk name that keeps the extension soffice uses for import filters.
func inputName(filename string, format core.Format) string {
	ext := filetype.Extension(filename)
	if ext == "" {
		switch format {
		case core.FormatHTML:
			ext = "html"
		default:
			ext = "bin"
		}
	}
	return "input." + ext
}

func isProtectedOutput(output []byte) bool {
	lower := bytes.ToLower(output)
	return bytes.Contains(lower, []byte("password")) ||
		bytes.Contains(lower, []byte("encrypted"))
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return s[:n]
	}
	return s
}
