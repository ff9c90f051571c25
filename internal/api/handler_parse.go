package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/local/parsemd/internal/core"
	"github.com/local/parsemd/internal/service"
)

type parseRequest struct {
	DocID     string         `json:"doc_id"`
	Filename  string         `json:"filename"`
	Content   string         `json:"content"`
	InputType string         `json:"input_type"`
	Config    map[string]any `json:"config"`
}

func (p parseRequest) source() (service.Source, error) {
	if p.DocID != "" {
		if p.Content != "" {
			return service.Source{}, errors.New("cannot provide both 'doc_id' and 'content'")
		}
		return service.Source{DocID: p.DocID}, nil
	}
	if p.Filename == "" {
		return service.Source{}, errors.New("either 'doc_id' or 'filename' with 'content' must be provided")
	}
	payload, err := base64.StdEncoding.DecodeString(p.Content)
	if err != nil {
		return service.Source{}, fmt.Errorf("content is not valid base64: %w", err)
	}
	return service.Source{Filename: p.Filename, Payload: payload}, nil
}

func (h *Handler) readParseRequest(w http.ResponseWriter, r *http.Request) (service.Source, core.Options, bool) {
	var req parseRequest
	if err := decodeBody(w, r, h.cfg.MaxUploadBytes, &req); err != nil {
		code := statusFor(err)
		if code == http.StatusInternalServerError {
			code = http.StatusBadRequest
		}
		writeError(w, code, fmt.Errorf("invalid request body: %w", err))
		return service.Source{}, core.Options{}, false
	}
	src, err := req.source()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return service.Source{}, core.Options{}, false
	}
	opts, err := options(req.Config, req.InputType)
	if err != nil {
		writeFailure(w, err)
		return service.Source{}, core.Options{}, false
	}
	return src, opts, true
}

func (h *Handler) handleParseDocument(w http.ResponseWriter, r *http.Request) {
	src, opts, ok := h.readParseRequest(w, r)
	if !ok {
		return
	}
	if src.DocID == "" {
		writeError(w, http.StatusBadRequest, errors.New("'doc_id' is required"))
		return
	}
	h.parseNow(w, r, src, opts)
}

func (h *Handler) handleParseBinary(w http.ResponseWriter, r *http.Request) {
	src, opts, ok := h.readParseRequest(w, r)
	if !ok {
		return
	}
	if src.DocID != "" {
		writeError(w, http.StatusBadRequest, errors.New("'filename' and 'content' are required"))
		return
	}
	h.parseNow(w, r, src, opts)
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	src, opts, ok := h.readParseRequest(w, r)
	if !ok {
		return
	}
	id, err := h.svc.SubmitParse(r.Context(), src, opts)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeData(w, map[string]string{"task_id": id})
}

// handleParseUpload accepts a multipart file or a file_url to download.
func (h *Handler) handleParseUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, statusForForm(err), fmt.Errorf("invalid multipart form: %w", err))
		return
	}

	config := map[string]any{}
	if raw := r.FormValue("config"); raw != "" {
		dec := json.NewDecoder(strings.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&config); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("config is not a JSON object: %w", err))
			return
		}
	}
	opts, err := options(config, r.FormValue("input_type"))
	if err != nil {
		writeFailure(w, err)
		return
	}

	file, hdr, fileErr := r.FormFile("file")
	fileURL := strings.TrimSpace(r.FormValue("file_url"))
	switch {
	case fileErr == nil && fileURL != "":
		file.Close()
		writeError(w, http.StatusBadRequest, errors.New("Cannot provide both 'file' and 'file_url'"))
		return
	case fileErr != nil && fileURL == "":
		writeError(w, http.StatusBadRequest, errors.New("Either 'file' or 'file_url' must be provided"))
		return
	}

	var src service.Source
	if fileErr == nil {
		defer file.Close()
		payload, err := io.ReadAll(file)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("read upload: %w", err))
			return
		}
		src = service.Source{Filename: hdr.Filename, Payload: payload}
	} else {
		payload, name, err := h.download(r, fileURL)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		src = service.Source{Filename: name, Payload: payload}
	}
	if name, ok := config["filename"].(string); ok && name != "" {
		src.Filename = name
	}

	h.parseNow(w, r, src, opts)
}

func statusForForm(err error) int {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

func (h *Handler) download(r *http.Request, rawURL string) ([]byte, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, "", fmt.Errorf("Failed to download %s: unsupported url", rawURL)
	}
	if !h.fetchAllowed(u.Hostname()) {
		return nil, "", fmt.Errorf("Failed to download %s: host %q is not allowed", rawURL, u.Hostname())
	}

	req, _ := http.NewRequestWithContext(r.Context(), http.MethodGet, u.String(), nil)
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("Failed to download %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("Failed to download %s: HTTP %d", rawURL, resp.StatusCode)
	}
	payload, err := io.ReadAll(io.LimitReader(resp.Body, h.cfg.MaxUploadBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("Failed to download %s: %w", rawURL, err)
	}
	if int64(len(payload)) > h.cfg.MaxUploadBytes {
		return nil, "", fmt.Errorf("Failed to download %s: larger than %d bytes", rawURL, h.cfg.MaxUploadBytes)
	}
	if len(payload) == 0 {
		return nil, "", fmt.Errorf("Downloaded file is empty: %w", core.ErrEmpty)
	}

	name := path.Base(u.Path)
	if name == "" || name == "/" || name == "." {
		name = "download"
	}
	return payload, name, nil
}

func (h *Handler) fetchAllowed(host string) bool {
	if len(h.cfg.FetchHosts) == 0 {
		return true
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	for _, allowed := range h.cfg.FetchHosts {
		allowed = strings.ToLower(allowed)
		if host == strings.TrimPrefix(allowed, ".") {
			return true
		}
		if strings.HasPrefix(allowed, ".") && strings.HasSuffix(host, allowed) {
			return true
		}
	}
	return false
}

// checkRedirect applies the host allow-list to every hop.
func (h *Handler) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= 10 {
		return errors.New("stopped after 10 redirects")
	}
	if !h.fetchAllowed(req.URL.Hostname()) {
		return fmt.Errorf("redirect to host %q is not allowed", req.URL.Hostname())
	}
	return nil
}

func (h *Handler) parseNow(w http.ResponseWriter, r *http.Request, src service.Source, opts core.Options) {
	res, err := h.svc.ParseNow(r.Context(), src, opts)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeData(w, res)
}

type batchRequest struct {
	DocIDs []string       `json:"doc_ids"`
	Config map[string]any `json:"config"`
}

func (h *Handler) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeBody(w, r, 1<<20, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if len(req.DocIDs) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("'doc_ids' must not be empty"))
		return
	}
	opts, err := options(req.Config, "")
	if err != nil {
		writeFailure(w, err)
		return
	}

	items := h.svc.ParseBatch(r.Context(), req.DocIDs, opts)
	failed := 0
	for _, it := range items {
		if it.Err() != nil {
			failed++
		}
	}
	writeData(w, map[string]any{
		"results": items,
		"total":   len(items),
		"failed":  failed,
	})
}
