package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/local/parsemd/internal/core"
	"github.com/local/parsemd/internal/task"
)

type envelope struct {
	Code    int    `json:"code"`
	Data    any    `json:"data"`
	Message string `json:"message"`
}

func writeJson(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(v); err != nil {
		log.Warn().Err(err).Msg("failed to write response")
	}
}

func writeData(w http.ResponseWriter, data any) {
	writeJson(w, http.StatusOK, envelope{Code: 0, Data: data, Message: "success"})
}

func writeError(w http.ResponseWriter, code int, err error) {
	text := http.StatusText(code)

	if err != nil {
		text = err.Error()
	}

	writeJson(w, code, envelope{Code: code, Message: text})
}

// writeFailure maps pipeline and task errors to status codes.
func writeFailure(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= 500 {
		log.Error().Err(err).Int("status", code).Msg("request failed")
	}
	writeError(w, code, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, core.ErrConversionFailed), errors.Is(err, core.ErrBackend):
		return http.StatusBadGateway
	case errors.Is(err, core.ErrUnrecognizedFormat),
		errors.Is(err, core.ErrInvalidFormatSpecifier),
		errors.Is(err, core.ErrDecode),
		errors.Is(err, core.ErrUnsupportedLayoutEngine),
		errors.Is(err, core.ErrEmpty),
		errors.Is(err, core.ErrInvalidOption):
		return http.StatusBadRequest
	case errors.Is(err, task.ErrClosed):
		return http.StatusServiceUnavailable
	}
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusInternalServerError
}

// options merges the config mapping with a top-level input_type, which wins.
func options(config map[string]any, inputType string) (core.Options, error) {
	opts, err := core.ParseOptions(config)
	if err != nil {
		return opts, err
	}
	if inputType != "" {
		opts.InputType = inputType
	}
	return opts, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	return dec.Decode(v)
}
