package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnrecognizedFormat      = errors.New("unrecognized format")
	ErrInvalidFormatSpecifier  = errors.New("invalid format specifier")
	ErrConversionFailed        = errors.New("conversion failed")
	ErrDecode                  = errors.New("decode error")
	ErrUnsupportedLayoutEngine = errors.New("unsupported layout engine")
	ErrBackend                 = errors.New("backend error")
	ErrNotFound                = errors.New("not found")
	ErrTimeout                 = errors.New("timeout")
	ErrEmpty                   = errors.New("empty payload")
	ErrInvalidOption           = errors.New("invalid option")
)

// UnrecognizedFormatError reports that neither the extension nor the content identified the format.
type UnrecognizedFormatError struct {
	Filename  string
	Extension string
	MIMEType  string
}

func (e *UnrecognizedFormatError) Error() string {
	ext := e.Extension
	if ext == "" {
		ext = "<none>"
	}
	msg := fmt.Sprintf("cannot determine format of %q: extension %q is not supported and binary detection failed", e.Filename, ext)
	if e.MIMEType != "" {
		msg += fmt.Sprintf(" (detected %s)", e.MIMEType)
	}
	return msg
}

func (e *UnrecognizedFormatError) Unwrap() error { return ErrUnrecognizedFormat }

// InvalidFormatSpecifierError reports an explicit input type outside the supported set.
type InvalidFormatSpecifierError struct {
	Value     string
	Supported []string
}

func (e *InvalidFormatSpecifierError) Error() string {
	return fmt.Sprintf("invalid input_type %q, supported: %s", e.Value, strings.Join(e.Supported, ", "))
}

func (e *InvalidFormatSpecifierError) Unwrap() error { return ErrInvalidFormatSpecifier }

// ConversionError wraps a converter failure with the source document.
type ConversionError struct {
	Filename string
	Format   Format
	Err      error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("convert %s (%s) to pdf: %v", e.Filename, e.Format, e.Err)
}

func (e *ConversionError) Unwrap() []error { return []error{ErrConversionFailed, e.Err} }

// DecodeError reports a payload that is not valid UTF-8.
type DecodeError struct {
	Filename string
	Offset   int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: invalid utf-8 at byte %d", e.Filename, e.Offset)
}

func (e *DecodeError) Unwrap() error { return ErrDecode }

// UnsupportedEngineError reports an unknown or unconfigured layout engine.
type UnsupportedEngineError struct {
	Name      string
	Supported []string
}

func (e *UnsupportedEngineError) Error() string {
	return fmt.Sprintf("unsupported layout engine %q, available: %s", e.Name, strings.Join(e.Supported, ", "))
}

func (e *UnsupportedEngineError) Unwrap() error { return ErrUnsupportedLayoutEngine }

// BackendError wraps a failure of an external model-serving call.
type BackendError struct {
	Engine     Engine
	Filename   string
	StatusCode int
	Err        error
}

func (e *BackendError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s backend: %s: HTTP %d: %v", e.Engine, e.Filename, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s backend: %s: %v", e.Engine, e.Filename, e.Err)
}

func (e *BackendError) Unwrap() []error { return []error{ErrBackend, e.Err} }
