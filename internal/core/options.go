package core

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	DefaultFromPage = 0
	DefaultToPage   = 100000
)

// Options carries the recognized parser options of one request.
// Nil flags mean "use the engine default".
type Options struct {
	Engine        Engine
	InputType     string
	FromPage      int
	ToPage        int
	EnableOCR     *bool
	EnableFormula *bool
	EnableTable   *bool
}

// DefaultOptions returns options with the full page range. An empty Engine
// selects the registry default.
func DefaultOptions() Options {
	return Options{FromPage: DefaultFromPage, ToPage: DefaultToPage}
}

func (o Options) OCR(def bool) bool     { return flag(o.EnableOCR, def) }
func (o Options) Formula(def bool) bool { return flag(o.EnableFormula, def) }
func (o Options) Table(def bool) bool   { return flag(o.EnableTable, def) }

func flag(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// Bool returns a pointer to b.
func Bool(b bool) *bool { return &b }

// ParseOptions reads the recognized keys of a loosely typed config mapping,
// as decoded from JSON or form values. Unknown keys are ignored.
func ParseOptions(raw map[string]any) (Options, error) {
	opts := DefaultOptions()
	if raw == nil {
		return opts, nil
	}

	for _, key := range []string{"layout_engine", "layout_recognize"} {
		if v, ok := raw[key]; ok && v != nil {
			s, err := asString(key, v)
			if err != nil {
				return opts, err
			}
			if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
				opts.Engine = Engine(s)
			}
			break
		}
	}
	if v, ok := raw["input_type"]; ok && v != nil {
		s, err := asString("input_type", v)
		if err != nil {
			return opts, err
		}
		opts.InputType = strings.TrimSpace(s)
	}

	var err error
	if opts.FromPage, err = intOption(raw, "from_page", DefaultFromPage); err != nil {
		return opts, err
	}
	if opts.ToPage, err = intOption(raw, "to_page", DefaultToPage); err != nil {
		return opts, err
	}
	if opts.FromPage < 0 || opts.ToPage < opts.FromPage {
		return opts, fmt.Errorf("page range %d..%d: %w", opts.FromPage, opts.ToPage, ErrInvalidOption)
	}

	if opts.EnableOCR, err = boolOption(raw, "enable_ocr"); err != nil {
		return opts, err
	}
	if opts.EnableFormula, err = boolOption(raw, "enable_formula", "formula_enable"); err != nil {
		return opts, err
	}
	if opts.EnableTable, err = boolOption(raw, "enable_table", "table_enable"); err != nil {
		return opts, err
	}
	return opts, nil
}

func intOption(raw map[string]any, key string, def int) (int, error) {
	v, ok := raw[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("%s=%v is not an integer: %w", key, n, ErrInvalidOption)
		}
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, fmt.Errorf("%s=%v: %w", key, n, ErrInvalidOption)
		}
		return int(i), nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, fmt.Errorf("%s=%q: %w", key, n, ErrInvalidOption)
		}
		return i, nil
	}
	return 0, fmt.Errorf("%s has type %T: %w", key, v, ErrInvalidOption)
}

// boolOption reads the first present key among aliases.
func boolOption(raw map[string]any, keys ...string) (*bool, error) {
	for _, key := range keys {
		v, ok := raw[key]
		if !ok || v == nil {
			continue
		}
		switch b := v.(type) {
		case bool:
			return Bool(b), nil
		case float64:
			return Bool(b != 0), nil
		case json.Number:
			f, err := b.Float64()
			if err != nil {
				return nil, fmt.Errorf("%s=%v: %w", key, b, ErrInvalidOption)
			}
			return Bool(f != 0), nil
		case int:
			return Bool(b != 0), nil
		case string:
			switch strings.ToLower(strings.TrimSpace(b)) {
			case "1", "true", "yes", "on":
				return Bool(true), nil
			case "0", "false", "no", "off":
				return Bool(false), nil
			}
			return nil, fmt.Errorf("%s=%q: %w", key, b, ErrInvalidOption)
		}
		return nil, fmt.Errorf("%s has type %T: %w", key, v, ErrInvalidOption)
	}
	return nil, nil
}

func asString(key string, v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s has type %T: %w", key, v, ErrInvalidOption)
	}
	return s, nil
}
