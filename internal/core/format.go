package core

// Format is the canonical structural type of a document.
type Format string

const (
	FormatPDF      Format = "pdf"
	FormatOffice   Format = "office"
	FormatHTML     Format = "html"
	FormatImage    Format = "image"
	FormatMarkdown Format = "markdown"
	FormatUnknown  Format = "unknown"
)

// Terminal reports whether a parser backend can consume the format without conversion.
func (f Format) Terminal() bool {
	return f == FormatPDF || f == FormatMarkdown
}

// NeedsConversion reports whether the format must be rendered to PDF first.
func (f Format) NeedsConversion() bool {
	return f == FormatOffice || f == FormatHTML
}

func (f Format) String() string { return string(f) }

// Engine names a layout/OCR parser backend.
type Engine string

const (
	EngineMinerU  Engine = "mineru"
	EngineDotsOCR Engine = "dots_ocr"
	EngineMuPDF   Engine = "mupdf"
)

// DefaultEngine is used when a request does not name one.
const DefaultEngine = EngineMinerU

func (e Engine) String() string { return string(e) }
