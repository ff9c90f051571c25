package filetype

import (
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"

	"github.com/local/parsemd/internal/core"
)

// extensions maps lowercase file extensions (without dot) to format tags.
var extensions = map[string]core.Format{
	"pdf":      core.FormatPDF,
	"doc":      core.FormatOffice,
	"docx":     core.FormatOffice,
	"xls":      core.FormatOffice,
	"xlsx":     core.FormatOffice,
	"ppt":      core.FormatOffice,
	"pptx":     core.FormatOffice,
	"odt":      core.FormatOffice,
	"ods":      core.FormatOffice,
	"odp":      core.FormatOffice,
	"rtf":      core.FormatOffice,
	"html":     core.FormatHTML,
	"htm":      core.FormatHTML,
	"jpg":      core.FormatImage,
	"jpeg":     core.FormatImage,
	"png":      core.FormatImage,
	"md":       core.FormatMarkdown,
	"markdown": core.FormatMarkdown,
}

// tagNames are accepted as explicit input types next to the extensions.
var tagNames = map[string]core.Format{
	"pdf":      core.FormatPDF,
	"office":   core.FormatOffice,
	"html":     core.FormatHTML,
	"image":    core.FormatImage,
	"markdown": core.FormatMarkdown,
}

// officeMIMEs are sniffed types that LibreOffice or Gotenberg can render.
var officeMIMEs = []string{
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation",
	"application/msword",
	"application/vnd.ms-excel",
	"application/vnd.ms-powerpoint",
	"application/x-ole-storage",
	"application/vnd.oasis.opendocument.text",
	"application/vnd.oasis.opendocument.spreadsheet",
	"application/vnd.oasis.opendocument.presentation",
	"application/rtf",
	"text/rtf",
}

// defaultExtensions name each format when neither the caller nor sniffing can.
var defaultExtensions = map[core.Format]string{
	core.FormatPDF:      "pdf",
	core.FormatOffice:   "docx",
	core.FormatHTML:     "html",
	core.FormatImage:    "png",
	core.FormatMarkdown: "md",
}

// FileTypeInfo contains what binary sniffing found.
type FileTypeInfo struct {
	MIMEType    string
	Extension   string
	Format      core.Format
	Description string
}

// Resolved is a classified document. Extension (no dot) names its real type,
// which may differ from the extension of the uploaded filename.
type Resolved struct {
	Format    core.Format
	Extension string
}

// Detector classifies documents by extension first and magic bytes second.
type Detector struct{}

// New creates a new file type detector
func New() *Detector {
	return &Detector{}
}

// Classify resolves the format tag of a document. An empty or "auto" input type
// selects automatic detection; anything else must name a supported type.
func (d *Detector) Classify(filename string, payload []byte, inputType string) (core.Format, error) {
	r, err := d.Resolve(filename, payload, inputType)
	return r.Format, err
}

// Resolve is Classify plus the extension converters should see.
func (d *Detector) Resolve(filename string, payload []byte, inputType string) (Resolved, error) {
	mode := strings.ToLower(strings.TrimSpace(inputType))
	if mode == "" || mode == "auto" {
		return d.Auto(filename, payload)
	}
	format, err := d.Explicit(mode)
	if err != nil {
		return Resolved{Format: core.FormatUnknown}, err
	}

	name := strings.TrimPrefix(mode, ".")
	if _, ok := extensions[name]; ok {
		return Resolved{Format: format, Extension: name}, nil
	}
	// A bare tag like "office" keeps the filename's extension when it agrees,
	// then asks the content.
	if ext := Extension(filename); extensions[ext] == format {
		return Resolved{Format: format, Extension: ext}, nil
	}
	return Resolved{Format: format, Extension: d.sniffedExtension(format, payload)}, nil
}

// Explicit validates a caller-provided input type.
func (d *Detector) Explicit(inputType string) (core.Format, error) {
	name := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(inputType)), ".")
	if f, ok := extensions[name]; ok {
		return f, nil
	}
	if f, ok := tagNames[name]; ok {
		return f, nil
	}
	return core.FormatUnknown, &core.InvalidFormatSpecifierError{Value: inputType, Supported: SupportedTypes()}
}

// Auto looks up the extension and falls back to content sniffing.
func (d *Detector) Auto(filename string, payload []byte) (Resolved, error) {
	ext := Extension(filename)
	if f, ok := extensions[ext]; ok {
		log.Debug().Str("filename", filename).Str("ext", ext).Str("format", f.String()).Msg("format from extension")
		return Resolved{Format: f, Extension: ext}, nil
	}

	info := d.Detect(payload)
	if info.Format != core.FormatUnknown {
		resolved := Resolved{Format: info.Format, Extension: knownExtension(info.Format, info.Extension)}
		log.Debug().Str("filename", filename).Str("mime", info.MIMEType).Str("ext", resolved.Extension).Str("format", info.Format.String()).Msg("format from binary detection")
		return resolved, nil
	}
	return Resolved{Format: core.FormatUnknown}, &core.UnrecognizedFormatError{Filename: filename, Extension: ext, MIMEType: info.MIMEType}
}

func (d *Detector) sniffedExtension(format core.Format, payload []byte) string {
	if len(payload) > 0 {
		if info := d.Detect(payload); info.Format == format {
			return knownExtension(format, info.Extension)
		}
	}
	return defaultExtensions[format]
}

// knownExtension accepts a sniffed extension only if it maps back to format.
func knownExtension(format core.Format, ext string) string {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	if extensions[ext] == format {
		return ext
	}
	return defaultExtensions[format]
}

// Detect sniffs the payload with magic bytes only.
func (d *Detector) Detect(payload []byte) *FileTypeInfo {
	if len(payload) == 0 {
		return &FileTypeInfo{Format: core.FormatUnknown, Description: "Empty payload"}
	}

	mtype := mimetype.Detect(payload)
	info := &FileTypeInfo{
		MIMEType:  mtype.String(),
		Extension: mtype.Extension(),
	}
	d.classify(info, mtype, payload)
	return info
}

// classify maps a sniffed MIME type onto a format tag.
func (d *Detector) classify(info *FileTypeInfo, mtype *mimetype.MIME, payload []byte) {
	switch {
	case mtype.Is("application/pdf"):
		info.Format = core.FormatPDF
		info.Description = "PDF document"

	case isOneOf(mtype, officeMIMEs):
		info.Format = core.FormatOffice
		info.Description = "Office document"

	case mtype.Is("text/html"):
		info.Format = core.FormatHTML
		info.Description = "HTML document"

	case mtype.Is("image/png"), mtype.Is("image/jpeg"):
		info.Format = core.FormatImage
		info.Description = "Image file"

	// Plain text is valid markdown as long as it decodes.
	case descendsFrom(mtype, "text/plain") && utf8.Valid(payload):
		info.Format = core.FormatMarkdown
		info.Description = "Text document"

	default:
		info.Format = core.FormatUnknown
		info.Description = "Unsupported file type: " + info.MIMEType
	}
}

func isOneOf(mtype *mimetype.MIME, candidates []string) bool {
	for _, c := range candidates {
		if mtype.Is(c) {
			return true
		}
	}
	return false
}

func descendsFrom(mtype *mimetype.MIME, parent string) bool {
	for m := mtype; m != nil; m = m.Parent() {
		if m.Is(parent) {
			return true
		}
	}
	return false
}

// Extension returns the lowercase extension of filename without the dot.
func Extension(filename string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
}

// SupportedTypes lists every accepted explicit input type, sorted.
func SupportedTypes() []string {
	seen := make(map[string]struct{}, len(extensions)+len(tagNames))
	for k := range extensions {
		seen[k] = struct{}{}
	}
	for k := range tagNames {
		seen[k] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// SwapExtension replaces the extension of filename, keeping the stem.
func SwapExtension(filename, ext string) string {
	base := filepath.Base(filename)
	if base == "." || base == string(filepath.Separator) {
		base = "document"
	}
	return strings.TrimSuffix(base, filepath.Ext(base)) + ext
}
