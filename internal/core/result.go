package core

import "maps"

// ParseResult is the normalized output of one pipeline run.
type ParseResult struct {
	Filename       string            `json:"filename"`
	FileFormat     string            `json:"file_format"`
	Format         Format            `json:"format_type"`
	Engine         Engine            `json:"engine,omitempty"`
	Markdown       string            `json:"markdown"`
	Images         map[string]string `json:"images"`
	ImageCount     int               `json:"total_images"`
	MarkdownLength int               `json:"markdown_length"`
	Title          string            `json:"title,omitempty"`
	PageCount      int               `json:"page_count,omitempty"`
}

// Clone returns a deep copy so callers cannot mutate a stored result.
func (r *ParseResult) Clone() *ParseResult {
	if r == nil {
		return nil
	}
	out := *r
	out.Images = maps.Clone(r.Images)
	if out.Images == nil {
		out.Images = map[string]string{}
	}
	return &out
}
