package pipeline

import (
	"bytes"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/rs/zerolog/log"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var markdownParser = goldmark.New().Parser()

// Title returns the text of the first non-empty heading, or "".
func Title(markdown string) string {
	if !strings.Contains(markdown, "#") && !strings.Contains(markdown, "\n=") && !strings.Contains(markdown, "\n-") {
		return ""
	}

	src := []byte(markdown)
	doc := markdownParser.Parse(text.NewReader(src))

	var title string
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		h, ok := n.(*ast.Heading)
		if !ok {
			return ast.WalkContinue, nil
		}
		if t := strings.TrimSpace(inlineText(h, src)); t != "" {
			title = t
			return ast.WalkStop, nil
		}
		return ast.WalkSkipChildren, nil
	})
	return title
}

func inlineText(n ast.Node, src []byte) string {
	var b strings.Builder
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		switch v := c.(type) {
		case *ast.Text:
			b.Write(v.Segment.Value(src))
			if v.SoftLineBreak() {
				b.WriteByte(' ')
			}
		case *ast.String:
			b.Write(v.Value)
		default:
			b.WriteString(inlineText(c, src))
		}
	}
	return b.String()
}

// PageCount is best effort: malformed PDFs report 0 and are left to the parser backend.
func PageCount(pdf []byte) (count int) {
	defer func() {
		if r := recover(); r != nil {
			log.Debug().Interface("panic", r).Msg("pdf page count panicked")
			count = 0
		}
	}()

	n, err := api.PageCount(bytes.NewReader(pdf), nil)
	if err != nil {
		log.Debug().Err(err).Msg("pdf page count failed")
		return 0
	}
	return n
}
