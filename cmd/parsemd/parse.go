package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/local/parsemd/internal/app"
	"github.com/local/parsemd/internal/core"
	"github.com/local/parsemd/internal/pipeline"
)

var (
	parseInputType string
	parseEngine    string
	parseFromPage  int
	parseToPage    int
	parseOCR       bool
	parseOutDir    string
)

var parseCmd = &cobra.Command{
	Use:   "parse <file>",
	Short: "Parse a file to Markdown",
	Long:  "Parse a file to Markdown and write <stem>.md plus its images to the output directory.",
	Args:  cobra.ExactArgs(1),
	RunE:  runParse,
}

func init() {
	f := parseCmd.Flags()
	f.StringVarP(&parseInputType, "input-type", "t", "", "explicit input type, e.g. docx or pdf")
	f.StringVarP(&parseEngine, "engine", "e", "", "layout engine (mineru, dots_ocr, mupdf)")
	f.IntVar(&parseFromPage, "from-page", core.DefaultFromPage, "first page, zero based")
	f.IntVar(&parseToPage, "to-page", core.DefaultToPage, "last page")
	f.BoolVar(&parseOCR, "ocr", false, "force OCR")
	f.StringVarP(&parseOutDir, "out", "o", ".", "output directory")
	rootCmd.AddCommand(parseCmd)
}

func runParse(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Engines.Timeout+cfg.Converter.Timeout)
	defer cancel()

	payload, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	p, _, _, err := app.BuildPipeline(cfg)
	if err != nil {
		return err
	}

	opts := core.DefaultOptions()
	opts.Engine = core.Engine(parseEngine)
	opts.InputType = parseInputType
	opts.FromPage = parseFromPage
	opts.ToPage = parseToPage
	if cmd.Flags().Changed("ocr") {
		opts.EnableOCR = core.Bool(parseOCR)
	}

	res, err := p.Run(ctx, pipeline.Request{Filename: filepath.Base(args[0]), Payload: payload, Options: opts})
	if err != nil {
		return err
	}

	out, err := writeResult(parseOutDir, res)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s, %d chars, %d images\n", out, res.Format, res.MarkdownLength, res.ImageCount)
	return nil
}

// writeResult stores <stem>.md in dir and decodes images next to it.
func writeResult(dir string, res *core.ParseResult) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	stem := strings.TrimSuffix(res.Filename, filepath.Ext(res.Filename))
	mdPath := filepath.Join(dir, stem+".md")
	if err := os.WriteFile(mdPath, []byte(res.Markdown), 0o644); err != nil {
		return "", err
	}

	for name, data := range res.Images {
		raw, err := decodeImage(data)
		if err != nil {
			return "", fmt.Errorf("image %s: %w", name, err)
		}
		rel := filepath.Clean(filepath.FromSlash(name))
		if filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("image %s: path escapes output directory", name)
		}
		path := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		if err := os.WriteFile(path, raw, 0o644); err != nil {
			return "", err
		}
	}
	return mdPath, nil
}

// decodeImage accepts plain base64 or a data URI.
func decodeImage(s string) ([]byte, error) {
	if strings.HasPrefix(s, "data:") {
		if i := strings.Index(s, ","); i >= 0 {
			s = s[i+1:]
		}
	}
	return base64.StdEncoding.DecodeString(s)
}
