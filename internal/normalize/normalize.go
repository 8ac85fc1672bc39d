// Package normalize turns heterogeneous upload formats into something the
// extractor can consume: PDFs pass through, DOC/DOCX are converted with an
// out-of-process LibreOffice run, TXT is read directly.
package normalize

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// ErrUnsupportedType is returned for file suffixes the pipeline cannot handle.
var ErrUnsupportedType = errors.New("unsupported file type")

// converterBin is the LibreOffice binary; a var so tests can stub it.
var converterBin = "soffice"

// Result describes the outcome of normalisation.
type Result struct {
	// Path is the file to continue with (the original for PDF/TXT, the
	// converted PDF for DOC/DOCX).
	Path string
	// PlainText reports that Path holds raw text and needs no PDF extraction.
	PlainText bool
}

// Normalize routes a local file by its suffix. The suffix hint is
// authoritative; callers derive it from the object name, not from metadata.
func Normalize(ctx context.Context, path string) (Result, error) {
	switch suffix := strings.ToLower(filepath.Ext(path)); suffix {
	case ".pdf":
		return Result{Path: path}, nil
	case ".txt":
		return Result{Path: path, PlainText: true}, nil
	case ".doc", ".docx":
		pdfPath, err := toPDF(ctx, path)
		if err != nil {
			return Result{}, err
		}
		return Result{Path: pdfPath}, nil
	case "":
		return Result{}, fmt.Errorf("%w: %q has no suffix", ErrUnsupportedType, filepath.Base(path))
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnsupportedType, suffix)
	}
}

// toPDF converts a DOC/DOCX file to a PDF placed next to the source.
// The converter's stderr is surfaced verbatim on failure.
func toPDF(ctx context.Context, src string) (string, error) {
	outDir := filepath.Dir(src)
	cmd := exec.CommandContext(ctx, converterBin,
		"--headless", "--convert-to", "pdf", "--outdir", outDir, src)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("document conversion failed: %s: %w", strings.TrimSpace(stderr.String()), err)
	}

	pdfPath := strings.TrimSuffix(src, filepath.Ext(src)) + ".pdf"
	if _, err := os.Stat(pdfPath); err != nil {
		return "", fmt.Errorf("converter produced no output at %s: %w", pdfPath, err)
	}
	return pdfPath, nil
}

// ReadText reads a plain-text file as UTF-8, falling back to a latin-1
// interpretation when the bytes are not valid UTF-8.
func ReadText(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return DecodeText(data), nil
}

// DecodeText interprets raw bytes as UTF-8 with a latin-1 fallback.
func DecodeText(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	// Latin-1 maps each byte to the code point of the same value.
	runes := make([]rune, len(data))
	for i, b := range data {
		runes[i] = rune(b)
	}
	return string(runes)
}
