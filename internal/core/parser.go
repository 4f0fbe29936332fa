package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported file format")
	ErrExtractionFailed  = errors.New("could not extract text")
)

// maxUploadBytes caps how much of an upload the parser reads.
const maxUploadBytes = 10 << 20

// FileParser extracts plain text from an uploaded document.
type FileParser interface {
	ExtractText(ctx context.Context, filename string, r io.Reader) (string, error)
}

// TextParser handles plain-text formats. Binary formats are rejected rather
// than half-decoded.
type TextParser struct{}

var textExtensions = map[string]bool{
	".txt":  true,
	".md":   true,
	".csv":  true,
	".json": true,
	".log":  true,
	".html": true,
	".xml":  true,
}

func (TextParser) ExtractText(ctx context.Context, filename string, r io.Reader) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if !textExtensions[ext] {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}

	data, err := io.ReadAll(io.LimitReader(r, maxUploadBytes))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" || !utf8.ValidString(text) {
		return "", fmt.Errorf("%w: %q has no readable text", ErrExtractionFailed, filename)
	}
	return text, nil
}
