package extract

import (
	"bytes"
	"context"
	"unicode/utf8"
)

// PlainText reads UTF-8 text and markdown documents as-is.
type PlainText struct{}

// ExtractText implements Extractor.
func (PlainText) ExtractText(_ context.Context, data []byte, filename string) (string, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if !utf8.Valid(data) {
		return "", failed(nil, "%s is not valid UTF-8", filename)
	}
	return nonEmpty(string(data), "plain", filename)
}
