// Package extract turns uploaded protocol documents into plain text.
package extract

import (
	"bytes"
	"context"
	"net/http"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/course-cli/internal/config"
)

// ErrExtractionFailed wraps every failure to get text out of a document.
var ErrExtractionFailed = eris.New("extract: extraction failed")

// Extractor extracts text content from a document.
type Extractor interface {
	ExtractText(ctx context.Context, data []byte, filename string) (string, error)
}

// NewExtractor creates an Extractor based on config.
func NewExtractor(cfg config.ExtractConfig) (Extractor, error) {
	switch cfg.Provider {
	case "plain":
		return PlainText{}, nil
	case "pdftotext":
		return NewPdfToText(cfg.PdfToTextPath), nil
	case "mistral":
		if cfg.MistralKey == "" {
			return nil, eris.New("extract: mistral provider requires extract.mistral_key")
		}
		return NewMistralOCR(cfg.MistralKey, cfg.MistralModel), nil
	case "auto", "":
		a := &Auto{Text: PlainText{}, PDF: NewPdfToText(cfg.PdfToTextPath)}
		if cfg.MistralKey != "" {
			a.OCR = NewMistralOCR(cfg.MistralKey, cfg.MistralModel)
		}
		return a, nil
	default:
		return nil, eris.Errorf("extract: unknown provider %q", cfg.Provider)
	}
}

// Kind is the sniffed document type.
type Kind string

const (
	KindText  Kind = "text"
	KindPDF   Kind = "pdf"
	KindImage Kind = "image"
	KindOther Kind = "other"
)

// Sniff classifies data by content, using the filename extension only to
// break ties for text.
func Sniff(data []byte, filename string) Kind {
	if bytes.HasPrefix(data, []byte("%PDF-")) {
		return KindPDF
	}
	ct := http.DetectContentType(data)
	switch {
	case strings.HasPrefix(ct, "image/"):
		return KindImage
	case strings.HasPrefix(ct, "text/"):
		return KindText
	}
	lower := strings.ToLower(filename)
	for _, ext := range []string{".txt", ".md", ".markdown"} {
		if strings.HasSuffix(lower, ext) {
			return KindText
		}
	}
	return KindOther
}

// Auto routes by content: text is read directly, PDFs go to pdftotext and
// then OCR if that yields nothing, images go to OCR.
type Auto struct {
	Text Extractor
	PDF  Extractor
	OCR  Extractor // optional
}

// ExtractText implements Extractor.
func (a *Auto) ExtractText(ctx context.Context, data []byte, filename string) (string, error) {
	switch Sniff(data, filename) {
	case KindText:
		return a.Text.ExtractText(ctx, data, filename)
	case KindPDF:
		text, err := a.PDF.ExtractText(ctx, data, filename)
		if err == nil || a.OCR == nil {
			return text, err
		}
		// Scanned PDFs have no text layer.
		return a.OCR.ExtractText(ctx, data, filename)
	case KindImage:
		if a.OCR == nil {
			return "", failed(nil, "image %s needs an OCR provider", filename)
		}
		return a.OCR.ExtractText(ctx, data, filename)
	default:
		return "", failed(nil, "unsupported document %s", filename)
	}
}

// failed wraps ErrExtractionFailed with context and the underlying cause.
func failed(cause error, format string, args ...any) error {
	err := eris.Wrapf(ErrExtractionFailed, format, args...)
	if cause != nil {
		err = eris.Wrapf(err, "%v", cause)
	}
	return err
}

// nonEmpty rejects text that is only whitespace.
func nonEmpty(text, source, filename string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", failed(nil, "%s produced no text for %s", source, filename)
	}
	return text, nil
}
