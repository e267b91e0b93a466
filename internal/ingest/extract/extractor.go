// Package extract turns stored document bytes into plain text.
package extract

import (
	"context"
	"crypto/sha256"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	errors "github.com/Laisky/errors/v2"
	logSDK "github.com/Laisky/go-utils/v6/log"
	"github.com/Laisky/zap"

	"github.com/Laisky/docingest/internal/ingest/layout"
	"github.com/Laisky/docingest/internal/ingest/settings"
	"github.com/Laisky/docingest/library/log"
)

const (
	// MediaTypePlainText is the declared type of plain text uploads.
	MediaTypePlainText = "text/plain"
	// MediaTypePDF is the declared type of PDF uploads.
	MediaTypePDF = "application/pdf"
)

// ErrUnsupportedMediaType is returned for declared types the extractor cannot read.
var ErrUnsupportedMediaType = errors.New("unsupported media type")

// TextLayerExtractor returns the selectable text of a PDF, one entry per page.
type TextLayerExtractor interface {
	ExtractPages(ctx context.Context, pdf []byte) ([]string, error)
}

// ImageRenderer writes every embedded raster image of a PDF into dir.
type ImageRenderer interface {
	RenderImages(ctx context.Context, pdf []byte, dir string) ([]RenderedImage, error)
}

// Resampler normalizes an image file's resolution in place.
type Resampler interface {
	Resample(ctx context.Context, path string) error
}

// Recognizer runs OCR over one image and returns its word tokens.
type Recognizer interface {
	Recognize(ctx context.Context, image []byte) ([]layout.Token, error)
}

// RenderedImage is one image file produced by an ImageRenderer.
type RenderedImage struct {
	Path string
	// Page is the zero-based page index the image was found on.
	Page int
	// Seq orders images within one page.
	Seq int
}

// Stats summarizes one extraction.
type Stats struct {
	Pages         int `json:"pages"`
	OCRImages     int `json:"ocr_images"`
	OCRDuplicates int `json:"ocr_duplicates"`
	OCRFailures   int `json:"ocr_failures"`
}

// Result is the outcome of Extract.
type Result struct {
	Text  string
	Stats Stats
}

// Extractor dispatches on media type and runs the PDF OCR pipeline.
type Extractor struct {
	textLayer  TextLayerExtractor
	renderer   ImageRenderer
	resampler  Resampler
	recognizer Recognizer
	logger     logSDK.Logger
	tempDir    string
}

// Option customizes an Extractor.
type Option func(*Extractor)

// WithLogger sets the extractor logger.
func WithLogger(logger logSDK.Logger) Option {
	return func(e *Extractor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithTempDir sets the parent directory for per-document scratch space.
// A relative dir is resolved against the working directory when the extractor is built.
func WithTempDir(dir string) Option {
	return func(e *Extractor) {
		e.tempDir = dir
	}
}

// New constructs an extractor from its tool adapters.
// renderer, resampler and recognizer may be nil, which disables OCR of embedded images.
func New(textLayer TextLayerExtractor, renderer ImageRenderer, resampler Resampler, recognizer Recognizer, opts ...Option) (*Extractor, error) {
	if textLayer == nil {
		return nil, errors.New("text layer extractor is required")
	}
	e := &Extractor{
		textLayer:  textLayer,
		renderer:   renderer,
		resampler:  resampler,
		recognizer: recognizer,
		logger:     log.Logger.Named("extractor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.tempDir != "" {
		abs, err := filepath.Abs(e.tempDir)
		if err != nil {
			return nil, errors.Wrapf(err, "resolve temp dir %s", e.tempDir)
		}
		e.tempDir = abs
	}
	return e, nil
}

// NormalizeMediaType lowercases a declared type and drops its parameters.
func NormalizeMediaType(declared string) string {
	mediaType, _, err := mime.ParseMediaType(declared)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(declared))
	}
	return mediaType
}

// Supported reports whether the declared media type can be extracted.
func Supported(mediaType string) bool {
	switch NormalizeMediaType(mediaType) {
	case MediaTypePlainText, MediaTypePDF:
		return true
	default:
		return false
	}
}

// Extract returns the full plain text of content declared as mediaType.
// It wraps ErrUnsupportedMediaType for types other than plain text and PDF.
func (e *Extractor) Extract(ctx context.Context, mediaType string, content []byte) (*Result, error) {
	switch NormalizeMediaType(mediaType) {
	case MediaTypePlainText:
		return extractPlainText(content)
	case MediaTypePDF:
		return e.extractPDF(ctx, content)
	default:
		return nil, errors.Wrapf(ErrUnsupportedMediaType, "media type %q", mediaType)
	}
}

// extractPlainText returns content unchanged after checking its encoding.
func extractPlainText(content []byte) (*Result, error) {
	if !utf8.Valid(content) {
		return nil, errors.New("plain text file is not valid utf-8")
	}
	return &Result{Text: string(content), Stats: Stats{Pages: 1}}, nil
}

// extractPDF combines the text layer with OCR text recovered from embedded images.
func (e *Extractor) extractPDF(ctx context.Context, content []byte) (*Result, error) {
	pages, err := e.textLayer.ExtractPages(ctx, content)
	if err != nil {
		return nil, errors.Wrap(err, "extract pdf text layer")
	}

	result := &Result{}
	if e.renderer != nil && e.recognizer != nil {
		if pages, err = e.spliceOCR(ctx, content, pages, &result.Stats); err != nil {
			return nil, errors.WithStack(err)
		}
	}

	result.Stats.Pages = len(pages)
	result.Text = strings.Join(pages, "\n")
	return result, nil
}

// spliceOCR renders embedded images, recognizes each distinct one and appends
// its reconstructed text to the page it came from.
func (e *Extractor) spliceOCR(ctx context.Context, content []byte, pages []string, stats *Stats) ([]string, error) {
	dir, err := os.MkdirTemp(e.tempDir, "docingest-pdf-*")
	if err != nil {
		return nil, errors.Wrap(err, "create image scratch dir")
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			e.logger.Warn("remove image scratch dir", zap.Error(err), zap.String("dir", dir))
		}
	}()

	images, err := e.renderer.RenderImages(ctx, content, dir)
	if err != nil {
		return nil, errors.Wrap(err, "render pdf images")
	}

	seen := make(map[[sha256.Size]byte]struct{}, len(images))
	for _, img := range images {
		if err := ctx.Err(); err != nil {
			return nil, errors.WithStack(err)
		}

		if e.resampler != nil {
			if err := e.resampler.Resample(ctx, img.Path); err != nil {
				e.logger.Debug("resample image, using original", zap.Error(err), zap.String("image", img.Path))
			}
		}

		data, err := os.ReadFile(img.Path)
		if err != nil {
			stats.OCRFailures++
			e.logger.Warn("read rendered image", zap.Error(err), zap.String("image", img.Path))
			continue
		}

		sum := sha256.Sum256(data)
		if _, ok := seen[sum]; ok {
			stats.OCRDuplicates++
			continue
		}
		seen[sum] = struct{}{}

		tokens, err := e.recognizer.Recognize(ctx, data)
		if err != nil {
			stats.OCRFailures++
			e.logger.Warn("recognize image, skipped", zap.Error(err), zap.String("image", img.Path))
			continue
		}
		stats.OCRImages++

		text := layout.Reconstruct(tokens)
		if text == "" || img.Page < 0 {
			continue
		}
		for img.Page >= len(pages) {
			pages = append(pages, "")
		}
		pages[img.Page] = appendText(pages[img.Page], text)
	}

	return pages, nil
}

// appendText joins recovered text onto a page, separating it from prior content.
func appendText(page, text string) string {
	if page == "" {
		return text
	}
	last, _ := utf8.DecodeLastRuneInString(page)
	if unicode.IsSpace(last) {
		return page + text
	}
	return page + "\n" + text
}

// FromSettings builds an extractor wired to the configured tool adapters.
func FromSettings(cfg settings.ProcessorSettings, opts ...Option) (*Extractor, error) {
	if cfg.TempDir != "" {
		opts = append([]Option{WithTempDir(cfg.TempDir)}, opts...)
	}

	var textLayer TextLayerExtractor = Pdftotext{Path: cfg.PDF.PdftotextPath}
	if cfg.PDF.TextExtractor == settings.TextExtractorNative {
		textLayer = NativeTextLayer{}
	}

	return New(
		textLayer,
		Pdfimages{Path: cfg.PDF.PdfimagesPath},
		ImagingResampler{
			TargetDPI: cfg.PDF.TargetDPI,
			SourceDPI: cfg.PDF.SourceDPI,
			MaxPixels: cfg.PDF.MaxPixels,
		},
		Tesseract{
			Path:     cfg.OCR.TesseractPath,
			Language: cfg.OCR.Language,
			DPI:      cfg.PDF.TargetDPI,
			Timeout:  cfg.OCR.Timeout,
		},
		opts...,
	)
}
