// Package settings loads ingestion runtime configuration from the shared config.
package settings

import (
	"fmt"
	"os"
	"strings"
	"time"

	gconfig "github.com/Laisky/go-config/v2"
)

// Settings captures runtime configuration for the ingestion worker.
type Settings struct {
	DatabaseDSN string
	FileStore   FileStoreSettings
	Processor   ProcessorSettings
	Embedding   EmbeddingSettings
	Search      SearchSettings
	OpsListen   string
}

// FileStoreSettings selects where uploaded files are read from.
type FileStoreSettings struct {
	Backend string
	Root    string
	Minio   MinioSettings
}

// MinioSettings configures the object storage backend.
type MinioSettings struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// ProcessorSettings configures the scheduler and per-file processing.
type ProcessorSettings struct {
	MaxActiveProcess  int
	ReconcileInterval time.Duration
	IdleInterval      time.Duration
	MaxAttempts       int
	NotifyChannel     string
	// TempDir is the parent of per-document scratch dirs; empty uses the OS default.
	TempDir           string
	Chunk             ChunkSettings
	PDF               PDFSettings
	OCR               OCRSettings
}

// ChunkSettings bounds chunk sizes in runes.
type ChunkSettings struct {
	MinChars int
	MaxChars int
}

// PDFSettings configures text-layer extraction and image rendering.
type PDFSettings struct {
	TextExtractor string
	PdftotextPath string
	PdfimagesPath string
	TargetDPI     int
	SourceDPI     int
	MaxPixels     int
}

// OCRSettings configures the tesseract adapter.
type OCRSettings struct {
	TesseractPath string
	Language      string
	Timeout       time.Duration
}

// EmbeddingSettings configures the embedding provider.
type EmbeddingSettings struct {
	API     string
	Key     string
	Model   string
	Pricing float64
	Timeout time.Duration
}

// SearchSettings configures similarity queries.
type SearchSettings struct {
	StopWordsFile string
	MaxDistance   float64
	Limit         int
	MaxQueryChars int
}

const (
	// TextExtractorPdftotext shells out to poppler's pdftotext.
	TextExtractorPdftotext = "pdftotext"
	// TextExtractorNative reads the PDF text layer in-process.
	TextExtractorNative = "native"

	// FileStoreLocal reads files below a local root directory.
	FileStoreLocal = "local"
	// FileStoreMinio reads files from a MinIO bucket.
	FileStoreMinio = "minio"
)

// LoadSettingsFromConfig reads configuration and applies safe defaults.
func LoadSettingsFromConfig() Settings {
	settings := Settings{
		DatabaseDSN: strings.TrimSpace(gconfig.S.GetString("settings.db.postgres.dsn")),
		FileStore: FileStoreSettings{
			Backend: strings.ToLower(strings.TrimSpace(gconfig.S.GetString("settings.file_store.backend"))),
			Root:    strings.TrimSpace(gconfig.S.GetString("settings.file_store.root")),
			Minio: MinioSettings{
				Endpoint:  strings.TrimSpace(gconfig.S.GetString("settings.file_store.minio.endpoint")),
				AccessKey: strings.TrimSpace(gconfig.S.GetString("settings.file_store.minio.access_key")),
				SecretKey: strings.TrimSpace(gconfig.S.GetString("settings.file_store.minio.secret_key")),
				Bucket:    strings.TrimSpace(gconfig.S.GetString("settings.file_store.minio.bucket")),
				UseSSL:    boolFromConfig("settings.file_store.minio.use_ssl", true),
			},
		},
		Processor: ProcessorSettings{
			MaxActiveProcess:  intFromConfig("settings.file_processor.max_active_process", 4),
			ReconcileInterval: time.Duration(intFromConfig("settings.file_processor.reconcile_interval_seconds", 300)) * time.Second,
			IdleInterval:      time.Duration(intFromConfig("settings.file_processor.idle_interval_ms", 3000)) * time.Millisecond,
			MaxAttempts:       intFromConfig("settings.file_processor.max_attempts", 5),
			NotifyChannel:     strings.TrimSpace(gconfig.S.GetString("settings.file_processor.notify_channel")),
			TempDir:           strings.TrimSpace(gconfig.S.GetString("settings.file_processor.temp_dir")),
			Chunk: ChunkSettings{
				MinChars: intFromConfig("settings.file_processor.chunk.min_chars", 1800),
				MaxChars: intFromConfig("settings.file_processor.chunk.max_chars", 2000),
			},
			PDF: PDFSettings{
				TextExtractor: strings.ToLower(strings.TrimSpace(gconfig.S.GetString("settings.file_processor.pdf.text_extractor"))),
				PdftotextPath: strings.TrimSpace(gconfig.S.GetString("settings.file_processor.pdf.pdftotext_path")),
				PdfimagesPath: strings.TrimSpace(gconfig.S.GetString("settings.file_processor.pdf.pdfimages_path")),
				TargetDPI:     intFromConfig("settings.file_processor.pdf.target_dpi", 300),
				SourceDPI:     intFromConfig("settings.file_processor.pdf.source_dpi", 72),
				MaxPixels:     intFromConfig("settings.file_processor.pdf.max_pixels", 40_000_000),
			},
			OCR: OCRSettings{
				TesseractPath: strings.TrimSpace(gconfig.S.GetString("settings.file_processor.ocr.tesseract_path")),
				Language:      strings.TrimSpace(gconfig.S.GetString("settings.file_processor.ocr.language")),
				Timeout:       time.Duration(intFromConfig("settings.file_processor.ocr.timeout_seconds", 120)) * time.Second,
			},
		},
		Embedding: EmbeddingSettings{
			API:     strings.TrimSpace(gconfig.S.GetString("settings.embedding.api")),
			Key:     strings.TrimSpace(gconfig.S.GetString("settings.embedding.key")),
			Model:   strings.TrimSpace(gconfig.S.GetString("settings.embedding.model")),
			Pricing: floatFromConfig("settings.embedding.pricing", 0),
			Timeout: time.Duration(intFromConfig("settings.embedding.timeout_seconds", 60)) * time.Second,
		},
		Search: SearchSettings{
			StopWordsFile: strings.TrimSpace(gconfig.S.GetString("settings.search.stop_words_file")),
			MaxDistance:   floatFromConfig("settings.search.max_distance", 1.20),
			Limit:         intFromConfig("settings.search.limit", 5),
			MaxQueryChars: intFromConfig("settings.search.max_query_chars", 1024),
		},
		OpsListen: strings.TrimSpace(gconfig.S.GetString("settings.ops.listen")),
	}

	return settings.withDefaults()
}

// withDefaults replaces missing or out-of-range values.
func (s Settings) withDefaults() Settings {
	if s.DatabaseDSN == "" {
		s.DatabaseDSN = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	}
	if s.FileStore.Backend == "" {
		s.FileStore.Backend = FileStoreLocal
	}
	if s.Processor.MaxActiveProcess <= 0 {
		s.Processor.MaxActiveProcess = 1
	}
	if s.Processor.ReconcileInterval <= 0 {
		s.Processor.ReconcileInterval = 5 * time.Minute
	}
	if s.Processor.IdleInterval <= 0 {
		s.Processor.IdleInterval = 3 * time.Second
	}
	if s.Processor.MaxAttempts <= 0 {
		s.Processor.MaxAttempts = 5
	}
	if s.Processor.NotifyChannel == "" {
		s.Processor.NotifyChannel = "datasource_insert"
	}
	if s.Processor.Chunk.MaxChars <= 0 {
		s.Processor.Chunk.MaxChars = 2000
	}
	if s.Processor.Chunk.MinChars <= 0 || s.Processor.Chunk.MinChars > s.Processor.Chunk.MaxChars {
		s.Processor.Chunk.MinChars = min(1800, s.Processor.Chunk.MaxChars*9/10)
	}
	if s.Processor.PDF.TextExtractor == "" {
		s.Processor.PDF.TextExtractor = TextExtractorPdftotext
	}
	if s.Processor.PDF.PdftotextPath == "" {
		s.Processor.PDF.PdftotextPath = "pdftotext"
	}
	if s.Processor.PDF.PdfimagesPath == "" {
		s.Processor.PDF.PdfimagesPath = "pdfimages"
	}
	if s.Processor.PDF.TargetDPI <= 0 {
		s.Processor.PDF.TargetDPI = 300
	}
	if s.Processor.PDF.SourceDPI <= 0 {
		s.Processor.PDF.SourceDPI = 72
	}
	if s.Processor.PDF.MaxPixels <= 0 {
		s.Processor.PDF.MaxPixels = 40_000_000
	}
	if s.Processor.OCR.TesseractPath == "" {
		s.Processor.OCR.TesseractPath = "tesseract"
	}
	if s.Processor.OCR.Language == "" {
		s.Processor.OCR.Language = "eng"
	}
	if s.Processor.OCR.Timeout <= 0 {
		s.Processor.OCR.Timeout = 2 * time.Minute
	}
	if s.Embedding.Model == "" {
		s.Embedding.Model = "text-embedding-3-small"
	}
	if s.Embedding.Pricing < 0 {
		s.Embedding.Pricing = 0
	}
	if s.Embedding.Timeout <= 0 {
		s.Embedding.Timeout = time.Minute
	}
	if s.Search.MaxDistance <= 0 {
		s.Search.MaxDistance = 1.20
	}
	if s.Search.Limit <= 0 {
		s.Search.Limit = 5
	}
	if s.Search.MaxQueryChars <= 0 {
		s.Search.MaxQueryChars = 1024
	}

	return s
}

// intFromConfig reads an int configuration value with a default fallback.
func intFromConfig(key string, def int) int {
	value := gconfig.S.Get(key)
	switch v := value.(type) {
	case nil:
		return def
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return def
		}
		var parsed int
		if _, err := fmt.Sscanf(trimmed, "%d", &parsed); err != nil {
			return def
		}
		return parsed
	default:
		return def
	}
}

// boolFromConfig reads a boolean configuration value with a default fallback.
func boolFromConfig(key string, def bool) bool {
	value := gconfig.S.Get(key)
	switch v := value.(type) {
	case nil:
		return def
	case bool:
		return v
	case int:
		return v != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		default:
			return def
		}
	default:
		return def
	}
}

// floatFromConfig reads a float64 configuration value with a default fallback.
func floatFromConfig(key string, def float64) float64 {
	value := gconfig.S.Get(key)
	switch v := value.(type) {
	case nil:
		return def
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return def
		}
		var parsed float64
		if _, err := fmt.Sscanf(trimmed, "%f", &parsed); err != nil {
			return def
		}
		return parsed
	default:
		return def
	}
}
