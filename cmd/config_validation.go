package cmd

import (
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"

	errors "github.com/Laisky/errors/v2"
	gconfig "github.com/Laisky/go-config/v2"

	"github.com/Laisky/docingest/internal/ingest/settings"
)

// configGetter retrieves raw configuration values by dotted key path.
type configGetter func(key string) any

// validateStartupConfig validates startup configuration from the shared config source.
// It returns an error when any configured value is malformed or violates constraints.
func validateStartupConfig() error {
	return validateStartupConfigWithGetter(func(key string) any {
		return gconfig.S.Get(key)
	})
}

// validateStartupConfigWithGetter validates startup configuration via a key-value getter.
// It accepts a value getter and returns nil when all configured values are valid.
func validateStartupConfigWithGetter(get configGetter) error {
	if get == nil {
		return errors.New("config getter is nil")
	}

	validationErrs := make([]string, 0)

	validateFileStoreConfig(get, &validationErrs)
	validateProcessorConfig(get, &validationErrs)
	validatePDFConfig(get, &validationErrs)
	validateEmbeddingConfig(get, &validationErrs)
	validateSearchConfig(get, &validationErrs)

	return joinValidationErrors(validationErrs)
}

// validateRequiredSettings checks the values a connecting command cannot start without.
// withFileStore also requires a usable storage backend.
func validateRequiredSettings(s settings.Settings, withFileStore bool) error {
	validationErrs := make([]string, 0)

	if s.DatabaseDSN == "" {
		appendValidationError(&validationErrs, "settings.db.postgres.dsn (or DATABASE_URL) is required")
	}
	if s.Embedding.API == "" {
		appendValidationError(&validationErrs, "settings.embedding.api is required")
	}
	if s.Embedding.Model == "" {
		appendValidationError(&validationErrs, "settings.embedding.model is required")
	}
	if !withFileStore {
		return joinValidationErrors(validationErrs)
	}
	switch s.FileStore.Backend {
	case settings.FileStoreLocal:
		if s.FileStore.Root == "" {
			appendValidationError(&validationErrs, "settings.file_store.root is required for the local backend")
		}
	case settings.FileStoreMinio:
		if s.FileStore.Minio.Endpoint == "" || s.FileStore.Minio.Bucket == "" {
			appendValidationError(&validationErrs, "settings.file_store.minio.endpoint and bucket are required for the minio backend")
		}
	}

	return joinValidationErrors(validationErrs)
}

func joinValidationErrors(validationErrs []string) error {
	if len(validationErrs) == 0 {
		return nil
	}
	return errors.Errorf("invalid configuration:\n - %s", strings.Join(validationErrs, "\n - "))
}

// validateFileStoreConfig validates the storage backend selection.
func validateFileStoreConfig(get configGetter, errs *[]string) {
	validateOptionalEnum(get, "settings.file_store.backend",
		[]string{settings.FileStoreLocal, settings.FileStoreMinio}, errs)
	validateOptionalStringNonEmpty(get, "settings.file_store.root", errs)
	validateOptionalBool(get, "settings.file_store.minio.use_ssl", errs)
	if raw := get("settings.file_store.minio.endpoint"); raw != nil {
		value, err := parseStrictString(raw)
		if err != nil || !isValidHost(value) {
			appendValidationError(errs, "settings.file_store.minio.endpoint must be host[:port] without scheme")
		}
	}
}

// validateProcessorConfig validates scheduler and chunking values.
func validateProcessorConfig(get configGetter, errs *[]string) {
	validateOptionalIntMin(get, "settings.file_processor.max_active_process", 1, errs)
	validateOptionalIntMin(get, "settings.file_processor.reconcile_interval_seconds", 1, errs)
	validateOptionalIntMin(get, "settings.file_processor.idle_interval_ms", 1, errs)
	validateOptionalIntMin(get, "settings.file_processor.max_attempts", 1, errs)
	validateOptionalStringNonEmpty(get, "settings.file_processor.notify_channel", errs)
	validateOptionalStringNonEmpty(get, "settings.file_processor.temp_dir", errs)
	validateOptionalIntMin(get, "settings.file_processor.chunk.min_chars", 1, errs)
	validateOptionalIntMin(get, "settings.file_processor.chunk.max_chars", 1, errs)
	validateOptionalIntMin(get, "settings.file_processor.ocr.timeout_seconds", 1, errs)

	minRaw := get("settings.file_processor.chunk.min_chars")
	maxRaw := get("settings.file_processor.chunk.max_chars")
	if minRaw != nil && maxRaw != nil {
		minChars, minErr := parseStrictInt(minRaw)
		maxChars, maxErr := parseStrictInt(maxRaw)
		if minErr == nil && maxErr == nil && minChars > maxChars {
			appendValidationError(errs, "settings.file_processor.chunk.min_chars must be <= settings.file_processor.chunk.max_chars")
		}
	}
}

// validatePDFConfig validates PDF tool settings.
func validatePDFConfig(get configGetter, errs *[]string) {
	validateOptionalEnum(get, "settings.file_processor.pdf.text_extractor",
		[]string{settings.TextExtractorPdftotext, settings.TextExtractorNative}, errs)
	validateOptionalIntMin(get, "settings.file_processor.pdf.target_dpi", 1, errs)
	validateOptionalIntMin(get, "settings.file_processor.pdf.source_dpi", 1, errs)
	validateOptionalIntMin(get, "settings.file_processor.pdf.max_pixels", 1, errs)
}

// validateEmbeddingConfig validates the embedding provider settings.
func validateEmbeddingConfig(get configGetter, errs *[]string) {
	validateOptionalURL(get, "settings.embedding.api", errs)
	validateOptionalStringNonEmpty(get, "settings.embedding.model", errs)
	validateOptionalFloatRange(get, "settings.embedding.pricing", 0, math.MaxFloat64, true, true, errs)
	validateOptionalIntMin(get, "settings.embedding.timeout_seconds", 1, errs)
}

// validateSearchConfig validates similarity query settings.
func validateSearchConfig(get configGetter, errs *[]string) {
	validateOptionalFloatPositive(get, "settings.search.max_distance", errs)
	validateOptionalIntMin(get, "settings.search.limit", 1, errs)
	validateOptionalIntMin(get, "settings.search.max_query_chars", 1, errs)
}

// validateOptionalBool validates an optionally configured boolean key.
// It accepts a getter, the key, and an error collector pointer and appends validation errors.
func validateOptionalBool(get configGetter, key string, errs *[]string) {
	raw := get(key)
	if raw == nil {
		return
	}

	if _, ok := parseStrictBool(raw); !ok {
		appendValidationError(errs, "%s must be a boolean", key)
	}
}

// validateOptionalIntMin validates an optionally configured integer key with a minimum constraint.
// It accepts a getter, the key, a minimum value, and an error collector pointer and appends validation errors.
func validateOptionalIntMin(get configGetter, key string, min int, errs *[]string) {
	raw := get(key)
	if raw == nil {
		return
	}

	value, parseErr := parseStrictInt(raw)
	if parseErr != nil {
		appendValidationError(errs, "%s must be an integer", key)
		return
	}

	if value < min {
		appendValidationError(errs, "%s must be >= %d", key, min)
	}
}

// validateOptionalFloatPositive validates an optionally configured positive float key.
// It accepts a getter, the key, and an error collector pointer and appends validation errors.
func validateOptionalFloatPositive(get configGetter, key string, errs *[]string) {
	raw := get(key)
	if raw == nil {
		return
	}

	value, parseErr := parseStrictFloat(raw)
	if parseErr != nil {
		appendValidationError(errs, "%s must be a float", key)
		return
	}

	if value <= 0 {
		appendValidationError(errs, "%s must be > 0", key)
	}
}

// validateOptionalFloatRange validates an optionally configured float key against a numeric range.
// It accepts a getter, range bounds, inclusivity toggles, and an error collector pointer.
func validateOptionalFloatRange(get configGetter, key string, min float64, max float64, includeMin bool, includeMax bool, errs *[]string) {
	raw := get(key)
	if raw == nil {
		return
	}

	value, parseErr := parseStrictFloat(raw)
	if parseErr != nil {
		appendValidationError(errs, "%s must be a float", key)
		return
	}

	validMin := value > min
	if includeMin {
		validMin = value >= min
	}
	validMax := value < max
	if includeMax {
		validMax = value <= max
	}

	if !validMin || !validMax {
		appendValidationError(errs, "%s must be within range", key)
	}
}

// validateOptionalURL validates an optionally configured absolute URL key.
// It accepts a getter, the key, and an error collector pointer and appends validation errors.
func validateOptionalURL(get configGetter, key string, errs *[]string) {
	raw := get(key)
	if raw == nil {
		return
	}

	value, parseErr := parseStrictString(raw)
	if parseErr != nil {
		appendValidationError(errs, "%s must be a string URL", key)
		return
	}

	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		appendValidationError(errs, "%s must not be empty", key)
		return
	}

	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		appendValidationError(errs, "%s must be a valid absolute URL", key)
	}
}

// validateOptionalStringNonEmpty validates an optionally configured non-empty string key.
// It accepts a getter, the key, and an error collector pointer and appends validation errors.
func validateOptionalStringNonEmpty(get configGetter, key string, errs *[]string) {
	raw := get(key)
	if raw == nil {
		return
	}

	value, parseErr := parseStrictString(raw)
	if parseErr != nil {
		appendValidationError(errs, "%s must be a string", key)
		return
	}

	if strings.TrimSpace(value) == "" {
		appendValidationError(errs, "%s must not be empty", key)
	}
}

// validateOptionalEnum validates that an optionally configured string is one of allowed.
func validateOptionalEnum(get configGetter, key string, allowed []string, errs *[]string) {
	raw := get(key)
	if raw == nil {
		return
	}

	value, parseErr := parseStrictString(raw)
	if parseErr != nil {
		appendValidationError(errs, "%s must be a string", key)
		return
	}

	normalized := strings.ToLower(strings.TrimSpace(value))
	for _, candidate := range allowed {
		if normalized == candidate {
			return
		}
	}
	appendValidationError(errs, "%s must be one of %s", key, strings.Join(allowed, ", "))
}

// parseStrictBool parses a value as boolean using strict conversion rules.
// It accepts a raw value and returns the parsed boolean and whether parsing succeeded.
func parseStrictBool(value any) (bool, bool) {
	switch v := value.(type) {
	case bool:
		return v, true
	case int:
		return v != 0, true
	case int64:
		return v != 0, true
	case float64:
		if math.Trunc(v) != v {
			return false, false
		}
		return int64(v) != 0, true
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return false, false
		}
		switch strings.ToLower(trimmed) {
		case "true", "1", "yes":
			return true, true
		case "false", "0", "no":
			return false, true
		default:
			return false, false
		}
	default:
		return false, false
	}
}

// parseStrictInt parses a value as a strict integer.
// It accepts a raw value and returns the parsed int and an error when parsing fails.
func parseStrictInt(value any) (int, error) {
	switch v := value.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if math.Trunc(v) != v {
			return 0, errors.Errorf("%v is not an integer", v)
		}
		return int(v), nil
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return 0, errors.New("empty integer string")
		}
		parsed, err := strconv.Atoi(trimmed)
		if err != nil {
			return 0, errors.Wrap(err, "atoi")
		}
		return parsed, nil
	default:
		return 0, errors.Errorf("unsupported int type %T", value)
	}
}

// parseStrictFloat parses a value as a strict floating-point number.
// It accepts a raw value and returns the parsed float64 and an error when parsing fails.
func parseStrictFloat(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return 0, errors.New("empty float string")
		}
		parsed, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return 0, errors.Wrap(err, "parse float")
		}
		return parsed, nil
	default:
		return 0, errors.Errorf("unsupported float type %T", value)
	}
}

// parseStrictString parses a value as a strict string.
// It accepts a raw value and returns the parsed string and an error when parsing fails.
func parseStrictString(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		return "", errors.Errorf("unsupported string type %T", value)
	}
}

// isValidHost validates a host string without scheme or path components.
// It accepts a host string and returns true when the host is syntactically acceptable.
func isValidHost(host string) bool {
	trimmed := strings.TrimSpace(host)
	if trimmed == "" {
		return false
	}
	if strings.Contains(trimmed, "://") || strings.Contains(trimmed, "/") {
		return false
	}
	return true
}

// appendValidationError appends a formatted validation error to the collector.
// It accepts an error slice pointer, a format string, and format arguments, and has no return value.
func appendValidationError(errs *[]string, format string, args ...any) {
	if errs == nil {
		return
	}
	*errs = append(*errs, fmt.Sprintf(format, args...))
}
