package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	errors "github.com/Laisky/errors/v2"
	logSDK "github.com/Laisky/go-utils/v6/log"
	"github.com/Laisky/zap"
	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/Laisky/docingest/library/log"
)

const (
	defaultMaxLoggedParamLength = 256
	defaultVectorPreviewDims    = 8
	defaultSlowThreshold        = 500 * time.Millisecond
)

// gormZapLogger routes gorm logs to zap and abbreviates large SQL parameters,
// embedding batches in particular.
type gormZapLogger struct {
	logger               logSDK.Logger
	level                gormLogger.LogLevel
	slowThreshold        time.Duration
	maxLoggedParamLength int
	vectorPreviewDims    int
}

// NewGormLogger builds a gorm logger writing through logger at warn level.
// SQL statements are logged at debug level once LogMode raises the level to Info.
func NewGormLogger(logger logSDK.Logger) gormLogger.Interface {
	if logger == nil {
		logger = log.Logger.Named("gorm")
	}
	return &gormZapLogger{
		logger:               logger,
		level:                gormLogger.Warn,
		slowThreshold:        defaultSlowThreshold,
		maxLoggedParamLength: defaultMaxLoggedParamLength,
		vectorPreviewDims:    defaultVectorPreviewDims,
	}
}

// LogMode returns a copy of the logger with the given level.
func (l *gormZapLogger) LogMode(level gormLogger.LogLevel) gormLogger.Interface {
	cp := *l
	cp.level = level
	return &cp
}

// Info logs a formatted gorm info message.
func (l *gormZapLogger) Info(_ context.Context, msg string, args ...any) {
	if l.level >= gormLogger.Info {
		l.logger.Info(fmt.Sprintf(msg, args...))
	}
}

// Warn logs a formatted gorm warning.
func (l *gormZapLogger) Warn(_ context.Context, msg string, args ...any) {
	if l.level >= gormLogger.Warn {
		l.logger.Warn(fmt.Sprintf(msg, args...))
	}
}

// Error logs a formatted gorm error.
func (l *gormZapLogger) Error(_ context.Context, msg string, args ...any) {
	if l.level >= gormLogger.Error {
		l.logger.Error(fmt.Sprintf(msg, args...))
	}
}

// Trace logs one executed statement according to its outcome and latency.
func (l *gormZapLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormLogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	switch {
	case err != nil && l.level >= gormLogger.Error && !errors.Is(err, gorm.ErrRecordNotFound):
		sql, rows := fc()
		l.logger.Warn("sql failed", zap.Error(err), zap.Duration("cost", elapsed),
			zap.Int64("rows", rows), zap.String("sql", sql))
	case elapsed > l.slowThreshold && l.level >= gormLogger.Warn:
		sql, rows := fc()
		l.logger.Warn("slow sql", zap.Duration("cost", elapsed),
			zap.Int64("rows", rows), zap.String("sql", sql))
	case l.level >= gormLogger.Info:
		sql, rows := fc()
		l.logger.Debug("sql", zap.Duration("cost", elapsed),
			zap.Int64("rows", rows), zap.String("sql", sql))
	}
}

// ParamsFilter abbreviates vector and oversized parameters before gorm renders SQL for logs.
func (l *gormZapLogger) ParamsFilter(_ context.Context, sql string, params ...any) (string, []any) {
	if len(params) == 0 {
		return sql, params
	}

	filtered := make([]any, len(params))
	for idx, param := range params {
		filtered[idx] = sanitizeLoggedSQLParam(param, l.maxLoggedParamLength, l.vectorPreviewDims)
	}
	return sql, filtered
}

// sanitizeLoggedSQLParam replaces oversized values with compact summaries.
func sanitizeLoggedSQLParam(param any, maxLen, previewDims int) any {
	switch value := param.(type) {
	case pgvector.Vector:
		return summarizeVector(value.Slice(), previewDims)
	case *pgvector.Vector:
		if value == nil {
			return param
		}
		return summarizeVector(value.Slice(), previewDims)
	case string:
		if len(value) <= maxLen {
			return value
		}
		if isVectorLiteral(value) {
			return fmt.Sprintf("%s...<truncated:len=%d>", value[:maxLen], len(value))
		}
		return fmt.Sprintf("<string:len=%d,truncated>", len(value))
	case []byte:
		if len(value) > maxLen {
			return fmt.Sprintf("<bytes:len=%d,truncated>", len(value))
		}
		return value
	default:
		return param
	}
}

// summarizeVector renders the dimension and the leading values of a vector.
func summarizeVector(vector []float32, previewDims int) string {
	if previewDims <= 0 {
		previewDims = defaultVectorPreviewDims
	}
	n := min(previewDims, len(vector))
	return fmt.Sprintf("<vector:dim=%d,preview=%v,truncated=%t>", len(vector), vector[:n], len(vector) > n)
}

// isVectorLiteral reports whether raw looks like "[1,2,3]".
func isVectorLiteral(raw string) bool {
	trimmed := strings.TrimSpace(raw)
	return len(trimmed) >= 4 &&
		strings.HasPrefix(trimmed, "[") &&
		strings.HasSuffix(trimmed, "]") &&
		strings.Contains(trimmed, ",")
}
