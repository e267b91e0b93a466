package store

import (
	"context"
	"fmt"
	"strings"

	errors "github.com/Laisky/errors/v2"
	logSDK "github.com/Laisky/go-utils/v6/log"
	"gorm.io/gorm"

	"github.com/Laisky/docingest/library/log"
)

// RunMigrations ensures ingestion tables, indexes and the insert trigger exist.
// notifyChannel is the NOTIFY channel raised for every inserted file.
func RunMigrations(ctx context.Context, db *gorm.DB, notifyChannel string, logger logSDK.Logger) error {
	if db == nil {
		return errors.New("gorm db is required")
	}
	if logger == nil {
		logger = log.Logger.Named("ingest_migration")
	}

	if err := ensureVectorExtension(ctx, db, logger); err != nil {
		return errors.WithStack(err)
	}

	if err := db.WithContext(ctx).AutoMigrate(&File{}, &Embedding{}, &Account{}); err != nil {
		return errors.Wrap(err, "auto migrate ingestion tables")
	}

	statements := []string{}
	if isPostgresDialect(db) {
		statements = postgresStatements(notifyChannel)
	}
	for _, stmt := range statements {
		if err := db.WithContext(ctx).Exec(stmt).Error; err != nil {
			return errors.Wrap(err, "apply postgres statement")
		}
	}

	logger.Debug("ingestion migrations completed")
	return nil
}

// postgresStatements returns the pending-queue index and the NOTIFY trigger.
func postgresStatements(notifyChannel string) []string {
	if notifyChannel == "" {
		notifyChannel = "datasource_insert"
	}
	channel := strings.ReplaceAll(notifyChannel, "'", "''")

	return []string{
		`CREATE INDEX IF NOT EXISTS idx_datasource_files_pending ON datasource_files (created_at) WHERE processed IS NULL AND failed_at IS NULL`,
		fmt.Sprintf(`CREATE OR REPLACE FUNCTION datasource_files_notify_insert() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify('%s', NEW.id::text);
	RETURN NEW;
END;
$$ LANGUAGE plpgsql`, channel),
		`DROP TRIGGER IF EXISTS datasource_files_notify_insert ON datasource_files`,
		`CREATE TRIGGER datasource_files_notify_insert AFTER INSERT ON datasource_files FOR EACH ROW EXECUTE FUNCTION datasource_files_notify_insert()`,
	}
}

// ensureVectorExtension creates the pgvector extension when available.
func ensureVectorExtension(ctx context.Context, db *gorm.DB, logger logSDK.Logger) error {
	if !isPostgresDialect(db) {
		return nil
	}

	if err := db.WithContext(ctx).Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
		if !shouldFallbackToPgvector(err) {
			return errors.Wrap(err, "create vector extension")
		}
		logger.Debug("pgvector extension unavailable under name 'vector', retrying with legacy name")
		if execErr := db.WithContext(ctx).Exec("CREATE EXTENSION IF NOT EXISTS pgvector").Error; execErr != nil {
			return errors.Wrap(execErr, "create pgvector extension")
		}
	}
	return nil
}

// isPostgresDialect reports whether the gorm dialector is Postgres.
func isPostgresDialect(db *gorm.DB) bool {
	if db == nil || db.Dialector == nil {
		return false
	}
	return strings.EqualFold(db.Dialector.Name(), "postgres")
}

// shouldFallbackToPgvector checks whether the error indicates a legacy extension name.
func shouldFallbackToPgvector(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "extension \"vector\"") && strings.Contains(msg, "not") && strings.Contains(msg, "available")
}
