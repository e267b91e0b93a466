package store

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	errors "github.com/Laisky/errors/v2"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// maxLastErrorLen bounds the stored failure message.
const maxLastErrorLen = 1024

var (
	// ErrAccountNotFound is returned when a credit operation targets an unknown account.
	ErrAccountNotFound = errors.New("account not found")
	// ErrFileNotFound is returned when a file update matched no row.
	ErrFileNotFound = errors.New("file not found")
)

// Clock returns the current time in UTC.
type Clock func() time.Time

// Store wraps the database shared by the scheduler, processor and search.
type Store struct {
	db    *gorm.DB
	clock Clock
}

// New constructs a store over db.
func New(db *gorm.DB, clock Clock) (*Store, error) {
	if db == nil {
		return nil, errors.New("gorm db is required")
	}
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Store{db: db, clock: clock}, nil
}

// DB returns the underlying handle, for callers that open transactions.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Now returns the store clock's current time.
func (s *Store) Now() time.Time {
	return s.clock()
}

// pendingCondition selects files that still need processing.
const pendingCondition = "processed IS NULL AND failed_at IS NULL"

// ClaimNext locks the oldest pending file inside tx and returns it, or nil
// when the queue is empty. On postgres the row lock skips rows already held
// by other transactions, so concurrent claimers never receive the same file.
func (s *Store) ClaimNext(ctx context.Context, tx *gorm.DB) (*File, error) {
	query := "SELECT * FROM datasource_files WHERE " + pendingCondition + " ORDER BY created_at ASC LIMIT 1"
	if isPostgresDialect(tx) {
		query += " FOR UPDATE SKIP LOCKED"
	}

	var files []File
	if err := tx.WithContext(ctx).Raw(query).Scan(&files).Error; err != nil {
		return nil, errors.Wrap(err, "claim file")
	}
	if len(files) == 0 {
		return nil, nil
	}
	return &files[0], nil
}

// InsertEmbeddings bulk-inserts chunk rows inside tx.
func (s *Store) InsertEmbeddings(ctx context.Context, tx *gorm.DB, rows []Embedding) error {
	if len(rows) == 0 {
		return nil
	}
	for idx := range rows {
		if rows[idx].ID == uuid.Nil {
			rows[idx].ID = uuid.New()
		}
	}
	if err := tx.WithContext(ctx).CreateInBatches(rows, 100).Error; err != nil {
		return errors.Wrap(err, "insert embeddings")
	}
	return nil
}

// MarkProcessed stamps the file processed at `at` and stores its metadata.
func (s *Store) MarkProcessed(ctx context.Context, tx *gorm.DB, fileID uuid.UUID, at time.Time, meta ProcessMetadata) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return errors.Wrap(err, "marshal process metadata")
	}

	result := tx.WithContext(ctx).Model(&File{}).
		Where("id = ?", fileID).
		Updates(map[string]any{
			"processed":  at,
			"metadata":   datatypes.JSON(raw),
			"last_error": "",
		})
	if result.Error != nil {
		return errors.Wrap(result.Error, "mark file processed")
	}
	if result.RowsAffected == 0 {
		return errors.Wrapf(ErrFileNotFound, "mark file %s processed", fileID)
	}
	return nil
}

// RecordFailure counts a failed attempt for file inside tx. Once attempts
// reach maxAttempts the file is marked failed and leaves the queue.
// It reports whether the file became terminal.
func (s *Store) RecordFailure(ctx context.Context, tx *gorm.DB, file *File, cause error, maxAttempts int) (bool, error) {
	if file == nil {
		return false, errors.New("file is nil")
	}

	attempts := file.Attempts + 1
	updates := map[string]any{
		"attempts":   attempts,
		"last_error": truncateError(cause),
	}
	terminal := maxAttempts > 0 && attempts >= maxAttempts
	if terminal {
		updates["failed_at"] = s.clock()
	}

	if err := tx.WithContext(ctx).Model(&File{}).Where("id = ?", file.ID).Updates(updates).Error; err != nil {
		return false, errors.Wrap(err, "record file failure")
	}
	return terminal, nil
}

// CountPending returns the authoritative number of files waiting for processing.
func (s *Store) CountPending(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&File{}).Where(pendingCondition).Count(&count).Error; err != nil {
		return 0, errors.Wrap(err, "count pending files")
	}
	return count, nil
}

// CountFailed returns the number of files that exhausted their attempts.
func (s *Store) CountFailed(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&File{}).Where("failed_at IS NOT NULL").Count(&count).Error; err != nil {
		return 0, errors.Wrap(err, "count failed files")
	}
	return count, nil
}

// DebitCredit subtracts cost from the account's balance inside tx.
func (s *Store) DebitCredit(ctx context.Context, tx *gorm.DB, accountID uuid.UUID, cost float64) error {
	result := tx.WithContext(ctx).Model(&Account{}).
		Where("id = ?", accountID).
		UpdateColumn("credit", gorm.Expr("credit - ?", cost))
	if result.Error != nil {
		return errors.Wrap(result.Error, "debit credit")
	}
	if result.RowsAffected == 0 {
		return errors.Wrapf(ErrAccountNotFound, "debit account %s", accountID)
	}
	return nil
}

// Credit returns the account's current balance.
func (s *Store) Credit(ctx context.Context, tx *gorm.DB, accountID uuid.UUID) (float64, error) {
	var account Account
	if err := tx.WithContext(ctx).Where("id = ?", accountID).Take(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, errors.Wrapf(ErrAccountNotFound, "load account %s", accountID)
		}
		return 0, errors.Wrap(err, "load account credit")
	}
	return account.Credit, nil
}

// truncateError renders err for storage, bounded to maxLastErrorLen bytes.
func truncateError(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.ToValidUTF8(err.Error(), "")
	if len(msg) <= maxLastErrorLen {
		return msg
	}
	return strings.ToValidUTF8(msg[:maxLastErrorLen], "")
}
