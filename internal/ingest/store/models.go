// Package store persists ingestion state: uploaded files, their embeddings and account credit.
package store

import (
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
)

// File is an uploaded document waiting for, or done with, ingestion.
// Rows are created by the upload service; the pipeline only sets the
// processing columns.
type File struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey"`
	UserID    uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex:uq_datasource_files_user_hash,priority:1"`
	Name      string     `gorm:"type:text;not null"`
	Path      string     `gorm:"type:text;not null"`
	Type      string     `gorm:"type:text;not null"`
	Size      int64      `gorm:"not null"`
	Hash      string     `gorm:"type:text;not null;uniqueIndex:uq_datasource_files_user_hash,priority:2"`
	Category  string     `gorm:"type:text"`
	Processed *time.Time `gorm:"index"`
	Attempts  int        `gorm:"not null;default:0"`
	LastError string     `gorm:"type:text"`
	FailedAt  *time.Time
	Metadata  datatypes.JSON
	CreatedAt time.Time `gorm:"not null;index"`
}

// TableName returns the table name for files.
func (File) TableName() string {
	return "datasource_files"
}

// Embedding is one chunk of a file with its vector.
// Created equals the owning file's Processed timestamp.
type Embedding struct {
	ID        uuid.UUID       `gorm:"type:uuid;primaryKey"`
	FileID    uuid.UUID       `gorm:"type:uuid;not null;index"`
	Text      string          `gorm:"type:text;not null"`
	Embedding pgvector.Vector `gorm:"type:vector"`
	Created   time.Time       `gorm:"not null"`
}

// TableName returns the table name for embeddings.
func (Embedding) TableName() string {
	return "datasource_embeddings"
}

// Account holds the credit balance debited for embedding calls.
type Account struct {
	ID     uuid.UUID `gorm:"type:uuid;primaryKey"`
	Credit float64   `gorm:"not null;default:0"`
}

// TableName returns the table name for accounts.
func (Account) TableName() string {
	return "accounts"
}

// ProcessMetadata is stored on a file once it has been processed.
type ProcessMetadata struct {
	Pages         int     `json:"pages"`
	OCRImages     int     `json:"ocr_images"`
	OCRDuplicates int     `json:"ocr_duplicates"`
	OCRFailures   int     `json:"ocr_failures"`
	Chunks        int     `json:"chunks"`
	Tokens        int     `json:"tokens"`
	Cost          float64 `json:"cost"`
}
