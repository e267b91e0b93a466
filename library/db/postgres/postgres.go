package postgres

import (
	"context"
	"time"

	errors "github.com/Laisky/errors/v2"
	logSDK "github.com/Laisky/go-utils/v6/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// NewGormDB opens a pooled gorm connection to postgres and pings it.
func NewGormDB(ctx context.Context, dsn string, logger logSDK.Logger) (*gorm.DB, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: NewGormLogger(logger),
	})
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "get sql db")
	}
	if err = sqlDB.PingContext(ctx); err != nil {
		return nil, errors.Wrap(err, "ping postgres")
	}

	// config db
	sqlDB.SetMaxIdleConns(6)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return db, nil
}
