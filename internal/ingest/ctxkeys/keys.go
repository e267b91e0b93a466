package ctxkeys

// Key identifies a context value propagated through ingestion tasks.
type Key string

const (
	// Logger stores the per-task logger carrying file and account fields.
	Logger Key = "ingest_logger"
)
