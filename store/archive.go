// Package store archives transcript entries in Postgres.
package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mrsingh-rishi/livetranslate/model"
)

// Executor runs a statement. *pgxpool.Pool and *pgx.Conn satisfy it.
type Executor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const schema = `CREATE TABLE IF NOT EXISTS transcript_entries (
	id TEXT PRIMARY KEY,
	meeting_id TEXT NOT NULL,
	seq BIGINT NOT NULL,
	is_local BOOLEAN NOT NULL,
	original_language TEXT NOT NULL,
	original_text TEXT NOT NULL,
	translated_language TEXT NOT NULL,
	translated_text TEXT NOT NULL,
	received_at TIMESTAMPTZ NOT NULL
)`

const insertEntry = `INSERT INTO transcript_entries (
	id, meeting_id, seq, is_local,
	original_language, original_text, translated_language, translated_text,
	received_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO NOTHING`

// Open connects a pool to databaseURL and checks it is reachable.
func Open(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create connection pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "unable to reach database")
	}
	return pool, nil
}

// EnsureSchema creates the archive table if it does not already exist.
func EnsureSchema(ctx context.Context, db Executor) error {
	if _, err := db.Exec(ctx, schema); err != nil {
		return errors.Wrap(err, "create transcript_entries")
	}
	return nil
}

// Archive writes entries for one meeting.
type Archive struct {
	db     Executor
	logger *zap.SugaredLogger
}

func NewArchive(db Executor, logger *zap.SugaredLogger) *Archive {
	return &Archive{db: db, logger: logger}
}

// Save stores entry. Saving the same entry twice is not an error.
func (a *Archive) Save(ctx context.Context, meetingID string, entry model.TranscriptEntry) error {
	r := entry.Result
	_, err := a.db.Exec(ctx, insertEntry,
		entry.ID, meetingID, int64(entry.Seq), entry.IsLocal,
		r.OriginalLanguage, r.OriginalText, r.TranslatedLanguage, r.TranslatedText,
		entry.ReceivedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "insert entry %s", entry.ID)
	}
	return nil
}

// Run saves every entry from entries until the channel closes or ctx is done.
// Failed inserts are logged and skipped. It returns the number saved.
func (a *Archive) Run(ctx context.Context, meetingID string, entries <-chan model.TranscriptEntry) int {
	saved := 0
	for {
		select {
		case <-ctx.Done():
			return saved
		case entry, ok := <-entries:
			if !ok {
				return saved
			}
			if err := a.Save(ctx, meetingID, entry); err != nil {
				a.logger.Warnw("archive failed", "error", err)
				continue
			}
			saved++
		}
	}
}
