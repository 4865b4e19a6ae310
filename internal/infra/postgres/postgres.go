package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS img_gen_requests (
	id BIGSERIAL PRIMARY KEY,
	image_inbox TEXT NOT NULL,
	prompt TEXT NOT NULL,
	num_steps INTEGER NOT NULL,
	height INTEGER NOT NULL,
	width INTEGER NOT NULL,
	seed BIGINT NOT NULL,
	worker_id TEXT,
	successful BOOLEAN,
	failure_reason TEXT,
	start_at TIMESTAMPTZ NOT NULL,
	end_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS img_gen_requests_open_idx
	ON img_gen_requests (start_at) WHERE successful IS NULL;

CREATE TABLE IF NOT EXISTS blacklisted_workers (
	worker_id TEXT PRIMARY KEY,
	reason TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// rebind converts ? placeholders to $1, $2, ...
func rebind(query string) string {
	n := 1
	out := strings.Builder{}
	for _, ch := range query {
		if ch == '?' {
			out.WriteString(fmt.Sprintf("$%d", n))
			n++
		} else {
			out.WriteRune(ch)
		}
	}
	return out.String()
}

// Open connects to PostgreSQL and makes sure the broker tables exist.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("connected to postgres")
	return db, nil
}
