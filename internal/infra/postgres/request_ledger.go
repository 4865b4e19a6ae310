package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"image-broker/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const selectRequest = `SELECT id, image_inbox, prompt, num_steps, height, width, seed,
	worker_id, successful, failure_reason, start_at, end_at FROM img_gen_requests`

type requestLedger struct {
	db     *sql.DB
	logger *slog.Logger
	tracer trace.Tracer
}

// NewRequestLedger creates a request ledger stored in the img_gen_requests table.
func NewRequestLedger(db *sql.DB, logger *slog.Logger) domain.RequestLedger {
	return &requestLedger{
		db:     db,
		logger: logger.With("component", "postgres-request-ledger"),
		tracer: otel.Tracer("image-broker-postgres-repo"),
	}
}

// Create inserts the request in a single statement and returns the generated id.
func (l *requestLedger) Create(ctx context.Context, req *domain.GenerationRequest) (string, error) {
	ctx, span := l.tracer.Start(ctx, "repo.postgres.CreateRequest")
	defer span.End()

	var id int64
	err := l.db.QueryRowContext(ctx, rebind(`INSERT INTO img_gen_requests
		(image_inbox, prompt, num_steps, height, width, seed, start_at)
		VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		req.ImageInbox, req.Prompt, req.NumSteps, req.Height, req.Width, req.Seed, req.Start,
	).Scan(&id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to insert request")
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	idStr := strconv.FormatInt(id, 10)
	span.SetAttributes(attribute.String("request.id", idStr))
	return idStr, nil
}

// Update locks the row, merges the patch and writes the mutable columns back.
func (l *requestLedger) Update(ctx context.Context, id string, patch domain.RequestPatch) error {
	ctx, span := l.tracer.Start(ctx, "repo.postgres.UpdateRequest")
	defer span.End()
	span.SetAttributes(attribute.String("request.id", id), attribute.Bool("patch.final", patch.IsFinal()))

	rowID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return domain.ErrRequestNotFound
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rec, err := scanRequest(tx.QueryRowContext(ctx, rebind(selectRequest+` WHERE id = ? FOR UPDATE`), rowID))
	if err != nil {
		if !errors.Is(err, domain.ErrRequestNotFound) {
			span.RecordError(err)
		}
		return err
	}
	if err := rec.Apply(patch); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, rebind(`UPDATE img_gen_requests
		SET worker_id = ?, successful = ?, failure_reason = ?, end_at = ?
		WHERE id = ?`),
		nullString(rec.WorkerID), rec.Successful, nullString(rec.FailureReason), rec.End, rowID,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to update request")
		return fmt.Errorf("failed to update request %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to commit update of request %s: %w", id, err)
	}
	return nil
}

func (l *requestLedger) Get(ctx context.Context, id string) (*domain.GenerationRequest, error) {
	ctx, span := l.tracer.Start(ctx, "repo.postgres.GetRequest")
	defer span.End()

	rowID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, domain.ErrRequestNotFound
	}
	return scanRequest(l.db.QueryRowContext(ctx, rebind(selectRequest+` WHERE id = ?`), rowID))
}

func (l *requestLedger) ListUnfinalized(ctx context.Context, startedBefore time.Time) ([]*domain.GenerationRequest, error) {
	ctx, span := l.tracer.Start(ctx, "repo.postgres.ListUnfinalized")
	defer span.End()

	rows, err := l.db.QueryContext(ctx, rebind(selectRequest+` WHERE successful IS NULL AND start_at < ? ORDER BY start_at`), startedBefore)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list open requests")
		return nil, fmt.Errorf("failed to list open requests: %w", err)
	}
	defer rows.Close()

	var open []*domain.GenerationRequest
	for rows.Next() {
		rec, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		open = append(open, rec)
	}
	return open, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*domain.GenerationRequest, error) {
	var (
		rec        domain.GenerationRequest
		id         int64
		workerID   sql.NullString
		successful sql.NullBool
		reason     sql.NullString
		end        sql.NullTime
	)
	err := row.Scan(&id, &rec.ImageInbox, &rec.Prompt, &rec.NumSteps, &rec.Height, &rec.Width, &rec.Seed,
		&workerID, &successful, &reason, &rec.Start, &end)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan request: %w", err)
	}

	rec.ID = strconv.FormatInt(id, 10)
	rec.WorkerID = workerID.String
	rec.FailureReason = reason.String
	if successful.Valid {
		v := successful.Bool
		rec.Successful = &v
	}
	if end.Valid {
		v := end.Time
		rec.End = &v
	}
	return &rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
