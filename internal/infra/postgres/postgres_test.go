package postgres

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"image-broker/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRebind(t *testing.T) {
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", rebind("SELECT * FROM t WHERE a = ? AND b = ?"))
	assert.Equal(t, "SELECT 1", rebind("SELECT 1"))
}

func TestNullString(t *testing.T) {
	assert.False(t, nullString("").Valid)
	assert.True(t, nullString("w").Valid)
}

func TestPostgresLedgerAndBlacklist(t *testing.T) {
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_DSN not set")
	}
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := Open(ctx, dsn, logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ledger := NewRequestLedger(db, logger)
	start := time.Now().UTC().Truncate(time.Millisecond)
	id, err := ledger.Create(ctx, domain.NewGenerationRequest("_INBOX.pg", domain.GenerationParams{Prompt: "p", NumSteps: 4, Height: 128, Width: 128}, 77, start))
	require.NoError(t, err)

	require.NoError(t, ledger.Update(ctx, id, domain.AssignWorker("_INBOX.worker")))
	require.NoError(t, ledger.Update(ctx, id, domain.Outcome(false, "worker failed", start.Add(time.Second))))
	assert.ErrorIs(t, ledger.Update(ctx, id, domain.Outcome(true, "", start)), domain.ErrAlreadyFinalized)

	got, err := ledger.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "_INBOX.worker", got.WorkerID)
	assert.Equal(t, int64(77), got.Seed)
	require.NotNil(t, got.Successful)
	assert.False(t, *got.Successful)
	assert.Equal(t, "worker failed", got.FailureReason)

	_, err = ledger.Get(ctx, "not-a-number")
	assert.ErrorIs(t, err, domain.ErrRequestNotFound)

	bl := NewBlacklist(db, logger)
	worker := "_INBOX.pg-bl-" + start.Format("150405.000")
	assert.True(t, bl.IsTrustworthy(ctx, worker))
	require.NoError(t, bl.Add(ctx, domain.BlacklistEntry{WorkerID: worker, Reason: "test"}))
	assert.False(t, bl.IsTrustworthy(ctx, worker))
	require.NoError(t, bl.Remove(ctx, worker))
	assert.True(t, bl.IsTrustworthy(ctx, worker))
}
