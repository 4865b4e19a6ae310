// internal/infra/etcd/etcd_request_ledger.go
package etcd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"image-broker/internal/domain"

	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	RequestSaveDir = "/broker/requests/"
	// OpenIndexDir holds one key per unfinalized request; the value is its start time.
	OpenIndexDir = "/broker/open/"
	// maxUpdateConflicts bounds the compare-and-swap retries of one Update.
	maxUpdateConflicts = 16
)

var errUpdateConflict = errors.New("too many concurrent writers")

type etcdRequestLedger struct {
	client *clientv3.Client
	logger *slog.Logger
	tracer trace.Tracer
}

// NewEtcdRequestLedger creates a request ledger backed by etcd.
func NewEtcdRequestLedger(client *clientv3.Client, logger *slog.Logger) domain.RequestLedger {
	return &etcdRequestLedger{
		client: client,
		logger: logger.With("component", "etcd-request-ledger"),
		tracer: otel.Tracer("image-broker-etcd-repo"),
	}
}

func requestKey(id string) string {
	return path.Join(RequestSaveDir, id)
}

func openKey(id string) string {
	return path.Join(OpenIndexDir, id)
}

// parseOpenEntry decodes one open-index key/value pair.
func parseOpenEntry(key, value []byte) (string, time.Time, error) {
	id := strings.TrimPrefix(string(key), OpenIndexDir)
	if id == "" || id == string(key) {
		return "", time.Time{}, fmt.Errorf("unexpected open index key %q", key)
	}
	start, err := time.Parse(time.RFC3339Nano, string(value))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("bad start time under %q: %w", key, err)
	}
	return id, start, nil
}

// Create stores the request under a freshly generated id. The put only
// happens if the key does not exist yet, so a record is either fully
// written or not at all.
func (r *etcdRequestLedger) Create(ctx context.Context, req *domain.GenerationRequest) (string, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.CreateRequest")
	defer span.End()

	rec := *req
	rec.ID = uuid.NewString()
	key := requestKey(rec.ID)
	span.SetAttributes(attribute.String("request.id", rec.ID), attribute.String("etcd.key", key))

	recJSON, err := json.Marshal(&rec)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request to JSON: %w", err)
	}

	resp, err := r.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(
			clientv3.OpPut(key, string(recJSON)),
			clientv3.OpPut(openKey(rec.ID), rec.Start.UTC().Format(time.RFC3339Nano)),
		).
		Commit()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to put request to etcd")
		return "", fmt.Errorf("failed to create request %s in etcd: %w", rec.ID, err)
	}
	if !resp.Succeeded {
		span.SetStatus(codes.Error, "request key already exists")
		return "", fmt.Errorf("request %s already exists", rec.ID)
	}
	return rec.ID, nil
}

// Update merges patch into the stored request with an optimistic
// compare-and-swap on the key's mod revision.
func (r *etcdRequestLedger) Update(ctx context.Context, id string, patch domain.RequestPatch) error {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.UpdateRequest")
	defer span.End()

	key := requestKey(id)
	span.SetAttributes(attribute.String("request.id", id), attribute.Bool("patch.final", patch.IsFinal()))

	for attempt := 0; attempt < maxUpdateConflicts; attempt++ {
		rec, modRev, err := r.load(ctx, key)
		if err != nil {
			span.RecordError(err)
			return err
		}
		if err := rec.Apply(patch); err != nil {
			return err
		}
		recJSON, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal request %s to JSON: %w", id, err)
		}

		ops := []clientv3.Op{clientv3.OpPut(key, string(recJSON))}
		if rec.Finalized() {
			ops = append(ops, clientv3.OpDelete(openKey(id)))
		}
		resp, err := r.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(key), "=", modRev)).
			Then(ops...).
			Commit()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to update request in etcd")
			return fmt.Errorf("failed to update request %s in etcd: %w", id, err)
		}
		if resp.Succeeded {
			return nil
		}
		r.logger.Debug("request changed concurrently, retrying update", "request_id", id, "attempt", attempt+1)
	}
	span.SetStatus(codes.Error, "update conflict")
	return fmt.Errorf("failed to update request %s: %w", id, errUpdateConflict)
}

// Get retrieves a request from etcd.
func (r *etcdRequestLedger) Get(ctx context.Context, id string) (*domain.GenerationRequest, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.GetRequest")
	defer span.End()
	span.SetAttributes(attribute.String("request.id", id))

	rec, _, err := r.load(ctx, requestKey(id))
	if err != nil && !errors.Is(err, domain.ErrRequestNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get request from etcd")
	}
	return rec, err
}

func (r *etcdRequestLedger) load(ctx context.Context, key string) (*domain.GenerationRequest, int64, error) {
	resp, err := r.client.Get(ctx, key)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get %s from etcd: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, 0, domain.ErrRequestNotFound
	}

	var rec domain.GenerationRequest
	if err := json.Unmarshal(resp.Kvs[0].Value, &rec); err != nil {
		return nil, 0, fmt.Errorf("failed to unmarshal %s from JSON: %w", key, err)
	}
	return &rec, resp.Kvs[0].ModRevision, nil
}

// ListUnfinalized walks the open index and loads the requests started before the cutoff.
func (r *etcdRequestLedger) ListUnfinalized(ctx context.Context, startedBefore time.Time) ([]*domain.GenerationRequest, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.ListUnfinalized")
	defer span.End()

	resp, err := r.client.Get(ctx, OpenIndexDir, clientv3.WithPrefix())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list open requests from etcd")
		return nil, fmt.Errorf("failed to list open requests from etcd: %w", err)
	}
	span.SetAttributes(attribute.Int("etcd.kv_count", len(resp.Kvs)))

	var open []*domain.GenerationRequest
	for _, kv := range resp.Kvs {
		id, start, err := parseOpenEntry(kv.Key, kv.Value)
		if err != nil {
			r.logger.Warn("skipping malformed open index entry", "error", err)
			continue
		}
		if !start.Before(startedBefore) {
			continue
		}
		rec, _, err := r.load(ctx, requestKey(id))
		switch {
		case errors.Is(err, domain.ErrRequestNotFound):
			r.logger.Warn("open index entry without request", "request_id", id)
			continue
		case err != nil:
			span.RecordError(err)
			return nil, err
		}
		if !rec.Finalized() {
			open = append(open, rec)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].Start.Before(open[j].Start) })
	span.SetAttributes(attribute.Int("requests_returned", len(open)))
	return open, nil
}
