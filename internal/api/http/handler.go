// internal/api/http/handler.go
package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"image-broker/internal/domain"
	"image-broker/internal/metrics"
	"image-broker/internal/usecase"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Handler serves the operator API: ledger lookups and the worker blacklist.
type Handler struct {
	requests *usecase.RequestService
	trust    *usecase.WorkerTrustService
	logger   *slog.Logger
	validate *validator.Validate
	tracer   trace.Tracer
}

func NewHandler(requests *usecase.RequestService, trust *usecase.WorkerTrustService, logger *slog.Logger) *Handler {
	return &Handler{
		requests: requests,
		trust:    trust,
		logger:   logger.With("component", "http-handler"),
		validate: validator.New(),
		tracer:   otel.Tracer("image-broker-api"),
	}
}

// A helper struct to capture the status code
type instrumentedResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *instrumentedResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// RegisterRoutes registers the operator routes to the http.ServeMux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/requests/", h.instrument("/requests/", "/requests/{id}", h.handleRequests))
	mux.Handle("/workers/", h.instrument("/workers/", "/workers/{id}", h.handleWorkers))
}

// instrument wraps next with a span and the request counter. Paths below
// prefix are reported under route so metric labels stay bounded.
func (h *Handler) instrument(prefix, route string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := prefix
		if rest := strings.TrimPrefix(r.URL.Path, prefix); rest != "" {
			path = route
			if i := strings.LastIndex(rest, "/"); i > 0 {
				path += rest[i:]
			}
		}

		ctx, span := h.tracer.Start(r.Context(), "HTTP "+r.Method+" "+path, trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		))
		defer span.End()
		r = r.WithContext(ctx)

		iw := &instrumentedResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(iw, r)

		metrics.HttpRequestsTotal.WithLabelValues(path, r.Method, strconv.Itoa(iw.statusCode)).Inc()
		span.SetAttributes(attribute.Int("http.status_code", iw.statusCode))
		if iw.statusCode >= 500 {
			span.SetStatus(codes.Error, "Server Error")
		}
	})
}

// handleRequests dispatches /requests/ and /requests/{id}.
func (h *Handler) handleRequests(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/requests/"), "/")
	switch {
	case id == "":
		h.handleListOpenRequests(w, r)
	case strings.Contains(id, "/"):
		http.NotFound(w, r)
	default:
		h.handleGetRequest(w, r, id)
	}
}

func (h *Handler) handleGetRequest(w http.ResponseWriter, r *http.Request, id string) {
	ctx, span := h.tracer.Start(r.Context(), "handler.GetRequest")
	defer span.End()
	span.SetAttributes(attribute.String("request.id", id))

	req, err := h.requests.Get(ctx, id)
	if err != nil {
		span.SetStatus(codes.Error, "Failed to get request from service")
		span.RecordError(err)
		if errors.Is(err, domain.ErrRequestNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		h.logger.Error("error getting request", "request_id", id, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// handleListOpenRequests lists unfinalized requests (GET /requests/?olderThan=5m).
func (h *Handler) handleListOpenRequests(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.ListOpenRequests")
	defer span.End()

	olderThan := time.Duration(0)
	if raw := r.URL.Query().Get("olderThan"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			http.Error(w, "olderThan must be a non-negative duration", http.StatusBadRequest)
			return
		}
		olderThan = d
	}

	reqs, err := h.requests.ListOpen(ctx, olderThan)
	if err != nil {
		span.SetStatus(codes.Error, "Failed to list open requests")
		span.RecordError(err)
		h.logger.Error("error listing open requests", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if reqs == nil {
		reqs = []*domain.GenerationRequest{}
	}
	writeJSON(w, http.StatusOK, OpenRequestsResponse{OlderThan: olderThan.String(), Requests: reqs})
}

// handleWorkers dispatches /workers/{id}/trust and /workers/{id}/blacklist.
func (h *Handler) handleWorkers(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/workers/"), "/")
	i := strings.LastIndex(rest, "/")
	if i <= 0 {
		http.NotFound(w, r)
		return
	}
	workerID, action := rest[:i], rest[i+1:]

	switch {
	case action == "trust" && r.Method == http.MethodGet:
		h.handleGetTrust(w, r, workerID)
	case action == "blacklist" && r.Method == http.MethodPut:
		h.handleBlacklist(w, r, workerID)
	case action == "blacklist" && r.Method == http.MethodDelete:
		h.handleUnblacklist(w, r, workerID)
	case action == "trust" || action == "blacklist":
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) handleGetTrust(w http.ResponseWriter, r *http.Request, workerID string) {
	ctx, span := h.tracer.Start(r.Context(), "handler.GetWorkerTrust")
	defer span.End()
	span.SetAttributes(attribute.String("worker.id", workerID))

	trustworthy, entry, err := h.trust.Status(ctx, workerID)
	if err != nil {
		span.SetStatus(codes.Error, "Failed to look up worker")
		span.RecordError(err)
		h.logger.Error("error looking up worker", "worker_id", workerID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, newWorkerTrustResponse(workerID, trustworthy, entry))
}

func (h *Handler) handleBlacklist(w http.ResponseWriter, r *http.Request, workerID string) {
	ctx, span := h.tracer.Start(r.Context(), "handler.BlacklistWorker")
	defer span.End()
	span.SetAttributes(attribute.String("worker.id", workerID))

	var req BlacklistWorkerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		span.SetStatus(codes.Error, "Failed to decode request body")
		span.RecordError(err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.validate.Struct(req); err != nil {
		span.SetStatus(codes.Error, "Validation failed")
		span.RecordError(err)
		var validationErrors []string
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				validationErrors = append(validationErrors,
					"Field '"+fe.Field()+"' failed on the '"+fe.Tag()+"' tag.",
				)
			}
		}
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":   "Validation failed",
			"details": validationErrors,
		})
		return
	}

	entry, err := h.trust.Ban(ctx, workerID, req.Reason)
	if err != nil {
		span.SetStatus(codes.Error, "Failed to blacklist worker")
		span.RecordError(err)
		h.logger.Error("error blacklisting worker", "worker_id", workerID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, newWorkerTrustResponse(workerID, false, entry))
}

func (h *Handler) handleUnblacklist(w http.ResponseWriter, r *http.Request, workerID string) {
	ctx, span := h.tracer.Start(r.Context(), "handler.UnblacklistWorker")
	defer span.End()
	span.SetAttributes(attribute.String("worker.id", workerID))

	if err := h.trust.Unban(ctx, workerID); err != nil {
		span.SetStatus(codes.Error, "Failed to remove worker from blacklist")
		span.RecordError(err)
		h.logger.Error("error removing worker from blacklist", "worker_id", workerID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
